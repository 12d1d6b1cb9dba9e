// Package localfs implements the reference local-filesystem backend.
//
// Item ids are absolute paths below a configured root directory; the etag
// of an item is its modification time in nanoseconds. Identifiers are
// cleaned first; relative paths and paths that lie outside the root once
// cleaned are rejected with ErrorInvalidArgument before touching the
// filesystem.
package localfs

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/cirrusfs/cirrus/pkg/provider"
)

// DefaultPageSize bounds List pages.
const DefaultPageSize = 1000

// Config controls a local filesystem provider.
type Config struct {
	// Root is the directory exposed as the provider root. Created if
	// missing.
	Root string `mapstructure:"root" validate:"required"`

	// PageSize is the maximum number of children returned per List page.
	PageSize int `mapstructure:"page_size"`
}

// LocalProvider implements provider.Provider over a directory tree.
type LocalProvider struct {
	root     string
	pageSize int
}

// New creates the backend, creating the root directory if needed.
func New(cfg Config) (*LocalProvider, error) {
	if cfg.Root == "" {
		return nil, provider.NewError(provider.ErrorInvalidArgument, "empty root directory")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, provider.NewError(provider.ErrorInvalidArgument, "root directory: %v", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, mapOSError(err, root)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &LocalProvider{root: root, pageSize: cfg.PageSize}, nil
}

// Root returns the root directory path, which doubles as the root item id.
func (p *LocalProvider) Root() string {
	return p.root
}

// Roots implements provider.Provider.
func (p *LocalProvider) Roots(ctx context.Context, peer provider.Context) ([]provider.Item, error) {
	item, err := p.itemAt(p.root)
	if err != nil {
		return nil, err
	}
	return []provider.Item{item}, nil
}

// List implements provider.Provider. Page tokens are decimal offsets into
// the name-sorted directory listing.
func (p *LocalProvider) List(ctx context.Context, itemID, pageToken string, peer provider.Context) ([]provider.Item, string, error) {
	path, err := p.resolve(itemID)
	if err != nil {
		return nil, "", err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, "", mapOSError(err, itemID)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if isReserved(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 || n > len(names) {
			return nil, "", provider.NewKeyError(provider.ErrorLogic, pageToken, "Unknown page token")
		}
		offset = n
	}

	end := offset + p.pageSize
	next := ""
	if end < len(names) {
		next = strconv.Itoa(end)
	} else {
		end = len(names)
	}

	items := make([]provider.Item, 0, end-offset)
	for _, name := range names[offset:end] {
		item, err := p.itemAt(filepath.Join(path, name))
		if err != nil {
			// Entry vanished between ReadDir and Lstat; skip it.
			if provider.IsKind(err, provider.ErrorNotExists) {
				continue
			}
			return nil, "", err
		}
		items = append(items, item)
	}
	return items, next, nil
}

// Lookup implements provider.Provider.
func (p *LocalProvider) Lookup(ctx context.Context, parentID, name string, peer provider.Context) ([]provider.Item, error) {
	parent, err := p.resolve(parentID)
	if err != nil {
		return nil, err
	}
	if err := checkName(name); err != nil {
		return nil, err
	}

	item, err := p.itemAt(filepath.Join(parent, name))
	if provider.IsKind(err, provider.ErrorNotExists) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []provider.Item{item}, nil
}

// Metadata implements provider.Provider.
func (p *LocalProvider) Metadata(ctx context.Context, itemID string, peer provider.Context) (provider.Item, error) {
	path, err := p.resolve(itemID)
	if err != nil {
		return provider.Item{}, err
	}
	return p.itemAt(path)
}

// CreateFolder implements provider.Provider.
func (p *LocalProvider) CreateFolder(ctx context.Context, parentID, name string, peer provider.Context) (provider.Item, error) {
	parent, err := p.resolve(parentID)
	if err != nil {
		return provider.Item{}, err
	}
	if err := checkName(name); err != nil {
		return provider.Item{}, err
	}

	path := filepath.Join(parent, name)
	if err := os.Mkdir(path, 0o755); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return provider.Item{}, provider.NewKeyError(provider.ErrorExists, name, "name already in use")
		}
		return provider.Item{}, mapOSError(err, name)
	}
	return p.itemAt(path)
}

// DeleteItem implements provider.Provider.
func (p *LocalProvider) DeleteItem(ctx context.Context, itemID string, peer provider.Context) error {
	path, err := p.resolve(itemID)
	if err != nil {
		return err
	}
	if path == p.root {
		return provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "cannot delete a root")
	}
	if _, err := os.Lstat(path); err != nil {
		return mapOSError(err, itemID)
	}
	if err := os.RemoveAll(path); err != nil {
		return mapOSError(err, itemID)
	}
	return nil
}

// Move implements provider.Provider. Since ids are paths, the moved item
// has a new id.
func (p *LocalProvider) Move(ctx context.Context, itemID, newParentID, newName string, peer provider.Context) (provider.Item, error) {
	src, err := p.resolve(itemID)
	if err != nil {
		return provider.Item{}, err
	}
	if src == p.root {
		return provider.Item{}, provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "cannot move a root")
	}
	parent, err := p.resolve(newParentID)
	if err != nil {
		return provider.Item{}, err
	}
	if err := checkName(newName); err != nil {
		return provider.Item{}, err
	}

	dst := filepath.Join(parent, newName)
	if dst != src {
		if _, err := os.Lstat(dst); err == nil {
			return provider.Item{}, provider.NewKeyError(provider.ErrorExists, newName, "name already in use")
		}
	}
	if err := os.Rename(src, dst); err != nil {
		return provider.Item{}, mapOSError(err, itemID)
	}
	return p.itemAt(dst)
}

// Copy implements provider.Provider.
func (p *LocalProvider) Copy(ctx context.Context, itemID, newParentID, newName string, peer provider.Context) (provider.Item, error) {
	src, err := p.resolve(itemID)
	if err != nil {
		return provider.Item{}, err
	}
	parent, err := p.resolve(newParentID)
	if err != nil {
		return provider.Item{}, err
	}
	if err := checkName(newName); err != nil {
		return provider.Item{}, err
	}

	dst := filepath.Join(parent, newName)
	if _, err := os.Lstat(dst); err == nil {
		return provider.Item{}, provider.NewKeyError(provider.ErrorExists, newName, "name already in use")
	}
	if err := copyTree(src, dst); err != nil {
		return provider.Item{}, err
	}
	return p.itemAt(dst)
}

func copyTree(src, dst string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return mapOSError(err, src)
	}
	if info.IsDir() {
		if err := os.Mkdir(dst, info.Mode().Perm()); err != nil {
			return mapOSError(err, dst)
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return mapOSError(err, src)
		}
		for _, entry := range entries {
			if isReserved(entry.Name()) {
				continue
			}
			if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return mapOSError(err, src)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return mapOSError(err, dst)
	}
	if _, err := out.ReadFrom(in); err != nil {
		out.Close()
		os.Remove(dst)
		return mapOSError(err, dst)
	}
	if err := out.Close(); err != nil {
		return mapOSError(err, dst)
	}
	return nil
}

// resolve validates an item id and returns the filesystem path it denotes.
func (p *LocalProvider) resolve(itemID string) (string, error) {
	if itemID == "" {
		return "", provider.NewError(provider.ErrorInvalidArgument, "empty item id")
	}
	if !filepath.IsAbs(itemID) {
		return "", provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "id is not an absolute path")
	}
	clean := filepath.Clean(itemID)
	if clean != p.root && !strings.HasPrefix(clean, p.root+string(filepath.Separator)) {
		return "", provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "id is outside the provider root")
	}
	return clean, nil
}

// itemAt builds the item for a validated path.
func (p *LocalProvider) itemAt(path string) (provider.Item, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return provider.Item{}, mapOSError(err, path)
	}

	item := provider.Item{
		ID:    path,
		Title: filepath.Base(path),
		ETag:  etagFor(info),
	}
	switch {
	case path == p.root:
		item.Type = provider.ItemTypeRoot
	case info.IsDir():
		item.Type = provider.ItemTypeFolder
		item.ParentID = filepath.Dir(path)
	default:
		item.Type = provider.ItemTypeFile
		item.ParentID = filepath.Dir(path)
		item.Metadata = map[string]provider.Value{
			"size": provider.Int(info.Size()),
		}
	}
	return item, nil
}

func etagFor(info fs.FileInfo) string {
	return strconv.FormatInt(info.ModTime().UnixNano(), 10)
}

// checkName rejects leaf names that would escape the parent directory.
func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, filepath.Separator) {
		return provider.NewKeyError(provider.ErrorInvalidArgument, name, "invalid name")
	}
	return nil
}

// uploadPrefix marks in-flight upload temporaries, hidden from listings.
const uploadPrefix = ".cirrus-upload-"

func isReserved(name string) bool {
	return strings.HasPrefix(name, uploadPrefix)
}

// mapOSError converts a filesystem error into the wire taxonomy.
func mapOSError(err error, key string) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return provider.NewKeyError(provider.ErrorNotExists, key, "no such item")
	case errors.Is(err, fs.ErrPermission):
		return provider.NewKeyError(provider.ErrorPermissionDenied, key, "permission denied")
	case errors.Is(err, fs.ErrExist):
		return provider.NewKeyError(provider.ErrorExists, key, "name already in use")
	case errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EDQUOT):
		return provider.NewError(provider.ErrorResource, "no space left: %v", err)
	case errors.Is(err, unix.ENOTDIR):
		return provider.NewKeyError(provider.ErrorInvalidArgument, key, "not a folder")
	case errors.Is(err, unix.EISDIR):
		return provider.NewKeyError(provider.ErrorInvalidArgument, key, "is a folder")
	default:
		return provider.NewError(provider.ErrorUnknown, "%v", err)
	}
}
