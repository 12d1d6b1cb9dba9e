// Package memory implements an in-memory storage backend.
//
// The backend is fully functional but ephemeral; it is used for development
// daemons and as the reference implementation in tests. All state lives in
// maps guarded by a single read-write mutex, which keeps the implementation
// simple and correct under the runtime's concurrent dispatch.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/cirrusfs/cirrus/pkg/provider"
)

// RootID is the identifier of the single root. It is fixed so item ids
// stay stable across reconnects within one daemon lifetime.
const RootID = "root"

// DefaultPageSize bounds List pages when the config does not say otherwise.
const DefaultPageSize = 100

// Config controls a memory provider instance.
type Config struct {
	// RootTitle is the display name of the root folder.
	RootTitle string `mapstructure:"root_title"`

	// PageSize is the maximum number of children returned per List page.
	PageSize int `mapstructure:"page_size"`
}

// MemoryProvider implements provider.Provider backed by in-memory maps.
type MemoryProvider struct {
	pageSize int

	mu       sync.RWMutex
	items    map[string]provider.Item
	children map[string]map[string]string // parent id -> title -> child id
	content  map[string][]byte            // file id -> bytes
	etagSeq  uint64
}

// New creates an empty memory provider with a single root.
func New(cfg Config) *MemoryProvider {
	if cfg.RootTitle == "" {
		cfg.RootTitle = "Root"
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	p := &MemoryProvider{
		pageSize: cfg.PageSize,
		items:    make(map[string]provider.Item),
		children: make(map[string]map[string]string),
		content:  make(map[string][]byte),
	}
	p.items[RootID] = provider.Item{
		ID:    RootID,
		Title: cfg.RootTitle,
		ETag:  p.nextETagLocked(),
		Type:  provider.ItemTypeRoot,
	}
	p.children[RootID] = make(map[string]string)
	return p
}

// nextETagLocked returns a fresh version tag. Callers hold the write lock
// (or are inside New).
func (p *MemoryProvider) nextETagLocked() string {
	p.etagSeq++
	return "etag-" + strconv.FormatUint(p.etagSeq, 10)
}

// Roots implements provider.Provider.
func (p *MemoryProvider) Roots(ctx context.Context, peer provider.Context) ([]provider.Item, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return []provider.Item{p.items[RootID]}, nil
}

// List implements provider.Provider. Page tokens are decimal offsets into
// the title-sorted child list.
func (p *MemoryProvider) List(ctx context.Context, itemID, pageToken string, peer provider.Context) ([]provider.Item, string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	folder, ok := p.items[itemID]
	if !ok {
		return nil, "", provider.NewKeyError(provider.ErrorNotExists, itemID, "no such item")
	}
	if folder.Type == provider.ItemTypeFile {
		return nil, "", provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "cannot list a file")
	}

	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return nil, "", provider.NewKeyError(provider.ErrorLogic, pageToken, "Unknown page token")
		}
		offset = n
	}

	titles := p.sortedChildrenLocked(itemID)
	if offset > len(titles) {
		return nil, "", provider.NewKeyError(provider.ErrorLogic, pageToken, "Unknown page token")
	}

	end := offset + p.pageSize
	next := ""
	if end < len(titles) {
		next = strconv.Itoa(end)
	} else {
		end = len(titles)
	}

	page := make([]provider.Item, 0, end-offset)
	for _, title := range titles[offset:end] {
		page = append(page, p.items[p.children[itemID][title]])
	}
	return page, next, nil
}

// Lookup implements provider.Provider.
func (p *MemoryProvider) Lookup(ctx context.Context, parentID, name string, peer provider.Context) ([]provider.Item, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	parent, ok := p.items[parentID]
	if !ok {
		return nil, provider.NewKeyError(provider.ErrorNotExists, parentID, "no such item")
	}
	if parent.Type == provider.ItemTypeFile {
		return nil, provider.NewKeyError(provider.ErrorInvalidArgument, parentID, "cannot look up inside a file")
	}
	id, ok := p.children[parentID][name]
	if !ok {
		return nil, nil
	}
	return []provider.Item{p.items[id]}, nil
}

// Metadata implements provider.Provider.
func (p *MemoryProvider) Metadata(ctx context.Context, itemID string, peer provider.Context) (provider.Item, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	item, ok := p.items[itemID]
	if !ok {
		return provider.Item{}, provider.NewKeyError(provider.ErrorNotExists, itemID, "no such item")
	}
	return item, nil
}

// CreateFolder implements provider.Provider.
func (p *MemoryProvider) CreateFolder(ctx context.Context, parentID, name string, peer provider.Context) (provider.Item, error) {
	if name == "" {
		return provider.Item{}, provider.NewError(provider.ErrorInvalidArgument, "empty folder name")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkParentLocked(parentID); err != nil {
		return provider.Item{}, err
	}
	if _, exists := p.children[parentID][name]; exists {
		return provider.Item{}, provider.NewKeyError(provider.ErrorExists, name, "name already in use")
	}

	item := provider.Item{
		ID:       uuid.NewString(),
		ParentID: parentID,
		Title:    name,
		ETag:     p.nextETagLocked(),
		Type:     provider.ItemTypeFolder,
	}
	p.items[item.ID] = item
	p.children[item.ID] = make(map[string]string)
	p.children[parentID][name] = item.ID
	return item, nil
}

// DeleteItem implements provider.Provider. Folders are removed recursively.
func (p *MemoryProvider) DeleteItem(ctx context.Context, itemID string, peer provider.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	item, ok := p.items[itemID]
	if !ok {
		return provider.NewKeyError(provider.ErrorNotExists, itemID, "no such item")
	}
	if item.Type == provider.ItemTypeRoot {
		return provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "cannot delete a root")
	}

	p.removeLocked(itemID)
	delete(p.children[item.ParentID], item.Title)
	return nil
}

// Move implements provider.Provider. The item keeps its id.
func (p *MemoryProvider) Move(ctx context.Context, itemID, newParentID, newName string, peer provider.Context) (provider.Item, error) {
	if newName == "" {
		return provider.Item{}, provider.NewError(provider.ErrorInvalidArgument, "empty name")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	item, ok := p.items[itemID]
	if !ok {
		return provider.Item{}, provider.NewKeyError(provider.ErrorNotExists, itemID, "no such item")
	}
	if item.Type == provider.ItemTypeRoot {
		return provider.Item{}, provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "cannot move a root")
	}
	if err := p.checkParentLocked(newParentID); err != nil {
		return provider.Item{}, err
	}
	if existing, exists := p.children[newParentID][newName]; exists && existing != itemID {
		return provider.Item{}, provider.NewKeyError(provider.ErrorExists, newName, "name already in use")
	}

	delete(p.children[item.ParentID], item.Title)
	item.ParentID = newParentID
	item.Title = newName
	item.ETag = p.nextETagLocked()
	p.items[itemID] = item
	p.children[newParentID][newName] = itemID
	return item, nil
}

// Copy implements provider.Provider. Folders are copied recursively; every
// copy gets a new id.
func (p *MemoryProvider) Copy(ctx context.Context, itemID, newParentID, newName string, peer provider.Context) (provider.Item, error) {
	if newName == "" {
		return provider.Item{}, provider.NewError(provider.ErrorInvalidArgument, "empty name")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	item, ok := p.items[itemID]
	if !ok {
		return provider.Item{}, provider.NewKeyError(provider.ErrorNotExists, itemID, "no such item")
	}
	if item.Type == provider.ItemTypeRoot {
		return provider.Item{}, provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "cannot copy a root")
	}
	if err := p.checkParentLocked(newParentID); err != nil {
		return provider.Item{}, err
	}
	if _, exists := p.children[newParentID][newName]; exists {
		return provider.Item{}, provider.NewKeyError(provider.ErrorExists, newName, "name already in use")
	}

	return p.copyLocked(itemID, newParentID, newName), nil
}

func (p *MemoryProvider) copyLocked(itemID, newParentID, newName string) provider.Item {
	src := p.items[itemID]
	dst := provider.Item{
		ID:       uuid.NewString(),
		ParentID: newParentID,
		Title:    newName,
		ETag:     p.nextETagLocked(),
		Type:     src.Type,
	}
	p.items[dst.ID] = dst
	p.children[newParentID][newName] = dst.ID

	switch src.Type {
	case provider.ItemTypeFile:
		p.content[dst.ID] = append([]byte(nil), p.content[itemID]...)
	case provider.ItemTypeFolder:
		p.children[dst.ID] = make(map[string]string)
		for name, childID := range p.children[itemID] {
			p.copyLocked(childID, dst.ID, name)
		}
	}
	return dst
}

func (p *MemoryProvider) removeLocked(itemID string) {
	for _, childID := range p.children[itemID] {
		p.removeLocked(childID)
	}
	delete(p.children, itemID)
	delete(p.content, itemID)
	delete(p.items, itemID)
}

func (p *MemoryProvider) checkParentLocked(parentID string) error {
	parent, ok := p.items[parentID]
	if !ok {
		return provider.NewKeyError(provider.ErrorNotExists, parentID, "no such item")
	}
	if parent.Type == provider.ItemTypeFile {
		return provider.NewKeyError(provider.ErrorInvalidArgument, parentID, "parent is not a folder")
	}
	return nil
}

func (p *MemoryProvider) sortedChildrenLocked(parentID string) []string {
	titles := make([]string, 0, len(p.children[parentID]))
	for title := range p.children[parentID] {
		titles = append(titles, title)
	}
	sort.Strings(titles)
	return titles
}

// AddFolder seeds a folder without going through the upload machinery.
// Intended for daemon bootstrap and tests.
func (p *MemoryProvider) AddFolder(parentID, name string) (provider.Item, error) {
	return p.CreateFolder(context.Background(), parentID, name, provider.Context{})
}

// AddFile seeds a file with the given content without going through the
// upload machinery. Intended for daemon bootstrap and tests.
func (p *MemoryProvider) AddFile(parentID, name string, content []byte) (provider.Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkParentLocked(parentID); err != nil {
		return provider.Item{}, err
	}
	if _, exists := p.children[parentID][name]; exists {
		return provider.Item{}, provider.NewKeyError(provider.ErrorExists, name, "name already in use")
	}

	item := provider.Item{
		ID:       uuid.NewString(),
		ParentID: parentID,
		Title:    name,
		ETag:     p.nextETagLocked(),
		Type:     provider.ItemTypeFile,
		Metadata: map[string]provider.Value{
			"size": provider.Int(len(content)),
		},
	}
	p.items[item.ID] = item
	p.content[item.ID] = append([]byte(nil), content...)
	p.children[parentID][name] = item.ID
	return item, nil
}

// Content returns a copy of a file's bytes. Intended for tests.
func (p *MemoryProvider) Content(itemID string) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.content[itemID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// commitUpload installs uploaded bytes as the content of a new or existing
// file. It re-validates collisions and etags at commit time.
func (p *MemoryProvider) commitUpload(j *uploadJob, data []byte) (provider.Item, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if j.itemID != "" {
		item, ok := p.items[j.itemID]
		if !ok {
			return provider.Item{}, provider.NewKeyError(provider.ErrorNotExists, j.itemID, "no such item")
		}
		if j.oldETag != "" && item.ETag != j.oldETag {
			return provider.Item{}, provider.NewKeyError(provider.ErrorConflict, j.itemID, "etag mismatch")
		}
		item.ETag = p.nextETagLocked()
		item.Metadata = fileMetadata(len(data), j.contentType)
		p.items[j.itemID] = item
		p.content[j.itemID] = data
		return item, nil
	}

	if err := p.checkParentLocked(j.parentID); err != nil {
		return provider.Item{}, err
	}
	if existingID, exists := p.children[j.parentID][j.name]; exists {
		if !j.allowOverwrite {
			return provider.Item{}, provider.NewKeyError(provider.ErrorExists, j.name, "name already in use")
		}
		existing := p.items[existingID]
		if existing.Type != provider.ItemTypeFile {
			return provider.Item{}, provider.NewKeyError(provider.ErrorExists, j.name, "name in use by a folder")
		}
		existing.ETag = p.nextETagLocked()
		existing.Metadata = fileMetadata(len(data), j.contentType)
		p.items[existingID] = existing
		p.content[existingID] = data
		return existing, nil
	}

	item := provider.Item{
		ID:       uuid.NewString(),
		ParentID: j.parentID,
		Title:    j.name,
		ETag:     p.nextETagLocked(),
		Type:     provider.ItemTypeFile,
		Metadata: fileMetadata(len(data), j.contentType),
	}
	p.items[item.ID] = item
	p.content[item.ID] = data
	p.children[j.parentID][j.name] = item.ID
	return item, nil
}

func fileMetadata(size int, contentType string) map[string]provider.Value {
	md := map[string]provider.Value{
		"size": provider.Int(size),
	}
	if contentType != "" {
		md["content_type"] = provider.String(contentType)
	}
	return md
}
