// Package vault implements a persistent single-user backend on BadgerDB.
//
// Items and content live in one database under prefixed keys:
//
//	Data Type       Prefix  Key Format            Value
//	Item records    "i:"    i:<uuid>              item (JSON)
//	Children map    "c:"    c:<parentID>:<name>   child id (bytes)
//	File content    "d:"    d:<uuid>              raw bytes
//
// The children namespace is denormalized (one entry per child) so directory
// listings are a single prefix scan in name order. Item ids are UUIDs and
// survive daemon restarts, satisfying the id stability contract.
package vault

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/cirrusfs/cirrus/internal/logger"
	"github.com/cirrusfs/cirrus/pkg/provider"
)

// RootID is the fixed identifier of the vault root.
const RootID = "root"

// DefaultPageSize bounds List pages.
const DefaultPageSize = 500

// Config controls a vault provider.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string `mapstructure:"path"`

	// PageSize is the maximum number of children returned per List page.
	PageSize int `mapstructure:"page_size"`

	// InMemory keeps the database in RAM. Used by tests.
	InMemory bool `mapstructure:"in_memory"`
}

// VaultProvider implements provider.Provider on a badger database.
//
// Badger transactions give atomicity per operation; the recursive
// operations (copy and delete) each run in a single transaction and are
// additionally serialized against each other by the mutex.
type VaultProvider struct {
	db       *badger.DB
	pageSize int
	mu       sync.Mutex
	etagSeq  uint64
}

// Open opens or creates the vault database and ensures the root exists.
func Open(cfg Config) (*VaultProvider, error) {
	if cfg.Path == "" && !cfg.InMemory {
		return nil, provider.NewError(provider.ErrorInvalidArgument, "empty vault path")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}

	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, provider.NewError(provider.ErrorResource, "open vault: %v", err)
	}

	p := &VaultProvider{db: db, pageSize: cfg.PageSize}
	if err := p.ensureRoot(); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// Close releases the database.
func (p *VaultProvider) Close() error {
	return p.db.Close()
}

func (p *VaultProvider) ensureRoot() error {
	return p.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(itemKey(RootID))
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return dbError(err)
		}
		root := record{
			ID:    RootID,
			Title: "Vault",
			ETag:  p.nextETag(),
			Type:  uint32(provider.ItemTypeRoot),
		}
		return putRecord(txn, root)
	})
}

func (p *VaultProvider) nextETag() string {
	seq := atomic.AddUint64(&p.etagSeq, 1)
	return "v" + strconv.FormatUint(seq, 10) + "-" + uuid.NewString()[:8]
}

// record is the JSON shape of an item in the database.
type record struct {
	ID       string               `json:"id"`
	ParentID string               `json:"parent_id,omitempty"`
	Title    string               `json:"title"`
	ETag     string               `json:"etag"`
	Type     uint32               `json:"type"`
	Metadata map[string]metaValue `json:"metadata,omitempty"`
}

// metaValue is the JSON shape of a typed metadata value.
type metaValue struct {
	Kind  string `json:"kind"`
	Str   string `json:"str,omitempty"`
	Int   int64  `json:"int,omitempty"`
	Bool  bool   `json:"bool,omitempty"`
	Bytes []byte `json:"bytes,omitempty"`
}

func toRecord(item provider.Item) record {
	rec := record{
		ID:       item.ID,
		ParentID: item.ParentID,
		Title:    item.Title,
		ETag:     item.ETag,
		Type:     uint32(item.Type),
	}
	if len(item.Metadata) > 0 {
		rec.Metadata = make(map[string]metaValue, len(item.Metadata))
		for key, value := range item.Metadata {
			switch v := value.(type) {
			case provider.String:
				rec.Metadata[key] = metaValue{Kind: "string", Str: string(v)}
			case provider.Int:
				rec.Metadata[key] = metaValue{Kind: "int", Int: int64(v)}
			case provider.Bool:
				rec.Metadata[key] = metaValue{Kind: "bool", Bool: bool(v)}
			case provider.Bytes:
				rec.Metadata[key] = metaValue{Kind: "bytes", Bytes: []byte(v)}
			}
		}
	}
	return rec
}

func (r record) item() provider.Item {
	item := provider.Item{
		ID:       r.ID,
		ParentID: r.ParentID,
		Title:    r.Title,
		ETag:     r.ETag,
		Type:     provider.ItemType(r.Type),
	}
	if len(r.Metadata) > 0 {
		item.Metadata = make(map[string]provider.Value, len(r.Metadata))
		for key, mv := range r.Metadata {
			switch mv.Kind {
			case "string":
				item.Metadata[key] = provider.String(mv.Str)
			case "int":
				item.Metadata[key] = provider.Int(mv.Int)
			case "bool":
				item.Metadata[key] = provider.Bool(mv.Bool)
			case "bytes":
				item.Metadata[key] = provider.Bytes(mv.Bytes)
			}
		}
	}
	return item
}

func itemKey(id string) []byte {
	return []byte("i:" + id)
}

func childKey(parentID, name string) []byte {
	return []byte("c:" + parentID + ":" + name)
}

func childPrefix(parentID string) []byte {
	return []byte("c:" + parentID + ":")
}

func dataKey(id string) []byte {
	return []byte("d:" + id)
}

func putRecord(txn *badger.Txn, rec record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return provider.NewError(provider.ErrorUnknown, "marshal item: %v", err)
	}
	return dbError(txn.Set(itemKey(rec.ID), raw))
}

func getRecord(txn *badger.Txn, id string) (record, error) {
	entry, err := txn.Get(itemKey(id))
	if err == badger.ErrKeyNotFound {
		return record{}, provider.NewKeyError(provider.ErrorNotExists, id, "no such item")
	}
	if err != nil {
		return record{}, dbError(err)
	}
	var rec record
	if err := entry.Value(func(raw []byte) error {
		return json.Unmarshal(raw, &rec)
	}); err != nil {
		return record{}, provider.NewError(provider.ErrorUnknown, "unmarshal item: %v", err)
	}
	return rec, nil
}

func getChild(txn *badger.Txn, parentID, name string) (string, bool, error) {
	entry, err := txn.Get(childKey(parentID, name))
	if err == badger.ErrKeyNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, dbError(err)
	}
	raw, err := entry.ValueCopy(nil)
	if err != nil {
		return "", false, dbError(err)
	}
	return string(raw), true, nil
}

func dbError(err error) error {
	if err == nil {
		return nil
	}
	return provider.NewError(provider.ErrorResource, "vault: %v", err)
}

// checkParent verifies that parentID names a folder or root.
func checkParent(txn *badger.Txn, parentID string) (record, error) {
	parent, err := getRecord(txn, parentID)
	if err != nil {
		return record{}, err
	}
	if provider.ItemType(parent.Type) == provider.ItemTypeFile {
		return record{}, provider.NewKeyError(provider.ErrorInvalidArgument, parentID, "parent is not a folder")
	}
	return parent, nil
}

// Roots implements provider.Provider.
func (p *VaultProvider) Roots(ctx context.Context, peer provider.Context) ([]provider.Item, error) {
	var root record
	err := p.db.View(func(txn *badger.Txn) error {
		var err error
		root, err = getRecord(txn, RootID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return []provider.Item{root.item()}, nil
}

// List implements provider.Provider. The prefix scan yields children in
// name order; page tokens are decimal offsets.
func (p *VaultProvider) List(ctx context.Context, itemID, pageToken string, peer provider.Context) ([]provider.Item, string, error) {
	offset := 0
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil || n < 0 {
			return nil, "", provider.NewKeyError(provider.ErrorLogic, pageToken, "Unknown page token")
		}
		offset = n
	}

	var items []provider.Item
	next := ""
	err := p.db.View(func(txn *badger.Txn) error {
		if _, err := checkParent(txn, itemID); err != nil {
			return err
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: childPrefix(itemID)})
		defer it.Close()

		pos := 0
		for it.Rewind(); it.Valid(); it.Next() {
			if pos < offset {
				pos++
				continue
			}
			if len(items) == p.pageSize {
				next = strconv.Itoa(pos)
				return nil
			}
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return dbError(err)
			}
			child, err := getRecord(txn, string(raw))
			if err != nil {
				return err
			}
			items = append(items, child.item())
			pos++
		}
		if offset > pos {
			return provider.NewKeyError(provider.ErrorLogic, pageToken, "Unknown page token")
		}
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return items, next, nil
}

// Lookup implements provider.Provider.
func (p *VaultProvider) Lookup(ctx context.Context, parentID, name string, peer provider.Context) ([]provider.Item, error) {
	var items []provider.Item
	err := p.db.View(func(txn *badger.Txn) error {
		if _, err := checkParent(txn, parentID); err != nil {
			return err
		}
		childID, ok, err := getChild(txn, parentID, name)
		if err != nil || !ok {
			return err
		}
		child, err := getRecord(txn, childID)
		if err != nil {
			return err
		}
		items = append(items, child.item())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Metadata implements provider.Provider.
func (p *VaultProvider) Metadata(ctx context.Context, itemID string, peer provider.Context) (provider.Item, error) {
	var rec record
	err := p.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, itemID)
		return err
	})
	if err != nil {
		return provider.Item{}, err
	}
	return rec.item(), nil
}

// CreateFolder implements provider.Provider.
func (p *VaultProvider) CreateFolder(ctx context.Context, parentID, name string, peer provider.Context) (provider.Item, error) {
	if name == "" {
		return provider.Item{}, provider.NewError(provider.ErrorInvalidArgument, "empty folder name")
	}

	rec := record{
		ID:       uuid.NewString(),
		ParentID: parentID,
		Title:    name,
		ETag:     p.nextETag(),
		Type:     uint32(provider.ItemTypeFolder),
	}
	err := p.db.Update(func(txn *badger.Txn) error {
		if _, err := checkParent(txn, parentID); err != nil {
			return err
		}
		if _, exists, err := getChild(txn, parentID, name); err != nil {
			return err
		} else if exists {
			return provider.NewKeyError(provider.ErrorExists, name, "name already in use")
		}
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		return dbError(txn.Set(childKey(parentID, name), []byte(rec.ID)))
	})
	if err != nil {
		return provider.Item{}, err
	}
	return rec.item(), nil
}

// DeleteItem implements provider.Provider. Folders are removed recursively.
func (p *VaultProvider) DeleteItem(ctx context.Context, itemID string, peer provider.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, itemID)
		if err != nil {
			return err
		}
		if provider.ItemType(rec.Type) == provider.ItemTypeRoot {
			return provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "cannot delete a root")
		}
		if err := deleteTree(txn, rec); err != nil {
			return err
		}
		return dbError(txn.Delete(childKey(rec.ParentID, rec.Title)))
	})
}

func deleteTree(txn *badger.Txn, rec record) error {
	if provider.ItemType(rec.Type) == provider.ItemTypeFolder {
		children, err := childIDs(txn, rec.ID)
		if err != nil {
			return err
		}
		for _, childID := range children {
			child, err := getRecord(txn, childID)
			if err != nil {
				return err
			}
			if err := deleteTree(txn, child); err != nil {
				return err
			}
			if err := txn.Delete(childKey(rec.ID, child.Title)); err != nil {
				return dbError(err)
			}
		}
	}
	if err := txn.Delete(dataKey(rec.ID)); err != nil && err != badger.ErrKeyNotFound {
		return dbError(err)
	}
	return dbError(txn.Delete(itemKey(rec.ID)))
}

func childIDs(txn *badger.Txn, parentID string) ([]string, error) {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: childPrefix(parentID)})
	defer it.Close()
	var ids []string
	for it.Rewind(); it.Valid(); it.Next() {
		raw, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, dbError(err)
		}
		ids = append(ids, string(raw))
	}
	return ids, nil
}

// Move implements provider.Provider. The item keeps its id.
func (p *VaultProvider) Move(ctx context.Context, itemID, newParentID, newName string, peer provider.Context) (provider.Item, error) {
	if newName == "" {
		return provider.Item{}, provider.NewError(provider.ErrorInvalidArgument, "empty name")
	}

	var moved record
	err := p.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, itemID)
		if err != nil {
			return err
		}
		if provider.ItemType(rec.Type) == provider.ItemTypeRoot {
			return provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "cannot move a root")
		}
		if _, err := checkParent(txn, newParentID); err != nil {
			return err
		}
		if existing, exists, err := getChild(txn, newParentID, newName); err != nil {
			return err
		} else if exists && existing != itemID {
			return provider.NewKeyError(provider.ErrorExists, newName, "name already in use")
		}

		if err := txn.Delete(childKey(rec.ParentID, rec.Title)); err != nil {
			return dbError(err)
		}
		rec.ParentID = newParentID
		rec.Title = newName
		rec.ETag = p.nextETag()
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		if err := txn.Set(childKey(newParentID, newName), []byte(rec.ID)); err != nil {
			return dbError(err)
		}
		moved = rec
		return nil
	})
	if err != nil {
		return provider.Item{}, err
	}
	return moved.item(), nil
}

// Copy implements provider.Provider. Folders are copied recursively.
func (p *VaultProvider) Copy(ctx context.Context, itemID, newParentID, newName string, peer provider.Context) (provider.Item, error) {
	if newName == "" {
		return provider.Item{}, provider.NewError(provider.ErrorInvalidArgument, "empty name")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var copied record
	err := p.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, itemID)
		if err != nil {
			return err
		}
		if provider.ItemType(rec.Type) == provider.ItemTypeRoot {
			return provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "cannot copy a root")
		}
		if _, err := checkParent(txn, newParentID); err != nil {
			return err
		}
		if _, exists, err := getChild(txn, newParentID, newName); err != nil {
			return err
		} else if exists {
			return provider.NewKeyError(provider.ErrorExists, newName, "name already in use")
		}
		copied, err = p.copyTree(txn, rec, newParentID, newName)
		return err
	})
	if err != nil {
		return provider.Item{}, err
	}
	return copied.item(), nil
}

func (p *VaultProvider) copyTree(txn *badger.Txn, src record, newParentID, newName string) (record, error) {
	dst := record{
		ID:       uuid.NewString(),
		ParentID: newParentID,
		Title:    newName,
		ETag:     p.nextETag(),
		Type:     src.Type,
		Metadata: src.Metadata,
	}
	if err := putRecord(txn, dst); err != nil {
		return record{}, err
	}
	if err := txn.Set(childKey(newParentID, newName), []byte(dst.ID)); err != nil {
		return record{}, dbError(err)
	}

	switch provider.ItemType(src.Type) {
	case provider.ItemTypeFile:
		entry, err := txn.Get(dataKey(src.ID))
		if err != nil && err != badger.ErrKeyNotFound {
			return record{}, dbError(err)
		}
		if err == nil {
			raw, err := entry.ValueCopy(nil)
			if err != nil {
				return record{}, dbError(err)
			}
			if err := txn.Set(dataKey(dst.ID), raw); err != nil {
				return record{}, dbError(err)
			}
		}
	case provider.ItemTypeFolder:
		children, err := childIDs(txn, src.ID)
		if err != nil {
			return record{}, err
		}
		for _, childID := range children {
			child, err := getRecord(txn, childID)
			if err != nil {
				return record{}, err
			}
			if _, err := p.copyTree(txn, child, dst.ID, child.Title); err != nil {
				return record{}, err
			}
		}
	}
	return dst, nil
}

// RunGC runs one badger value-log GC cycle. Called periodically by the
// daemon; an ErrNoRewrite outcome is normal and logged at debug only.
func (p *VaultProvider) RunGC() {
	if err := p.db.RunValueLogGC(0.5); err != nil {
		if err == badger.ErrNoRewrite || err == badger.ErrRejected {
			logger.Debug("Vault GC: nothing to do")
			return
		}
		logger.Warn("Vault GC failed: %v", err)
	}
}
