package vault

import (
	"bytes"
	"context"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/cirrusfs/cirrus/pkg/provider"
)

// uploadJob buffers the stream in memory and commits item plus content in a
// single transaction on Finish.
type uploadJob struct {
	*provider.UploadSocket
	p *VaultProvider

	parentID       string
	name           string
	contentType    string
	allowOverwrite bool
	itemID         string
	oldETag        string
	size           int64
}

// CreateFile implements provider.Provider.
func (p *VaultProvider) CreateFile(ctx context.Context, parentID, name string, size int64, contentType string, allowOverwrite bool, peer provider.Context) (provider.UploadJob, error) {
	if name == "" {
		return nil, provider.NewError(provider.ErrorInvalidArgument, "empty file name")
	}
	if size < 0 {
		return nil, provider.NewError(provider.ErrorInvalidArgument, "negative size")
	}

	err := p.db.View(func(txn *badger.Txn) error {
		if _, err := checkParent(txn, parentID); err != nil {
			return err
		}
		childID, exists, err := getChild(txn, parentID, name)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		if !allowOverwrite {
			return provider.NewKeyError(provider.ErrorExists, name, "name already in use")
		}
		child, err := getRecord(txn, childID)
		if err != nil {
			return err
		}
		if provider.ItemType(child.Type) != provider.ItemTypeFile {
			return provider.NewKeyError(provider.ErrorExists, name, "name in use by a folder")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	socket, err := provider.NewUploadSocket(uuid.NewString())
	if err != nil {
		return nil, err
	}
	return &uploadJob{
		UploadSocket:   socket,
		p:              p,
		parentID:       parentID,
		name:           name,
		contentType:    contentType,
		allowOverwrite: allowOverwrite,
		size:           size,
	}, nil
}

// Update implements provider.Provider.
func (p *VaultProvider) Update(ctx context.Context, itemID string, size int64, oldETag string, peer provider.Context) (provider.UploadJob, error) {
	if size < 0 {
		return nil, provider.NewError(provider.ErrorInvalidArgument, "negative size")
	}

	err := p.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, itemID)
		if err != nil {
			return err
		}
		if provider.ItemType(rec.Type) != provider.ItemTypeFile {
			return provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "not a file")
		}
		if oldETag != "" && rec.ETag != oldETag {
			return provider.NewKeyError(provider.ErrorConflict, itemID, "etag mismatch")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	socket, err := provider.NewUploadSocket(uuid.NewString())
	if err != nil {
		return nil, err
	}
	return &uploadJob{
		UploadSocket: socket,
		p:            p,
		itemID:       itemID,
		oldETag:      oldETag,
		size:         size,
	}, nil
}

func (j *uploadJob) Finish(ctx context.Context) (provider.Item, error) {
	defer j.Close()

	var buf bytes.Buffer
	total, err := j.Drain(&buf)
	if err != nil {
		return provider.Item{}, provider.NewError(provider.ErrorResource, "reading upload: %v", err)
	}
	if total < j.size {
		return provider.Item{}, provider.NewError(provider.ErrorLogic,
			"not enough bytes: got %d, expected %d", total, j.size)
	}
	if total > j.size {
		return provider.Item{}, provider.NewError(provider.ErrorLogic,
			"too much data: got %d, expected %d", total, j.size)
	}

	data := buf.Bytes()
	md := map[string]metaValue{
		"size": {Kind: "int", Int: int64(len(data))},
	}
	if j.contentType != "" {
		md["content_type"] = metaValue{Kind: "string", Str: j.contentType}
	}

	var committed record
	err = j.p.db.Update(func(txn *badger.Txn) error {
		if j.itemID != "" {
			rec, err := getRecord(txn, j.itemID)
			if err != nil {
				return err
			}
			if j.oldETag != "" && rec.ETag != j.oldETag {
				return provider.NewKeyError(provider.ErrorConflict, j.itemID, "etag mismatch")
			}
			rec.ETag = j.p.nextETag()
			rec.Metadata = md
			if err := putRecord(txn, rec); err != nil {
				return err
			}
			if err := txn.Set(dataKey(rec.ID), data); err != nil {
				return dbError(err)
			}
			committed = rec
			return nil
		}

		if _, err := checkParent(txn, j.parentID); err != nil {
			return err
		}
		childID, exists, err := getChild(txn, j.parentID, j.name)
		if err != nil {
			return err
		}
		if exists && !j.allowOverwrite {
			return provider.NewKeyError(provider.ErrorExists, j.name, "name already in use")
		}

		rec := record{
			ID:       childID,
			ParentID: j.parentID,
			Title:    j.name,
			ETag:     j.p.nextETag(),
			Type:     uint32(provider.ItemTypeFile),
			Metadata: md,
		}
		if !exists {
			rec.ID = uuid.NewString()
			if err := txn.Set(childKey(j.parentID, j.name), []byte(rec.ID)); err != nil {
				return dbError(err)
			}
		}
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		if err := txn.Set(dataKey(rec.ID), data); err != nil {
			return dbError(err)
		}
		committed = rec
		return nil
	})
	if err != nil {
		return provider.Item{}, err
	}
	return committed.item(), nil
}

func (j *uploadJob) Cancel(ctx context.Context) error {
	return j.Close()
}

// downloadJob snapshots the content and streams it from a goroutine.
type downloadJob struct {
	*provider.DownloadSocket
}

// Download implements provider.Provider.
func (p *VaultProvider) Download(ctx context.Context, itemID string, peer provider.Context) (provider.DownloadJob, error) {
	var data []byte
	err := p.db.View(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, itemID)
		if err != nil {
			return err
		}
		if provider.ItemType(rec.Type) != provider.ItemTypeFile {
			return provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "not a file")
		}
		entry, err := txn.Get(dataKey(itemID))
		if err == badger.ErrKeyNotFound {
			data = nil
			return nil
		}
		if err != nil {
			return dbError(err)
		}
		data, err = entry.ValueCopy(nil)
		return dbError(err)
	})
	if err != nil {
		return nil, err
	}

	socket, err := provider.NewDownloadSocket(uuid.NewString())
	if err != nil {
		return nil, err
	}
	job := &downloadJob{DownloadSocket: socket}

	go func() {
		if _, err := socket.Write(data); err != nil {
			socket.ReportError(provider.NewError(provider.ErrorResource, "writing download: %v", err))
			return
		}
		socket.ReportComplete()
	}()
	return job, nil
}

func (j *downloadJob) Finish(ctx context.Context) error {
	defer j.Close()
	return j.CheckComplete()
}

func (j *downloadJob) Cancel(ctx context.Context) error {
	return j.Close()
}
