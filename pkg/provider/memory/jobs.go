package memory

import (
	"bytes"
	"context"

	"github.com/google/uuid"

	"github.com/cirrusfs/cirrus/pkg/provider"
)

// uploadJob buffers the uploaded byte stream and commits it atomically on
// Finish. itemID is set for updates, parentID/name for creations.
type uploadJob struct {
	*provider.UploadSocket
	p *MemoryProvider

	parentID       string
	name           string
	contentType    string
	allowOverwrite bool
	itemID         string
	oldETag        string
	size           int64
}

// CreateFile implements provider.Provider.
func (p *MemoryProvider) CreateFile(ctx context.Context, parentID, name string, size int64, contentType string, allowOverwrite bool, peer provider.Context) (provider.UploadJob, error) {
	if name == "" {
		return nil, provider.NewError(provider.ErrorInvalidArgument, "empty file name")
	}
	if size < 0 {
		return nil, provider.NewError(provider.ErrorInvalidArgument, "negative size")
	}

	p.mu.RLock()
	err := p.checkParentLocked(parentID)
	var existingID string
	var exists bool
	if err == nil {
		existingID, exists = p.children[parentID][name]
	}
	p.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if exists && !allowOverwrite {
		return nil, provider.NewKeyError(provider.ErrorExists, name, "name already in use")
	}
	if exists {
		p.mu.RLock()
		isFile := p.items[existingID].Type == provider.ItemTypeFile
		p.mu.RUnlock()
		if !isFile {
			return nil, provider.NewKeyError(provider.ErrorExists, name, "name in use by a folder")
		}
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
func (p *MemoryProvider) Update(ctx context.Context, itemID string, size int64, oldETag string, peer provider.Context) (provider.UploadJob, error) {
	if size < 0 {
		return nil, provider.NewError(provider.ErrorInvalidArgument, "negative size")
	}

	p.mu.RLock()
	item, ok := p.items[itemID]
	p.mu.RUnlock()
	if !ok {
		return nil, provider.NewKeyError(provider.ErrorNotExists, itemID, "no such item")
	}
	if item.Type != provider.ItemTypeFile {
		return nil, provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "not a file")
	}
	if oldETag != "" && item.ETag != oldETag {
		return nil, provider.NewKeyError(provider.ErrorConflict, itemID, "etag mismatch")
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
	return j.p.commitUpload(j, buf.Bytes())
}

func (j *uploadJob) Cancel(ctx context.Context) error {
	return j.Close()
}

// downloadJob streams a snapshot of the file content to the client from a
// separate goroutine and reports completion through the socket base.
type downloadJob struct {
	*provider.DownloadSocket
}

// Download implements provider.Provider.
func (p *MemoryProvider) Download(ctx context.Context, itemID string, peer provider.Context) (provider.DownloadJob, error) {
	p.mu.RLock()
	item, ok := p.items[itemID]
	var data []byte
	if ok {
		data = append([]byte(nil), p.content[itemID]...)
	}
	p.mu.RUnlock()
	if !ok {
		return nil, provider.NewKeyError(provider.ErrorNotExists, itemID, "no such item")
	}
	if item.Type != provider.ItemTypeFile {
		return nil, provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "not a file")
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
