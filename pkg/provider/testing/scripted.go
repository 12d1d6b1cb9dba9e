// Package testing provides a scripted backend with fixed, well-known data
// and a reusable conformance suite for Provider implementations.
package testing

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/cirrusfs/cirrus/pkg/provider"
)

// Fixed identifiers served by the scripted provider.
const (
	RootItemID   = "root_id"
	DownloadData = "Hello world"
)

// ScriptedProvider is a deterministic backend for runtime tests: a single
// root, a two-page listing, a slow download that dribbles "Hello world" a
// couple of bytes at a time, and uploads that validate their declared size.
type ScriptedProvider struct {
	// NullUploadJobs makes CreateFile and Update return nil jobs, which
	// the runtime must reject as a backend contract violation.
	NullUploadJobs bool

	// FailRoots, when set, is returned verbatim from Roots.
	FailRoots error

	// BadRoots makes Roots return a non-root item so validation trips.
	BadRoots bool

	// DownloadChunk and DownloadTick control the download dribble.
	DownloadChunk int
	DownloadTick  time.Duration
}

func item(id, parentID, title string, typ provider.ItemType) provider.Item {
	return provider.Item{ID: id, ParentID: parentID, Title: title, ETag: "etag", Type: typ}
}

// Roots implements provider.Provider.
func (p *ScriptedProvider) Roots(ctx context.Context, peer provider.Context) ([]provider.Item, error) {
	if p.FailRoots != nil {
		return nil, p.FailRoots
	}
	if p.BadRoots {
		return []provider.Item{item("fake", RootItemID, "Fake", provider.ItemTypeFile)}, nil
	}
	return []provider.Item{item(RootItemID, "", "Root", provider.ItemTypeRoot)}, nil
}

// List implements provider.Provider with the fixed two-page script.
func (p *ScriptedProvider) List(ctx context.Context, itemID, pageToken string, peer provider.Context) ([]provider.Item, string, error) {
	if itemID != RootItemID {
		return nil, "", provider.NewKeyError(provider.ErrorNotExists, itemID, "Unknown folder")
	}
	switch pageToken {
	case "":
		return []provider.Item{
			item("child1_id", RootItemID, "Child 1", provider.ItemTypeFile),
			item("child2_id", RootItemID, "Child 2", provider.ItemTypeFile),
		}, "page_token", nil
	case "page_token":
		return []provider.Item{
			item("child3_id", RootItemID, "Child 4", provider.ItemTypeFile),
			item("child4_id", RootItemID, "Child 3", provider.ItemTypeFile),
		}, "", nil
	default:
		return nil, "", provider.NewKeyError(provider.ErrorLogic, pageToken, "Unknown page token")
	}
}

// Lookup implements provider.Provider.
func (p *ScriptedProvider) Lookup(ctx context.Context, parentID, name string, peer provider.Context) ([]provider.Item, error) {
	return []provider.Item{item("child_id", parentID, name, provider.ItemTypeFile)}, nil
}

// Metadata implements provider.Provider.
func (p *ScriptedProvider) Metadata(ctx context.Context, itemID string, peer provider.Context) (provider.Item, error) {
	if itemID == RootItemID {
		return item(RootItemID, "", "Root", provider.ItemTypeRoot), nil
	}
	return provider.Item{}, provider.NewKeyError(provider.ErrorNotExists, itemID, "Unknown item")
}

// CreateFolder implements provider.Provider.
func (p *ScriptedProvider) CreateFolder(ctx context.Context, parentID, name string, peer provider.Context) (provider.Item, error) {
	return item("new_folder_id", parentID, name, provider.ItemTypeFolder), nil
}

// CreateFile implements provider.Provider.
func (p *ScriptedProvider) CreateFile(ctx context.Context, parentID, name string, size int64, contentType string, allowOverwrite bool, peer provider.Context) (provider.UploadJob, error) {
	if p.NullUploadJobs {
		return nil, nil
	}
	return newScriptedUpload("upload_id", parentID, name, size)
}

// Update implements provider.Provider.
func (p *ScriptedProvider) Update(ctx context.Context, itemID string, size int64, oldETag string, peer provider.Context) (provider.UploadJob, error) {
	if p.NullUploadJobs {
		return nil, nil
	}
	if oldETag != "" && oldETag != "etag" {
		return nil, provider.NewKeyError(provider.ErrorConflict, itemID, "etag mismatch")
	}
	return newScriptedUpload("upload_id", RootItemID, itemID, size)
}

// Download implements provider.Provider: the job dribbles DownloadData a
// few bytes per tick, as the reference backend does.
func (p *ScriptedProvider) Download(ctx context.Context, itemID string, peer provider.Context) (provider.DownloadJob, error) {
	chunk := p.DownloadChunk
	if chunk <= 0 {
		chunk = 2
	}
	tick := p.DownloadTick
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	return newScriptedDownload("download_id", []byte(DownloadData), chunk, tick)
}

// DeleteItem implements provider.Provider.
func (p *ScriptedProvider) DeleteItem(ctx context.Context, itemID string, peer provider.Context) error {
	if itemID == "item_id" {
		return nil
	}
	return provider.NewKeyError(provider.ErrorNotExists, itemID, "Bad filename")
}

// Move implements provider.Provider.
func (p *ScriptedProvider) Move(ctx context.Context, itemID, newParentID, newName string, peer provider.Context) (provider.Item, error) {
	return item(itemID, newParentID, newName, provider.ItemTypeFile), nil
}

// Copy implements provider.Provider.
func (p *ScriptedProvider) Copy(ctx context.Context, itemID, newParentID, newName string, peer provider.Context) (provider.Item, error) {
	return item("new_id", newParentID, newName, provider.ItemTypeFile), nil
}

// scriptedUpload drains its stream on Finish and enforces the declared
// size, returning a fixed file item.
type scriptedUpload struct {
	*provider.UploadSocket
	parentID string
	name     string
	size     int64
}

func newScriptedUpload(id, parentID, name string, size int64) (*scriptedUpload, error) {
	socket, err := provider.NewUploadSocket(id)
	if err != nil {
		return nil, err
	}
	return &scriptedUpload{UploadSocket: socket, parentID: parentID, name: name, size: size}, nil
}

func (j *scriptedUpload) Finish(ctx context.Context) (provider.Item, error) {
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
	return item("new_file_id", j.parentID, j.name, provider.ItemTypeFile), nil
}

func (j *scriptedUpload) Cancel(ctx context.Context) error {
	return j.Close()
}

// scriptedDownload writes its payload chunk by chunk on a ticker, then
// reports completion, mirroring the reference test backend's timing.
type scriptedDownload struct {
	*provider.DownloadSocket
	stop     chan struct{}
	stopOnce sync.Once
}

func newScriptedDownload(id string, data []byte, chunk int, tick time.Duration) (*scriptedDownload, error) {
	socket, err := provider.NewDownloadSocket(id)
	if err != nil {
		return nil, err
	}
	job := &scriptedDownload{DownloadSocket: socket, stop: make(chan struct{})}

	go func() {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		written := 0
		for {
			select {
			case <-job.stop:
				return
			case <-ticker.C:
				if written >= len(data) {
					socket.ReportComplete()
					return
				}
				end := written + chunk
				if end > len(data) {
					end = len(data)
				}
				n, err := socket.Write(data[written:end])
				if err != nil {
					socket.ReportError(provider.NewError(provider.ErrorResource, "Write failure"))
					return
				}
				written += n
			}
		}
	}()
	return job, nil
}

func (j *scriptedDownload) Finish(ctx context.Context) error {
	defer j.Close()
	return j.CheckComplete()
}

func (j *scriptedDownload) Cancel(ctx context.Context) error {
	j.stopOnce.Do(func() { close(j.stop) })
	return j.Close()
}
