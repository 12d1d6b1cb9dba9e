package localfs

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cirrusfs/cirrus/pkg/provider"
)

// uploadJob streams the upload into a temporary file next to its target and
// renames it into place on Finish, so a crashed or cancelled upload never
// leaves a half-written item behind.
type uploadJob struct {
	*provider.UploadSocket
	p *LocalProvider

	target         string
	tmp            *os.File
	size           int64
	allowOverwrite bool
	oldETag        string // non-empty only for updates
	update         bool
}

func (p *LocalProvider) newUploadJob(target string, size int64, allowOverwrite bool, oldETag string, update bool) (*uploadJob, error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), uploadPrefix+"*")
	if err != nil {
		return nil, mapOSError(err, target)
	}
	socket, err := provider.NewUploadSocket(uuid.NewString())
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, err
	}
	return &uploadJob{
		UploadSocket:   socket,
		p:              p,
		target:         target,
		tmp:            tmp,
		size:           size,
		allowOverwrite: allowOverwrite,
		oldETag:        oldETag,
		update:         update,
	}, nil
}

// CreateFile implements provider.Provider.
func (p *LocalProvider) CreateFile(ctx context.Context, parentID, name string, size int64, contentType string, allowOverwrite bool, peer provider.Context) (provider.UploadJob, error) {
	parent, err := p.resolve(parentID)
	if err != nil {
		return nil, err
	}
	if err := checkName(name); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, provider.NewError(provider.ErrorInvalidArgument, "negative size")
	}

	target := filepath.Join(parent, name)
	if info, err := os.Lstat(target); err == nil {
		if !allowOverwrite {
			return nil, provider.NewKeyError(provider.ErrorExists, name, "name already in use")
		}
		if info.IsDir() {
			return nil, provider.NewKeyError(provider.ErrorExists, name, "name in use by a folder")
		}
	}
	return p.newUploadJob(target, size, allowOverwrite, "", false)
}

// Update implements provider.Provider.
func (p *LocalProvider) Update(ctx context.Context, itemID string, size int64, oldETag string, peer provider.Context) (provider.UploadJob, error) {
	path, err := p.resolve(itemID)
	if err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, provider.NewError(provider.ErrorInvalidArgument, "negative size")
	}

	info, err := os.Lstat(path)
	if err != nil {
		return nil, mapOSError(err, itemID)
	}
	if info.IsDir() {
		return nil, provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "not a file")
	}
	if oldETag != "" && etagFor(info) != oldETag {
		return nil, provider.NewKeyError(provider.ErrorConflict, itemID, "etag mismatch")
	}
	return p.newUploadJob(path, size, true, oldETag, true)
}

func (j *uploadJob) Finish(ctx context.Context) (provider.Item, error) {
	defer j.cleanup()

	total, err := j.Drain(j.tmp)
	if err != nil {
		return provider.Item{}, mapOSError(err, j.target)
	}
	if total < j.size {
		return provider.Item{}, provider.NewError(provider.ErrorLogic,
			"not enough bytes: got %d, expected %d", total, j.size)
	}
	if total > j.size {
		return provider.Item{}, provider.NewError(provider.ErrorLogic,
			"too much data: got %d, expected %d", total, j.size)
	}
	if err := j.tmp.Sync(); err != nil {
		return provider.Item{}, mapOSError(err, j.target)
	}

	// Re-validate the collision and version checks at commit time: the
	// tree may have changed while bytes were streaming.
	info, statErr := os.Lstat(j.target)
	switch {
	case statErr == nil && !j.update && !j.allowOverwrite:
		return provider.Item{}, provider.NewKeyError(provider.ErrorExists,
			filepath.Base(j.target), "name already in use")
	case statErr == nil && j.update && j.oldETag != "" && etagFor(info) != j.oldETag:
		return provider.Item{}, provider.NewKeyError(provider.ErrorConflict, j.target, "etag mismatch")
	case statErr != nil && j.update:
		if errors.Is(statErr, fs.ErrNotExist) {
			return provider.Item{}, provider.NewKeyError(provider.ErrorNotExists, j.target, "no such item")
		}
		return provider.Item{}, mapOSError(statErr, j.target)
	}

	if err := j.tmp.Close(); err != nil {
		return provider.Item{}, mapOSError(err, j.target)
	}
	// The etag is the mtime: a rewrite landing within the filesystem's
	// timestamp granularity would keep the old etag, so move it forward.
	if statErr == nil {
		if tmpInfo, err := os.Stat(j.tmp.Name()); err == nil && !tmpInfo.ModTime().After(info.ModTime()) {
			t := info.ModTime().Add(time.Nanosecond)
			if err := os.Chtimes(j.tmp.Name(), t, t); err != nil {
				return provider.Item{}, mapOSError(err, j.target)
			}
		}
	}
	if err := os.Rename(j.tmp.Name(), j.target); err != nil {
		return provider.Item{}, mapOSError(err, j.target)
	}
	return j.p.itemAt(j.target)
}

func (j *uploadJob) Cancel(ctx context.Context) error {
	j.cleanup()
	return nil
}

// cleanup releases the socket pair and the temporary file. Safe to call
// twice: the rename in Finish leaves nothing for Remove to delete.
func (j *uploadJob) cleanup() {
	j.Close()
	j.tmp.Close()
	os.Remove(j.tmp.Name())
}

// downloadJob streams the file through the socket from a goroutine started
// at creation.
type downloadJob struct {
	*provider.DownloadSocket
	file *os.File
}

// Download implements provider.Provider.
func (p *LocalProvider) Download(ctx context.Context, itemID string, peer provider.Context) (provider.DownloadJob, error) {
	path, err := p.resolve(itemID)
	if err != nil {
		return nil, err
	}

	info, err := os.Lstat(path)
	if err != nil {
		return nil, mapOSError(err, itemID)
	}
	if info.IsDir() {
		return nil, provider.NewKeyError(provider.ErrorInvalidArgument, itemID, "not a file")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, mapOSError(err, itemID)
	}
	socket, err := provider.NewDownloadSocket(uuid.NewString())
	if err != nil {
		file.Close()
		return nil, err
	}
	job := &downloadJob{DownloadSocket: socket, file: file}

	go func() {
		if _, err := io.Copy(socket, file); err != nil {
			socket.ReportError(mapOSError(err, itemID))
			return
		}
		socket.ReportComplete()
	}()
	return job, nil
}

func (j *downloadJob) Finish(ctx context.Context) error {
	defer j.cleanup()
	return j.CheckComplete()
}

func (j *downloadJob) Cancel(ctx context.Context) error {
	j.cleanup()
	return nil
}

func (j *downloadJob) cleanup() {
	j.Close()
	j.file.Close()
}
