package server

import (
	"context"
	"os"
	"sync"

	"github.com/cirrusfs/cirrus/internal/logger"
	"github.com/cirrusfs/cirrus/pkg/metrics"
	"github.com/cirrusfs/cirrus/pkg/provider"
)

// JobState is the lifecycle state of a pending transfer.
type JobState int

const (
	JobInProgress JobState = iota
	JobFinishing
	JobFinished
	JobCancelled
	JobError
)

func (s JobState) String() string {
	switch s {
	case JobInProgress:
		return "in_progress"
	case JobFinishing:
		return "finishing"
	case JobFinished:
		return "finished"
	case JobCancelled:
		return "cancelled"
	case JobError:
		return "error"
	default:
		return "invalid"
	}
}

// jobKey identifies a pending job. Job ids are scoped per peer: two peers
// may use the same token without colliding.
type jobKey struct {
	peer string
	id   string
}

type uploadEntry struct {
	job   provider.UploadJob
	state JobState
}

type downloadEntry struct {
	job   provider.DownloadJob
	state JobState
}

// PendingJobs tracks in-flight uploads and downloads keyed by (peer, job id)
// and enforces their state machines:
//
//	upload:   in_progress -> finishing -> finished | error | cancelled
//	download: in_progress -> finished | error | cancelled
//
// Exactly one Finish or Cancel call wins for a job. A finish observing a
// prior cancellation reports ErrorCancelled; any other call on a job that
// has already been claimed reports ErrorNotExists. Cancel is idempotent:
// cancelling an unknown or already-cancelled job succeeds.
//
// Registered jobs count as activity against the inactivity timer, keeping
// the daemon alive while transfers are in flight.
type PendingJobs struct {
	timer   *InactivityTimer
	metrics *metrics.RPCMetrics

	mu        sync.Mutex
	uploads   map[jobKey]*uploadEntry
	downloads map[jobKey]*downloadEntry
}

// NewPendingJobs returns an empty registry. The timer and metrics may be
// nil in tests.
func NewPendingJobs(timer *InactivityTimer, m *metrics.RPCMetrics) *PendingJobs {
	return &PendingJobs{
		timer:     timer,
		metrics:   m,
		uploads:   make(map[jobKey]*uploadEntry),
		downloads: make(map[jobKey]*downloadEntry),
	}
}

// AddUpload registers an upload job for a peer.
func (p *PendingJobs) AddUpload(peer string, job provider.UploadJob) error {
	key := jobKey{peer: peer, id: job.ID()}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.uploads[key]; ok {
		return provider.NewKeyError(provider.ErrorLogic, job.ID(),
			"duplicate upload id for peer %s", peer)
	}
	p.uploads[key] = &uploadEntry{job: job, state: JobInProgress}
	p.jobAddedLocked()
	return nil
}

// AddDownload registers a download job for a peer.
func (p *PendingJobs) AddDownload(peer string, job provider.DownloadJob) error {
	key := jobKey{peer: peer, id: job.ID()}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.downloads[key]; ok {
		return provider.NewKeyError(provider.ErrorLogic, job.ID(),
			"duplicate download id for peer %s", peer)
	}
	p.downloads[key] = &downloadEntry{job: job, state: JobInProgress}
	p.jobAddedLocked()
	return nil
}

// FinishUpload acknowledges the end of an upload's byte stream, commits it
// through the backend and reaps the job. Called on a cancelled job it
// reports ErrorCancelled; on an unknown or already-claimed job,
// ErrorNotExists.
func (p *PendingJobs) FinishUpload(ctx context.Context, peer, id string) (provider.Item, error) {
	key := jobKey{peer: peer, id: id}

	p.mu.Lock()
	entry, ok := p.uploads[key]
	if !ok {
		p.mu.Unlock()
		return provider.Item{}, unknownJob(id)
	}
	switch entry.state {
	case JobInProgress:
		entry.state = JobFinishing
	case JobCancelled:
		delete(p.uploads, key)
		p.jobRemovedLocked()
		p.mu.Unlock()
		return provider.Item{}, provider.NewKeyError(provider.ErrorCancelled, id, "upload cancelled")
	default:
		p.mu.Unlock()
		return provider.Item{}, unknownJob(id)
	}
	p.mu.Unlock()

	// Close the provider-held duplicate of the client socket so the
	// backend's drain can observe EOF.
	closeClientSocket(entry.job.ClientSocket())

	item, err := entry.job.Finish(ctx)

	p.mu.Lock()
	if err != nil {
		if provider.IsKind(err, provider.ErrorCancelled) {
			entry.state = JobCancelled
		} else {
			entry.state = JobError
		}
	} else {
		entry.state = JobFinished
	}
	delete(p.uploads, key)
	p.jobRemovedLocked()
	p.mu.Unlock()

	if err != nil {
		return provider.Item{}, err
	}
	if counted, ok := entry.job.(interface{ BytesRead() int64 }); ok {
		p.metrics.UploadBytes(counted.BytesRead())
	}
	return item, nil
}

// CancelUpload cancels an in-flight upload. The entry stays registered in
// the cancelled state so a later FinishUpload observes the cancellation.
func (p *PendingJobs) CancelUpload(ctx context.Context, peer, id string) error {
	key := jobKey{peer: peer, id: id}

	p.mu.Lock()
	entry, ok := p.uploads[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	switch entry.state {
	case JobInProgress:
		entry.state = JobCancelled
	case JobCancelled:
		p.mu.Unlock()
		return nil
	default:
		p.mu.Unlock()
		return unknownJob(id)
	}
	p.mu.Unlock()

	closeClientSocket(entry.job.ClientSocket())
	if err := entry.job.Cancel(ctx); err != nil {
		logger.Warn("Upload %s cancel failed: %v", id, err)
	}
	return nil
}

// FinishDownload acknowledges the end of a download and reaps the job. The
// backend reports ErrorLogic if it has not yet delivered all bytes.
func (p *PendingJobs) FinishDownload(ctx context.Context, peer, id string) error {
	key := jobKey{peer: peer, id: id}

	p.mu.Lock()
	entry, ok := p.downloads[key]
	if !ok {
		p.mu.Unlock()
		return unknownJob(id)
	}
	switch entry.state {
	case JobInProgress:
		entry.state = JobFinishing
	case JobCancelled:
		delete(p.downloads, key)
		p.jobRemovedLocked()
		p.mu.Unlock()
		return provider.NewKeyError(provider.ErrorCancelled, id, "download cancelled")
	default:
		p.mu.Unlock()
		return unknownJob(id)
	}
	p.mu.Unlock()

	err := entry.job.Finish(ctx)

	p.mu.Lock()
	if err != nil {
		entry.state = JobError
	} else {
		entry.state = JobFinished
	}
	delete(p.downloads, key)
	p.jobRemovedLocked()
	closeClientSocket(entry.job.ClientSocket())
	p.mu.Unlock()

	if err == nil {
		if counted, ok := entry.job.(interface{ BytesWritten() int64 }); ok {
			p.metrics.DownloadBytes(counted.BytesWritten())
		}
	}
	return err
}

// CancelDownload terminates a download and closes its socket. Idempotent
// like CancelUpload.
func (p *PendingJobs) CancelDownload(ctx context.Context, peer, id string) error {
	key := jobKey{peer: peer, id: id}

	p.mu.Lock()
	entry, ok := p.downloads[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	switch entry.state {
	case JobInProgress:
		entry.state = JobCancelled
	case JobCancelled:
		p.mu.Unlock()
		return nil
	default:
		p.mu.Unlock()
		return unknownJob(id)
	}
	p.mu.Unlock()

	closeClientSocket(entry.job.ClientSocket())
	if err := entry.job.Cancel(ctx); err != nil {
		logger.Warn("Download %s cancel failed: %v", id, err)
	}
	return nil
}

// CancelPeer cancels and reaps every job owned by a departed peer. Backend
// cancellation is best effort; errors are swallowed.
func (p *PendingJobs) CancelPeer(ctx context.Context, peer string) {
	p.mu.Lock()
	var uploads []provider.UploadJob
	var downloads []provider.DownloadJob
	for key, entry := range p.uploads {
		if key.peer != peer {
			continue
		}
		if entry.state == JobInProgress {
			uploads = append(uploads, entry.job)
		}
		delete(p.uploads, key)
		p.jobRemovedLocked()
	}
	for key, entry := range p.downloads {
		if key.peer != peer {
			continue
		}
		if entry.state == JobInProgress {
			downloads = append(downloads, entry.job)
		}
		delete(p.downloads, key)
		p.jobRemovedLocked()
	}
	p.mu.Unlock()

	for _, job := range uploads {
		closeClientSocket(job.ClientSocket())
		if err := job.Cancel(ctx); err != nil {
			logger.Debug("Peer %s upload %s cancel failed: %v", peer, job.ID(), err)
		}
	}
	for _, job := range downloads {
		closeClientSocket(job.ClientSocket())
		if err := job.Cancel(ctx); err != nil {
			logger.Debug("Peer %s download %s cancel failed: %v", peer, job.ID(), err)
		}
	}
}

// CancelAll cancels and reaps every registered job, used when an account is
// disabled or the server shuts down.
func (p *PendingJobs) CancelAll(ctx context.Context) {
	p.mu.Lock()
	peers := make(map[string]struct{})
	for key := range p.uploads {
		peers[key.peer] = struct{}{}
	}
	for key := range p.downloads {
		peers[key.peer] = struct{}{}
	}
	p.mu.Unlock()

	for peer := range peers {
		p.CancelPeer(ctx, peer)
	}
}

// Count returns the number of registered jobs.
func (p *PendingJobs) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.uploads) + len(p.downloads)
}

// HasJob reports whether (peer, id) keys a registered upload or download.
func (p *PendingJobs) HasJob(peer, id string) bool {
	key := jobKey{peer: peer, id: id}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, up := p.uploads[key]
	_, down := p.downloads[key]
	return up || down
}

func (p *PendingJobs) jobAddedLocked() {
	if p.timer != nil {
		p.timer.JobStarted()
	}
	p.metrics.JobOpened()
}

func (p *PendingJobs) jobRemovedLocked() {
	if p.timer != nil {
		p.timer.JobEnded()
	}
	p.metrics.JobClosed()
}

func unknownJob(id string) error {
	return provider.NewKeyError(provider.ErrorNotExists, id, "no such job")
}

func closeClientSocket(f *os.File) {
	if f != nil {
		f.Close()
	}
}
