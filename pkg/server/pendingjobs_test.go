package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusfs/cirrus/pkg/provider"
	providertesting "github.com/cirrusfs/cirrus/pkg/provider/testing"
)

const testPeer = ":1.11"

func newUpload(t *testing.T, size int64) provider.UploadJob {
	t.Helper()
	backend := &providertesting.ScriptedProvider{}
	job, err := backend.CreateFile(context.Background(), providertesting.RootItemID, "f", size, "", true, provider.Context{})
	require.NoError(t, err)
	return job
}

func newDownload(t *testing.T) provider.DownloadJob {
	t.Helper()
	backend := &providertesting.ScriptedProvider{}
	job, err := backend.Download(context.Background(), "file1", provider.Context{})
	require.NoError(t, err)
	return job
}

func TestPendingJobsUploadFinish(t *testing.T) {
	jobs := NewPendingJobs(nil, nil)
	ctx := context.Background()

	job := newUpload(t, 3)
	require.NoError(t, jobs.AddUpload(testPeer, job))
	require.True(t, jobs.HasJob(testPeer, job.ID()))

	_, err := job.ClientSocket().Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, job.ClientSocket().Close())

	item, err := jobs.FinishUpload(ctx, testPeer, job.ID())
	require.NoError(t, err)
	assert.Equal(t, provider.ItemTypeFile, item.Type)

	// The job is reaped; a second finish is NotExists.
	assert.False(t, jobs.HasJob(testPeer, job.ID()))
	_, err = jobs.FinishUpload(ctx, testPeer, job.ID())
	assert.True(t, provider.IsKind(err, provider.ErrorNotExists), "got %v", err)
}

func TestPendingJobsUploadFinishClosesHeldSocket(t *testing.T) {
	// Even when the client never wrote (and its descriptor copy was
	// already dropped), Finish must not hang: the registry closes the
	// provider-held duplicate before draining.
	jobs := NewPendingJobs(nil, nil)
	ctx := context.Background()

	job := newUpload(t, 0)
	require.NoError(t, jobs.AddUpload(testPeer, job))
	require.NoError(t, job.ClientSocket().Close())

	item, err := jobs.FinishUpload(ctx, testPeer, job.ID())
	require.NoError(t, err)
	assert.Equal(t, provider.ItemTypeFile, item.Type)
}

func TestPendingJobsUploadCancelThenFinish(t *testing.T) {
	jobs := NewPendingJobs(nil, nil)
	ctx := context.Background()

	job := newUpload(t, 20)
	require.NoError(t, jobs.AddUpload(testPeer, job))

	require.NoError(t, jobs.CancelUpload(ctx, testPeer, job.ID()))
	// Cancel is idempotent.
	require.NoError(t, jobs.CancelUpload(ctx, testPeer, job.ID()))

	// The subsequent finish observes the cancellation.
	_, err := jobs.FinishUpload(ctx, testPeer, job.ID())
	assert.True(t, provider.IsKind(err, provider.ErrorCancelled), "got %v", err)

	// Now the job is gone.
	_, err = jobs.FinishUpload(ctx, testPeer, job.ID())
	assert.True(t, provider.IsKind(err, provider.ErrorNotExists), "got %v", err)
	assert.Equal(t, 0, jobs.Count())
}

func TestPendingJobsUploadShortWriteIsLogicError(t *testing.T) {
	jobs := NewPendingJobs(nil, nil)
	ctx := context.Background()

	job := newUpload(t, 10)
	require.NoError(t, jobs.AddUpload(testPeer, job))

	_, err := job.ClientSocket().Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, job.ClientSocket().Close())

	_, err = jobs.FinishUpload(ctx, testPeer, job.ID())
	assert.True(t, provider.IsKind(err, provider.ErrorLogic), "got %v", err)
	assert.Equal(t, 0, jobs.Count())
}

func TestPendingJobsDuplicateKeyRejected(t *testing.T) {
	jobs := NewPendingJobs(nil, nil)

	job := newUpload(t, 1)
	require.NoError(t, jobs.AddUpload(testPeer, job))
	defer jobs.CancelUpload(context.Background(), testPeer, job.ID())

	clone := newUpload(t, 1)
	fixed := &fixedIDUpload{UploadJob: clone, id: job.ID()}
	err := jobs.AddUpload(testPeer, fixed)
	assert.True(t, provider.IsKind(err, provider.ErrorLogic), "got %v", err)

	// The same id under a different peer is a distinct job.
	require.NoError(t, jobs.AddUpload(":1.12", fixed))
	assert.Equal(t, 2, jobs.Count())
	jobs.CancelPeer(context.Background(), ":1.12")
}

type fixedIDUpload struct {
	provider.UploadJob
	id string
}

func (f *fixedIDUpload) ID() string { return f.id }

func TestPendingJobsDownloadLifecycle(t *testing.T) {
	jobs := NewPendingJobs(nil, nil)
	ctx := context.Background()

	job := newDownload(t)
	require.NoError(t, jobs.AddDownload(testPeer, job))

	// Finishing before the backend delivered everything is a logic
	// error (nothing was read from the socket yet).
	err := jobs.FinishDownload(ctx, testPeer, job.ID())
	assert.True(t, provider.IsKind(err, provider.ErrorLogic), "got %v", err)
	assert.Contains(t, err.Error(), "Not all data read")
	assert.Equal(t, 0, jobs.Count())
}

func TestPendingJobsDownloadHappyPath(t *testing.T) {
	jobs := NewPendingJobs(nil, nil)
	ctx := context.Background()

	job := newDownload(t)
	require.NoError(t, jobs.AddDownload(testPeer, job))

	// Read the whole dribbled payload until peer-closed.
	var content []byte
	buf := make([]byte, 64)
	for {
		n, err := job.ClientSocket().Read(buf)
		content = append(content, buf[:n]...)
		if err != nil {
			break
		}
	}
	assert.Equal(t, providertesting.DownloadData, string(content))

	require.NoError(t, jobs.FinishDownload(ctx, testPeer, job.ID()))
	assert.Equal(t, 0, jobs.Count())
}

func TestPendingJobsDownloadCancel(t *testing.T) {
	jobs := NewPendingJobs(nil, nil)
	ctx := context.Background()

	job := newDownload(t)
	require.NoError(t, jobs.AddDownload(testPeer, job))

	require.NoError(t, jobs.CancelDownload(ctx, testPeer, job.ID()))
	require.NoError(t, jobs.CancelDownload(ctx, testPeer, job.ID()))

	err := jobs.FinishDownload(ctx, testPeer, job.ID())
	assert.True(t, provider.IsKind(err, provider.ErrorCancelled), "got %v", err)
}

func TestPendingJobsCancelUnknownIsIdempotent(t *testing.T) {
	jobs := NewPendingJobs(nil, nil)
	ctx := context.Background()

	assert.NoError(t, jobs.CancelUpload(ctx, testPeer, "nope"))
	assert.NoError(t, jobs.CancelDownload(ctx, testPeer, "nope"))
}

func TestPendingJobsPeerDeathCleanup(t *testing.T) {
	jobs := NewPendingJobs(nil, nil)
	ctx := context.Background()

	up := newUpload(t, 5)
	down := newDownload(t)
	other := newUpload(t, 5)
	require.NoError(t, jobs.AddUpload(testPeer, up))
	require.NoError(t, jobs.AddDownload(testPeer, down))
	require.NoError(t, jobs.AddUpload(":1.12", other))
	require.Equal(t, 3, jobs.Count())

	jobs.CancelPeer(ctx, testPeer)

	assert.Equal(t, 1, jobs.Count())
	assert.False(t, jobs.HasJob(testPeer, up.ID()))
	assert.False(t, jobs.HasJob(testPeer, down.ID()))
	assert.True(t, jobs.HasJob(":1.12", other.ID()))

	jobs.CancelAll(ctx)
	assert.Equal(t, 0, jobs.Count())
}

func TestPendingJobsCountAgainstTimer(t *testing.T) {
	timer := NewInactivityTimer(time.Minute) // long window; we only inspect the counter
	defer timer.Stop()
	jobs := NewPendingJobs(timer, nil)
	ctx := context.Background()

	job := newUpload(t, 0)
	require.NoError(t, jobs.AddUpload(testPeer, job))
	assert.Equal(t, 1, timer.Outstanding())

	require.NoError(t, job.ClientSocket().Close())
	_, err := jobs.FinishUpload(ctx, testPeer, job.ID())
	require.NoError(t, err)
	assert.Equal(t, 0, timer.Outstanding())
}
