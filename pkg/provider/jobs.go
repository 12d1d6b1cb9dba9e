package provider

import (
	"context"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// UploadJob is an in-flight upload created by Provider.CreateFile or
// Provider.Update. The client writes the declared number of bytes into its
// end of the socket pair, closes it, and acknowledges the transfer with a
// FinishUpload RPC; the runtime then calls Finish.
//
// Implementations usually embed *UploadSocket, which supplies the socket
// pair and the byte-stream helpers.
type UploadJob interface {
	// ID is the opaque token the client echoes in Finish/Cancel RPCs.
	ID() string

	// ClientSocket returns the client's end of the byte stream. The
	// runtime passes the descriptor to the client and closes the
	// provider-held duplicate when the job terminates.
	ClientSocket() *os.File

	// Finish consumes the remainder of the stream and commits the upload,
	// returning the resulting item. If the transferred byte count does
	// not match the declared size, it fails with ErrorLogic.
	Finish(ctx context.Context) (Item, error)

	// Cancel abandons the upload and releases backend resources.
	Cancel(ctx context.Context) error
}

// DownloadJob is an in-flight download created by Provider.Download. The
// backend writes the file content into its end of the socket pair and
// signals completion; the client reads until EOF and acknowledges with a
// FinishDownload RPC.
//
// Implementations usually embed *DownloadSocket.
type DownloadJob interface {
	// ID is the opaque token the client echoes in Finish/Cancel RPCs.
	ID() string

	// ClientSocket returns the client's end of the byte stream.
	ClientSocket() *os.File

	// Finish validates that the transfer completed. Called before the
	// backend finished writing, it fails with ErrorLogic.
	Finish(ctx context.Context) error

	// Cancel terminates the transfer and releases backend resources.
	Cancel(ctx context.Context) error
}

// socketPair returns a connected local socket pair as files. The service
// end is switched to non-blocking mode so it registers with the runtime
// poller: Close then unblocks goroutines parked in Read or Write.
func socketPair() (client, service *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, NewError(ErrorResource, "socketpair: %v", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, NewError(ErrorResource, "socketpair: %v", err)
	}
	return os.NewFile(uintptr(fds[0]), "job-client"), os.NewFile(uintptr(fds[1]), "job-service"), nil
}

// UploadSocket implements the socket plumbing shared by upload jobs: it owns
// the connected socket pair and reads the uploaded byte stream from the
// service end.
type UploadSocket struct {
	id string

	mu      sync.Mutex
	client  *os.File
	service *os.File
	read    int64
}

// NewUploadSocket creates the socket pair for an upload job.
func NewUploadSocket(id string) (*UploadSocket, error) {
	client, service, err := socketPair()
	if err != nil {
		return nil, err
	}
	return &UploadSocket{id: id, client: client, service: service}, nil
}

// ID returns the job id.
func (s *UploadSocket) ID() string {
	return s.id
}

// ClientSocket returns the client's end of the stream.
func (s *UploadSocket) ClientSocket() *os.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// CloseClient closes the provider-held duplicate of the client end. Until it
// is closed, reads on the service end cannot observe EOF; the runtime calls
// it on the first Finish or Cancel and on peer death.
func (s *UploadSocket) CloseClient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
}

// Read reads uploaded bytes from the service end.
func (s *UploadSocket) Read(p []byte) (int, error) {
	s.mu.Lock()
	service := s.service
	s.mu.Unlock()
	if service == nil {
		return 0, io.EOF
	}
	n, err := service.Read(p)
	s.mu.Lock()
	s.read += int64(n)
	s.mu.Unlock()
	return n, err
}

// Drain copies the remaining uploaded bytes into w until EOF and returns the
// total byte count read over the job's lifetime.
func (s *UploadSocket) Drain(w io.Writer) (int64, error) {
	_, err := io.Copy(w, s)
	s.mu.Lock()
	total := s.read
	s.mu.Unlock()
	return total, err
}

// BytesRead returns the number of uploaded bytes consumed so far.
func (s *UploadSocket) BytesRead() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read
}

// Close releases both socket ends. Safe to call more than once.
func (s *UploadSocket) Close() error {
	s.CloseClient()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.service != nil {
		s.service.Close()
		s.service = nil
	}
	return nil
}

// DownloadSocket implements the socket plumbing shared by download jobs: it
// owns the connected socket pair, lets the backend write the content into
// the service end, and tracks the completion signal.
type DownloadSocket struct {
	id string

	mu       sync.Mutex
	client   *os.File
	service  *os.File
	complete bool
	written  int64
	err      error
}

// NewDownloadSocket creates the socket pair for a download job.
func NewDownloadSocket(id string) (*DownloadSocket, error) {
	client, service, err := socketPair()
	if err != nil {
		return nil, err
	}
	return &DownloadSocket{id: id, client: client, service: service}, nil
}

// ID returns the job id.
func (s *DownloadSocket) ID() string {
	return s.id
}

// ClientSocket returns the client's end of the stream.
func (s *DownloadSocket) ClientSocket() *os.File {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// Write sends content bytes to the client.
func (s *DownloadSocket) Write(p []byte) (int, error) {
	s.mu.Lock()
	service := s.service
	s.mu.Unlock()
	if service == nil {
		return 0, NewError(ErrorCancelled, "stream closed")
	}
	n, err := service.Write(p)
	s.mu.Lock()
	s.written += int64(n)
	s.mu.Unlock()
	return n, err
}

// BytesWritten returns the number of content bytes sent so far.
func (s *DownloadSocket) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// ReportComplete signals that the whole content has been written. It closes
// the service end so the client observes EOF.
func (s *DownloadSocket) ReportComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.complete = true
	s.closeServiceLocked()
}

// ReportError signals a failed transfer. The stored error is returned by
// CheckComplete; the socket is torn down so the client unblocks.
func (s *DownloadSocket) ReportError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.closeServiceLocked()
}

// CheckComplete returns the recorded transfer error, or ErrorLogic if the
// backend has not yet reported completion. Download job Finish
// implementations delegate to it.
func (s *DownloadSocket) CheckComplete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if !s.complete {
		return NewError(ErrorLogic, "Not all data read")
	}
	return nil
}

func (s *DownloadSocket) closeServiceLocked() {
	if s.service != nil {
		s.service.Close()
		s.service = nil
	}
}

// Close releases both socket ends. Safe to call more than once.
func (s *DownloadSocket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeServiceLocked()
	if s.client != nil {
		s.client.Close()
		s.client = nil
	}
	return nil
}
