package testing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusfs/cirrus/pkg/provider"
)

// ProviderTestSuite exercises the Provider contract against a backend
// implementation. It tests the interface contract, not implementation
// details, making it reusable across backends (memory, localfs, vault).
//
// Usage:
//
//	func TestMemoryProvider(t *testing.T) {
//	    suite := &providertesting.ProviderTestSuite{
//	        NewProvider: func(t *testing.T) provider.Provider {
//	            return memory.New(memory.Config{})
//	        },
//	    }
//	    suite.Run(t)
//	}
type ProviderTestSuite struct {
	// NewProvider creates a fresh backend with a single empty root per
	// test, for isolation.
	NewProvider func(t *testing.T) provider.Provider
}

// Run executes all tests in the suite.
func (suite *ProviderTestSuite) Run(t *testing.T) {
	t.Run("Roots", suite.RunRootsTests)
	t.Run("FolderTree", suite.RunFolderTreeTests)
	t.Run("UploadDownload", suite.RunUploadDownloadTests)
	t.Run("UploadSizeContract", suite.RunUploadSizeTests)
	t.Run("MoveCopyDelete", suite.RunMoveCopyDeleteTests)
	t.Run("Conflicts", suite.RunConflictTests)
}

var peer = provider.Context{UID: 1000, PID: 4242, SecurityLabel: "unconfined"}

// UploadBytes pushes content through a backend's upload machinery exactly
// the way a bus client would: write to the client socket, close it, finish.
func UploadBytes(t *testing.T, p provider.Provider, parentID, name string, content []byte) provider.Item {
	t.Helper()
	ctx := context.Background()

	job, err := p.CreateFile(ctx, parentID, name, int64(len(content)), "application/octet-stream", false, peer)
	require.NoError(t, err)
	require.NotNil(t, job)

	sock := job.ClientSocket()
	_, err = sock.Write(content)
	require.NoError(t, err)
	require.NoError(t, sock.Close())

	item, err := job.Finish(ctx)
	require.NoError(t, err)
	require.Equal(t, provider.ItemTypeFile, item.Type)
	return item
}

// DownloadBytes pulls a file's content through the download machinery.
func DownloadBytes(t *testing.T, p provider.Provider, itemID string) []byte {
	t.Helper()
	ctx := context.Background()

	job, err := p.Download(ctx, itemID, peer)
	require.NoError(t, err)
	require.NotNil(t, job)

	var content []byte
	buf := make([]byte, 4096)
	sock := job.ClientSocket()
	for {
		n, err := sock.Read(buf)
		content = append(content, buf[:n]...)
		if err != nil {
			break
		}
	}
	require.NoError(t, job.Finish(ctx))
	return content
}

// RunRootsTests verifies the root invariants.
func (suite *ProviderTestSuite) RunRootsTests(t *testing.T) {
	p := suite.NewProvider(t)
	ctx := context.Background()

	roots, err := p.Roots(ctx, peer)
	require.NoError(t, err)
	require.NotEmpty(t, roots)
	for _, root := range roots {
		assert.Equal(t, provider.ItemTypeRoot, root.Type)
		assert.Empty(t, root.ParentID)
		assert.NotEmpty(t, root.ID)
	}

	// Metadata round-trips the root.
	got, err := p.Metadata(ctx, roots[0].ID, peer)
	require.NoError(t, err)
	assert.Equal(t, roots[0].ID, got.ID)
	assert.Equal(t, provider.ItemTypeRoot, got.Type)
}

// RunFolderTreeTests verifies folder creation, listing parentage, lookup
// and pagination errors.
func (suite *ProviderTestSuite) RunFolderTreeTests(t *testing.T) {
	p := suite.NewProvider(t)
	ctx := context.Background()

	roots, err := p.Roots(ctx, peer)
	require.NoError(t, err)
	rootID := roots[0].ID

	folder, err := p.CreateFolder(ctx, rootID, "docs", peer)
	require.NoError(t, err)
	assert.Equal(t, provider.ItemTypeFolder, folder.Type)
	assert.Equal(t, rootID, folder.ParentID)
	assert.Equal(t, "docs", folder.Title)

	// Every listed child names the listed folder as its parent.
	children, next, err := p.List(ctx, rootID, "", peer)
	require.NoError(t, err)
	assert.Empty(t, next)
	require.Len(t, children, 1)
	assert.Equal(t, rootID, children[0].ParentID)
	assert.Equal(t, folder.ID, children[0].ID)

	// Lookup finds it; a missing name yields an empty result, not an
	// error.
	found, err := p.Lookup(ctx, rootID, "docs", peer)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, folder.ID, found[0].ID)

	missing, err := p.Lookup(ctx, rootID, "nope", peer)
	require.NoError(t, err)
	assert.Empty(t, missing)

	// Garbage page tokens are a logic error.
	_, _, err = p.List(ctx, rootID, "bogus-token", peer)
	assert.True(t, provider.IsKind(err, provider.ErrorLogic), "got %v", err)

	// Duplicate folder names collide.
	_, err = p.CreateFolder(ctx, rootID, "docs", peer)
	assert.True(t, provider.IsKind(err, provider.ErrorExists), "got %v", err)
}

// RunUploadDownloadTests verifies the byte-stream round trip and metadata
// equivalence afterwards.
func (suite *ProviderTestSuite) RunUploadDownloadTests(t *testing.T) {
	p := suite.NewProvider(t)
	ctx := context.Background()

	roots, err := p.Roots(ctx, peer)
	require.NoError(t, err)
	rootID := roots[0].ID

	content := []byte("the quick brown fox jumps over the lazy dog")
	item := UploadBytes(t, p, rootID, "fox.txt", content)
	assert.Equal(t, rootID, item.ParentID)
	assert.Equal(t, "fox.txt", item.Title)

	got := DownloadBytes(t, p, item.ID)
	assert.Equal(t, content, got)

	// Metadata after the operation is equivalent.
	meta, err := p.Metadata(ctx, item.ID, peer)
	require.NoError(t, err)
	assert.Equal(t, item.ID, meta.ID)
	assert.Equal(t, item.Type, meta.Type)
	assert.Equal(t, item.ParentID, meta.ParentID)

	// FinishDownload before any bytes are read succeeds only if the backend
	// has already written everything into the socket; otherwise it is a
	// logic error.
	job, err := p.Download(ctx, item.ID, peer)
	require.NoError(t, err)
	err = job.Finish(ctx)
	if err != nil {
		assert.True(t, provider.IsKind(err, provider.ErrorLogic), "got %v", err)
	}
	job.Cancel(ctx)
}

// RunUploadSizeTests verifies the declared-size contract.
func (suite *ProviderTestSuite) RunUploadSizeTests(t *testing.T) {
	p := suite.NewProvider(t)
	ctx := context.Background()

	roots, err := p.Roots(ctx, peer)
	require.NoError(t, err)
	rootID := roots[0].ID

	// Fewer bytes than declared.
	job, err := p.CreateFile(ctx, rootID, "short.bin", 10, "", false, peer)
	require.NoError(t, err)
	sock := job.ClientSocket()
	_, err = sock.Write([]byte("abc"))
	require.NoError(t, err)
	require.NoError(t, sock.Close())
	_, err = job.Finish(ctx)
	assert.True(t, provider.IsKind(err, provider.ErrorLogic), "got %v", err)

	// More bytes than declared.
	job, err = p.CreateFile(ctx, rootID, "long.bin", 2, "", false, peer)
	require.NoError(t, err)
	sock = job.ClientSocket()
	_, err = sock.Write([]byte("abcdef"))
	require.NoError(t, err)
	require.NoError(t, sock.Close())
	_, err = job.Finish(ctx)
	assert.True(t, provider.IsKind(err, provider.ErrorLogic), "got %v", err)

	// A failed upload leaves nothing behind.
	found, err := p.Lookup(ctx, rootID, "short.bin", peer)
	require.NoError(t, err)
	assert.Empty(t, found)
}

// RunMoveCopyDeleteTests verifies the structural operations.
func (suite *ProviderTestSuite) RunMoveCopyDeleteTests(t *testing.T) {
	p := suite.NewProvider(t)
	ctx := context.Background()

	roots, err := p.Roots(ctx, peer)
	require.NoError(t, err)
	rootID := roots[0].ID

	folder, err := p.CreateFolder(ctx, rootID, "dir", peer)
	require.NoError(t, err)
	content := []byte("payload")
	file := UploadBytes(t, p, rootID, "a.txt", content)

	// Move into the folder under a new name.
	moved, err := p.Move(ctx, file.ID, folder.ID, "b.txt", peer)
	require.NoError(t, err)
	assert.Equal(t, folder.ID, moved.ParentID)
	assert.Equal(t, "b.txt", moved.Title)
	assert.Equal(t, provider.ItemTypeFile, moved.Type)

	gone, err := p.Lookup(ctx, rootID, "a.txt", peer)
	require.NoError(t, err)
	assert.Empty(t, gone)

	// Copy back to the root; content follows.
	copied, err := p.Copy(ctx, moved.ID, rootID, "c.txt", peer)
	require.NoError(t, err)
	assert.NotEqual(t, moved.ID, copied.ID)
	assert.Equal(t, content, DownloadBytes(t, p, copied.ID))

	// Delete the folder recursively; the moved file goes with it.
	require.NoError(t, p.DeleteItem(ctx, folder.ID, peer))
	_, err = p.Metadata(ctx, moved.ID, peer)
	assert.True(t, provider.IsKind(err, provider.ErrorNotExists), "got %v", err)

	// Deleting a root is rejected.
	err = p.DeleteItem(ctx, rootID, peer)
	assert.True(t, provider.IsKind(err, provider.ErrorInvalidArgument), "got %v", err)
}

// RunConflictTests verifies overwrite and etag semantics.
func (suite *ProviderTestSuite) RunConflictTests(t *testing.T) {
	p := suite.NewProvider(t)
	ctx := context.Background()

	roots, err := p.Roots(ctx, peer)
	require.NoError(t, err)
	rootID := roots[0].ID

	item := UploadBytes(t, p, rootID, "f.txt", []byte("one"))

	// Creating over an existing name without overwrite fails.
	_, err = p.CreateFile(ctx, rootID, "f.txt", 3, "", false, peer)
	assert.True(t, provider.IsKind(err, provider.ErrorExists), "got %v", err)

	// A stale etag on update is a conflict.
	_, err = p.Update(ctx, item.ID, 3, "stale-etag", peer)
	assert.True(t, provider.IsKind(err, provider.ErrorConflict), "got %v", err)

	// A current etag allows the update and bumps the version.
	job, err := p.Update(ctx, item.ID, 3, item.ETag, peer)
	require.NoError(t, err)
	sock := job.ClientSocket()
	_, err = sock.Write([]byte("two"))
	require.NoError(t, err)
	require.NoError(t, sock.Close())
	updated, err := job.Finish(ctx)
	require.NoError(t, err)
	if item.ETag != "" {
		assert.NotEqual(t, item.ETag, updated.ETag)
	}
	assert.Equal(t, []byte("two"), DownloadBytes(t, p, item.ID))
}
