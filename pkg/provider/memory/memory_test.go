package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusfs/cirrus/pkg/provider"
	providertesting "github.com/cirrusfs/cirrus/pkg/provider/testing"
)

var peer = provider.Context{UID: 1000}

func TestMemoryProviderConformance(t *testing.T) {
	suite := &providertesting.ProviderTestSuite{
		NewProvider: func(t *testing.T) provider.Provider {
			return New(Config{})
		},
	}
	suite.Run(t)
}

func TestMemoryProviderPagination(t *testing.T) {
	p := New(Config{PageSize: 2})
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c", "d", "e"} {
		_, err := p.AddFile(RootID, name, []byte(name))
		require.NoError(t, err)
	}

	var titles []string
	token := ""
	pages := 0
	for {
		items, next, err := p.List(ctx, RootID, token, peer)
		require.NoError(t, err)
		require.LessOrEqual(t, len(items), 2)
		for _, item := range items {
			titles = append(titles, item.Title)
			assert.Equal(t, RootID, item.ParentID)
		}
		pages++
		if next == "" {
			break
		}
		token = next
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, titles)
	assert.Equal(t, 3, pages)

	// Tokens that never came from a listing are rejected.
	_, _, err := p.List(ctx, RootID, "not-a-token", peer)
	assert.True(t, provider.IsKind(err, provider.ErrorLogic), "got %v", err)
	_, _, err = p.List(ctx, RootID, "999", peer)
	assert.True(t, provider.IsKind(err, provider.ErrorLogic), "got %v", err)
}

func TestMemoryProviderOverwriteSemantics(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	original, err := p.AddFile(RootID, "f.txt", []byte("one"))
	require.NoError(t, err)

	// allow_overwrite=true replaces content but keeps the item id.
	job, err := p.CreateFile(ctx, RootID, "f.txt", 3, "", true, peer)
	require.NoError(t, err)
	sock := job.ClientSocket()
	_, err = sock.Write([]byte("two"))
	require.NoError(t, err)
	require.NoError(t, sock.Close())
	replaced, err := job.Finish(ctx)
	require.NoError(t, err)
	assert.Equal(t, original.ID, replaced.ID)
	assert.NotEqual(t, original.ETag, replaced.ETag)

	content, ok := p.Content(original.ID)
	require.True(t, ok)
	assert.Equal(t, []byte("two"), content)

	// A folder with the same name blocks even overwriting uploads.
	_, err = p.AddFolder(RootID, "dir")
	require.NoError(t, err)
	_, err = p.CreateFile(ctx, RootID, "dir", 1, "", true, peer)
	assert.True(t, provider.IsKind(err, provider.ErrorExists), "got %v", err)
}

func TestMemoryProviderRecursiveCopy(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	dir, err := p.AddFolder(RootID, "dir")
	require.NoError(t, err)
	sub, err := p.AddFolder(dir.ID, "sub")
	require.NoError(t, err)
	file, err := p.AddFile(sub.ID, "deep.txt", []byte("deep"))
	require.NoError(t, err)

	copied, err := p.Copy(ctx, dir.ID, RootID, "dir2", peer)
	require.NoError(t, err)
	assert.NotEqual(t, dir.ID, copied.ID)

	// The nested file exists in the copy with its content, under new
	// ids.
	subs, err := p.Lookup(ctx, copied.ID, "sub", peer)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	files, err := p.Lookup(ctx, subs[0].ID, "deep.txt", peer)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.NotEqual(t, file.ID, files[0].ID)
	content, ok := p.Content(files[0].ID)
	require.True(t, ok)
	assert.Equal(t, []byte("deep"), content)
}

func TestMemoryProviderDeleteSubtree(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	dir, err := p.AddFolder(RootID, "dir")
	require.NoError(t, err)
	file, err := p.AddFile(dir.ID, "f.txt", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, p.DeleteItem(ctx, dir.ID, peer))
	_, err = p.Metadata(ctx, file.ID, peer)
	assert.True(t, provider.IsKind(err, provider.ErrorNotExists), "got %v", err)
	_, ok := p.Content(file.ID)
	assert.False(t, ok)
}

func TestMemoryProviderMoveCollision(t *testing.T) {
	p := New(Config{})
	ctx := context.Background()

	a, err := p.AddFile(RootID, "a.txt", []byte("a"))
	require.NoError(t, err)
	_, err = p.AddFile(RootID, "b.txt", []byte("b"))
	require.NoError(t, err)

	_, err = p.Move(ctx, a.ID, RootID, "b.txt", peer)
	assert.True(t, provider.IsKind(err, provider.ErrorExists), "got %v", err)

	// Renaming onto itself is allowed.
	moved, err := p.Move(ctx, a.ID, RootID, "a.txt", peer)
	require.NoError(t, err)
	assert.Equal(t, a.ID, moved.ID)
}
