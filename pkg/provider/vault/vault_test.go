package vault

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusfs/cirrus/pkg/provider"
	providertesting "github.com/cirrusfs/cirrus/pkg/provider/testing"
)

var peer = provider.Context{UID: 1000}

func newVault(t *testing.T) *VaultProvider {
	t.Helper()
	p, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestVaultProviderConformance(t *testing.T) {
	suite := &providertesting.ProviderTestSuite{
		NewProvider: func(t *testing.T) provider.Provider {
			return newVault(t)
		},
	}
	suite.Run(t)
}

func TestVaultProviderPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	p, err := Open(Config{Path: dir})
	require.NoError(t, err)
	folder, err := p.CreateFolder(ctx, RootID, "docs", peer)
	require.NoError(t, err)
	file := providertesting.UploadBytes(t, p, folder.ID, "note.txt", []byte("remember me"))
	require.NoError(t, p.Close())

	// Item ids are stable across sessions.
	p, err = Open(Config{Path: dir})
	require.NoError(t, err)
	defer p.Close()

	got, err := p.Metadata(ctx, file.ID, peer)
	require.NoError(t, err)
	assert.Equal(t, file.ID, got.ID)
	assert.Equal(t, folder.ID, got.ParentID)
	assert.Equal(t, "note.txt", got.Title)

	content := providertesting.DownloadBytes(t, p, file.ID)
	assert.Equal(t, "remember me", string(content))
}

func TestVaultProviderListOrderAndPaging(t *testing.T) {
	p := newVault(t)
	ctx := context.Background()

	for _, name := range []string{"delta", "alpha", "charlie", "bravo"} {
		_, err := p.CreateFolder(ctx, RootID, name, peer)
		require.NoError(t, err)
	}

	items, next, err := p.List(ctx, RootID, "", peer)
	require.NoError(t, err)
	assert.Empty(t, next)
	var titles []string
	for _, item := range items {
		titles = append(titles, item.Title)
	}
	// The children prefix scan yields name order.
	assert.Equal(t, []string{"alpha", "bravo", "charlie", "delta"}, titles)

	_, _, err = p.List(ctx, RootID, "junk", peer)
	assert.True(t, provider.IsKind(err, provider.ErrorLogic), "got %v", err)
}

func TestVaultProviderMoveKeepsID(t *testing.T) {
	p := newVault(t)
	ctx := context.Background()

	file := providertesting.UploadBytes(t, p, RootID, "a.txt", []byte("x"))
	dir, err := p.CreateFolder(ctx, RootID, "dir", peer)
	require.NoError(t, err)

	moved, err := p.Move(ctx, file.ID, dir.ID, "b.txt", peer)
	require.NoError(t, err)
	assert.Equal(t, file.ID, moved.ID)
	assert.Equal(t, dir.ID, moved.ParentID)
	assert.NotEqual(t, file.ETag, moved.ETag)
}

func TestVaultProviderMetadataSurvivesCopy(t *testing.T) {
	p := newVault(t)
	ctx := context.Background()

	file := providertesting.UploadBytes(t, p, RootID, "a.bin", []byte("abc"))
	copied, err := p.Copy(ctx, file.ID, RootID, "b.bin", peer)
	require.NoError(t, err)

	got, err := p.Metadata(ctx, copied.ID, peer)
	require.NoError(t, err)
	require.NotNil(t, got.Metadata)
	assert.Equal(t, provider.Int(3), got.Metadata["size"])
}
