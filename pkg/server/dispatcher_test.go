package server

import (
	"context"
	"os"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusfs/cirrus/pkg/provider"
	providertesting "github.com/cirrusfs/cirrus/pkg/provider/testing"
	"github.com/cirrusfs/cirrus/pkg/wire"
)

const dispatchPeer = dbus.Sender(":1.5")

// newDispatcher wires a dispatcher over the given backend with one known
// peer.
func newDispatcher(t *testing.T, backend provider.Provider) (*ProviderInterface, *fakeBus) {
	t.Helper()
	bus := newFakeBus()
	bus.addPeer(string(dispatchPeer), PeerInfo{UID: 1000, PID: 4242, SecurityLabel: "unconfined"})
	peers := NewPeerCache(bus)
	data := NewAccountData(backend, peers, nil, nil, nil)
	return NewProviderInterface(context.Background(), data, nil), bus
}

func kindOf(t *testing.T, derr *dbus.Error) string {
	t.Helper()
	require.NotNil(t, derr)
	return derr.Name
}

// readAll drains the returned descriptor until peer-closed. The wrapper is
// deliberately not closed here: the job owns the descriptor and the runtime
// closes it when the job terminates.
func readAll(t *testing.T, fd dbus.UnixFD) []byte {
	t.Helper()
	f := os.NewFile(uintptr(fd), "client-end")
	require.NotNil(t, f)

	var content []byte
	buf := make([]byte, 64)
	for {
		n, err := f.Read(buf)
		content = append(content, buf[:n]...)
		if err != nil {
			return content
		}
	}
}

func TestDispatcherRoots(t *testing.T) {
	// S1: a fixed backend's single root comes back verbatim.
	iface, _ := newDispatcher(t, &providertesting.ScriptedProvider{})

	records, derr := iface.Roots(dispatchPeer)
	require.Nil(t, derr)
	require.Len(t, records, 1)
	assert.Equal(t, wire.Item{
		ItemID:   "root_id",
		ParentID: "",
		Title:    "Root",
		ETag:     "etag",
		Type:     0,
		Metadata: map[string]dbus.Variant{},
	}, records[0])
}

func TestDispatcherRootsValidation(t *testing.T) {
	iface, _ := newDispatcher(t, &providertesting.ScriptedProvider{BadRoots: true})

	_, derr := iface.Roots(dispatchPeer)
	assert.Equal(t, errorNamePrefix+"LocalComms", kindOf(t, derr))
}

func TestDispatcherPagedList(t *testing.T) {
	// S2: two pages, then an unknown-token failure.
	iface, _ := newDispatcher(t, &providertesting.ScriptedProvider{})

	page1, next, derr := iface.List(dispatchPeer, "root_id", "")
	require.Nil(t, derr)
	assert.Equal(t, "page_token", next)
	require.Len(t, page1, 2)
	assert.Equal(t, "child1_id", page1[0].ItemID)
	assert.Equal(t, "child2_id", page1[1].ItemID)

	page2, next, derr := iface.List(dispatchPeer, "root_id", "page_token")
	require.Nil(t, derr)
	assert.Empty(t, next)
	require.Len(t, page2, 2)
	assert.Equal(t, "child3_id", page2[0].ItemID)
	assert.Equal(t, "child4_id", page2[1].ItemID)

	_, _, derr = iface.List(dispatchPeer, "root_id", "bogus")
	assert.Equal(t, errorNamePrefix+"LogicError", kindOf(t, derr))
}

func TestDispatcherDownloadHappyPath(t *testing.T) {
	// S3: read all dribbled bytes, observe peer-closed, finish.
	iface, _ := newDispatcher(t, &providertesting.ScriptedProvider{})

	id, fd, derr := iface.Download(dispatchPeer, "file1")
	require.Nil(t, derr)
	assert.Equal(t, "download_id", id)

	content := readAll(t, fd)
	assert.Equal(t, providertesting.DownloadData, string(content))

	derr = iface.FinishDownload(dispatchPeer, id)
	assert.Nil(t, derr)
}

func TestDispatcherDownloadIncomplete(t *testing.T) {
	// S4: finishing before reading anything is a logic error.
	iface, _ := newDispatcher(t, &providertesting.ScriptedProvider{})

	id, _, derr := iface.Download(dispatchPeer, "file1")
	require.Nil(t, derr)

	derr = iface.FinishDownload(dispatchPeer, id)
	require.NotNil(t, derr)
	assert.Equal(t, errorNamePrefix+"LogicError", derr.Name)
	require.NotEmpty(t, derr.Body)
	assert.Contains(t, derr.Body[0], "Not all data read")
}

func TestDispatcherUploadCancel(t *testing.T) {
	// S5: cancel an upload without writing; a later finish reports
	// Cancelled.
	iface, _ := newDispatcher(t, &providertesting.ScriptedProvider{})

	id, _, derr := iface.CreateFile(dispatchPeer, "root_id", "f", 20, "application/octet-stream", true)
	require.Nil(t, derr)
	assert.Equal(t, "upload_id", id)

	derr = iface.CancelUpload(dispatchPeer, id)
	assert.Nil(t, derr)

	_, derr = iface.FinishUpload(dispatchPeer, id)
	assert.Equal(t, errorNamePrefix+"Cancelled", kindOf(t, derr))
}

func TestDispatcherUploadRoundTrip(t *testing.T) {
	iface, _ := newDispatcher(t, &providertesting.ScriptedProvider{})

	id, fd, derr := iface.CreateFile(dispatchPeer, "root_id", "f", 5, "text/plain", true)
	require.Nil(t, derr)

	// In-process the wrapper shares the job's descriptor, so it is not
	// closed here: FinishUpload closes the client end, which is what
	// lets the drain observe EOF.
	client := os.NewFile(uintptr(fd), "client-end")
	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)

	record, derr := iface.FinishUpload(dispatchPeer, id)
	require.Nil(t, derr)
	assert.Equal(t, uint32(provider.ItemTypeFile), record.Type)
	assert.Equal(t, "f", record.Title)

	// The job was reaped: finishing again is NotExists.
	_, derr = iface.FinishUpload(dispatchPeer, id)
	assert.Equal(t, errorNamePrefix+"NotExists", kindOf(t, derr))
}

func TestDispatcherNullUploadJobIsLocalComms(t *testing.T) {
	iface, _ := newDispatcher(t, &providertesting.ScriptedProvider{NullUploadJobs: true})

	_, _, derr := iface.CreateFile(dispatchPeer, "root_id", "f", 1, "", true)
	assert.Equal(t, errorNamePrefix+"LocalComms", kindOf(t, derr))

	_, _, derr = iface.Update(dispatchPeer, "item_id", 1, "etag")
	assert.Equal(t, errorNamePrefix+"LocalComms", kindOf(t, derr))
}

func TestDispatcherUnknownPeerRejected(t *testing.T) {
	iface, _ := newDispatcher(t, &providertesting.ScriptedProvider{})

	_, derr := iface.Roots(dbus.Sender(":1.66"))
	assert.Equal(t, errorNamePrefix+"PermissionDenied", kindOf(t, derr))
}

func TestDispatcherFixedAccountRejectsOtherUsers(t *testing.T) {
	bus := newFakeBus()
	bus.addPeer(":1.5", PeerInfo{UID: 1000})
	bus.addPeer(":1.6", PeerInfo{UID: 2000})
	peers := NewPeerCache(bus)
	data := NewFixedAccountData(&providertesting.ScriptedProvider{}, peers, nil, nil, 1000)
	iface := NewProviderInterface(context.Background(), data, nil)

	_, derr := iface.Roots(dbus.Sender(":1.5"))
	assert.Nil(t, derr)

	_, derr = iface.Roots(dbus.Sender(":1.6"))
	assert.Equal(t, errorNamePrefix+"PermissionDenied", kindOf(t, derr))
}

func TestDispatcherDeleteMoveCopy(t *testing.T) {
	iface, _ := newDispatcher(t, &providertesting.ScriptedProvider{})

	derr := iface.Delete(dispatchPeer, "item_id")
	assert.Nil(t, derr)

	derr = iface.Delete(dispatchPeer, "missing")
	assert.Equal(t, errorNamePrefix+"NotExists", kindOf(t, derr))

	moved, derr := iface.Move(dispatchPeer, "item_id", "root_id", "renamed")
	require.Nil(t, derr)
	assert.Equal(t, "item_id", moved.ItemID)
	assert.Equal(t, "renamed", moved.Title)

	copied, derr := iface.Copy(dispatchPeer, "item_id", "root_id", "copy")
	require.Nil(t, derr)
	assert.Equal(t, "new_id", copied.ItemID)
}

// unauthorizedOnce wraps a backend whose first Roots call reports expired
// credentials.
type unauthorizedOnce struct {
	providertesting.ScriptedProvider
	fired bool
}

func (u *unauthorizedOnce) Roots(ctx context.Context, peer provider.Context) ([]provider.Item, error) {
	if !u.fired {
		u.fired = true
		return nil, provider.NewError(provider.ErrorUnauthorized, "token expired")
	}
	return u.ScriptedProvider.Roots(ctx, peer)
}

func TestDispatcherRetriesOnceOnUnauthorized(t *testing.T) {
	bus := newFakeBus()
	bus.addPeer(string(dispatchPeer), PeerInfo{UID: 1000})
	peers := NewPeerCache(bus)
	account := newFakeAccount(42, "svc")
	backend := &unauthorizedOnce{}
	data := NewAccountData(backend, peers, nil, nil, account)
	iface := NewProviderInterface(context.Background(), data, nil)

	records, derr := iface.Roots(dispatchPeer)
	require.Nil(t, derr)
	require.Len(t, records, 1)

	// The retry re-authenticated interactively with invalidation.
	interactive, invalidate := account.lastAuthMode()
	assert.True(t, interactive)
	assert.True(t, invalidate)
}

func TestDispatcherPersistentUnauthorizedSurfaces(t *testing.T) {
	bus := newFakeBus()
	bus.addPeer(string(dispatchPeer), PeerInfo{UID: 1000})
	peers := NewPeerCache(bus)
	account := newFakeAccount(42, "svc")
	backend := &providertesting.ScriptedProvider{
		FailRoots: provider.NewError(provider.ErrorUnauthorized, "token expired"),
	}
	data := NewAccountData(backend, peers, nil, nil, account)
	iface := NewProviderInterface(context.Background(), data, nil)

	// Both the first call and the single retry fail: the error reaches
	// the client unchanged, with no further retries.
	_, derr := iface.Roots(dispatchPeer)
	assert.Equal(t, errorNamePrefix+"Unauthorized", kindOf(t, derr))
}
