package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusfs/cirrus/pkg/accounts"
	"github.com/cirrusfs/cirrus/pkg/provider"
	providertesting "github.com/cirrusfs/cirrus/pkg/provider/testing"
)

func scriptedFactory(accounts.Account) (provider.Provider, error) {
	return &providertesting.ScriptedProvider{}, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServerFixedMode(t *testing.T) {
	bus := newFakeBus()
	srv := New(Options{BusName: "io.cirrusfs.provider.Test"}, bus, nil, scriptedFactory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	waitFor(t, "bus name claim", func() bool { return bus.claimedName() != "" })
	assert.Equal(t, "io.cirrusfs.provider.Test", bus.claimedName())
	assert.True(t, bus.exported(ProviderObjectPath(0)))
	assert.Equal(t, []uint64{0}, srv.AccountIDs())

	cancel()
	require.NoError(t, <-done)
	// Shutdown withdraws the object.
	assert.False(t, bus.exported(ProviderObjectPath(0)))
}

func TestServerNameClaimedAfterInitialAccounts(t *testing.T) {
	bus := newFakeBus()
	manager := newFakeManager(newFakeAccount(42, "svc"))
	srv := New(Options{BusName: "io.cirrusfs.provider.Test", ServiceID: "svc"}, bus, manager, scriptedFactory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	waitFor(t, "bus name claim", func() bool { return bus.claimedName() != "" })

	// Clients must never see a partially populated namespace: the
	// account object was exported before the name appeared.
	log := bus.log()
	require.Contains(t, log, "export:/provider/42")
	require.Contains(t, log, "name:io.cirrusfs.provider.Test")
	assert.Less(t, indexOf(log, "export:/provider/42"), indexOf(log, "name:io.cirrusfs.provider.Test"))

	cancel()
	require.NoError(t, <-done)
}

func indexOf(list []string, want string) int {
	for i, s := range list {
		if s == want {
			return i
		}
	}
	return -1
}

func TestServerAccountAddRemove(t *testing.T) {
	// S6: zero matching accounts at startup; an enable event publishes
	// /provider/42, a disable event withdraws it.
	bus := newFakeBus()
	manager := newFakeManager()
	srv := New(Options{BusName: "io.cirrusfs.provider.Test", ServiceID: "svc"}, bus, manager, scriptedFactory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	waitFor(t, "bus name claim", func() bool { return bus.claimedName() != "" })
	assert.Empty(t, srv.AccountIDs())
	assert.False(t, bus.exported(ProviderObjectPath(42)))

	account := newFakeAccount(42, "svc")
	manager.changes <- accounts.Change{Type: accounts.ChangeEnabled, Account: account}
	waitFor(t, "account export", func() bool { return bus.exported(ProviderObjectPath(42)) })
	assert.Contains(t, bus.signals(), ServerInterfaceName+".AccountAdded")

	// Adding the same account again is ignored.
	manager.changes <- accounts.Change{Type: accounts.ChangeEnabled, Account: account}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []uint64{42}, srv.AccountIDs())

	manager.changes <- accounts.Change{Type: accounts.ChangeDisabled, Account: account}
	waitFor(t, "account withdrawal", func() bool { return !bus.exported(ProviderObjectPath(42)) })
	assert.Contains(t, bus.signals(), ServerInterfaceName+".AccountRemoved")
	assert.Empty(t, srv.AccountIDs())

	cancel()
	require.NoError(t, <-done)
}

func TestServerIgnoresOtherServices(t *testing.T) {
	bus := newFakeBus()
	manager := newFakeManager()
	srv := New(Options{BusName: "io.cirrusfs.provider.Test", ServiceID: "svc"}, bus, manager, scriptedFactory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	waitFor(t, "bus name claim", func() bool { return bus.claimedName() != "" })

	manager.changes <- accounts.Change{Type: accounts.ChangeEnabled, Account: newFakeAccount(7, "other-svc")}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, srv.AccountIDs())
	assert.False(t, bus.exported(ProviderObjectPath(7)))

	cancel()
	require.NoError(t, <-done)
}

func TestServerIdleShutdown(t *testing.T) {
	bus := newFakeBus()
	srv := New(Options{
		BusName: "io.cirrusfs.provider.Test",
		Timeout: 40 * time.Millisecond,
	}, bus, nil, scriptedFactory)

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not exit after the idle window")
	}
}

func TestServerPeerDeathCancelsJobs(t *testing.T) {
	bus := newFakeBus()
	bus.addPeer(":1.9", PeerInfo{UID: 1000})
	srv := New(Options{BusName: "io.cirrusfs.provider.Test"}, bus, nil, scriptedFactory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	waitFor(t, "bus name claim", func() bool { return bus.claimedName() != "" })

	// Register a job for the peer directly through the account's
	// registry, then let the peer die.
	srv.mu.Lock()
	reg := srv.registered[0]
	srv.mu.Unlock()
	require.NotNil(t, reg)

	backend := &providertesting.ScriptedProvider{}
	job, err := backend.Download(ctx, "file1", provider.Context{})
	require.NoError(t, err)
	require.NoError(t, reg.data.Jobs().AddDownload(":1.9", job))

	bus.peerGone <- ":1.9"
	waitFor(t, "job cleanup", func() bool { return reg.data.Jobs().Count() == 0 })

	cancel()
	require.NoError(t, <-done)
}
