package server

import (
	"context"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/cirrusfs/cirrus/pkg/accounts"
	"github.com/cirrusfs/cirrus/pkg/provider"
)

// fakeBus implements BusConnection in memory for controller and cache
// tests.
type fakeBus struct {
	mu        sync.Mutex
	peers     map[string]PeerInfo
	queries   int
	exports   map[dbus.ObjectPath]any
	name      string
	nameErr   error
	emitted   []string
	peerGone  chan string
	exportLog []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		peers:    map[string]PeerInfo{},
		exports:  map[dbus.ObjectPath]any{},
		peerGone: make(chan string, 8),
	}
}

func (b *fakeBus) addPeer(name string, info PeerInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.peers[name] = info
}

func (b *fakeBus) Export(v any, path dbus.ObjectPath, iface string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exports[path] = v
	b.exportLog = append(b.exportLog, "export:"+string(path))
	return nil
}

func (b *fakeBus) Unexport(path dbus.ObjectPath, iface string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.exports, path)
	b.exportLog = append(b.exportLog, "unexport:"+string(path))
	return nil
}

func (b *fakeBus) RequestName(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nameErr != nil {
		return b.nameErr
	}
	b.name = name
	b.exportLog = append(b.exportLog, "name:"+name)
	return nil
}

func (b *fakeBus) PeerCredentials(ctx context.Context, name string) (PeerInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queries++
	info, ok := b.peers[name]
	if !ok {
		return PeerInfo{}, provider.NewKeyError(provider.ErrorRemoteComms, name, "no such peer")
	}
	return info, nil
}

func (b *fakeBus) WatchPeers(ctx context.Context) (<-chan string, error) {
	return b.peerGone, nil
}

func (b *fakeBus) Emit(path dbus.ObjectPath, name string, values ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emitted = append(b.emitted, name)
	return nil
}

func (b *fakeBus) Close() error {
	return nil
}

func (b *fakeBus) exported(path dbus.ObjectPath) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exports[path]
	return ok
}

func (b *fakeBus) claimedName() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name
}

func (b *fakeBus) log() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.exportLog...)
}

func (b *fakeBus) signals() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.emitted...)
}

// fakeAccount implements accounts.Account with scripted authentication.
type fakeAccount struct {
	id        uint64
	serviceID string
	name      string

	mu       sync.Mutex
	creds    provider.Credentials
	authErr  error
	started  chan struct{} // closed once an Authenticate call begins
	release  chan struct{} // Authenticate blocks until closed (when set)
	attempts int
	lastMode struct {
		interactive bool
		invalidate  bool
	}
}

func newFakeAccount(id uint64, serviceID string) *fakeAccount {
	return &fakeAccount{
		id:        id,
		serviceID: serviceID,
		name:      "Fake account",
		creds:     provider.OAuth2{AccessToken: "fake-test-access-token"},
	}
}

func (a *fakeAccount) ID() uint64                      { return a.id }
func (a *fakeAccount) ServiceID() string               { return a.serviceID }
func (a *fakeAccount) DisplayName() string             { return a.name }
func (a *fakeAccount) AuthMethod() accounts.AuthMethod { return accounts.AuthMethodOAuth2 }
func (a *fakeAccount) Setting(key string) string       { return "" }

func (a *fakeAccount) Authenticate(ctx context.Context, interactive, invalidate bool) (provider.Credentials, error) {
	a.mu.Lock()
	a.attempts++
	a.lastMode.interactive = interactive
	a.lastMode.invalidate = invalidate
	started := a.started
	release := a.release
	creds := a.creds
	err := a.authErr
	a.mu.Unlock()

	if started != nil {
		close(started)
		a.mu.Lock()
		a.started = nil
		a.mu.Unlock()
	}
	if release != nil {
		<-release
	}
	if err != nil {
		return provider.NoCredentials{}, err
	}
	return creds, nil
}

func (a *fakeAccount) attemptCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attempts
}

func (a *fakeAccount) lastAuthMode() (interactive, invalidate bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastMode.interactive, a.lastMode.invalidate
}

// fakeManager implements accounts.Manager over a fixed list plus a change
// feed.
type fakeManager struct {
	mu      sync.Mutex
	list    []accounts.Account
	changes chan accounts.Change
}

func newFakeManager(initial ...accounts.Account) *fakeManager {
	return &fakeManager{
		list:    initial,
		changes: make(chan accounts.Change, 8),
	}
}

func (m *fakeManager) Accounts(ctx context.Context, serviceID string) ([]accounts.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matching []accounts.Account
	for _, account := range m.list {
		if account.ServiceID() == serviceID {
			matching = append(matching, account)
		}
	}
	return matching, nil
}

func (m *fakeManager) Watch(ctx context.Context) (<-chan accounts.Change, error) {
	return m.changes, nil
}
