package server

import (
	"context"
	"sync"

	"github.com/cirrusfs/cirrus/internal/logger"
	"github.com/cirrusfs/cirrus/pkg/accounts"
	"github.com/cirrusfs/cirrus/pkg/metrics"
	"github.com/cirrusfs/cirrus/pkg/provider"
)

// authAttempt is one in-flight authentication request. Waiters block on
// done; err is set exactly once before done closes.
type authAttempt struct {
	interactive bool
	done        chan struct{}
	once        sync.Once
	err         error
}

func (a *authAttempt) resolve(err error) {
	a.once.Do(func() {
		a.err = err
		close(a.done)
	})
}

func (a *authAttempt) wait(ctx context.Context) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return provider.NewError(provider.ErrorCancelled, "authentication wait cancelled: %v", ctx.Err())
	}
}

// AccountData is the per-account container: the backend instance, the
// shared peer cache and inactivity timer, the pending-jobs registry, and
// the credential state machine.
//
// Credential invariants:
//   - at most one authentication attempt is in flight per account;
//   - a non-interactive request joins an in-flight attempt of either mode;
//   - an interactive request supersedes an in-flight non-interactive one,
//     whose waiters observe ErrorCancelled;
//   - on completion, credentials are replaced atomically and marked valid
//     iff the attempt reported no error.
type AccountData struct {
	provider provider.Provider
	peers    *PeerCache
	timer    *InactivityTimer
	jobs     *PendingJobs
	account  accounts.Account // nil for fixed (account-less) daemons

	// fixedUID restricts a fixed daemon to peers of the owning user.
	fixedUID *uint32

	mu         sync.Mutex
	creds      provider.Credentials
	credsValid bool
	auth       *authAttempt
}

// NewAccountData builds the container for an online account. Authentication
// is not started here; the server kicks off the initial non-interactive
// attempt after registration.
func NewAccountData(backend provider.Provider, peers *PeerCache, timer *InactivityTimer, m *metrics.RPCMetrics, account accounts.Account) *AccountData {
	return &AccountData{
		provider: backend,
		peers:    peers,
		timer:    timer,
		jobs:     NewPendingJobs(timer, m),
		account:  account,
		creds:    provider.NoCredentials{},
	}
}

// NewFixedAccountData builds the container for an account-less daemon bound
// to the owning user. Credentials are trivially valid.
func NewFixedAccountData(backend provider.Provider, peers *PeerCache, timer *InactivityTimer, m *metrics.RPCMetrics, uid uint32) *AccountData {
	data := NewAccountData(backend, peers, timer, m, nil)
	data.fixedUID = &uid
	data.credsValid = true
	return data
}

// Provider returns the backend instance.
func (a *AccountData) Provider() provider.Provider {
	return a.provider
}

// Peers returns the shared peer cache.
func (a *AccountData) Peers() *PeerCache {
	return a.peers
}

// Timer returns the shared inactivity timer.
func (a *AccountData) Timer() *InactivityTimer {
	return a.timer
}

// Jobs returns the pending-jobs registry.
func (a *AccountData) Jobs() *PendingJobs {
	return a.jobs
}

// Authorize rejects peers a fixed daemon must not serve.
func (a *AccountData) Authorize(peer provider.Context) error {
	if a.fixedUID != nil && peer.UID != *a.fixedUID {
		return provider.NewError(provider.ErrorPermissionDenied,
			"uid %d not allowed on this provider", peer.UID)
	}
	return nil
}

// HasCredentials reports whether valid credentials are present.
func (a *AccountData) HasCredentials() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.credsValid
}

// Credentials returns the current credentials and their validity.
func (a *AccountData) Credentials() (provider.Credentials, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.creds, a.credsValid
}

// EnsureCredentials waits for valid credentials, starting a non-interactive
// attempt if none is in flight. A no-op for fixed daemons.
func (a *AccountData) EnsureCredentials(ctx context.Context) error {
	if a.HasCredentials() {
		return nil
	}
	return a.Authenticate(ctx, false, false)
}

// Authenticate acquires fresh credentials, applying the single-flight rules
// described on AccountData. invalidate discards cached tokens first.
func (a *AccountData) Authenticate(ctx context.Context, interactive, invalidate bool) error {
	a.mu.Lock()
	if a.account == nil {
		a.mu.Unlock()
		return nil
	}

	if att := a.auth; att != nil {
		if att.interactive || !interactive {
			// Join the in-flight attempt.
			a.mu.Unlock()
			return att.wait(ctx)
		}
		// A non-interactive attempt is in flight and the caller demands
		// interactivity: supersede it. Its waiters observe Cancelled;
		// its eventual completion is discarded.
		att.resolve(provider.NewError(provider.ErrorCancelled,
			"superseded by interactive authentication"))
	}

	att := &authAttempt{interactive: interactive, done: make(chan struct{})}
	a.auth = att
	a.creds = provider.NoCredentials{}
	a.credsValid = false
	account := a.account
	a.mu.Unlock()

	go func() {
		// Detached from any single RPC: several callers may join this
		// attempt, so one caller's cancellation must not abort it.
		creds, err := account.Authenticate(context.Background(), interactive, invalidate)

		a.mu.Lock()
		if a.auth == att {
			a.auth = nil
			if err == nil {
				a.creds = creds
				a.credsValid = true
			} else {
				a.creds = provider.NoCredentials{}
				a.credsValid = false
			}
		}
		a.mu.Unlock()

		if err != nil {
			logger.Debug("Authentication for account %d failed: %v", account.ID(), err)
		}
		att.resolve(err)
	}()

	return att.wait(ctx)
}

// Authenticating reports whether an attempt is in flight, and whether it is
// interactive.
func (a *AccountData) Authenticating() (inflight, interactive bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.auth == nil {
		return false, false
	}
	return true, a.auth.interactive
}
