package server

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/cirrusfs/cirrus/internal/logger"
	"github.com/cirrusfs/cirrus/pkg/accounts"
	"github.com/cirrusfs/cirrus/pkg/metrics"
	"github.com/cirrusfs/cirrus/pkg/provider"
)

// ProviderFactory builds one backend instance per account. account is nil
// for the fixed (account-less) mode.
type ProviderFactory func(account accounts.Account) (provider.Provider, error)

// Options configures a provider daemon.
type Options struct {
	// BusName is the well-known name to claim once all initial accounts
	// are exported.
	BusName string

	// ServiceID selects the online accounts served by this daemon. Empty
	// means fixed mode: a single account-less provider at /provider/0.
	ServiceID string

	// Timeout is the idle-shutdown window. Non-positive disables idle
	// shutdown.
	Timeout time.Duration
}

// Server is the top-level controller: it discovers accounts, keeps one
// registered dispatcher per account, claims the bus name, and exits on the
// inactivity timer.
type Server struct {
	opts    Options
	bus     BusConnection
	manager accounts.Manager
	factory ProviderFactory

	peers   *PeerCache
	timer   *InactivityTimer
	metrics *metrics.RPCMetrics

	mu         sync.Mutex
	registered map[uint64]*registeredAccount
}

type registeredAccount struct {
	data  *AccountData
	iface *ProviderInterface
	path  dbus.ObjectPath
}

// New creates a server. manager may be nil when opts.ServiceID is empty.
func New(opts Options, bus BusConnection, manager accounts.Manager, factory ProviderFactory) *Server {
	return &Server{
		opts:       opts,
		bus:        bus,
		manager:    manager,
		factory:    factory,
		metrics:    metrics.NewRPCMetrics(),
		registered: make(map[uint64]*registeredAccount),
	}
}

// Timer exposes the inactivity timer, available after Run starts.
func (s *Server) Timer() *InactivityTimer {
	return s.timer
}

// AccountIDs returns the ids of currently registered accounts.
func (s *Server) AccountIDs() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.registered))
	for id := range s.registered {
		ids = append(ids, id)
	}
	return ids
}

// Run serves until the idle window elapses or ctx is cancelled. The bus
// name is claimed only after the initial account objects are exported, so
// clients never observe a partially populated namespace.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.peers = NewPeerCache(s.bus)
	s.timer = NewInactivityTimer(s.opts.Timeout)
	defer s.timer.Stop()

	peerGone, err := s.bus.WatchPeers(ctx)
	if err != nil {
		return err
	}

	var changes <-chan accounts.Change
	if s.opts.ServiceID == "" {
		if err := s.addFixedAccount(ctx); err != nil {
			return err
		}
	} else {
		if s.manager == nil {
			return provider.NewError(provider.ErrorLocalComms,
				"service id %q configured without an accounts manager", s.opts.ServiceID)
		}
		initial, err := s.manager.Accounts(ctx, s.opts.ServiceID)
		if err != nil {
			return err
		}
		for _, account := range initial {
			if err := s.addAccount(ctx, account); err != nil {
				logger.Error("Could not register account %d: %v", account.ID(), err)
			}
		}
		changes, err = s.manager.Watch(ctx)
		if err != nil {
			return err
		}
	}

	if err := s.bus.RequestName(s.opts.BusName); err != nil {
		return err
	}
	logger.Info("Serving %s (service %q, %d accounts)",
		s.opts.BusName, s.opts.ServiceID, len(s.AccountIDs()))

	for {
		select {
		case <-ctx.Done():
			s.shutdown(context.Background())
			return nil

		case <-s.timer.Timeout():
			logger.Info("Exiting after %v of idle time", s.opts.Timeout)
			s.shutdown(context.Background())
			return nil

		case peer, ok := <-peerGone:
			if !ok {
				return provider.NewError(provider.ErrorRemoteComms, "lost bus connection")
			}
			s.peerDied(ctx, peer)

		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			s.accountChanged(ctx, change)
		}
	}
}

func (s *Server) addFixedAccount(ctx context.Context) error {
	backend, err := s.factory(nil)
	if err != nil {
		return err
	}
	data := NewFixedAccountData(backend, s.peers, s.timer, s.metrics, uint32(os.Getuid()))
	s.register(ctx, 0, data)
	return nil
}

func (s *Server) addAccount(ctx context.Context, account accounts.Account) error {
	id := account.ID()
	s.mu.Lock()
	_, exists := s.registered[id]
	s.mu.Unlock()
	if exists {
		return nil
	}

	logger.Debug("Found account %d for service %s", id, account.ServiceID())
	backend, err := s.factory(account)
	if err != nil {
		return err
	}
	data := NewAccountData(backend, s.peers, s.timer, s.metrics, account)

	// Start non-interactive authentication right away so credentials are
	// usually ready by the first RPC. Failures are not fatal: the
	// dispatcher re-authenticates on demand.
	go func() {
		if err := data.Authenticate(ctx, false, false); err != nil {
			logger.Debug("Initial authentication for account %d: %v", id, err)
		}
	}()

	s.register(ctx, id, data)
	return nil
}

func (s *Server) register(ctx context.Context, id uint64, data *AccountData) {
	iface := NewProviderInterface(ctx, data, s.metrics)
	path := ProviderObjectPath(id)
	if err := s.bus.Export(iface, path, ProviderInterfaceName); err != nil {
		logger.Error("Could not export %s: %v", path, err)
		return
	}

	s.mu.Lock()
	s.registered[id] = &registeredAccount{data: data, iface: iface, path: path}
	s.mu.Unlock()

	if err := s.bus.Emit(ServerObjectPath, ServerInterfaceName+".AccountAdded", id); err != nil {
		logger.Debug("AccountAdded emit failed: %v", err)
	}
}

func (s *Server) removeAccount(ctx context.Context, id uint64) {
	s.mu.Lock()
	reg, ok := s.registered[id]
	if ok {
		delete(s.registered, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	logger.Debug("Disabled account %d", id)
	if err := s.bus.Unexport(reg.path, ProviderInterfaceName); err != nil {
		logger.Debug("Unexport %s failed: %v", reg.path, err)
	}
	reg.data.Jobs().CancelAll(ctx)

	if err := s.bus.Emit(ServerObjectPath, ServerInterfaceName+".AccountRemoved", id); err != nil {
		logger.Debug("AccountRemoved emit failed: %v", err)
	}
}

func (s *Server) accountChanged(ctx context.Context, change accounts.Change) {
	if change.Account == nil {
		return
	}
	if change.Account.ServiceID() != s.opts.ServiceID {
		return
	}
	switch change.Type {
	case accounts.ChangeEnabled:
		if err := s.addAccount(ctx, change.Account); err != nil {
			logger.Error("Could not register account %d: %v", change.Account.ID(), err)
		}
	case accounts.ChangeDisabled:
		s.removeAccount(ctx, change.Account.ID())
	}
}

func (s *Server) peerDied(ctx context.Context, peer string) {
	logger.Debug("Peer %s vanished", peer)
	s.peers.Evict(peer)
	s.mu.Lock()
	regs := make([]*registeredAccount, 0, len(s.registered))
	for _, reg := range s.registered {
		regs = append(regs, reg)
	}
	s.mu.Unlock()
	for _, reg := range regs {
		reg.data.Jobs().CancelPeer(ctx, peer)
	}
}

func (s *Server) shutdown(ctx context.Context) {
	s.mu.Lock()
	ids := make([]uint64, 0, len(s.registered))
	for id := range s.registered {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.removeAccount(ctx, id)
	}
}
