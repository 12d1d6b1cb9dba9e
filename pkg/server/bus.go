// Package server implements the provider-side runtime: the controller that
// discovers accounts and publishes one provider object per account, the
// dispatcher that translates bus RPCs into backend calls, the pending-jobs
// engine for streaming transfers, the peer cache, and the inactivity
// governor.
package server

import (
	"context"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/cirrusfs/cirrus/pkg/provider"
)

const (
	// ProviderInterfaceName is the bus interface each account object
	// implements.
	ProviderInterfaceName = "io.cirrusfs.Provider"

	// ServerInterfaceName is the interface the account lifecycle signals
	// are emitted on.
	ServerInterfaceName = "io.cirrusfs.Server"

	// ServerObjectPath is the path the lifecycle signals originate from.
	ServerObjectPath = dbus.ObjectPath("/provider")
)

// ProviderObjectPath returns the object path for an account id.
func ProviderObjectPath(accountID uint64) dbus.ObjectPath {
	return dbus.ObjectPath("/provider/" + strconv.FormatUint(accountID, 10))
}

// PeerInfo is the broker-attested identity of a bus peer.
type PeerInfo struct {
	UID           uint32
	PID           uint32
	SecurityLabel string
}

// BusConnection is the slice of the session bus the runtime uses. The
// production implementation wraps a godbus connection; tests substitute
// fakes.
type BusConnection interface {
	// Export publishes an object's methods at path under the given
	// interface name.
	Export(v any, path dbus.ObjectPath, iface string) error

	// Unexport withdraws a previously exported object.
	Unexport(path dbus.ObjectPath, iface string) error

	// RequestName claims a well-known bus name. It fails if the name is
	// already owned.
	RequestName(name string) error

	// PeerCredentials asks the broker for the identity of the peer that
	// owns the given unique name.
	PeerCredentials(ctx context.Context, name string) (PeerInfo, error)

	// WatchPeers delivers the unique names of peers that dropped off the
	// bus. The channel closes when ctx is cancelled.
	WatchPeers(ctx context.Context) (<-chan string, error)

	// Emit broadcasts a signal from path; name is "interface.Member".
	Emit(path dbus.ObjectPath, name string, values ...any) error

	// Close tears down the connection.
	Close() error
}

// sessionBus implements BusConnection over a godbus connection.
type sessionBus struct {
	conn *dbus.Conn
}

// DialSessionBus opens a private connection to the session bus.
func DialSessionBus(ctx context.Context) (BusConnection, error) {
	conn, err := DialSessionBusConn(ctx)
	if err != nil {
		return nil, err
	}
	return &sessionBus{conn: conn}, nil
}

// DialSessionBusConn opens a private godbus connection for collaborators
// that call other services directly, e.g. the online-accounts client.
func DialSessionBusConn(ctx context.Context) (*dbus.Conn, error) {
	conn, err := dbus.SessionBusPrivate(dbus.WithContext(ctx))
	if err != nil {
		return nil, provider.NewError(provider.ErrorRemoteComms, "connect session bus: %v", err)
	}
	if err := conn.Auth(nil); err != nil {
		conn.Close()
		return nil, provider.NewError(provider.ErrorRemoteComms, "authenticate to session bus: %v", err)
	}
	if err := conn.Hello(); err != nil {
		conn.Close()
		return nil, provider.NewError(provider.ErrorRemoteComms, "session bus hello: %v", err)
	}
	return conn, nil
}

// WrapConnection adapts an existing godbus connection, e.g. one injected by
// a test harness running against a private bus daemon.
func WrapConnection(conn *dbus.Conn) BusConnection {
	return &sessionBus{conn: conn}
}

func (b *sessionBus) Export(v any, path dbus.ObjectPath, iface string) error {
	return b.conn.Export(v, path, iface)
}

func (b *sessionBus) Unexport(path dbus.ObjectPath, iface string) error {
	return b.conn.Export(nil, path, iface)
}

func (b *sessionBus) RequestName(name string) error {
	reply, err := b.conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return provider.NewError(provider.ErrorRemoteComms, "request name %s: %v", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return provider.NewError(provider.ErrorRemoteComms, "could not acquire bus name %s", name)
	}
	return nil
}

func (b *sessionBus) PeerCredentials(ctx context.Context, name string) (PeerInfo, error) {
	var creds map[string]dbus.Variant
	call := b.conn.BusObject().CallWithContext(ctx,
		"org.freedesktop.DBus.GetConnectionCredentials", 0, name)
	if err := call.Store(&creds); err != nil {
		return PeerInfo{}, provider.NewError(provider.ErrorRemoteComms,
			"GetConnectionCredentials(%s): %v", name, err)
	}

	info := PeerInfo{SecurityLabel: "unconfined"}
	if v, ok := creds["UnixUserID"]; ok {
		if uid, ok := v.Value().(uint32); ok {
			info.UID = uid
		}
	}
	if v, ok := creds["ProcessID"]; ok {
		if pid, ok := v.Value().(uint32); ok {
			info.PID = pid
		}
	}
	if v, ok := creds["LinuxSecurityLabel"]; ok {
		if label, ok := v.Value().([]byte); ok {
			// The broker reports a NUL-terminated label.
			info.SecurityLabel = strings.TrimRight(string(label), "\x00")
		}
	}
	return info, nil
}

func (b *sessionBus) WatchPeers(ctx context.Context) (<-chan string, error) {
	if err := b.conn.AddMatchSignalContext(ctx,
		dbus.WithMatchSender("org.freedesktop.DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return nil, provider.NewError(provider.ErrorRemoteComms, "subscribe NameOwnerChanged: %v", err)
	}

	signals := make(chan *dbus.Signal, 32)
	b.conn.Signal(signals)

	gone := make(chan string, 32)
	go func() {
		defer close(gone)
		defer b.conn.RemoveSignal(signals)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
					continue
				}
				name, _ := sig.Body[0].(string)
				newOwner, _ := sig.Body[2].(string)
				// Unique names only: a vanished well-known name does
				// not mean its owner process is gone.
				if strings.HasPrefix(name, ":") && newOwner == "" {
					gone <- name
				}
			}
		}
	}()
	return gone, nil
}

func (b *sessionBus) Emit(path dbus.ObjectPath, name string, values ...any) error {
	return b.conn.Emit(path, name, values...)
}

func (b *sessionBus) Close() error {
	return b.conn.Close()
}
