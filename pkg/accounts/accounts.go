// Package accounts gives the provider runtime access to the online-accounts
// service: enumerating the accounts that advertise a service id, watching
// enable/disable changes, and acquiring credentials.
//
// The runtime consumes the Manager interface; NewOnlineAccountsManager
// returns the session-bus implementation and tests substitute fakes.
package accounts

import (
	"context"

	"github.com/cirrusfs/cirrus/pkg/provider"
)

// AuthMethod is the authentication scheme an account is configured with.
// The numeric values follow the online-accounts catalogue.
type AuthMethod int32

const (
	AuthMethodUnknown  AuthMethod = 0
	AuthMethodOAuth1   AuthMethod = 1
	AuthMethodOAuth2   AuthMethod = 2
	AuthMethodPassword AuthMethod = 3
	AuthMethodSASL     AuthMethod = 4
)

func (m AuthMethod) String() string {
	switch m {
	case AuthMethodOAuth1:
		return "oauth1"
	case AuthMethodOAuth2:
		return "oauth2"
	case AuthMethodPassword:
		return "password"
	case AuthMethodSASL:
		return "sasl"
	default:
		return "unknown"
	}
}

// ChangeType describes an account change notification.
type ChangeType uint32

const (
	ChangeEnabled  ChangeType = 0
	ChangeDisabled ChangeType = 1
	ChangeUpdated  ChangeType = 2
)

// Account is one credentialled account exposed by the accounts service.
type Account interface {
	// ID is the account identifier, unique per accounts service.
	ID() uint64

	// ServiceID is the service the account is bound to.
	ServiceID() string

	// DisplayName is the human-readable account name.
	DisplayName() string

	// AuthMethod is the configured authentication scheme.
	AuthMethod() AuthMethod

	// Setting returns a per-account setting (e.g. "host"), or "" if the
	// setting is absent.
	Setting(key string) string

	// Authenticate acquires credentials. With interactive false the
	// request must not prompt the user; invalidate true discards cached
	// tokens and forces fresh ones.
	Authenticate(ctx context.Context, interactive, invalidate bool) (provider.Credentials, error)
}

// Change is an account lifecycle notification.
type Change struct {
	Type    ChangeType
	Account Account
}

// Manager enumerates accounts and delivers change notifications.
type Manager interface {
	// Accounts returns all enabled accounts advertising serviceID.
	Accounts(ctx context.Context, serviceID string) ([]Account, error)

	// Watch delivers account changes until ctx is cancelled. The channel
	// is closed when the watch ends.
	Watch(ctx context.Context) (<-chan Change, error)
}
