package accounts

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cirrusfs/cirrus/pkg/provider"
)

func TestAccountFromRecord(t *testing.T) {
	m := &OnlineAccountsManager{}
	acct := m.accountFromRecord(accountRecord{
		ID: 4,
		Info: map[string]dbus.Variant{
			"displayName":   dbus.MakeVariant("Password host account"),
			"serviceId":     dbus.MakeVariant("password-host-service"),
			"authMethod":    dbus.MakeVariant(int32(3)),
			"settings/host": dbus.MakeVariant("http://www.example.com/"),
		},
	})

	assert.Equal(t, uint64(4), acct.ID())
	assert.Equal(t, "password-host-service", acct.ServiceID())
	assert.Equal(t, "Password host account", acct.DisplayName())
	assert.Equal(t, AuthMethodPassword, acct.AuthMethod())
	assert.Equal(t, "http://www.example.com/", acct.Setting("host"))
	assert.Empty(t, acct.Setting("missing"))
}

func TestChangeFromSignal(t *testing.T) {
	m := &OnlineAccountsManager{}

	change, err := m.changeFromSignal(&dbus.Signal{
		Name: managerInterface + ".AccountChanged",
		Body: []any{
			"svc",
			[]any{uint32(42), map[string]dbus.Variant{
				"serviceId":  dbus.MakeVariant("svc"),
				"authMethod": dbus.MakeVariant(int32(2)),
				"changeType": dbus.MakeVariant(uint32(1)),
			}},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, change)
	assert.Equal(t, ChangeDisabled, change.Type)
	assert.Equal(t, uint64(42), change.Account.ID())
	assert.Equal(t, AuthMethodOAuth2, change.Account.AuthMethod())
}

func TestChangeFromSignalMalformed(t *testing.T) {
	m := &OnlineAccountsManager{}

	_, err := m.changeFromSignal(&dbus.Signal{
		Name: managerInterface + ".AccountChanged",
		Body: []any{"svc"},
	})
	assert.Error(t, err)

	// Signals for other members are ignored without error.
	change, err := m.changeFromSignal(&dbus.Signal{Name: "org.other.Signal"})
	require.NoError(t, err)
	assert.Nil(t, change)
}

func TestAuthErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		kind provider.ErrorKind
	}{
		{errUserCanceled, provider.ErrorCancelled},
		{errPermissionDenied, provider.ErrorPermissionDenied},
		{errInteractionRequired, provider.ErrorUnauthorized},
		{errNoAccount, provider.ErrorNotExists},
		{"org.freedesktop.DBus.Error.NoReply", provider.ErrorRemoteComms},
	}
	for _, tt := range tests {
		err := authError(dbus.Error{Name: tt.name, Body: []any{"detail"}})
		assert.True(t, provider.IsKind(err, tt.kind), "%s: got %v", tt.name, err)
	}
}
