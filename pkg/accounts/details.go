package accounts

import (
	"strings"

	"github.com/godbus/dbus/v5"
)

// Details is the public wire record describing a provider account. The
// field order is the bus structure (soxssss) and must not change: clients
// marshal it bit-compatibly.
type Details struct {
	// ProviderID is the well-known bus name of the provider daemon.
	ProviderID string

	// ObjectPath is the provider object for this account.
	ObjectPath dbus.ObjectPath

	// ID is the 64-bit account id (0 for fixed daemons).
	ID int64

	// ServiceID identifies the service within the accounts database.
	ServiceID string

	// DisplayName is the human-readable account name.
	DisplayName string

	// ProviderName is the human-readable provider name.
	ProviderName string

	// IconName is the themed icon for the provider.
	IconName string
}

// Compare defines the total order over account descriptors, with ID as the
// primary discriminator and the remaining fields compared lexicographically
// in declaration order. It returns -1, 0 or 1.
func (d Details) Compare(other Details) int {
	switch {
	case d.ID < other.ID:
		return -1
	case d.ID > other.ID:
		return 1
	}
	if c := strings.Compare(d.ProviderID, other.ProviderID); c != 0 {
		return c
	}
	if c := strings.Compare(string(d.ObjectPath), string(other.ObjectPath)); c != 0 {
		return c
	}
	if c := strings.Compare(d.ServiceID, other.ServiceID); c != 0 {
		return c
	}
	if c := strings.Compare(d.DisplayName, other.DisplayName); c != 0 {
		return c
	}
	if c := strings.Compare(d.ProviderName, other.ProviderName); c != 0 {
		return c
	}
	return strings.Compare(d.IconName, other.IconName)
}

// Less reports whether d orders before other. Descriptors with equal fields
// are not Less in either direction, so they can live in ordered sets.
func (d Details) Less(other Details) bool {
	return d.Compare(other) < 0
}
