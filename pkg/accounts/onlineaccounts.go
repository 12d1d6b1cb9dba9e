package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/cirrusfs/cirrus/internal/logger"
	"github.com/cirrusfs/cirrus/pkg/provider"
)

const (
	managerBusName    = "com.ubuntu.OnlineAccounts.Manager"
	managerObjectPath = "/com/ubuntu/OnlineAccounts/Manager"
	managerInterface  = "com.ubuntu.OnlineAccounts.Manager"

	errUserCanceled        = "com.ubuntu.OnlineAccounts.Error.UserCanceled"
	errPermissionDenied    = "com.ubuntu.OnlineAccounts.Error.PermissionDenied"
	errInteractionRequired = "com.ubuntu.OnlineAccounts.Error.InteractionRequired"
	errNoAccount           = "com.ubuntu.OnlineAccounts.Error.NoAccount"
)

// accountRecord is the (ua{sv}) tuple the manager returns per account.
type accountRecord struct {
	ID   uint32
	Info map[string]dbus.Variant
}

// OnlineAccountsManager implements Manager against the online-accounts
// D-Bus service.
type OnlineAccountsManager struct {
	conn *dbus.Conn
	obj  dbus.BusObject
}

// NewOnlineAccountsManager returns a manager speaking to the accounts
// service on the given bus connection.
func NewOnlineAccountsManager(conn *dbus.Conn) *OnlineAccountsManager {
	return &OnlineAccountsManager{
		conn: conn,
		obj:  conn.Object(managerBusName, managerObjectPath),
	}
}

// Accounts returns all enabled accounts advertising serviceID.
func (m *OnlineAccountsManager) Accounts(ctx context.Context, serviceID string) ([]Account, error) {
	filters := map[string]dbus.Variant{}
	if serviceID != "" {
		filters["serviceId"] = dbus.MakeVariant(serviceID)
	}

	var records []accountRecord
	var services []map[string]dbus.Variant
	call := m.obj.CallWithContext(ctx, managerInterface+".GetAccounts", 0, filters)
	if err := call.Store(&records, &services); err != nil {
		return nil, provider.NewError(provider.ErrorRemoteComms, "GetAccounts: %v", err)
	}

	accounts := make([]Account, 0, len(records))
	for _, rec := range records {
		acct := m.accountFromRecord(rec)
		// The service may ignore the filter; apply it again here.
		if serviceID != "" && acct.ServiceID() != serviceID {
			continue
		}
		accounts = append(accounts, acct)
	}
	return accounts, nil
}

// Watch subscribes to AccountChanged and converts notifications. The
// returned channel closes when ctx is cancelled.
func (m *OnlineAccountsManager) Watch(ctx context.Context) (<-chan Change, error) {
	if err := m.conn.AddMatchSignalContext(ctx,
		dbus.WithMatchObjectPath(managerObjectPath),
		dbus.WithMatchInterface(managerInterface),
		dbus.WithMatchMember("AccountChanged"),
	); err != nil {
		return nil, provider.NewError(provider.ErrorRemoteComms, "subscribe AccountChanged: %v", err)
	}

	signals := make(chan *dbus.Signal, 16)
	m.conn.Signal(signals)

	changes := make(chan Change, 16)
	go func() {
		defer close(changes)
		defer m.conn.RemoveSignal(signals)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				change, err := m.changeFromSignal(sig)
				if err != nil {
					logger.Warn("Ignoring malformed AccountChanged signal: %v", err)
					continue
				}
				if change != nil {
					changes <- *change
				}
			}
		}
	}()
	return changes, nil
}

func (m *OnlineAccountsManager) changeFromSignal(sig *dbus.Signal) (*Change, error) {
	if sig.Name != managerInterface+".AccountChanged" {
		return nil, nil
	}
	if len(sig.Body) != 2 {
		return nil, fmt.Errorf("expected 2 arguments, got %d", len(sig.Body))
	}
	tuple, ok := sig.Body[1].([]any)
	if !ok || len(tuple) != 2 {
		return nil, fmt.Errorf("malformed account tuple %T", sig.Body[1])
	}
	id, ok := tuple[0].(uint32)
	if !ok {
		return nil, fmt.Errorf("malformed account id %T", tuple[0])
	}
	info, ok := tuple[1].(map[string]dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("malformed account info %T", tuple[1])
	}

	acct := m.accountFromRecord(accountRecord{ID: id, Info: info})
	changeType := ChangeUpdated
	if v, ok := info["changeType"]; ok {
		if t, ok := v.Value().(uint32); ok {
			changeType = ChangeType(t)
		}
	}
	return &Change{Type: changeType, Account: acct}, nil
}

func (m *OnlineAccountsManager) accountFromRecord(rec accountRecord) *onlineAccount {
	acct := &onlineAccount{
		manager:  m,
		id:       rec.ID,
		settings: make(map[string]string),
	}
	for key, value := range rec.Info {
		switch {
		case key == "displayName":
			acct.displayName, _ = value.Value().(string)
		case key == "serviceId":
			acct.serviceID, _ = value.Value().(string)
		case key == "authMethod":
			if method, ok := value.Value().(int32); ok {
				acct.authMethod = AuthMethod(method)
			}
		case strings.HasPrefix(key, "settings/"):
			if s, ok := value.Value().(string); ok {
				acct.settings[strings.TrimPrefix(key, "settings/")] = s
			}
		}
	}
	return acct
}

// onlineAccount is one account record held by the online-accounts service.
type onlineAccount struct {
	manager     *OnlineAccountsManager
	id          uint32
	serviceID   string
	displayName string
	authMethod  AuthMethod
	settings    map[string]string
}

func (a *onlineAccount) ID() uint64          { return uint64(a.id) }
func (a *onlineAccount) ServiceID() string   { return a.serviceID }
func (a *onlineAccount) DisplayName() string { return a.displayName }
func (a *onlineAccount) AuthMethod() AuthMethod {
	return a.authMethod
}

func (a *onlineAccount) Setting(key string) string {
	return a.settings[key]
}

// Authenticate calls the accounts service and converts the reply into the
// credentials union.
func (a *onlineAccount) Authenticate(ctx context.Context, interactive, invalidate bool) (provider.Credentials, error) {
	var reply map[string]dbus.Variant
	call := a.manager.obj.CallWithContext(ctx, managerInterface+".Authenticate", 0,
		a.id, a.serviceID, interactive, invalidate, map[string]dbus.Variant{})
	if err := call.Store(&reply); err != nil {
		return provider.NoCredentials{}, authError(err)
	}

	switch a.authMethod {
	case AuthMethodOAuth1:
		return provider.OAuth1{
			ConsumerKey:    stringValue(reply, "ConsumerKey"),
			ConsumerSecret: stringValue(reply, "ConsumerSecret"),
			Token:          stringValue(reply, "Token"),
			TokenSecret:    stringValue(reply, "TokenSecret"),
		}, nil
	case AuthMethodOAuth2:
		return provider.OAuth2{
			AccessToken: stringValue(reply, "AccessToken"),
		}, nil
	case AuthMethodPassword:
		username := stringValue(reply, "Username")
		password := stringValue(reply, "Password")
		// Older services deliver password credentials under different
		// keys; fall back to them when the canonical ones are empty.
		if username == "" && password == "" {
			username = stringValue(reply, "UserName")
			password = stringValue(reply, "Secret")
		}
		return provider.Password{
			Username: username,
			Password: password,
			Host:     a.Setting("host"),
		}, nil
	default:
		return provider.NoCredentials{}, provider.NewError(provider.ErrorUnauthorized,
			"unhandled authentication method %s", a.authMethod)
	}
}

func stringValue(reply map[string]dbus.Variant, key string) string {
	if v, ok := reply[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

// authError maps accounts-service failures onto the storage error taxonomy.
func authError(err error) error {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		switch dbusErr.Name {
		case errUserCanceled:
			return provider.NewError(provider.ErrorCancelled, "authentication cancelled by user")
		case errPermissionDenied:
			return provider.NewError(provider.ErrorPermissionDenied, "authentication denied")
		case errInteractionRequired:
			return provider.NewError(provider.ErrorUnauthorized, "interaction required")
		case errNoAccount:
			return provider.NewError(provider.ErrorNotExists, "no such account")
		}
	}
	return provider.NewError(provider.ErrorRemoteComms, "Authenticate: %v", err)
}
