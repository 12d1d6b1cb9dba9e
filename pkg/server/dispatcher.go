package server

import (
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/cirrusfs/cirrus/internal/logger"
	"github.com/cirrusfs/cirrus/pkg/metrics"
	"github.com/cirrusfs/cirrus/pkg/provider"
	"github.com/cirrusfs/cirrus/pkg/wire"
)

// errorNamePrefix is prepended to the error kind to form the bus error
// name, e.g. io.cirrusfs.StorageError.NotExists.
const errorNamePrefix = "io.cirrusfs.StorageError."

// ProviderInterface is the bus object registered per account. Each exported
// method resolves the calling peer, accounts for activity against the
// inactivity timer, ensures credentials, invokes the backend, and maps the
// outcome onto the wire.
//
// godbus injects the message sender as the first argument; the runtime
// never trusts client-supplied identity.
type ProviderInterface struct {
	ctx     context.Context
	account *AccountData
	metrics *metrics.RPCMetrics
}

// NewProviderInterface builds the dispatcher for one account. ctx bounds
// all backend work started on behalf of this object.
func NewProviderInterface(ctx context.Context, account *AccountData, m *metrics.RPCMetrics) *ProviderInterface {
	return &ProviderInterface{ctx: ctx, account: account, metrics: m}
}

// Account returns the account container this dispatcher serves.
func (p *ProviderInterface) Account() *AccountData {
	return p.account
}

// begin performs the common RPC prelude: peer resolution, authorization,
// and activity accounting. The returned func completes the RPC.
func (p *ProviderInterface) begin(method string, sender dbus.Sender) (provider.Context, func(err error) *dbus.Error, *dbus.Error) {
	observe := p.metrics.RequestStarted(method)

	peer, err := p.account.Peers().Get(p.ctx, string(sender))
	if err == nil {
		err = p.account.Authorize(peer)
	}
	if err != nil {
		observe(provider.KindOf(err).String())
		return provider.Context{}, nil, toDBusError(err)
	}

	p.account.Timer().JobStarted()
	end := func(err error) *dbus.Error {
		p.account.Timer().JobEnded()
		if err != nil {
			logger.Debug("%s failed for peer %s: %v", method, sender, err)
			observe(provider.KindOf(err).String())
			return toDBusError(err)
		}
		observe("ok")
		return nil
	}
	return peer, end, nil
}

// callWithAuth runs a backend call, intercepting ErrorUnauthorized once per
// RPC: credentials are refreshed (interactively, invalidating any cached
// token) and the call retried.
func (p *ProviderInterface) callWithAuth(call func() error) error {
	if err := p.account.EnsureCredentials(p.ctx); err != nil {
		return authFailure(err)
	}
	err := call()
	if !provider.IsKind(err, provider.ErrorUnauthorized) {
		return err
	}
	if aerr := p.account.Authenticate(p.ctx, true, true); aerr != nil {
		return authFailure(aerr)
	}
	return call()
}

// authFailure maps a failed credential acquisition onto the taxonomy:
// cancellations pass through, everything else is a permission failure.
func authFailure(err error) error {
	if provider.IsKind(err, provider.ErrorCancelled) {
		return err
	}
	return provider.NewError(provider.ErrorPermissionDenied, "authentication failed: %v", err)
}

// Roots handles the Roots RPC.
func (p *ProviderInterface) Roots(sender dbus.Sender) ([]wire.Item, *dbus.Error) {
	peer, end, derr := p.begin("Roots", sender)
	if derr != nil {
		return nil, derr
	}

	var items []provider.Item
	err := p.callWithAuth(func() error {
		var err error
		items, err = p.account.Provider().Roots(p.ctx, peer)
		return err
	})
	if err == nil {
		err = validateRoots(items)
	}
	if err != nil {
		return nil, end(err)
	}

	records, err := wire.EncodeItems(items)
	if err != nil {
		return nil, end(err)
	}
	return records, end(nil)
}

// List handles the List RPC.
func (p *ProviderInterface) List(sender dbus.Sender, itemID, pageToken string) ([]wire.Item, string, *dbus.Error) {
	peer, end, derr := p.begin("List", sender)
	if derr != nil {
		return nil, "", derr
	}

	var items []provider.Item
	var next string
	err := p.callWithAuth(func() error {
		var err error
		items, next, err = p.account.Provider().List(p.ctx, itemID, pageToken, peer)
		return err
	})
	if err == nil {
		err = validateChildren(itemID, items)
	}
	if err != nil {
		return nil, "", end(err)
	}

	records, err := wire.EncodeItems(items)
	if err != nil {
		return nil, "", end(err)
	}
	return records, next, end(nil)
}

// Lookup handles the Lookup RPC.
func (p *ProviderInterface) Lookup(sender dbus.Sender, parentID, name string) ([]wire.Item, *dbus.Error) {
	peer, end, derr := p.begin("Lookup", sender)
	if derr != nil {
		return nil, derr
	}

	var items []provider.Item
	err := p.callWithAuth(func() error {
		var err error
		items, err = p.account.Provider().Lookup(p.ctx, parentID, name, peer)
		return err
	})
	if err != nil {
		return nil, end(err)
	}

	records, err := wire.EncodeItems(items)
	if err != nil {
		return nil, end(err)
	}
	return records, end(nil)
}

// Metadata handles the Metadata RPC.
func (p *ProviderInterface) Metadata(sender dbus.Sender, itemID string) (wire.Item, *dbus.Error) {
	peer, end, derr := p.begin("Metadata", sender)
	if derr != nil {
		return wire.Item{}, derr
	}

	var item provider.Item
	err := p.callWithAuth(func() error {
		var err error
		item, err = p.account.Provider().Metadata(p.ctx, itemID, peer)
		return err
	})
	if err != nil {
		return wire.Item{}, end(err)
	}

	record, err := wire.EncodeItem(item)
	if err != nil {
		return wire.Item{}, end(err)
	}
	return record, end(nil)
}

// CreateFolder handles the CreateFolder RPC.
func (p *ProviderInterface) CreateFolder(sender dbus.Sender, parentID, name string) (wire.Item, *dbus.Error) {
	peer, end, derr := p.begin("CreateFolder", sender)
	if derr != nil {
		return wire.Item{}, derr
	}

	var item provider.Item
	err := p.callWithAuth(func() error {
		var err error
		item, err = p.account.Provider().CreateFolder(p.ctx, parentID, name, peer)
		return err
	})
	if err == nil && item.Type != provider.ItemTypeFolder {
		err = provider.NewError(provider.ErrorLocalComms,
			"backend returned %s item from CreateFolder", item.Type)
	}
	if err != nil {
		return wire.Item{}, end(err)
	}

	record, err := wire.EncodeItem(item)
	if err != nil {
		return wire.Item{}, end(err)
	}
	return record, end(nil)
}

// CreateFile handles the CreateFile RPC, registering the upload job and
// handing its socket back to the caller.
func (p *ProviderInterface) CreateFile(sender dbus.Sender, parentID, name string, size int64, contentType string, allowOverwrite bool) (string, dbus.UnixFD, *dbus.Error) {
	peer, end, derr := p.begin("CreateFile", sender)
	if derr != nil {
		return "", invalidFD, derr
	}

	var job provider.UploadJob
	err := p.callWithAuth(func() error {
		var err error
		job, err = p.account.Provider().CreateFile(p.ctx, parentID, name, size, contentType, allowOverwrite, peer)
		return err
	})
	return p.registerUpload(sender, job, err, end)
}

// Update handles the Update RPC.
func (p *ProviderInterface) Update(sender dbus.Sender, itemID string, size int64, oldETag string) (string, dbus.UnixFD, *dbus.Error) {
	peer, end, derr := p.begin("Update", sender)
	if derr != nil {
		return "", invalidFD, derr
	}

	var job provider.UploadJob
	err := p.callWithAuth(func() error {
		var err error
		job, err = p.account.Provider().Update(p.ctx, itemID, size, oldETag, peer)
		return err
	})
	return p.registerUpload(sender, job, err, end)
}

func (p *ProviderInterface) registerUpload(sender dbus.Sender, job provider.UploadJob, err error, end func(error) *dbus.Error) (string, dbus.UnixFD, *dbus.Error) {
	if err != nil {
		return "", invalidFD, end(err)
	}
	if job == nil {
		return "", invalidFD, end(provider.NewError(provider.ErrorLocalComms,
			"backend returned null upload job"))
	}
	if err := p.account.Jobs().AddUpload(string(sender), job); err != nil {
		job.Cancel(p.ctx)
		return "", invalidFD, end(err)
	}
	return job.ID(), dbus.UnixFD(job.ClientSocket().Fd()), end(nil)
}

// FinishUpload handles the FinishUpload RPC.
func (p *ProviderInterface) FinishUpload(sender dbus.Sender, uploadID string) (wire.Item, *dbus.Error) {
	_, end, derr := p.begin("FinishUpload", sender)
	if derr != nil {
		return wire.Item{}, derr
	}

	item, err := p.account.Jobs().FinishUpload(p.ctx, string(sender), uploadID)
	if err == nil && item.Type != provider.ItemTypeFile {
		err = provider.NewError(provider.ErrorLocalComms,
			"backend returned %s item from finished upload", item.Type)
	}
	if err != nil {
		return wire.Item{}, end(err)
	}

	record, err := wire.EncodeItem(item)
	if err != nil {
		return wire.Item{}, end(err)
	}
	return record, end(nil)
}

// CancelUpload handles the CancelUpload RPC.
func (p *ProviderInterface) CancelUpload(sender dbus.Sender, uploadID string) *dbus.Error {
	_, end, derr := p.begin("CancelUpload", sender)
	if derr != nil {
		return derr
	}
	return end(p.account.Jobs().CancelUpload(p.ctx, string(sender), uploadID))
}

// Download handles the Download RPC, registering the download job and
// handing its socket back to the caller.
func (p *ProviderInterface) Download(sender dbus.Sender, itemID string) (string, dbus.UnixFD, *dbus.Error) {
	peer, end, derr := p.begin("Download", sender)
	if derr != nil {
		return "", invalidFD, derr
	}

	var job provider.DownloadJob
	err := p.callWithAuth(func() error {
		var err error
		job, err = p.account.Provider().Download(p.ctx, itemID, peer)
		return err
	})
	if err != nil {
		return "", invalidFD, end(err)
	}
	if job == nil {
		return "", invalidFD, end(provider.NewError(provider.ErrorLocalComms,
			"backend returned null download job"))
	}
	if err := p.account.Jobs().AddDownload(string(sender), job); err != nil {
		job.Cancel(p.ctx)
		return "", invalidFD, end(err)
	}
	return job.ID(), dbus.UnixFD(job.ClientSocket().Fd()), end(nil)
}

// FinishDownload handles the FinishDownload RPC.
func (p *ProviderInterface) FinishDownload(sender dbus.Sender, downloadID string) *dbus.Error {
	_, end, derr := p.begin("FinishDownload", sender)
	if derr != nil {
		return derr
	}
	return end(p.account.Jobs().FinishDownload(p.ctx, string(sender), downloadID))
}

// CancelDownload handles the CancelDownload RPC.
func (p *ProviderInterface) CancelDownload(sender dbus.Sender, downloadID string) *dbus.Error {
	_, end, derr := p.begin("CancelDownload", sender)
	if derr != nil {
		return derr
	}
	return end(p.account.Jobs().CancelDownload(p.ctx, string(sender), downloadID))
}

// Delete handles the Delete RPC.
func (p *ProviderInterface) Delete(sender dbus.Sender, itemID string) *dbus.Error {
	peer, end, derr := p.begin("Delete", sender)
	if derr != nil {
		return derr
	}
	err := p.callWithAuth(func() error {
		return p.account.Provider().DeleteItem(p.ctx, itemID, peer)
	})
	return end(err)
}

// Move handles the Move RPC.
func (p *ProviderInterface) Move(sender dbus.Sender, itemID, newParentID, newName string) (wire.Item, *dbus.Error) {
	peer, end, derr := p.begin("Move", sender)
	if derr != nil {
		return wire.Item{}, derr
	}

	var item provider.Item
	err := p.callWithAuth(func() error {
		var err error
		item, err = p.account.Provider().Move(p.ctx, itemID, newParentID, newName, peer)
		return err
	})
	if err == nil && item.Type == provider.ItemTypeRoot {
		err = provider.NewError(provider.ErrorLocalComms, "backend returned root item from Move")
	}
	if err != nil {
		return wire.Item{}, end(err)
	}

	record, err := wire.EncodeItem(item)
	if err != nil {
		return wire.Item{}, end(err)
	}
	return record, end(nil)
}

// Copy handles the Copy RPC.
func (p *ProviderInterface) Copy(sender dbus.Sender, itemID, newParentID, newName string) (wire.Item, *dbus.Error) {
	peer, end, derr := p.begin("Copy", sender)
	if derr != nil {
		return wire.Item{}, derr
	}

	var item provider.Item
	err := p.callWithAuth(func() error {
		var err error
		item, err = p.account.Provider().Copy(p.ctx, itemID, newParentID, newName, peer)
		return err
	})
	if err == nil && item.Type == provider.ItemTypeRoot {
		err = provider.NewError(provider.ErrorLocalComms, "backend returned root item from Copy")
	}
	if err != nil {
		return wire.Item{}, end(err)
	}

	record, err := wire.EncodeItem(item)
	if err != nil {
		return wire.Item{}, end(err)
	}
	return record, end(nil)
}

// invalidFD is returned in the fd slot of failed streaming RPCs.
const invalidFD = dbus.UnixFD(-1)

// validateRoots enforces the root invariants on backend returns.
func validateRoots(items []provider.Item) error {
	for _, item := range items {
		if item.Type != provider.ItemTypeRoot {
			return provider.NewKeyError(provider.ErrorLocalComms, item.ID,
				"backend returned non-root item from Roots")
		}
		if item.ParentID != "" {
			return provider.NewKeyError(provider.ErrorLocalComms, item.ID,
				"backend returned root with non-empty parent")
		}
	}
	return nil
}

// validateChildren checks that listed items belong to the listed folder.
func validateChildren(parentID string, items []provider.Item) error {
	for _, item := range items {
		if item.ParentID != parentID {
			return provider.NewKeyError(provider.ErrorLocalComms, item.ID,
				"backend returned child of %s from List(%s)", item.ParentID, parentID)
		}
	}
	return nil
}

// toDBusError maps a storage error onto its bus representation.
func toDBusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	kind := provider.KindOf(err)
	return dbus.NewError(errorNamePrefix+kind.String(), []any{err.Error()})
}
