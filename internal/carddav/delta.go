package carddav

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sonroyaalmerol/carddav-sync/internal/model"
)

// DetectDelta implements the per-collection decision tree of §4.2.1: prefer
// a sync-collection REPORT when both sides support it, fall back to a full
// manual etag diff when the server rejects a stale sync-token, and skip both
// round trips entirely when the ctag hasn't moved since the last run.
func (e *CardDavEngine) DetectDelta(ctx context.Context, state *model.CollectionState) error {
	state.NewCTag = state.Addressbook.CTag
	state.NewSyncToken = state.Addressbook.SyncToken

	if state.PrevSyncToken != "" && state.PrevSyncToken == state.NewSyncToken {
		for uri, etag := range state.LocalURIToETag {
			state.RemoteUnmodified[uri] = model.ContactRef{URI: uri, ETag: etag, ModType: model.Unmodified}
		}
		return nil
	}

	if state.PrevSyncToken != "" && state.Addressbook.SupportsSyncToken() {
		ok, err := e.detectViaSyncToken(ctx, state)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// server invalidated the token (or answered with something we
		// can't parse): do a full manual diff.
		return e.detectViaManualDiff(ctx, state)
	}

	if state.PrevCTag != "" && state.PrevCTag == state.NewCTag {
		for uri, etag := range state.LocalURIToETag {
			state.RemoteUnmodified[uri] = model.ContactRef{URI: uri, ETag: etag, ModType: model.Unmodified}
		}
		return nil
	}

	return e.detectViaManualDiff(ctx, state)
}

// detectViaSyncToken issues the webdav-sync REPORT. It reports ok=false
// (never an error) when the server signals an invalidated token via 403,
// 409 or 410 — the DAV:valid-sync-token precondition failure servers use —
// so the caller retries with a full manual diff instead of failing the run.
func (e *CardDavEngine) detectViaSyncToken(ctx context.Context, state *model.CollectionState) (bool, error) {
	req, err := e.Requests.SyncTokenDelta(e.Base, state.Addressbook.URL, state.PrevSyncToken)
	if err != nil {
		return false, err
	}
	resp, err := e.do(ctx, req)
	if err != nil {
		return false, err
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		resp.Body.Close()
		return false, NewSyncError(KindAuthRequired, "sync-collection", nil)
	case http.StatusForbidden, http.StatusConflict, http.StatusGone:
		resp.Body.Close()
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return false, nil
	}

	body, err := readAndClose(resp)
	if err != nil {
		return false, err
	}
	refs, syncToken, perr := e.Replies.ParseSyncTokenDelta(body, state.LocalURIToETag)
	if perr != nil {
		return false, nil
	}
	classify(state, refs)
	if syncToken != "" {
		state.NewSyncToken = syncToken
	}
	return true, nil
}

// detectViaManualDiff is the ctag-changed (or first-ever-sync) branch: fetch
// every contact's etag and diff it against LocalURIToETag ourselves, since
// the server offers no incremental primitive we can trust.
func (e *CardDavEngine) detectViaManualDiff(ctx context.Context, state *model.CollectionState) error {
	req, err := e.Requests.ContactEtags(e.Base, state.Addressbook.URL)
	if err != nil {
		return err
	}
	resp, err := e.do(ctx, req)
	if err != nil {
		return err
	}
	if aerr := requireAuthorized(resp, "contact etags"); aerr != nil {
		return aerr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return NewSyncError(KindTransportError, fmt.Sprintf("contact etags: %s", resp.Status), nil)
	}
	body, err := readAndClose(resp)
	if err != nil {
		return err
	}
	refs, perr := e.Replies.ParseContactMetadata(body, state.LocalURIToETag)
	if perr != nil {
		return perr
	}
	classify(state, refs)
	return nil
}

func classify(state *model.CollectionState, refs []model.ContactRef) {
	for _, ref := range refs {
		switch ref.ModType {
		case model.Added:
			state.RemoteAdded[ref.URI] = ref
		case model.Modified:
			state.RemoteModified[ref.URI] = ref
		case model.Removed:
			state.RemoteRemoved[ref.URI] = ref
		default:
			state.RemoteUnmodified[ref.URI] = ref
		}
	}
}

// FetchContacts multigets the union of Added and Modified references,
// converts each into a Contact and rewrites its GUID for this account and
// address book.
func (e *CardDavEngine) FetchContacts(ctx context.Context, state *model.CollectionState) (map[string]model.Contact, error) {
	uris := make([]string, 0, len(state.RemoteAdded)+len(state.RemoteModified))
	for uri := range state.RemoteAdded {
		uris = append(uris, uri)
	}
	for uri := range state.RemoteModified {
		uris = append(uris, uri)
	}
	if len(uris) == 0 {
		return map[string]model.Contact{}, nil
	}

	req, err := e.Requests.ContactMultiget(e.Base, state.Addressbook.URL, uris)
	if err != nil {
		return nil, err
	}
	resp, err := e.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if aerr := requireAuthorized(resp, "addressbook-multiget"); aerr != nil {
		return nil, aerr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, NewSyncError(KindTransportError, fmt.Sprintf("addressbook-multiget: %s", resp.Status), nil)
	}
	body, err := readAndClose(resp)
	if err != nil {
		return nil, err
	}
	contacts, importErrs, err := e.Replies.ParseContactData(body, e.Account, state.Addressbook.URL)
	if err != nil {
		return nil, err
	}
	for _, ce := range importErrs {
		state.ContactErrors = append(state.ContactErrors, ce)
		e.Log.Warn().Str("uri", ce.URI).Str("addressbook", state.Addressbook.URL).Msg(ce.Message)
	}
	return contacts, nil
}
