package carddav

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sonroyaalmerol/carddav-sync/internal/model"
	"github.com/sonroyaalmerol/carddav-sync/pkg/vcard"
)

// LocalChange is one local-side mutation the upsync stage pushes to the
// server: a new contact with no SyncURI yet, an edit to an existing one
// identified by its compound GUID, or a deletion.
type LocalChange struct {
	Contact model.Contact
	ModType model.ModType
}

// Upsync pushes every LocalChange for one address book to the server,
// updating each contact's SyncURI/ETag/GUID in place on success and
// appending it to state.UpsyncEcho for the caller to persist.
// OutstandingUpsync is seeded to len(changes) (or driven straight to zero
// when there's nothing to push) and decremented as each change resolves,
// whether it succeeded or failed non-fatally; the caller treats it reaching
// zero as this collection's upsync stage quiescing.
func (e *CardDavEngine) Upsync(ctx context.Context, state *model.CollectionState, changes []LocalChange) error {
	if len(changes) == 0 {
		state.OutstandingUpsync = 0
		return nil
	}
	state.OutstandingUpsync = len(changes)

	for i := range changes {
		err := e.upsyncOne(ctx, state, &changes[i])
		state.OutstandingUpsync--
		if err == nil {
			continue
		}
		se, ok := err.(*SyncError)
		if ok && !se.Kind.Fatal() {
			e.Log.Warn().Err(err).Str("addressbook", state.Addressbook.URL).Msg("upsync of one contact failed, continuing")
			continue
		}
		return err
	}
	return nil
}

func (e *CardDavEngine) upsyncOne(ctx context.Context, state *model.CollectionState, change *LocalChange) error {
	switch change.ModType {
	case model.Added:
		return e.upsyncAdd(ctx, state, change)
	case model.Modified:
		return e.upsyncModify(ctx, state, change)
	case model.Removed:
		return e.upsyncRemove(ctx, state, change)
	default:
		return nil
	}
}

// remoteRef looks up uri across this run's freshly classified AMRU sets.
// A hit means the server already has this URI as of the delta stage just
// run, as opposed to LocalURIToETag, which only reflects the last
// checkpoint and can't tell a crashed-and-retried upsync from a real
// collision.
func remoteRef(state *model.CollectionState, uri string) (model.ContactRef, bool) {
	if ref, ok := state.RemoteAdded[uri]; ok {
		return ref, true
	}
	if ref, ok := state.RemoteModified[uri]; ok {
		return ref, true
	}
	if ref, ok := state.RemoteRemoved[uri]; ok {
		return ref, true
	}
	if ref, ok := state.RemoteUnmodified[uri]; ok {
		return ref, true
	}
	return model.ContactRef{}, false
}

// upsyncAdd mints a fresh hyphen-stripped UUID for contacts the local side
// created (§4.2.2). If the generated URI already appears in this run's
// freshly computed remote AMRU sets, a prior run already PUT it to the
// server before crashing and this call is that same local ADD replayed:
// the push is suppressed and the existing remote copy adopted instead of
// pushed again.
func (e *CardDavEngine) upsyncAdd(ctx context.Context, state *model.CollectionState, change *LocalChange) error {
	c := &change.Contact
	if c.UID == "" {
		c.UID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	uri := strings.TrimSuffix(state.Addressbook.URL, "/") + "/" + c.UID + ".vcf"
	if ref, exists := remoteRef(state, uri); exists {
		e.Log.Info().Str("uri", uri).Msg("upsync add suppressed: server already has this uri from a prior run")
		c.SyncURI = uri
		c.GUID = model.CompoundGUID(e.Account, state.Addressbook.URL, c.UID)
		c.ETag = ref.ETag
		state.UpsyncEcho = append(state.UpsyncEcho, *c)
		return nil
	}

	body, err := vcard.Export(*c)
	if err != nil {
		return NewSyncError(KindContactParseError, "exporting new contact", err)
	}
	req, err := e.Requests.UpsyncAddMod(e.Base, uri, "", body)
	if err != nil {
		return err
	}
	resp, err := e.do(ctx, req)
	if err != nil {
		return err
	}
	return e.finishWrite(resp, state, c, uri)
}

// upsyncModify strips the compound-GUID prefix back down to the wire UID.
// An absent prefix means this contact's GUID was never ours to begin with —
// a state invariant violation, not a retryable condition.
func (e *CardDavEngine) upsyncModify(ctx context.Context, state *model.CollectionState, change *LocalChange) error {
	c := &change.Contact
	uid, ok := model.SplitCompoundGUID(e.Account, state.Addressbook.URL, c.GUID)
	if !ok {
		return NewSyncError(KindStateInvariantViolation, fmt.Sprintf("contact %q GUID does not carry expected account/addressbook prefix", c.GUID), nil)
	}
	c.UID = uid
	if c.SyncURI == "" {
		return NewSyncError(KindStateInvariantViolation, fmt.Sprintf("contact %q has no sync uri to modify", c.GUID), nil)
	}

	body, err := vcard.Export(*c)
	if err != nil {
		return NewSyncError(KindContactParseError, "exporting modified contact", err)
	}
	req, err := e.Requests.UpsyncAddMod(e.Base, c.SyncURI, c.ETag, body)
	if err != nil {
		return err
	}
	resp, err := e.do(ctx, req)
	if err != nil {
		return err
	}
	return e.finishWrite(resp, state, c, c.SyncURI)
}

func (e *CardDavEngine) upsyncRemove(ctx context.Context, state *model.CollectionState, change *LocalChange) error {
	c := &change.Contact
	if c.SyncURI == "" {
		return NewSyncError(KindStateInvariantViolation, fmt.Sprintf("contact %q has no sync uri to delete", c.GUID), nil)
	}
	req, err := e.Requests.UpsyncDelete(e.Base, c.SyncURI, c.ETag)
	if err != nil {
		return err
	}
	resp, err := e.do(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if aerr := requireAuthorized(resp, "upsync delete"); aerr != nil {
		return aerr
	}
	if resp.StatusCode == http.StatusMethodNotAllowed {
		return NewSyncError(KindCollectionWriteRestricted, fmt.Sprintf("delete refused for %s", c.SyncURI), nil)
	}
	if resp.StatusCode < 200 || (resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound) {
		return NewSyncError(KindTransportError, fmt.Sprintf("delete %s: %s", c.SyncURI, resp.Status), nil)
	}
	state.ConfirmedDeletes = append(state.ConfirmedDeletes, c.GUID)
	return nil
}

// finishWrite interprets a PUT response: 405 fails this one write with a
// non-fatal CollectionWriteRestricted error (later writes to the collection
// are still attempted), 401/403 and any other non-2xx are fatal, and a
// successful write updates the contact's SyncURI/ETag/GUID and echoes it
// onto CollectionState.UpsyncEcho for the caller to persist.
func (e *CardDavEngine) finishWrite(resp *http.Response, state *model.CollectionState, c *model.Contact, uri string) error {
	defer resp.Body.Close()
	if aerr := requireAuthorized(resp, "upsync write"); aerr != nil {
		return aerr
	}
	if resp.StatusCode == http.StatusMethodNotAllowed {
		return NewSyncError(KindCollectionWriteRestricted, fmt.Sprintf("write refused for %s", uri), nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewSyncError(KindTransportError, fmt.Sprintf("write %s: %s", uri, resp.Status), nil)
	}

	c.SyncURI = uri
	c.GUID = model.CompoundGUID(e.Account, state.Addressbook.URL, c.UID)
	if etag := resp.Header.Get("ETag"); etag != "" {
		c.ETag = etag
	}
	state.UpsyncEcho = append(state.UpsyncEcho, *c)
	return nil
}
