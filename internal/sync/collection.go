// Package sync orchestrates a full account sync run: discovery, per
// collection delta detection against internal/carddav, reconciliation
// against internal/store, and upsync of pending local changes.
package sync

import (
	"context"

	"github.com/sonroyaalmerol/carddav-sync/internal/model"
	"github.com/sonroyaalmerol/carddav-sync/internal/store"
)

// ReconcileRemote turns one collection's classified deltas plus the
// contacts FetchContacts fetched into the upsert/delete batch LocalStore
// expects, resolving each Removed reference's URI to the GUID the local
// store knows it by.
func ReconcileRemote(ctx context.Context, localStore store.LocalStore, accountID, addressbookURL string, state *model.CollectionState, fetched map[string]model.Contact) ([]model.Contact, []string, error) {
	existing, err := localStore.ListContacts(ctx, accountID, addressbookURL)
	if err != nil {
		return nil, nil, err
	}
	uriToGUID := make(map[string]string, len(existing))
	for guid, c := range existing {
		if c.SyncURI != "" {
			uriToGUID[c.SyncURI] = guid
		}
	}

	upserts := make([]model.Contact, 0, len(state.RemoteAdded)+len(state.RemoteModified))
	for uri := range state.RemoteAdded {
		if c, ok := fetched[uri]; ok {
			upserts = append(upserts, c)
		}
	}
	for uri := range state.RemoteModified {
		if c, ok := fetched[uri]; ok {
			upserts = append(upserts, c)
		}
	}

	removedGUIDs := make([]string, 0, len(state.RemoteRemoved))
	for uri := range state.RemoteRemoved {
		if guid, ok := uriToGUID[uri]; ok {
			removedGUIDs = append(removedGUIDs, guid)
		}
	}

	return upserts, removedGUIDs, nil
}

// NextURIToETag folds a collection's post-delta, post-upsync state into
// the uri->etag map the next run's manual diff and checkpoint need.
func NextURIToETag(state *model.CollectionState) map[string]string {
	out := make(map[string]string, len(state.LocalURIToETag))
	for uri, etag := range state.LocalURIToETag {
		out[uri] = etag
	}
	for uri, ref := range state.RemoteAdded {
		out[uri] = ref.ETag
	}
	for uri, ref := range state.RemoteModified {
		out[uri] = ref.ETag
	}
	for uri := range state.RemoteRemoved {
		delete(out, uri)
	}
	for _, c := range state.UpsyncEcho {
		out[c.SyncURI] = c.ETag
	}
	return out
}
