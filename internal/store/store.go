// Package store defines the persistence boundary the sync orchestrator
// reconciles against: durable per-collection checkpoints, and the local
// contact database itself. internal/store/memory, /sqlite and /postgres
// provide reference implementations.
package store

import (
	"context"

	"github.com/sonroyaalmerol/carddav-sync/internal/carddav"
	"github.com/sonroyaalmerol/carddav-sync/internal/model"
)

// CollectionCheckpoint is the durable state carried between sync runs for
// one address book: the last observed ctag/sync-token, and every contact's
// current uri/etag pairing, which is what delta detection diffs against
// when the server offers no incremental primitive.
type CollectionCheckpoint struct {
	AccountID      string
	AddressbookURL string
	CTag           string
	SyncToken      string
	URIToETag      map[string]string
}

// CheckpointStore persists per-collection sync state across runs.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, accountID, addressbookURL string) (*CollectionCheckpoint, error)
	SaveCheckpoint(ctx context.Context, cp *CollectionCheckpoint) error

	// ListCollections returns every address book URL this account has a
	// saved checkpoint for, regardless of whether the server still
	// advertises it. The syncer diffs this against the freshly discovered
	// set to detect a collection removed server-side (§4.1 collections
	// reconciliation).
	ListCollections(ctx context.Context, accountID string) ([]string, error)

	// DeleteCollection discards the checkpoint and every locally stored
	// contact for one address book, once the syncer has established the
	// server no longer has it.
	DeleteCollection(ctx context.Context, accountID, addressbookURL string) error
}

// LocalStore is the contact database the sync engine reconciles against.
type LocalStore interface {
	// ListContacts returns every contact currently stored for one address
	// book, keyed by GUID.
	ListContacts(ctx context.Context, accountID, addressbookURL string) (map[string]model.Contact, error)

	// ApplyRemoteChanges writes the remote side's added/modified contacts
	// and deletes removedGUIDs.
	ApplyRemoteChanges(ctx context.Context, accountID, addressbookURL string, upserts []model.Contact, removedGUIDs []string) error

	// PendingLocalChanges returns local mutations not yet echoed back from
	// a successful upsync: new contacts with no SyncURI, edited ones whose
	// revision moved since the last echo, and tombstones for deletions.
	PendingLocalChanges(ctx context.Context, accountID, addressbookURL string) ([]carddav.LocalChange, error)

	// ApplyUpsyncEcho records the SyncURI/ETag/GUID a successful upsync
	// assigned to each pushed contact, and clears any tombstone whose
	// deletion was confirmed.
	ApplyUpsyncEcho(ctx context.Context, accountID, addressbookURL string, echoed []model.Contact, confirmedDeletes []string) error
}
