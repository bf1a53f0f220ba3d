// Package memory is an in-process reference LocalStore/CheckpointStore: no
// durability, useful for tests and for a single-process deployment that
// doesn't need state to survive a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sonroyaalmerol/carddav-sync/internal/carddav"
	"github.com/sonroyaalmerol/carddav-sync/internal/model"
	"github.com/sonroyaalmerol/carddav-sync/internal/store"
)

type collectionKey struct {
	accountID      string
	addressbookURL string
}

type bookState struct {
	contacts       map[string]model.Contact // GUID -> contact
	echoedRevision map[string]time.Time     // GUID -> revision as of last upsync echo
	tombstones     map[string]bool          // GUID -> pending local delete
	checkpoint     *store.CollectionCheckpoint
}

// Store is an in-memory LocalStore and CheckpointStore.
type Store struct {
	mu    sync.Mutex
	books map[collectionKey]*bookState
}

func New() *Store {
	return &Store{books: map[collectionKey]*bookState{}}
}

func (s *Store) book(accountID, addressbookURL string) *bookState {
	key := collectionKey{accountID, addressbookURL}
	b, ok := s.books[key]
	if !ok {
		b = &bookState{
			contacts:       map[string]model.Contact{},
			echoedRevision: map[string]time.Time{},
			tombstones:     map[string]bool{},
		}
		s.books[key] = b
	}
	return b
}

func (s *Store) ListContacts(ctx context.Context, accountID, addressbookURL string) (map[string]model.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.book(accountID, addressbookURL)
	out := make(map[string]model.Contact, len(b.contacts))
	for guid, c := range b.contacts {
		out[guid] = c
	}
	return out, nil
}

func (s *Store) ApplyRemoteChanges(ctx context.Context, accountID, addressbookURL string, upserts []model.Contact, removedGUIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.book(accountID, addressbookURL)
	for _, c := range upserts {
		b.contacts[c.GUID] = c
		b.echoedRevision[c.GUID] = c.Revision
		delete(b.tombstones, c.GUID)
	}
	for _, guid := range removedGUIDs {
		delete(b.contacts, guid)
		delete(b.echoedRevision, guid)
		delete(b.tombstones, guid)
	}
	return nil
}

func (s *Store) PendingLocalChanges(ctx context.Context, accountID, addressbookURL string) ([]carddav.LocalChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.book(accountID, addressbookURL)

	var changes []carddav.LocalChange
	for guid, c := range b.contacts {
		if b.tombstones[guid] {
			continue // deletion takes priority over any pending edit
		}
		switch {
		case c.SyncURI == "":
			changes = append(changes, carddav.LocalChange{Contact: c, ModType: model.Added})
		case c.Revision.After(b.echoedRevision[guid]):
			changes = append(changes, carddav.LocalChange{Contact: c, ModType: model.Modified})
		}
	}
	for guid := range b.tombstones {
		if c, ok := b.contacts[guid]; ok {
			changes = append(changes, carddav.LocalChange{Contact: c, ModType: model.Removed})
		}
	}
	return changes, nil
}

func (s *Store) ApplyUpsyncEcho(ctx context.Context, accountID, addressbookURL string, echoed []model.Contact, confirmedDeletes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.book(accountID, addressbookURL)
	for _, c := range echoed {
		b.contacts[c.GUID] = c
		b.echoedRevision[c.GUID] = c.Revision
	}
	for _, guid := range confirmedDeletes {
		delete(b.contacts, guid)
		delete(b.echoedRevision, guid)
		delete(b.tombstones, guid)
	}
	return nil
}

func (s *Store) LoadCheckpoint(ctx context.Context, accountID, addressbookURL string) (*store.CollectionCheckpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.book(accountID, addressbookURL)
	if b.checkpoint == nil {
		return &store.CollectionCheckpoint{AccountID: accountID, AddressbookURL: addressbookURL, URIToETag: map[string]string{}}, nil
	}
	cp := *b.checkpoint
	cp.URIToETag = cloneMap(b.checkpoint.URIToETag)
	return &cp, nil
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp *store.CollectionCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.book(cp.AccountID, cp.AddressbookURL)
	saved := *cp
	saved.URIToETag = cloneMap(cp.URIToETag)
	b.checkpoint = &saved
	return nil
}

func (s *Store) ListCollections(ctx context.Context, accountID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for key, b := range s.books {
		if key.accountID == accountID && b.checkpoint != nil {
			out = append(out, key.addressbookURL)
		}
	}
	return out, nil
}

func (s *Store) DeleteCollection(ctx context.Context, accountID, addressbookURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.books, collectionKey{accountID, addressbookURL})
	return nil
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MarkLocalDeleted tombstones a contact so the next sync's
// PendingLocalChanges upsyncs a DELETE for it.
func (s *Store) MarkLocalDeleted(accountID, addressbookURL, guid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.book(accountID, addressbookURL)
	b.tombstones[guid] = true
}

// UpsertLocal writes or edits a contact directly on the local side,
// stamping Revision so PendingLocalChanges can detect the edit.
func (s *Store) UpsertLocal(accountID, addressbookURL string, c model.Contact, revision time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.book(accountID, addressbookURL)
	c.Revision = revision
	if c.GUID == "" {
		c.GUID = model.CompoundGUID(accountID, addressbookURL, c.UID)
	}
	b.contacts[c.GUID] = c
}
