package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/carddav-sync/internal/model"
	"github.com/sonroyaalmerol/carddav-sync/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	s, err := New(dsn, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSqliteUpsertLocalAndListContacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertLocal(ctx, "acct1", "/ab/", model.Contact{UID: "u1", Name: model.StructuredName{Given: "Ada"}}, time.Unix(1, 0)); err != nil {
		t.Fatalf("UpsertLocal: %v", err)
	}

	contacts, err := s.ListContacts(ctx, "acct1", "/ab/")
	if err != nil {
		t.Fatalf("ListContacts: %v", err)
	}
	if len(contacts) != 1 {
		t.Fatalf("contacts = %+v", contacts)
	}
	guid := model.CompoundGUID("acct1", "/ab/", "u1")
	c, ok := contacts[guid]
	if !ok || c.Name.Given != "Ada" {
		t.Errorf("contacts[%q] = %+v", guid, c)
	}
}

func TestSqliteApplyRemoteChangesUpsertsAndDeletes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	guid := model.CompoundGUID("acct1", "/ab/", "u1")
	err := s.ApplyRemoteChanges(ctx, "acct1", "/ab/",
		[]model.Contact{{GUID: guid, UID: "u1", SyncURI: "/ab/u1.vcf", ETag: `"e1"`}}, nil)
	if err != nil {
		t.Fatalf("ApplyRemoteChanges: %v", err)
	}
	contacts, err := s.ListContacts(ctx, "acct1", "/ab/")
	if err != nil {
		t.Fatalf("ListContacts: %v", err)
	}
	if _, ok := contacts[guid]; !ok {
		t.Fatalf("contacts = %+v, missing %q", contacts, guid)
	}

	if err := s.ApplyRemoteChanges(ctx, "acct1", "/ab/", nil, []string{guid}); err != nil {
		t.Fatalf("ApplyRemoteChanges delete: %v", err)
	}
	contacts, _ = s.ListContacts(ctx, "acct1", "/ab/")
	if _, ok := contacts[guid]; ok {
		t.Errorf("contact %q should have been deleted", guid)
	}
}

func TestSqlitePendingLocalChangesAndUpsyncEcho(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertLocal(ctx, "acct1", "/ab/", model.Contact{UID: "u1"}, time.Unix(1, 0)); err != nil {
		t.Fatalf("UpsertLocal: %v", err)
	}
	guid := model.CompoundGUID("acct1", "/ab/", "u1")

	changes, err := s.PendingLocalChanges(ctx, "acct1", "/ab/")
	if err != nil {
		t.Fatalf("PendingLocalChanges: %v", err)
	}
	if len(changes) != 1 || changes[0].ModType != model.Added {
		t.Fatalf("changes = %+v, want a single Added change", changes)
	}

	echoed := changes[0].Contact
	echoed.SyncURI = "/ab/u1.vcf"
	echoed.ETag = `"e1"`
	if err := s.ApplyUpsyncEcho(ctx, "acct1", "/ab/", []model.Contact{echoed}, nil); err != nil {
		t.Fatalf("ApplyUpsyncEcho: %v", err)
	}

	changes, err = s.PendingLocalChanges(ctx, "acct1", "/ab/")
	if err != nil {
		t.Fatalf("PendingLocalChanges: %v", err)
	}
	if len(changes) != 0 {
		t.Errorf("changes = %+v, want none after echo", changes)
	}

	if err := s.MarkLocalDeleted(ctx, guid); err != nil {
		t.Fatalf("MarkLocalDeleted: %v", err)
	}
	changes, err = s.PendingLocalChanges(ctx, "acct1", "/ab/")
	if err != nil {
		t.Fatalf("PendingLocalChanges: %v", err)
	}
	if len(changes) != 1 || changes[0].ModType != model.Removed {
		t.Fatalf("changes = %+v, want a single Removed change", changes)
	}
}

func TestSqliteCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	empty, err := s.LoadCheckpoint(ctx, "acct1", "/ab/")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if empty.CTag != "" || len(empty.URIToETag) != 0 {
		t.Errorf("empty checkpoint = %+v", empty)
	}

	cp := &store.CollectionCheckpoint{
		AccountID:      "acct1",
		AddressbookURL: "/ab/",
		CTag:           "ctag-1",
		SyncToken:      "token-1",
		URIToETag:      map[string]string{"/ab/a.vcf": `"e1"`, "/ab/b.vcf": `"e2"`},
	}
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	loaded, err := s.LoadCheckpoint(ctx, "acct1", "/ab/")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if loaded.CTag != "ctag-1" || loaded.SyncToken != "token-1" || len(loaded.URIToETag) != 2 {
		t.Errorf("loaded = %+v", loaded)
	}

	cp.URIToETag = map[string]string{"/ab/a.vcf": `"e3"`}
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint overwrite: %v", err)
	}
	loaded, err = s.LoadCheckpoint(ctx, "acct1", "/ab/")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if len(loaded.URIToETag) != 1 || loaded.URIToETag["/ab/a.vcf"] != `"e3"` {
		t.Errorf("loaded after overwrite = %+v, want stale uris pruned", loaded)
	}
}

func TestSqliteListAndDeleteCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveCheckpoint(ctx, &store.CollectionCheckpoint{AccountID: "acct1", AddressbookURL: "/ab1/", CTag: "c1"}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := s.SaveCheckpoint(ctx, &store.CollectionCheckpoint{AccountID: "acct1", AddressbookURL: "/ab2/", CTag: "c2"}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if err := s.UpsertLocal(ctx, "acct1", "/ab1/", model.Contact{UID: "u1"}, time.Unix(1, 0)); err != nil {
		t.Fatalf("UpsertLocal: %v", err)
	}

	known, err := s.ListCollections(ctx, "acct1")
	if err != nil {
		t.Fatalf("ListCollections: %v", err)
	}
	if len(known) != 2 {
		t.Fatalf("ListCollections = %v, want 2", known)
	}

	if err := s.DeleteCollection(ctx, "acct1", "/ab1/"); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}

	known, err = s.ListCollections(ctx, "acct1")
	if err != nil {
		t.Fatalf("ListCollections: %v", err)
	}
	if len(known) != 1 || known[0] != "/ab2/" {
		t.Errorf("ListCollections = %v, want only /ab2/", known)
	}
	contacts, err := s.ListContacts(ctx, "acct1", "/ab1/")
	if err != nil {
		t.Fatalf("ListContacts: %v", err)
	}
	if len(contacts) != 0 {
		t.Errorf("contacts = %+v, want none after DeleteCollection", contacts)
	}
}
