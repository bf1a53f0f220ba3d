package memory

import (
	"context"
	"testing"
	"time"

	"github.com/sonroyaalmerol/carddav-sync/internal/carddav"
	"github.com/sonroyaalmerol/carddav-sync/internal/model"
	"github.com/sonroyaalmerol/carddav-sync/internal/store"
)

func TestListContactsIsolatedPerCollection(t *testing.T) {
	s := New()
	s.UpsertLocal("acct1", "/ab1/", model.Contact{UID: "u1"}, time.Unix(1, 0))
	s.UpsertLocal("acct1", "/ab2/", model.Contact{UID: "u2"}, time.Unix(1, 0))

	c1, err := s.ListContacts(context.Background(), "acct1", "/ab1/")
	if err != nil {
		t.Fatalf("ListContacts: %v", err)
	}
	if len(c1) != 1 {
		t.Errorf("c1 = %+v, want 1 contact", c1)
	}
}

func TestApplyRemoteChangesUpsertsAndDeletes(t *testing.T) {
	s := New()
	guid := model.CompoundGUID("acct1", "/ab/", "u1")
	err := s.ApplyRemoteChanges(context.Background(), "acct1", "/ab/",
		[]model.Contact{{GUID: guid, UID: "u1", SyncURI: "/ab/u1.vcf"}}, nil)
	if err != nil {
		t.Fatalf("ApplyRemoteChanges: %v", err)
	}
	contacts, _ := s.ListContacts(context.Background(), "acct1", "/ab/")
	if _, ok := contacts[guid]; !ok {
		t.Fatalf("contacts = %+v, missing upserted contact", contacts)
	}

	if err := s.ApplyRemoteChanges(context.Background(), "acct1", "/ab/", nil, []string{guid}); err != nil {
		t.Fatalf("ApplyRemoteChanges delete: %v", err)
	}
	contacts, _ = s.ListContacts(context.Background(), "acct1", "/ab/")
	if _, ok := contacts[guid]; ok {
		t.Errorf("contact %q should have been removed", guid)
	}
}

func TestPendingLocalChangesClassifiesAddedModifiedRemoved(t *testing.T) {
	s := New()
	s.UpsertLocal("acct1", "/ab/", model.Contact{UID: "new"}, time.Unix(1, 0))

	guid2 := model.CompoundGUID("acct1", "/ab/", "existing")
	_ = s.ApplyRemoteChanges(context.Background(), "acct1", "/ab/",
		[]model.Contact{{GUID: guid2, UID: "existing", SyncURI: "/ab/existing.vcf", Revision: time.Unix(1, 0)}}, nil)
	s.UpsertLocal("acct1", "/ab/", model.Contact{GUID: guid2, UID: "existing", SyncURI: "/ab/existing.vcf"}, time.Unix(2, 0))

	guid3 := model.CompoundGUID("acct1", "/ab/", "gone")
	_ = s.ApplyRemoteChanges(context.Background(), "acct1", "/ab/",
		[]model.Contact{{GUID: guid3, UID: "gone", SyncURI: "/ab/gone.vcf"}}, nil)
	s.MarkLocalDeleted("acct1", "/ab/", guid3)

	changes, err := s.PendingLocalChanges(context.Background(), "acct1", "/ab/")
	if err != nil {
		t.Fatalf("PendingLocalChanges: %v", err)
	}
	byGUID := map[string]carddav.LocalChange{}
	for _, c := range changes {
		byGUID[c.Contact.GUID] = c
	}
	newGUID := model.CompoundGUID("acct1", "/ab/", "new")
	if byGUID[newGUID].ModType != model.Added {
		t.Errorf("new contact ModType = %v, want Added", byGUID[newGUID].ModType)
	}
	if byGUID[guid2].ModType != model.Modified {
		t.Errorf("existing contact ModType = %v, want Modified", byGUID[guid2].ModType)
	}
	if byGUID[guid3].ModType != model.Removed {
		t.Errorf("gone contact ModType = %v, want Removed", byGUID[guid3].ModType)
	}
}

func TestPendingLocalChangesTombstoneTakesPriorityOverEdit(t *testing.T) {
	s := New()
	guid := model.CompoundGUID("acct1", "/ab/", "u1")
	_ = s.ApplyRemoteChanges(context.Background(), "acct1", "/ab/",
		[]model.Contact{{GUID: guid, UID: "u1", SyncURI: "/ab/u1.vcf", Revision: time.Unix(1, 0)}}, nil)
	s.UpsertLocal("acct1", "/ab/", model.Contact{GUID: guid, UID: "u1", SyncURI: "/ab/u1.vcf"}, time.Unix(2, 0))
	s.MarkLocalDeleted("acct1", "/ab/", guid)

	changes, err := s.PendingLocalChanges(context.Background(), "acct1", "/ab/")
	if err != nil {
		t.Fatalf("PendingLocalChanges: %v", err)
	}
	if len(changes) != 1 || changes[0].ModType != model.Removed {
		t.Errorf("changes = %+v, want a single Removed change", changes)
	}
}

func TestApplyUpsyncEchoClearsTombstonesAndUpdatesRevision(t *testing.T) {
	s := New()
	guid := model.CompoundGUID("acct1", "/ab/", "u1")
	s.UpsertLocal("acct1", "/ab/", model.Contact{GUID: guid, UID: "u1"}, time.Unix(1, 0))

	err := s.ApplyUpsyncEcho(context.Background(), "acct1", "/ab/",
		[]model.Contact{{GUID: guid, UID: "u1", SyncURI: "/ab/u1.vcf", ETag: `"e1"`, Revision: time.Unix(1, 0)}}, nil)
	if err != nil {
		t.Fatalf("ApplyUpsyncEcho: %v", err)
	}
	changes, _ := s.PendingLocalChanges(context.Background(), "acct1", "/ab/")
	if len(changes) != 0 {
		t.Errorf("changes = %+v, want none after echo caught up revision", changes)
	}

	guid2 := model.CompoundGUID("acct1", "/ab/", "u2")
	_ = s.ApplyRemoteChanges(context.Background(), "acct1", "/ab/",
		[]model.Contact{{GUID: guid2, UID: "u2", SyncURI: "/ab/u2.vcf"}}, nil)
	s.MarkLocalDeleted("acct1", "/ab/", guid2)
	if err := s.ApplyUpsyncEcho(context.Background(), "acct1", "/ab/", nil, []string{guid2}); err != nil {
		t.Fatalf("ApplyUpsyncEcho delete: %v", err)
	}
	contacts, _ := s.ListContacts(context.Background(), "acct1", "/ab/")
	if _, ok := contacts[guid2]; ok {
		t.Error("guid2 should have been removed by confirmed delete")
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := New()
	empty, err := s.LoadCheckpoint(context.Background(), "acct1", "/ab/")
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
		URIToETag:      map[string]string{"/ab/a.vcf": `"e1"`},
	}
	if err := s.SaveCheckpoint(context.Background(), cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	loaded, err := s.LoadCheckpoint(context.Background(), "acct1", "/ab/")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if loaded.CTag != "ctag-1" || loaded.SyncToken != "token-1" || loaded.URIToETag["/ab/a.vcf"] != `"e1"` {
		t.Errorf("loaded = %+v", loaded)
	}

	loaded.URIToETag["/ab/a.vcf"] = "mutated"
	reloaded, _ := s.LoadCheckpoint(context.Background(), "acct1", "/ab/")
	if reloaded.URIToETag["/ab/a.vcf"] != `"e1"` {
		t.Error("LoadCheckpoint should return a defensive copy of URIToETag")
	}
}

func TestListCollectionsReturnsOnlyCheckpointedBooksForAccount(t *testing.T) {
	s := New()
	_ = s.SaveCheckpoint(context.Background(), &store.CollectionCheckpoint{AccountID: "acct1", AddressbookURL: "/ab1/"})
	_ = s.SaveCheckpoint(context.Background(), &store.CollectionCheckpoint{AccountID: "acct1", AddressbookURL: "/ab2/"})
	_ = s.SaveCheckpoint(context.Background(), &store.CollectionCheckpoint{AccountID: "acct2", AddressbookURL: "/other/"})

	got, err := s.ListCollections(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("ListCollections: %v", err)
	}
	set := map[string]bool{}
	for _, u := range got {
		set[u] = true
	}
	if len(set) != 2 || !set["/ab1/"] || !set["/ab2/"] {
		t.Errorf("ListCollections = %v, want /ab1/ and /ab2/", got)
	}
}

func TestDeleteCollectionDropsCheckpointAndContacts(t *testing.T) {
	s := New()
	s.UpsertLocal("acct1", "/ab/", model.Contact{UID: "u1"}, time.Unix(1, 0))
	_ = s.SaveCheckpoint(context.Background(), &store.CollectionCheckpoint{AccountID: "acct1", AddressbookURL: "/ab/", CTag: "c1"})

	if err := s.DeleteCollection(context.Background(), "acct1", "/ab/"); err != nil {
		t.Fatalf("DeleteCollection: %v", err)
	}

	known, _ := s.ListCollections(context.Background(), "acct1")
	if len(known) != 0 {
		t.Errorf("ListCollections = %v, want none after delete", known)
	}
	contacts, _ := s.ListContacts(context.Background(), "acct1", "/ab/")
	if len(contacts) != 0 {
		t.Errorf("contacts = %+v, want none after delete", contacts)
	}
}
