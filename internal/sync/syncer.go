package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/carddav-sync/internal/auth"
	"github.com/sonroyaalmerol/carddav-sync/internal/carddav"
	"github.com/sonroyaalmerol/carddav-sync/internal/metrics"
	"github.com/sonroyaalmerol/carddav-sync/internal/model"
	"github.com/sonroyaalmerol/carddav-sync/internal/store"
)

// Account is everything the Syncer needs for one account's run: its base
// CardDAV host and the resolved home-set URL, empty to force rediscovery.
// AddressbookPath, when set, is a user-configured bypass that skips
// principal/home-set discovery entirely in favor of enumerating that path
// directly, and is never overwritten by a discovered home URL.
type Account struct {
	ID              string
	BaseURL         string
	HomeURL         string
	AddressbookPath string
}

// Syncer drives one account's sync run end to end: discovery (when
// needed), per-collection delta detection, local reconciliation, and
// upsync of pending local changes.
type Syncer struct {
	Client      carddav.Doer
	Credentials auth.CredentialStore
	Local       store.LocalStore
	Checkpoints store.CheckpointStore
	Log         zerolog.Logger
}

func NewSyncer(client carddav.Doer, creds auth.CredentialStore, local store.LocalStore, checkpoints store.CheckpointStore, log zerolog.Logger) *Syncer {
	return &Syncer{Client: client, Credentials: creds, Local: local, Checkpoints: checkpoints, Log: log}
}

// Run executes one full sync pass for an account, discovering address
// books if HomeURL is unset. It returns the (possibly newly discovered)
// home URL so the caller can persist it for the next run, and the first
// fatal error encountered — one collection failing fatally doesn't stop
// the others in the same run.
func (s *Syncer) Run(ctx context.Context, acct Account) (homeURL string, err error) {
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.ObserveRun(acct.ID, outcome, start)
	}()

	cred, err := s.Credentials.Resolve(acct.ID)
	if err != nil {
		return acct.HomeURL, fmt.Errorf("resolve credential for %q: %w", acct.ID, err)
	}
	engine := carddav.NewCardDavEngine(acct.BaseURL, acct.ID, cred, s.Client, s.Log).WithAddressbookPath(acct.AddressbookPath)

	books, home, err := s.resolveAddressbooks(ctx, engine, acct)
	if err != nil {
		s.handleRunError(acct.ID, err)
		return acct.HomeURL, err
	}

	if rerr := s.pruneRemovedCollections(ctx, acct.ID, books); rerr != nil {
		// a stale local record surviving one extra run is harmless; don't
		// fail the whole account over it.
		s.Log.Error().Err(rerr).Str("account", acct.ID).Msg("collection reconciliation failed")
	}

	var firstErr error
	for _, book := range books {
		if cerr := s.syncCollection(ctx, engine, acct, book); cerr != nil {
			s.handleRunError(acct.ID, cerr)
			if firstErr == nil {
				firstErr = cerr
			}
			// a collection failing (fatally or not) still lets the rest
			// of this account's collections run.
		}
	}
	err = firstErr
	return home, firstErr
}

func (s *Syncer) resolveAddressbooks(ctx context.Context, engine *carddav.CardDavEngine, acct Account) ([]model.AddressBookInfo, string, error) {
	// AddressbookPath is a standing user bypass and takes priority over a
	// merely-cached home URL from a prior discovery; Discover already
	// short-circuits to it via the engine.
	if acct.AddressbookPath == "" && acct.HomeURL != "" {
		books, err := engine.ListAddressbooks(ctx, acct.HomeURL)
		return books, acct.HomeURL, err
	}
	result, err := engine.Discover(ctx)
	if err != nil {
		return nil, "", err
	}
	if result.Addressbooks != nil {
		return result.Addressbooks, result.HomeURL, nil
	}
	books, err := engine.ListAddressbooks(ctx, result.HomeURL)
	return books, result.HomeURL, err
}

// pruneRemovedCollections implements the collections_removed case of §4.1
// step 4: an address book this account synced in a prior run but that the
// server no longer advertises has its checkpoint and every locally stored
// contact discarded.
func (s *Syncer) pruneRemovedCollections(ctx context.Context, accountID string, current []model.AddressBookInfo) error {
	known, err := s.Checkpoints.ListCollections(ctx, accountID)
	if err != nil {
		return err
	}
	if len(known) == 0 {
		return nil
	}

	stillPresent := make(map[string]bool, len(current))
	for _, b := range current {
		stillPresent[b.URL] = true
	}

	for _, url := range known {
		if stillPresent[url] {
			continue
		}
		if err := s.Checkpoints.DeleteCollection(ctx, accountID, url); err != nil {
			return err
		}
		metrics.CollectionsRemoved.WithLabelValues(accountID, url).Inc()
		s.Log.Info().Str("account", accountID).Str("addressbook", url).Msg("address book removed from server; pruned local state")
	}
	return nil
}

func (s *Syncer) syncCollection(ctx context.Context, engine *carddav.CardDavEngine, acct Account, book model.AddressBookInfo) error {
	cp, err := s.Checkpoints.LoadCheckpoint(ctx, acct.ID, book.URL)
	if err != nil {
		return err
	}

	state := model.NewCollectionState(book)
	state.PrevCTag = cp.CTag
	state.PrevSyncToken = cp.SyncToken
	state.LocalURIToETag = cp.URIToETag

	if err := engine.DetectDelta(ctx, state); err != nil {
		return err
	}

	fetched, err := engine.FetchContacts(ctx, state)
	if err != nil {
		return err
	}

	if state.PrevSyncToken == "" && state.NewSyncToken == "" {
		metrics.FullResyncsTotal.WithLabelValues(acct.ID, book.URL).Inc()
	}

	upserts, removedGUIDs, err := ReconcileRemote(ctx, s.Local, acct.ID, book.URL, state, fetched)
	if err != nil {
		return err
	}
	if err := s.Local.ApplyRemoteChanges(ctx, acct.ID, book.URL, upserts, removedGUIDs); err != nil {
		return err
	}
	if len(upserts) > 0 {
		metrics.ContactsUpserted.WithLabelValues(acct.ID, book.URL).Add(float64(len(upserts)))
	}
	if len(removedGUIDs) > 0 {
		metrics.ContactsRemoved.WithLabelValues(acct.ID, book.URL).Add(float64(len(removedGUIDs)))
	}

	if !book.ReadOnly {
		pending, err := s.Local.PendingLocalChanges(ctx, acct.ID, book.URL)
		if err != nil {
			return err
		}
		if err := engine.Upsync(ctx, state, pending); err != nil {
			return err
		}
		if err := s.Local.ApplyUpsyncEcho(ctx, acct.ID, book.URL, state.UpsyncEcho, state.ConfirmedDeletes); err != nil {
			return err
		}
		if n := len(state.UpsyncEcho); n > 0 {
			metrics.ContactsUpsynced.WithLabelValues(acct.ID, book.URL, "upsert").Add(float64(n))
		}
		if n := len(state.ConfirmedDeletes); n > 0 {
			metrics.ContactsUpsynced.WithLabelValues(acct.ID, book.URL, model.Removed.String()).Add(float64(n))
		}
	}

	cp.CTag = state.NewCTag
	cp.SyncToken = state.NewSyncToken
	cp.URIToETag = NextURIToETag(state)
	return s.Checkpoints.SaveCheckpoint(ctx, cp)
}

func (s *Syncer) handleRunError(accountID string, err error) {
	se, ok := err.(*carddav.SyncError)
	if !ok {
		metrics.SyncErrorsTotal.WithLabelValues(accountID, "unknown").Inc()
		s.Log.Error().Err(err).Str("account", accountID).Msg("sync run failed")
		return
	}
	if se.Kind == carddav.KindAuthRequired {
		s.Credentials.FlagNeedsRefresh(accountID)
	}
	metrics.SyncErrorsTotal.WithLabelValues(accountID, se.Kind.String()).Inc()
	s.Log.Error().Err(se).Str("account", accountID).Str("kind", se.Kind.String()).Msg("sync run failed")
}
