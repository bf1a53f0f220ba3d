// Package postgres is a durable, multi-writer LocalStore/CheckpointStore
// backed by pgx, for a deployment that runs the sync daemon across more
// than one process.
package postgres

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/carddav-sync/internal/carddav"
	"github.com/sonroyaalmerol/carddav-sync/internal/model"
	"github.com/sonroyaalmerol/carddav-sync/internal/store"
	"github.com/sonroyaalmerol/carddav-sync/pkg/vcard"
)

//go:embed migrations
var migrationFiles embed.FS

type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

func New(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	if err := runMigrations(dsn, logger); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, logger: logger}, nil
}

func runMigrations(dsn string, logger zerolog.Logger) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("create source driver: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", sourceDriver, dsn)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	} else if err == migrate.ErrNoChange {
		logger.Debug().Msg("no new migrations to apply")
	}
	return nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ListContacts(ctx context.Context, accountID, addressbookURL string) (map[string]model.Contact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT guid, sync_uri, etag, revision, vcard FROM contacts
		WHERE account_id = $1 AND addressbook_url = $2 AND tombstoned = FALSE`, accountID, addressbookURL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]model.Contact{}
	for rows.Next() {
		var guid, syncURI, etag string
		var revision time.Time
		var raw []byte
		if err := rows.Scan(&guid, &syncURI, &etag, &revision, &raw); err != nil {
			return nil, err
		}
		c, err := vcard.Import(raw)
		if err != nil {
			return nil, fmt.Errorf("decode stored contact %q: %w", guid, err)
		}
		c.GUID = guid
		c.SyncURI = syncURI
		c.ETag = etag
		c.Revision = revision
		out[guid] = c
	}
	return out, rows.Err()
}

func (s *Store) ApplyRemoteChanges(ctx context.Context, accountID, addressbookURL string, upserts []model.Contact, removedGUIDs []string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, c := range upserts {
			if err := upsertContact(ctx, tx, accountID, addressbookURL, c); err != nil {
				return err
			}
		}
		for _, guid := range removedGUIDs {
			if _, err := tx.Exec(ctx, `DELETE FROM contacts WHERE guid = $1`, guid); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) PendingLocalChanges(ctx context.Context, accountID, addressbookURL string) ([]carddav.LocalChange, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT guid, sync_uri, etag, revision, vcard, tombstoned FROM contacts
		WHERE account_id = $1 AND addressbook_url = $2`, accountID, addressbookURL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []carddav.LocalChange
	for rows.Next() {
		var guid, syncURI, etag string
		var revision time.Time
		var raw []byte
		var tombstoned bool
		if err := rows.Scan(&guid, &syncURI, &etag, &revision, &raw, &tombstoned); err != nil {
			return nil, err
		}
		c, err := vcard.Import(raw)
		if err != nil {
			return nil, fmt.Errorf("decode stored contact %q: %w", guid, err)
		}
		c.GUID = guid
		c.SyncURI = syncURI
		c.ETag = etag
		c.Revision = revision

		switch {
		case tombstoned:
			changes = append(changes, carddav.LocalChange{Contact: c, ModType: model.Removed})
		case syncURI == "":
			changes = append(changes, carddav.LocalChange{Contact: c, ModType: model.Added})
		}
	}
	return changes, rows.Err()
}

func (s *Store) ApplyUpsyncEcho(ctx context.Context, accountID, addressbookURL string, echoed []model.Contact, confirmedDeletes []string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		for _, c := range echoed {
			if err := upsertContact(ctx, tx, accountID, addressbookURL, c); err != nil {
				return err
			}
		}
		for _, guid := range confirmedDeletes {
			if _, err := tx.Exec(ctx, `DELETE FROM contacts WHERE guid = $1`, guid); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertContact(ctx context.Context, tx pgx.Tx, accountID, addressbookURL string, c model.Contact) error {
	raw, err := vcard.Export(c)
	if err != nil {
		return fmt.Errorf("encode contact %q: %w", c.GUID, err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO contacts (guid, account_id, addressbook_url, uid, sync_uri, etag, revision, vcard, tombstoned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
		ON CONFLICT (guid) DO UPDATE SET
			sync_uri = excluded.sync_uri,
			etag = excluded.etag,
			revision = excluded.revision,
			vcard = excluded.vcard,
			tombstoned = FALSE
	`, c.GUID, accountID, addressbookURL, c.UID, c.SyncURI, c.ETag, c.Revision, raw)
	return err
}

// MarkLocalDeleted tombstones a contact so the next sync's
// PendingLocalChanges upsyncs a DELETE for it.
func (s *Store) MarkLocalDeleted(ctx context.Context, guid string) error {
	_, err := s.pool.Exec(ctx, `UPDATE contacts SET tombstoned = TRUE WHERE guid = $1`, guid)
	return err
}

// UpsertLocal writes or edits a contact directly on the local side,
// stamping Revision. PendingLocalChanges in this store reports only
// contacts with no SyncURI (Added) and tombstones (Removed); an edit to a
// contact that already has a SyncURI is not reported as Modified.
func (s *Store) UpsertLocal(ctx context.Context, accountID, addressbookURL string, c model.Contact, revision time.Time) error {
	c.Revision = revision
	if c.GUID == "" {
		c.GUID = model.CompoundGUID(accountID, addressbookURL, c.UID)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		return upsertContact(ctx, tx, accountID, addressbookURL, c)
	})
}

func (s *Store) LoadCheckpoint(ctx context.Context, accountID, addressbookURL string) (*store.CollectionCheckpoint, error) {
	cp := &store.CollectionCheckpoint{AccountID: accountID, AddressbookURL: addressbookURL, URIToETag: map[string]string{}}

	row := s.pool.QueryRow(ctx, `
		SELECT ctag, sync_token FROM checkpoints WHERE account_id = $1 AND addressbook_url = $2`, accountID, addressbookURL)
	if err := row.Scan(&cp.CTag, &cp.SyncToken); err != nil && err != pgx.ErrNoRows {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT uri, etag FROM checkpoint_etags WHERE account_id = $1 AND addressbook_url = $2`, accountID, addressbookURL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var uri, etag string
		if err := rows.Scan(&uri, &etag); err != nil {
			return nil, err
		}
		cp.URIToETag[uri] = etag
	}
	return cp, rows.Err()
}

func (s *Store) ListCollections(ctx context.Context, accountID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT addressbook_url FROM checkpoints WHERE account_id = $1`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var url string
		if err := rows.Scan(&url); err != nil {
			return nil, err
		}
		out = append(out, url)
	}
	return out, rows.Err()
}

func (s *Store) DeleteCollection(ctx context.Context, accountID, addressbookURL string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM contacts WHERE account_id = $1 AND addressbook_url = $2`, accountID, addressbookURL); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM checkpoint_etags WHERE account_id = $1 AND addressbook_url = $2`, accountID, addressbookURL); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM checkpoints WHERE account_id = $1 AND addressbook_url = $2`, accountID, addressbookURL)
		return err
	})
}

func (s *Store) SaveCheckpoint(ctx context.Context, cp *store.CollectionCheckpoint) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO checkpoints (account_id, addressbook_url, ctag, sync_token)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_id, addressbook_url) DO UPDATE SET
				ctag = excluded.ctag,
				sync_token = excluded.sync_token
		`, cp.AccountID, cp.AddressbookURL, cp.CTag, cp.SyncToken)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `DELETE FROM checkpoint_etags WHERE account_id = $1 AND addressbook_url = $2`, cp.AccountID, cp.AddressbookURL); err != nil {
			return err
		}
		for uri, etag := range cp.URIToETag {
			if _, err := tx.Exec(ctx, `
				INSERT INTO checkpoint_etags (account_id, addressbook_url, uri, etag) VALUES ($1, $2, $3, $4)
			`, cp.AccountID, cp.AddressbookURL, uri, etag); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}
