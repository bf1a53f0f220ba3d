// Command cardsyncd runs the CardDAV synchronization daemon: one polling
// loop per configured account, a local contact store, and an HTTP status
// and control surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/carddav-sync/internal/auth"
	"github.com/sonroyaalmerol/carddav-sync/internal/config"
	"github.com/sonroyaalmerol/carddav-sync/internal/httpserver"
	"github.com/sonroyaalmerol/carddav-sync/internal/logging"
	"github.com/sonroyaalmerol/carddav-sync/internal/runner"
	"github.com/sonroyaalmerol/carddav-sync/internal/store"
	"github.com/sonroyaalmerol/carddav-sync/internal/store/memory"
	"github.com/sonroyaalmerol/carddav-sync/internal/store/postgres"
	"github.com/sonroyaalmerol/carddav-sync/internal/store/sqlite"
	"github.com/sonroyaalmerol/carddav-sync/internal/sync"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type localStore interface {
	store.LocalStore
	store.CheckpointStore
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, closeBackend, err := openStore(ctx, cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeBackend()

	tokens := auth.NewTokenManager(logging.Component(log, "auth"))
	creds, err := auth.NewAccountCredentials(cfg.Accounts, tokens)
	if err != nil {
		return fmt.Errorf("configure account credentials: %w", err)
	}

	client := &http.Client{Timeout: cfg.Sync.RequestTimeout}
	syncer := sync.NewSyncer(client, creds, backend, backend, logging.Component(log, "sync"))

	accounts := make([]sync.Account, 0, len(cfg.Accounts))
	for _, acct := range cfg.Accounts {
		accounts = append(accounts, sync.Account{
			ID:              acct.ID,
			BaseURL:         acct.BaseURL,
			HomeURL:         acct.HomeURL,
			AddressbookPath: acct.AddressbookPath,
		})
	}

	mgr := runner.NewManager(syncer, cfg.Sync.Interval, logging.Component(log, "runner"))

	srv := httpserver.NewServer(cfg.HTTP.Addr, mgr, logging.Component(log, "http"))
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("status server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("status server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()

	mgr.Start(ctx, accounts)
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig, log zerolog.Logger) (localStore, func(), error) {
	switch cfg.Type {
	case "sqlite":
		s, err := sqlite.New(cfg.SQLitePath, logging.Component(log, "store"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.PostgresURL, logging.Component(log, "store"))
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "memory", "":
		s := memory.New()
		return s, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
