// Package config loads the sync daemon's configuration from the
// environment: which accounts to sync, how the local store persists
// state, and how the HTTP status/trigger surface listens.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AccountConfig struct {
	ID       string
	BaseURL  string
	HomeURL  string // seeded home-set URL; empty forces rediscovery on first run
	AuthMode string // "basic" | "bearer"

	// AddressbookPath is an optional explicit bypass of principal/home-set
	// discovery: when set, the engine enumerates this path directly.
	AddressbookPath string

	BasicUsername string
	BasicPassword string

	BearerTokenURL     string
	BearerClientID     string
	BearerClientSecret string
	BearerRefreshToken string
}

type StorageConfig struct {
	Type        string // "memory" | "sqlite" | "postgres"
	SQLitePath  string
	PostgresURL string
}

type HTTPConfig struct {
	Addr string
}

type SyncConfig struct {
	Interval       time.Duration
	RequestTimeout time.Duration
	MaxRedirects   int
}

type Config struct {
	Accounts []AccountConfig
	Storage  StorageConfig
	HTTP     HTTPConfig
	Sync     SyncConfig
	LogLevel string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// loadAccounts reads ACCOUNT_0_*, ACCOUNT_1_*, ... environment variables
// until it finds a gap, mirroring the indexed-block pattern used for
// address book filters upstream.
func loadAccounts() []AccountConfig {
	var accounts []AccountConfig

	for i := 0; ; i++ {
		prefix := fmt.Sprintf("ACCOUNT_%d", i)
		id := os.Getenv(prefix + "_ID")
		baseURL := os.Getenv(prefix + "_BASE_URL")
		if id == "" && baseURL == "" {
			break
		}

		accounts = append(accounts, AccountConfig{
			ID:                 id,
			BaseURL:            baseURL,
			HomeURL:            getenv(prefix+"_HOME_URL", ""),
			AddressbookPath:    getenv(prefix+"_ADDRESSBOOK_PATH", ""),
			AuthMode:           strings.ToLower(getenv(prefix+"_AUTH_MODE", "basic")),
			BasicUsername:      getenv(prefix+"_BASIC_USERNAME", ""),
			BasicPassword:      getenv(prefix+"_BASIC_PASSWORD", ""),
			BearerTokenURL:     getenv(prefix+"_BEARER_TOKEN_URL", ""),
			BearerClientID:     getenv(prefix+"_BEARER_CLIENT_ID", ""),
			BearerClientSecret: getenv(prefix+"_BEARER_CLIENT_SECRET", ""),
			BearerRefreshToken: getenv(prefix+"_BEARER_REFRESH_TOKEN", ""),
		})
	}

	return accounts
}

func Load() (*Config, error) {
	cfg := &Config{
		Accounts: loadAccounts(),
		Storage: StorageConfig{
			Type:        getenv("STORAGE_TYPE", "memory"),
			SQLitePath:  getenv("SQLITE_PATH", "./data/carddav-sync.db"),
			PostgresURL: getenv("POSTGRES_URL", ""),
		},
		HTTP: HTTPConfig{
			Addr: getenv("HTTP_ADDR", ":8080"),
		},
		Sync: SyncConfig{
			Interval:       getenvDuration("SYNC_INTERVAL", 5*time.Minute),
			RequestTimeout: getenvDuration("SYNC_REQUEST_TIMEOUT", 30*time.Second),
			MaxRedirects:   getenvInt("SYNC_MAX_REDIRECTS", 5),
		},
		LogLevel: getenv("LOG_LEVEL", "info"),
	}

	if cfg.Storage.Type == "postgres" && cfg.Storage.PostgresURL == "" {
		return nil, fmt.Errorf("STORAGE_TYPE=postgres requires POSTGRES_URL")
	}
	for _, acct := range cfg.Accounts {
		if acct.ID == "" || acct.BaseURL == "" {
			return nil, fmt.Errorf("account entry missing ID or BASE_URL")
		}
	}

	return cfg, nil
}
