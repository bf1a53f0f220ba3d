// Package runner drives one polling goroutine per configured account,
// invoking sync.Syncer on a fixed interval and exposing each account's
// last-run status for the HTTP status surface.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	syncpkg "github.com/sonroyaalmerol/carddav-sync/internal/sync"
)

// AccountStatus is a snapshot of one account's most recent sync run,
// safe to copy and serve over HTTP.
type AccountStatus struct {
	AccountID   string    `json:"account_id"`
	HomeURL     string    `json:"home_url,omitempty"`
	LastRunAt   time.Time `json:"last_run_at,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	LastSuccess bool      `json:"last_success"`
	Running     bool      `json:"running"`
}

// Manager owns one ticker per account and runs sync.Syncer.Run against it
// on every tick, plus on demand through Trigger.
type Manager struct {
	syncer   *syncpkg.Syncer
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	accounts map[string]syncpkg.Account
	status   map[string]AccountStatus
	trigger  map[string]chan struct{}
}

func NewManager(syncer *syncpkg.Syncer, interval time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		syncer:   syncer,
		interval: interval,
		log:      log,
		accounts: map[string]syncpkg.Account{},
		status:   map[string]AccountStatus{},
		trigger:  map[string]chan struct{}{},
	}
}

// Start launches one polling goroutine per account and blocks until ctx
// is cancelled.
func (m *Manager) Start(ctx context.Context, accounts []syncpkg.Account) {
	var wg sync.WaitGroup
	for _, acct := range accounts {
		m.mu.Lock()
		m.accounts[acct.ID] = acct
		m.status[acct.ID] = AccountStatus{AccountID: acct.ID, HomeURL: acct.HomeURL}
		m.trigger[acct.ID] = make(chan struct{}, 1)
		m.mu.Unlock()

		wg.Add(1)
		go func(acct syncpkg.Account) {
			defer wg.Done()
			m.pollLoop(ctx, acct)
		}(acct)
	}
	wg.Wait()
}

// Trigger requests an immediate, out-of-cycle run for accountID. It's a
// no-op if the account isn't known or already has a run queued.
func (m *Manager) Trigger(accountID string) bool {
	m.mu.Lock()
	ch, ok := m.trigger[accountID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return true
}

// Status returns a snapshot of every known account's last run.
func (m *Manager) Status() []AccountStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AccountStatus, 0, len(m.status))
	for _, st := range m.status {
		out = append(out, st)
	}
	return out
}

func (m *Manager) pollLoop(ctx context.Context, acct syncpkg.Account) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.runOnce(ctx, acct)

	m.mu.Lock()
	trigger := m.trigger[acct.ID]
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runOnce(ctx, acct)
		case <-trigger:
			m.runOnce(ctx, acct)
		}
	}
}

func (m *Manager) runOnce(ctx context.Context, acct syncpkg.Account) {
	m.mu.Lock()
	acct = m.accounts[acct.ID]
	m.mu.Unlock()

	m.setRunning(acct.ID, true)
	home, err := m.syncer.Run(ctx, acct)
	m.setRunning(acct.ID, false)

	m.mu.Lock()
	updated := m.accounts[acct.ID]
	updated.HomeURL = home
	m.accounts[acct.ID] = updated
	st := m.status[acct.ID]
	st.LastRunAt = time.Now()
	st.HomeURL = home
	st.LastSuccess = err == nil
	if err != nil {
		st.LastError = err.Error()
	} else {
		st.LastError = ""
	}
	m.status[acct.ID] = st
	m.mu.Unlock()

	if err != nil {
		m.log.Error().Err(err).Str("account", acct.ID).Msg("sync run failed")
	} else {
		m.log.Info().Str("account", acct.ID).Msg("sync run completed")
	}
}

func (m *Manager) setRunning(accountID string, running bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.status[accountID]
	st.Running = running
	m.status[accountID] = st
}
