package runner

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sonroyaalmerol/carddav-sync/internal/auth"
	"github.com/sonroyaalmerol/carddav-sync/internal/store/memory"
	"github.com/sonroyaalmerol/carddav-sync/internal/sync"
)

type countingDoer struct {
	calls int32
}

func (d *countingDoer) Do(req *http.Request) (*http.Response, error) {
	atomic.AddInt32(&d.calls, 1)
	return &http.Response{
		StatusCode: 200,
		Status:     "200 OK",
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(`<?xml version="1.0"?><multistatus xmlns="DAV:"></multistatus>`)),
	}, nil
}

type staticCredentialStore struct{}

func (staticCredentialStore) Resolve(accountID string) (auth.Credential, error) {
	return auth.Credential{Basic: &auth.BasicCredential{Username: "u", Password: "p"}}, nil
}
func (staticCredentialStore) FlagNeedsRefresh(accountID string) {}

func TestManagerRunsOnceImmediatelyOnStart(t *testing.T) {
	doer := &countingDoer{}
	ms := memory.New()
	syncer := sync.NewSyncer(doer, staticCredentialStore{}, ms, ms, zerolog.Nop())
	mgr := NewManager(syncer, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Start(ctx, []sync.Account{{ID: "acct1", BaseURL: "https://dav.example.com", HomeURL: "/ab-home/"}})
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		statuses := mgr.Status()
		if len(statuses) == 1 && !statuses[0].LastRunAt.IsZero() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	statuses := mgr.Status()
	if len(statuses) != 1 {
		t.Fatalf("Status() = %+v, want one account", statuses)
	}
	if statuses[0].AccountID != "acct1" {
		t.Errorf("AccountID = %q", statuses[0].AccountID)
	}
	if statuses[0].LastRunAt.IsZero() {
		t.Fatal("expected an immediate run on Start")
	}
	if !statuses[0].LastSuccess {
		t.Errorf("LastError = %q, want a successful run", statuses[0].LastError)
	}

	cancel()
	<-done
}

func TestManagerTriggerRunsAccountOutOfCycle(t *testing.T) {
	doer := &countingDoer{}
	ms := memory.New()
	syncer := sync.NewSyncer(doer, staticCredentialStore{}, ms, ms, zerolog.Nop())
	mgr := NewManager(syncer, time.Hour, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		mgr.Start(ctx, []sync.Account{{ID: "acct1", BaseURL: "https://dav.example.com", HomeURL: "/ab-home/"}})
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&doer.calls) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	firstCalls := atomic.LoadInt32(&doer.calls)

	if !mgr.Trigger("acct1") {
		t.Fatal("Trigger returned false for a known account")
	}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && atomic.LoadInt32(&doer.calls) <= firstCalls {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&doer.calls) <= firstCalls {
		t.Fatal("expected Trigger to cause an additional sync run")
	}

	if mgr.Trigger("unknown-account") {
		t.Error("Trigger should return false for an unknown account")
	}

	cancel()
	<-done
}
