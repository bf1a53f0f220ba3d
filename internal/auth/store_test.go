package auth

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/sonroyaalmerol/carddav-sync/internal/config"
)

func TestNewAccountCredentialsRejectsIncompleteBearerConfig(t *testing.T) {
	accounts := []config.AccountConfig{
		{ID: "acct1", BaseURL: "https://dav.example.com", AuthMode: "bearer"},
	}
	tokens := NewTokenManager(zerolog.Nop())
	_, err := NewAccountCredentials(accounts, tokens)
	if err == nil {
		t.Fatal("expected an error for bearer auth missing token URL/refresh token")
	}
}

func TestResolveReturnsBasicCredentialByDefault(t *testing.T) {
	accounts := []config.AccountConfig{
		{ID: "acct1", BaseURL: "https://dav.example.com", BasicUsername: "jane", BasicPassword: "secret"},
	}
	tokens := NewTokenManager(zerolog.Nop())
	store, err := NewAccountCredentials(accounts, tokens)
	if err != nil {
		t.Fatalf("NewAccountCredentials: %v", err)
	}
	cred, err := store.Resolve("acct1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.Basic == nil || cred.Basic.Username != "jane" || cred.Basic.Password != "secret" {
		t.Errorf("cred = %+v", cred)
	}
}

func TestResolveReturnsBearerCredentialAndUnknownAccountErrors(t *testing.T) {
	accounts := []config.AccountConfig{
		{
			ID: "acct1", BaseURL: "https://dav.example.com", AuthMode: "bearer",
			BearerTokenURL: "https://auth.example.com/token", BearerRefreshToken: "refresh-1",
		},
	}
	tokens := NewTokenManager(zerolog.Nop())
	store, err := NewAccountCredentials(accounts, tokens)
	if err != nil {
		t.Fatalf("NewAccountCredentials: %v", err)
	}
	// Registered token source can't actually reach the network in this
	// test; swap it out for one that returns a fixed token instead.
	tokens.Register("acct1", oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "tok-1", Expiry: time.Now().Add(time.Hour)}))

	cred, err := store.Resolve("acct1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.Bearer == nil || cred.Bearer.Token != "tok-1" {
		t.Errorf("cred = %+v", cred)
	}

	if _, err := store.Resolve("unknown"); err == nil {
		t.Error("expected an error for an unknown account")
	}
}

func TestFlagNeedsRefreshForcesTokenManagerRefresh(t *testing.T) {
	accounts := []config.AccountConfig{
		{
			ID: "acct1", BaseURL: "https://dav.example.com", AuthMode: "bearer",
			BearerTokenURL: "https://auth.example.com/token", BearerRefreshToken: "refresh-1",
		},
	}
	tokens := NewTokenManager(zerolog.Nop())
	store, err := NewAccountCredentials(accounts, tokens)
	if err != nil {
		t.Fatalf("NewAccountCredentials: %v", err)
	}
	source := &fakeTokenSource{tokens: []*oauth2.Token{
		{AccessToken: "tok-1", Expiry: time.Now().Add(time.Hour)},
		{AccessToken: "tok-2", Expiry: time.Now().Add(time.Hour)},
	}}
	tokens.Register("acct1", source)

	if _, err := store.Resolve("acct1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	store.FlagNeedsRefresh("acct1")
	cred, err := store.Resolve("acct1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if cred.Bearer.Token != "tok-2" {
		t.Errorf("Bearer.Token = %q, want tok-2 after forced refresh", cred.Bearer.Token)
	}
}
