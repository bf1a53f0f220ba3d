package auth

import (
	"context"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

type fakeTokenSource struct {
	tokens []*oauth2.Token
	calls  int
}

func (f *fakeTokenSource) Token() (*oauth2.Token, error) {
	tok := f.tokens[f.calls]
	if f.calls < len(f.tokens)-1 {
		f.calls++
	}
	return tok, nil
}

func signedJWTWithExpiry(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewBuilder().Expiration(exp).Build()
	if err != nil {
		t.Fatalf("build jwt: %v", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte("test-secret")))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return string(signed)
}

func TestFreshTokenReturnsUnregisteredAccountError(t *testing.T) {
	m := NewTokenManager(zerolog.Nop())
	_, err := m.FreshToken(context.Background(), "unknown")
	if err == nil {
		t.Fatal("expected an error for an unregistered account")
	}
}

func TestFreshTokenCachesUntilExpiringSoon(t *testing.T) {
	m := NewTokenManager(zerolog.Nop())
	farFuture := signedJWTWithExpiry(t, time.Now().Add(time.Hour))
	source := &fakeTokenSource{tokens: []*oauth2.Token{
		{AccessToken: farFuture, Expiry: time.Now().Add(time.Hour)},
	}}
	m.Register("acct1", source)

	tok1, err := m.FreshToken(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("FreshToken: %v", err)
	}
	tok2, err := m.FreshToken(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("FreshToken: %v", err)
	}
	if tok1 != tok2 {
		t.Errorf("expected cached token to be reused")
	}
	if source.calls != 0 {
		t.Errorf("source.calls = %d, want 0 (never advanced past the first token)", source.calls)
	}
}

func TestFreshTokenRefreshesWhenExpiringSoon(t *testing.T) {
	m := NewTokenManager(zerolog.Nop())
	soon := signedJWTWithExpiry(t, time.Now().Add(30*time.Second))
	later := signedJWTWithExpiry(t, time.Now().Add(time.Hour))
	source := &fakeTokenSource{tokens: []*oauth2.Token{
		{AccessToken: soon, Expiry: time.Now().Add(30 * time.Second)},
		{AccessToken: later, Expiry: time.Now().Add(time.Hour)},
	}}
	m.Register("acct1", source)

	tok1, err := m.FreshToken(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("FreshToken: %v", err)
	}
	if tok1 != soon {
		t.Fatalf("first token should be served even though it expires soon")
	}
	tok2, err := m.FreshToken(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("FreshToken: %v", err)
	}
	if tok2 != later {
		t.Errorf("expected a refreshed token once the cached one was expiring soon")
	}
}

func TestForgetForcesRefreshOnNextCall(t *testing.T) {
	m := NewTokenManager(zerolog.Nop())
	first := signedJWTWithExpiry(t, time.Now().Add(time.Hour))
	second := signedJWTWithExpiry(t, time.Now().Add(time.Hour))
	source := &fakeTokenSource{tokens: []*oauth2.Token{
		{AccessToken: first, Expiry: time.Now().Add(time.Hour)},
		{AccessToken: second, Expiry: time.Now().Add(time.Hour)},
	}}
	m.Register("acct1", source)

	if _, err := m.FreshToken(context.Background(), "acct1"); err != nil {
		t.Fatalf("FreshToken: %v", err)
	}
	m.Forget("acct1")
	tok, err := m.FreshToken(context.Background(), "acct1")
	if err != nil {
		t.Fatalf("FreshToken: %v", err)
	}
	if tok != second {
		t.Errorf("expected forgotten token to force a refresh")
	}
}
