package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/sonroyaalmerol/carddav-sync/internal/cache"
)

// TokenManager keeps one oauth2.TokenSource alive per account and refreshes
// it proactively: rather than waiting for a 401, it peeks the (unverified)
// exp claim of the cached access token and forces a refresh once it's
// within refreshSkew of expiring. The token's signature is never checked
// here — trust in it comes from having obtained it through the oauth2
// flow, not from this peek; it exists purely to avoid firing a request we
// already know the server will reject.
type TokenManager struct {
	Logger      zerolog.Logger
	refreshSkew time.Duration

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource

	cache *cache.Cache[string, string]
}

func NewTokenManager(logger zerolog.Logger) *TokenManager {
	return &TokenManager{
		Logger:      logger,
		refreshSkew: 2 * time.Minute,
		sources:     map[string]oauth2.TokenSource{},
		cache:       cache.New[string, string](time.Minute),
	}
}

// Register associates an account with the TokenSource that mints its
// access tokens (typically an oauth2.Config's TokenSource wrapping a
// stored refresh token).
func (m *TokenManager) Register(accountID string, source oauth2.TokenSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[accountID] = source
}

// Forget drops a cached token. Called after FlagNeedsRefresh so the next
// FreshToken call is forced through the TokenSource rather than serving a
// token the server just rejected.
func (m *TokenManager) Forget(accountID string) {
	m.cache.Delete(accountID)
}

// FreshToken returns a bearer token not within refreshSkew of its expiry,
// refreshing through the registered TokenSource when the cached one is
// stale, absent, or was invalidated by Forget.
func (m *TokenManager) FreshToken(ctx context.Context, accountID string) (string, error) {
	if cached, ok := m.cache.Get(accountID); ok && cached != "" && !m.expiringSoon(cached) {
		return cached, nil
	}

	m.mu.Lock()
	source, ok := m.sources[accountID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no oauth token source registered for account %q", accountID)
	}

	tok, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("refresh oauth token for %q: %w", accountID, err)
	}
	m.cache.Set(accountID, tok.AccessToken, tok.Expiry)
	m.Logger.Debug().Str("account", accountID).Time("expiry", tok.Expiry).Msg("refreshed oauth access token")
	return tok.AccessToken, nil
}

// expiringSoon peeks the exp claim without verifying the token's signature.
// A non-JWT (opaque) access token, or one with no exp claim, is assumed
// fresh; oauth2.TokenSource already tracks its own expiry for those.
func (m *TokenManager) expiringSoon(token string) bool {
	parsed, err := jwt.Parse([]byte(token), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return false
	}
	exp := parsed.Expiration()
	if exp.IsZero() {
		return false
	}
	return time.Until(exp) < m.refreshSkew
}
