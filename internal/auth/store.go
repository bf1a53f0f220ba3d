package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/sonroyaalmerol/carddav-sync/internal/config"
)

// AccountCredentials resolves each configured account's Credential: a
// static BasicCredential, or a BearerCredential backed by TokenManager
// for accounts using OAuth refresh-token authentication.
type AccountCredentials struct {
	accounts map[string]config.AccountConfig
	tokens   *TokenManager
}

func NewAccountCredentials(accounts []config.AccountConfig, tokens *TokenManager) (*AccountCredentials, error) {
	store := &AccountCredentials{
		accounts: make(map[string]config.AccountConfig, len(accounts)),
		tokens:   tokens,
	}
	for _, acct := range accounts {
		store.accounts[acct.ID] = acct
		if acct.AuthMode != "bearer" {
			continue
		}
		if acct.BearerTokenURL == "" || acct.BearerRefreshToken == "" {
			return nil, fmt.Errorf("account %q: bearer auth requires a token URL and refresh token", acct.ID)
		}
		oauthCfg := &oauth2.Config{
			ClientID:     acct.BearerClientID,
			ClientSecret: acct.BearerClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: acct.BearerTokenURL},
		}
		source := oauthCfg.TokenSource(context.Background(), &oauth2.Token{RefreshToken: acct.BearerRefreshToken})
		tokens.Register(acct.ID, source)
	}
	return store, nil
}

func (s *AccountCredentials) Resolve(accountID string) (Credential, error) {
	acct, ok := s.accounts[accountID]
	if !ok {
		return Credential{}, fmt.Errorf("unknown account %q", accountID)
	}
	switch acct.AuthMode {
	case "bearer":
		token, err := s.tokens.FreshToken(context.Background(), accountID)
		if err != nil {
			return Credential{}, err
		}
		return Credential{Bearer: &BearerCredential{Token: token}}, nil
	default:
		return Credential{Basic: &BasicCredential{Username: acct.BasicUsername, Password: acct.BasicPassword}}, nil
	}
}

func (s *AccountCredentials) FlagNeedsRefresh(accountID string) {
	s.tokens.Forget(accountID)
}
