// Package auth resolves the credential an account authenticates a CardDAV
// request with, and keeps OAuth bearer tokens fresh across sync runs.
package auth

import "net/http"

// Credential is the sum type an account's stored authentication method
// resolves to before a run begins. It implements carddav.Credential, so the
// request factory can decorate requests without importing this package.
type Credential struct {
	Basic  *BasicCredential
	Bearer *BearerCredential
}

func (c Credential) Apply(req *http.Request) {
	switch {
	case c.Basic != nil:
		c.Basic.Apply(req)
	case c.Bearer != nil:
		c.Bearer.Apply(req)
	}
}

// BasicCredential authenticates via HTTP Basic, RFC 6352's baseline scheme.
type BasicCredential struct {
	Username string
	Password string
}

func (b *BasicCredential) Apply(req *http.Request) {
	req.SetBasicAuth(b.Username, b.Password)
}

// BearerCredential authenticates via an OAuth access token obtained ahead
// of time through TokenManager.FreshToken.
type BearerCredential struct {
	Token string
}

func (b *BearerCredential) Apply(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+b.Token)
}

// CredentialStore resolves an account's current credential for a sync run.
// FlagNeedsRefresh is called when the engine surfaces a
// carddav.KindAuthRequired error, so the next run forces a refresh instead
// of retrying the same stale credential.
type CredentialStore interface {
	Resolve(accountID string) (Credential, error)
	FlagNeedsRefresh(accountID string)
}
