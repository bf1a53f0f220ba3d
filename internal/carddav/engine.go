package carddav

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// Doer abstracts the HTTP transport the engine issues requests through.
// Callers inject a client with whatever retry, TLS and connection-pooling
// policy the host process wants; this package never dials a socket itself.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CardDavEngine drives one account's discovery, delta-detection and upsync
// stages against a single CardDAV host. It holds no persistent state of its
// own — CollectionState round-trips through its callers between stages.
type CardDavEngine struct {
	Base    string // account server URL; may carry a path (e.g. /.well-known/carddav)
	Account string // account id, folded into compound GUIDs

	// AddressbookPath is the account's explicit discovery bypass
	// (server_address/addressbook_path in the account config). When set,
	// Discover skips the principal and home-set round trips entirely and
	// enumerates this path directly.
	AddressbookPath string

	Requests *RequestFactory
	Replies  *ReplyParser
	Client   Doer
	Log      zerolog.Logger
}

func NewCardDavEngine(base, account string, cred Credential, client Doer, log zerolog.Logger) *CardDavEngine {
	return &CardDavEngine{
		Base:     strings.TrimSuffix(base, "/"),
		Account:  account,
		Requests: NewRequestFactory(cred),
		Replies:  NewReplyParser(),
		Client:   client,
		Log:      log,
	}
}

// WithAddressbookPath sets the account's discovery-bypass path and returns
// the engine for chaining at construction time.
func (e *CardDavEngine) WithAddressbookPath(path string) *CardDavEngine {
	e.AddressbookPath = path
	return e
}

// do issues req and wraps a transport failure as KindTransportError. It
// does not interpret the status code: callers see 401/403/404/405 and
// decide what they mean in their own stage.
func (e *CardDavEngine) do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := e.Client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, NewSyncError(KindTransportError, fmt.Sprintf("%s %s", req.Method, req.URL), err)
	}
	return resp, nil
}

func readAndClose(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewSyncError(KindTransportError, "reading response body", err)
	}
	return body, nil
}

// requireAuthorized surfaces 401/403 as a uniform KindAuthRequired error so
// the orchestrator can flag the account's credential for refresh regardless
// of which stage produced it.
func requireAuthorized(resp *http.Response, context string) error {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		return NewSyncError(KindAuthRequired, fmt.Sprintf("%s: %s", context, resp.Status), nil)
	}
	return nil
}

// joinBase resolves an href taken from a multistatus response against the
// origin discovery is currently anchored at: an empty or root href means
// "the origin itself", an absolute href is used as-is, and anything else
// is a server-relative path handed back verbatim for later callers (which
// resolve it against Base themselves) rather than concatenated here.
func joinBase(base, path string) string {
	if path == "" || path == "/" {
		return base
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return path
}

func redirectLocation(resp *http.Response) string {
	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return ""
	}
	return resp.Header.Get("Location")
}

// validateRedirect resolves location against current and enforces the
// same-origin rule of the discovery sequence: a well-known redirect (the
// first hop of the well-known rung) may cross host/scheme/port because
// providers commonly point it at a dedicated CardDAV subdomain; every
// later redirect must stay on the same origin or it's refused.
func validateRedirect(current, location string, crossOriginAllowed bool) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", NewSyncError(KindRedirectRefused, "unparsable current base", err)
	}
	target, err := base.Parse(location)
	if err != nil {
		return "", NewSyncError(KindRedirectRefused, "unparsable redirect location", err)
	}
	if !crossOriginAllowed {
		if target.Scheme != base.Scheme || target.Host != base.Host {
			return "", NewSyncError(KindRedirectRefused, fmt.Sprintf("cross-origin redirect from %s to %s", current, target), nil)
		}
	}
	target.RawQuery = ""
	target.Fragment = ""
	return target.String(), nil
}
