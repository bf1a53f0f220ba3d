package carddav

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sonroyaalmerol/carddav-sync/internal/model"
)

const wellKnownPath = "/.well-known/carddav"
const maxRedirects = 5

// DiscoveryResult is what Discover resolves to: the address-book home-set
// URL, plus, for the servers that fold discovery down to a single
// collection (§4.2 step 5), the addressbook list already extracted from
// that collection's own PROPFIND response so the caller can skip the
// separate home-set enumeration.
type DiscoveryResult struct {
	HomeURL      string
	Addressbooks []model.AddressBookInfo // non-nil only on the single-collection shortcut
}

// Discover walks the initial/well-known/root discovery ladder, resolves
// the current-user-principal, then the addressbook-home-set. Redirects are
// followed (and checked by validateRedirect) while resolving the principal
// only; the home-set request does not follow redirects (grounded on
// buteo-sync-plugin-carddav's carddav.cpp discovery sequence). When the
// account configured an explicit AddressbookPath bypass, discovery skips
// straight to enumerating that path.
func (e *CardDavEngine) Discover(ctx context.Context) (*DiscoveryResult, error) {
	if e.AddressbookPath != "" {
		books, err := e.ListAddressbooks(ctx, e.AddressbookPath)
		if err != nil {
			return nil, err
		}
		return &DiscoveryResult{HomeURL: e.AddressbookPath, Addressbooks: books}, nil
	}

	principalPath, base, folded, err := e.discoverPrincipal(ctx)
	if err != nil {
		return nil, err
	}
	if folded != nil {
		books, perr := e.Replies.ParseAddressbookInformation(folded, "")
		if perr != nil {
			return nil, perr
		}
		return &DiscoveryResult{HomeURL: base, Addressbooks: books}, nil
	}

	req, err := e.Requests.AddressbookURLs(base, principalPath)
	if err != nil {
		return nil, err
	}
	resp, err := e.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if aerr := requireAuthorized(resp, "addressbook-home-set"); aerr != nil {
		return nil, aerr
	}
	body, err := readAndClose(resp)
	if err != nil {
		return nil, err
	}
	home, err := e.Replies.ParseAddressbookHome(body)
	if err != nil {
		return nil, err
	}
	return &DiscoveryResult{HomeURL: joinBase(base, home)}, nil
}

// ListAddressbooks enumerates the candidate collections under a resolved
// home-set URL. Called directly when Discover didn't already fold the
// result down via the single-collection shortcut.
func (e *CardDavEngine) ListAddressbooks(ctx context.Context, homeURL string) ([]model.AddressBookInfo, error) {
	req, err := e.Requests.AddressbooksInformation(e.Base, homeURL)
	if err != nil {
		return nil, err
	}
	resp, err := e.do(ctx, req)
	if err != nil {
		return nil, err
	}
	if aerr := requireAuthorized(resp, "addressbook enumeration"); aerr != nil {
		return nil, aerr
	}
	body, err := readAndClose(resp)
	if err != nil {
		return nil, err
	}
	return e.Replies.ParseAddressbookInformation(body, homeURL)
}

// discoveryRung is one step of the three-rung discovery ladder: the
// user-supplied URL itself, the well-known fallback, and the root
// fallback, tried in that order until one yields a principal (or folds
// into the single-collection shortcut).
type discoveryRung struct {
	path                string
	crossOriginFirstHop bool
}

// discoverPrincipal tries the user-supplied URL, then /.well-known/carddav,
// then "/", following redirects at each rung, and returns either a
// principal href or (for the single-collection shortcut) the raw
// addressbook-information body.
func (e *CardDavEngine) discoverPrincipal(ctx context.Context) (principalPath, base string, folded []byte, err error) {
	rungs := []discoveryRung{
		{path: "", crossOriginFirstHop: false},
		{path: wellKnownPath, crossOriginFirstHop: true},
		{path: "/", crossOriginFirstHop: false},
	}
	// The well-known rung is redundant when the user-supplied URL already
	// targets it directly; skip straight to the root fallback in that case.
	if strings.HasSuffix(e.Base, wellKnownPath) {
		rungs = append(rungs[:1], rungs[2])
	}

	var lastErr error
	for _, rung := range rungs {
		p, b, f, ferr := e.tryDiscoverAt(ctx, e.Base, rung.path, rung.crossOriginFirstHop)
		if ferr == nil {
			return p, b, f, nil
		}
		if se, ok := ferr.(*SyncError); ok && se.Kind == KindProtocolDiscoveryFailed {
			lastErr = ferr
			continue
		}
		return "", "", nil, ferr
	}
	if lastErr == nil {
		lastErr = NewSyncError(KindProtocolDiscoveryFailed, "initial, well-known and root discovery all failed", nil)
	}
	return "", "", nil, lastErr
}

func (e *CardDavEngine) tryDiscoverAt(ctx context.Context, base, path string, crossOriginFirstHop bool) (string, string, []byte, error) {
	current := base
	for redirects := 0; redirects <= maxRedirects; redirects++ {
		req, err := e.Requests.CurrentUserInformation(current, path)
		if err != nil {
			return "", "", nil, err
		}
		resp, err := e.do(ctx, req)
		if err != nil {
			return "", "", nil, err
		}

		if loc := redirectLocation(resp); loc != "" {
			resp.Body.Close()
			next, verr := validateRedirect(current, loc, crossOriginFirstHop && redirects == 0)
			if verr != nil {
				return "", "", nil, verr
			}
			if next == current {
				return "", "", nil, NewSyncError(KindRedirectRefused, "circular redirect during discovery", nil)
			}
			// next already carries the resolved location's own path; an empty
			// path here means resolveURL leaves it alone instead of
			// re-appending the rung's original path onto the redirect target.
			current = next
			path = ""
			continue
		}

		if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusMethodNotAllowed {
			resp.Body.Close()
			return "", "", nil, NewSyncError(KindProtocolDiscoveryFailed, fmt.Sprintf("discovery at %s: %s", path, resp.Status), nil)
		}
		if aerr := requireAuthorized(resp, "discovery"); aerr != nil {
			return "", "", nil, aerr
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			return "", "", nil, NewSyncError(KindTransportError, fmt.Sprintf("discovery at %s: %s", path, resp.Status), nil)
		}

		body, err := readAndClose(resp)
		if err != nil {
			return "", "", nil, err
		}
		principalHref, rtype, perr := e.Replies.ParseUserPrincipal(body)
		if perr != nil {
			return "", "", nil, perr
		}
		if rtype == ResponseAddressbookInformation {
			return "", current, body, nil
		}
		return principalHref, current, nil, nil
	}
	return "", "", nil, NewSyncError(KindRedirectRefused, "too many redirects during discovery", nil)
}
