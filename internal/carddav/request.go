package carddav

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// RequestFactory is a stateless builder of HTTP requests against a CardDAV
// host. It never touches the network itself; every method returns a fully
// formed *http.Request that the engine hands to an external Doer.
type RequestFactory struct {
	// Credential decorates each built request with the account's
	// authorization (a Basic or a Bearer Authorization header).
	Credential Credential
}

// Credential is implemented by the two shapes an account can hand the
// engine: HTTP Basic or an OAuth bearer token, each set as an
// Authorization header. The request URL's userinfo is left empty; Basic
// credentials are not embedded in it. See internal/auth.
type Credential interface {
	// Apply decorates the request URL/headers with this credential.
	Apply(req *http.Request)
}

func NewRequestFactory(cred Credential) *RequestFactory {
	return &RequestFactory{Credential: cred}
}

// resolveURL implements the URL composition rules of §4.3: relative
// server_path resolves against the host URL's path component, absolute
// paths replace it outright. A path containing a literal "%40" is
// percent-decoded first, because some servers hand back paths already
// percent-encoded and re-encoding on top of that mangles the '@' sign
// (grounded on requestgenerator.cpp's setRequestUrl).
func resolveURL(base string, path string) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("resolve url %q: %w", base, err)
	}
	if path == "" {
		return u, nil
	}
	decodedPath := path
	if strings.Contains(path, "%40") {
		if unescaped, err := url.PathUnescape(path); err == nil {
			decodedPath = unescaped
		}
	}
	if strings.HasPrefix(decodedPath, "/") {
		u.Path = decodedPath
	} else if strings.HasPrefix(decodedPath, "http://") || strings.HasPrefix(decodedPath, "https://") {
		abs, err := url.Parse(decodedPath)
		if err != nil {
			return nil, fmt.Errorf("resolve absolute path %q: %w", decodedPath, err)
		}
		return abs, nil
	} else {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + decodedPath
	}
	return u, nil
}

func (f *RequestFactory) newXMLRequest(method, base, path string, depth string, body []byte) (*http.Request, error) {
	u, err := resolveURL(base, path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/xml; charset=utf-8")
	if depth != "" {
		req.Header.Set("Depth", depth)
	}
	if f.Credential != nil {
		f.Credential.Apply(req)
	}
	return req, nil
}

// CurrentUserInformation builds a Depth:0 PROPFIND requesting
// current-user-principal at base joined with path.
func (f *RequestFactory) CurrentUserInformation(base, path string) (*http.Request, error) {
	body := propfindBody(nameCurrentUserPrincipal)
	return f.newXMLRequest("PROPFIND", base, path, "0", body)
}

// AddressbookURLs builds a Depth:0 PROPFIND requesting
// addressbook-home-set against the user principal path.
func (f *RequestFactory) AddressbookURLs(base, principalPath string) (*http.Request, error) {
	body := propfindBody(nameAddressbookHomeSet)
	return f.newXMLRequest("PROPFIND", base, principalPath, "0", body)
}

// AddressbooksInformation builds a Depth:1 PROPFIND enumerating the
// candidate address books under a home-set collection.
func (f *RequestFactory) AddressbooksInformation(base, homePath string) (*http.Request, error) {
	body := propfindBody(nameResourcetype, nameDisplayName, nameCurrentUserPrivSet, nameSyncToken, nameGetCTag)
	return f.newXMLRequest("PROPFIND", base, homePath, "1", body)
}

// SyncTokenDelta builds a webdav-sync REPORT for one address book.
func (f *RequestFactory) SyncTokenDelta(base, bookPath, syncToken string) (*http.Request, error) {
	reqBody := syncCollectionRequest{
		SyncToken: syncToken,
		SyncLevel: "1",
		Prop:      propNameList{Names: []xml.Name{nameGetETag}},
	}
	b, err := xml.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	return f.newXMLRequest("REPORT", base, bookPath, "", append([]byte(xml.Header), b...))
}

// ContactEtags builds a Depth:1 PROPFIND requesting getetag, used for the
// manual ctag-diff fallback.
func (f *RequestFactory) ContactEtags(base, bookPath string) (*http.Request, error) {
	body := propfindBody(nameGetETag)
	return f.newXMLRequest("PROPFIND", base, bookPath, "1", body)
}

// ContactMultiget builds an addressbook-multiget REPORT for the given
// contact URIs. Each href percent-encodes only its final path segment and
// is fully qualified against bookPath; URIs that don't already end in
// .vcf and aren't fully qualified are augmented with "<path>/<uri>.vcf"
// (§4.3).
func (f *RequestFactory) ContactMultiget(base, bookPath string, uris []string) (*http.Request, error) {
	hrefs := make([]string, 0, len(uris))
	for _, uri := range uris {
		hrefs = append(hrefs, qualifyContactHref(bookPath, uri))
	}
	reqBody := addressbookMultigetRequest{
		Prop:  propNameList{Names: []xml.Name{nameGetETag, {Space: nsCardDAV, Local: "address-data"}}},
		Hrefs: hrefs,
	}
	b, err := xml.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	return f.newXMLRequest("REPORT", base, bookPath, "1", append([]byte(xml.Header), b...))
}

func qualifyContactHref(bookPath, uri string) string {
	href := uri
	if idx := strings.LastIndex(href, "/"); idx >= 0 {
		dir, name := href[:idx+1], href[idx+1:]
		href = dir + url.PathEscape(name)
	}
	switch {
	case strings.HasSuffix(uri, ".vcf") && strings.HasPrefix(uri, bookPath):
		return href
	case strings.HasPrefix(uri, bookPath):
		return href
	case strings.HasSuffix(uri, ".vcf"):
		return strings.TrimSuffix(bookPath, "/") + "/" + strings.TrimPrefix(href, "/")
	default:
		return strings.TrimSuffix(bookPath, "/") + "/" + strings.TrimPrefix(href, "/") + ".vcf"
	}
}

// UpsyncAddMod builds a PUT for an added or modified contact. etag is
// empty for additions (no If-Match sent); non-empty for modifications.
func (f *RequestFactory) UpsyncAddMod(base, contactPath, etag string, vcard []byte) (*http.Request, error) {
	u, err := resolveURL(base, contactPath)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPut, u.String(), bytes.NewReader(vcard))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/vcard; charset=utf-8")
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}
	if f.Credential != nil {
		f.Credential.Apply(req)
	}
	return req, nil
}

// UpsyncDelete builds a conditional DELETE for a removed contact.
func (f *RequestFactory) UpsyncDelete(base, contactPath, etag string) (*http.Request, error) {
	u, err := resolveURL(base, contactPath)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodDelete, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}
	if f.Credential != nil {
		f.Credential.Apply(req)
	}
	return req, nil
}
