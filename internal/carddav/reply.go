package carddav

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/sonroyaalmerol/carddav-sync/internal/model"
	"github.com/sonroyaalmerol/carddav-sync/pkg/vcard"
)

// ReplyParser turns WebDAV multistatus XML bodies into the typed results
// the engine's state machine needs. It accepts a permissive superset of
// shapes real servers emit: a single <response> instead of a list, and
// multiple <propstat> blocks per response (one per distinct HTTP status).
type ReplyParser struct{}

func NewReplyParser() *ReplyParser { return &ReplyParser{} }

// ResponseType distinguishes what a "current-user-information" PROPFIND
// actually returned: the expected principal href, or — for the servers
// that fold discovery down to a single collection — addressbook metadata
// directly (§4.2 step 5).
type ResponseType int

const (
	ResponseUnknown ResponseType = iota
	ResponseUserPrincipal
	ResponseAddressbookInformation
)

// decodeMultistatus tolerates both <multistatus> and a lone <response> at
// the document root.
func decodeMultistatus(data []byte) ([]response, string, error) {
	var probe struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(data, &probe); err != nil {
		return nil, "", NewSyncError(KindMalformedResponse, "unparsable xml", err)
	}

	if probe.XMLName.Local == "response" {
		var single response
		if err := xml.Unmarshal(data, &single); err != nil {
			return nil, "", NewSyncError(KindMalformedResponse, "unparsable single response", err)
		}
		return []response{single}, "", nil
	}

	var ms syncCollectionResponse
	if err := xml.Unmarshal(data, &ms); err != nil {
		return nil, "", NewSyncError(KindMalformedResponse, "unparsable multistatus", err)
	}
	return ms.Responses, ms.SyncToken, nil
}

// ParseUserPrincipal implements §4.4's principal/addressbook-info
// disambiguation: a single response carrying current-user-principal/href
// is a principal; a single response carrying addressbook-ish metadata but
// no principal href signals the caller to short-circuit straight to
// collection-listing mode.
func (p *ReplyParser) ParseUserPrincipal(data []byte) (string, ResponseType, error) {
	responses, _, err := decodeMultistatus(data)
	if err != nil {
		return "", ResponseUnknown, err
	}
	if len(responses) != 1 {
		return "", ResponseUnknown, NewSyncError(KindMalformedResponse, "expected exactly one response for current-user-principal", nil)
	}
	resp := responses[0]
	for _, ps := range resp.Propstats {
		if ps.Prop.CurrentUserPrincipal != nil && ps.Prop.CurrentUserPrincipal.Href != "" {
			return ps.Prop.CurrentUserPrincipal.Href, ResponseUserPrincipal, nil
		}
	}
	for _, ps := range resp.Propstats {
		if ps.Prop.GetCTag != nil || ps.Prop.Resourcetype != nil || ps.Prop.SyncToken != nil {
			return "", ResponseAddressbookInformation, nil
		}
	}
	return "", ResponseUnknown, NewSyncError(KindProtocolDiscoveryFailed, "no current-user-principal in response", nil)
}

// ParseAddressbookHome extracts the first addressbook-home-set href.
func (p *ReplyParser) ParseAddressbookHome(data []byte) (string, error) {
	responses, _, err := decodeMultistatus(data)
	if err != nil {
		return "", err
	}
	for _, resp := range responses {
		for _, ps := range resp.Propstats {
			if ps.Prop.AddressbookHomeSet != nil && ps.Prop.AddressbookHomeSet.Href != "" {
				return ps.Prop.AddressbookHomeSet.Href, nil
			}
		}
	}
	return "", NewSyncError(KindProtocolDiscoveryFailed, "no addressbook-home-set in response", nil)
}

func normalizedEqual(a, b string) bool {
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}

// ParseAddressbookInformation implements the definite/probable/unlikely
// classification of §4.2 steps 1-4. homePath, when non-empty, identifies
// a self-referential entry (the home-set collection listing itself) to
// discard per step 1.
func (p *ReplyParser) ParseAddressbookInformation(data []byte, homePath string) ([]model.AddressBookInfo, error) {
	responses, _, err := decodeMultistatus(data)
	if err != nil {
		return nil, err
	}

	var definites, probables, unlikelies []model.AddressBookInfo

	for _, resp := range responses {
		if homePath != "" && normalizedEqual(resp.Href, homePath) {
			continue // step 1: self-reference
		}
		for _, ps := range resp.Propstats {
			status2xx := isSuccessStatus(ps.Status)
			rt := ps.Prop.Resourcetype
			if rt != nil && rt.isCalendarish() {
				continue // step 2: calendar collections are never addressbooks
			}

			info := model.AddressBookInfo{URL: resp.Href}
			if ps.Prop.DisplayName != nil {
				info.DisplayName = *ps.Prop.DisplayName
			}
			if ps.Prop.GetCTag != nil {
				info.CTag = *ps.Prop.GetCTag
			}
			if ps.Prop.SyncToken != nil {
				info.SyncToken = *ps.Prop.SyncToken
			}
			info.ReadOnly = !ps.Prop.CurrentUserPrivSet.canWrite()

			switch {
			case rt != nil && rt.isDefiniteAddressbook() && status2xx:
				definites = append(definites, info)
			case rt != nil && rt.isProbableAddressbook() && status2xx:
				probables = append(probables, info)
			case rt == nil && status2xx:
				probables = append(probables, info)
			default:
				unlikelies = append(unlikelies, info)
			}
		}
	}

	// step 5: a single addressbook-information response answering the
	// original PROPFIND is handled by the caller (engine discovery),
	// which passes such a body through this same function with
	// homePath == "" so it lands in one of the three buckets above.

	switch {
	case len(definites) > 0:
		return definites, nil
	case len(probables) > 0:
		return probables, nil
	default:
		return unlikelies, nil
	}
}

// ParseSyncTokenDelta implements the sync-collection REPORT branch of
// §4.2.1: 2xx+etag responses are Added/Modified/Unmodified by comparison
// against localURIToETag, 404 responses are Removed.
func (p *ReplyParser) ParseSyncTokenDelta(data []byte, localURIToETag map[string]string) ([]model.ContactRef, string, error) {
	responses, syncToken, err := decodeMultistatus(data)
	if err != nil {
		return nil, "", err
	}

	var refs []model.ContactRef
	for _, resp := range responses {
		if !isContactHref(resp.Href) {
			continue
		}
		status := resp.Status
		etag := ""
		for _, ps := range resp.Propstats {
			if ps.Prop.GetETag != nil {
				etag = *ps.Prop.GetETag
			}
			if status == "" {
				status = ps.Status
			}
		}
		if isNotFoundStatus(status) {
			refs = append(refs, model.ContactRef{URI: resp.Href, ModType: model.Removed})
			continue
		}
		if !isSuccessStatus(status) {
			continue // other codes: log and skip, per §4.4 numeric-status rules
		}
		refs = append(refs, classifyByETag(resp.Href, etag, localURIToETag))
	}

	return refs, syncToken, nil
}

// ParseContactMetadata implements the manual etag-diff branch of §4.2.1
// and its Removed-synthesis rule (§4.4): every localURIToETag key absent
// from the response becomes a synthetic Removed entry.
func (p *ReplyParser) ParseContactMetadata(data []byte, localURIToETag map[string]string) ([]model.ContactRef, error) {
	responses, _, err := decodeMultistatus(data)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var refs []model.ContactRef
	for _, resp := range responses {
		if !isContactHref(resp.Href) {
			continue
		}
		etag := ""
		for _, ps := range resp.Propstats {
			if ps.Prop.GetETag != nil {
				etag = *ps.Prop.GetETag
			}
		}
		seen[resp.Href] = true
		refs = append(refs, classifyByETag(resp.Href, etag, localURIToETag))
	}

	for uri := range localURIToETag {
		if !seen[uri] {
			refs = append(refs, model.ContactRef{URI: uri, ModType: model.Removed})
		}
	}

	return refs, nil
}

func classifyByETag(uri, etag string, localURIToETag map[string]string) model.ContactRef {
	prior, known := localURIToETag[uri]
	switch {
	case !known:
		return model.ContactRef{URI: uri, ETag: etag, ModType: model.Added}
	case etag != prior:
		return model.ContactRef{URI: uri, ETag: etag, ModType: model.Modified}
	default:
		return model.ContactRef{URI: uri, ETag: etag, ModType: model.Unmodified}
	}
}

// ParseContactData decodes an addressbook-multiget REPORT into converted
// Contacts, keyed by server URI. accountID and addressbookURL are used to
// rewrite each Contact's UID into the compound GUID form. A response that
// fails (a non-2xx propstat, missing address-data, or an unparsable vCard)
// isn't dropped silently: it's returned as a ContactError so the caller can
// record it onto CollectionState and log it.
func (p *ReplyParser) ParseContactData(data []byte, accountID, addressbookURL string) (map[string]model.Contact, []model.ContactError, error) {
	responses, _, err := decodeMultistatus(data)
	if err != nil {
		return nil, nil, err
	}

	out := map[string]model.Contact{}
	var errs []model.ContactError
	for _, resp := range responses {
		var etag, addressData string
		status2xx := true
		for _, ps := range resp.Propstats {
			if !isSuccessStatus(ps.Status) {
				status2xx = false
				continue
			}
			if ps.Prop.GetETag != nil {
				etag = *ps.Prop.GetETag
			}
			if ps.Prop.AddressData != nil {
				addressData = *ps.Prop.AddressData
			}
		}
		if !status2xx {
			errs = append(errs, model.ContactError{URI: resp.Href, Message: "multiget response carried no successful propstat"})
			continue
		}
		if addressData == "" {
			errs = append(errs, model.ContactError{URI: resp.Href, Message: "multiget response missing address-data"})
			continue
		}

		contact, ierr := vcard.Import([]byte(addressData))
		if ierr != nil {
			errs = append(errs, model.ContactError{URI: resp.Href, Message: fmt.Sprintf("vcard import failed: %v", ierr)})
			continue
		}
		contact.ETag = etag
		contact.SyncURI = resp.Href
		contact.GUID = model.CompoundGUID(accountID, addressbookURL, contact.UID)
		out[resp.Href] = contact
	}
	return out, errs, nil
}

func isSuccessStatus(status string) bool {
	code := statusCode(status)
	return code >= 200 && code < 300
}

func isNotFoundStatus(status string) bool {
	return statusCode(status) == 404
}

func statusCode(status string) int {
	fields := strings.Fields(status)
	for _, f := range fields {
		if n, err := strconv.Atoi(f); err == nil && n >= 100 && n < 600 {
			return n
		}
	}
	return 0
}

// isContactHref implements the href-filtering rule shared by both delta
// modes: exclude trailing-slash self-references and recognized non-vCard
// suffixes; include hrefs ending .vcf or carrying no recognized suffix.
func isContactHref(href string) bool {
	if href == "" || strings.HasSuffix(href, "/") {
		return false
	}
	if strings.HasSuffix(href, ".vcf") {
		return true
	}
	for _, suffix := range nonVCardSuffixes {
		if strings.HasSuffix(strings.ToLower(href), suffix) {
			return false
		}
	}
	return true
}

var nonVCardSuffixes = []string{".ics", ".eml", ".ical", ".vcs"}
