// Package model holds the store-neutral data types shared by the CardDAV
// engine and the synchronization orchestrator: address book descriptors,
// per-contact remote references, the converted Contact record, and the
// transient per-collection sync state.
package model

import (
	"fmt"
	"strings"
	"time"
)

// ModType classifies how a remote (or local) contact changed relative to
// the last known state.
type ModType int

const (
	Unmodified ModType = iota
	Added
	Modified
	Removed
)

func (m ModType) String() string {
	switch m {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unmodified"
	}
}

// AddressBookInfo identifies one remote CardDAV collection.
type AddressBookInfo struct {
	URL         string // server path, percent-decoded
	DisplayName string
	CTag        string // empty if the server didn't report one
	SyncToken   string // empty if the server doesn't support webdav-sync
	ReadOnly    bool
}

// SupportsSyncToken reports whether this address book advertised a
// sync-token the last time it was described.
func (a AddressBookInfo) SupportsSyncToken() bool {
	return a.SyncToken != ""
}

// ContactRef is a lightweight per-contact remote descriptor produced by
// delta detection, before the vCard body has been fetched.
type ContactRef struct {
	URI     string // relative path of the vCard resource on the server
	ETag    string // opaque quoted string, as observed on the wire
	ModType ModType
}

// ContactError records a non-fatal per-contact failure encountered while
// fetching or importing one multiget response: a missing address-data
// property, a non-2xx propstat, or a vCard the converter couldn't decode.
// It's collected onto CollectionState rather than aborting the whole
// multiget, per the run's per-contact error model.
type ContactError struct {
	URI     string
	Message string
}

// Contact is the store-neutral record produced by converting a vCard.
// UnsupportedProperties preserves every vCard property line the converter
// did not map to a structured field, verbatim, so a round trip through
// import/export does not lose foreign-client data.
type Contact struct {
	GUID string // compound: "<accountId>:AB:<addressbookUrl>:<uid>"
	UID  string // the bare vCard UID, as seen on the wire

	SyncURI string // server-relative resource URI this contact was fetched from/pushed to
	ETag    string // server etag observed at fetch (or last successful upsync) time

	Name        StructuredName
	Emails      []TypedValue
	Phones      []TypedValue
	Addresses   []StructuredAddress
	URLs        []TypedValue
	PhotoURL    string
	Org         string
	Title       string
	Role        string
	Note        string
	Birthday    *time.Time
	Gender      string
	Revision    time.Time
	NicknameRaw string

	SIPAddress    string // vCard X-SIP: single SIP URI, last occurrence wins
	JabberAddress string // vCard X-JABBER: single Jabber/XMPP address, last occurrence wins

	UnsupportedProperties []string // ordered, CRLF-free raw vCard property lines with parameters
}

// StructuredName mirrors vCard N: family, given, additional, prefixes,
// suffixes.
type StructuredName struct {
	Family     string
	Given      string
	Additional string
	Prefixes   string
	Suffixes   string
}

// IsEmpty reports whether every component of the name is blank.
func (n StructuredName) IsEmpty() bool {
	return n.Family == "" && n.Given == "" && n.Additional == "" && n.Prefixes == "" && n.Suffixes == ""
}

// TypedValue is a value carrying a vCard TYPE parameter, e.g. an EMAIL or
// TEL with type "home"/"work"/"cell".
type TypedValue struct {
	Type  string
	Value string
}

// StructuredAddress mirrors vCard ADR's seven components (post-office box
// is dropped as unused by every modern client; kept components below
// match what real vCards actually carry).
type StructuredAddress struct {
	Type       string
	Street     string
	ExtendedAddress string
	City       string
	Region     string
	PostalCode string
	Country    string
}

// CollectionState is the transient, per-address-book state carried
// through one sync run's delta and upsync stages. It's allocated when a
// book's delta stage begins and discarded once its upsync quiesces.
type CollectionState struct {
	Addressbook AddressBookInfo

	PrevCTag      string
	PrevSyncToken string
	NewCTag       string
	NewSyncToken  string

	RemoteAdded      map[string]ContactRef
	RemoteModified   map[string]ContactRef
	RemoteRemoved    map[string]ContactRef
	RemoteUnmodified map[string]ContactRef

	LocalURIToETag map[string]string

	UpsyncEcho       []Contact
	ConfirmedDeletes []string // GUIDs whose upsync DELETE the server accepted

	ContactErrors []ContactError // per-contact fetch/import failures, non-fatal to the run

	// OutstandingUpsync is seeded to 1 (sentinel) by NewCollectionState;
	// Upsync resets it to the number of pending changes (0 when there are
	// none) and decrements it as each one resolves, so it reads zero once
	// every dispatched write has completed; see §4.2.2 quiescence.
	OutstandingUpsync int
}

// NewCollectionState allocates a CollectionState with empty AMRU maps.
func NewCollectionState(ab AddressBookInfo) *CollectionState {
	return &CollectionState{
		Addressbook:       ab,
		PrevCTag:          "",
		PrevSyncToken:     "",
		RemoteAdded:       map[string]ContactRef{},
		RemoteModified:    map[string]ContactRef{},
		RemoteRemoved:     map[string]ContactRef{},
		RemoteUnmodified:  map[string]ContactRef{},
		LocalURIToETag:    map[string]string{},
		OutstandingUpsync: 1,
	}
}

// CompoundGUID builds the injective GUID projection over
// (accountID, addressbookURL, serverUID) described in §3 and §8.
func CompoundGUID(accountID, addressbookURL, uid string) string {
	return fmt.Sprintf("%s:AB:%s:%s", accountID, addressbookURL, uid)
}

// SplitCompoundGUID recovers the server-side UID from a compound GUID,
// given the accountID and addressbookURL that should prefix it. It
// returns ok=false if the GUID does not carry that exact prefix, which
// upsync treats as a StateInvariantViolation (§7).
func SplitCompoundGUID(accountID, addressbookURL, guid string) (uid string, ok bool) {
	prefix := CompoundGUID(accountID, addressbookURL, "")
	if !strings.HasPrefix(guid, prefix) {
		return "", false
	}
	return strings.TrimPrefix(guid, prefix), true
}
