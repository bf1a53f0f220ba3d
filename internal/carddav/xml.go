package carddav

import "encoding/xml"

// Wire types for WebDAV/CardDAV multistatus request and response bodies
// (RFC 4918, RFC 6352, RFC 6578). These mirror the shapes a CardDAV server
// emits; ReplyParser decodes them permissively since real servers disagree
// on some optional details (single response vs. list, multiple propstat
// blocks per response, mixed presence of optional properties).

const (
	nsDAV        = "DAV:"
	nsCardDAV    = "urn:ietf:params:xml:ns:carddav"
	nsCalendarServer = "http://calendarserver.org/ns/"
)

// ---- response (decode) side ----

type multistatus struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"response"`
}

// singleResponseEnvelope tolerates a server that emits a single top-level
// <response> instead of wrapping it in <multistatus>.
type singleResponseEnvelope struct {
	XMLName xml.Name `xml:"response"`
}

type response struct {
	Href      string     `xml:"href"`
	Propstats []propstat `xml:"propstat"`
	Status    string     `xml:"status,omitempty"`
}

type propstat struct {
	Prop   prop   `xml:"prop"`
	Status string `xml:"status"`
}

type resourcetype struct {
	Collection  *struct{}       `xml:"DAV: collection"`
	Principal   *struct{}       `xml:"DAV: principal"`
	Addressbook *struct{}       `xml:"urn:ietf:params:xml:ns:carddav addressbook"`
	Calendar    *struct{}       `xml:"urn:ietf:params:xml:ns:caldav calendar"`
	CalProxyRO  *struct{}       `xml:"http://calendarserver.org/ns/ calendar-proxy-read"`
	CalProxyRW  *struct{}       `xml:"http://calendarserver.org/ns/ calendar-proxy-write"`
	Other       []xml.Name      `xml:",any"`
}

func (r *resourcetype) isCalendarish() bool {
	return r.Calendar != nil || r.CalProxyRO != nil || r.CalProxyRW != nil
}

func (r *resourcetype) isDefiniteAddressbook() bool {
	return r.Addressbook != nil
}

// isProbableAddressbook matches "collection, possibly plus principal, and
// nothing else recognized" (§4.2 step 2 middle bucket).
func (r *resourcetype) isProbableAddressbook() bool {
	if r.Collection == nil {
		return false
	}
	if r.isCalendarish() || r.Addressbook != nil {
		return false
	}
	return true
}

type prop struct {
	Resourcetype          *resourcetype `xml:"resourcetype"`
	DisplayName           *string       `xml:"displayname"`
	CurrentUserPrincipal  *hrefElem     `xml:"current-user-principal"`
	AddressbookHomeSet    *hrefElem     `xml:"urn:ietf:params:xml:ns:carddav addressbook-home-set"`
	CurrentUserPrivSet    *privSet      `xml:"current-user-privilege-set"`
	SyncToken             *string       `xml:"DAV: sync-token"`
	GetCTag               *string       `xml:"http://calendarserver.org/ns/ getctag"`
	GetETag               *string       `xml:"getetag"`
	AddressData           *string       `xml:"urn:ietf:params:xml:ns:carddav address-data"`
}

type hrefElem struct {
	Href string `xml:"href"`
}

type privSet struct {
	Privileges []privilege `xml:"privilege"`
}

type privilege struct {
	Write        *struct{} `xml:"DAV: write"`
	WriteContent *struct{} `xml:"DAV: write-content"`
	Bind         *struct{} `xml:"DAV: bind"`
	Unbind       *struct{} `xml:"DAV: unbind"`
}

// canWrite reports true if any granted privilege implies write access;
// AddressBookInfo.ReadOnly is the negation of this.
func (p *privSet) canWrite() bool {
	if p == nil {
		return true // absent privilege-set: assume writable, most servers omit it
	}
	for _, priv := range p.Privileges {
		if priv.Write != nil || priv.WriteContent != nil || priv.Bind != nil {
			return true
		}
	}
	return false
}

// syncCollectionResponse decodes a sync-collection REPORT's multistatus,
// which additionally carries a top-level sync-token.
type syncCollectionResponse struct {
	XMLName   xml.Name   `xml:"DAV: multistatus"`
	Responses []response `xml:"response"`
	SyncToken string     `xml:"sync-token"`
}

// ---- request (encode) side ----

type propfindPropNames struct {
	XMLName xml.Name `xml:"DAV: propfind"`
	Prop    propNameList `xml:"prop"`
}

type propNameList struct {
	Names []xml.Name `xml:",any"`
}

// MarshalXML emits one empty element per requested property name, in the
// given namespace, the way a PROPFIND body lists bare property names.
func (l propNameList) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	start := xml.StartElement{Name: xml.Name{Local: "prop"}}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, n := range l.Names {
		if err := e.EncodeToken(xml.StartElement{Name: n}); err != nil {
			return err
		}
		if err := e.EncodeToken(xml.EndElement{Name: n}); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

func propfindBody(names ...xml.Name) []byte {
	type envelope struct {
		XMLName xml.Name     `xml:"DAV: propfind"`
		Prop    propNameList `xml:"prop"`
	}
	b, _ := xml.Marshal(envelope{Prop: propNameList{Names: names}})
	return append([]byte(xml.Header), b...)
}

var (
	nameCurrentUserPrincipal = xml.Name{Space: nsDAV, Local: "current-user-principal"}
	nameAddressbookHomeSet   = xml.Name{Space: nsCardDAV, Local: "addressbook-home-set"}
	nameResourcetype         = xml.Name{Space: nsDAV, Local: "resourcetype"}
	nameDisplayName          = xml.Name{Space: nsDAV, Local: "displayname"}
	nameCurrentUserPrivSet   = xml.Name{Space: nsDAV, Local: "current-user-privilege-set"}
	nameSyncToken            = xml.Name{Space: nsDAV, Local: "sync-token"}
	nameGetCTag              = xml.Name{Space: nsCalendarServer, Local: "getctag"}
	nameGetETag              = xml.Name{Space: nsDAV, Local: "getetag"}
)

type syncCollectionRequest struct {
	XMLName   xml.Name     `xml:"DAV: sync-collection"`
	SyncToken string       `xml:"sync-token"`
	SyncLevel string       `xml:"sync-level"`
	Prop      propNameList `xml:"prop"`
}

type addressbookMultigetRequest struct {
	XMLName xml.Name     `xml:"urn:ietf:params:xml:ns:carddav addressbook-multiget"`
	Prop    propNameList `xml:"prop"`
	Hrefs   []string     `xml:"DAV: href"`
}
