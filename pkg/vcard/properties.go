package vcard

import "strings"

// supportedProperties is the whitelist of top-level vCard 3.0 properties the
// converter maps onto structured Contact fields. Everything else — X- vendor
// extensions the whitelist doesn't recognize, IMPP variants beyond X-SIP and
// X-JABBER, CATEGORIES, KEY, and so on — round-trips verbatim through
// Contact.UnsupportedProperties instead of being dropped on the floor.
var supportedProperties = map[string]bool{
	"VERSION":  true,
	"PRODID":   true,
	"REV":      true,
	"N":        true,
	"FN":       true,
	"NICKNAME": true,
	"BDAY":     true,
	"X-GENDER": true,
	"EMAIL":    true,
	"TEL":      true,
	"ADR":      true,
	"URL":      true,
	"PHOTO":    true,
	"ORG":      true,
	"TITLE":    true,
	"ROLE":     true,
	"X-SIP":    true,
	"X-JABBER": true,
	"NOTE":     true,
	"UID":      true,
}

func isSupportedProperty(name string) bool {
	return supportedProperties[strings.ToUpper(name)]
}

// propertyName extracts the bare property name from a raw (unfolded) vCard
// content line, stripping any group prefix ("group.NAME") and everything
// from the first parameter/value delimiter onward.
func propertyName(line string) string {
	idx := strings.IndexAny(line, ":;")
	name := line
	if idx >= 0 {
		name = line[:idx]
	}
	if dot := strings.LastIndex(name, "."); dot >= 0 {
		name = name[dot+1:]
	}
	return strings.TrimSpace(name)
}
