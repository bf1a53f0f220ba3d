// Package vcard converts between wire-format vCard 3.0 and the store-neutral
// model.Contact record, preserving every property the whitelist doesn't map
// to a structured field so a round trip through a foreign client's vCard
// doesn't lose data.
package vcard

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	govcard "github.com/emersion/go-vcard"

	"github.com/sonroyaalmerol/carddav-sync/internal/model"
)

const prodID = "-//carddav-sync//EN"

var birthdayLayouts = []string{
	"2006-01-02T15:04:05Z07:00", // date and time, UTC or with an offset
	"2006-01-02T15:04:05",       // date and time, no zone (local)
	"20060102T150405Z",
	"20060102T150405",
	"2006-01-02", // date-only
	"20060102",
}
var revisionLayouts = []string{"2006-01-02T15:04:05Z", "20060102T150405Z", time.RFC3339}

// Import decodes a single vCard resource into a Contact. UID is copied
// verbatim from the wire; the caller (ReplyParser) is responsible for
// deriving the compound GUID.
func Import(raw []byte) (model.Contact, error) {
	lines := unfoldLines(raw)

	normalized := strings.Join(lines, "\r\n") + "\r\n"
	dec := govcard.NewDecoder(strings.NewReader(normalized))
	card, err := dec.Decode()
	if err != nil {
		return model.Contact{}, fmt.Errorf("decode vcard: %w", err)
	}
	if _, err := dec.Decode(); err != io.EOF {
		return model.Contact{}, fmt.Errorf("decode vcard: unexpected trailing content")
	}

	c := model.Contact{
		UID:                   lastValue(card, "UID"),
		Name:                  parseName(card),
		Emails:                typedValues(card, "EMAIL"),
		Phones:                typedValues(card, "TEL"),
		Addresses:             parseAddresses(card),
		URLs:                  typedValues(card, "URL"),
		Org:                   lastValue(card, "ORG"),
		Title:                 lastValue(card, "TITLE"),
		Role:                  lastValue(card, "ROLE"),
		Note:                  lastValue(card, "NOTE"),
		NicknameRaw:           lastValue(card, "NICKNAME"),
		SIPAddress:            lastValue(card, "X-SIP"),
		JabberAddress:         lastValue(card, "X-JABBER"),
		UnsupportedProperties: extractUnsupported(lines),
	}

	if photo := lastValue(card, "PHOTO"); isURLPhoto(card, photo) {
		c.PhotoURL = photo
	} else if photo != "" {
		// inline (base64) PHOTO isn't URL-only; leave it out of the
		// structured field. PHOTO is whitelisted, so extractUnsupported
		// does not keep it either: an inline photo is not carried over.
	}

	if gender := lastValue(card, "X-GENDER"); gender != "" && !strings.EqualFold(gender, "UNSPECIFIED") {
		c.Gender = gender
	}

	if bday := lastValue(card, "BDAY"); bday != "" {
		if t, ok := parseTime(bday, birthdayLayouts); ok {
			c.Birthday = &t
		}
	}

	if t, ok := latestRevision(card); ok {
		c.Revision = t
	}

	return c, nil
}

// Export encodes a Contact back into wire-format vCard 3.0, synthesizing FN
// from the structured name when absent and splicing UnsupportedProperties
// back in verbatim just before END:VCARD.
func Export(c model.Contact) ([]byte, error) {
	card := govcard.Card{}
	card.SetValue("VERSION", "3.0")
	card.SetValue("PRODID", prodID)
	card.SetValue("UID", c.UID)

	if !c.Name.IsEmpty() {
		card["N"] = []*govcard.Field{{Value: strings.Join([]string{
			c.Name.Family, c.Name.Given, c.Name.Additional, c.Name.Prefixes, c.Name.Suffixes,
		}, ";")}}
	}
	card.SetValue("FN", formattedName(c))

	if c.NicknameRaw != "" {
		card.SetValue("NICKNAME", c.NicknameRaw)
	}
	if c.Birthday != nil {
		card.SetValue("BDAY", c.Birthday.Format("2006-01-02"))
	}
	if c.Gender != "" && !strings.EqualFold(c.Gender, "UNSPECIFIED") {
		card.SetValue("X-GENDER", c.Gender)
	}
	if c.Org != "" {
		card.SetValue("ORG", c.Org)
	}
	if c.Title != "" {
		card.SetValue("TITLE", c.Title)
	}
	if c.Role != "" {
		card.SetValue("ROLE", c.Role)
	}
	if c.Note != "" {
		card.SetValue("NOTE", c.Note)
	}
	if c.SIPAddress != "" {
		card.SetValue("X-SIP", c.SIPAddress)
	}
	if c.JabberAddress != "" {
		card.SetValue("X-JABBER", c.JabberAddress)
	}
	if c.PhotoURL != "" {
		card["PHOTO"] = []*govcard.Field{{Value: c.PhotoURL, Params: govcard.Params{"VALUE": {"uri"}}}}
	}
	if !c.Revision.IsZero() {
		card.SetValue("REV", c.Revision.UTC().Format("2006-01-02T15:04:05Z"))
	}

	setTypedFields(card, "EMAIL", c.Emails)
	setTypedFields(card, "TEL", c.Phones)
	setTypedFields(card, "URL", c.URLs)
	setAddressFields(card, c.Addresses)

	var buf bytes.Buffer
	if err := govcard.NewEncoder(&buf).Encode(card); err != nil {
		return nil, fmt.Errorf("encode vcard: %w", err)
	}

	return spliceUnsupported(buf.Bytes(), c.UnsupportedProperties), nil
}

func formattedName(c model.Contact) string {
	fn := strings.TrimSpace(strings.Join([]string{c.Name.Prefixes, c.Name.Given, c.Name.Additional, c.Name.Family, c.Name.Suffixes}, " "))
	fn = strings.Join(strings.Fields(fn), " ")
	switch {
	case fn != "":
		return fn
	case c.NicknameRaw != "":
		return c.NicknameRaw
	case c.Org != "":
		return c.Org
	default:
		return "Unnamed Contact"
	}
}

// latestRevision resolves duplicate REV lines by parsed timestamp rather
// than file order: a merge or a server that appends rather than replaces a
// corrected REV can leave the chronologically latest one anywhere in the
// property list.
func latestRevision(card govcard.Card) (time.Time, bool) {
	fields, ok := card["REV"]
	if !ok {
		return time.Time{}, false
	}
	var latest time.Time
	var found bool
	for _, f := range fields {
		t, ok := parseTime(f.Value, revisionLayouts)
		if !ok {
			continue
		}
		if !found || t.After(latest) {
			latest = t
			found = true
		}
	}
	return latest, found
}

func parseName(card govcard.Card) model.StructuredName {
	fields, ok := card["N"]
	if !ok || len(fields) == 0 {
		return decomposeFromFN(lastValue(card, "FN"))
	}
	parts := strings.Split(fields[len(fields)-1].Value, ";")
	get := func(i int) string {
		if i < len(parts) {
			return parts[i]
		}
		return ""
	}
	name := model.StructuredName{
		Family:     get(0),
		Given:      get(1),
		Additional: get(2),
		Prefixes:   get(3),
		Suffixes:   get(4),
	}
	if name.IsEmpty() {
		return decomposeFromFN(lastValue(card, "FN"))
	}
	return name
}

// decomposeFromFN implements the fallback for servers that emit a bare FN
// with no structured N: first token becomes Given, the remainder Family.
func decomposeFromFN(fn string) model.StructuredName {
	fn = strings.TrimSpace(fn)
	if fn == "" {
		return model.StructuredName{}
	}
	fields := strings.Fields(fn)
	if len(fields) == 1 {
		return model.StructuredName{Given: fields[0]}
	}
	return model.StructuredName{Given: fields[0], Family: strings.Join(fields[1:], " ")}
}

func typedValues(card govcard.Card, name string) []model.TypedValue {
	fields, ok := card[name]
	if !ok {
		return nil
	}
	out := make([]model.TypedValue, 0, len(fields))
	for _, f := range fields {
		out = append(out, model.TypedValue{Type: fieldType(f), Value: f.Value})
	}
	return out
}

func parseAddresses(card govcard.Card) []model.StructuredAddress {
	fields, ok := card["ADR"]
	if !ok {
		return nil
	}
	out := make([]model.StructuredAddress, 0, len(fields))
	for _, f := range fields {
		parts := strings.Split(f.Value, ";")
		get := func(i int) string {
			if i < len(parts) {
				return parts[i]
			}
			return ""
		}
		out = append(out, model.StructuredAddress{
			Type:            fieldType(f),
			ExtendedAddress: get(1),
			Street:          get(2),
			City:            get(3),
			Region:          get(4),
			PostalCode:      get(5),
			Country:         get(6),
		})
	}
	return out
}

func setTypedFields(card govcard.Card, name string, values []model.TypedValue) {
	if len(values) == 0 {
		return
	}
	fields := make([]*govcard.Field, 0, len(values))
	for _, v := range values {
		f := &govcard.Field{Value: v.Value}
		if v.Type != "" {
			f.Params = govcard.Params{"TYPE": {v.Type}}
		}
		fields = append(fields, f)
	}
	card[name] = fields
}

func setAddressFields(card govcard.Card, addrs []model.StructuredAddress) {
	if len(addrs) == 0 {
		return
	}
	fields := make([]*govcard.Field, 0, len(addrs))
	for _, a := range addrs {
		value := strings.Join([]string{"", a.ExtendedAddress, a.Street, a.City, a.Region, a.PostalCode, a.Country}, ";")
		f := &govcard.Field{Value: value}
		if a.Type != "" {
			f.Params = govcard.Params{"TYPE": {a.Type}}
		}
		fields = append(fields, f)
	}
	card["ADR"] = fields
}

func fieldType(f *govcard.Field) string {
	if f.Params == nil {
		return ""
	}
	types := f.Params["TYPE"]
	if len(types) == 0 {
		return ""
	}
	return types[0]
}

// lastValue returns the value of the last occurrence of a property, which
// is the collapse rule this converter uses for singular fields a malformed
// or merged source vCard emitted more than once (BDAY, UID, X-GENDER,
// ORG, TITLE, ROLE, NOTE, NICKNAME; REV goes through latestRevision
// instead): last-write-wins matches how most
// clients append a corrected copy rather than replacing the first one.
func lastValue(card govcard.Card, name string) string {
	fields, ok := card[name]
	if !ok || len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1].Value
}

func isURLPhoto(card govcard.Card, value string) bool {
	if value == "" {
		return false
	}
	fields, ok := card["PHOTO"]
	if !ok || len(fields) == 0 {
		return strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://")
	}
	f := fields[len(fields)-1]
	if f.Params != nil {
		if v := f.Params["VALUE"]; len(v) > 0 && strings.EqualFold(v[0], "uri") {
			return true
		}
		if enc := f.Params["ENCODING"]; len(enc) > 0 {
			return false
		}
	}
	return strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://")
}

func parseTime(value string, layouts []string) (time.Time, bool) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// unfoldLines splits raw vCard bytes into logical (unfolded) content lines
// per RFC 2426 §2.6: a line beginning with a space or tab is a continuation
// of the previous one.
func unfoldLines(raw []byte) []string {
	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	rawLines := strings.Split(text, "\n")

	var lines []string
	for _, l := range rawLines {
		if l == "" {
			continue
		}
		if (l[0] == ' ' || l[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += l[1:]
			continue
		}
		lines = append(lines, l)
	}
	return lines
}

// extractUnsupported returns every content line (verbatim, minus the
// BEGIN/END/VERSION framing lines the encoder regenerates) whose property
// name isn't in the whitelist.
func extractUnsupported(lines []string) []string {
	var out []string
	for _, l := range lines {
		name := strings.ToUpper(propertyName(l))
		if name == "BEGIN" || name == "END" || name == "VERSION" {
			continue
		}
		if !isSupportedProperty(name) {
			out = append(out, l)
		}
	}
	return out
}

// spliceUnsupported inserts the preserved raw lines back into the encoded
// vCard immediately before END:VCARD, CRLF-terminated to match the rest of
// the wire encoding.
func spliceUnsupported(encoded []byte, unsupported []string) []byte {
	if len(unsupported) == 0 {
		return encoded
	}
	marker := []byte("END:VCARD")
	idx := bytes.LastIndex(encoded, marker)
	if idx < 0 {
		return encoded
	}
	var insert bytes.Buffer
	for _, l := range unsupported {
		insert.WriteString(l)
		insert.WriteString("\r\n")
	}
	out := make([]byte, 0, len(encoded)+insert.Len())
	out = append(out, encoded[:idx]...)
	out = append(out, insert.Bytes()...)
	out = append(out, encoded[idx:]...)
	return out
}
