package carddav

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

type fakeCredential struct{ applied int }

func (f *fakeCredential) Apply(req *http.Request) {
	f.applied++
	req.Header.Set("Authorization", "Bearer fake")
}

func TestResolveURLRelativeAndAbsolute(t *testing.T) {
	u, err := resolveURL("https://dav.example.com/base/", "/principals/jane/")
	if err != nil {
		t.Fatalf("resolveURL: %v", err)
	}
	if u.Path != "/principals/jane/" || u.Host != "dav.example.com" {
		t.Errorf("u = %v", u)
	}

	u2, err := resolveURL("https://dav.example.com/base/", "relative/path")
	if err != nil {
		t.Fatalf("resolveURL relative: %v", err)
	}
	if u2.Path != "/base/relative/path" {
		t.Errorf("u2.Path = %q", u2.Path)
	}

	u3, err := resolveURL("https://dav.example.com/base/", "https://other.example.com/x")
	if err != nil {
		t.Fatalf("resolveURL abs: %v", err)
	}
	if u3.Host != "other.example.com" {
		t.Errorf("u3.Host = %q, want other.example.com", u3.Host)
	}
}

func TestResolveURLDecodesPercent40(t *testing.T) {
	u, err := resolveURL("https://dav.example.com/", "/principals/jane%40example.com/")
	if err != nil {
		t.Fatalf("resolveURL: %v", err)
	}
	if !strings.Contains(u.Path, "jane@example.com") {
		t.Errorf("u.Path = %q, want decoded @", u.Path)
	}
}

func TestQualifyContactHref(t *testing.T) {
	cases := []struct {
		bookPath, uri, want string
	}{
		{"/ab/", "/ab/contact1.vcf", "/ab/contact1.vcf"},
		{"/ab/", "contact2", "/ab/contact2.vcf"},
		{"/ab/", "/ab/needs escaping.vcf", "/ab/needs%20escaping.vcf"},
	}
	for _, c := range cases {
		got := qualifyContactHref(c.bookPath, c.uri)
		if got != c.want {
			t.Errorf("qualifyContactHref(%q, %q) = %q, want %q", c.bookPath, c.uri, got, c.want)
		}
	}
}

func TestCurrentUserInformationAppliesCredentialAndDepth(t *testing.T) {
	cred := &fakeCredential{}
	f := NewRequestFactory(cred)
	req, err := f.CurrentUserInformation("https://dav.example.com/", "")
	if err != nil {
		t.Fatalf("CurrentUserInformation: %v", err)
	}
	if req.Method != "PROPFIND" {
		t.Errorf("Method = %q", req.Method)
	}
	if req.Header.Get("Depth") != "0" {
		t.Errorf("Depth = %q, want 0", req.Header.Get("Depth"))
	}
	if req.Header.Get("Authorization") != "Bearer fake" {
		t.Errorf("credential not applied")
	}
	if cred.applied != 1 {
		t.Errorf("applied = %d, want 1", cred.applied)
	}
	body, _ := io.ReadAll(req.Body)
	if !strings.Contains(string(body), "current-user-principal") {
		t.Errorf("body = %s", body)
	}
}

func TestAddressbooksInformationDepth1(t *testing.T) {
	f := NewRequestFactory(nil)
	req, err := f.AddressbooksInformation("https://dav.example.com/", "/addressbooks/jane/")
	if err != nil {
		t.Fatalf("AddressbooksInformation: %v", err)
	}
	if req.Header.Get("Depth") != "1" {
		t.Errorf("Depth = %q, want 1", req.Header.Get("Depth"))
	}
	body, _ := io.ReadAll(req.Body)
	for _, want := range []string{"resourcetype", "displayname", "getctag"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("body missing %q:\n%s", want, body)
		}
	}
}

func TestSyncTokenDeltaIncludesToken(t *testing.T) {
	f := NewRequestFactory(nil)
	req, err := f.SyncTokenDelta("https://dav.example.com/", "/ab/", "opaque-1")
	if err != nil {
		t.Fatalf("SyncTokenDelta: %v", err)
	}
	if req.Method != "REPORT" {
		t.Errorf("Method = %q", req.Method)
	}
	body, _ := io.ReadAll(req.Body)
	if !strings.Contains(string(body), "opaque-1") {
		t.Errorf("body missing sync-token:\n%s", body)
	}
}

func TestContactMultigetQualifiesHrefs(t *testing.T) {
	f := NewRequestFactory(nil)
	req, err := f.ContactMultiget("https://dav.example.com/", "/ab/", []string{"/ab/a.vcf", "b"})
	if err != nil {
		t.Fatalf("ContactMultiget: %v", err)
	}
	body, _ := io.ReadAll(req.Body)
	if !strings.Contains(string(body), "/ab/a.vcf") {
		t.Errorf("body missing a.vcf href:\n%s", body)
	}
	if !strings.Contains(string(body), "/ab/b.vcf") {
		t.Errorf("body missing qualified b.vcf href:\n%s", body)
	}
}

func TestUpsyncAddModSetsIfMatchOnlyWhenETagPresent(t *testing.T) {
	f := NewRequestFactory(nil)
	addReq, err := f.UpsyncAddMod("https://dav.example.com/", "/ab/new.vcf", "", []byte("BEGIN:VCARD\r\nEND:VCARD\r\n"))
	if err != nil {
		t.Fatalf("UpsyncAddMod add: %v", err)
	}
	if addReq.Header.Get("If-Match") != "" {
		t.Errorf("If-Match = %q, want empty for add", addReq.Header.Get("If-Match"))
	}
	if addReq.Method != http.MethodPut {
		t.Errorf("Method = %q", addReq.Method)
	}

	modReq, err := f.UpsyncAddMod("https://dav.example.com/", "/ab/existing.vcf", `"e1"`, []byte("BEGIN:VCARD\r\nEND:VCARD\r\n"))
	if err != nil {
		t.Fatalf("UpsyncAddMod mod: %v", err)
	}
	if modReq.Header.Get("If-Match") != `"e1"` {
		t.Errorf("If-Match = %q, want e1", modReq.Header.Get("If-Match"))
	}
}

func TestUpsyncDeleteSetsIfMatch(t *testing.T) {
	f := NewRequestFactory(nil)
	req, err := f.UpsyncDelete("https://dav.example.com/", "/ab/gone.vcf", `"e0"`)
	if err != nil {
		t.Fatalf("UpsyncDelete: %v", err)
	}
	if req.Method != http.MethodDelete {
		t.Errorf("Method = %q", req.Method)
	}
	if req.Header.Get("If-Match") != `"e0"` {
		t.Errorf("If-Match = %q", req.Header.Get("If-Match"))
	}
}
