package fingerprint_test

import (
	"net/http"
	"strings"
	"testing"

	"github.com/firasghr/GoBookingEngine/fingerprint"
)

func TestMobileEdgeProfile_NotNil(t *testing.T) {
	p := fingerprint.MobileEdgeProfile()
	if p == nil {
		t.Fatal("MobileEdgeProfile returned nil")
	}
	if p.TLSConfig == nil {
		t.Error("TLSConfig should not be nil")
	}
	if !strings.Contains(p.UserAgent, "Edg/139") {
		t.Errorf("UserAgent should identify Edge 139, got %q", p.UserAgent)
	}
	if p.SecChUAMobile != "?1" {
		t.Errorf("SecChUAMobile = %q, want ?1", p.SecChUAMobile)
	}
	if !strings.Contains(p.SecChUA, `"Chromium";v="139"`) {
		t.Errorf("SecChUA should carry Chromium 139, got %q", p.SecChUA)
	}
}

func TestDesktopChromeProfile_NotNil(t *testing.T) {
	p := fingerprint.DesktopChromeProfile()
	if p == nil {
		t.Fatal("DesktopChromeProfile returned nil")
	}
	if p.TLSConfig == nil {
		t.Error("TLSConfig should not be nil")
	}
	if p.UserAgent == "" {
		t.Error("UserAgent should not be empty")
	}
	if p.SecChUAMobile != "?0" {
		t.Errorf("SecChUAMobile = %q, want ?0", p.SecChUAMobile)
	}
}

func TestDocumentHeaders_OrderAndReferer(t *testing.T) {
	p := fingerprint.MobileEdgeProfile()
	hs := p.DocumentHeaders("https://example.test/peraturan/semeru?date_depart=2026-09-01")

	var names []string
	for _, h := range hs {
		names = append(names, h.Name)
	}
	// The identity block follows Upgrade-Insecure-Requests, client hints last.
	idxUA, idxUIR, idxHint := -1, -1, -1
	for i, n := range names {
		switch n {
		case "User-Agent":
			idxUA = i
		case "Upgrade-Insecure-Requests":
			idxUIR = i
		case "sec-ch-ua":
			idxHint = i
		}
	}
	if idxUA < 0 || idxUIR < 0 || idxHint < 0 {
		t.Fatalf("missing expected headers in %v", names)
	}
	if !(idxUIR < idxUA && idxUA < idxHint) {
		t.Errorf("header order wrong: %v", names)
	}

	found := false
	for _, h := range hs {
		if h.Name == "Referer" {
			found = true
			if !strings.Contains(h.Value, "date_depart=") {
				t.Errorf("Referer lost its query: %q", h.Value)
			}
		}
	}
	if !found {
		t.Error("Referer header missing")
	}
}

func TestDocumentHeaders_NoRefererWhenEmpty(t *testing.T) {
	p := fingerprint.MobileEdgeProfile()
	for _, h := range p.DocumentHeaders("") {
		if h.Name == "Referer" {
			t.Error("Referer should be omitted for a cold entry")
		}
	}
}

func TestXHRHeaders_MarksAJAX(t *testing.T) {
	p := fingerprint.MobileEdgeProfile()
	hs := p.XHRHeaders("https://example.test", "https://example.test/member/booking")

	get := func(name string) string {
		for _, h := range hs {
			if h.Name == name {
				return h.Value
			}
		}
		return ""
	}
	if get("X-Requested-With") != "XMLHttpRequest" {
		t.Error("XHR header set must carry X-Requested-With: XMLHttpRequest")
	}
	if get("Origin") != "https://example.test" {
		t.Errorf("Origin = %q", get("Origin"))
	}
	if !strings.HasPrefix(get("Content-Type"), "application/x-www-form-urlencoded") {
		t.Errorf("Content-Type = %q", get("Content-Type"))
	}
	if get("Sec-Fetch-Mode") != "cors" {
		t.Errorf("Sec-Fetch-Mode = %q, want cors", get("Sec-Fetch-Mode"))
	}
}

func TestApplyToTransport_SetsTLSConfig(t *testing.T) {
	p := fingerprint.MobileEdgeProfile()
	tr := &http.Transport{}
	p.ApplyToTransport(tr)

	if tr.TLSClientConfig == nil {
		t.Fatal("TLSClientConfig not set on transport")
	}
	if len(tr.TLSClientConfig.CipherSuites) == 0 {
		t.Error("expected non-empty cipher suite list")
	}
}

func TestApplyToTransport_NilTransport(t *testing.T) {
	p := fingerprint.MobileEdgeProfile()
	// Must not panic.
	p.ApplyToTransport(nil)
}

func TestApplyToTransport_Isolation(t *testing.T) {
	p := fingerprint.MobileEdgeProfile()
	tr1 := &http.Transport{}
	tr2 := &http.Transport{}
	p.ApplyToTransport(tr1)
	p.ApplyToTransport(tr2)

	// Modifying one transport's TLS config must not affect the other.
	tr1.TLSClientConfig.MinVersion = 0
	if tr2.TLSClientConfig.MinVersion == 0 {
		t.Error("TLS configs of tr1 and tr2 should be independent clones")
	}
}
