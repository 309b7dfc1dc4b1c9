// Package fingerprint provides utilities for keeping TLS/HTTP protocol
// fingerprints coherent across every session the engine opens.
//
// Anti-bot systems correlate the TLS ClientHello (JA3), HTTP/2 SETTINGS
// frame, User-Agent and client-hint headers to detect automation.  A mismatch
// between any of these signals – e.g. a Chrome-like TLS hello combined with a
// custom User-Agent – is a reliable automation indicator.  This package
// provides a Profile type that bundles all of these signals so that every
// request a job sends carries one consistent browser identity.
//
// # TLS fingerprint
//
// The uTLS ClientHelloID in Profile.HelloID selects the parroted hello for
// the HTTP/2 path.  For the plain HTTP/1.1 fallback the standard crypto/tls
// package does not expose JA3 directly, but the shape of the ClientHello is
// determined by the cipher suite list, TLS version range and extension set,
// so Profile.TLSConfig fixes those to browser-consistent values.
//
// # Header ordering
//
// Browsers emit request headers in a stable order.  DocumentHeaders and
// XHRHeaders return ordered slices matching what the upstream booking pages
// observe from a real mobile browser, ready to be loaded into a
// client.OrderedHeader.
package fingerprint

import (
	"crypto/tls"
	"net/http"

	utls "github.com/refraction-networking/utls"
)

// Header is an ordered name-value pair for HTTP headers.
type Header struct {
	Name  string
	Value string
}

// Profile bundles the correlated fingerprint signals for one browser
// identity.  A job picks its profile once and keeps it for every request in
// the flow, so the upstream never sees the identity change mid-session.
type Profile struct {
	// Name identifies the profile in logs.
	Name string

	// UserAgent is sent as the User-Agent header on every request.
	UserAgent string

	// AcceptLanguage is the browser locale preference list.
	AcceptLanguage string

	// SecChUA, SecChUAMobile and SecChUAPlatform are the low-entropy
	// client hints matching UserAgent.
	SecChUA         string
	SecChUAMobile   string
	SecChUAPlatform string

	// HelloID selects the uTLS parrot for the TLS handshake.
	HelloID utls.ClientHelloID

	// TLSConfig shapes the ClientHello on the plain crypto/tls fallback
	// path.  Ignored when the uTLS dialer is in use.
	TLSConfig *tls.Config
}

// MobileEdgeProfile returns the engine's primary identity: Microsoft Edge 139
// on Android, which is what the booking pages are normally browsed with on
// phones.  The TLS hello parrots the closest Chromium generation uTLS ships.
//
// Callers may clone and modify the returned profile without affecting the
// original.
func MobileEdgeProfile() *Profile {
	return &Profile{
		Name: "mobile-edge-139",
		UserAgent: "Mozilla/5.0 (Linux; Android 6.0; Nexus 5 Build/MRA58N) " +
			"AppleWebKit/537.36 (KHTML, like Gecko) " +
			"Chrome/139.0.0.0 Mobile Safari/537.36 Edg/139.0.0.0",
		AcceptLanguage:  "id,en;q=0.9,en-GB;q=0.8,en-US;q=0.7",
		SecChUA:         `"Not;A=Brand";v="99", "Microsoft Edge";v="139", "Chromium";v="139"`,
		SecChUAMobile:   "?1",
		SecChUAPlatform: `"Android"`,
		HelloID:         utls.HelloChrome_Auto,
		TLSConfig:       chromiumTLSConfig(),
	}
}

// DesktopChromeProfile returns a Windows Chrome identity, kept as a fallback
// for operators who register their cookies from a desktop browser.
func DesktopChromeProfile() *Profile {
	return &Profile{
		Name: "desktop-chrome-120",
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
			"AppleWebKit/537.36 (KHTML, like Gecko) " +
			"Chrome/120.0.0.0 Safari/537.36",
		AcceptLanguage:  "id,en;q=0.9,en-US;q=0.8",
		SecChUA:         `"Not_A Brand";v="8", "Chromium";v="120", "Google Chrome";v="120"`,
		SecChUAMobile:   "?0",
		SecChUAPlatform: `"Windows"`,
		HelloID:         utls.HelloChrome_120,
		TLSConfig:       chromiumTLSConfig(),
	}
}

// DocumentHeaders returns the ordered header set for a top-level page
// navigation, as the booking site sees them from a real browser.  referer may
// be empty for a cold entry.
func (p *Profile) DocumentHeaders(referer string) []Header {
	h := []Header{
		{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"},
		{Name: "Accept-Encoding", Value: "gzip, deflate, br, zstd"},
		{Name: "Accept-Language", Value: p.AcceptLanguage},
		{Name: "Connection", Value: "keep-alive"},
	}
	if referer != "" {
		h = append(h, Header{Name: "Referer", Value: referer})
	}
	h = append(h,
		Header{Name: "Sec-Fetch-Dest", Value: "document"},
		Header{Name: "Sec-Fetch-Mode", Value: "navigate"},
		Header{Name: "Sec-Fetch-Site", Value: "same-origin"},
		Header{Name: "Sec-Fetch-User", Value: "?1"},
		Header{Name: "Upgrade-Insecure-Requests", Value: "1"},
		Header{Name: "User-Agent", Value: p.UserAgent},
		Header{Name: "sec-ch-ua", Value: p.SecChUA},
		Header{Name: "sec-ch-ua-mobile", Value: p.SecChUAMobile},
		Header{Name: "sec-ch-ua-platform", Value: p.SecChUAPlatform},
	)
	return h
}

// XHRHeaders returns the ordered header set for an AJAX form post against the
// booking endpoints.  referer may be empty for endpoints reached without a
// page context, such as the public capacity view.
func (p *Profile) XHRHeaders(origin, referer string) []Header {
	h := []Header{
		{Name: "Accept", Value: "*/*"},
		{Name: "Accept-Encoding", Value: "gzip, deflate, br, zstd"},
		{Name: "Accept-Language", Value: p.AcceptLanguage},
		{Name: "Connection", Value: "keep-alive"},
		{Name: "Content-Type", Value: "application/x-www-form-urlencoded; charset=UTF-8"},
		{Name: "Origin", Value: origin},
	}
	if referer != "" {
		h = append(h, Header{Name: "Referer", Value: referer})
	}
	h = append(h,
		Header{Name: "Sec-Fetch-Dest", Value: "empty"},
		Header{Name: "Sec-Fetch-Mode", Value: "cors"},
		Header{Name: "Sec-Fetch-Site", Value: "same-origin"},
		Header{Name: "User-Agent", Value: p.UserAgent},
		Header{Name: "X-Requested-With", Value: "XMLHttpRequest"},
		Header{Name: "sec-ch-ua", Value: p.SecChUA},
		Header{Name: "sec-ch-ua-mobile", Value: p.SecChUAMobile},
		Header{Name: "sec-ch-ua-platform", Value: p.SecChUAPlatform},
	)
	return h
}

// ApplyToTransport configures t's TLS settings from the profile.  Call this
// once when constructing the plain http.Transport for a session that is not
// using the uTLS dialer.  It does not mutate any other transport fields.
func (p *Profile) ApplyToTransport(t *http.Transport) {
	if t == nil || p.TLSConfig == nil {
		return
	}
	t.TLSClientConfig = p.TLSConfig.Clone()
}

// chromiumTLSConfig returns a *tls.Config whose cipher suite and version
// settings produce a ClientHello consistent with current Chromium builds.
//
// Cipher suites are ordered to match Chromium's preference list.  TLS 1.2 is
// the minimum to avoid advertising TLS 1.0/1.1, which modern Chromium does
// not support and which would be an automation signal.
func chromiumTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		// TLS 1.3 suites are fixed by RFC 8446 and cannot be customised
		// via this field in Go's tls package.
		CipherSuites: []uint16{
			tls.TLS_AES_128_GCM_SHA256,
			tls.TLS_AES_256_GCM_SHA384,
			tls.TLS_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},
	}
}
