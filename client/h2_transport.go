package client

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"

	utls "github.com/refraction-networking/utls"
)

// Chromium HTTP/2 SETTINGS frame values captured from a real client
// (verified against Wireshark traces; stable across Chrome/Edge 120-139).
//
// Reference: https://datatracker.ietf.org/doc/html/rfc7540#section-6.5
const (
	// chromiumH2HeaderTableSize is sent as SETTINGS_HEADER_TABLE_SIZE.
	// Chromium raises this from the default 4 096 to 65 536 octets.
	chromiumH2HeaderTableSize uint32 = 65536

	// chromiumH2InitialWindowSize is sent as SETTINGS_INITIAL_WINDOW_SIZE
	// (stream-level flow-control window).
	chromiumH2InitialWindowSize int32 = 6291456

	// chromiumH2ConnWindowSize is the connection-level flow-control
	// increment sent in the WINDOW_UPDATE frame immediately after the
	// client preface (15 663 105 = 0xEF_0001).
	chromiumH2ConnWindowSize int32 = 15663105

	// chromiumH2MaxHeaderListSize is sent as SETTINGS_MAX_HEADER_LIST_SIZE.
	chromiumH2MaxHeaderListSize uint32 = 262144
)

// ChromiumPseudoHeaderOrder lists the HTTP/2 pseudo-header names in the
// order that a real Chromium client sends them.
//
// The standard golang.org/x/net/http2 library writes pseudo-headers in a
// fixed internal order (:method, :path, :scheme, :authority).  Chromium
// writes them as :method → :authority → :scheme → :path.  Full wire-level
// fidelity for pseudo-header ordering requires either a patched http2 package
// or a custom HPACK/framing layer; this constant documents the target order
// for integrators who need that level of precision.
var ChromiumPseudoHeaderOrder = []string{
	":method",
	":authority",
	":scheme",
	":path",
}

// H2TransportConfig groups the tunable parameters for NewBrowserH2Transport.
type H2TransportConfig struct {
	// HelloID is the uTLS ClientHello fingerprint to use for TLS.
	// Defaults to utls.HelloChrome_Auto when zero.
	HelloID utls.ClientHelloID

	// BaseHeader is the ordered browser-identity header set applied to
	// every request before the caller's own headers are overlaid.  May be
	// nil, in which case requests go out with only their own headers.
	BaseHeader *OrderedHeader

	// IdleConnTimeout is the maximum time an idle HTTP/2 connection is kept
	// alive.  Defaults to 90 s.
	IdleConnTimeout time.Duration

	// PingTimeout is the time after which a ping-based health-check fails.
	// Defaults to 15 s (the http2 library default).
	PingTimeout time.Duration

	// ReadIdleTimeout enables periodic ping health-checks when > 0.
	// Prewarmed connections sit idle between the warm-up and the deadline,
	// so pings keep them from dying silently.
	ReadIdleTimeout time.Duration
}

// NewBrowserH2Transport returns an http.RoundTripper that mimics a Chromium
// HTTP/2 client as closely as possible within the constraints of the
// golang.org/x/net/http2 package:
//
//   - TLS handshake uses the uTLS ClientHelloSpec for cfg.HelloID (JA3/JA4
//     bypass).
//   - SETTINGS_HEADER_TABLE_SIZE  = 65 536
//   - SETTINGS_MAX_HEADER_LIST_SIZE = 262 144
//   - DisableCompression is false so the transport never injects its own
//     Accept-Encoding header over the one in BaseHeader.
//
// Note on pseudo-header ordering: the golang.org/x/net/http2 library does not
// expose an API for reordering pseudo-headers (:method, :authority, :scheme,
// :path).  ChromiumPseudoHeaderOrder documents the target order; achieving
// exact wire-level fidelity requires a patched http2 package.
//
// The returned transport wraps http2.Transport in a browserRoundTripper that
// applies cfg.BaseHeader (exact capitalisation and insertion order) to every
// outgoing request before handing it off to the underlying http2 layer.
func NewBrowserH2Transport(cfg H2TransportConfig) http.RoundTripper {
	if cfg.HelloID == (utls.ClientHelloID{}) {
		cfg.HelloID = utls.HelloChrome_Auto
	}
	if cfg.IdleConnTimeout == 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	dialFn := UTLSDialer(cfg.HelloID)

	h2t := &http2.Transport{
		// Wire the uTLS dialer so every HTTP/2 connection uses the
		// parroted TLS fingerprint.
		DialTLSContext: func(ctx context.Context, network, addr string, tlsCfg *tls.Config) (net.Conn, error) {
			return dialFn(ctx, network, addr, tlsCfg)
		},

		// SETTINGS_HEADER_TABLE_SIZE = 65 536
		MaxDecoderHeaderTableSize: chromiumH2HeaderTableSize,
		MaxEncoderHeaderTableSize: chromiumH2HeaderTableSize,

		// SETTINGS_MAX_HEADER_LIST_SIZE = 262 144
		MaxHeaderListSize: chromiumH2MaxHeaderListSize,

		// Keep Accept-Encoding in sync with the OrderedHeader we apply;
		// setting DisableCompression: false means the transport won't add
		// its own Accept-Encoding header and override ours.
		DisableCompression: false,

		// Health-check and timeout knobs.
		IdleConnTimeout: cfg.IdleConnTimeout,
		PingTimeout:     cfg.PingTimeout,
		ReadIdleTimeout: cfg.ReadIdleTimeout,
	}

	return &browserRoundTripper{base: cfg.BaseHeader, next: h2t}
}

// browserRoundTripper wraps a transport and applies an ordered browser
// header set to every request before forwarding it.
type browserRoundTripper struct {
	base *OrderedHeader
	next http.RoundTripper
}

// RoundTrip satisfies http.RoundTripper.  It clones the incoming request,
// applies the base ordered headers (preserving exact capitalisation and
// insertion order), and delegates to the underlying transport.
//
// Headers already present on the request are NOT discarded: per-request
// values (Cookie, Content-Type, Referer, …) replace the base entry of the
// same name, or are appended after the base set when the name is new.  The
// base set itself is never mutated.
func (t *browserRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.base == nil || t.base.Len() == 0 {
		return t.next.RoundTrip(req)
	}

	// Clone so we do not mutate the caller's request.
	r := req.Clone(req.Context())

	merged := t.base.Clone()
	for key, vals := range r.Header {
		if len(vals) == 0 {
			continue
		}
		// Set replaces case-insensitively, keeping the base position when
		// the header already exists there.
		merged.Set(key, vals[0])
		for _, v := range vals[1:] {
			merged.Add(key, v)
		}
	}
	merged.ApplyToRequest(r)

	return t.next.RoundTrip(r)
}
