package client

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	utls "github.com/refraction-networking/utls"
)

// transportDefaults groups transport-layer knobs that are set once at
// construction time. Exposing them as a struct makes unit-testing easier and
// keeps NewHTTPClient's signature small.
type transportDefaults struct {
	maxIdleConns        int
	maxIdleConnsPerHost int
	maxConnsPerHost     int
}

// defaultTransport holds the tuning values used when callers do not supply
// explicit pool sizes. These numbers are sized for ~100 sessions hitting a
// single origin at the same deadline.
var defaultTransport = transportDefaults{
	maxIdleConns:        500,
	maxIdleConnsPerHost: 100,
	maxConnsPerHost:     200,
}

// Options bundles the per-session parameters for NewHTTPClient.
type Options struct {
	// Proxy is an optional proxy URL string, e.g. "http://host:port".
	// Empty means direct.
	Proxy string

	// Timeout is the end-to-end request cap passed to http.Client.Timeout.
	// Individual calls tighten this further with context deadlines.
	Timeout time.Duration

	// UseHTTP2 selects the fingerprinted HTTP/2 transport.  Ignored when a
	// proxy is configured: the h2 path dials TLS itself and cannot tunnel
	// through a CONNECT proxy, so proxied sessions fall back to HTTP/1.1.
	UseHTTP2 bool

	// HelloID is the uTLS fingerprint for the HTTP/2 path.
	HelloID utls.ClientHelloID

	// BaseHeader is the ordered browser-identity header set applied to
	// every request.
	BaseHeader *OrderedHeader

	// TLSConfig shapes the ClientHello on the HTTP/1.1 path.  May be nil.
	TLSConfig *tls.Config

	// Pool sizing; zero values fall back to defaultTransport.
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
}

// NewHTTPClient constructs a *http.Client that is safe for concurrent use.
//
// Design decisions:
//
//  1. Custom transport per client – the default transport shares a global
//     pool which becomes a bottleneck when a hundred sessions compete for
//     idle connections at the deadline. Each session gets its own transport,
//     eliminating lock contention on the shared pool.
//
//  2. Keep-alives are enabled so that TCP connections opened during prewarm
//     are reused at the deadline, dropping the handshake from the critical
//     path.
//
//  3. Connection-pool limits (MaxIdleConns / MaxIdleConnsPerHost /
//     MaxConnsPerHost) prevent a single session from exhausting OS
//     file-descriptor limits while still allowing burst parallelism.
//
//  4. IdleConnTimeout evicts stale connections from the pool so the OS can
//     reclaim sockets that were silently closed by the remote server or
//     intermediate proxies.
//
//  5. A per-session http.CookieJar provides automatic cookie management
//     without cross-session contamination; the session factory seeds it
//     with the job's captured cookies before first use.
//
//  6. The transport is wrapped so the ordered browser-identity headers in
//     opts.BaseHeader go out with exact casing and order on every request.
func NewHTTPClient(opts Options) (*http.Client, error) {
	var rt http.RoundTripper
	if opts.UseHTTP2 && opts.Proxy == "" {
		rt = NewBrowserH2Transport(H2TransportConfig{
			HelloID:    opts.HelloID,
			BaseHeader: opts.BaseHeader,
			// Ping idle connections so a socket prewarmed minutes before
			// the deadline is still alive when the booking flow starts.
			ReadIdleTimeout: 30 * time.Second,
		})
	} else {
		transport, err := buildTransport(opts)
		if err != nil {
			return nil, err
		}
		rt = &browserRoundTripper{base: opts.BaseHeader, next: transport}
	}

	jar, err := newCookieJar()
	if err != nil {
		return nil, fmt.Errorf("client: create cookie jar: %w", err)
	}

	return &http.Client{
		Transport: rt,
		Jar:       jar,
		Timeout:   opts.Timeout,
		// CheckRedirect is intentionally left nil so the client follows
		// redirects automatically (up to the default limit of 10).
	}, nil
}

// buildTransport creates an *http.Transport with carefully tuned defaults for
// the HTTP/1.1 path. If opts.Proxy is non-empty it is parsed and attached.
func buildTransport(opts Options) (*http.Transport, error) {
	maxIdle := opts.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultTransport.maxIdleConns
	}
	maxIdlePerHost := opts.MaxIdleConnsPerHost
	if maxIdlePerHost <= 0 {
		maxIdlePerHost = defaultTransport.maxIdleConnsPerHost
	}
	maxPerHost := opts.MaxConnsPerHost
	if maxPerHost <= 0 {
		maxPerHost = defaultTransport.maxConnsPerHost
	}

	t := &http.Transport{
		// Keep-alives are on by default; making this explicit documents intent.
		DisableKeepAlives: false,

		MaxIdleConns:        maxIdle,
		MaxIdleConnsPerHost: maxIdlePerHost,
		MaxConnsPerHost:     maxPerHost,

		// Evict idle connections after 90 s so we do not hold dead sockets.
		IdleConnTimeout: 90 * time.Second,

		// TLS handshakes that stall for more than 10 s are aborted.
		TLSHandshakeTimeout: 10 * time.Second,

		// ExpectContinueTimeout limits the time to wait for a server's
		// first response headers after sending the request headers when
		// the request body uses "Expect: 100-continue".
		ExpectContinueTimeout: 1 * time.Second,

		// The ordered header set carries its own Accept-Encoding, so the
		// transport must not negotiate (and transparently decode) gzip on
		// its own; ReadBody handles decoding instead.
		DisableCompression: true,

		// The browser-identity story lives on the HTTP/2 path; here we
		// only shape the hello as far as crypto/tls allows.
		ForceAttemptHTTP2: false,
	}
	if opts.TLSConfig != nil {
		t.TLSClientConfig = opts.TLSConfig.Clone()
	}

	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("client: parse proxy URL %q: %w", opts.Proxy, err)
		}
		t.Proxy = http.ProxyURL(proxyURL)
	}

	return t, nil
}

// newCookieJar creates a cookie jar for one session.  Passing nil options
// uses the default jar behaviour, which is sufficient for a single-origin
// engine where cross-domain cookie isolation never comes into play.
func newCookieJar() (http.CookieJar, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return jar, nil
}
