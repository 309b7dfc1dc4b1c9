// Package session produces the per-execution HTTP sessions the booking
// flows run on. Each session owns its own HTTP client, cookie jar and
// browser identity so concurrent jobs never share connection state or
// credentials.
package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/firasghr/GoBookingEngine/client"
	"github.com/firasghr/GoBookingEngine/fingerprint"
	"github.com/firasghr/GoBookingEngine/logger"
)

// prewarmTimeout caps each warm-up request. A slow warm-up must never
// delay the trigger it runs ahead of.
const prewarmTimeout = 5 * time.Second

// Reply is one fully-read HTTP exchange. Body is already decoded
// according to Content-Encoding. TTFB runs from request start to the
// first response byte; URL is the final URL after redirects.
type Reply struct {
	Status int
	Header http.Header
	Body   []byte
	URL    string
	TTFB   time.Duration
	Total  time.Duration
}

// Session represents one independent booking session.
//
// Architecture notes:
//   - Each session holds its own *http.Client so that connection pools
//     and cookie jars are never shared between jobs firing at the same
//     deadline.
//   - The fingerprint profile is fixed at construction; every request
//     in the flow presents the same browser identity.
//   - A sync.RWMutex protects LastActivity; CreatedAt is set once and
//     never mutated.
type Session struct {
	// ID uniquely identifies the session in logs.
	ID string

	// Client is the underlying HTTP client. It must not be replaced
	// after construction; build a new Session instead.
	Client *http.Client

	// CookieJar is the jar embedded in Client, seeded with the job's
	// captured cookies before first use.
	CookieJar http.CookieJar

	// Proxy is the proxy URL used by this session, or empty for direct
	// connections. Stored for logging only; the transport already
	// carries it.
	Proxy string

	base    *url.URL
	profile fingerprint.Profile
	log     *logger.Logger
	h2      bool

	createdAt time.Time

	mu           sync.RWMutex
	lastActivity time.Time
}

// AbsoluteURL resolves a path against the session's base URL. Absolute
// inputs pass through unchanged.
func (s *Session) AbsoluteURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	ref, err := url.Parse(path)
	if err != nil {
		return s.base.String() + path
	}
	return s.base.ResolveReference(ref).String()
}

// Origin returns the scheme://host origin for AJAX headers.
func (s *Session) Origin() string {
	return s.base.Scheme + "://" + s.base.Host
}

// Get performs a document navigation GET. referer may be empty for a
// cold entry.
func (s *Session) Get(ctx context.Context, rawURL, referer string) (*Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("session %s: build request: %w", s.ID, err)
	}
	return s.do(req, s.profile.DocumentHeaders(referer))
}

// PostForm performs an AJAX form post against an action endpoint.
func (s *Session) PostForm(ctx context.Context, rawURL string, form url.Values, referer string) (*Reply, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("session %s: build request: %w", s.ID, err)
	}
	return s.do(req, s.profile.XHRHeaders(s.Origin(), referer))
}

// Prewarm performs two cheap GETs (the landing page and the member
// area) to complete the TLS handshake and populate server-side state,
// leaving warm connections in the pool for the trigger burst. Errors
// are swallowed; a failed warm-up only costs the latency it was meant
// to save.
func (s *Session) Prewarm(ctx context.Context) {
	for _, path := range []string{"/", "/member/booking"} {
		u := s.AbsoluteURL(path)
		reqCtx, cancel := context.WithTimeout(ctx, prewarmTimeout)
		reply, err := s.Get(reqCtx, u, "")
		cancel()
		if err != nil {
			s.log.Debugf("prewarm %s failed: %v", u, err)
			continue
		}
		s.log.Infof("prewarm %s status=%d ttfb=%s total=%s", u, reply.Status, reply.TTFB, reply.Total)
	}
}

// do sends the request with the given ordered headers, reads and
// decodes the whole body and records timing.
func (s *Session) do(req *http.Request, headers []fingerprint.Header) (*Reply, error) {
	oh := &client.OrderedHeader{}
	for _, h := range headers {
		// Connection is hop-by-hop and must not appear on HTTP/2.
		if s.h2 && strings.EqualFold(h.Name, "Connection") {
			continue
		}
		oh.Add(h.Name, h.Value)
	}
	oh.ApplyToRequest(req)

	var ttfb time.Duration
	start := time.Now()
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() { ttfb = time.Since(start) },
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session %s: execute %s %s: %w", s.ID, req.Method, req.URL, err)
	}
	body, err := client.ReadBody(resp)
	if err != nil {
		return nil, fmt.Errorf("session %s: read %s %s: %w", s.ID, req.Method, req.URL, err)
	}
	s.UpdateLastActivity()

	return &Reply{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
		URL:    resp.Request.URL.String(),
		TTFB:   ttfb,
		Total:  time.Since(start),
	}, nil
}

// CreatedAt reports when the session was constructed.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// LastActivity reports the wall-clock time of the most recent request.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// UpdateLastActivity records the current time as the session's last
// activity timestamp.
func (s *Session) UpdateLastActivity() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Close releases transport resources by closing all idle connections.
// After Close returns the session must not be used.
func (s *Session) Close() {
	type idleCloser interface{ CloseIdleConnections() }
	if t, ok := s.Client.Transport.(idleCloser); ok {
		t.CloseIdleConnections()
	}
}
