// Package session – the Factory builds sessions seeded with a job's
// captured cookies.
package session

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/firasghr/GoBookingEngine/client"
	"github.com/firasghr/GoBookingEngine/config"
	"github.com/firasghr/GoBookingEngine/fingerprint"
	"github.com/firasghr/GoBookingEngine/logger"
	"github.com/firasghr/GoBookingEngine/proxy"
	"github.com/firasghr/GoBookingEngine/store"
)

// Factory builds ready-to-fire sessions against one booking origin.
//
// Cookie seeding order is deterministic: the analytics cookies land on
// the parent domain, ci_session lands host-only on the origin, and a
// job-level ci_session always wins over the user-global credential.
// Duplicate names are resolved before insertion so the jar never holds
// two aliases of the same cookie.
type Factory struct {
	cfg     *config.Config
	profile fingerprint.Profile
	proxies *proxy.ProxyManager
	log     *logger.Logger
	baseURL *url.URL
}

// NewFactory validates cfg.BaseURL and returns a Factory producing
// sessions with the given browser identity. pm may be nil for direct
// connections.
func NewFactory(cfg *config.Config, prof fingerprint.Profile, pm *proxy.ProxyManager, log *logger.Logger) (*Factory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("session: config must not be nil")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("session: parse base URL %q: %w", cfg.BaseURL, err)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Factory{
		cfg:     cfg,
		profile: prof,
		proxies: pm,
		log:     log,
		baseURL: base,
	}, nil
}

// New constructs a session whose jar is seeded from the job cookies,
// falling back to the user-global ci_session when the job carries
// none.
func (f *Factory) New(userCI string, jobCookies store.Cookies) (*Session, error) {
	proxyStr := ""
	if f.proxies != nil {
		u, err := f.proxies.NextURL()
		if err != nil {
			return nil, fmt.Errorf("session: pick proxy: %w", err)
		}
		if u != nil {
			proxyStr = u.String()
		}
	}

	h2 := f.cfg.UseHTTP2 && proxyStr == ""
	httpClient, err := client.NewHTTPClient(client.Options{
		Proxy:               proxyStr,
		Timeout:             f.cfg.SubmitTimeout.Std(),
		UseHTTP2:            f.cfg.UseHTTP2,
		HelloID:             f.profile.HelloID,
		TLSConfig:           f.profile.TLSConfig,
		MaxIdleConns:        f.cfg.MaxIdleConns,
		MaxIdleConnsPerHost: f.cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     f.cfg.MaxConnsPerHost,
	})
	if err != nil {
		return nil, fmt.Errorf("session: create HTTP client: %w", err)
	}

	id := uuid.NewString()
	s := &Session{
		ID:        id,
		Client:    httpClient,
		CookieJar: httpClient.Jar,
		Proxy:     proxyStr,
		base:      f.baseURL,
		profile:   f.profile,
		log:       f.log.WithField("session", id[:8]),
		h2:        h2,
		createdAt: time.Now(),
	}
	s.lastActivity = s.createdAt

	f.seedJar(httpClient.Jar, userCI, jobCookies)
	return s, nil
}

// BaseURL returns the origin the factory builds sessions for.
func (f *Factory) BaseURL() *url.URL {
	return f.baseURL
}

// Profile returns the browser identity shared by all sessions.
func (f *Factory) Profile() fingerprint.Profile {
	return f.profile
}

// seedJar loads the captured cookies into the jar. The analytics pair
// goes on the parent domain so subdomains match; ci_session stays
// host-only like the upstream sets it.
func (f *Factory) seedJar(jar http.CookieJar, userCI string, jc store.Cookies) {
	host := f.baseURL.Hostname()
	var cookies []*http.Cookie
	if jc.GA != "" {
		cookies = append(cookies, &http.Cookie{Name: "_ga", Value: jc.GA, Domain: host, Path: "/"})
	}
	if jc.GASession != "" {
		cookies = append(cookies, &http.Cookie{Name: "_ga_session", Value: jc.GASession, Domain: host, Path: "/"})
	}
	ci := strings.TrimSpace(jc.CISession)
	if ci == "" {
		ci = strings.TrimSpace(userCI)
	}
	if ci != "" {
		cookies = append(cookies, &http.Cookie{Name: "ci_session", Value: ci, Path: "/"})
	}
	if len(cookies) == 0 {
		return
	}
	jar.SetCookies(f.baseURL, DedupeCookies(cookies))
}

// DedupeCookies collapses cookies sharing (name, domain, path) down to
// the last value while preserving first-seen order. The jar would
// otherwise hold aliased entries and send both.
func DedupeCookies(cookies []*http.Cookie) []*http.Cookie {
	type key struct{ name, domain, path string }
	index := make(map[key]int)
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		k := key{c.Name, c.Domain, c.Path}
		if at, ok := index[k]; ok {
			out[at] = c
			continue
		}
		index[k] = len(out)
		out = append(out, c)
	}
	return out
}
