// Package protocol drives the portal's booking flow end to end: token
// acquisition from the booking page, AJAX priming, the site-specific
// submission paths and confirmation-code extraction. One Book call is
// one attempt against the upstream; the retry envelope lives with the
// caller.
package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/time/rate"

	"github.com/firasghr/GoBookingEngine/config"
	"github.com/firasghr/GoBookingEngine/logger"
	"github.com/firasghr/GoBookingEngine/lookup"
	"github.com/firasghr/GoBookingEngine/metrics"
	"github.com/firasghr/GoBookingEngine/payload"
	"github.com/firasghr/GoBookingEngine/probe"
	"github.com/firasghr/GoBookingEngine/session"
	"github.com/firasghr/GoBookingEngine/store"
	"github.com/firasghr/GoBookingEngine/token"
)

const (
	actionPath = "/website/booking/action"
	comboPath  = "/website/home/combo"

	// memberPaceInterval spaces Semeru member_update calls so nine rows
	// do not land as one burst.
	memberPaceInterval = 200 * time.Millisecond

	// snippetLen bounds how much of a hostile body makes it into user
	// messages and logs.
	snippetLen = 400
)

// Session is the slice of a booking session the driver needs. It is an
// interface so flow tests can script the portal without a network.
type Session interface {
	Get(ctx context.Context, rawURL, referer string) (*session.Reply, error)
	PostForm(ctx context.Context, rawURL string, form url.Values, referer string) (*session.Reply, error)
}

// RebuildFunc mints a replacement session carrying the same credentials.
// The Semeru roster-saturation recovery uses it to shed server-side
// state tied to the old secret.
type RebuildFunc func(ctx context.Context) (Session, error)

// Prober checks capacity before any action endpoint is touched.
type Prober interface {
	Check(ctx context.Context, sess probe.Poster, site store.Site, dateISO string) (*probe.CapacityRow, error)
}

// Roster enumerates the server-side member rows of a secret. The
// duplicate-identity recovery deletes what it returns.
type Roster interface {
	RosterRows(ctx context.Context, sess lookup.Poster, secret, referer string) ([]lookup.RosterRow, error)
}

// Request is one booking attempt. Exactly one of Bromo or Semeru must
// match Site.
type Request struct {
	Site    store.Site
	DateISO string
	Bromo   *store.BromoProfile
	Semeru  *store.SemeruProfile

	// Session carries the cookies and fingerprint for this attempt.
	Session Session

	// Rebuild, when set, lets the Semeru path recover from roster
	// saturation with a fresh session. Optional.
	Rebuild RebuildFunc
}

// Outcome is the result of one Book call. It is always returned, also
// alongside an error, so callers get elapsed time and the raw reply for
// failed attempts too.
type Outcome struct {
	Success bool

	// Unavailable is set when quota was missing or zero at probe time.
	// It is not an error; the caller arms the polling track instead.
	Unavailable bool

	// Message is the user-facing result text.
	Message string

	// Link and Code identify the confirmed booking when Success.
	Link string
	Code string

	// MembersAdded counts Semeru roster rows accepted by the server.
	MembersAdded int

	// Raw is the final do_booking reply body, when one was received.
	Raw json.RawMessage

	Elapsed time.Duration
}

// Driver runs booking attempts against one portal origin.
type Driver struct {
	base      string
	actionURL string
	comboURL  string

	probe   Prober
	tokens  *token.Extractor
	roster  Roster
	watch   *payload.Watchdog
	log     *logger.Logger
	metrics *metrics.Metrics

	readTimeout   time.Duration
	submitTimeout time.Duration
	memberPace    *rate.Limiter
}

// NewDriver wires a Driver from its collaborators. watch and m may be
// nil; the other collaborators are required.
func NewDriver(cfg *config.Config, prb Prober, tok *token.Extractor, rst Roster, watch *payload.Watchdog, log *logger.Logger, m *metrics.Metrics) (*Driver, error) {
	if cfg == nil {
		return nil, trace.BadParameter("protocol: missing config")
	}
	if prb == nil || tok == nil || rst == nil {
		return nil, trace.BadParameter("protocol: missing collaborator")
	}
	if log == nil {
		log = logger.Discard()
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Driver{
		base:          base,
		actionURL:     base + actionPath,
		comboURL:      base + comboPath,
		probe:         prb,
		tokens:        tok,
		roster:        rst,
		watch:         watch,
		log:           log.WithField("component", "protocol"),
		metrics:       m,
		readTimeout:   cfg.ReadTimeout.Std(),
		submitTimeout: cfg.SubmitTimeout.Std(),
		memberPace:    rate.NewLimiter(rate.Every(memberPaceInterval), 1),
	}, nil
}

// Book runs one full booking attempt: capacity precondition, token
// acquisition, priming, then the site path. The returned Outcome is
// never nil. A nil error with Success=false means quota was unavailable.
func (d *Driver) Book(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()
	out := &Outcome{}
	finish := func(err error) (*Outcome, error) {
		out.Elapsed = time.Since(start)
		if err != nil && out.Message == "" {
			out.Message = err.Error()
		}
		if d.metrics != nil {
			if out.Success {
				d.metrics.IncrementSuccesses()
			} else if err != nil {
				d.metrics.IncrementFailures()
			}
		}
		return out, err
	}

	if err := checkRequest(req); err != nil {
		return finish(err)
	}
	if d.metrics != nil {
		d.metrics.IncrementAttempts()
	}

	// Quota precondition. Probe errors count as an absent row so a
	// flaky capacity endpoint routes into the polling track instead of
	// burning the attempt.
	if d.metrics != nil {
		d.metrics.IncrementProbes()
	}
	row, err := d.probe.Check(ctx, req.Session, req.Site, req.DateISO)
	if err != nil {
		d.log.Warnf("capacity probe for %s %s failed: %v", req.Site.Name, req.DateISO, err)
		row = nil
	}
	if row == nil {
		out.Unavailable = true
		out.Message = fmt.Sprintf("Kuota: tanggal %s tidak ditemukan.", req.DateISO)
		return finish(nil)
	}
	if !row.Available {
		out.Unavailable = true
		out.Message = fmt.Sprintf("Kuota %s: %d (Tidak tersedia).", row.DateLabel, row.Quota)
		return finish(nil)
	}

	page, err := d.openPage(ctx, req.Session, req.Site, req.DateISO)
	if err != nil {
		return finish(err)
	}

	switch req.Site.Name {
	case store.Bromo.Name:
		err = d.bookBromo(ctx, page, req, out)
	case store.Semeru.Name:
		err = d.bookSemeru(ctx, page, req, out)
	}
	return finish(err)
}

func checkRequest(req Request) error {
	if req.Session == nil {
		return trace.BadParameter("protocol: missing session")
	}
	if _, err := time.Parse("2006-01-02", req.DateISO); err != nil {
		return trace.BadParameter("protocol: bad booking date %q", req.DateISO)
	}
	switch req.Site.Name {
	case store.Bromo.Name:
		if req.Bromo == nil {
			return trace.BadParameter("protocol: missing Bromo profile")
		}
	case store.Semeru.Name:
		if req.Semeru == nil {
			return trace.BadParameter("protocol: missing Semeru profile")
		}
	default:
		return trace.BadParameter("protocol: unknown site %q", req.Site.Name)
	}
	return nil
}

// primedPage is a booking page whose secret has been primed for
// submission over one session.
type primedPage struct {
	sess     Session
	pageURL  string
	secret   string
	formHash string
}

// openPage fetches the booking page, extracts the descriptor and runs
// the update_hash/validate_booking priming pair.
func (d *Driver) openPage(ctx context.Context, sess Session, site store.Site, dateISO string) (*primedPage, error) {
	pageURL := fmt.Sprintf("%s%s?date_depart=%s", d.base, site.PagePath(), dateISO)
	// Cache buster: the portal fronts the page with a CDN that may
	// serve a stale descriptor at the deadline.
	fetchURL := fmt.Sprintf("%s&_=%d", pageURL, time.Now().UnixMilli())
	rulesURL := fmt.Sprintf("%s%s?date_depart=%s", d.base, site.RulesPath(), dateISO)

	tctx, cancel := context.WithTimeout(ctx, d.readTimeout)
	defer cancel()
	reply, err := sess.Get(tctx, fetchURL, rulesURL)
	if err != nil {
		return nil, &TransientError{Op: "get booking page", Err: err}
	}
	if reply.Status != 200 {
		return nil, &TransientError{Op: fmt.Sprintf("booking page returned status %d", reply.Status)}
	}

	desc, err := d.tokens.FromPage(reply.Body)
	if err != nil {
		return nil, err
	}
	if desc.Secret == "" {
		return nil, &token.ExtractionError{Reason: "descriptor carries an empty secret"}
	}
	d.log.Debugf("tokens for %s %s: secret len=%d form_hash len=%d",
		site.Name, dateISO, len(desc.Secret), len(desc.FormHash))

	page := &primedPage{sess: sess, pageURL: pageURL, secret: desc.Secret, formHash: desc.FormHash}
	if err := d.prime(ctx, page); err != nil {
		return nil, err
	}
	return page, nil
}

// prime sends the update_hash/validate_booking pair. Reply bodies are
// ignored, network failures are fatal to the attempt.
func (d *Driver) prime(ctx context.Context, page *primedPage) error {
	for _, action := range []string{"update_hash", "validate_booking"} {
		if _, err := d.postAction(ctx, page, d.tokenForm(action, page), d.readTimeout); err != nil {
			return err
		}
	}
	return nil
}

// tokenForm is the minimal action body carrying only the page tokens.
func (d *Driver) tokenForm(action string, page *primedPage) url.Values {
	form := url.Values{}
	form.Set("action", action)
	form.Set("secret", page.secret)
	form.Set("form_hash", page.formHash)
	return form
}

// postAction POSTs one form to the action endpoint with the page URL as
// referer and feeds the reply to the schema watchdog.
func (d *Driver) postAction(ctx context.Context, page *primedPage, form url.Values, timeout time.Duration) (*session.Reply, error) {
	action := form.Get("action")
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := page.sess.PostForm(tctx, d.actionURL, form, page.pageURL)
	if err != nil {
		return nil, &TransientError{Op: "post " + action, Err: err}
	}
	if d.watch != nil {
		d.watch.Observe(action, reply.Body)
	}
	return reply, nil
}

// decodeAction interprets an action reply. The portal answers JSON on
// the happy path and a full HTML login page once the session is stale.
func decodeAction(reply *session.Reply) (map[string]interface{}, error) {
	ct := strings.ToLower(reply.Header.Get("Content-Type"))
	if !strings.Contains(ct, "json") {
		body := string(reply.Body)
		if strings.Contains(strings.ToLower(body), "login") {
			return nil, &SessionExpiredError{Snippet: snippet(body)}
		}
		return nil, &ValidationError{Message: "respon non-JSON: " + snippet(body)}
	}
	var data map[string]interface{}
	if err := json.Unmarshal(reply.Body, &data); err != nil {
		return nil, &ValidationError{Message: "respon tidak bisa dibaca JSON: " + snippet(string(reply.Body))}
	}
	return data, nil
}

// statusTrue reports whether the reply carries the literal boolean true
// status the portal uses for accepted requests.
func statusTrue(data map[string]interface{}) bool {
	v, ok := data["status"].(bool)
	return ok && v
}

// serverMessage pulls the explanatory message, falling back to the raw
// body when the field is absent.
func serverMessage(data map[string]interface{}, body []byte) string {
	if msg := stringField(data, "message"); msg != "" {
		return msg
	}
	return snippet(string(body))
}

func stringField(data map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := data[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func snippet(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > snippetLen {
		return s[:snippetLen]
	}
	return s
}

func itoa(n int) string { return strconv.Itoa(n) }
