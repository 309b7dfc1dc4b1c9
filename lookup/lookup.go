// Package lookup reconstructs bookings from the portal's DataTables
// grids. A confirmation code resolves to its secret and form hash via
// the member grid; a secret enumerates its roster rows via the public
// booking grid. The detail command and the duplicate-identity recovery
// path both build on this.
package lookup

import (
	"context"
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/gravitational/trace"

	"github.com/firasghr/GoBookingEngine/logger"
	"github.com/firasghr/GoBookingEngine/session"
)

const (
	memberGridPath  = "/member/booking/grid"
	bookingGridPath = "/website/booking/grid"
	memberPagePath  = "/member/booking"

	// pageLength is the DataTables page size for roster enumeration.
	pageLength = 50
	// maxPages bounds the paging loop against a server that keeps
	// reporting more rows.
	maxPages = 20
)

// Poster is the one session capability the lookup needs.
type Poster interface {
	PostForm(ctx context.Context, rawURL string, form url.Values, referer string) (*session.Reply, error)
}

// BookingRef ties a confirmation code to the tokens that control it.
type BookingRef struct {
	Code     string
	Secret   string
	FormHash string
	// Raw is the grid row the reference was extracted from.
	Raw json.RawMessage
}

// RosterRow is one member row of a booking.
type RosterRow struct {
	ID         string
	Name       string
	IdentityNo string
	Raw        json.RawMessage
}

// gridResponse is the DataTables reply envelope.
type gridResponse struct {
	Draw            int               `json:"draw"`
	RecordsTotal    int               `json:"recordsTotal"`
	RecordsFiltered int               `json:"recordsFiltered"`
	Data            []json.RawMessage `json:"data"`
}

// Grid rows arrive either as JSON objects or as arrays of rendered
// HTML cells, so field extraction works over the raw row text with
// one pattern per encoding.
var (
	secretRes = []*regexp.Regexp{
		regexp.MustCompile(`"secret"\s*:\s*"([^"]+)"`),
		regexp.MustCompile(`data-secret=\\?"([^"\\]+)\\?"`),
		regexp.MustCompile(`[?&]secret=([A-Za-z0-9]+)`),
	}
	formHashRes = []*regexp.Regexp{
		regexp.MustCompile(`"form_hash"\s*:\s*"([^"]*)"`),
		regexp.MustCompile(`data-form-hash=\\?"([^"\\]*)\\?"`),
		regexp.MustCompile(`[?&]form_hash=([A-Za-z0-9]*)`),
	}
	rowIDRes = []*regexp.Regexp{
		regexp.MustCompile(`"id"\s*:\s*"?([0-9]+)"?`),
		regexp.MustCompile(`data-id=\\?"([0-9]+)\\?"`),
		regexp.MustCompile(`member_delete\('?([0-9]+)`),
	}
	nameRes = []*regexp.Regexp{
		regexp.MustCompile(`"nama"\s*:\s*"([^"]+)"`),
		regexp.MustCompile(`"name"\s*:\s*"([^"]+)"`),
	}
	identityRes = []*regexp.Regexp{
		regexp.MustCompile(`"identity_no"\s*:\s*"([^"]+)"`),
		regexp.MustCompile(`\b([0-9]{16})\b`),
	}
)

// Lookup queries the grids of one origin.
type Lookup struct {
	base string
	log  *logger.Logger
}

// NewLookup returns a Lookup for the given origin.
func NewLookup(baseURL string, log *logger.Logger) *Lookup {
	if log == nil {
		log = logger.Discard()
	}
	return &Lookup{
		base: strings.TrimRight(baseURL, "/"),
		log:  log.WithField("component", "lookup"),
	}
}

// FindByCode searches the member grid for the booking with the given
// confirmation code and extracts its secret and form hash.
func (l *Lookup) FindByCode(ctx context.Context, sess Poster, code string) (*BookingRef, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, trace.BadParameter("lookup: empty booking code")
	}

	form := dataTablesForm(1, 0, pageLength)
	form.Set("search[value]", code)

	reply, err := sess.PostForm(ctx, l.base+memberGridPath, form, l.base+memberPagePath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	grid, err := decodeGrid(reply)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	for _, raw := range grid.Data {
		text := string(raw)
		if !strings.Contains(text, code) {
			continue
		}
		ref := &BookingRef{
			Code:     code,
			Secret:   firstMatch(secretRes, text),
			FormHash: firstMatch(formHashRes, text),
			Raw:      raw,
		}
		if ref.Secret == "" {
			return nil, trace.NotFound("lookup: row for %s carries no secret", code)
		}
		return ref, nil
	}
	return nil, trace.NotFound("lookup: no booking matches code %s", code)
}

// RosterRows enumerates every member row recorded under secret,
// walking the DataTables paging until the grid is exhausted.
func (l *Lookup) RosterRows(ctx context.Context, sess Poster, secret, referer string) ([]RosterRow, error) {
	if secret == "" {
		return nil, trace.BadParameter("lookup: empty secret")
	}
	if referer == "" {
		referer = l.base
	}

	var rows []RosterRow
	for page := 0; page < maxPages; page++ {
		form := dataTablesForm(page+1, page*pageLength, pageLength)
		form.Set("secret", secret)

		reply, err := sess.PostForm(ctx, l.base+bookingGridPath, form, referer)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		grid, err := decodeGrid(reply)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		for _, raw := range grid.Data {
			text := string(raw)
			rows = append(rows, RosterRow{
				ID:         firstMatch(rowIDRes, text),
				Name:       firstMatch(nameRes, text),
				IdentityNo: firstMatch(identityRes, text),
				Raw:        raw,
			})
		}
		if len(grid.Data) < pageLength || len(rows) >= grid.RecordsFiltered {
			break
		}
	}
	l.log.Debugf("roster for secret %s: %d rows", maskSecret(secret), len(rows))
	return rows, nil
}

// dataTablesForm builds the minimal paging envelope the grid endpoints
// expect.
func dataTablesForm(draw, start, length int) url.Values {
	form := url.Values{}
	form.Set("draw", strconv.Itoa(draw))
	form.Set("start", strconv.Itoa(start))
	form.Set("length", strconv.Itoa(length))
	form.Set("search[value]", "")
	form.Set("search[regex]", "false")
	return form
}

func decodeGrid(reply *session.Reply) (*gridResponse, error) {
	if reply.Status < 200 || reply.Status > 299 {
		return nil, trace.BadParameter("lookup: grid returned status %d", reply.Status)
	}
	var grid gridResponse
	if err := json.Unmarshal(reply.Body, &grid); err != nil {
		return nil, trace.BadParameter("lookup: grid response is not DataTables JSON: %v", err)
	}
	return &grid, nil
}

func firstMatch(patterns []*regexp.Regexp, text string) string {
	for _, re := range patterns {
		if m := re.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}

func maskSecret(s string) string {
	if len(s) <= 12 {
		return s
	}
	return s[:12] + "..."
}
