// Package probe checks seat availability on the park's capacity
// calendar. The calendar is an HTML table served by a view endpoint;
// the probe finds the row for a target date and reads its quota.
//
// Probe results are never cached. Quota moves exactly at release time,
// so callers re-probe at the trigger instant rather than trusting any
// earlier answer.
package probe

import (
	"bytes"
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"golang.org/x/net/html"

	"github.com/firasghr/GoBookingEngine/logger"
	"github.com/firasghr/GoBookingEngine/session"
	"github.com/firasghr/GoBookingEngine/store"
)

// capacityPath is the view endpoint serving the calendar grid.
const capacityPath = "/website/home/get_view"

// CapacityRow is one calendar row for a concrete date.
type CapacityRow struct {
	// DateLabel is the date cell as rendered, e.g. "Senin, 1 September 2025".
	DateLabel string
	// Quota is the seat count left for the date.
	Quota int
	// Available is false when the quota has run out.
	Available bool
}

// Poster is the one session capability the probe needs.
type Poster interface {
	PostForm(ctx context.Context, rawURL string, form url.Values, referer string) (*session.Reply, error)
}

// Probe queries the capacity calendar of one origin.
type Probe struct {
	capURL string
	log    *logger.Logger
}

// NewProbe returns a probe for the given origin.
func NewProbe(baseURL string, log *logger.Logger) *Probe {
	if log == nil {
		log = logger.Discard()
	}
	return &Probe{
		capURL: strings.TrimRight(baseURL, "/") + capacityPath,
		log:    log.WithField("component", "probe"),
	}
}

// Check fetches the calendar month containing dateISO and returns the
// row for that date. A nil row with nil error means the month grid was
// parsed but the date has no row. Callers on the trigger path treat
// errors the same as an absent row; only operator-facing surfaces
// report them.
func (p *Probe) Check(ctx context.Context, sess Poster, site store.Site, dateISO string) (*CapacityRow, error) {
	body, err := p.fetchGrid(ctx, sess, site, YearMonth(dateISO))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	row, err := findQuotaForDate(body, dateISO)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if row == nil {
		p.log.Debugf("no calendar row for %s at site %s", dateISO, site.Name)
	}
	return row, nil
}

// RawGrid fetches the calendar month body verbatim. The watch loop
// diffs consecutive bodies to spot the instant the calendar changes.
func (p *Probe) RawGrid(ctx context.Context, sess Poster, site store.Site, yearMonth string) ([]byte, error) {
	return p.fetchGrid(ctx, sess, site, yearMonth)
}

func (p *Probe) fetchGrid(ctx context.Context, sess Poster, site store.Site, yearMonth string) ([]byte, error) {
	form := url.Values{}
	form.Set("action", "kapasitas")
	form.Set("id_site", strconv.Itoa(site.ID))
	form.Set("year_month", yearMonth)

	reply, err := sess.PostForm(ctx, p.capURL, form, "")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if reply.Status < 200 || reply.Status > 299 {
		return nil, trace.BadParameter("probe: capacity view returned status %d", reply.Status)
	}
	return reply.Body, nil
}

// YearMonth reduces an ISO date to its YYYY-MM prefix.
func YearMonth(dateISO string) string {
	if len(dateISO) < 7 {
		return dateISO
	}
	return dateISO[:7]
}

// findQuotaForDate walks the calendar table for the row whose date
// cell resolves to dateISO.
func findQuotaForDate(body []byte, dateISO string) (*CapacityRow, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, trace.BadParameter("probe: parse calendar HTML: %v", err)
	}
	for _, tr := range calendarRows(doc) {
		cells := childElements(tr, "td")
		if len(cells) < 2 {
			continue
		}
		label := cellText(cells[0])
		iso, err := ParseIndoDate(label)
		if err != nil {
			continue
		}
		if iso != dateISO {
			continue
		}
		quota := ExtractInt(cellText(cells[1]))
		return &CapacityRow{
			DateLabel: label,
			Quota:     quota,
			Available: quota > 0,
		}, nil
	}
	return nil, nil
}

// calendarRows selects table.table tbody tr.
func calendarRows(doc *html.Node) []*html.Node {
	table := findTable(doc)
	if table == nil {
		return nil
	}
	var rows []*html.Node
	for tbody := table.FirstChild; tbody != nil; tbody = tbody.NextSibling {
		if tbody.Type != html.ElementNode || tbody.Data != "tbody" {
			continue
		}
		rows = append(rows, childElements(tbody, "tr")...)
	}
	return rows
}

func findTable(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "table" && hasClassToken(n, "table") {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findTable(c); found != nil {
			return found
		}
	}
	return nil
}

func hasClassToken(n *html.Node, token string) bool {
	for _, a := range n.Attr {
		if a.Key != "class" {
			continue
		}
		for _, f := range strings.Fields(a.Val) {
			if f == token {
				return true
			}
		}
	}
	return false
}

func childElements(n *html.Node, name string) []*html.Node {
	var out []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == name {
			out = append(out, c)
		}
	}
	return out
}

// cellText joins the stripped text fragments of a cell with single
// spaces, the same view BeautifulSoup's stripped_strings gives.
func cellText(n *html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if s := strings.TrimSpace(n.Data); s != "" {
				parts = append(parts, s)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, " ")
}
