package probe

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// monthsID maps lowercase Indonesian month names to their ISO number.
var monthsID = map[string]string{
	"januari": "01", "februari": "02", "maret": "03", "april": "04",
	"mei": "05", "juni": "06", "juli": "07", "agustus": "08",
	"september": "09", "oktober": "10", "november": "11", "desember": "12",
}

var (
	isoRe      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	flippedRe  = regexp.MustCompile(`^\d{2}-\d{2}-\d{4}$`)
	digitRunRe = regexp.MustCompile(`\d+`)
)

// ParseIndoDate resolves the date formats the calendar renders into an
// ISO date. Accepted inputs: ISO passthrough, DD-MM-YYYY, and the
// long Indonesian form with an optional weekday prefix, e.g.
// "Senin, 1 September 2025".
func ParseIndoDate(s string) (string, error) {
	s = strings.TrimSpace(s)
	if isoRe.MatchString(s) {
		return s, nil
	}
	if flippedRe.MatchString(s) {
		p := strings.Split(s, "-")
		return p[2] + "-" + p[1] + "-" + p[0], nil
	}
	if i := strings.Index(s, ","); i >= 0 {
		s = strings.TrimSpace(s[i+1:])
	}
	parts := strings.Fields(s)
	if len(parts) == 3 {
		if month, ok := monthsID[strings.ToLower(parts[1])]; ok {
			day := parts[0]
			if len(day) == 1 {
				day = "0" + day
			}
			return parts[2] + "-" + month + "-" + day, nil
		}
	}
	return "", trace.BadParameter("probe: unrecognized date format %q", s)
}

// ExtractInt concatenates every digit run in the text and parses the
// result, so "1.234" reads as 1234. Text with no digits reads as 0.
func ExtractInt(s string) int {
	runs := digitRunRe.FindAllString(s, -1)
	if len(runs) == 0 {
		return 0
	}
	joined := strings.Join(runs, "")
	// Clamp absurdly long digit strings instead of overflowing.
	if len(joined) > 9 {
		joined = joined[:9]
	}
	n, _ := strconv.Atoi(joined)
	return n
}
