package store

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
)

// slugMax bounds the leader slug embedded in job names.
const slugMax = 18

var timeOfDayRe = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::(\d{2}))?$`)

// Slugify reduces a leader name to a token usable inside a job name:
// lowercased, every non-alphanumeric run collapsed to a single dash,
// truncated to 18 characters. Names with no usable characters map to
// "ketua".
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash {
			b.WriteByte('-')
			dash = true
		}
	}
	s := strings.Trim(b.String(), "-")
	if len(s) > slugMax {
		s = strings.TrimRight(s[:slugMax], "-")
	}
	if s == "" {
		return "ketua"
	}
	return s
}

// NormalizeTime canonicalizes a wall-clock string to HH:MM:SS.
// HH:MM and HH:MM:SS are accepted.
func NormalizeTime(s string) (string, error) {
	m := timeOfDayRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", trace.BadParameter("store: invalid time of day %q", s)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	ss := 0
	if m[3] != "" {
		ss, _ = strconv.Atoi(m[3])
	}
	if hh > 23 || mm > 59 || ss > 59 {
		return "", trace.BadParameter("store: time of day out of range %q", s)
	}
	return fmt.Sprintf("%02d:%02d:%02d", hh, mm, ss), nil
}

// BuildJobName derives the canonical job identifier. The exec time is
// embedded without colons so the name stays safe in URLs and file
// paths.
func BuildJobName(site Site, userID, leaderName, bookingISO, execISO, execTime string) string {
	return fmt.Sprintf("%s-%s-%s-%s-%s-%s",
		site.Name, userID, Slugify(leaderName), bookingISO, execISO,
		strings.ReplaceAll(execTime, ":", ""))
}

// ParsedName holds the fields recovered from a job name.
type ParsedName struct {
	Site       string
	UserID     string
	Slug       string
	BookingISO string
	ExecISO    string
	ExecTime   string
}

// ParseJobName splits a canonical job name back into its parts. The
// slug may itself contain dashes, so dates and time are anchored from
// the right end.
func ParseJobName(name string) (ParsedName, error) {
	parts := strings.Split(name, "-")
	if len(parts) < 10 {
		return ParsedName{}, trace.BadParameter("store: malformed job name %q", name)
	}
	n := len(parts)
	hhmmss := parts[n-1]
	if len(hhmmss) != 6 {
		return ParsedName{}, trace.BadParameter("store: malformed exec time in job name %q", name)
	}
	p := ParsedName{
		Site:       parts[0],
		UserID:     parts[1],
		Slug:       strings.Join(parts[2:n-7], "-"),
		BookingISO: strings.Join(parts[n-7:n-4], "-"),
		ExecISO:    strings.Join(parts[n-4:n-1], "-"),
		ExecTime:   hhmmss[0:2] + ":" + hhmmss[2:4] + ":" + hhmmss[4:6],
	}
	if _, err := SiteByName(p.Site); err != nil {
		return ParsedName{}, trace.Wrap(err)
	}
	for _, iso := range []string{p.BookingISO, p.ExecISO} {
		if _, err := time.Parse("2006-01-02", iso); err != nil {
			return ParsedName{}, trace.BadParameter("store: malformed date in job name %q", name)
		}
	}
	if _, err := NormalizeTime(p.ExecTime); err != nil {
		return ParsedName{}, trace.Wrap(err)
	}
	return p, nil
}
