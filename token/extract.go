// Package token extracts the per-session booking descriptor from booking
// pages.
//
// Every booking flow starts by fetching the site's booking page; somewhere in
// that HTML the server embeds a descriptor holding the session secret and
// form hash that all subsequent action posts must echo back.  Where exactly
// the descriptor lives has changed across front-end deploys, so extraction is
// a cascade:
//
//  1. the text of the element carrying class "cnt-page", decoded as JSON;
//  2. a <script id="cnt-page" type="application/json"> block;
//  3. any inline script mentioning both "booking" and "secret", from which
//     the innermost balanced {…} containing both keys is decoded;
//  4. the same inline scripts evaluated in the jseval browser-stub VM, for
//     pages that build the descriptor at runtime.
//
// A page that defeats all four tiers is archived to disk for offline
// diagnosis and the returned *ExtractionError carries the archive path.
package token

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/firasghr/GoBookingEngine/jseval"
	"github.com/firasghr/GoBookingEngine/logger"
)

// Descriptor carries the two per-session secrets the booking flow needs,
// plus the raw decoded object for callers that want additional fields.
type Descriptor struct {
	Secret   string
	FormHash string
	Raw      map[string]interface{}
}

// ExtractionError reports that no tier of the cascade produced a descriptor.
type ExtractionError struct {
	// Reason summarises what went wrong.
	Reason string
	// ArchivePath is where the offending HTML was saved, or empty if the
	// archive write itself failed.
	ArchivePath string
}

func (e *ExtractionError) Error() string {
	if e.ArchivePath == "" {
		return fmt.Sprintf("token: %s", e.Reason)
	}
	return fmt.Sprintf("token: %s (page archived to %s)", e.Reason, e.ArchivePath)
}

// maxBraceCandidates bounds how many balanced-brace regions tier 3 will try
// to decode from a single script before giving up on it.
const maxBraceCandidates = 32

// Extractor runs the descriptor cascade over fetched booking pages.
// It is stateless apart from configuration and safe for concurrent use.
type Extractor struct {
	archiveDir string
	userAgent  string
	log        *logger.Logger
}

// NewExtractor returns an Extractor archiving failed pages under archiveDir.
// userAgent is exposed to tier-4 script evaluation so page code that branches
// on it sees the same identity the HTTP layer presents.
func NewExtractor(archiveDir, userAgent string, log *logger.Logger) *Extractor {
	if log == nil {
		log = logger.Discard()
	}
	return &Extractor{archiveDir: archiveDir, userAgent: userAgent, log: log}
}

// FromPage runs the cascade over page and returns the descriptor.
// On total failure the page is archived and a *ExtractionError returned.
func (x *Extractor) FromPage(page []byte) (*Descriptor, error) {
	doc, err := html.Parse(bytes.NewReader(page))
	if err != nil {
		return nil, x.fail(page, fmt.Sprintf("parse HTML: %v", err))
	}

	// Tier 1: class="cnt-page" holder with JSON text content.
	if holder := findByClass(doc, "cnt-page"); holder != nil {
		if d, err := decodeDescriptor(textContent(holder)); err == nil {
			x.log.Debugf("descriptor found in .cnt-page holder (secret len=%d)", len(d.Secret))
			return d, nil
		}
	}

	// Tier 2: <script id="cnt-page" type="application/json">.
	if script := findScriptByID(doc, "cnt-page"); script != nil {
		if d, err := decodeDescriptor(textContent(script)); err == nil {
			x.log.Debugf("descriptor found in script#cnt-page (secret len=%d)", len(d.Secret))
			return d, nil
		}
	}

	// Bare-word match: tier 3 needs quoted JSON keys inside the region, but
	// tier 4 must also see scripts that build the descriptor as an object
	// literal with unquoted keys.
	scripts := inlineScriptsMentioning(doc, "booking", "secret")

	// Tier 3: innermost balanced braces inside candidate inline scripts.
	for _, s := range scripts {
		for _, region := range braceCandidates(s) {
			if d, err := decodeDescriptor(region); err == nil {
				x.log.Debugf("descriptor recovered from inline script braces (secret len=%d)", len(d.Secret))
				return d, nil
			}
		}
	}

	// Tier 4: evaluate the candidate scripts in the browser-stub VM for
	// pages that assemble the descriptor at runtime.
	if len(scripts) > 0 {
		ev, err := jseval.NewEvaluator(x.userAgent)
		if err == nil {
			for _, s := range scripts {
				out, err := ev.RecoverDescriptor(s)
				if err != nil {
					continue
				}
				if d, err := decodeDescriptor(out); err == nil {
					x.log.Debugf("descriptor recovered by script evaluation (secret len=%d)", len(d.Secret))
					return d, nil
				}
			}
		}
	}

	return nil, x.fail(page, "no descriptor in page (all extraction tiers exhausted)")
}

// fail archives the page and builds the terminal error.
func (x *Extractor) fail(page []byte, reason string) error {
	archivePath := ""
	if x.archiveDir != "" {
		if err := os.MkdirAll(x.archiveDir, 0o755); err == nil {
			p := filepath.Join(x.archiveDir, fmt.Sprintf("page-%s.html", uuid.NewString()))
			if err := os.WriteFile(p, page, 0o644); err == nil {
				archivePath = p
			} else {
				x.log.Errorf("archive descriptor-less page: %v", err)
			}
		} else {
			x.log.Errorf("create archive dir %q: %v", x.archiveDir, err)
		}
	}
	return &ExtractionError{Reason: reason, ArchivePath: archivePath}
}

// decodeDescriptor decodes text as JSON and pulls the descriptor out of
// either the root object or its "booking" member.
func decodeDescriptor(text string) (*Descriptor, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("token: empty descriptor text")
	}
	var root map[string]interface{}
	if err := json.Unmarshal([]byte(text), &root); err != nil {
		return nil, fmt.Errorf("token: decode descriptor: %w", err)
	}

	raw := root
	if nested, ok := root["booking"].(map[string]interface{}); ok {
		raw = nested
	}
	secret, _ := raw["secret"].(string)
	if secret == "" {
		return nil, fmt.Errorf("token: descriptor has no secret")
	}
	formHash, _ := raw["form_hash"].(string)
	return &Descriptor{Secret: secret, FormHash: formHash, Raw: raw}, nil
}

// braceCandidates returns every balanced {…} region of s that mentions both
// "booking" and "secret", shortest (innermost) first.  Balance tracking is a
// plain depth counter: braces inside string literals are rare in the pages
// this runs against, and tier 4 covers anything the heuristic mangles.
func braceCandidates(s string) []string {
	var stack []int
	var regions []string
	for i := 0; i < len(s) && len(regions) < maxBraceCandidates; i++ {
		switch s[i] {
		case '{':
			stack = append(stack, i)
		case '}':
			if len(stack) == 0 {
				continue
			}
			start := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			region := s[start : i+1]
			if strings.Contains(region, `"booking"`) && strings.Contains(region, `"secret"`) {
				regions = append(regions, region)
			}
		}
	}
	sort.Slice(regions, func(i, j int) bool { return len(regions[i]) < len(regions[j]) })
	return regions
}

// ── HTML walking helpers ─────────────────────────────────────────────────────

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// findByClass returns the first element whose class attribute contains the
// given token.
func findByClass(n *html.Node, class string) *html.Node {
	if n.Type == html.ElementNode {
		for _, token := range strings.Fields(attrVal(n, "class")) {
			if token == class {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findByClass(c, class); found != nil {
			return found
		}
	}
	return nil
}

// findScriptByID returns the first <script> with the given id whose type is
// JSON-ish (application/json or missing).
func findScriptByID(n *html.Node, id string) *html.Node {
	if n.Type == html.ElementNode && n.Data == "script" && attrVal(n, "id") == id {
		typ := attrVal(n, "type")
		if typ == "" || strings.Contains(typ, "json") {
			return n
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findScriptByID(c, id); found != nil {
			return found
		}
	}
	return nil
}

// inlineScriptsMentioning collects the text of every <script> without a src
// attribute whose body contains all of the given substrings.
func inlineScriptsMentioning(n *html.Node, needles ...string) []string {
	var out []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "script" && attrVal(n, "src") == "" {
			body := textContent(n)
			ok := true
			for _, needle := range needles {
				if !strings.Contains(body, needle) {
					ok = false
					break
				}
			}
			if ok {
				out = append(out, body)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return out
}

// textContent concatenates all text nodes under n.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
