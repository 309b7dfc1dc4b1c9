// Package payload watches the shape of the portal's JSON responses.
//
// The booking portal ships no versioned API: fields appear, disappear or
// change type between deployments without notice, and a silent rename of
// booking_link or status is indistinguishable from a failed booking until
// someone reads the raw body. The watchdog closes that gap:
//
//  1. The first JSON response seen for an action (validate_booking,
//     do_booking, kapasitas, ...) is flattened into a field->type map and
//     stored as that action's baseline.
//
//  2. Every later response for the same action is diffed against the
//     baseline. Differences come back as Drift records and are logged as
//     warnings; the submission flow itself is never interrupted.
//
// Nested keys use dot-separated paths (e.g. "data.booking.code"). Bodies
// that are not JSON objects are ignored rather than reported: the portal
// answers with an HTML login page when a session expires, and that is a
// protocol failure handled elsewhere, not schema drift.
//
// A Watchdog is safe for concurrent use. Baselines persist until Reset,
// so a drifted deployment keeps alarming on every response instead of
// being relearned away.
package payload

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/firasghr/GoBookingEngine/logger"
	"github.com/firasghr/GoBookingEngine/metrics"
)

// DriftKind classifies one structural difference.
type DriftKind string

const (
	// DriftMissing marks a baseline field absent in the current response.
	DriftMissing DriftKind = "MISSING_FIELD"

	// DriftAdded marks a field the baseline has never seen.
	DriftAdded DriftKind = "ADDED_FIELD"

	// DriftRetyped marks a field whose JSON type changed (e.g. a number
	// delivered as a string).
	DriftRetyped DriftKind = "TYPE_CHANGE"
)

// Drift describes a single difference between an action's baseline and
// the response under inspection.
type Drift struct {
	// Kind classifies the difference.
	Kind DriftKind

	// Field is the dot-separated path of the affected field.
	Field string

	// Was is the baseline JSON type. Empty for DriftAdded.
	Was string

	// Now is the current JSON type. Empty for DriftMissing.
	Now string
}

// String renders the drift for log output.
func (d Drift) String() string {
	switch d.Kind {
	case DriftMissing:
		return fmt.Sprintf("[%s] field %q gone (was %s)", d.Kind, d.Field, d.Was)
	case DriftAdded:
		return fmt.Sprintf("[%s] field %q appeared (type %s)", d.Kind, d.Field, d.Now)
	case DriftRetyped:
		return fmt.Sprintf("[%s] field %q changed %s to %s", d.Kind, d.Field, d.Was, d.Now)
	default:
		return fmt.Sprintf("[%s] field %q", d.Kind, d.Field)
	}
}

// shape maps dot-separated field paths to JSON type names.
type shape map[string]string

// Watchdog keeps one learned baseline per portal action and reports
// responses that no longer match it.
type Watchdog struct {
	log     *logger.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	baselines map[string]shape
}

// NewWatchdog returns a Watchdog with no baselines. metrics may be nil.
func NewWatchdog(log *logger.Logger, m *metrics.Metrics) *Watchdog {
	if log == nil {
		log = logger.Discard()
	}
	return &Watchdog{
		log:       log.WithField("component", "payload"),
		metrics:   m,
		baselines: make(map[string]shape),
	}
}

// Observe inspects one response body for the given action. The first
// object-shaped body becomes the action's baseline and yields no drift;
// later bodies are diffed against it. Non-object bodies are skipped.
//
// Drift is advisory: Observe never returns an error and callers must not
// fail a booking because of it.
func (w *Watchdog) Observe(action string, body []byte) []Drift {
	current, err := shapeOf(body)
	if err != nil {
		w.log.Debugf("%s response is not a JSON object, skipping shape check: %v", action, err)
		return nil
	}

	w.mu.Lock()
	base, ok := w.baselines[action]
	if !ok {
		w.baselines[action] = current
		w.mu.Unlock()
		w.log.Debugf("learned %s baseline with %d fields", action, len(current))
		return nil
	}
	base = copyShape(base)
	w.mu.Unlock()

	drifts := diffShapes(base, current)
	if len(drifts) > 0 {
		for _, d := range drifts {
			w.log.Warnf("%s drift: %s", action, d)
		}
		if w.metrics != nil {
			w.metrics.AddSchemaDrifts(len(drifts))
		}
	}
	return drifts
}

// Fields returns the sorted baseline field paths for action, or nil if
// the action has not been learned yet.
func (w *Watchdog) Fields(action string) []string {
	w.mu.RLock()
	base := copyShape(w.baselines[action])
	w.mu.RUnlock()
	if base == nil {
		return nil
	}
	fields := make([]string, 0, len(base))
	for k := range base {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// Reset drops every learned baseline so the next response per action
// starts a fresh one. Used after a known portal deployment.
func (w *Watchdog) Reset() {
	w.mu.Lock()
	w.baselines = make(map[string]shape)
	w.mu.Unlock()
}

// shapeOf flattens a JSON object into a path->type map.
func shapeOf(body []byte) (shape, error) {
	var raw interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected JSON object, got %T", raw)
	}
	s := make(shape)
	flattenShape(obj, "", s)
	return s, nil
}

// flattenShape records a type for every node; objects recurse, arrays
// stay opaque leaves because the grids pad them per page.
func flattenShape(obj map[string]interface{}, prefix string, s shape) {
	for k, v := range obj {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		switch val := v.(type) {
		case map[string]interface{}:
			s[path] = "object"
			flattenShape(val, path, s)
		case []interface{}:
			s[path] = "array"
		case string:
			s[path] = "string"
		case float64:
			s[path] = "number"
		case bool:
			s[path] = "bool"
		case nil:
			s[path] = "null"
		default:
			s[path] = "unknown"
		}
	}
}

// diffShapes returns every difference between base and current, sorted
// by field then kind for deterministic log output.
func diffShapes(base, current shape) []Drift {
	var drifts []Drift

	for field, was := range base {
		now, ok := current[field]
		if !ok {
			drifts = append(drifts, Drift{Kind: DriftMissing, Field: field, Was: was})
			continue
		}
		if now != was {
			drifts = append(drifts, Drift{Kind: DriftRetyped, Field: field, Was: was, Now: now})
		}
	}
	for field, now := range current {
		if _, ok := base[field]; !ok {
			drifts = append(drifts, Drift{Kind: DriftAdded, Field: field, Now: now})
		}
	}

	sort.Slice(drifts, func(i, j int) bool {
		if drifts[i].Field != drifts[j].Field {
			return drifts[i].Field < drifts[j].Field
		}
		return drifts[i].Kind < drifts[j].Kind
	})
	return drifts
}

func copyShape(s shape) shape {
	if s == nil {
		return nil
	}
	out := make(shape, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
