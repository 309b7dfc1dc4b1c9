// Package report delivers user-facing status messages: scheduling
// confirmations, reminders, polling updates and terminal outcomes.
// Sinks chunk long payloads and never leak full cookie values.
package report

import (
	"context"
	"strings"

	"github.com/firasghr/GoBookingEngine/logger"
)

// ChunkLimit is the target upper bound per message chunk, kept under
// the transport's 4096 hard cap with headroom for formatting.
const ChunkLimit = 3900

// SendOptions carries per-message formatting switches.
type SendOptions struct {
	// Format selects the parse mode: "", "Markdown" or "HTML".
	Format string
	// DisablePreview suppresses link previews on messages that carry
	// a booking link.
	DisablePreview bool
}

// Reporter is a sink for user-facing status messages.
type Reporter interface {
	Send(ctx context.Context, chatID int64, text string, opts SendOptions) error
}

// ChunkText splits text into chunks of at most limit characters,
// breaking on line boundaries. A single line longer than the limit is
// hard-split rather than shipped oversized.
func ChunkText(text string, limit int) []string {
	if limit <= 0 {
		limit = ChunkLimit
	}
	if len(text) <= limit {
		return []string{text}
	}
	var parts []string
	cur := ""
	flush := func() {
		if cur != "" {
			parts = append(parts, cur)
			cur = ""
		}
	}
	for _, line := range strings.Split(text, "\n") {
		for len(line) > limit {
			flush()
			parts = append(parts, line[:limit])
			line = line[limit:]
		}
		add := line
		if cur != "" {
			add = "\n" + line
		}
		if len(cur)+len(add) > limit {
			flush()
			cur = line
			continue
		}
		cur += add
	}
	flush()
	return parts
}

// MaskToken renders a credential as head and tail only, so reminders
// can show which cookie is loaded without exposing it. Empty values
// read "(kosong)".
func MaskToken(s string) string {
	if s == "" {
		return "(kosong)"
	}
	head := s
	if len(head) > 6 {
		head = head[:6]
	}
	tail := s
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return head + "..." + tail
}

// LogReporter writes messages to the process log. It stands in for
// the chat sink when no bot token is configured.
type LogReporter struct {
	log *logger.Logger
}

// NewLogReporter returns a reporter writing to log.
func NewLogReporter(log *logger.Logger) *LogReporter {
	if log == nil {
		log = logger.Discard()
	}
	return &LogReporter{log: log.WithField("component", "report")}
}

// Send logs the message, one line per chunk.
func (r *LogReporter) Send(_ context.Context, chatID int64, text string, _ SendOptions) error {
	for _, chunk := range ChunkText(text, ChunkLimit) {
		r.log.Infof("chat %d: %s", chatID, chunk)
	}
	return nil
}
