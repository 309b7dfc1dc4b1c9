package report_test

import (
	"context"
	"strings"
	"testing"

	"github.com/firasghr/GoBookingEngine/report"
)

func TestChunkTextShortPassthrough(t *testing.T) {
	chunks := report.ChunkText("halo", 3900)
	if len(chunks) != 1 || chunks[0] != "halo" {
		t.Errorf("chunks = %v", chunks)
	}
}

func TestChunkTextBreaksOnLines(t *testing.T) {
	lines := []string{
		strings.Repeat("a", 30),
		strings.Repeat("b", 30),
		strings.Repeat("c", 30),
	}
	text := strings.Join(lines, "\n")

	chunks := report.ChunkText(text, 70)
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2: %q", len(chunks), chunks)
	}
	// First chunk holds two lines (61 chars), the third line moves on.
	if chunks[0] != lines[0]+"\n"+lines[1] {
		t.Errorf("chunk[0] = %q", chunks[0])
	}
	if chunks[1] != lines[2] {
		t.Errorf("chunk[1] = %q", chunks[1])
	}
	for i, c := range chunks {
		if len(c) > 70 {
			t.Errorf("chunk %d exceeds limit: %d chars", i, len(c))
		}
	}
}

func TestChunkTextHardSplitsLongLine(t *testing.T) {
	text := strings.Repeat("x", 95)
	chunks := report.ChunkText(text, 40)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if len(chunks[0]) != 40 || len(chunks[1]) != 40 || len(chunks[2]) != 15 {
		t.Errorf("chunk sizes = %d %d %d", len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}
}

func TestChunkTextReassembles(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 200; i++ {
		b.WriteString("baris status nomor sekian dengan isi yang cukup panjang\n")
	}
	text := strings.TrimSuffix(b.String(), "\n")

	chunks := report.ChunkText(text, 3900)
	joined := strings.Join(chunks, "\n")
	if joined != text {
		t.Error("joined chunks do not reproduce the original text")
	}
	for i, c := range chunks {
		if len(c) > 3900 {
			t.Errorf("chunk %d exceeds limit: %d", i, len(c))
		}
	}
}

func TestMaskToken(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "(kosong)"},
		{"GA1.2.1122334455.1699", "GA1.2....1699"},
		{"abcdefghij", "abcdef...ghij"},
		{"abc", "abc...abc"},
	}
	for _, tc := range cases {
		if got := report.MaskToken(tc.in); got != tc.want {
			t.Errorf("MaskToken(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLogReporterNeverFails(t *testing.T) {
	r := report.NewLogReporter(nil)
	if err := r.Send(context.Background(), 42, strings.Repeat("pesan\n", 2000), report.SendOptions{}); err != nil {
		t.Errorf("Send: %v", err)
	}
}
