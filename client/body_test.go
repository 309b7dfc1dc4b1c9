package client_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/firasghr/GoBookingEngine/client"
)

const bodyText = "<html><body>kuota tersedia</body></html>"

func fetchWith(t *testing.T, encoding string, encode func(*bytes.Buffer)) []byte {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		var buf bytes.Buffer
		encode(&buf)
		if encoding != "" {
			w.Header().Set("Content-Encoding", encoding)
		}
		w.Write(buf.Bytes())
	}))
	t.Cleanup(ts.Close)

	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
	// Mirror the browser header set: explicit accept-encoding disables the
	// transport's transparent gunzip.
	req.Header.Set("Accept-Encoding", "gzip, deflate, br, zstd")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := client.ReadBody(resp)
	if err != nil {
		t.Fatalf("ReadBody (%s): %v", encoding, err)
	}
	return body
}

func TestReadBody_Identity(t *testing.T) {
	got := fetchWith(t, "", func(buf *bytes.Buffer) {
		buf.WriteString(bodyText)
	})
	if string(got) != bodyText {
		t.Errorf("identity body mismatch: %q", got)
	}
}

func TestReadBody_Gzip(t *testing.T) {
	got := fetchWith(t, "gzip", func(buf *bytes.Buffer) {
		zw := gzip.NewWriter(buf)
		zw.Write([]byte(bodyText))
		zw.Close()
	})
	if string(got) != bodyText {
		t.Errorf("gzip body mismatch: %q", got)
	}
}

func TestReadBody_Brotli(t *testing.T) {
	got := fetchWith(t, "br", func(buf *bytes.Buffer) {
		bw := brotli.NewWriter(buf)
		bw.Write([]byte(bodyText))
		bw.Close()
	})
	if string(got) != bodyText {
		t.Errorf("brotli body mismatch: %q", got)
	}
}

func TestReadBody_Zstd(t *testing.T) {
	got := fetchWith(t, "zstd", func(buf *bytes.Buffer) {
		zw, err := zstd.NewWriter(buf)
		if err != nil {
			t.Fatal(err)
		}
		zw.Write([]byte(bodyText))
		zw.Close()
	})
	if string(got) != bodyText {
		t.Errorf("zstd body mismatch: %q", got)
	}
}

func TestReadBody_UnsupportedEncoding(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Encoding", "compress")
		w.Write([]byte("x"))
	}))
	t.Cleanup(ts.Close)

	req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := client.ReadBody(resp); err == nil {
		t.Error("expected error for unsupported content-encoding")
	}
}
