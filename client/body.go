package client

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ReadBody drains and closes resp.Body, transparently decoding the
// Content-Encoding the browser header set advertises (gzip, deflate, br,
// zstd).
//
// The decoding has to happen here rather than in net/http: the transport
// only auto-decompresses when it injected the Accept-Encoding header itself,
// and the ordered browser-identity headers always carry an explicit one.
// The upstream answers with a single encoding token, so chained encodings
// are rejected.
func ReadBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()

	enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	switch enc {
	case "", "identity":
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("client: read body: %w", err)
		}
		return b, nil

	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("client: open gzip body: %w", err)
		}
		defer zr.Close()
		b, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("client: read gzip body: %w", err)
		}
		return b, nil

	case "deflate":
		fr := flate.NewReader(resp.Body)
		defer fr.Close()
		b, err := io.ReadAll(fr)
		if err != nil {
			return nil, fmt.Errorf("client: read deflate body: %w", err)
		}
		return b, nil

	case "br":
		b, err := io.ReadAll(brotli.NewReader(resp.Body))
		if err != nil {
			return nil, fmt.Errorf("client: read brotli body: %w", err)
		}
		return b, nil

	case "zstd":
		zr, err := zstd.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("client: open zstd body: %w", err)
		}
		defer zr.Close()
		b, err := io.ReadAll(zr.IOReadCloser())
		if err != nil {
			return nil, fmt.Errorf("client: read zstd body: %w", err)
		}
		return b, nil

	default:
		return nil, fmt.Errorf("client: unsupported content-encoding %q", enc)
	}
}
