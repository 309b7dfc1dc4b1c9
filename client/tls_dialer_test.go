package client_test

import (
	"testing"
	"time"

	utls "github.com/refraction-networking/utls"

	"github.com/firasghr/GoBookingEngine/client"
)

func TestUTLSDialer_NotNil(t *testing.T) {
	d := client.UTLSDialer(utls.HelloChrome_Auto)
	if d == nil {
		t.Fatal("UTLSDialer returned nil for HelloChrome_Auto")
	}
}

func TestUTLSDialerHTTP1_NotNil(t *testing.T) {
	for _, id := range []utls.ClientHelloID{
		utls.HelloChrome_120,
		utls.HelloChrome_131,
		utls.HelloChrome_Auto,
	} {
		d := client.UTLSDialerHTTP1(id)
		if d == nil {
			t.Errorf("UTLSDialerHTTP1 returned nil for %s", id.Str())
		}
	}
}

func TestNewHTTPClient_Defaults(t *testing.T) {
	c, err := client.NewHTTPClient(client.Options{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("NewHTTPClient: %v", err)
	}
	if c == nil {
		t.Fatal("NewHTTPClient returned nil client")
	}
	if c.Jar == nil {
		t.Error("expected non-nil cookie jar")
	}
}

func TestNewHTTPClient_H2Path(t *testing.T) {
	c, err := client.NewHTTPClient(client.Options{
		Timeout:  10 * time.Second,
		UseHTTP2: true,
		HelloID:  utls.HelloChrome_Auto,
	})
	if err != nil {
		t.Fatalf("NewHTTPClient (h2): %v", err)
	}
	if c == nil {
		t.Fatal("NewHTTPClient (h2) returned nil client")
	}
}

func TestNewHTTPClient_InvalidProxy(t *testing.T) {
	_, err := client.NewHTTPClient(client.Options{Proxy: "://bad-proxy"})
	if err == nil {
		t.Error("expected error for invalid proxy URL")
	}
}

func TestNewHTTPClient_ProxyForcesHTTP1(t *testing.T) {
	// A proxy cannot be tunnelled through the h2 fingerprint path; the
	// factory must still return a working client.
	c, err := client.NewHTTPClient(client.Options{
		Proxy:    "http://127.0.0.1:3128",
		UseHTTP2: true,
	})
	if err != nil {
		t.Fatalf("NewHTTPClient with proxy: %v", err)
	}
	if c == nil {
		t.Fatal("expected client, got nil")
	}
}
