package session_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/firasghr/GoBookingEngine/config"
	"github.com/firasghr/GoBookingEngine/fingerprint"
	"github.com/firasghr/GoBookingEngine/session"
	"github.com/firasghr/GoBookingEngine/store"
)

func testConfig(baseURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.BaseURL = baseURL
	// The test servers speak plain HTTP/1.1.
	cfg.UseHTTP2 = false
	return cfg
}

func newTestFactory(t *testing.T, baseURL string) *session.Factory {
	t.Helper()
	f, err := session.NewFactory(testConfig(baseURL), *fingerprint.MobileEdgeProfile(), nil, nil)
	if err != nil {
		t.Fatalf("NewFactory: %v", err)
	}
	return f
}

func TestSessionGetSendsDocumentHeaders(t *testing.T) {
	var got http.Header
	var gotCookies string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		gotCookies = r.Header.Get("Cookie")
		w.Write([]byte("halaman"))
	}))
	defer srv.Close()

	f := newTestFactory(t, srv.URL)
	s, err := f.New("tok-global", store.Cookies{GA: "GA1.2.3", GASession: "GS1.x", CISession: "tok-job"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	reply, err := s.Get(context.Background(), s.AbsoluteURL("/booking/site/semeru?date_depart=2025-09-01"), srv.URL+"/peraturan/semeru")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reply.Status != http.StatusOK || string(reply.Body) != "halaman" {
		t.Errorf("reply = %d %q", reply.Status, reply.Body)
	}
	if reply.TTFB <= 0 || reply.Total < reply.TTFB {
		t.Errorf("timing not recorded: ttfb=%s total=%s", reply.TTFB, reply.Total)
	}

	if ua := got.Get("User-Agent"); !strings.Contains(ua, "Mobile Safari") {
		t.Errorf("User-Agent = %q", ua)
	}
	if got.Get("Sec-Fetch-Dest") != "document" {
		t.Errorf("Sec-Fetch-Dest = %q", got.Get("Sec-Fetch-Dest"))
	}
	if ref := got.Get("Referer"); !strings.Contains(ref, "/peraturan/semeru") {
		t.Errorf("Referer = %q", ref)
	}
	for _, want := range []string{"_ga=GA1.2.3", "_ga_session=GS1.x", "ci_session=tok-job"} {
		if !strings.Contains(gotCookies, want) {
			t.Errorf("Cookie header %q missing %q", gotCookies, want)
		}
	}
}

func TestSessionPostFormSendsXHRHeaders(t *testing.T) {
	var got http.Header
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.Write([]byte(`{"status":true}`))
	}))
	defer srv.Close()

	f := newTestFactory(t, srv.URL)
	s, err := f.New("", store.Cookies{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	form := url.Values{}
	form.Set("action", "update_hash")
	form.Set("secret", "s3cr3t")
	reply, err := s.PostForm(context.Background(), s.AbsoluteURL("/website/booking/action"), form, srv.URL+"/booking/site/semeru")
	if err != nil {
		t.Fatalf("PostForm: %v", err)
	}
	if reply.Status != http.StatusOK {
		t.Fatalf("status = %d", reply.Status)
	}

	if got.Get("X-Requested-With") != "XMLHttpRequest" {
		t.Errorf("X-Requested-With = %q", got.Get("X-Requested-With"))
	}
	if ct := got.Get("Content-Type"); ct != "application/x-www-form-urlencoded; charset=UTF-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if origin := got.Get("Origin"); origin != srv.URL {
		t.Errorf("Origin = %q, want %q", origin, srv.URL)
	}
	if !strings.Contains(body, "action=update_hash") || !strings.Contains(body, "secret=s3cr3t") {
		t.Errorf("form body = %q", body)
	}
}

func TestSessionFollowsRedirects(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/member/booking_detail/BRM-250901-001", http.StatusFound)
	})
	mux.HandleFunc("/member/booking_detail/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("detail"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFactory(t, srv.URL)
	s, err := f.New("", store.Cookies{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	reply, err := s.Get(context.Background(), srv.URL+"/start", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !strings.Contains(reply.URL, "/member/booking_detail/BRM-250901-001") {
		t.Errorf("final URL = %q", reply.URL)
	}
	if string(reply.Body) != "detail" {
		t.Errorf("body = %q", reply.Body)
	}
}

func TestSessionPrewarmHitsBothPaths(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFactory(t, srv.URL)
	s, err := f.New("", store.Cookies{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	s.Prewarm(context.Background())
	if len(paths) != 2 || paths[0] != "/" || paths[1] != "/member/booking" {
		t.Errorf("prewarm paths = %v", paths)
	}
}

func TestSessionPrewarmSwallowsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	f := newTestFactory(t, srv.URL)
	s, err := f.New("", store.Cookies{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	srv.Close()

	// Both GETs fail against the closed server; Prewarm must not panic
	// or return an error to the caller.
	s.Prewarm(context.Background())
}

func TestSessionAbsoluteURL(t *testing.T) {
	f := newTestFactory(t, "https://park.example.id")
	s, err := f.New("", store.Cookies{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cases := []struct {
		in   string
		want string
	}{
		{"/booking/site/semeru", "https://park.example.id/booking/site/semeru"},
		{"/", "https://park.example.id/"},
		{"https://other.example/x", "https://other.example/x"},
	}
	for _, tc := range cases {
		if got := s.AbsoluteURL(tc.in); got != tc.want {
			t.Errorf("AbsoluteURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
	if got := s.Origin(); got != "https://park.example.id" {
		t.Errorf("Origin = %q", got)
	}
}

func TestSessionLastActivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFactory(t, srv.URL)
	s, err := f.New("", store.Cookies{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	before := s.LastActivity()
	if _, err := s.Get(context.Background(), srv.URL+"/", ""); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.LastActivity().Before(before) {
		t.Error("LastActivity not advanced by request")
	}
	if s.CreatedAt().IsZero() {
		t.Error("CreatedAt is zero")
	}
}
