// Package dashboard exposes the engine control surface over HTTP.
//
// It is the programmatic stand-in for a chat front end: an external
// collaborator (bot bridge, cron job, curl) drives scheduling through
// plain JSON endpoints:
//
//   - GET  /healthz             – liveness probe
//   - GET  /api/metrics         – engine counters (JSON)
//   - POST /api/ci              – set a user's global ci_session
//   - POST /api/jobs            – schedule a booking job
//   - GET  /api/jobs            – list a user's jobs (?user_id=)
//   - GET  /api/jobs/detail     – one job, cookies masked (?user_id=&job=)
//   - POST /api/jobs/cancel     – cancel and delete a job
//   - POST /api/jobs/time       – move a job to a new execution instant
//   - POST /api/jobs/cookies    – merge fresh cookies into a job
//   - GET  /api/capacity        – quota for one site and date (?site=&date=)
//   - POST /api/booking/lookup  – resolve a booking code to its grid secrets
//
// Jobs are addressed the same way the chat surface addresses them: the
// "job" field accepts either the 1-based list index or the full job name.
// CORS is wide-open so a local web front end can reach the API without a
// reverse proxy; the server binds to loopback by default.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"

	"github.com/firasghr/GoBookingEngine/logger"
	"github.com/firasghr/GoBookingEngine/lookup"
	"github.com/firasghr/GoBookingEngine/metrics"
	"github.com/firasghr/GoBookingEngine/probe"
	"github.com/firasghr/GoBookingEngine/scheduler"
	"github.com/firasghr/GoBookingEngine/store"
)

// ─── Engine surface ───────────────────────────────────────────────────────────

// Engine is the scheduling surface the server drives. The orchestrator
// implements it; tests substitute a fake.
type Engine interface {
	Schedule(ctx context.Context, spec scheduler.JobSpec) (string, error)
	Cancel(ctx context.Context, userID, selector string) (string, error)
	EditTime(ctx context.Context, userID, selector, execISO, execTime string) (string, string, error)
	UpdateCookies(ctx context.Context, userID, selector string, c store.Cookies) (string, []string, error)
	SetCredential(userID, ci string) error
	List(userID string) []scheduler.JobStatus
	Detail(userID, selector string) (*scheduler.JobDetail, error)
	Capacity(ctx context.Context, siteName, dateISO string) (*probe.CapacityRow, error)
	LookupBooking(ctx context.Context, userID, code string) (*lookup.BookingRef, error)
}

// ─── Wire types ───────────────────────────────────────────────────────────────

// credentialRequest sets the user-global ci_session.
type credentialRequest struct {
	UserID    string `json:"user_id"`
	CISession string `json:"ci_session"`
}

// jobRequest addresses one job by owner and selector (index or name).
type jobRequest struct {
	UserID string `json:"user_id"`
	Job    string `json:"job"`
}

// timeRequest moves a job to a new execution instant.
type timeRequest struct {
	UserID  string `json:"user_id"`
	Job     string `json:"job"`
	ExecISO string `json:"exec_iso"`
	Time    string `json:"time"`
}

// cookiesRequest merges fresh cookie values into a job. The cookie
// fields sit at the top level under their upstream names (_ga,
// _ga_session, ci_session); empty values are ignored.
type cookiesRequest struct {
	UserID string `json:"user_id"`
	Job    string `json:"job"`
	store.Cookies
}

// lookupRequest resolves a booking code with the user's credential.
type lookupRequest struct {
	UserID string `json:"user_id"`
	Code   string `json:"code"`
}

type jobResponse struct {
	OK  bool   `json:"ok"`
	Job string `json:"job"`
}

type renameResponse struct {
	OK     bool   `json:"ok"`
	OldJob string `json:"old_job"`
	NewJob string `json:"new_job"`
}

type cookiesResponse struct {
	OK      bool     `json:"ok"`
	Job     string   `json:"job"`
	Changed []string `json:"changed"`
}

type capacityResponse struct {
	Site      string `json:"site"`
	Date      string `json:"date"`
	DateLabel string `json:"date_label"`
	Quota     int    `json:"quota"`
	Available bool   `json:"available"`
}

type lookupResponse struct {
	Code     string          `json:"code"`
	Secret   string          `json:"secret"`
	FormHash string          `json:"form_hash"`
	Raw      json.RawMessage `json:"raw,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// ─── Server ───────────────────────────────────────────────────────────────────

// Server serves the control API for one engine instance.
type Server struct {
	engine  Engine
	metrics *metrics.Metrics
	log     *logger.Logger
	mux     *http.ServeMux

	mu  sync.Mutex
	srv *http.Server // set by ListenAndServe
}

// New creates a Server driving the given engine. Call ListenAndServe to
// start accepting connections.
func New(engine Engine, m *metrics.Metrics, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	s := &Server{
		engine:  engine,
		metrics: m,
		log:     log,
		mux:     http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the route table, ready to mount in a test server.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe starts the HTTP server on addr (e.g. "127.0.0.1:8077")
// and blocks until the listener closes. Timeouts are finite on every
// side: the control API is strict request/response with no streaming.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()

	s.log.Infof("dashboard: listening on %s", addr)
	return srv.ListenAndServe()
}

// Shutdown drains in-flight requests and closes the listener. A Server
// that never started listening shuts down as a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ─── Route registration ───────────────────────────────────────────────────────

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/healthz", s.wrap(s.handleHealthz))
	s.mux.HandleFunc("/api/metrics", s.wrap(s.handleMetrics))
	s.mux.HandleFunc("/api/ci", s.wrap(s.handleCredential))
	s.mux.HandleFunc("/api/jobs", s.wrap(s.handleJobs))
	s.mux.HandleFunc("/api/jobs/detail", s.wrap(s.handleJobDetail))
	s.mux.HandleFunc("/api/jobs/cancel", s.wrap(s.handleJobCancel))
	s.mux.HandleFunc("/api/jobs/time", s.wrap(s.handleJobTime))
	s.mux.HandleFunc("/api/jobs/cookies", s.wrap(s.handleJobCookies))
	s.mux.HandleFunc("/api/capacity", s.wrap(s.handleCapacity))
	s.mux.HandleFunc("/api/booking/lookup", s.wrap(s.handleBookingLookup))
}

// ─── Middleware ───────────────────────────────────────────────────────────────

// statusRecorder captures the response code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// wrap applies CORS headers, answers preflight, tags the request with an
// id and writes one access-log line per request. An inbound X-Request-ID
// is kept so a chat bridge can correlate its own logs with ours.
func (s *Server) wrap(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h(rec, r)
		s.log.WithField("req_id", id).Infof("%s %s %d (%s)",
			r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	}
}

// ─── Encoding helpers ─────────────────────────────────────────────────────────

// Control requests are small JSON documents; anything bigger is noise.
const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return trace.BadParameter("dashboard: decode request: %v", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debugf("dashboard: encode response: %v", err)
	}
}

// writeError maps the engine's error classes onto HTTP codes: unknown
// jobs and users are 404, rejected input is 400, the rest is 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case trace.IsNotFound(err):
		status = http.StatusNotFound
	case trace.IsBadParameter(err):
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// ─── /healthz and /api/metrics ────────────────────────────────────────────────

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// ─── /api/ci ──────────────────────────────────────────────────────────────────

func (s *Server) handleCredential(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req credentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.engine.SetCredential(req.UserID, req.CISession); err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"ok":true}`)
}

// ─── /api/jobs ────────────────────────────────────────────────────────────────

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			s.writeError(w, trace.BadParameter("dashboard: missing user_id"))
			return
		}
		s.writeJSON(w, http.StatusOK, s.engine.List(userID))

	case http.MethodPost:
		var spec scheduler.JobSpec
		if err := decodeJSON(w, r, &spec); err != nil {
			s.writeError(w, err)
			return
		}
		name, err := s.engine.Schedule(r.Context(), spec)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, jobResponse{OK: true, Job: name})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	detail, err := s.engine.Detail(q.Get("user_id"), q.Get("job"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req jobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	name, err := s.engine.Cancel(r.Context(), req.UserID, req.Job)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobResponse{OK: true, Job: name})
}

func (s *Server) handleJobTime(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req timeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	oldName, newName, err := s.engine.EditTime(r.Context(), req.UserID, req.Job, req.ExecISO, req.Time)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, renameResponse{OK: true, OldJob: oldName, NewJob: newName})
}

func (s *Server) handleJobCookies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cookiesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	name, changed, err := s.engine.UpdateCookies(r.Context(), req.UserID, req.Job, req.Cookies)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cookiesResponse{OK: true, Job: name, Changed: changed})
}

// ─── /api/capacity ────────────────────────────────────────────────────────────

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	site, date := q.Get("site"), q.Get("date")
	row, err := s.engine.Capacity(r.Context(), site, date)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, capacityResponse{
		Site:      site,
		Date:      date,
		DateLabel: row.DateLabel,
		Quota:     row.Quota,
		Available: row.Available,
	})
}

// ─── /api/booking/lookup ──────────────────────────────────────────────────────

func (s *Server) handleBookingLookup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req lookupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ref, err := s.engine.LookupBooking(r.Context(), req.UserID, req.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, lookupResponse{
		Code:     ref.Code,
		Secret:   ref.Secret,
		FormHash: ref.FormHash,
		Raw:      ref.Raw,
	})
}
