package dashboard_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gravitational/trace"

	"github.com/firasghr/GoBookingEngine/dashboard"
	"github.com/firasghr/GoBookingEngine/logger"
	"github.com/firasghr/GoBookingEngine/lookup"
	"github.com/firasghr/GoBookingEngine/metrics"
	"github.com/firasghr/GoBookingEngine/probe"
	"github.com/firasghr/GoBookingEngine/scheduler"
	"github.com/firasghr/GoBookingEngine/store"
)

// engineCalls is a copyable record of the last arguments each engine
// method received.
type engineCalls struct {
	CredUser, CredCI      string
	Spec                  scheduler.JobSpec
	CancelUser, CancelSel string
	EditUser, EditSel     string
	EditISO, EditTime     string
	CookieUser, CookieSel string
	CookieVals            store.Cookies
	ListUser              string
	DetailUser, DetailSel string
	CapSite, CapDate      string
	LookUser, LookCode    string
}

// fakeEngine records arguments and plays back scripted results. The
// handlers run on the test server's goroutines, so every access goes
// through mu.
type fakeEngine struct {
	mu    sync.Mutex
	calls engineCalls

	credErr error

	schedName string
	schedErr  error

	cancelName string
	cancelErr  error

	editOld, editNew string
	editErr          error

	cookieName    string
	cookieChanged []string
	cookieErr     error

	listOut []scheduler.JobStatus

	detailOut *scheduler.JobDetail
	detailErr error

	capRow *probe.CapacityRow
	capErr error

	lookRef *lookup.BookingRef
	lookErr error
}

var _ dashboard.Engine = (*fakeEngine)(nil)

func (f *fakeEngine) Schedule(_ context.Context, spec scheduler.JobSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.Spec = spec
	return f.schedName, f.schedErr
}

func (f *fakeEngine) Cancel(_ context.Context, userID, selector string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.CancelUser, f.calls.CancelSel = userID, selector
	return f.cancelName, f.cancelErr
}

func (f *fakeEngine) EditTime(_ context.Context, userID, selector, execISO, execTime string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.EditUser, f.calls.EditSel = userID, selector
	f.calls.EditISO, f.calls.EditTime = execISO, execTime
	return f.editOld, f.editNew, f.editErr
}

func (f *fakeEngine) UpdateCookies(_ context.Context, userID, selector string, c store.Cookies) (string, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.CookieUser, f.calls.CookieSel = userID, selector
	f.calls.CookieVals = c
	return f.cookieName, f.cookieChanged, f.cookieErr
}

func (f *fakeEngine) SetCredential(userID, ci string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.CredUser, f.calls.CredCI = userID, ci
	return f.credErr
}

func (f *fakeEngine) List(userID string) []scheduler.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.ListUser = userID
	return f.listOut
}

func (f *fakeEngine) Detail(userID, selector string) (*scheduler.JobDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.DetailUser, f.calls.DetailSel = userID, selector
	return f.detailOut, f.detailErr
}

func (f *fakeEngine) Capacity(_ context.Context, siteName, dateISO string) (*probe.CapacityRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.CapSite, f.calls.CapDate = siteName, dateISO
	return f.capRow, f.capErr
}

func (f *fakeEngine) LookupBooking(_ context.Context, userID, code string) (*lookup.BookingRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls.LookUser, f.calls.LookCode = userID, code
	return f.lookRef, f.lookErr
}

func (f *fakeEngine) recorded() engineCalls {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestServer(t *testing.T, eng *fakeEngine) (*httptest.Server, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewMetrics()
	ts := httptest.NewServer(dashboard.New(eng, m, logger.Discard()).Handler())
	t.Cleanup(ts.Close)
	return ts, m
}

// doJSON performs one request, decoding the response into out when out
// is non-nil.
func doJSON(t *testing.T, method, url string, body, out any) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, rdr)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s response: %v", method, url, err)
		}
	}
	return resp
}

func TestHealthz(t *testing.T) {
	ts, _ := newTestServer(t, &fakeEngine{})

	resp := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /healthz status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}

	if resp := doJSON(t, http.MethodPost, ts.URL+"/healthz", nil, nil); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz status = %d, want 405", resp.StatusCode)
	}
}

func TestMetricsSnapshot(t *testing.T) {
	ts, m := newTestServer(t, &fakeEngine{})
	m.IncrementAttempts()
	m.IncrementAttempts()
	m.IncrementPollTicks()

	var snap metrics.Snapshot
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/metrics", nil, &snap)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if snap.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", snap.Attempts)
	}
	if snap.PollTicks != 1 {
		t.Errorf("poll ticks = %d, want 1", snap.PollTicks)
	}
}

func TestSetCredential(t *testing.T) {
	eng := &fakeEngine{}
	ts, _ := newTestServer(t, eng)

	var ok struct {
		OK bool `json:"ok"`
	}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/ci",
		map[string]string{"user_id": "u1", "ci_session": "ci-abc"}, &ok)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !ok.OK {
		t.Error("response ok = false, want true")
	}
	calls := eng.recorded()
	if calls.CredUser != "u1" || calls.CredCI != "ci-abc" {
		t.Errorf("recorded credential = (%q, %q), want (u1, ci-abc)", calls.CredUser, calls.CredCI)
	}
}

func TestSetCredentialRejected(t *testing.T) {
	eng := &fakeEngine{credErr: trace.BadParameter("scheduler: empty ci_session")}
	ts, _ := newTestServer(t, eng)

	var boom struct {
		Error string `json:"error"`
	}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/ci",
		map[string]string{"user_id": "u1"}, &boom)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(boom.Error, "empty ci_session") {
		t.Errorf("error = %q, want mention of empty ci_session", boom.Error)
	}
}

func TestScheduleJob(t *testing.T) {
	eng := &fakeEngine{schedName: "bromo-u1-Budi Santoso-2025-09-10-2025-09-01-07:00:00"}
	ts, _ := newTestServer(t, eng)

	lead := 10
	spec := scheduler.JobSpec{
		UserID:          "u1",
		ChatID:          777,
		Site:            "bromo",
		BookingISO:      "2025-09-10",
		ExecISO:         "2025-09-01",
		Time:            "07:00",
		Profile:         json.RawMessage(`{"name":"Budi Santoso"}`),
		Cookies:         store.Cookies{CISession: "ci-abc"},
		ReminderMinutes: &lead,
	}
	var out struct {
		OK  bool   `json:"ok"`
		Job string `json:"job"`
	}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/jobs", spec, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !out.OK || out.Job != eng.schedName {
		t.Errorf("response = %+v, want ok with job %q", out, eng.schedName)
	}

	got := eng.recorded().Spec
	if got.UserID != "u1" || got.Site != "bromo" || got.Time != "07:00" {
		t.Errorf("engine saw spec %+v", got)
	}
	if got.ChatID != 777 {
		t.Errorf("chat id = %d, want 777", got.ChatID)
	}
	if !bytes.Equal(got.Profile, spec.Profile) {
		t.Errorf("profile = %s, want %s", got.Profile, spec.Profile)
	}
	if got.Cookies.CISession != "ci-abc" {
		t.Errorf("ci_session = %q, want ci-abc", got.Cookies.CISession)
	}
	if got.ReminderMinutes == nil || *got.ReminderMinutes != 10 {
		t.Errorf("reminder = %v, want 10", got.ReminderMinutes)
	}
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	eng := &fakeEngine{schedErr: trace.BadParameter("scheduler: unknown site %q", "rinjani")}
	ts, _ := newTestServer(t, eng)

	var boom struct {
		Error string `json:"error"`
	}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/jobs",
		scheduler.JobSpec{UserID: "u1", Site: "rinjani"}, &boom)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if !strings.Contains(boom.Error, "unknown site") {
		t.Errorf("error = %q, want mention of unknown site", boom.Error)
	}
}

func TestListJobs(t *testing.T) {
	eng := &fakeEngine{listOut: []scheduler.JobStatus{
		{Index: 1, Name: "bromo-a", Status: "AKTIF", Site: "BROMO", Leader: "Budi Santoso"},
		{Index: 2, Name: "semeru-b", Status: "TIDAK AKTIF", Site: "SEMERU", Leader: "Siti Rahma"},
	}}
	ts, _ := newTestServer(t, eng)

	var jobs []scheduler.JobStatus
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/jobs?user_id=u1", nil, &jobs)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}
	if jobs[0].Name != "bromo-a" || jobs[0].Status != "AKTIF" {
		t.Errorf("jobs[0] = %+v", jobs[0])
	}
	if jobs[1].Leader != "Siti Rahma" {
		t.Errorf("jobs[1].Leader = %q, want Siti Rahma", jobs[1].Leader)
	}
	if got := eng.recorded().ListUser; got != "u1" {
		t.Errorf("engine saw user %q, want u1", got)
	}

	// user_id is mandatory on the list route.
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/jobs", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status without user_id = %d, want 400", resp.StatusCode)
	}
}

func TestJobDetail(t *testing.T) {
	lead := 5
	eng := &fakeEngine{detailOut: &scheduler.JobDetail{
		Name:            "bromo-a",
		Status:          "AKTIF",
		Site:            "BROMO",
		BookingISO:      "2025-09-10",
		ExecISO:         "2025-09-01",
		Time:            "07:00:00",
		ReminderMinutes: &lead,
		Profile:         json.RawMessage(`{"name":"Budi Santoso"}`),
		Cookies:         map[string]string{"ci_session": "ci-sec...3456", "_ga": "(kosong)"},
		LiveTimers:      []string{"bromo-a", "prewarm-bromo-a"},
	}}
	ts, _ := newTestServer(t, eng)

	var detail scheduler.JobDetail
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/jobs/detail?user_id=u1&job=1", nil, &detail)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if detail.Name != "bromo-a" {
		t.Errorf("job = %q, want bromo-a", detail.Name)
	}
	if detail.Cookies["ci_session"] != "ci-sec...3456" {
		t.Errorf("cookies = %v, want masked ci_session", detail.Cookies)
	}
	if len(detail.LiveTimers) != 2 {
		t.Errorf("live timers = %v, want 2 entries", detail.LiveTimers)
	}
	calls := eng.recorded()
	if calls.DetailUser != "u1" || calls.DetailSel != "1" {
		t.Errorf("engine saw (%q, %q), want (u1, 1)", calls.DetailUser, calls.DetailSel)
	}
}

func TestCancelJob(t *testing.T) {
	eng := &fakeEngine{cancelName: "bromo-a"}
	ts, _ := newTestServer(t, eng)

	var out struct {
		OK  bool   `json:"ok"`
		Job string `json:"job"`
	}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/jobs/cancel",
		map[string]string{"user_id": "u1", "job": "2"}, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !out.OK || out.Job != "bromo-a" {
		t.Errorf("response = %+v", out)
	}
	calls := eng.recorded()
	if calls.CancelUser != "u1" || calls.CancelSel != "2" {
		t.Errorf("engine saw (%q, %q), want (u1, 2)", calls.CancelUser, calls.CancelSel)
	}
}

func TestEditJobTime(t *testing.T) {
	eng := &fakeEngine{editOld: "bromo-old", editNew: "bromo-new"}
	ts, _ := newTestServer(t, eng)

	var out struct {
		OK     bool   `json:"ok"`
		OldJob string `json:"old_job"`
		NewJob string `json:"new_job"`
	}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/jobs/time",
		map[string]string{"user_id": "u1", "job": "bromo-old", "exec_iso": "2025-09-02", "time": "04:30"}, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if out.OldJob != "bromo-old" || out.NewJob != "bromo-new" {
		t.Errorf("response = %+v", out)
	}
	calls := eng.recorded()
	if calls.EditISO != "2025-09-02" || calls.EditTime != "04:30" {
		t.Errorf("engine saw (%q, %q), want (2025-09-02, 04:30)", calls.EditISO, calls.EditTime)
	}
}

func TestUpdateJobCookies(t *testing.T) {
	eng := &fakeEngine{cookieName: "bromo-a", cookieChanged: []string{"_ga", "ci_session"}}
	ts, _ := newTestServer(t, eng)

	body := map[string]string{
		"user_id":    "u1",
		"job":        "1",
		"_ga":        "GA1.2.999",
		"ci_session": "ci-new",
	}
	var out struct {
		OK      bool     `json:"ok"`
		Job     string   `json:"job"`
		Changed []string `json:"changed"`
	}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/jobs/cookies", body, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !out.OK || out.Job != "bromo-a" || len(out.Changed) != 2 {
		t.Errorf("response = %+v", out)
	}

	vals := eng.recorded().CookieVals
	if vals.GA != "GA1.2.999" || vals.CISession != "ci-new" || vals.GASession != "" {
		t.Errorf("engine saw cookies %+v", vals)
	}
}

func TestCapacity(t *testing.T) {
	eng := &fakeEngine{capRow: &probe.CapacityRow{
		DateLabel: "Rabu, 10 September 2025",
		Quota:     12,
		Available: true,
	}}
	ts, _ := newTestServer(t, eng)

	var out struct {
		Site      string `json:"site"`
		Date      string `json:"date"`
		DateLabel string `json:"date_label"`
		Quota     int    `json:"quota"`
		Available bool   `json:"available"`
	}
	resp := doJSON(t, http.MethodGet, ts.URL+"/api/capacity?site=bromo&date=2025-09-10", nil, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if out.Site != "bromo" || out.Date != "2025-09-10" {
		t.Errorf("echo = (%q, %q), want (bromo, 2025-09-10)", out.Site, out.Date)
	}
	if out.Quota != 12 || !out.Available {
		t.Errorf("quota = %d available = %v, want 12 true", out.Quota, out.Available)
	}
	calls := eng.recorded()
	if calls.CapSite != "bromo" || calls.CapDate != "2025-09-10" {
		t.Errorf("engine saw (%q, %q)", calls.CapSite, calls.CapDate)
	}
}

func TestBookingLookup(t *testing.T) {
	eng := &fakeEngine{lookRef: &lookup.BookingRef{
		Code:     "BRM-2025-0042",
		Secret:   "sec-77",
		FormHash: "fh-88",
		Raw:      json.RawMessage(`{"kode_booking":"BRM-2025-0042"}`),
	}}
	ts, _ := newTestServer(t, eng)

	var out struct {
		Code     string          `json:"code"`
		Secret   string          `json:"secret"`
		FormHash string          `json:"form_hash"`
		Raw      json.RawMessage `json:"raw"`
	}
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/booking/lookup",
		map[string]string{"user_id": "u1", "code": "BRM-2025-0042"}, &out)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if out.Code != "BRM-2025-0042" || out.Secret != "sec-77" || out.FormHash != "fh-88" {
		t.Errorf("response = %+v", out)
	}
	if !bytes.Contains(out.Raw, []byte("kode_booking")) {
		t.Errorf("raw = %s, want grid row", out.Raw)
	}
	calls := eng.recorded()
	if calls.LookUser != "u1" || calls.LookCode != "BRM-2025-0042" {
		t.Errorf("engine saw (%q, %q)", calls.LookUser, calls.LookCode)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", trace.NotFound("scheduler: job %q not found", "x"), http.StatusNotFound},
		{"bad parameter", trace.BadParameter("scheduler: no job selector"), http.StatusBadRequest},
		{"internal", errors.New("store: disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			eng := &fakeEngine{detailErr: tc.err}
			ts, _ := newTestServer(t, eng)

			var boom struct {
				Error string `json:"error"`
			}
			resp := doJSON(t, http.MethodGet, ts.URL+"/api/jobs/detail?user_id=u1&job=9", nil, &boom)
			if resp.StatusCode != tc.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.want)
			}
			if boom.Error == "" {
				t.Error("error body is empty")
			}
		})
	}
}

func TestRejectsMalformedJSON(t *testing.T) {
	ts, _ := newTestServer(t, &fakeEngine{})

	resp, err := http.Post(ts.URL+"/api/jobs", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST /api/jobs: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var boom struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&boom); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !strings.Contains(boom.Error, "decode request") {
		t.Errorf("error = %q, want decode failure", boom.Error)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _ := newTestServer(t, &fakeEngine{})

	cases := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/ci"},
		{http.MethodDelete, "/api/jobs"},
		{http.MethodGet, "/api/jobs/cancel"},
		{http.MethodGet, "/api/jobs/time"},
		{http.MethodGet, "/api/jobs/cookies"},
		{http.MethodPost, "/api/capacity"},
		{http.MethodGet, "/api/booking/lookup"},
		{http.MethodPost, "/api/metrics"},
	}
	for _, tc := range cases {
		resp := doJSON(t, tc.method, ts.URL+tc.path, nil, nil)
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("%s %s status = %d, want 405", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestPreflightAndRequestID(t *testing.T) {
	ts, _ := newTestServer(t, &fakeEngine{})

	resp := doJSON(t, http.MethodOptions, ts.URL+"/api/jobs", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("OPTIONS status = %d, want 204", resp.StatusCode)
	}
	if origin := resp.Header.Get("Access-Control-Allow-Origin"); origin != "*" {
		t.Errorf("allow-origin = %q, want *", origin)
	}

	resp = doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, nil)
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("response is missing X-Request-ID")
	}

	// An inbound id survives to the response for log correlation.
	req, err := http.NewRequest(http.MethodGet, ts.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-Request-ID", "req-42")
	tagged, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer tagged.Body.Close()
	if got := tagged.Header.Get("X-Request-ID"); got != "req-42" {
		t.Errorf("X-Request-ID = %q, want req-42", got)
	}
}
