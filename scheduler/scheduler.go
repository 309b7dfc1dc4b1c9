// Package scheduler is the orchestrator tying the engine together: it
// validates and persists jobs, arms their timer tracks on the wheel,
// and drives the booking protocol when a track fires.
//
// Each job owns up to five timers, all sharing the job name:
//
//	<name>          the main trigger at the execution instant
//	prewarm-<name>  opens connections shortly before the trigger
//	rem-<name>      the reminder nag, when the job asks for one
//	view-<name>     the capacity change watch around the trigger
//	poll-<name>     slow availability polling after a sold-out result
//
// A firing claim guarantees at most one submission per job across the
// main and view tracks. The claim is only released by user actions
// (reschedule, cookie update, cancel, overwrite), never by a firing
// path, so a late timer can never resubmit a finished job.
package scheduler

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/firasghr/GoBookingEngine/config"
	"github.com/firasghr/GoBookingEngine/logger"
	"github.com/firasghr/GoBookingEngine/lookup"
	"github.com/firasghr/GoBookingEngine/metrics"
	"github.com/firasghr/GoBookingEngine/probe"
	"github.com/firasghr/GoBookingEngine/protocol"
	"github.com/firasghr/GoBookingEngine/report"
	"github.com/firasghr/GoBookingEngine/session"
	"github.com/firasghr/GoBookingEngine/store"
	"github.com/firasghr/GoBookingEngine/wheel"
)

// rearmWorkers bounds the boot-time re-arm fan-out.
const rearmWorkers = 8

// Session is the slice of a booking session the orchestrator handles:
// the driver's request surface plus warm-up and teardown.
type Session interface {
	protocol.Session
	Prewarm(ctx context.Context)
	Close()
}

// SessionFactory mints sessions seeded with a user credential and a
// job's cookie overrides.
type SessionFactory interface {
	New(userCI string, jobCookies store.Cookies) (Session, error)
}

// FactoryAdapter lifts the concrete session factory onto
// SessionFactory.
type FactoryAdapter struct {
	Factory *session.Factory
}

// New implements SessionFactory.
func (a FactoryAdapter) New(userCI string, jobCookies store.Cookies) (Session, error) {
	s, err := a.Factory.New(userCI, jobCookies)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return s, nil
}

// Booker runs one booking attempt. *protocol.Driver implements it.
type Booker interface {
	Book(ctx context.Context, req protocol.Request) (*protocol.Outcome, error)
}

// Prober answers capacity questions for the poll and view tracks.
type Prober interface {
	Check(ctx context.Context, sess probe.Poster, site store.Site, dateISO string) (*probe.CapacityRow, error)
	RawGrid(ctx context.Context, sess probe.Poster, site store.Site, yearMonth string) ([]byte, error)
}

// Finder resolves a confirmation code back to its booking tokens.
type Finder interface {
	FindByCode(ctx context.Context, sess lookup.Poster, code string) (*lookup.BookingRef, error)
}

// Config wires an Orchestrator.
type Config struct {
	Store    *store.Store
	Wheel    *wheel.Wheel
	Sessions SessionFactory
	Booker   Booker
	Prober   Prober
	Finder   Finder
	Reporter report.Reporter
	Settings *config.Config

	// Clock drives past-deadline checks and retry sleeps. Defaults to
	// the wall clock; tests pass the same fake the wheel runs on.
	Clock   clockwork.Clock
	Log     *logger.Logger
	Metrics *metrics.Metrics
}

// CheckAndSetDefaults validates the wiring and fills optional fields.
func (c *Config) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("scheduler: missing Store")
	}
	if c.Wheel == nil {
		return trace.BadParameter("scheduler: missing Wheel")
	}
	if c.Sessions == nil {
		return trace.BadParameter("scheduler: missing Sessions")
	}
	if c.Booker == nil {
		return trace.BadParameter("scheduler: missing Booker")
	}
	if c.Prober == nil {
		return trace.BadParameter("scheduler: missing Prober")
	}
	if c.Finder == nil {
		return trace.BadParameter("scheduler: missing Finder")
	}
	if c.Reporter == nil {
		return trace.BadParameter("scheduler: missing Reporter")
	}
	if c.Settings == nil {
		return trace.BadParameter("scheduler: missing Settings")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logger.Discard()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.NewMetrics()
	}
	return nil
}

// Orchestrator owns the live-job state: timer tracks, firing claims
// and the warm session cache.
type Orchestrator struct {
	store    *store.Store
	wheel    *wheel.Wheel
	sessions SessionFactory
	booker   Booker
	prober   Prober
	finder   Finder
	reporter report.Reporter
	settings *config.Config
	clock    clockwork.Clock
	log      *logger.Logger
	metrics  *metrics.Metrics
	loc      *time.Location

	// warm maps a job name to its prewarmed session until the trigger
	// consumes it or the TTL reclaims it.
	warm *gocache.Cache

	// claims holds the firing slot per job name. LoadOrStore is the
	// at-most-once gate between the main and view tracks.
	claims sync.Map

	// views tracks live change-watch state so a cancel can tear down
	// the watch session the track holds.
	views sync.Map

	jitter *jitterSource
}

// New builds an Orchestrator from cfg.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	loc, err := time.LoadLocation(cfg.Settings.Timezone)
	if err != nil {
		return nil, trace.BadParameter("scheduler: load timezone %q: %v", cfg.Settings.Timezone, err)
	}
	o := &Orchestrator{
		store:    cfg.Store,
		wheel:    cfg.Wheel,
		sessions: cfg.Sessions,
		booker:   cfg.Booker,
		prober:   cfg.Prober,
		finder:   cfg.Finder,
		reporter: cfg.Reporter,
		settings: cfg.Settings,
		clock:    cfg.Clock,
		log:      cfg.Log.WithField("component", "scheduler"),
		metrics:  cfg.Metrics,
		loc:      loc,
		warm:     gocache.New(cfg.Settings.SessionCacheTTL.Std(), time.Minute),
		jitter:   newJitterSource(),
	}
	// A cached session nobody consumed still owns a transport; close it
	// when the TTL reclaims the slot.
	o.warm.OnEvicted(func(_ string, v interface{}) {
		if ws, ok := v.(*warmSession); ok && ws.taken.CompareAndSwap(false, true) {
			ws.sess.Close()
		}
	})
	return o, nil
}

// JobSpec is a job creation request.
type JobSpec struct {
	UserID          string          `json:"user_id"`
	ChatID          int64           `json:"chat_id"`
	Site            string          `json:"site"`
	BookingISO      string          `json:"booking_iso"`
	ExecISO         string          `json:"exec_iso"`
	Time            string          `json:"time"`
	Profile         json.RawMessage `json:"profile"`
	Cookies         store.Cookies   `json:"cookies"`
	ReminderMinutes *int            `json:"reminder_minutes"`
}

// Schedule validates spec, persists the job and arms its timer tracks.
// It returns the canonical job name. A deadline that is not in the
// future is rejected before anything is written.
func (o *Orchestrator) Schedule(ctx context.Context, spec JobSpec) (string, error) {
	if strings.TrimSpace(spec.UserID) == "" {
		return "", trace.BadParameter("scheduler: missing user id")
	}
	site, err := store.SiteByName(spec.Site)
	if err != nil {
		return "", trace.Wrap(err)
	}
	for _, iso := range []string{spec.BookingISO, spec.ExecISO} {
		if _, err := time.Parse("2006-01-02", iso); err != nil {
			return "", trace.BadParameter("scheduler: bad date %q, want YYYY-MM-DD", iso)
		}
	}
	execTime, err := store.NormalizeTime(spec.Time)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if r := spec.ReminderMinutes; r != nil && (*r < 0 || *r > 120) {
		return "", trace.BadParameter("scheduler: reminder minutes %d out of range 0..120", *r)
	}

	job := store.Job{
		Site:            site.Name,
		BookingISO:      spec.BookingISO,
		ExecISO:         spec.ExecISO,
		Time:            execTime,
		Profile:         spec.Profile,
		Cookies:         spec.Cookies,
		ReminderMinutes: spec.ReminderMinutes,
		CreatedAt:       o.clock.Now().In(o.loc).Format(time.RFC3339),
		ChatID:          spec.ChatID,
	}
	leader, err := leaderName(job)
	if err != nil {
		return "", trace.Wrap(err)
	}
	name := store.BuildJobName(site, spec.UserID, leader, job.BookingISO, job.ExecISO, job.Time)

	execAt, err := job.ExecAt(o.loc)
	if err != nil {
		return "", trace.Wrap(err)
	}
	if !execAt.After(o.clock.Now()) {
		return "", trace.BadParameter("scheduler: exec time %s %s already passed in %s",
			job.ExecISO, job.Time, o.settings.Timezone)
	}

	// Same name means same site, leader, dates and time: replace the
	// older scheduling wholesale.
	o.disarm(name)

	if err := o.store.PutJob(spec.UserID, name, job); err != nil {
		return "", trace.Wrap(err)
	}
	if err := o.armTracks(spec.UserID, name, job, execAt); err != nil {
		if rerr := o.store.RemoveJob(spec.UserID, name); rerr != nil {
			o.log.Warnf("roll back job %s: %v", name, rerr)
		}
		return "", trace.Wrap(err)
	}

	o.notify(ctx, spec.ChatID, o.scheduledText(site, job, name))
	o.log.Infof("scheduled %s for %s at %s %s", name, spec.UserID, job.ExecISO, job.Time)
	return name, nil
}

// Cancel removes the job's timers, warm session and store record.
func (o *Orchestrator) Cancel(ctx context.Context, userID, selector string) (string, error) {
	name, err := o.Resolve(userID, selector)
	if err != nil {
		return "", trace.Wrap(err)
	}
	job, err := o.store.GetJob(userID, name)
	if err != nil {
		return "", trace.Wrap(err)
	}
	o.disarm(name)
	if err := o.store.RemoveJob(userID, name); err != nil {
		return "", trace.Wrap(err)
	}
	o.notify(ctx, job.ChatID, "Job '"+name+"' dibatalkan & dihapus.")
	o.log.Infof("cancelled %s for %s", name, userID)
	return name, nil
}

// EditTime moves the job to a new execution instant. All old timers go
// first; a new deadline in the past then fails the edit, leaving the
// record in place with its obsolete timers cleared.
func (o *Orchestrator) EditTime(ctx context.Context, userID, selector, execISO, execTime string) (string, string, error) {
	name, err := o.Resolve(userID, selector)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	job, err := o.store.GetJob(userID, name)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	if _, err := time.Parse("2006-01-02", execISO); err != nil {
		return "", "", trace.BadParameter("scheduler: bad date %q, want YYYY-MM-DD", execISO)
	}
	normTime, err := store.NormalizeTime(execTime)
	if err != nil {
		return "", "", trace.Wrap(err)
	}

	o.disarm(name)

	job.ExecISO = execISO
	job.Time = normTime
	execAt, err := job.ExecAt(o.loc)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	if !execAt.After(o.clock.Now()) {
		return "", "", trace.BadParameter("scheduler: new exec time %s %s already passed in %s",
			execISO, normTime, o.settings.Timezone)
	}

	site, err := job.SiteInfo()
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	leader, err := leaderName(job)
	if err != nil {
		return "", "", trace.Wrap(err)
	}
	newName := store.BuildJobName(site, userID, leader, job.BookingISO, job.ExecISO, job.Time)

	if err := o.store.ReplaceJob(userID, name, newName, job); err != nil {
		return "", "", trace.Wrap(err)
	}
	if err := o.armTracks(userID, newName, job, execAt); err != nil {
		return "", "", trace.Wrap(err)
	}

	o.notify(ctx, job.ChatID, "Job diubah waktunya ✅\nLama: "+name+"\nBaru: "+newName)
	o.log.Infof("rescheduled %s -> %s", name, newName)
	return name, newName, nil
}

// UpdateCookies merges the non-empty cookie values into the job and
// re-arms every track. The execution instant stays as it was, so a job
// whose deadline already passed cannot be revived this way.
func (o *Orchestrator) UpdateCookies(ctx context.Context, userID, selector string, c store.Cookies) (string, []string, error) {
	name, err := o.Resolve(userID, selector)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	job, err := o.store.GetJob(userID, name)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}

	var changed []string
	if c.GA != "" {
		job.Cookies.GA = c.GA
		changed = append(changed, "_ga")
	}
	if c.GASession != "" {
		job.Cookies.GASession = c.GASession
		changed = append(changed, "_ga_session")
	}
	if c.CISession != "" {
		job.Cookies.CISession = c.CISession
		changed = append(changed, "ci_session")
	}
	if len(changed) == 0 {
		return "", nil, trace.BadParameter("scheduler: no cookie values provided")
	}

	o.disarm(name)

	execAt, err := job.ExecAt(o.loc)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	if !execAt.After(o.clock.Now()) {
		return "", nil, trace.BadParameter("scheduler: exec time %s %s already passed in %s",
			job.ExecISO, job.Time, o.settings.Timezone)
	}

	if err := o.store.PutJob(userID, name, job); err != nil {
		return "", nil, trace.Wrap(err)
	}
	if err := o.armTracks(userID, name, job, execAt); err != nil {
		return "", nil, trace.Wrap(err)
	}

	o.notify(ctx, job.ChatID, "Cookies job diupdate ✅ ("+strings.Join(changed, ", ")+")\nJob: "+name)
	o.log.Infof("updated cookies on %s (%s)", name, strings.Join(changed, ", "))
	return name, changed, nil
}

// SetCredential stores the user-global ci_session.
func (o *Orchestrator) SetCredential(userID, ci string) error {
	if strings.TrimSpace(userID) == "" {
		return trace.BadParameter("scheduler: missing user id")
	}
	ci = strings.TrimSpace(ci)
	if ci == "" {
		return trace.BadParameter("scheduler: empty ci_session")
	}
	return trace.Wrap(o.store.SetCI(userID, ci))
}

// JobStatus is one row of the job listing.
type JobStatus struct {
	Index      int    `json:"index"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Site       string `json:"site"`
	BookingISO string `json:"booking_iso"`
	ExecISO    string `json:"exec_iso"`
	Time       string `json:"time"`
	Leader     string `json:"leader"`
}

// List returns the user's jobs sorted by name, numbered from 1. A job
// is AKTIF while its main timer is live on the wheel.
func (o *Orchestrator) List(userID string) []JobStatus {
	jobs := o.store.ListJobsByUser(userID)
	names := make([]string, 0, len(jobs))
	for name := range jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]JobStatus, 0, len(names))
	for i, name := range names {
		job := jobs[name]
		leader, err := leaderName(job)
		if err != nil {
			leader = "-"
		}
		out = append(out, JobStatus{
			Index:      i + 1,
			Name:       name,
			Status:     statusLabel(o.wheel.Has(name)),
			Site:       job.Site,
			BookingISO: job.BookingISO,
			ExecISO:    job.ExecISO,
			Time:       job.Time,
			Leader:     leader,
		})
	}
	return out
}

// JobDetail is the full view of one job with cookie values masked.
type JobDetail struct {
	Name            string            `json:"job"`
	Status          string            `json:"status"`
	Site            string            `json:"site"`
	BookingISO      string            `json:"booking_iso"`
	ExecISO         string            `json:"exec_iso"`
	Time            string            `json:"time"`
	ReminderMinutes *int              `json:"reminder_minutes"`
	Profile         json.RawMessage   `json:"profile"`
	Cookies         map[string]string `json:"cookies"`
	LiveTimers      []string          `json:"live_timers"`
}

// Detail returns the masked view of one job.
func (o *Orchestrator) Detail(userID, selector string) (*JobDetail, error) {
	name, err := o.Resolve(userID, selector)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	job, err := o.store.GetJob(userID, name)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	var live []string
	for _, n := range timerFamily(name) {
		if o.wheel.Has(n) {
			live = append(live, n)
		}
	}
	return &JobDetail{
		Name:            name,
		Status:          statusLabel(o.wheel.Has(name)),
		Site:            job.Site,
		BookingISO:      job.BookingISO,
		ExecISO:         job.ExecISO,
		Time:            job.Time,
		ReminderMinutes: job.ReminderMinutes,
		Profile:         job.Profile,
		Cookies: map[string]string{
			"_ga":         report.MaskToken(job.Cookies.GA),
			"_ga_session": report.MaskToken(job.Cookies.GASession),
			"ci_session":  report.MaskToken(job.Cookies.CISession),
		},
		LiveTimers: live,
	}, nil
}

// Resolve turns a selector into a job name. A run of digits indexes
// the sorted name list from 1; anything else must match a name
// exactly.
func (o *Orchestrator) Resolve(userID, selector string) (string, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return "", trace.BadParameter("scheduler: empty job selector")
	}
	jobs := o.store.ListJobsByUser(userID)
	if isDigits(selector) {
		idx, err := strconv.Atoi(selector)
		if err != nil || idx < 1 || idx > len(jobs) {
			return "", trace.NotFound("scheduler: no job at index %s for user %s", selector, userID)
		}
		names := make([]string, 0, len(jobs))
		for name := range jobs {
			names = append(names, name)
		}
		sort.Strings(names)
		return names[idx-1], nil
	}
	if _, ok := jobs[selector]; !ok {
		return "", trace.NotFound("scheduler: no job %q for user %s", selector, userID)
	}
	return selector, nil
}

// Capacity checks the public calendar for one site and date using a
// throwaway anonymous session.
func (o *Orchestrator) Capacity(ctx context.Context, siteName, dateISO string) (*probe.CapacityRow, error) {
	site, err := store.SiteByName(siteName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if _, err := time.Parse("2006-01-02", dateISO); err != nil {
		return nil, trace.BadParameter("scheduler: bad date %q, want YYYY-MM-DD", dateISO)
	}
	sess, err := o.sessions.New("", store.Cookies{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer sess.Close()
	row, err := o.prober.Check(ctx, sess, site, dateISO)
	return row, trace.Wrap(err)
}

// LookupBooking reconstructs a booking reference from its confirmation
// code using the user's stored credential.
func (o *Orchestrator) LookupBooking(ctx context.Context, userID, code string) (*lookup.BookingRef, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, trace.BadParameter("scheduler: empty booking code")
	}
	ci := o.store.GetCI(userID)
	if ci == "" {
		return nil, trace.BadParameter("scheduler: user %s has no ci_session stored", userID)
	}
	sess, err := o.sessions.New(ci, store.Cookies{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer sess.Close()
	ref, err := o.finder.FindByCode(ctx, sess, code)
	return ref, trace.Wrap(err)
}

// BootRearm walks the persisted jobs and re-arms timers for every one
// whose deadline is still ahead. It returns how many were armed and
// how many were skipped as stale or broken.
func (o *Orchestrator) BootRearm(ctx context.Context) (int, int) {
	var mu sync.Mutex
	armed, skipped := 0, 0

	var g errgroup.Group
	g.SetLimit(rearmWorkers)
	for entry := range o.store.Rehydrate() {
		entry := entry
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return nil
			}
			ok := o.rearmOne(entry)
			mu.Lock()
			if ok {
				armed++
			} else {
				skipped++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	o.log.Infof("boot re-arm: %d armed, %d skipped", armed, skipped)
	return armed, skipped
}

func (o *Orchestrator) rearmOne(entry store.Entry) bool {
	execAt, err := entry.Job.ExecAt(o.loc)
	if err != nil {
		o.log.Warnf("job %s has a broken exec timestamp: %v", entry.Name, err)
		return false
	}
	if !execAt.After(o.clock.Now()) {
		o.log.Infof("job %s expired at %s, leaving timers unarmed", entry.Name, execAt.Format(time.RFC3339))
		return false
	}
	if err := o.armTracks(entry.UserID, entry.Name, entry.Job, execAt); err != nil {
		o.log.Warnf("re-arm %s: %v", entry.Name, err)
		return false
	}
	return true
}

// Stop tears down cached sessions. Timers are the wheel's to stop.
func (o *Orchestrator) Stop() {
	for name, item := range o.warm.Items() {
		if ws, ok := item.Object.(*warmSession); ok && ws.taken.CompareAndSwap(false, true) {
			ws.sess.Close()
		}
		o.warm.Delete(name)
	}
	o.views.Range(func(key, value interface{}) bool {
		value.(*viewState).close()
		o.views.Delete(key)
		return true
	})
}

// leaderName pulls the display name the job name is derived from.
func leaderName(job store.Job) (string, error) {
	switch job.Site {
	case store.Bromo.Name:
		p, err := job.DecodeBromoProfile()
		if err != nil {
			return "", trace.Wrap(err)
		}
		return p.Name, nil
	case store.Semeru.Name:
		p, err := job.DecodeSemeruProfile()
		if err != nil {
			return "", trace.Wrap(err)
		}
		return p.Leader.Name, nil
	default:
		return "", trace.BadParameter("scheduler: unknown site %q", job.Site)
	}
}

// timerFamily lists every timer name a job can own.
func timerFamily(name string) []string {
	return []string{name, "prewarm-" + name, "rem-" + name, "view-" + name, "poll-" + name}
}

func statusLabel(active bool) string {
	if active {
		return "AKTIF"
	}
	return "TIDAK AKTIF"
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}
