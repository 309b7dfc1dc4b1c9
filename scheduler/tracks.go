package scheduler

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	gocache "github.com/patrickmn/go-cache"

	"github.com/firasghr/GoBookingEngine/probe"
	"github.com/firasghr/GoBookingEngine/protocol"
	"github.com/firasghr/GoBookingEngine/report"
	"github.com/firasghr/GoBookingEngine/store"
	"github.com/firasghr/GoBookingEngine/wheel"
)

// jobRef is the timer payload: enough to reload the job and reach its
// owner without holding the record itself across the wait.
type jobRef struct {
	userID string
	name   string
	chatID int64
}

// armTracks arms every timer the job is due. The main trigger is
// mandatory; the side tracks degrade to a warning when they cannot be
// armed, a job without a prewarm still books.
func (o *Orchestrator) armTracks(userID, name string, job store.Job, execAt time.Time) error {
	ref := jobRef{userID: userID, name: name, chatID: job.ChatID}

	if err := o.wheel.ScheduleOnce(name, execAt, ref, o.onMain); err != nil {
		return trace.Wrap(err)
	}

	if at := execAt.Add(-o.settings.PrewarmLead.Std()); at.After(o.clock.Now()) {
		if err := o.wheel.ScheduleOnce("prewarm-"+name, at, ref, o.onPrewarm); err != nil {
			o.log.Warnf("arm prewarm for %s: %v", name, err)
		}
	}

	if lead := o.reminderLead(job); lead > 0 {
		if at := execAt.Add(-time.Duration(lead) * time.Minute); at.After(o.clock.Now()) {
			if err := o.wheel.ScheduleOnce("rem-"+name, at, ref, o.onReminder); err != nil {
				o.log.Warnf("arm reminder for %s: %v", name, err)
			}
		}
	}

	initial := (o.settings.ViewBaseInterval.Std() + o.settings.ViewCapInterval.Std()) / 2
	first := execAt.Add(-o.settings.ViewLead.Std())
	if !first.After(o.clock.Now()) {
		first = o.clock.Now().Add(initial)
	}
	st := &viewState{
		ref:      ref,
		deadline: execAt.Add(o.settings.ViewTail.Std()),
		interval: initial,
	}
	o.views.Store(name, st)
	if err := o.wheel.ScheduleRepeating("view-"+name, first, initial, ref, o.onView); err != nil {
		o.views.Delete(name)
		o.log.Warnf("arm view watch for %s: %v", name, err)
	}

	return nil
}

// reminderLead resolves the job's reminder lead in minutes, falling
// back to the configured default when the job does not set one. An
// explicit zero opts out.
func (o *Orchestrator) reminderLead(job store.Job) int {
	if job.ReminderMinutes != nil {
		return *job.ReminderMinutes
	}
	return o.settings.ReminderMinutes
}

// onMain is the trigger at the execution instant.
func (o *Orchestrator) onMain(_ *wheel.Handle, payload interface{}) {
	ref, ok := payload.(jobRef)
	if !ok {
		return
	}
	o.fireBooking(context.Background(), ref, "jadwal")
}

// fireBooking takes the job's firing claim and runs the scheduled
// booking. The claim stays held afterwards so no other track can
// submit the same job again.
func (o *Orchestrator) fireBooking(ctx context.Context, ref jobRef, origin string) {
	if _, loaded := o.claims.LoadOrStore(ref.name, origin); loaded {
		o.log.Infof("job %s already claimed, skipping %s trigger", ref.name, origin)
		return
	}
	job, err := o.store.GetJob(ref.userID, ref.name)
	if err != nil {
		o.log.Warnf("job %s fired but is gone from the store: %v", ref.name, err)
		return
	}
	o.executeScheduled(ctx, ref, job, origin)
}

func (o *Orchestrator) executeScheduled(ctx context.Context, ref jobRef, job store.Job, origin string) {
	site, err := job.SiteInfo()
	if err != nil {
		o.log.Errorf("job %s: %v", ref.name, err)
		return
	}
	o.log.Infof("executing %s (trigger: %s)", ref.name, origin)

	ci := o.store.GetCI(ref.userID)
	if ci == "" && job.Cookies.CISession == "" {
		o.notify(ctx, ref.chatID, emptyCredentialText(site))
		return
	}

	out, err := o.runBooking(ctx, ref, job, site, ci)
	if out != nil && out.Unavailable {
		o.notify(ctx, ref.chatID, "[Jadwal "+site.Label+"] "+out.Message)
		if perr := o.startPolling(ref, site); perr != nil {
			o.log.Warnf("arm polling for %s: %v", ref.name, perr)
			return
		}
		o.notify(ctx, ref.chatID, o.pollingStartedText(site))
		return
	}

	o.reportOutcome(ctx, ref, "[Jadwal]", out, err)
	o.finishJob(ctx, ref, job, out, err)
}

// runBooking mints or reuses a session and drives one booking with the
// retry envelope. Sessions the driver rebuilds mid-flight are closed
// here once the attempt is over.
func (o *Orchestrator) runBooking(ctx context.Context, ref jobRef, job store.Job, site store.Site, ci string) (*protocol.Outcome, error) {
	sess := o.takeWarm(ref.name)
	if sess != nil {
		o.log.Debugf("job %s reusing prewarmed session", ref.name)
	} else {
		var err error
		sess, err = o.sessions.New(ci, job.Cookies)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	defer sess.Close()

	var extraMu sync.Mutex
	var extras []Session
	defer func() {
		extraMu.Lock()
		defer extraMu.Unlock()
		for _, s := range extras {
			s.Close()
		}
	}()

	req := protocol.Request{
		Site:    site,
		DateISO: job.BookingISO,
		Session: sess,
		Rebuild: func(ctx context.Context) (protocol.Session, error) {
			ns, err := o.sessions.New(ci, job.Cookies)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			extraMu.Lock()
			extras = append(extras, ns)
			extraMu.Unlock()
			return ns, nil
		},
	}
	switch site.Name {
	case store.Bromo.Name:
		p, err := job.DecodeBromoProfile()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		req.Bromo = p
	case store.Semeru.Name:
		p, err := job.DecodeSemeruProfile()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		req.Semeru = p
	}

	return o.bookWithRetry(ctx, req)
}

// bookWithRetry retries transient failures with decorrelated jitter.
// Validation, session and quota outcomes pass through on the first
// try, retrying a rejected form would only resubmit the rejection.
func (o *Orchestrator) bookWithRetry(ctx context.Context, req protocol.Request) (*protocol.Outcome, error) {
	attempts := o.settings.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	base := o.settings.RetryBase.Std()
	ceil := o.settings.RetryCap.Std()

	var out *protocol.Outcome
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if i > 0 {
			delay = o.jitter.next(delay, base, ceil)
			o.clock.Sleep(delay)
		}
		out, err = o.booker.Book(ctx, req)
		if err == nil || !protocol.IsTransient(err) {
			return out, err
		}
		o.log.Warnf("attempt %d/%d hit a transient failure: %v", i+1, attempts, err)
	}
	return out, err
}

// finishJob runs after an attempt was reported. Timers come down in
// every case; the record stays so the user can inspect or reuse it.
func (o *Orchestrator) finishJob(ctx context.Context, ref jobRef, job store.Job, out *protocol.Outcome, err error) {
	o.removeTimers(ref.name)

	if err != nil && protocol.IsSessionExpired(err) {
		o.notify(ctx, ref.chatID, expiredHintText(ref.name))
		return
	}
	if err == nil && out != nil && out.Success &&
		o.settings.PromoteCookieJobs && !job.Cookies.Empty() {
		o.promoteTwin(ctx, ref, job)
	}
}

// promoteTwin fires the earliest still-armed job of the same user that
// carries the same cookie set. A session just proven live books better
// now than at its own deadline, when it may have rotated away.
func (o *Orchestrator) promoteTwin(ctx context.Context, ref jobRef, done store.Job) {
	jobs := o.store.ListJobsByUser(ref.userID)
	var bestName string
	var bestJob store.Job
	var bestAt time.Time
	now := o.clock.Now()
	for name, job := range jobs {
		if name == ref.name || job.Cookies != done.Cookies {
			continue
		}
		if !o.wheel.Has(name) {
			continue
		}
		at, err := job.ExecAt(o.loc)
		if err != nil || !at.After(now) {
			continue
		}
		if bestName == "" || at.Before(bestAt) {
			bestName, bestJob, bestAt = name, job, at
		}
	}
	if bestName == "" {
		return
	}
	o.log.Infof("promoting %s on the back of %s", bestName, ref.name)
	o.removeTimers(bestName)
	o.fireBooking(ctx, jobRef{userID: ref.userID, name: bestName, chatID: bestJob.ChatID}, "promosi")
}

// reportOutcome delivers the result message with elapsed time and the
// server echo, when one was captured.
func (o *Orchestrator) reportOutcome(ctx context.Context, ref jobRef, tag string, out *protocol.Outcome, err error) {
	text := outcomeText(tag, out, err)
	o.notify(ctx, ref.chatID, text)
	if err != nil {
		o.log.Warnf("%s %s failed: %v", tag, ref.name, err)
	}
}

// pollState travels as the poll timer's payload. Only the timer's own
// callback touches it, the wheel serialises ticks of one timer.
type pollState struct {
	ref         jobRef
	site        store.Site
	interval    time.Duration
	notifyEvery int
	maxTicks    int
	ticks       int
}

// startPolling arms the slow availability watch after a sold-out
// trigger.
func (o *Orchestrator) startPolling(ref jobRef, site store.Site) error {
	interval := o.settings.PollInterval.Std()
	maxTicks := 1
	if interval > 0 {
		if n := int(o.settings.PollMax.Std() / interval); n > maxTicks {
			maxTicks = n
		}
	}
	st := &pollState{
		ref:         ref,
		site:        site,
		interval:    interval,
		notifyEvery: o.settings.PollNotifyEvery,
		maxTicks:    maxTicks,
	}
	first := o.clock.Now().Add(interval)
	return trace.Wrap(o.wheel.ScheduleRepeating("poll-"+ref.name, first, interval, st, o.onPoll))
}

// onPoll is one availability probe on the polling track.
func (o *Orchestrator) onPoll(h *wheel.Handle, payload interface{}) {
	st, ok := payload.(*pollState)
	if !ok {
		h.Cancel()
		return
	}
	ctx := context.Background()
	st.ticks++
	o.metrics.IncrementPollTicks()

	job, err := o.store.GetJob(st.ref.userID, st.ref.name)
	if err != nil {
		h.Cancel()
		return
	}

	row, err := o.pollProbe(ctx, st.site, job.BookingISO)
	if err != nil {
		o.log.Warnf("poll %s: %v", st.ref.name, err)
		o.stopPollingWhenSpent(ctx, st, h)
		return
	}

	if row != nil && row.Available {
		o.notify(ctx, st.ref.chatID, quotaFoundText(st.site, row.Quota))
		o.executePolled(ctx, st.ref, job)
		h.Cancel()
		return
	}

	status := job.BookingISO + ": tanggal tidak ditemukan"
	if row != nil {
		status = unavailableStatus(row)
	}
	if st.notifyEvery <= 1 || st.ticks%st.notifyEvery == 1 {
		o.notify(ctx, st.ref.chatID, pollStatusText(st.site, status, st.ticks, st.interval))
	}
	o.stopPollingWhenSpent(ctx, st, h)
}

// pollProbe reads the public capacity cell through a throwaway
// anonymous session.
func (o *Orchestrator) pollProbe(ctx context.Context, site store.Site, dateISO string) (*probe.CapacityRow, error) {
	sess, err := o.sessions.New("", store.Cookies{})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer sess.Close()
	row, err := o.prober.Check(ctx, sess, site, dateISO)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return row, nil
}

func (o *Orchestrator) stopPollingWhenSpent(ctx context.Context, st *pollState, h *wheel.Handle) {
	if st.ticks < st.maxTicks {
		return
	}
	o.notify(ctx, st.ref.chatID, o.pollStopText(st.site, st.ticks))
	h.Cancel()
}

// executePolled runs the booking the polling track unblocked. The
// firing claim is already held since the scheduled trigger.
func (o *Orchestrator) executePolled(ctx context.Context, ref jobRef, job store.Job) {
	site, err := job.SiteInfo()
	if err != nil {
		o.log.Errorf("job %s: %v", ref.name, err)
		return
	}
	ci := o.store.GetCI(ref.userID)
	if ci == "" && job.Cookies.CISession == "" {
		o.notify(ctx, ref.chatID, emptyCredentialText(site))
		o.removeTimers(ref.name)
		return
	}
	out, err := o.runBooking(ctx, ref, job, site, ci)
	o.reportOutcome(ctx, ref, "[Polling]", out, err)
	o.finishJob(ctx, ref, job, out, err)
}

// viewState is the live state of one change watch. The callback owns
// seeded, last and interval; mu guards the session against a close
// from Cancel or Stop.
type viewState struct {
	ref      jobRef
	deadline time.Time
	interval time.Duration
	seeded   bool
	last     []byte

	mu     sync.Mutex
	sess   Session
	closed bool
}

func (s *viewState) session(mint func() (Session, error)) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, trace.BadParameter("view watch already closed")
	}
	if s.sess == nil {
		sess, err := mint()
		if err != nil {
			return nil, trace.Wrap(err)
		}
		s.sess = sess
	}
	return s.sess, nil
}

func (s *viewState) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.sess != nil {
		s.sess.Close()
		s.sess = nil
	}
}

// onView samples the capacity grid around the deadline and fires the
// booking early when the rendered bytes change.
func (o *Orchestrator) onView(h *wheel.Handle, payload interface{}) {
	ref, ok := payload.(jobRef)
	if !ok {
		h.Cancel()
		return
	}
	v, ok := o.views.Load(ref.name)
	if !ok {
		h.Cancel()
		return
	}
	st := v.(*viewState)

	_, claimed := o.claims.Load(ref.name)
	if claimed || !o.clock.Now().Before(st.deadline) {
		o.views.Delete(ref.name)
		st.close()
		h.Cancel()
		return
	}

	job, err := o.store.GetJob(ref.userID, ref.name)
	if err != nil {
		o.views.Delete(ref.name)
		st.close()
		h.Cancel()
		return
	}

	st.interval = o.jitter.next(st.interval,
		o.settings.ViewBaseInterval.Std(), o.settings.ViewCapInterval.Std())
	h.SetInterval(st.interval)

	site, err := job.SiteInfo()
	if err != nil {
		o.log.Errorf("view %s: %v", ref.name, err)
		return
	}
	sess, err := st.session(func() (Session, error) {
		return o.sessions.New(o.store.GetCI(ref.userID), job.Cookies)
	})
	if err != nil {
		o.log.Warnf("view %s: %v", ref.name, err)
		return
	}

	grid, err := o.prober.RawGrid(context.Background(), sess, site, job.BookingISO[:7])
	if err != nil {
		o.log.Debugf("view %s sample failed: %v", ref.name, err)
		return
	}
	if !st.seeded {
		st.seeded = true
		st.last = grid
		return
	}
	if bytes.Equal(st.last, grid) {
		return
	}

	o.log.Infof("view %s saw the grid change, firing early", ref.name)
	o.views.Delete(ref.name)
	st.close()
	h.Cancel()
	o.fireBooking(context.Background(), ref, "view")
}

// onPrewarm opens the job's connections ahead of the deadline and
// parks the session in the warm cache.
func (o *Orchestrator) onPrewarm(_ *wheel.Handle, payload interface{}) {
	ref, ok := payload.(jobRef)
	if !ok {
		return
	}
	job, err := o.store.GetJob(ref.userID, ref.name)
	if err != nil {
		return
	}
	ci := o.store.GetCI(ref.userID)
	if ci == "" && job.Cookies.CISession == "" {
		return
	}
	sess, err := o.sessions.New(ci, job.Cookies)
	if err != nil {
		o.log.Warnf("prewarm %s: %v", ref.name, err)
		return
	}
	sess.Prewarm(context.Background())
	o.storeWarm(ref.name, sess)
	o.log.Infof("prewarmed session for %s", ref.name)
}

// onReminder nags the owner ahead of the deadline.
func (o *Orchestrator) onReminder(_ *wheel.Handle, payload interface{}) {
	ref, ok := payload.(jobRef)
	if !ok {
		return
	}
	job, err := o.store.GetJob(ref.userID, ref.name)
	if err != nil {
		return
	}
	o.notify(context.Background(), ref.chatID, o.reminderText(ref.name, job))
}

// warmSession wraps a prewarmed session with a take flag so the
// consumer and the TTL eviction cannot both close it.
type warmSession struct {
	sess  Session
	taken atomic.Bool
}

func (o *Orchestrator) storeWarm(name string, sess Session) {
	// Set over a live key replaces silently without the eviction hook,
	// drop first so the old session is closed.
	o.dropWarm(name)
	o.warm.Set(name, &warmSession{sess: sess}, gocache.DefaultExpiration)
}

func (o *Orchestrator) takeWarm(name string) Session {
	v, ok := o.warm.Get(name)
	if !ok {
		return nil
	}
	ws, ok := v.(*warmSession)
	if !ok || !ws.taken.CompareAndSwap(false, true) {
		return nil
	}
	o.warm.Delete(name)
	return ws.sess
}

func (o *Orchestrator) dropWarm(name string) {
	v, ok := o.warm.Get(name)
	if !ok {
		return
	}
	if ws, ok := v.(*warmSession); ok && ws.taken.CompareAndSwap(false, true) {
		ws.sess.Close()
	}
	o.warm.Delete(name)
}

// removeTimers cancels every timer of the job and tears down its view
// watch. The firing claim is left alone.
func (o *Orchestrator) removeTimers(name string) {
	for _, n := range timerFamily(name) {
		o.wheel.RemoveByName(n)
	}
	if v, ok := o.views.LoadAndDelete(name); ok {
		v.(*viewState).close()
	}
}

// disarm resets the job's runtime state for a user-driven change:
// timers, firing claim and warm session all go.
func (o *Orchestrator) disarm(name string) {
	o.removeTimers(name)
	o.claims.Delete(name)
	o.dropWarm(name)
}

// notify delivers one user-facing message. Delivery failures are
// logged, a lost notification must not fail a booking.
func (o *Orchestrator) notify(ctx context.Context, chatID int64, text string) {
	if err := o.reporter.Send(ctx, chatID, text, report.SendOptions{}); err != nil {
		o.log.Warnf("deliver notification: %v", err)
		return
	}
	o.metrics.IncrementNotifications()
}
