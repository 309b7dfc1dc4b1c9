// Package wheel schedules named one-shot and repeating callbacks on an
// injectable clock.
//
// Timers are identified by name: the scheduler derives track names from
// job names (the bare job name for the trigger plus prewarm-, rem-,
// poll- and view- prefixed companions) and removes whole families by
// naming each member. Arming a name that is already live is refused so
// a stale track can never shadow a fresh one.
//
// Callbacks run on the shared worker pool, one at a time per timer: a
// repeating timer arms its next tick only after the previous callback
// has returned, so ticks of one timer never overlap. Removal takes
// effect before the next tick; an in-flight callback is never
// interrupted. Callbacks receive a Handle for self-cancellation and,
// on repeating timers, for stretching the gap to the next tick, which
// is how the capacity watch applies jitter between probes.
//
// The clock is a clockwork.Clock so tests drive time with a fake.
package wheel

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/firasghr/GoBookingEngine/logger"
	"github.com/firasghr/GoBookingEngine/metrics"
	"github.com/firasghr/GoBookingEngine/worker"
)

// ErrPastDeadline is returned when a timer is armed at or before the
// clock's current instant. Deadlines must be strictly in the future.
var ErrPastDeadline = errors.New("wheel: deadline is not in the future")

// Callback is invoked when a timer fires. payload is the value given
// at arming time; repeating timers receive the same payload every tick,
// so mutable tick state lives inside it.
type Callback func(h *Handle, payload interface{})

// Wheel owns the live timer set.
type Wheel struct {
	clock   clockwork.Clock
	pool    *worker.WorkerPool
	log     *logger.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	timers  map[string]*timer
	stopped bool

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a Wheel firing callbacks on pool. A nil clock falls back
// to the real clock; a nil pool runs callbacks on the timer's own
// goroutine, which keeps single-timer tests free of pool plumbing.
func New(clock clockwork.Clock, pool *worker.WorkerPool, log *logger.Logger, m *metrics.Metrics) *Wheel {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Wheel{
		clock:   clock,
		pool:    pool,
		log:     log.WithField("component", "wheel"),
		metrics: m,
		timers:  make(map[string]*timer),
		stopCh:  make(chan struct{}),
	}
}

// Now exposes the wheel's clock reading so callers schedule against the
// same time source the wheel fires on.
func (w *Wheel) Now() time.Time {
	return w.clock.Now()
}

// ScheduleOnce arms a timer that fires one callback at when and then
// removes itself.
func (w *Wheel) ScheduleOnce(name string, when time.Time, payload interface{}, cb Callback) error {
	return w.schedule(name, when, 0, false, payload, cb)
}

// ScheduleRepeating arms a timer that first fires at first and then
// every interval until cancelled. The callback may change the interval
// through its Handle; the new value applies from the next tick.
func (w *Wheel) ScheduleRepeating(name string, first time.Time, interval time.Duration, payload interface{}, cb Callback) error {
	if interval <= 0 {
		return trace.BadParameter("wheel: repeating timer %q needs a positive interval", name)
	}
	return w.schedule(name, first, interval, true, payload, cb)
}

func (w *Wheel) schedule(name string, when time.Time, interval time.Duration, repeat bool, payload interface{}, cb Callback) error {
	if name == "" {
		return trace.BadParameter("wheel: timer name must not be empty")
	}
	if cb == nil {
		return trace.BadParameter("wheel: timer %q needs a callback", name)
	}
	if !when.After(w.clock.Now()) {
		return trace.Wrap(ErrPastDeadline)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return trace.BadParameter("wheel: stopped")
	}
	if _, exists := w.timers[name]; exists {
		return trace.AlreadyExists("wheel: timer %q is already armed", name)
	}
	t := &timer{
		name:     name,
		payload:  payload,
		cb:       cb,
		repeat:   repeat,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
	w.timers[name] = t
	w.wg.Add(1)
	go w.run(t, when)
	w.log.Debugf("armed timer %q for %s (repeat=%v)", name, when, repeat)
	return nil
}

// RemoveByName cancels the named timer and reports whether it was
// live. Cancellation takes effect before the next tick; a callback
// already running completes undisturbed.
func (w *Wheel) RemoveByName(name string) bool {
	w.mu.Lock()
	t, ok := w.timers[name]
	if ok {
		delete(w.timers, name)
	}
	w.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	w.log.Debugf("removed timer %q", name)
	return true
}

// Has reports whether a timer with the given name is live.
func (w *Wheel) Has(name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.timers[name]
	return ok
}

// ListNames returns the live timer names in sorted order.
func (w *Wheel) ListNames() []string {
	w.mu.Lock()
	names := make([]string, 0, len(w.timers))
	for name := range w.timers {
		names = append(names, name)
	}
	w.mu.Unlock()
	sort.Strings(names)
	return names
}

// Stop cancels every timer and waits for in-flight callbacks to
// return. The wheel cannot be restarted; arming after Stop fails.
func (w *Wheel) Stop() {
	w.once.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		close(w.stopCh)
	})
	w.wg.Wait()
}

// run is the per-timer goroutine: it waits out the delay, fires the
// callback, and either re-arms (repeating) or retires.
func (w *Wheel) run(t *timer, first time.Time) {
	defer w.wg.Done()
	defer w.drop(t)

	delay := first.Sub(w.clock.Now())
	for {
		if delay < 0 {
			delay = 0
		}
		clk := w.clock.NewTimer(delay)
		select {
		case <-t.stopCh:
			clk.Stop()
			return
		case <-w.stopCh:
			clk.Stop()
			return
		case <-clk.Chan():
		}

		w.fire(t)

		if !t.repeat || t.cancelled() {
			return
		}
		select {
		case <-w.stopCh:
			return
		default:
		}
		delay = t.nextInterval()
	}
}

// fire runs one callback to completion. A panicking callback is
// contained so one broken track cannot take the wheel down.
func (w *Wheel) fire(t *timer) {
	h := &Handle{t: t}
	job := func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Errorf("timer %q callback panicked: %v", t.name, r)
			}
		}()
		t.cb(h, t.payload)
	}
	if w.pool != nil {
		w.pool.SubmitWait(job)
	} else {
		job()
	}
	if w.metrics != nil {
		w.metrics.IncrementTimersFired()
	}
}

// drop forgets t's registration unless the name was already re-armed
// with a newer timer after a removal.
func (w *Wheel) drop(t *timer) {
	w.mu.Lock()
	if cur, ok := w.timers[t.name]; ok && cur == t {
		delete(w.timers, t.name)
	}
	w.mu.Unlock()
}

// timer is one live entry of the wheel.
type timer struct {
	name    string
	payload interface{}
	cb      Callback
	repeat  bool

	mu       sync.Mutex
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
}

func (t *timer) cancel() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *timer) cancelled() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

func (t *timer) nextInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

func (t *timer) setInterval(d time.Duration) {
	t.mu.Lock()
	t.interval = d
	t.mu.Unlock()
}

// Handle lets a callback act on its own timer.
type Handle struct {
	t *timer
}

// Name returns the timer's name.
func (h *Handle) Name() string {
	return h.t.name
}

// Cancel stops the timer after the current callback returns. On a
// one-shot timer it only matters when called before the fire.
func (h *Handle) Cancel() {
	h.t.cancel()
}

// SetInterval changes the delay before the next tick of a repeating
// timer. Non-positive values and one-shot timers are unaffected.
func (h *Handle) SetInterval(d time.Duration) {
	if d > 0 && h.t.repeat {
		h.t.setInterval(d)
	}
}
