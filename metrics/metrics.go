// Package metrics provides lightweight, lock-free counters using atomic
// operations so they impose minimal overhead on hot paths.
package metrics

import (
	"sync/atomic"
	"time"
)

// Metrics tracks aggregate statistics for the booking engine.
//
// All counters are accessed exclusively through atomic operations, which means:
//   - There is no mutex contention even when hundreds of timers fire at once.
//   - The struct may be embedded or passed as a pointer without additional
//     synchronisation.
//   - Reads and writes are linearisable: a value read after a write always
//     reflects at least that write.
//
// Fields are uint64 and aligned to 64-bit boundaries to satisfy the
// requirements of sync/atomic on 32-bit platforms.
type Metrics struct {
	// TimersFired is the number of timer callbacks executed since startup.
	TimersFired uint64

	// Attempts is the number of booking flows started.
	Attempts uint64

	// Successes is the number of flows that produced a booking code.
	Successes uint64

	// Failures is the number of flows that ended in an error after all
	// retries were exhausted.
	Failures uint64

	// Probes is the number of capacity-table fetches issued.
	Probes uint64

	// StateWrites is the number of atomic rewrites of the state document.
	StateWrites uint64

	// PollTicks is the number of capacity re-check ticks in the
	// unavailable-date polling track.
	PollTicks uint64

	// Notifications is the number of user-facing messages delivered.
	Notifications uint64

	// SchemaDrifts is the number of response fields that changed shape
	// against the learned portal baseline.
	SchemaDrifts uint64

	// startTime records when the metrics instance was created so that
	// Uptime can compute a meaningful span.
	startTime time.Time
}

// NewMetrics creates a Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// IncrementTimersFired atomically increments the timer-callback counter.
func (m *Metrics) IncrementTimersFired() {
	atomic.AddUint64(&m.TimersFired, 1)
}

// IncrementAttempts atomically increments the booking-attempt counter.
func (m *Metrics) IncrementAttempts() {
	atomic.AddUint64(&m.Attempts, 1)
}

// IncrementSuccesses atomically increments the booking-success counter.
func (m *Metrics) IncrementSuccesses() {
	atomic.AddUint64(&m.Successes, 1)
}

// IncrementFailures atomically increments the booking-failure counter.
func (m *Metrics) IncrementFailures() {
	atomic.AddUint64(&m.Failures, 1)
}

// IncrementProbes atomically increments the capacity-probe counter.
func (m *Metrics) IncrementProbes() {
	atomic.AddUint64(&m.Probes, 1)
}

// IncrementStateWrites atomically increments the state-write counter.
func (m *Metrics) IncrementStateWrites() {
	atomic.AddUint64(&m.StateWrites, 1)
}

// IncrementPollTicks atomically increments the poll-tick counter.
func (m *Metrics) IncrementPollTicks() {
	atomic.AddUint64(&m.PollTicks, 1)
}

// IncrementNotifications atomically increments the delivered-message counter.
func (m *Metrics) IncrementNotifications() {
	atomic.AddUint64(&m.Notifications, 1)
}

// AddSchemaDrifts atomically adds n to the schema-drift counter.
func (m *Metrics) AddSchemaDrifts(n int) {
	if n > 0 {
		atomic.AddUint64(&m.SchemaDrifts, uint64(n))
	}
}

// Uptime returns how long the engine has been running.
func (m *Metrics) Uptime() time.Duration {
	return time.Since(m.startTime)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	TimersFired   uint64 `json:"timers_fired"`
	Attempts      uint64 `json:"attempts"`
	Successes     uint64 `json:"successes"`
	Failures      uint64 `json:"failures"`
	Probes        uint64 `json:"probes"`
	StateWrites   uint64 `json:"state_writes"`
	PollTicks     uint64 `json:"poll_ticks"`
	Notifications uint64 `json:"notifications"`
	SchemaDrifts  uint64 `json:"schema_drifts"`
	UptimeSec     int64  `json:"uptime_sec"`
}

// Snapshot returns a point-in-time copy of the counters.  Because the atomic
// loads are not performed under a single lock, the snapshot may be very
// slightly inconsistent at nanosecond granularity, which is acceptable for
// monitoring purposes.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		TimersFired:   atomic.LoadUint64(&m.TimersFired),
		Attempts:      atomic.LoadUint64(&m.Attempts),
		Successes:     atomic.LoadUint64(&m.Successes),
		Failures:      atomic.LoadUint64(&m.Failures),
		Probes:        atomic.LoadUint64(&m.Probes),
		StateWrites:   atomic.LoadUint64(&m.StateWrites),
		PollTicks:     atomic.LoadUint64(&m.PollTicks),
		Notifications: atomic.LoadUint64(&m.Notifications),
		SchemaDrifts:  atomic.LoadUint64(&m.SchemaDrifts),
		UptimeSec:     int64(time.Since(m.startTime).Seconds()),
	}
}
