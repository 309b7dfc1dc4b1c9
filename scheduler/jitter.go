package scheduler

import (
	"math/rand"
	"sync"
	"time"
)

// jitterSource draws decorrelated jitter delays: each wait is uniform
// in [base, 3*prev] clamped to ceil, so repeated probes from many jobs
// drift apart instead of locking into a shared cadence.
type jitterSource struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func newJitterSource() *jitterSource {
	return &jitterSource{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (j *jitterSource) next(prev, base, ceil time.Duration) time.Duration {
	if base <= 0 {
		base = time.Millisecond
	}
	if ceil < base {
		ceil = base
	}
	if prev < base {
		prev = base
	}
	hi := 3 * prev
	if hi <= base {
		return base
	}
	j.mu.Lock()
	d := base + time.Duration(j.rnd.Int63n(int64(hi-base)+1))
	j.mu.Unlock()
	if d > ceil {
		d = ceil
	}
	return d
}
