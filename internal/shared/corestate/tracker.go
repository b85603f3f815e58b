package corestate

import (
	"sync/atomic"
	"time"

	"vergecore/internal/shared/logger"
	"vergecore/internal/shared/types"
)

const (
	// Breaker trips after this many consecutive transient errors.
	transientTripThreshold = 3
	// Healthy requires a success within this window, once one has occurred.
	healthyWindow = 180 * time.Second
	// Healthy requires fewer consecutive failures than this.
	unhealthyStreak = 5
	// Healthy requires a failure rate below this fraction.
	unhealthyRate = 0.5
)

// Tracker records the outcome of every completed IPC request and drives the
// breaker. All counters are atomics; the tracker is safe for concurrent use.
type Tracker struct {
	totalRequests        atomic.Uint64
	failedRequests       atomic.Uint64
	consecutiveFailures  atomic.Uint32
	consecutiveTransient atomic.Uint32
	lastSuccessUnixNano  atomic.Int64
	lastFailureUnixNano  atomic.Int64

	// watchdog is spawned by the BeginRestart CAS winner.
	watchdog atomic.Pointer[func()]
}

var defaultTracker Tracker

// DefaultTracker returns the process-wide tracker instance.
func DefaultTracker() *Tracker { return &defaultTracker }

// SetWatchdog registers the supervisor routine spawned when the breaker
// opens. The hook runs on its own goroutine.
func (t *Tracker) SetWatchdog(fn func()) {
	t.watchdog.Store(&fn)
}

// RecordSuccess notes a completed request.
func (t *Tracker) RecordSuccess() {
	t.totalRequests.Add(1)
	t.consecutiveFailures.Store(0)
	t.consecutiveTransient.Store(0)
	t.lastSuccessUnixNano.Store(time.Now().UnixNano())
}

// RecordFailure notes a failed request, classifies it and trips the breaker
// when the failure pattern warrants a supervised restart.
func (t *Tracker) RecordFailure(err error) {
	t.totalRequests.Add(1)
	t.failedRequests.Add(1)
	t.consecutiveFailures.Add(1)
	t.lastFailureUnixNano.Store(time.Now().UnixNano())

	kind := Classify(err)
	trip := false
	switch kind {
	case KindCritical:
		trip = true
		t.consecutiveTransient.Store(0)
	case KindTransient:
		if t.consecutiveTransient.Add(1) >= transientTripThreshold {
			trip = true
		}
	default:
		t.consecutiveTransient.Store(0)
	}
	if !trip {
		return
	}
	if TripCircuit() {
		logger.Warn().Err(err).Str("circuit", Circuit().String()).Msg("IPC breaker opened")
	}
	// Whoever wins the Open -> RestartInProgress flip spawns the watchdog.
	// Later failures during the same cycle lose the CAS and do nothing.
	if Circuit() == CircuitOpen && BeginRestart() {
		if fn := t.watchdog.Load(); fn != nil {
			go (*fn)()
		} else {
			// No supervisor registered (tests); re-open so a later
			// registration still gets a cycle.
			CloseCircuit(false)
		}
	}
}

// Healthy reports whether recent traffic looks sane. Used to let GET
// requests through an open breaker.
func (t *Tracker) Healthy() bool {
	if t.consecutiveFailures.Load() >= unhealthyStreak {
		return false
	}
	total := t.totalRequests.Load()
	if total > 0 {
		rate := float64(t.failedRequests.Load()) / float64(total)
		if rate >= unhealthyRate {
			return false
		}
	}
	last := t.lastSuccessUnixNano.Load()
	if last == 0 {
		return true
	}
	return time.Since(time.Unix(0, last)) <= healthyWindow
}

// Snapshot copies the counters for the status API.
func (t *Tracker) Snapshot() types.HealthSnapshot {
	s := types.HealthSnapshot{
		TotalRequests:       t.totalRequests.Load(),
		FailedRequests:      t.failedRequests.Load(),
		ConsecutiveFailures: t.consecutiveFailures.Load(),
		Healthy:             t.Healthy(),
	}
	if n := t.lastSuccessUnixNano.Load(); n != 0 {
		s.LastSuccessAt = time.Unix(0, n)
	}
	if n := t.lastFailureUnixNano.Load(); n != 0 {
		s.LastFailureAt = time.Unix(0, n)
	}
	return s
}

// ResetCountersForTest zeroes the tracker.
func (t *Tracker) ResetCountersForTest() {
	t.totalRequests.Store(0)
	t.failedRequests.Store(0)
	t.consecutiveFailures.Store(0)
	t.consecutiveTransient.Store(0)
	t.lastSuccessUnixNano.Store(0)
	t.lastFailureUnixNano.Store(0)
	t.watchdog.Store(nil)
}
