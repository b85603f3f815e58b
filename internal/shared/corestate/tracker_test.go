package corestate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	ResetForTest()
	tr := &Tracker{}
	t.Cleanup(ResetForTest)
	return tr
}

func TestConsecutiveFailuresResetOnSuccess(t *testing.T) {
	tr := newTestTracker(t)
	tr.RecordFailure(errors.New("some error"))
	tr.RecordFailure(errors.New("some error"))
	tr.RecordSuccess()

	snap := tr.Snapshot()
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("ConsecutiveFailures = %d, want 0 after success", snap.ConsecutiveFailures)
	}
	if snap.TotalRequests != 3 || snap.FailedRequests != 2 {
		t.Fatalf("counters = (%d total, %d failed), want (3, 2)", snap.TotalRequests, snap.FailedRequests)
	}
}

func TestBreakerStaysClosedOnOtherErrors(t *testing.T) {
	tr := newTestTracker(t)
	for i := 0; i < 10; i++ {
		tr.RecordFailure(errors.New("weird protocol problem"))
	}
	if Circuit() != CircuitClosed {
		t.Fatalf("circuit = %v, want closed for non-transport errors", Circuit())
	}
}

func TestBreakerOpensOnThirdConsecutiveTransient(t *testing.T) {
	tr := newTestTracker(t)
	tr.RecordFailure(context.DeadlineExceeded)
	tr.RecordFailure(context.DeadlineExceeded)
	if Circuit() != CircuitClosed {
		t.Fatalf("circuit opened after %d transient errors, want 3", 2)
	}
	tr.RecordFailure(context.DeadlineExceeded)
	if Circuit() != CircuitOpen {
		t.Fatalf("circuit = %v after third transient error, want open", Circuit())
	}
}

func TestBreakerOpensOnFirstCritical(t *testing.T) {
	tr := newTestTracker(t)
	tr.RecordFailure(fmt.Errorf("dial unix: %w", syscall.ECONNREFUSED))
	if Circuit() != CircuitOpen {
		t.Fatalf("circuit = %v after critical error, want open", Circuit())
	}
}

func TestSuccessResetsTransientStreak(t *testing.T) {
	tr := newTestTracker(t)
	tr.RecordFailure(context.DeadlineExceeded)
	tr.RecordFailure(context.DeadlineExceeded)
	tr.RecordSuccess()
	tr.RecordFailure(context.DeadlineExceeded)
	tr.RecordFailure(context.DeadlineExceeded)
	if Circuit() != CircuitClosed {
		t.Fatalf("circuit = %v, success should have reset the transient streak", Circuit())
	}
}

func TestWatchdogSpawnedExactlyOncePerCycle(t *testing.T) {
	tr := newTestTracker(t)

	var mu sync.Mutex
	spawned := 0
	release := make(chan struct{})
	done := make(chan struct{})
	tr.SetWatchdog(func() {
		mu.Lock()
		spawned++
		mu.Unlock()
		<-release
		CloseCircuit(true)
		close(done)
	})

	// Hammer the tracker with critical failures from many goroutines.
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.RecordFailure(fmt.Errorf("dial unix: %w", syscall.ECONNREFUSED))
		}()
	}
	wg.Wait()

	mu.Lock()
	got := spawned
	mu.Unlock()
	if got != 1 {
		t.Fatalf("watchdog spawned %d times in one cycle, want exactly 1", got)
	}
	if Circuit() != CircuitRestartInProgress {
		t.Fatalf("circuit = %v while watchdog runs, want restart-in-progress", Circuit())
	}

	close(release)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watchdog never finished")
	}
	if Circuit() != CircuitClosed {
		t.Fatalf("circuit = %v after successful cycle, want closed", Circuit())
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{fmt.Errorf("wrap: %w", syscall.ECONNREFUSED), KindCritical},
		{fmt.Errorf("wrap: %w", syscall.ENETUNREACH), KindCritical},
		{fmt.Errorf("wrap: %w", syscall.EPIPE), KindTransient},
		{fmt.Errorf("wrap: %w", syscall.ECONNRESET), KindTransient},
		{context.DeadlineExceeded, KindTransient},
		{ErrPoolExhausted, KindTransient},
		{errors.New("dial unix /x: connect: connection refused"), KindCritical},
		{errors.New("something odd"), KindOther},
		{nil, KindOther},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestModeTransitions(t *testing.T) {
	ResetForTest()
	t.Cleanup(ResetForTest)

	if Mode() != ModeNotRunning {
		t.Fatalf("initial mode = %v, want not-running", Mode())
	}
	SetMode(ModeChild)
	if Mode() != ModeChild {
		t.Fatalf("mode = %v, want child", Mode())
	}
	SetMode(ModeNotRunning)
	if Mode() != ModeNotRunning {
		t.Fatalf("mode = %v, want not-running", Mode())
	}
}
