// Package corestate holds the process-wide engine state shared by the IPC
// channel client and the engine supervisor. Keeping it standalone breaks the
// reference cycle between the two: both read and transition state here,
// neither owns the other.
package corestate

import "sync/atomic"

// EngineMode describes how the engine is currently run.
type EngineMode int32

const (
	ModeNotRunning EngineMode = iota
	ModeService
	ModeChild
)

func (m EngineMode) String() string {
	switch m {
	case ModeService:
		return "service"
	case ModeChild:
		return "child"
	default:
		return "not-running"
	}
}

// CircuitState is the breaker gate in front of non-GET IPC calls.
type CircuitState int32

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitRestartInProgress
)

func (s CircuitState) String() string {
	switch s {
	case CircuitOpen:
		return "open"
	case CircuitRestartInProgress:
		return "restart-in-progress"
	default:
		return "closed"
	}
}

var (
	engineMode   atomic.Int32
	circuitState atomic.Int32
)

// Mode returns the current engine mode.
func Mode() EngineMode { return EngineMode(engineMode.Load()) }

// SetMode records a mode transition. The supervisor is the single writer.
func SetMode(m EngineMode) { engineMode.Store(int32(m)) }

// Circuit returns the current breaker state.
func Circuit() CircuitState { return CircuitState(circuitState.Load()) }

// TripCircuit moves the breaker Closed -> Open. Returns true when this call
// performed the transition.
func TripCircuit() bool {
	return circuitState.CompareAndSwap(int32(CircuitClosed), int32(CircuitOpen))
}

// BeginRestart moves the breaker Open -> RestartInProgress. Exactly one
// caller per breaker cycle wins; only the winner may spawn the watchdog.
func BeginRestart() bool {
	return circuitState.CompareAndSwap(int32(CircuitOpen), int32(CircuitRestartInProgress))
}

// CloseCircuit resolves a restart cycle. ok moves the breaker back to
// Closed; a failed cycle returns it to Open so a later failure can re-arm
// the watchdog.
func CloseCircuit(ok bool) {
	if ok {
		circuitState.Store(int32(CircuitClosed))
	} else {
		circuitState.Store(int32(CircuitOpen))
	}
}

// ResetForTest restores both machines to their initial states.
func ResetForTest() {
	engineMode.Store(int32(ModeNotRunning))
	circuitState.Store(int32(CircuitClosed))
}
