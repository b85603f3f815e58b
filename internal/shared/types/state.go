package types

import "time"

// SyncPhase is the per-subscription scheduling stage.
type SyncPhase int

const (
	PhaseStartup SyncPhase = iota
	PhaseBackground
)

func (p SyncPhase) String() string {
	if p == PhaseStartup {
		return "startup"
	}
	return "background"
}

// SyncState is the in-memory bookkeeping for one subscription. It is rebuilt
// from scratch on process start.
type SyncState struct {
	UID          string
	LastSuccess  time.Time
	LastFailure  time.Time
	FailureCount int // consecutive; reset on success
	Phase        SyncPhase
	PendingRetry bool
	LastError    string

	IsCurrent  bool
	IsFavorite bool
}

// HealthSnapshot is a point-in-time copy of the IPC health counters,
// exposed over the status API.
type HealthSnapshot struct {
	TotalRequests       uint64    `json:"total_requests"`
	FailedRequests      uint64    `json:"failed_requests"`
	ConsecutiveFailures uint32    `json:"consecutive_failures"`
	LastSuccessAt       time.Time `json:"last_success_at,omitempty"`
	LastFailureAt       time.Time `json:"last_failure_at,omitempty"`
	Healthy             bool      `json:"healthy"`
}
