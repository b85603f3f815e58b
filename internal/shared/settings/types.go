package settings

import "time"

// ConfigurableModule is implemented by modules that want to be told when
// their settings block changes at runtime.
type ConfigurableModule interface {
	// OnSettingsUpdate is called by the Manager with the module key and
	// the parsed new settings block for that key.
	OnSettingsUpdate(moduleKey string, newSettings interface{}) error
}

// RuntimeSettings is the top-level structure of sync_prefs.json. Pointer
// fields stay nil when the block is absent from the file; defaults are
// filled in on load.
type RuntimeSettings struct {
	Sync *SyncSettings `json:"sync"`
}

// SyncSettings tunes the two-phase subscription sync pipeline.
type SyncSettings struct {
	// StartupLimit caps the immediate queue seeded at process start.
	StartupLimit int `json:"startup_limit"`
	// BatchIntervalSeconds spaces the deferred background batches.
	BatchIntervalSeconds int `json:"batch_interval_seconds"`
	// MaxConcurrency bounds in-flight syncs after startup completes.
	MaxConcurrency int `json:"max_concurrency"`
	// MaxRetry caps total attempts per item, first try included.
	MaxRetry int `json:"max_retry"`
	// BackoffBaseSeconds and BackoffMaxSeconds bound the exponential
	// retry delay.
	BackoffBaseSeconds int `json:"backoff_base_seconds"`
	BackoffMaxSeconds  int `json:"backoff_max_seconds"`
}

// BatchInterval returns the dispatcher spacing as a duration.
func (s *SyncSettings) BatchInterval() time.Duration {
	return time.Duration(s.BatchIntervalSeconds) * time.Second
}

// BackoffBase returns the first retry delay.
func (s *SyncSettings) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the retry delay ceiling.
func (s *SyncSettings) BackoffMax() time.Duration {
	return time.Duration(s.BackoffMaxSeconds) * time.Second
}

func defaultSyncSettings() *SyncSettings {
	return &SyncSettings{
		StartupLimit:         10,
		BatchIntervalSeconds: 15,
		MaxConcurrency:       15,
		MaxRetry:             2,
		BackoffBaseSeconds:   1,
		BackoffMaxSeconds:    8,
	}
}

func createDefaultSettings() *RuntimeSettings {
	return &RuntimeSettings{Sync: defaultSyncSettings()}
}

func ensureDefaultModules(s *RuntimeSettings) {
	if s.Sync == nil {
		s.Sync = defaultSyncSettings()
	}
}
