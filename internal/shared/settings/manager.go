package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"vergecore/internal/shared/logger"
)

// Manager holds the hot-tunable runtime preferences. Reads are lock-free
// snapshots through an atomic.Value; updates persist to disk and notify
// registered subscribers.
type Manager struct {
	filePath    string
	settings    atomic.Value // *RuntimeSettings
	subscribers map[string][]ConfigurableModule
	mu          sync.RWMutex // protects subscribers and file writes
}

// NewManager loads sync_prefs.json from filePath, creating it with default
// values when absent. An empty path keeps the manager in-memory only.
func NewManager(filePath string) (*Manager, error) {
	m := &Manager{
		filePath:    filePath,
		subscribers: make(map[string][]ConfigurableModule),
	}

	if filePath == "" {
		m.settings.Store(createDefaultSettings())
		return m, nil
	}

	if err := m.load(); err != nil {
		return nil, fmt.Errorf("failed to load initial settings: %w", err)
	}
	return m, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.filePath)
	settings := &RuntimeSettings{}

	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("failed to read settings file: %w", err)
		}
		logger.Warn().Str("path", m.filePath).Msg("sync prefs file not found, creating with default values")
		settings = createDefaultSettings()
		if err := m.persist(settings); err != nil {
			return fmt.Errorf("failed to write default settings file: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, settings); err != nil {
			return fmt.Errorf("failed to parse %s: %w", m.filePath, err)
		}
		// Missing blocks in the JSON must not leave nil pointers behind.
		ensureDefaultModules(settings)
	}

	m.settings.Store(settings)
	return nil
}

// Register subscribes a module to updates of one settings block.
func (m *Manager) Register(moduleKey string, module ConfigurableModule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers[moduleKey] = append(m.subscribers[moduleKey], module)
}

// Get returns the current settings snapshot. Lock-free.
func (m *Manager) Get() *RuntimeSettings {
	return m.settings.Load().(*RuntimeSettings)
}

// Sync is a convenience accessor for the sync block.
func (m *Manager) Sync() *SyncSettings {
	return m.Get().Sync
}

// Update replaces one settings block from raw JSON, persists the result and
// notifies subscribers asynchronously.
func (m *Manager) Update(moduleKey string, newSettingsData json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.Get()
	next := deepCopy(current)

	target := getModuleByKey(next, moduleKey)
	if target == nil {
		return fmt.Errorf("unknown settings module: %s", moduleKey)
	}
	if err := json.Unmarshal(newSettingsData, target); err != nil {
		return fmt.Errorf("failed to parse JSON for module %s: %w", moduleKey, err)
	}

	if m.filePath != "" {
		if err := m.persist(next); err != nil {
			return fmt.Errorf("failed to save updated settings to disk: %w", err)
		}
	}

	m.settings.Store(next)
	go m.notify(moduleKey, target)
	return nil
}

func (m *Manager) persist(settings *RuntimeSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.filePath, data, 0o644)
}

func (m *Manager) notify(moduleKey string, newSettings interface{}) {
	m.mu.RLock()
	subscribers, ok := m.subscribers[moduleKey]
	m.mu.RUnlock()

	if !ok {
		return
	}
	logger.Debug().Str("module", moduleKey).Int("subscribers", len(subscribers)).Msg("Notifying subscribers of settings update")
	for _, sub := range subscribers {
		if err := sub.OnSettingsUpdate(moduleKey, newSettings); err != nil {
			logger.Error().Err(err).Str("module", moduleKey).Msg("Error notifying subscriber")
		}
	}
}

func deepCopy(s *RuntimeSettings) *RuntimeSettings {
	newS := *s
	if s.Sync != nil {
		syncCopy := *s.Sync
		newS.Sync = &syncCopy
	}
	return &newS
}

func getModuleByKey(s *RuntimeSettings, key string) interface{} {
	switch key {
	case "sync":
		return s.Sync
	default:
		return nil
	}
}
