// Package supervisor manages the external proxy engine: it starts it through
// the privileged helper service or as an owned child process, restarts it
// when the breaker opens, and sweeps orphaned engine processes.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"vergecore/internal/channel"
	"vergecore/internal/shared/config"
	"vergecore/internal/shared/corestate"
	"vergecore/internal/shared/logger"
	"vergecore/internal/shared/types"
)

// SystemProxyResetter is the platform collaborator that clears OS-level
// system proxy settings before the engine goes away.
type SystemProxyResetter interface {
	Reset() error
}

// nopResetter is used when no platform shim is wired in.
type nopResetter struct{}

func (nopResetter) Reset() error { return nil }

// Supervisor owns the engine lifecycle. It is the single writer of the
// process-wide EngineMode.
type Supervisor struct {
	cfg     *types.Config
	client  *channel.Client
	tracker *corestate.Tracker
	hub     types.Notifier
	log     zerolog.Logger

	runtimePath string
	ipcPath     string
	sysProxy    SystemProxyResetter

	mu          sync.Mutex
	coreName    string
	preferChild bool // set after a service-start failure
	child       *childProcess

	// regenerate rebuilds the runtime file through the config pipeline.
	// Set after construction to break the supervisor/pipeline cycle.
	regenerate func(ctx context.Context) error

	// persistCore stores a core-flavor switch in the behavior config.
	persistCore func(name string) error

	// process control, injectable for tests
	listPIDs func(name string) ([]int, error)
	killPID  func(pid int) error
	pidAlive func(pid int) bool

	// watchdogCtx bounds breaker-triggered restart cycles to the
	// supervisor's lifetime. Stop cancels it.
	watchdogCtx    context.Context
	cancelWatchdog context.CancelFunc
}

// Option tweaks a Supervisor at construction time.
type Option func(*Supervisor)

// WithSystemProxyResetter wires the platform shim used on Stop.
func WithSystemProxyResetter(r SystemProxyResetter) Option {
	return func(s *Supervisor) { s.sysProxy = r }
}

// WithCorePersister wires the callback that persists a core switch.
func WithCorePersister(fn func(name string) error) Option {
	return func(s *Supervisor) { s.persistCore = fn }
}

// New creates a Supervisor. It registers itself as the breaker watchdog on
// the tracker.
func New(cfg *types.Config, client *channel.Client, tracker *corestate.Tracker, hub types.Notifier, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:         cfg,
		client:      client,
		tracker:     tracker,
		hub:         hub,
		log:         logger.WithComponent("supervisor"),
		runtimePath: config.RuntimePath(cfg.AppConf.HomeDir),
		ipcPath:     config.IPCPath(cfg.AppConf.HomeDir),
		sysProxy:    nopResetter{},
		coreName:    cfg.EngineConf.Core,
		persistCore: func(string) error { return nil },
		listPIDs:    listEnginePIDs,
		killPID:     killEnginePID,
		pidAlive:    enginePIDAlive,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.watchdogCtx, s.cancelWatchdog = context.WithCancel(context.Background())
	tracker.SetWatchdog(func() { s.runWatchdog(s.watchdogCtx) })
	return s
}

// SetRegenerate wires the config pipeline's runtime regeneration.
func (s *Supervisor) SetRegenerate(fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.regenerate = fn
}

// CoreName returns the engine flavor currently selected.
func (s *Supervisor) CoreName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coreName
}

func (s *Supervisor) binPath(core string) string {
	return filepath.Join(s.cfg.EngineConf.BinDir, core)
}

// Start brings the engine up. Service mode is preferred when a helper
// endpoint is configured and reachable; otherwise the engine runs as an
// owned child process.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked(ctx)
}

func (s *Supervisor) startLocked(ctx context.Context) error {
	core := s.coreName

	if s.cfg.EngineConf.ServiceEndpoint != "" && !s.preferChild {
		if err := s.serviceStart(ctx, core); err == nil {
			corestate.SetMode(corestate.ModeService)
			s.log.Info().Str("core", core).Msg("engine started via service")
			return nil
		} else {
			// Fall back to child mode and keep preferring it until
			// the next process start.
			s.preferChild = true
			s.log.Warn().Err(err).Msg("service start failed, falling back to child mode")
		}
	}

	// A stale socket from a crashed engine blocks the new listener.
	removeStaleIPC(s.ipcPath)

	child, err := spawnChild(s.binPath(core), s.cfg.AppConf.HomeDir, s.runtimePath, config.SidecarLogDir(s.cfg.AppConf.HomeDir))
	if err != nil {
		corestate.SetMode(corestate.ModeNotRunning)
		return fmt.Errorf("failed to spawn engine child: %w", err)
	}
	s.child = child
	corestate.SetMode(corestate.ModeChild)
	s.log.Info().Str("core", core).Int("pid", child.PID()).Msg("engine started as child process")
	return nil
}

// Stop brings the engine down and resets the OS system proxy first. Any
// pending watchdog restart cycle is cancelled so a sleeping retry cannot
// resurrect the engine afterwards.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancelWatchdog()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *Supervisor) stopLocked(ctx context.Context) error {
	if err := s.sysProxy.Reset(); err != nil {
		s.log.Warn().Err(err).Msg("failed to reset system proxy")
	}

	var err error
	switch corestate.Mode() {
	case corestate.ModeService:
		err = s.serviceStop(ctx)
	case corestate.ModeChild:
		if s.child != nil {
			err = s.child.Kill()
			s.child = nil
		}
	}
	corestate.SetMode(corestate.ModeNotRunning)
	return err
}

// Restart is stop-then-start.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.stopLocked(ctx); err != nil {
		s.log.Warn().Err(err).Msg("stop during restart reported an error")
	}
	return s.startLocked(ctx)
}

// SwitchCore changes the engine flavor, persists the choice, regenerates the
// runtime file and reloads the engine.
func (s *Supervisor) SwitchCore(ctx context.Context, name string) error {
	if !types.ValidCoreName(name) {
		return fmt.Errorf("unknown core %q", name)
	}

	s.mu.Lock()
	prev := s.coreName
	s.coreName = name
	regen := s.regenerate
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.coreName = prev
		s.mu.Unlock()
		s.hub.Notify(types.NotifyCoreChangeError, map[string]string{"core": name, "error": err.Error()})
		return err
	}

	if err := s.persistCore(name); err != nil {
		return fail(fmt.Errorf("failed to persist core choice: %w", err))
	}
	if regen != nil {
		if err := regen(ctx); err != nil {
			return fail(fmt.Errorf("failed to regenerate runtime config: %w", err))
		}
	}
	if err := s.Restart(ctx); err != nil {
		return fail(fmt.Errorf("failed to restart engine: %w", err))
	}
	s.hub.Notify(types.NotifyCoreChangeSuccess, map[string]string{"core": name})
	return nil
}

// OwnedPID returns the child PID, or 0 when not in child mode.
func (s *Supervisor) OwnedPID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.child == nil {
		return 0
	}
	return s.child.PID()
}

func removeStaleIPCFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Str("path", path).Msg("failed to remove stale IPC socket")
	}
}
