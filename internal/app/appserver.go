// Package app is the composition root: it wires the profile store, IPC
// channel, supervisor, config pipeline, sync scheduler and refresh timer
// together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/ini.v1"

	"vergecore/internal/channel"
	"vergecore/internal/fetch"
	"vergecore/internal/pipeline"
	"vergecore/internal/service/web"
	"vergecore/internal/shared/config"
	"vergecore/internal/shared/corestate"
	"vergecore/internal/shared/logger"
	"vergecore/internal/shared/settings"
	"vergecore/internal/shared/types"
	"vergecore/internal/store"
	"vergecore/internal/supervisor"
	"vergecore/internal/syncer"
	"vergecore/internal/timer"
)

// AppServer owns every control-plane singleton.
type AppServer struct {
	cfg     *types.Config
	iniPath string

	store   *store.Store
	prefs   *settings.Manager
	tracker *corestate.Tracker
	client  *channel.Client
	hub     *web.Hub
	sup     *supervisor.Supervisor
	pipe    *pipeline.Pipeline
	fetcher *fetch.Client
	sched   *syncer.Scheduler
	refresh *timer.Timer
	web     *http.Server

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

var (
	global   *AppServer
	initOnce sync.Once
	initErr  error
)

// Init constructs the process-wide AppServer exactly once.
func Init(cfg *types.Config, iniPath string) (*AppServer, error) {
	initOnce.Do(func() {
		global, initErr = newAppServer(cfg, iniPath)
	})
	return global, initErr
}

// Current returns the AppServer built by Init, or nil before it ran.
func Current() *AppServer { return global }

func newAppServer(cfg *types.Config, iniPath string) (*AppServer, error) {
	homeDir := cfg.AppConf.HomeDir
	if err := config.EnsureLayout(homeDir); err != nil {
		return nil, err
	}

	st, err := store.Open(homeDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile store: %w", err)
	}

	prefs, err := settings.NewManager(filepath.Join(homeDir, "sync_prefs.json"))
	if err != nil {
		return nil, err
	}

	tracker := corestate.DefaultTracker()
	client := channel.New(config.IPCPath(homeDir), tracker)
	hub := web.NewHub()

	a := &AppServer{
		cfg:     cfg,
		iniPath: iniPath,
		store:   st,
		prefs:   prefs,
		tracker: tracker,
		client:  client,
		hub:     hub,
	}

	a.sup = supervisor.New(cfg, client, tracker, hub,
		supervisor.WithCorePersister(a.persistCore))
	a.pipe = pipeline.New(cfg, st, client, hub, func() string {
		return filepath.Join(cfg.EngineConf.BinDir, a.sup.CoreName())
	}, nil)
	a.sup.SetRegenerate(func(ctx context.Context) error {
		return a.pipe.Generate(ctx, pipeline.Run)
	})

	a.fetcher = fetch.New(cfg.EngineConf.MixedPort)
	a.sched = syncer.New(st, a.fetcher, prefs, hub, cfg.EngineConf.MixedPort)
	a.refresh = timer.New(st, a.sched)
	return a, nil
}

// persistCore stores a core-flavor switch back into the behavior config.
func (a *AppServer) persistCore(name string) error {
	iniFile, err := ini.Load(a.iniPath)
	if err != nil {
		return err
	}
	iniFile.Section("engine").Key("core").SetValue(name)
	if err := iniFile.SaveTo(a.iniPath); err != nil {
		return err
	}
	a.cfg.EngineConf.Core = name
	return nil
}

// Run brings the control plane up and blocks until the context is
// cancelled.
func (a *AppServer) Run(ctx context.Context) error {
	go a.hub.Run()
	a.web = web.StartServer(&a.waitGroup, a.cfg, a.store, a.prefs, a, a.hub)

	// Strays from a crashed previous run would hold the mixed port.
	if err := a.sup.CleanupOrphans(ctx); err != nil {
		logger.Warn().Err(err).Msg("orphan cleanup reported an error")
	}
	if err := a.sup.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("engine start failed; watchdog will keep retrying on traffic")
	}

	// The engine was started with whatever runtime file the last run
	// published; regenerate when a profile is already selected.
	if a.store.CurrentUID() != "" {
		if err := a.pipe.Generate(ctx, pipeline.Run); err != nil {
			logger.Warn().Err(err).Msg("initial runtime generation failed")
		} else if err := a.pipe.ReplaySelections(ctx); err != nil {
			logger.Warn().Err(err).Msg("selection replay failed")
		}
	}

	a.sched.Start(ctx)
	a.refresh.Init()

	<-ctx.Done()
	a.Shutdown()
	return nil
}

// Shutdown stops the timers, the scheduler, the control surface, and the
// engine.
func (a *AppServer) Shutdown() {
	a.stopOnce.Do(func() {
		logger.Info().Msg("shutting down")
		a.refresh.Stop()
		a.sched.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if a.web != nil {
			if err := a.web.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("control API shutdown reported an error")
			}
		}
		a.hub.Stop()
		if err := a.sup.Stop(ctx); err != nil {
			logger.Warn().Err(err).Msg("engine stop reported an error")
		}
	})
}

// Status implements web.StatusProvider.
func (a *AppServer) Status() map[string]interface{} {
	return map[string]interface{}{
		"core":             a.sup.CoreName(),
		"health":           a.tracker.Snapshot(),
		"startup_complete": a.sched.StartupComplete(),
		"current_profile":  a.store.CurrentUID(),
	}
}

// SwitchCore is the GUI-facing core switch entry point.
func (a *AppServer) SwitchCore(ctx context.Context, name string) error {
	return a.sup.SwitchCore(ctx, name)
}
