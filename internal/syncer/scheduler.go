// Package syncer implements the two-phase subscription sync pipeline: a
// serialized startup burst over the highest-priority remotes, then a
// batched background dispatcher over the rest.
package syncer

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"vergecore/internal/fetch"
	"vergecore/internal/shared/logger"
	"vergecore/internal/shared/settings"
	"vergecore/internal/shared/types"
	"vergecore/internal/store"
)

// Fetcher is the download dependency; tests substitute a fake.
type Fetcher interface {
	Download(ctx context.Context, url string, opts fetch.Options) ([]byte, error)
}

// Scheduler drives per-subscription downloads with bounded concurrency,
// per-item retry and priority ordering.
type Scheduler struct {
	store     *store.Store
	fetcher   Fetcher
	prefs     *settings.Manager
	hub       types.Notifier
	mixedPort int
	log       zerolog.Logger

	mu            sync.Mutex
	states        map[string]*types.SyncState
	deferred      []string
	inflight      map[string]bool
	sem           *semaphore.Weighted
	startupActive int
	startupDone   bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a scheduler. It registers itself for live "sync" settings
// updates so semaphore resizes follow MaxConcurrency changes.
func New(st *store.Store, fetcher Fetcher, prefs *settings.Manager, hub types.Notifier, mixedPort int) *Scheduler {
	s := &Scheduler{
		store:     st,
		fetcher:   fetcher,
		prefs:     prefs,
		hub:       hub,
		mixedPort: mixedPort,
		log:       logger.WithComponent("syncer"),
		states:    make(map[string]*types.SyncState),
		inflight:  make(map[string]bool),
		stopChan:  make(chan struct{}),
	}
	prefs.Register("sync", s)
	return s
}

// Start seeds the queues by priority and kicks off the startup burst plus
// the background dispatcher. Safe to call once.
func (s *Scheduler) Start(ctx context.Context) {
	prefs := s.prefs.Sync()
	remotes := s.remoteProfilesByPriority()

	s.mu.Lock()
	limit := prefs.StartupLimit
	if limit > len(remotes) {
		limit = len(remotes)
	}
	immediate := make([]string, 0, limit)
	for i, p := range remotes {
		s.states[p.UID] = &types.SyncState{
			UID:        p.UID,
			Phase:      types.PhaseStartup,
			IsCurrent:  p.UID == s.store.CurrentUID(),
			IsFavorite: p.Favorite,
		}
		if i < limit {
			immediate = append(immediate, p.UID)
		} else {
			s.deferred = append(s.deferred, p.UID)
		}
	}
	s.startupActive = len(immediate)
	if s.startupActive == 0 {
		// Nothing to burst: every remote is background from t=0.
		s.finishStartupLocked(prefs.MaxConcurrency)
	} else {
		// The startup burst is serialized.
		s.sem = semaphore.NewWeighted(1)
	}
	s.mu.Unlock()

	for _, uid := range immediate {
		uid := uid
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runSync(ctx, uid, types.PhaseStartup)
		}()
	}

	s.wg.Add(1)
	go s.dispatchLoop(ctx)
}

// Stop terminates the dispatcher and waits for in-flight syncs.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// remoteProfilesByPriority orders remotes: favorites first, then the
// current profile, then by recency.
func (s *Scheduler) remoteProfilesByPriority() []*types.Profile {
	current := s.store.CurrentUID()
	var remotes []*types.Profile
	for _, p := range s.store.List() {
		if p.IsRemote() && p.SourceURL != "" {
			remotes = append(remotes, p)
		}
	}
	sort.SliceStable(remotes, func(i, j int) bool {
		a, b := remotes[i], remotes[j]
		if a.Favorite != b.Favorite {
			return a.Favorite
		}
		if (a.UID == current) != (b.UID == current) {
			return a.UID == current
		}
		return a.UpdatedAt > b.UpdatedAt
	})
	return remotes
}

// dispatchLoop waits out the batch interval and, once the startup burst is
// complete, drains up to MaxConcurrency deferred uids per tick.
func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		prefs := s.prefs.Sync()
		select {
		case <-time.After(prefs.BatchInterval()):
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}

		s.mu.Lock()
		if !s.startupDone || len(s.deferred) == 0 {
			s.mu.Unlock()
			continue
		}
		n := prefs.MaxConcurrency
		if n > len(s.deferred) {
			n = len(s.deferred)
		}
		batch := append([]string(nil), s.deferred[:n]...)
		s.deferred = s.deferred[n:]
		s.mu.Unlock()

		for _, uid := range batch {
			uid := uid
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.runSync(ctx, uid, types.PhaseBackground)
			}()
		}
	}
}

// ScheduleSync synchronously syncs one subscription. The refresh timer and
// the GUI-triggered manual refresh both come through here.
func (s *Scheduler) ScheduleSync(ctx context.Context, uid string, phase types.SyncPhase) error {
	return s.runSync(ctx, uid, phase)
}

// State returns a copy of the bookkeeping for one uid.
func (s *Scheduler) State(uid string) (types.SyncState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[uid]
	if !ok {
		return types.SyncState{}, false
	}
	return *st, true
}

// StartupComplete reports whether the startup burst has drained.
func (s *Scheduler) StartupComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startupDone
}

// finishStartupLocked flips the startup flag and re-sizes the permit gate
// to the configured ceiling.
func (s *Scheduler) finishStartupLocked(maxConcurrency int) {
	s.startupDone = true
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	s.sem = semaphore.NewWeighted(int64(maxConcurrency))
}

// OnSettingsUpdate resizes the permit gate when MaxConcurrency changes at
// runtime. During startup the gate stays at 1.
func (s *Scheduler) OnSettingsUpdate(_ string, newSettings interface{}) error {
	prefs, ok := newSettings.(*settings.SyncSettings)
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startupDone {
		s.finishStartupLocked(prefs.MaxConcurrency)
	}
	return nil
}
