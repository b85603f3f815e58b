// Package timer drives interval-based subscription refreshes through a
// delay queue. Refresh diffs the wanted schedule against the installed one
// so edits never tear down unrelated tasks.
package timer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"vergecore/internal/shared/logger"
	"vergecore/internal/shared/types"
	"vergecore/internal/store"
)

// taskTimeout bounds one refresh invocation. Timeouts are logged, not
// retried inline; the next tick re-attempts.
const taskTimeout = 40 * time.Second

// Syncer is the refresh target; the sync scheduler implements it.
type Syncer interface {
	ScheduleSync(ctx context.Context, uid string, phase types.SyncPhase) error
}

// Observer is told when a refresh task starts and completes.
type Observer func(uid string, event string)

type task struct {
	id       uint64
	uid      string
	interval time.Duration
	stop     chan struct{}
}

// Timer is the delay queue. Map mutations happen under one write lock;
// task goroutines start after the lock is dropped.
type Timer struct {
	store  *store.Store
	syncer Syncer
	log    zerolog.Logger

	mu        sync.Mutex
	tasks     map[string]*task
	observers []Observer

	nextID      atomic.Uint64
	initialized atomic.Bool
	wg          sync.WaitGroup
}

// New creates an idle timer; Init installs the first schedule.
func New(st *store.Store, sy Syncer) *Timer {
	return &Timer{
		store:  st,
		syncer: sy,
		log:    logger.WithComponent("timer"),
		tasks:  make(map[string]*task),
	}
}

// AddObserver registers a start/complete listener.
func (t *Timer) AddObserver(obs Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observers = append(t.observers, obs)
}

// Init installs the initial schedule exactly once; later calls are no-ops.
func (t *Timer) Init() {
	if !t.initialized.CompareAndSwap(false, true) {
		return
	}
	t.Refresh()
}

// Refresh diffs the wanted schedule against the installed tasks and applies
// the result. Returns the op counts (added, modified, removed).
func (t *Timer) Refresh() (added, modified, removed int) {
	want := make(map[string]time.Duration)
	for _, p := range t.store.List() {
		if p.UpdateIntervalMinutes > 0 {
			want[p.UID] = time.Duration(p.UpdateIntervalMinutes) * time.Minute
		}
	}

	var starts []*task
	t.mu.Lock()
	for uid, existing := range t.tasks {
		interval, ok := want[uid]
		switch {
		case !ok:
			close(existing.stop)
			delete(t.tasks, uid)
			removed++
		case interval != existing.interval:
			// Mod is remove-then-add with a fresh task id.
			close(existing.stop)
			next := t.newTaskLocked(uid, interval)
			t.tasks[uid] = next
			starts = append(starts, next)
			modified++
		}
	}
	for uid, interval := range want {
		if _, ok := t.tasks[uid]; ok {
			continue
		}
		next := t.newTaskLocked(uid, interval)
		t.tasks[uid] = next
		starts = append(starts, next)
		added++
	}
	t.mu.Unlock()

	// Install outside the lock; a failed installation rolls the uid back
	// out of the timer map.
	for _, tk := range starts {
		if err := t.install(tk); err != nil {
			t.log.Error().Err(err).Str("uid", tk.uid).Msg("failed to install refresh task")
			t.mu.Lock()
			if cur, ok := t.tasks[tk.uid]; ok && cur.id == tk.id {
				delete(t.tasks, tk.uid)
			}
			t.mu.Unlock()
		}
	}
	if added+modified+removed > 0 {
		t.log.Info().Int("added", added).Int("modified", modified).Int("removed", removed).Msg("refresh schedule updated")
	}
	return added, modified, removed
}

func (t *Timer) newTaskLocked(uid string, interval time.Duration) *task {
	return &task{
		id:       t.nextID.Add(1),
		uid:      uid,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (t *Timer) install(tk *task) error {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(tk.interval)
		defer ticker.Stop()
		for {
			select {
			case <-tk.stop:
				return
			case <-ticker.C:
				t.fire(tk.uid)
			}
		}
	}()
	return nil
}

func (t *Timer) fire(uid string) {
	t.notify(uid, "started")
	ctx, cancel := context.WithTimeout(context.Background(), taskTimeout)
	defer cancel()
	if err := t.syncer.ScheduleSync(ctx, uid, types.PhaseBackground); err != nil {
		t.log.Warn().Err(err).Str("uid", uid).Msg("scheduled refresh failed")
	}
	t.notify(uid, "completed")
}

func (t *Timer) notify(uid, event string) {
	t.mu.Lock()
	observers := append([]Observer(nil), t.observers...)
	t.mu.Unlock()
	for _, obs := range observers {
		obs(uid, event)
	}
}

// TaskCount returns the number of installed tasks.
func (t *Timer) TaskCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.tasks)
}

// Stop tears down every task and waits for their goroutines.
func (t *Timer) Stop() {
	t.mu.Lock()
	for uid, tk := range t.tasks {
		close(tk.stop)
		delete(t.tasks, uid)
	}
	t.mu.Unlock()
	t.wg.Wait()
}
