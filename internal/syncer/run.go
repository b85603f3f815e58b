package syncer

import (
	"context"
	"fmt"
	"time"

	"vergecore/internal/fetch"
	"vergecore/internal/shared/types"
)

// runSync performs the full attempt cycle for one uid. Per-uid exclusion:
// a uid already in flight is skipped, whoever holds it will finish the job.
func (s *Scheduler) runSync(ctx context.Context, uid string, phase types.SyncPhase) error {
	s.mu.Lock()
	if s.inflight[uid] {
		s.mu.Unlock()
		return nil
	}
	s.inflight[uid] = true
	sem := s.sem
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, uid)
		if phase == types.PhaseStartup {
			s.startupActive--
			if s.startupActive <= 0 && !s.startupDone {
				s.finishStartupLocked(s.prefs.Sync().MaxConcurrency)
				s.log.Info().Msg("startup sync burst complete")
			}
		}
		s.mu.Unlock()
	}()

	// Release against the same gate we acquired from, even when the gate
	// is swapped while we run.
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer sem.Release(1)
	}

	return s.attemptCycle(ctx, uid)
}

func (s *Scheduler) attemptCycle(ctx context.Context, uid string) error {
	prof, err := s.store.Get(uid)
	if err != nil {
		return err
	}
	prefs := s.prefs.Sync()
	maxRetry := prefs.MaxRetry
	if maxRetry < 1 {
		maxRetry = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetry; attempt++ {
		if attempt > 1 {
			delay := backoffDelay(attempt-1, prefs.BackoffBase(), prefs.BackoffMax())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
			if ctx.Err() != nil {
				lastErr = ctx.Err()
				break
			}
			// From the second attempt on, the download goes through
			// the engine's own mixed port; wait for it first.
			if err := waitPort(ctx, s.mixedPort, prefs.BackoffMax()); err != nil {
				lastErr = fmt.Errorf("engine mixed port not ready: %w", err)
				s.markFailure(uid, lastErr)
				continue
			}
		}

		body, err := s.fetcher.Download(ctx, prof.SourceURL, fetch.Options{SelfProxy: attempt > 1})
		if err != nil {
			lastErr = err
			s.markFailure(uid, err)
			s.log.Warn().Err(err).Str("uid", uid).Int("attempt", attempt).Msg("subscription download failed")
			continue
		}
		if err := s.store.SaveBody(uid, body); err != nil {
			lastErr = err
			s.markFailure(uid, err)
			continue
		}
		s.markSuccess(uid)
		s.log.Info().Str("uid", uid).Str("name", prof.Name).Int("attempt", attempt).Msg("subscription synced")
		return nil
	}

	// Terminal failure: one user-visible notice per cycle.
	s.hub.Notify(types.NotifySyncFailed, map[string]string{
		"uid":   uid,
		"name":  prof.Name,
		"error": errString(lastErr),
	})
	return lastErr
}

func (s *Scheduler) markFailure(uid string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[uid]
	if !ok {
		st = &types.SyncState{UID: uid, Phase: types.PhaseBackground}
		s.states[uid] = st
	}
	st.LastFailure = time.Now()
	st.FailureCount++
	st.PendingRetry = true
	st.LastError = errString(err)
}

func (s *Scheduler) markSuccess(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[uid]
	if !ok {
		st = &types.SyncState{UID: uid}
		s.states[uid] = st
	}
	st.LastSuccess = time.Now()
	st.FailureCount = 0
	st.PendingRetry = false
	st.LastError = ""
	st.Phase = types.PhaseBackground
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
