package supervisor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"vergecore/internal/shared/types"
)

// killVerifyWindow bounds the post-kill liveness poll per PID.
const killVerifyWindow = 100 * time.Millisecond

// CleanupOrphans terminates stray engine processes left behind by earlier
// runs or crashed launches. Every known engine flavor is scanned in
// parallel; the currently owned child PID is exempt.
func (s *Supervisor) CleanupOrphans(ctx context.Context) error {
	owned := s.OwnedPID()

	g, ctx := errgroup.WithContext(ctx)
	for _, name := range types.CoreNames {
		name := name
		g.Go(func() error {
			return s.cleanupByName(ctx, name, owned)
		})
	}
	return g.Wait()
}

func (s *Supervisor) cleanupByName(ctx context.Context, name string, ownedPID int) error {
	pids, err := s.listPIDs(name)
	if err != nil {
		return fmt.Errorf("failed to enumerate %s processes: %w", name, err)
	}

	var lastErr error
	for _, pid := range pids {
		if pid == ownedPID || pid == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.killPID(pid); err != nil {
			s.log.Warn().Err(err).Int("pid", pid).Str("name", name).Msg("failed to terminate orphan engine process")
			lastErr = err
			continue
		}
		if !s.waitGone(pid) {
			lastErr = fmt.Errorf("orphan %s (pid %d) still alive after kill", name, pid)
			s.log.Warn().Int("pid", pid).Str("name", name).Msg("orphan survived termination")
			continue
		}
		s.log.Info().Int("pid", pid).Str("name", name).Msg("terminated orphan engine process")
	}
	return lastErr
}

// waitGone polls the PID until it disappears or the verify window elapses.
func (s *Supervisor) waitGone(pid int) bool {
	deadline := time.Now().Add(killVerifyWindow)
	for time.Now().Before(deadline) {
		if !s.pidAlive(pid) {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return !s.pidAlive(pid)
}
