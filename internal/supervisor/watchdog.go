package supervisor

import (
	"context"
	"time"

	"vergecore/internal/shared/corestate"
)

// restartSchedule is the delay before each supervised restart attempt.
var restartSchedule = []time.Duration{
	1 * time.Second,
	3 * time.Second,
	10 * time.Second,
	20 * time.Second,
}

// probeTimeout bounds the GET /version check after each restart attempt.
const probeTimeout = 2 * time.Second

// runWatchdog executes the supervised restart cycle. It runs exactly once
// per breaker cycle: only the BeginRestart CAS winner spawns it. The first
// successful version probe closes the breaker; when every attempt fails the
// breaker returns to Open so a later failure can arm a fresh cycle.
func (s *Supervisor) runWatchdog(ctx context.Context) {
	s.log.Warn().Msg("breaker opened, starting supervised engine restart")

	for i, delay := range restartSchedule {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			corestate.CloseCircuit(false)
			return
		}

		if err := s.Restart(ctx); err != nil {
			s.log.Warn().Err(err).Int("attempt", i+1).Msg("watchdog restart attempt failed")
			continue
		}
		if err := s.client.Probe(ctx, probeTimeout); err != nil {
			s.log.Warn().Err(err).Int("attempt", i+1).Msg("version probe failed after restart")
			continue
		}

		corestate.CloseCircuit(true)
		s.log.Info().Int("attempt", i+1).Msg("engine recovered, breaker closed")
		return
	}

	corestate.CloseCircuit(false)
	s.log.Error().Msg("all watchdog restart attempts failed, breaker remains open")
}
