// Package scheduler fires periodic ETL runs. The cadence accepts the
// interval subset of cron ("*/N * * * *", minutes) or a Go duration string.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/coinflux/coinflux/internal/etl"
)

// Trigger starts one background run. Satisfied by *etl.Orchestrator.
type Trigger interface {
	TriggerAsync(ctx context.Context) (string, error)
}

// Scheduler drives the trigger on a fixed interval. A trigger that lands
// while a run is still in progress is a logged no-op.
type Scheduler struct {
	interval time.Duration
	trigger  Trigger
}

// ParseInterval resolves a cadence expression to a duration. Empty means
// disabled and yields zero.
func ParseInterval(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, nil
	}

	fields := strings.Fields(expr)
	if len(fields) == 5 {
		if fields[1] != "*" || fields[2] != "*" || fields[3] != "*" || fields[4] != "*" {
			return 0, fmt.Errorf("unsupported cron expression %q: only \"*/N * * * *\" is accepted", expr)
		}
		minutes, ok := strings.CutPrefix(fields[0], "*/")
		if !ok {
			return 0, fmt.Errorf("unsupported cron expression %q: only \"*/N * * * *\" is accepted", expr)
		}
		n, err := strconv.Atoi(minutes)
		if err != nil || n < 1 {
			return 0, fmt.Errorf("invalid interval minutes in %q", expr)
		}
		return time.Duration(n) * time.Minute, nil
	}

	d, err := time.ParseDuration(expr)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	if d < time.Second {
		return 0, fmt.Errorf("schedule %q below 1s", expr)
	}
	return d, nil
}

// New builds a scheduler for the cadence expression. A disabled cadence
// returns a nil scheduler.
func New(expr string, trigger Trigger) (*Scheduler, error) {
	interval, err := ParseInterval(expr)
	if err != nil {
		return nil, err
	}
	if interval == 0 {
		return nil, nil
	}
	return &Scheduler{interval: interval, trigger: trigger}, nil
}

// Interval reports the resolved cadence.
func (s *Scheduler) Interval() time.Duration { return s.interval }

// Run blocks firing the trigger every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Dur("interval", s.interval).Msg("scheduler started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("scheduler stopped")
			return
		case <-ticker.C:
			runID, err := s.trigger.TriggerAsync(ctx)
			switch {
			case errors.Is(err, etl.ErrRunInProgress):
				log.Info().Msg("scheduled trigger skipped, run in progress")
			case err != nil:
				log.Error().Err(err).Msg("scheduled trigger failed")
			default:
				log.Info().Str("run_id", runID).Msg("scheduled run triggered")
			}
		}
	}
}
