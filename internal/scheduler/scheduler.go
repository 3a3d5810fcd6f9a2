package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every scheduled tick.
type TickFunc func(ctx context.Context, tick time.Time) error

// Options tune scheduler behaviour. When At is set (UTC "15:04"), the
// scheduler fires once per day at that wall time and Interval is ignored.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	At           string
	StartupDelay time.Duration
}

// Scheduler drives periodic execution of pipeline cycles.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.At == "" && opts.Interval <= 0 {
		panic("scheduler interval must be positive")
	}
	if opts.At != "" {
		if _, err := time.Parse("15:04", opts.At); err != nil {
			panic("scheduler daily time must be HH:MM")
		}
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Run blocks, invoking the tick function at each scheduled point until ctx is
// cancelled. Tick errors are logged and never stop the loop.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	next := s.nextTick(time.Now().UTC())
	for {
		delay := time.Until(next)
		if delay < 0 {
			next = s.nextTick(time.Now().UTC())
			delay = time.Until(next)
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_tick", next).Msg("waiting for next tick")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		s.logger.Info().Time("tick", next).Msg("executing scheduled tick")

		if err := tick(ctx, next); err != nil {
			s.logger.Error().Err(err).Time("tick", next).Msg("tick execution failed")
		}

		next = s.advance(next)
	}
}

func (s *Scheduler) nextTick(now time.Time) time.Time {
	if s.opts.At != "" {
		return nextDaily(now, s.opts.At)
	}
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	tick := now.Truncate(s.opts.Interval)
	if !tick.After(now) {
		tick = tick.Add(s.opts.Interval)
	}
	return tick
}

func (s *Scheduler) advance(last time.Time) time.Time {
	if s.opts.At != "" {
		return last.Add(24 * time.Hour)
	}
	return last.Add(s.opts.Interval)
}

// nextDaily returns the next occurrence of the UTC wall time "15:04" strictly
// after now.
func nextDaily(now time.Time, at string) time.Time {
	wall, _ := time.Parse("15:04", at)
	next := time.Date(now.Year(), now.Month(), now.Day(), wall.Hour(), wall.Minute(), 0, 0, time.UTC)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}
