// Package runner drives an engine's tick function on a polling schedule.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// MinInterval is the shortest sleep the loop accepts.
const MinInterval = 50 * time.Millisecond

// CycleFunc runs one engine cycle and reports how much work it did.
type CycleFunc func(ctx context.Context) (int, error)

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config holds loop configuration
type Config struct {
	Name     string
	Logger   *slog.Logger
	Interval time.Duration
	Once     bool
	// SkipSleepWhenBusy starts the next cycle immediately after one that
	// did work. The sleep still follows idle and failed cycles.
	SkipSleepWhenBusy bool
	Sleep             SleepFunc
}

// Runner is an explicit polling loop around a CycleFunc
type Runner struct {
	name              string
	logger            *slog.Logger
	interval          time.Duration
	once              bool
	skipSleepWhenBusy bool
	sleep             SleepFunc
	cycle             CycleFunc
}

// New creates a Runner. Intervals below MinInterval are raised to it.
func New(cfg *Config, cycle CycleFunc) *Runner {
	r := &Runner{
		name:              cfg.Name,
		logger:            cfg.Logger,
		interval:          cfg.Interval,
		once:              cfg.Once,
		skipSleepWhenBusy: cfg.SkipSleepWhenBusy,
		sleep:             cfg.Sleep,
		cycle:             cycle,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.interval < MinInterval {
		r.interval = MinInterval
	}
	if r.sleep == nil {
		r.sleep = Sleep
	}
	return r
}

// Run executes cycles until ctx is canceled. In once mode it runs exactly one
// cycle and returns that cycle's error. Otherwise a failed cycle is logged and
// the loop carries on; Run returns nil when ctx is canceled.
func (r *Runner) Run(ctx context.Context) error {
	if r.once {
		_, err := r.runCycle(ctx)
		return err
	}

	r.logger.Info("Loop started",
		slog.String("name", r.name),
		slog.Duration("interval", r.interval),
	)

	for {
		if ctx.Err() != nil {
			r.logger.Info("Loop stopped", slog.String("name", r.name))
			return nil
		}

		work, err := r.runCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Error("Cycle failed",
				slog.String("name", r.name),
				slog.Any("error", err),
			)
		}

		if err == nil && work > 0 && r.skipSleepWhenBusy {
			continue
		}
		if err := r.sleep(ctx, r.interval); err != nil {
			r.logger.Info("Loop stopped", slog.String("name", r.name))
			return nil
		}
	}
}

// runCycle calls the cycle, turning a panic into an error.
func (r *Runner) runCycle(ctx context.Context) (work int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s cycle panicked: %v", r.name, p)
		}
	}()
	return r.cycle(ctx)
}

// Sleep waits for d, returning early with ctx.Err() when ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsStopped reports whether err only signals shutdown.
func IsStopped(err error) bool {
	return errors.Is(err, context.Canceled)
}
