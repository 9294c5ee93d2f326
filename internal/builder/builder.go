// Package builder expands due jobs into tasks, advances job status, runs the
// retry sweep and finalizes jobs. It keeps no state between ticks; every
// decision is made by the store inside a transaction.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cuongbtq/taskorch/internal/domain"
	"github.com/cuongbtq/taskorch/internal/telemetry"
)

// Repo is the store surface a tick needs for job processing.
type Repo interface {
	SelectDueJobs(ctx context.Context, now time.Time) ([]domain.DueJob, error)
	InstantiateJobTasks(ctx context.Context, jobID string, now time.Time) (int, error)
	SetJobRunningIfNewTasks(ctx context.Context, jobID string, created int, now time.Time) error
	ResumeJobRunning(ctx context.Context, jobID string, now time.Time) (bool, error)
	MaybeFinishJob(ctx context.Context, jobID string, now time.Time) (bool, error)
	FailJob(ctx context.Context, jobID, code, message string, now time.Time) (bool, error)
}

// Retrier requeues failed tasks whose backoff window elapsed.
type Retrier interface {
	ApplyRetryBackoff(ctx context.Context, now time.Time) (int, error)
}

// Reclaimer returns tasks held by silent nodes to the queue.
type Reclaimer interface {
	ReclaimExpiredClaims(ctx context.Context, timeout time.Duration, now time.Time) (int, error)
}

// Config holds builder configuration
type Config struct {
	Logger    *slog.Logger
	Repo      Repo
	Retrier   Retrier
	Reclaimer Reclaimer
	// ClaimTimeout enables stale-claim reclamation when positive.
	ClaimTimeout time.Duration
	Clock        domain.Clock
	Telemetry    *telemetry.Telemetry
}

// Engine runs builder ticks
type Engine struct {
	logger       *slog.Logger
	repo         Repo
	retrier      Retrier
	reclaimer    Reclaimer
	claimTimeout time.Duration
	clock        domain.Clock
	telemetry    *telemetry.Telemetry
}

// TickStats summarizes one tick
type TickStats struct {
	DueJobs         int
	JobsWithCreates int
	Finishes        int
	Retries         int
	Reclaimed       int
	Failures        int
}

// Actions is the tick's action total: jobs with new tasks, jobs finished and
// retries applied.
func (s TickStats) Actions() int {
	return s.JobsWithCreates + s.Finishes + s.Retries
}

// NewEngine creates a builder engine. Repo is required; Retrier and
// Reclaimer are optional.
func NewEngine(cfg *Config) *Engine {
	e := &Engine{
		logger:       cfg.Logger,
		repo:         cfg.Repo,
		retrier:      cfg.Retrier,
		reclaimer:    cfg.Reclaimer,
		claimTimeout: cfg.ClaimTimeout,
		clock:        cfg.Clock,
		telemetry:    cfg.Telemetry,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.clock == nil {
		e.clock = domain.SystemClock
	}
	if e.telemetry == nil {
		e.telemetry = telemetry.New()
	}
	if e.retrier == nil {
		e.logger.Warn("Retry backoff not configured, failed tasks will not be retried")
	}
	return e
}

// Tick runs one builder cycle and returns the action total. Per-job failures
// are logged and counted; the error is non-nil only when the due-job
// selection itself failed.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	stats, err := e.RunTick(ctx)
	return stats.Actions(), err
}

// RunTick is Tick returning the full statistics.
func (e *Engine) RunTick(ctx context.Context) (TickStats, error) {
	start := time.Now()
	now := e.clock.Now().UTC()
	ctx, span := e.telemetry.StartSpan(ctx, telemetry.SpanBuilderTick)

	var stats TickStats

	due, selectErr := e.repo.SelectDueJobs(ctx, now)
	if selectErr != nil {
		stats.Failures++
		e.logger.Error("Failed to select due jobs", slog.Any("error", selectErr))
	}
	stats.DueJobs = len(due)

	for _, job := range due {
		if ctx.Err() != nil {
			break
		}
		if err := e.processJob(ctx, job.JobID, now, &stats); err != nil {
			stats.Failures++
			e.logger.Error("Failed to process job",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
		}
	}

	stats.Retries = e.applyRetries(ctx, now, &stats)
	stats.Reclaimed = e.reclaim(ctx, now, &stats)

	e.telemetry.RecordBuilderActions(ctx, "create", stats.JobsWithCreates)
	e.telemetry.RecordBuilderActions(ctx, "finish", stats.Finishes)
	e.telemetry.RecordBuilderActions(ctx, "retry", stats.Retries)
	e.telemetry.RecordTick(ctx, "builder", time.Since(start))
	span.SetAttributes(
		attribute.Int("builder.due_jobs", stats.DueJobs),
		attribute.Int("builder.actions", stats.Actions()),
		attribute.Int("builder.failures", stats.Failures),
	)
	telemetry.EndSpan(span, selectErr)

	e.logger.Info("builder.tick",
		slog.Int("due_jobs", stats.DueJobs),
		slog.Int("jobs_with_creates", stats.JobsWithCreates),
		slog.Int("retries", stats.Retries),
		slog.Int("finishes", stats.Finishes),
		slog.Int("reclaimed", stats.Reclaimed),
		slog.Int("failures", stats.Failures),
		slog.Int("actions", stats.Actions()),
	)

	if selectErr != nil {
		return stats, fmt.Errorf("failed to select due jobs: %w", selectErr)
	}
	return stats, nil
}

// processJob instantiates, starts and finishes one job. A panic is returned
// as an error so the remaining jobs still run.
func (e *Engine) processJob(ctx context.Context, jobID string, now time.Time, stats *TickStats) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while processing job: %v", p)
		}
	}()

	created, err := e.repo.InstantiateJobTasks(ctx, jobID, now)
	switch {
	case errors.Is(err, domain.ErrUnknownWorkflow):
		return e.failJob(ctx, jobID, now, err, stats)
	case errors.Is(err, domain.ErrCapabilityMissing):
		e.logger.Warn("Task instantiation unavailable, skipping",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		created = 0
	case err != nil:
		return fmt.Errorf("failed to instantiate tasks: %w", err)
	}

	if created > 0 {
		if err := e.repo.SetJobRunningIfNewTasks(ctx, jobID, created, now); err != nil {
			return fmt.Errorf("failed to set job running: %w", err)
		}
		stats.JobsWithCreates++
		e.logger.Debug("Job tasks created",
			slog.String("job_id", jobID),
			slog.Int("created", created),
		)
	} else {
		// tasks from an earlier tick whose job was never started
		resumed, err := e.repo.ResumeJobRunning(ctx, jobID, now)
		if err != nil {
			return fmt.Errorf("failed to resume job: %w", err)
		}
		if resumed {
			e.logger.Info("Job resumed", slog.String("job_id", jobID))
		}
	}

	finished, err := e.repo.MaybeFinishJob(ctx, jobID, now)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	if finished {
		stats.Finishes++
		e.logger.Info("Job finished", slog.String("job_id", jobID))
	}
	return nil
}

// failJob ends a job whose workflow cannot be resolved, since it would
// otherwise stay due forever.
func (e *Engine) failJob(ctx context.Context, jobID string, now time.Time, cause error, stats *TickStats) error {
	failed, err := e.repo.FailJob(ctx, jobID, domain.CodeUnknownWorkflow, cause.Error(), now)
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	if failed {
		stats.Finishes++
		e.logger.Warn("Job failed",
			slog.String("job_id", jobID),
			slog.String("code", domain.CodeUnknownWorkflow),
			slog.Any("error", cause),
		)
	}
	return nil
}

func (e *Engine) applyRetries(ctx context.Context, now time.Time, stats *TickStats) (retried int) {
	if e.retrier == nil {
		return 0
	}
	defer func() {
		if p := recover(); p != nil {
			stats.Failures++
			retried = 0
			e.logger.Error("Retry sweep panicked", slog.Any("panic", p))
		}
	}()

	n, err := e.retrier.ApplyRetryBackoff(ctx, now)
	switch {
	case errors.Is(err, domain.ErrCapabilityMissing):
		e.logger.Warn("Retry backoff unavailable", slog.Any("error", err))
		return 0
	case err != nil:
		stats.Failures++
		e.logger.Error("Retry sweep failed", slog.Any("error", err))
		return 0
	}
	return n
}

func (e *Engine) reclaim(ctx context.Context, now time.Time, stats *TickStats) int {
	if e.reclaimer == nil || e.claimTimeout <= 0 {
		return 0
	}
	n, err := e.reclaimer.ReclaimExpiredClaims(ctx, e.claimTimeout, now)
	if err != nil {
		stats.Failures++
		e.logger.Error("Stale claim sweep failed", slog.Any("error", err))
		return 0
	}
	return n
}
