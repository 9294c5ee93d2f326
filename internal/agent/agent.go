// Package agent claims and executes the tasks of one service on one node.
package agent

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

// Repo is the store surface the agent needs.
type Repo interface {
	SelectRunnable(ctx context.Context, service string, limit int, now time.Time) ([]domain.Task, error)
	ClaimTasks(ctx context.Context, taskIDs []string, node string, now time.Time) ([]string, error)
	MarkTaskRunning(ctx context.Context, taskID, node string, now time.Time) error
	MarkTaskDone(ctx context.Context, taskID, node string, results map[string]any, now time.Time) error
	MarkTaskError(ctx context.Context, taskID, node, code, message string, now time.Time, data map[string]any) error
	AppendEvent(ctx context.Context, event domain.Event) (domain.Event, error)
}

// Heartbeater refreshes the liveness timestamp of a task this node owns.
type Heartbeater interface {
	TouchTask(ctx context.Context, taskID, node string, now time.Time) error
}

// Config holds agent configuration
type Config struct {
	Logger   *slog.Logger
	Repo     Repo
	Executor Executor
	Service  string
	Node     string
	Capacity int
	// TaskTimeout bounds one execution when positive.
	TaskTimeout time.Duration
	// Heartbeater and HeartbeatInterval enable liveness updates while a
	// task executes.
	Heartbeater       Heartbeater
	HeartbeatInterval time.Duration
	Clock             domain.Clock
	Telemetry         *telemetry.Telemetry
}

// Engine runs agent ticks
type Engine struct {
	logger            *slog.Logger
	repo              Repo
	executor          Executor
	service           string
	node              string
	capacity          int
	taskTimeout       time.Duration
	heartbeater       Heartbeater
	heartbeatInterval time.Duration
	clock             domain.Clock
	telemetry         *telemetry.Telemetry
}

// TickStats summarizes one tick
type TickStats struct {
	Candidates int
	Claimed    int
	Done       int
	Failed     int
}

// NewEngine creates an agent engine. Capacity below one is raised to one.
func NewEngine(cfg *Config) *Engine {
	e := &Engine{
		logger:            cfg.Logger,
		repo:              cfg.Repo,
		executor:          cfg.Executor,
		service:           cfg.Service,
		node:              cfg.Node,
		capacity:          cfg.Capacity,
		taskTimeout:       cfg.TaskTimeout,
		heartbeater:       cfg.Heartbeater,
		heartbeatInterval: cfg.HeartbeatInterval,
		clock:             cfg.Clock,
		telemetry:         cfg.Telemetry,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With(slog.String("service", e.service), slog.String("node", e.node))
	if e.executor == nil {
		e.executor = NoopExecutor{}
	}
	if e.capacity < 1 {
		e.capacity = 1
	}
	if e.clock == nil {
		e.clock = domain.SystemClock
	}
	if e.telemetry == nil {
		e.telemetry = telemetry.New()
	}
	return e
}

// Tick runs one agent cycle and returns the number of tasks it claimed.
func (e *Engine) Tick(ctx context.Context) (int, error) {
	stats, err := e.RunOnce(ctx)
	return stats.Claimed, err
}

// RunOnce selects up to capacity runnable tasks, claims them and executes
// the ones this node won, in candidate order. Only a failure to select or
// claim is returned; per-task failures are recorded on the task.
func (e *Engine) RunOnce(ctx context.Context) (TickStats, error) {
	var stats TickStats
	start := time.Now()
	now := e.clock.Now().UTC()

	candidates, err := e.repo.SelectRunnable(ctx, e.service, e.capacity, now)
	if err != nil {
		return stats, fmt.Errorf("failed to select runnable tasks: %w", err)
	}
	stats.Candidates = len(candidates)
	if len(candidates) == 0 {
		return stats, nil
	}

	ctx, span := e.telemetry.StartSpan(ctx, telemetry.SpanAgentTick,
		attribute.String("agent.service", e.service),
		attribute.String("agent.node", e.node),
	)
	defer func() {
		span.SetAttributes(
			attribute.Int("agent.candidates", stats.Candidates),
			attribute.Int("agent.claimed", stats.Claimed),
		)
		telemetry.EndSpan(span, err)
		e.telemetry.RecordTick(ctx, "agent", time.Since(start))
	}()

	ids := make([]string, len(candidates))
	for i, t := range candidates {
		ids[i] = t.ID
	}

	claimed, err := e.repo.ClaimTasks(ctx, ids, e.node, now)
	if err != nil {
		return stats, fmt.Errorf("failed to claim tasks: %w", err)
	}
	stats.Claimed = len(claimed)

	won := make(map[string]struct{}, len(claimed))
	for _, id := range claimed {
		won[id] = struct{}{}
	}

	for _, task := range candidates {
		if _, ok := won[task.ID]; !ok {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if e.processTask(ctx, task, now) {
			stats.Done++
		} else {
			stats.Failed++
		}
	}

	e.logger.Info("agent.tick",
		slog.Int("candidates", stats.Candidates),
		slog.Int("claimed", stats.Claimed),
		slog.Int("done", stats.Done),
		slog.Int("failed", stats.Failed),
	)
	return stats, nil
}

// processTask moves one claimed task through running to done or error and
// reports whether it succeeded.
func (e *Engine) processTask(ctx context.Context, task domain.Task, now time.Time) bool {
	if err := e.repo.MarkTaskRunning(ctx, task.ID, e.node, now); err != nil {
		e.logger.Warn("Failed to mark task running, skipping",
			slog.String("task_id", task.ID),
			slog.Any("error", err),
		)
		return false
	}
	e.appendEvent(ctx, domain.Event{
		TaskID:  task.ID,
		Level:   domain.LevelInfo,
		Type:    domain.EventTaskStart,
		Message: e.service + " start",
		Data:    map[string]any{"node": e.node, "attempt": task.Attempt},
	})

	results, execErr := e.execute(ctx, task)
	finishedAt := e.clock.Now().UTC()

	if execErr == nil {
		if err := e.repo.MarkTaskDone(ctx, task.ID, e.node, results, finishedAt); err != nil {
			e.logger.Error("Failed to mark task done",
				slog.String("task_id", task.ID),
				slog.Any("error", err),
			)
			return false
		}
		e.appendEvent(ctx, domain.Event{
			TaskID:  task.ID,
			Level:   domain.LevelInfo,
			Type:    domain.EventTaskDone,
			Message: e.service + " done",
		})
		e.telemetry.RecordAgentTask(ctx, e.service, "done")
		e.logger.Info("Task completed",
			slog.String("task_id", task.ID),
			slog.String("job_id", task.JobID),
			slog.String("task_key", task.TaskKey),
		)
		return true
	}

	code, message, data := classify(execErr)
	e.logger.Error("Task execution failed",
		slog.String("task_id", task.ID),
		slog.String("job_id", task.JobID),
		slog.String("code", code),
		slog.Any("error", execErr),
	)
	if err := e.repo.MarkTaskError(ctx, task.ID, e.node, code, message, finishedAt, data); err != nil {
		e.logger.Error("Failed to mark task error",
			slog.String("task_id", task.ID),
			slog.Any("error", err),
		)
		return false
	}
	e.appendEvent(ctx, domain.Event{
		TaskID:  task.ID,
		Level:   domain.LevelError,
		Type:    domain.EventTaskError,
		Message: message,
		Data:    map[string]any{"code": code},
	})
	e.telemetry.RecordAgentTask(ctx, e.service, "error")
	return false
}

// execute runs the executor with the task timeout and heartbeat, turning a
// panic into a runtime error.
func (e *Engine) execute(ctx context.Context, task domain.Task) (results map[string]any, err error) {
	ctx, span := e.telemetry.StartSpan(ctx, telemetry.SpanTaskExecute,
		attribute.String("task.id", task.ID),
		attribute.String("task.key", task.TaskKey),
		attribute.String("job.id", task.JobID),
		attribute.Int("task.attempt", task.Attempt),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	execCtx := ctx
	if e.taskTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.taskTimeout)
		defer cancel()
	}

	if e.heartbeater != nil && e.heartbeatInterval > 0 {
		done := make(chan struct{})
		go e.sendHeartbeat(ctx, task.ID, done)
		defer close(done)
	}

	defer func() {
		if p := recover(); p != nil {
			results = nil
			err = &domain.TaskError{Code: domain.CodeRuntimeError, Message: fmt.Sprintf("panic: %v", p)}
		}
	}()

	results, err = e.executor.Execute(execCtx, task)
	if err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &domain.TaskError{
			Code:    domain.CodeTimeout,
			Message: fmt.Sprintf("task exceeded timeout of %s", e.taskTimeout),
			Err:     err,
		}
	}
	return results, err
}

func (e *Engine) appendEvent(ctx context.Context, event domain.Event) {
	event.CreatedAt = e.clock.Now().UTC()
	if _, err := e.repo.AppendEvent(ctx, event); err != nil {
		e.logger.Warn("Failed to append event",
			slog.String("task_id", event.TaskID),
			slog.String("type", event.Type),
			slog.Any("error", err),
		)
	}
}

// classify maps an execution error to the code, message and data stored on
// the task.
func classify(err error) (code, message string, data map[string]any) {
	var taskErr *domain.TaskError
	if errors.As(err, &taskErr) {
		message = taskErr.Message
		if message == "" {
			message = err.Error()
		}
		return taskErr.Code, message, taskErr.Data
	}
	return domain.CodeRuntimeError, err.Error(), nil
}
