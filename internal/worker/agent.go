// Package worker contains the worker-specific logic for task execution.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"transferplane/internal/errs"
	"transferplane/internal/observability"
	"transferplane/internal/store"
	"transferplane/internal/tasks"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handler runs one task. A returned error fails the task and the queue retries it with backoff.
type Handler func(ctx context.Context, args json.RawMessage) error

// AgentConfig holds configuration for the worker agent.
type AgentConfig struct {
	ID                  string
	Concurrency         int
	PollInterval        time.Duration
	MaxBackoff          time.Duration // Maximum backoff when queue is empty (default: 30s)
	HeartbeatInterval   time.Duration // Interval between heartbeat calls (default: 2m)
	VisibilityExtension time.Duration // How long to extend visibility on heartbeat (default: 5m)
	TaskTimeout         time.Duration // Upper bound for a single task (default: 30m)
	// Kinds restricts the task kinds this agent claims. Empty means every kind with a handler.
	Kinds []store.TaskKind
}

// Agent is the main worker agent that runs the pull-loop for task execution.
type Agent struct {
	queue    store.Queue
	handlers map[store.TaskKind]Handler
	config   AgentConfig
	logger   *slog.Logger
	metrics  *observability.Metrics
	done     chan struct{}
}

// New creates a new worker agent.
func New(q store.Queue, handlers map[store.TaskKind]Handler, config AgentConfig, logger *slog.Logger, metrics *observability.Metrics) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}

	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}

	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 2 * time.Minute
	}

	if config.VisibilityExtension <= 0 {
		config.VisibilityExtension = 5 * time.Minute
	}

	if config.TaskTimeout <= 0 {
		config.TaskTimeout = 30 * time.Minute
	}

	if len(config.Kinds) == 0 {
		for kind := range handlers {
			config.Kinds = append(config.Kinds, kind)
		}
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Agent{
		queue:    q,
		handlers: handlers,
		config:   config,
		logger:   logger.With("worker_id", config.ID),
		metrics:  metrics,
		done:     make(chan struct{}),
	}
}

// Run starts the main pull-loop. It blocks until the context is cancelled.
// On SIGTERM, it stops dequeuing new work and allows in-flight tasks to finish.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("agent starting", "concurrency", a.config.Concurrency, "kinds", a.config.Kinds)

	// Semaphore to limit concurrency
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup

	// Channel to signal when a slot becomes available (adaptive polling)
	pollNow := make(chan struct{}, 1)

	// Current backoff duration (increases on empty queue, resets on work found)
	currentBackoff := a.config.PollInterval

	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
			// Already a poll pending
		}
	}

	triggerPoll()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context cancelled, waiting for running tasks to finish")
			wg.Wait()
			close(a.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			availableSlots := a.config.Concurrency - len(sem)
			if availableSlots <= 0 {
				continue
			}

			items, err := a.queue.DequeueBatch(ctx, a.config.Kinds, availableSlots)
			if err != nil {
				a.logger.Error("dequeue failed", "error", err)
				continue
			}

			if len(items) == 0 {
				// Empty queue - increase backoff (exponential, capped at MaxBackoff)
				currentBackoff = currentBackoff * 2
				if currentBackoff > a.config.MaxBackoff {
					currentBackoff = a.config.MaxBackoff
				}
				continue
			}

			currentBackoff = a.config.PollInterval
			a.logger.Debug("claimed tasks", "count", len(items))

			for _, item := range items {
				sem <- struct{}{}

				wg.Add(1)
				go func(item store.QueueItem) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					a.processItem(ctx, item)
				}(item)
			}

			if len(items) < availableSlots {
				triggerPoll()
			}
		}
	}
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// processItem runs a single task that has already been dequeued.
func (a *Agent) processItem(ctx context.Context, item store.QueueItem) {
	logger := a.logger.With("task_id", item.TaskID, "kind", item.Kind, "attempt", item.Attempt)

	// Task state updates use a fresh context so a shutdown does not strand the claim.
	finishCtx := context.WithoutCancel(ctx)

	traceCtx, args, err := tasks.Open(ctx, item.Payload)
	if err != nil {
		logger.Error("invalid task payload", "error", err)
		a.fail(finishCtx, logger, item, err.Error())
		return
	}

	handler, ok := a.handlers[item.Kind]
	if !ok {
		logger.Error("no handler registered")
		a.fail(finishCtx, logger, item, fmt.Sprintf("no handler for task kind %q", item.Kind))
		return
	}

	tracer := otel.Tracer("worker-agent")
	spanCtx, span := tracer.Start(traceCtx, "process_task",
		trace.WithAttributes(
			attribute.Int64("task.id", item.TaskID),
			attribute.String("task.kind", string(item.Kind)),
			attribute.Int("task.attempt", item.Attempt),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	// The task runs to completion even if SIGTERM arrives (graceful drain).
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(spanCtx), a.config.TaskTimeout)
	defer cancel()

	heartbeatCtx, cancelHeartbeat := context.WithCancel(context.Background())
	defer cancelHeartbeat()
	go a.runHeartbeat(heartbeatCtx, logger, item.TaskID)

	err = a.run(execCtx, handler, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if execCtx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("task timed out after %v: %w", a.config.TaskTimeout, err)
		}
		logger.Error("task failed", "error", err, "error_kind", errs.KindOf(err))
		a.fail(finishCtx, logger, item, err.Error())
		return
	}

	if err := a.queue.Complete(finishCtx, nil, item.TaskID); err != nil {
		logger.Error("failed to complete task", "error", err)
	}
	a.metrics.TaskProcessed(finishCtx, string(item.Kind), "completed")
	logger.Debug("task completed")
}

// run calls handler, turning a panic into an error.
func (a *Agent) run(ctx context.Context, handler Handler, args json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return handler(ctx, args)
}

func (a *Agent) fail(ctx context.Context, logger *slog.Logger, item store.QueueItem, msg string) {
	if err := a.queue.Fail(ctx, nil, item.TaskID, errs.Truncate(msg, 1024)); err != nil {
		logger.Error("failed to record task failure", "error", err)
	}
	a.metrics.TaskProcessed(ctx, string(item.Kind), "failed")
}

// runHeartbeat refreshes the visibility timeout periodically while a task is executing.
// This prevents long-running tasks from being picked up by another worker.
func (a *Agent) runHeartbeat(ctx context.Context, logger *slog.Logger, taskID int64) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			visibleAfter := time.Now().Add(a.config.VisibilityExtension)
			if err := a.queue.SetVisibleAfter(context.Background(), nil, taskID, visibleAfter); err != nil {
				logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}
