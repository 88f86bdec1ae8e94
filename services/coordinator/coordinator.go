package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/qcflow/qcflow/internal/domain"
	"github.com/qcflow/qcflow/internal/kafka"
	"github.com/qcflow/qcflow/internal/queue"
	redisstore "github.com/qcflow/qcflow/internal/redis"
)

const (
	defaultSweepSchedule  = "@every 1m"
	defaultResyncInterval = 30 * time.Second
	fleetReportInterval   = time.Minute
)

// Coordinator glues the dispatch manager to the message fabric: admitted
// tasks and cancellation requests arrive over Kafka, the manager does the
// routing and polling, and a leader-gated cron job sweeps stale leases so a
// crashed replica's work is picked back up.
type Coordinator struct {
	admissions    kafka.Consumer
	cancellations kafka.Consumer
	manager       *queue.Manager
	elector       *redisstore.Elector
	workers       *redisstore.WorkerRegistry // nil = no fleet visibility

	sweepSchedule  string
	resyncInterval time.Duration
	logger         *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

func WithWorkerRegistry(w *redisstore.WorkerRegistry) Option {
	return func(c *Coordinator) { c.workers = w }
}
func WithSweepSchedule(spec string) Option {
	return func(c *Coordinator) { c.sweepSchedule = spec }
}
func WithResyncInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.resyncInterval = d }
}
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

func New(
	admissions kafka.Consumer,
	cancellations kafka.Consumer,
	manager *queue.Manager,
	elector *redisstore.Elector,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		admissions:     admissions,
		cancellations:  cancellations,
		manager:        manager,
		elector:        elector,
		sweepSchedule:  defaultSweepSchedule,
		resyncInterval: defaultResyncInterval,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepSchedule == "" {
		c.sweepSchedule = defaultSweepSchedule
	}
	if c.resyncInterval <= 0 {
		c.resyncInterval = defaultResyncInterval
	}
	return c
}

// Run rebuilds the manager's view from storage, then drives both consumers,
// the dispatch loops, the resync ticker and the sweep cron until ctx is
// cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if err := c.manager.Recover(ctx); err != nil {
		return fmt.Errorf("recover active tasks: %w", err)
	}

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(c.sweepSchedule, func() { c.sweep(ctx) }); err != nil {
		return fmt.Errorf("sweep schedule %q: %w", c.sweepSchedule, err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	var wg sync.WaitGroup
	runPart := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error(name+" stopped", slog.String("error", err.Error()))
			}
		}()
	}

	runPart("admission consumer", func(ctx context.Context) error {
		return c.admissions.Subscribe(ctx, c.handleAdmission)
	})
	runPart("cancellation consumer", func(ctx context.Context) error {
		return c.cancellations.Subscribe(ctx, c.handleCancellation)
	})
	runPart("dispatch manager", c.manager.Run)

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.resyncLoop(ctx)
	}()
	if c.workers != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.fleetReportLoop(ctx)
		}()
	}

	wg.Wait()
	return ctx.Err()
}

// handleAdmission enqueues a gateway-admitted task for dispatch. Admission
// already made the task durable, so a malformed message is a producer bug:
// it is logged and committed, never redelivered.
func (c *Coordinator) handleAdmission(ctx context.Context, msg kafka.Message) error {
	_, span := otel.Tracer("coordinator").Start(ctx, "coordinator.admit")
	defer span.End()

	var task domain.TaskRecord
	if err := json.Unmarshal(msg.Value, &task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed admission")
		c.logger.Error("malformed admission message, dropping", slog.String("error", err.Error()))
		return nil
	}
	if task.Fingerprint == "" {
		span.SetStatus(codes.Error, "admission without fingerprint")
		c.logger.Error("admission without fingerprint, dropping")
		return nil
	}
	span.SetAttributes(
		attribute.String("task.fingerprint", task.Fingerprint),
		attribute.String("task.tag", task.Tag),
	)

	c.manager.Enqueue(&task)
	c.logger.Info("task accepted for dispatch",
		slog.String("fingerprint", task.Fingerprint),
		slog.String("tag", task.Tag),
	)
	return nil
}

// handleCancellation applies a gateway-forwarded cancellation. A fingerprint
// that is already terminal is old news, not an error; storage trouble
// withholds the offset so the request is retried.
func (c *Coordinator) handleCancellation(ctx context.Context, msg kafka.Message) error {
	fp := string(msg.Value)
	if fp == "" {
		c.logger.Error("cancellation without fingerprint, dropping")
		return nil
	}

	err := c.manager.Cancel(ctx, fp)
	var notFound *domain.TaskNotFoundError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &notFound):
		c.logger.Info("cancellation for task already finished or unknown",
			slog.String("fingerprint", fp),
		)
		return nil
	default:
		return fmt.Errorf("cancel %s: %w", fp, err)
	}
}

// sweep reaps stale leases, gated so only the leader replica mutates shared
// rows. The manager resyncs its own view as part of the reap.
func (c *Coordinator) sweep(ctx context.Context) {
	leader, err := c.elector.AcquireOrRenew(ctx)
	if err != nil {
		c.logger.Error("leader election failed, skipping sweep", slog.String("error", err.Error()))
		return
	}
	if !leader {
		return
	}
	if _, err := c.manager.ReapStaleLeases(ctx); err != nil {
		c.logger.Error("stale lease sweep failed", slog.String("error", err.Error()))
	}
}

// resyncLoop periodically reloads queued rows into the manager. This is the
// catch-all for admitted tasks whose Kafka hand-off was lost.
func (c *Coordinator) resyncLoop(ctx context.Context) {
	ticker := time.NewTicker(c.resyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.manager.Resync(ctx); err != nil {
				c.logger.Error("resync failed", slog.String("error", err.Error()))
			}
		}
	}
}

// fleetReportLoop logs a periodic snapshot of the live compute fleet.
func (c *Coordinator) fleetReportLoop(ctx context.Context) {
	ticker := time.NewTicker(fleetReportInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive, err := c.workers.Alive(ctx)
			if err != nil {
				c.logger.Warn("worker registry unavailable", slog.String("error", err.Error()))
				continue
			}
			var completed, failed int64
			for _, hb := range alive {
				completed += hb.Completed
				failed += hb.Failed
			}
			c.logger.Info("compute fleet",
				slog.Int("workers", len(alive)),
				slog.Int64("completed", completed),
				slog.Int64("failed", failed),
			)
		}
	}
}
