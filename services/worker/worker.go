// Package worker is the remote compute fleet member: it consumes computation
// requests from Kafka, runs them through the engine registry, and publishes
// outcome reports for the coordinator to reconcile.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/qcflow/qcflow/internal/backend/stream"
	"github.com/qcflow/qcflow/internal/compute"
	"github.com/qcflow/qcflow/internal/domain"
	"github.com/qcflow/qcflow/internal/kafka"
	redisstore "github.com/qcflow/qcflow/internal/redis"
	"github.com/qcflow/qcflow/internal/version"
	"github.com/qcflow/qcflow/pkg/retrypolicy"
	"github.com/qcflow/qcflow/pkg/telemetry"
)

// Worker consumes computation requests and executes them.
type Worker struct {
	consumer  kafka.Consumer
	producer  kafka.Producer
	registry  *compute.Registry
	workers   *redisstore.WorkerRegistry // nil = heartbeats disabled
	workerID  string
	tag       string
	timeout   time.Duration
	baseDelay time.Duration // backoff base for outcome publish retries
	logger    *slog.Logger

	wg sync.WaitGroup

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// Option configures a Worker.
type Option func(*Worker)

func WithTimeout(d time.Duration) Option   { return func(w *Worker) { w.timeout = d } }
func WithLogger(l *slog.Logger) Option     { return func(w *Worker) { w.logger = l } }
func WithTag(tag string) Option            { return func(w *Worker) { w.tag = tag } }
func WithBaseDelay(d time.Duration) Option { return func(w *Worker) { w.baseDelay = d } }

func NewWorker(
	workerID string,
	consumer kafka.Consumer,
	producer kafka.Producer,
	registry *compute.Registry,
	workers *redisstore.WorkerRegistry,
	opts ...Option,
) *Worker {
	w := &Worker{
		workerID:  workerID,
		consumer:  consumer,
		producer:  producer,
		registry:  registry,
		workers:   workers,
		timeout:   10 * time.Minute,
		baseDelay: time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run starts consuming and processing requests. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.consumer.Subscribe(ctx, w.processMessage)
}

// Wait blocks until all in-flight computations finish. Call after Run returns.
func (w *Worker) Wait() { w.wg.Wait() }

// RunHeartbeat writes a liveness record every interval until ctx is
// cancelled, then deregisters. Blocks; run in its own goroutine.
func (w *Worker) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if w.workers == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := w.workers.Deregister(dctx, w.workerID); err != nil {
				w.logger.Error("deregister failed", slog.String("error", err.Error()))
			}
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	hb := redisstore.Heartbeat{
		WorkerID:  w.workerID,
		Tag:       w.tag,
		Programs:  w.registry.Programs(),
		Version:   version.Version,
		Submitted: w.submitted.Load(),
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
	}
	if err := w.workers.Beat(ctx, hb); err != nil {
		w.logger.Error("heartbeat failed", slog.String("error", err.Error()))
	}
}

// processMessage is the Kafka HandlerFunc. A nil return commits the offset;
// the offset is withheld only when the outcome report could not be published,
// so the request is re-delivered and re-run (reconciliation makes the replay
// harmless).
func (w *Worker) processMessage(consumerCtx context.Context, msg kafka.Message) error {
	var req stream.Request
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		w.logger.Error("malformed compute request, discarding",
			slog.String("error", err.Error()),
			slog.Int64("offset", msg.Offset),
		)
		return nil
	}

	ctx, span := otel.Tracer("worker").Start(consumerCtx, "worker.compute")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.fingerprint", req.Fingerprint),
		attribute.String("worker.id", w.workerID),
	)

	log := w.logger.With(
		slog.String("fingerprint", req.Fingerprint),
		slog.String("handle", req.Handle),
	)

	w.wg.Add(1)
	w.submitted.Add(1)
	telemetry.WorkerComputationsInFlight.Inc()
	defer func() {
		telemetry.WorkerComputationsInFlight.Dec()
		w.wg.Done()
	}()

	outcome := w.execute(ctx, span, &req, log)
	if outcome.Success {
		w.completed.Add(1)
	} else {
		w.failed.Add(1)
	}

	report, err := json.Marshal(stream.Report{Handle: req.Handle, Outcome: *outcome})
	if err != nil {
		log.Error("unencodable outcome report", slog.String("error", err.Error()))
		return nil
	}

	// The report must land: retry the publish, and on exhaustion withhold the
	// offset so the whole request is re-delivered.
	pubErr := retrypolicy.Do(ctx, retrypolicy.Config{
		MaxAttempts: 4,
		BaseDelay:   w.baseDelay,
		OnRetry: func(attempt int, retryErr error) {
			log.Warn("outcome publish failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", retryErr.Error()),
			)
		},
	}, func() error {
		return w.producer.Publish(ctx, kafka.TopicComputeOutcomes, req.Fingerprint, report)
	})
	if pubErr != nil {
		span.RecordError(pubErr)
		span.SetStatus(codes.Error, "outcome publish failed")
		return fmt.Errorf("publish outcome for %s: %w", req.Fingerprint, pubErr)
	}

	log.Info("outcome published",
		slog.Bool("success", outcome.Success),
		slog.Int64("wall_time_ms", outcome.WallTimeMS),
	)
	return nil
}

func (w *Worker) execute(ctx context.Context, span trace.Span, req *stream.Request, log *slog.Logger) *domain.Outcome {
	var spec domain.Specification
	if err := json.Unmarshal(req.Spec, &spec); err != nil {
		return &domain.Outcome{
			Fingerprint: req.Fingerprint,
			Retryable:   false,
			Error:       fmt.Sprintf("undecodable specification: %v", err),
			Worker:      w.workerID,
		}
	}

	engine, err := w.registry.Get(spec.Program)
	if err != nil {
		// Another fleet member may carry this engine; let the coordinator's
		// retry budget decide when to give up.
		log.Warn("no engine for program", slog.String("program", spec.Program))
		telemetry.WorkerComputationsTotal.WithLabelValues(spec.Program, "unsupported").Inc()
		return &domain.Outcome{
			Fingerprint: req.Fingerprint,
			Retryable:   true,
			Error:       err.Error(),
			Worker:      w.workerID,
		}
	}

	// Fresh context so an engine timeout is independent of consumer shutdown,
	// but engine child spans stay parented to the compute span.
	execCtx, cancel := context.WithTimeout(
		trace.ContextWithSpan(context.WithoutCancel(ctx), span),
		w.timeout,
	)
	defer cancel()

	start := time.Now()
	out, err := engine.Execute(execCtx, &spec)
	wallMS := time.Since(start).Milliseconds()
	telemetry.WorkerComputationSeconds.WithLabelValues(spec.Program).Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "computation failed")
		var failed *domain.ComputationFailedError
		retryable := !errors.As(err, &failed)
		status := "failed"
		if retryable {
			status = "errored"
		}
		telemetry.WorkerComputationsTotal.WithLabelValues(spec.Program, status).Inc()
		log.Error("computation failed",
			slog.Bool("retryable", retryable),
			slog.String("error", err.Error()),
		)
		return &domain.Outcome{
			Fingerprint: req.Fingerprint,
			Retryable:   retryable,
			Error:       err.Error(),
			WallTimeMS:  wallMS,
			Program:     spec.Program,
			Worker:      w.workerID,
		}
	}

	telemetry.WorkerComputationsTotal.WithLabelValues(spec.Program, "succeeded").Inc()
	return &domain.Outcome{
		Fingerprint:    req.Fingerprint,
		Success:        true,
		Payload:        out.Payload,
		WallTimeMS:     wallMS,
		Program:        out.Program,
		ProgramVersion: out.ProgramVersion,
		Worker:         w.workerID,
	}
}
