package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qcflow/qcflow/internal/backend"
	"github.com/qcflow/qcflow/internal/backend/local"
	"github.com/qcflow/qcflow/internal/backend/stream"
	"github.com/qcflow/qcflow/internal/compute"
	"github.com/qcflow/qcflow/internal/kafka"
	"github.com/qcflow/qcflow/internal/postgres"
	"github.com/qcflow/qcflow/internal/queue"
	"github.com/qcflow/qcflow/internal/reconcile"
	redisstore "github.com/qcflow/qcflow/internal/redis"
	"github.com/qcflow/qcflow/pkg/retrypolicy"
	"github.com/qcflow/qcflow/pkg/telemetry"
	"github.com/qcflow/qcflow/services/coordinator"
	"github.com/qcflow/qcflow/services/coordinator/config"
)

const consumerGroup = "qcflow-coordinators"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the dispatch coordinator",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", ":9096", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().Int("max-attempts", 3, "retry budget per computation")
	serveCmd.Flags().Duration("retry-base-delay", 2*time.Second, "base delay for retry backoff")
	serveCmd.Flags().Duration("lease-ttl", 10*time.Minute, "submission lease before the sweep requeues a task")
	serveCmd.Flags().Duration("dispatch-interval", time.Second, "queued-task dispatch cadence")
	serveCmd.Flags().Duration("poll-interval", 2*time.Second, "in-flight handle poll cadence")
	serveCmd.Flags().Duration("resync-interval", 30*time.Second, "storage resync cadence")
	serveCmd.Flags().String("sweep-schedule", "@every 1m", "cron schedule for the stale-lease sweep")
	serveCmd.Flags().Bool("keep-late-results", true, "keep results that finish after a cancel")
	serveCmd.Flags().Int("local-workers", 0, "in-process execution pool width; 0 disables the local backend")
	serveCmd.Flags().Int("local-queue-cap", 64, "local backend queue capacity")
	serveCmd.Flags().String("local-tag", "local", "routing tag served by the local backend")
	serveCmd.Flags().String("stream-tag", "", "routing tag served by the remote fleet (empty = default queue)")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("max_attempts", serveCmd.Flags(), "max-attempts")
	bindFlag("retry_base_delay", serveCmd.Flags(), "retry-base-delay")
	bindFlag("lease_ttl", serveCmd.Flags(), "lease-ttl")
	bindFlag("dispatch_interval", serveCmd.Flags(), "dispatch-interval")
	bindFlag("poll_interval", serveCmd.Flags(), "poll-interval")
	bindFlag("resync_interval", serveCmd.Flags(), "resync-interval")
	bindFlag("sweep_schedule", serveCmd.Flags(), "sweep-schedule")
	bindFlag("keep_late_results", serveCmd.Flags(), "keep-late-results")
	bindFlag("local_workers", serveCmd.Flags(), "local-workers")
	bindFlag("local_queue_cap", serveCmd.Flags(), "local-queue-cap")
	bindFlag("local_tag", serveCmd.Flags(), "local-tag")
	bindFlag("stream_tag", serveCmd.Flags(), "stream-tag")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "coordinator")
	instanceID := "coordinator-" + uuid.New().String()[:8]

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "coordinator", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	admissions := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: brokers,
		Topic:   kafka.TopicAccepted,
		GroupID: consumerGroup,
	}, logger)
	defer func() { _ = admissions.Close() }()

	cancellations := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: brokers,
		Topic:   kafka.TopicCancellations,
		GroupID: consumerGroup,
	}, logger)
	defer func() { _ = cancellations.Close() }()

	outcomes := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: brokers,
		Topic:   kafka.TopicComputeOutcomes,
		GroupID: consumerGroup,
	}, logger)
	defer func() { _ = outcomes.Close() }()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	cache := redisstore.NewStatusCache(redisClient)
	workers := redisstore.NewWorkerRegistry(redisClient)
	elector := redisstore.NewElector(redisClient, "sweep", instanceID)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	gw := postgres.NewGateway(pool)

	policy := retrypolicy.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.RetryBaseDelay > 0 {
		policy.BaseDelay = cfg.RetryBaseDelay
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	streamBackend := stream.New(producer, workers, cfg.StreamTag, logger)
	go func() {
		if err := streamBackend.Run(runCtx, outcomes); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outcome consumer stopped", slog.String("error", err.Error()))
		}
	}()

	adapters := []backend.Adapter{streamBackend}
	var localBackend *local.Backend
	if cfg.LocalWorkers > 0 {
		registry := compute.NewRegistry()
		registry.Register(compute.NewModelEngine())
		localBackend = local.New(registry, cfg.LocalQueueCap,
			local.WithTag(cfg.LocalTag),
			local.WithLogger(logger),
		)
		localBackend.Start(runCtx, cfg.LocalWorkers)
		adapters = append(adapters, localBackend)
	}

	var mgrOpts []queue.ManagerOption
	if cfg.DispatchInterval > 0 {
		mgrOpts = append(mgrOpts, queue.WithDispatchInterval(cfg.DispatchInterval))
	}
	if cfg.PollInterval > 0 {
		mgrOpts = append(mgrOpts, queue.WithPollInterval(cfg.PollInterval))
	}
	if cfg.LeaseTTL > 0 {
		mgrOpts = append(mgrOpts, queue.WithLeaseTTL(cfg.LeaseTTL))
	}

	rec := reconcile.New(gw, cache, policy, cfg.KeepLateResults, logger)
	mgr := queue.NewManager(gw, adapters, rec, policy, logger, mgrOpts...)

	c := coordinator.New(admissions, cancellations, mgr, elector,
		coordinator.WithLogger(logger),
		coordinator.WithWorkerRegistry(workers),
		coordinator.WithSweepSchedule(cfg.SweepSchedule),
		coordinator.WithResyncInterval(cfg.ResyncInterval),
	)

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		runCancel()
	}()

	logger.Info("coordinator starting",
		slog.String("instance_id", instanceID),
		slog.Int("local_workers", cfg.LocalWorkers),
		slog.String("stream_tag", cfg.StreamTag),
	)
	if err := c.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("coordinator run: %w", err)
	}

	// Let the local pool drain so running computations reach storage.
	if localBackend != nil {
		localBackend.Wait()
	}
	logger.Info("stopped")
	return nil
}
