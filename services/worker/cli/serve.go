package cli

import (
	"context"
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

	"github.com/qcflow/qcflow/internal/compute"
	"github.com/qcflow/qcflow/internal/kafka"
	redisstore "github.com/qcflow/qcflow/internal/redis"
	"github.com/qcflow/qcflow/pkg/telemetry"
	"github.com/qcflow/qcflow/services/worker"
	"github.com/qcflow/qcflow/services/worker/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the compute worker",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("tag", "", "routing tag served by this worker (empty = default queue)")
	serveCmd.Flags().Duration("compute-timeout", 10*time.Minute, "per-computation execution timeout")
	serveCmd.Flags().Duration("heartbeat-interval", 30*time.Second, "liveness heartbeat interval")
	serveCmd.Flags().String("metrics-addr", ":9097", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("tag", serveCmd.Flags(), "tag")
	bindFlag("compute_timeout", serveCmd.Flags(), "compute-timeout")
	bindFlag("heartbeat_interval", serveCmd.Flags(), "heartbeat-interval")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "worker")
	workerID := "worker-" + uuid.New().String()[:8]

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "worker", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers: brokers,
		Topic:   kafka.TopicComputeRequests,
		GroupID: "qcflow-workers",
	}, logger)
	defer func() { _ = consumer.Close() }()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	workers := redisstore.NewWorkerRegistry(redisClient)

	registry := compute.NewRegistry()
	registry.Register(compute.NewModelEngine())

	w := worker.NewWorker(workerID, consumer, producer, registry, workers,
		worker.WithLogger(logger),
		worker.WithTag(cfg.Tag),
		worker.WithTimeout(cfg.ComputeTimeout),
	)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go w.RunHeartbeat(runCtx, interval)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		runCancel()
	}()

	logger.Info("worker starting",
		slog.String("worker_id", workerID),
		slog.String("tag", cfg.Tag),
		slog.Any("programs", registry.Programs()),
	)
	if err := w.Run(runCtx); err != nil {
		return fmt.Errorf("worker run: %w", err)
	}

	// Let in-flight computations publish their outcomes before exiting.
	w.Wait()
	logger.Info("stopped")
	return nil
}
