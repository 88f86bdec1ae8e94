package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the coordinator service.
type Config struct {
	LogLevel     string
	MetricsAddr  string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	OTelEndpoint string

	// Retry and lease policy.
	MaxAttempts    int
	RetryBaseDelay time.Duration
	LeaseTTL       time.Duration

	// Dispatch loop cadence.
	DispatchInterval time.Duration
	PollInterval     time.Duration
	ResyncInterval   time.Duration
	SweepSchedule    string

	// Cancellation race policy: keep or discard results that finish after
	// their task was cancelled.
	KeepLateResults bool

	// Local backend: in-process execution pool. Zero workers disables it.
	LocalWorkers  int
	LocalQueueCap int
	LocalTag      string

	// Stream backend: work shipped to the remote worker fleet over Kafka.
	StreamTag string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		MetricsAddr:  v.GetString("metrics_addr"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		MaxAttempts:    v.GetInt("max_attempts"),
		RetryBaseDelay: v.GetDuration("retry_base_delay"),
		LeaseTTL:       v.GetDuration("lease_ttl"),

		DispatchInterval: v.GetDuration("dispatch_interval"),
		PollInterval:     v.GetDuration("poll_interval"),
		ResyncInterval:   v.GetDuration("resync_interval"),
		SweepSchedule:    v.GetString("sweep_schedule"),

		KeepLateResults: v.GetBool("keep_late_results"),

		LocalWorkers:  v.GetInt("local_workers"),
		LocalQueueCap: v.GetInt("local_queue_cap"),
		LocalTag:      v.GetString("local_tag"),

		StreamTag: v.GetString("stream_tag"),
	}
}
