package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel          string
	KafkaBrokers      string
	RedisAddr         string
	Tag               string
	ComputeTimeout    time.Duration
	HeartbeatInterval time.Duration
	MetricsAddr       string
	OTelEndpoint      string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:          v.GetString("log_level"),
		KafkaBrokers:      v.GetString("kafka_brokers"),
		RedisAddr:         v.GetString("redis_addr"),
		Tag:               v.GetString("tag"),
		ComputeTimeout:    v.GetDuration("compute_timeout"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		MetricsAddr:       v.GetString("metrics_addr"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
	}
}
