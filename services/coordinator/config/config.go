package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the coordinator service.
type Config struct {
	LogLevel    string
	InstanceID  string
	HTTPPort    string
	GRPCPort    string
	MetricsAddr string

	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KafkaBrokers  []string
	EventsTopic   string

	TasksFile       string
	CleanupInterval time.Duration
	AdminRateLimit  int
	AdminRateWindow time.Duration
	OTelEndpoint    string
	OTelSampleRatio float64
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:        v.GetString("log_level"),
		InstanceID:      v.GetString("instance_id"),
		HTTPPort:        v.GetString("http_port"),
		GRPCPort:        v.GetString("grpc_port"),
		MetricsAddr:     v.GetString("metrics_addr"),
		PostgresDSN:     v.GetString("postgres_dsn"),
		RedisAddr:       v.GetString("redis_addr"),
		RedisPassword:   v.GetString("redis_password"),
		RedisDB:         v.GetInt("redis_db"),
		KafkaBrokers:    splitList(v.GetString("kafka_brokers")),
		EventsTopic:     v.GetString("events_topic"),
		TasksFile:       v.GetString("tasks_file"),
		CleanupInterval: v.GetDuration("cleanup_interval"),
		AdminRateLimit:  v.GetInt("admin_rate_limit"),
		AdminRateWindow: v.GetDuration("admin_rate_window"),
		OTelEndpoint:    v.GetString("otel_endpoint"),
		OTelSampleRatio: v.GetFloat64("otel_sample_ratio"),
	}
}

// splitList parses a comma-separated list, dropping blanks. An empty string
// yields nil so optional integrations stay disabled.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
