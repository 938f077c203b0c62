package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the relay daemon.
type Config struct {
	LogLevel     string
	MetricsAddr  string
	OTelEndpoint string

	AdminAddr   string
	AdminAPIKey string

	CallbackURL           string
	CallbackAPIKey        string
	CallbackTimeout       time.Duration
	CallbackMaxAttempts   int
	CallbackBaseDelay     time.Duration
	CallbackQueueDir      string
	CallbackRetryInterval time.Duration
	CBFailThreshold       int
	CBResetTimeout        time.Duration

	PostgresDSN       string
	OutgoingEndpoint  string
	OutgoingAPIKey    string
	OutgoingInterval  time.Duration
	OutgoingBatchSize int
	OutgoingTimeout   time.Duration

	AuditLogPath string
	AuditHMACKey string
	HTTPLogPath  string

	RedisAddr    string
	RedisChannel string

	KafkaBrokers     []string
	KafkaEventsTopic string
	KafkaIntakeTopic string
	KafkaGroupID     string

	RetentionSchedule string
	RetentionMaxAge   time.Duration
}

// SetDefaults registers the default for every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("admin_addr", ":8080")
	v.SetDefault("callback_timeout", 5*time.Second)
	v.SetDefault("callback_max_attempts", 3)
	v.SetDefault("callback_base_delay", time.Second)
	v.SetDefault("callback_queue_dir", "data/callback_queue")
	v.SetDefault("callback_retry_interval", 30*time.Second)
	v.SetDefault("cb_fail_threshold", 5)
	v.SetDefault("cb_reset_timeout", 30*time.Second)
	v.SetDefault("outgoing_interval", 5*time.Second)
	v.SetDefault("outgoing_batch_size", 10)
	v.SetDefault("outgoing_timeout", 8*time.Second)
	v.SetDefault("audit_log_path", "logs/audit.jsonl")
	v.SetDefault("http_log_path", "logs/outgoing_http.jsonl")
	v.SetDefault("redis_channel", "sentinel:events")
	v.SetDefault("kafka_events_topic", "sentinel.events")
	v.SetDefault("kafka_intake_topic", "sentinel.intake")
	v.SetDefault("kafka_group_id", "sentinel-relay")
	v.SetDefault("retention_schedule", "@daily")
	v.SetDefault("retention_max_age", 2160*time.Hour)
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		AdminAddr:   v.GetString("admin_addr"),
		AdminAPIKey: v.GetString("admin_api_key"),

		CallbackURL:           v.GetString("callback_url"),
		CallbackAPIKey:        v.GetString("callback_api_key"),
		CallbackTimeout:       v.GetDuration("callback_timeout"),
		CallbackMaxAttempts:   v.GetInt("callback_max_attempts"),
		CallbackBaseDelay:     v.GetDuration("callback_base_delay"),
		CallbackQueueDir:      v.GetString("callback_queue_dir"),
		CallbackRetryInterval: v.GetDuration("callback_retry_interval"),
		CBFailThreshold:       v.GetInt("cb_fail_threshold"),
		CBResetTimeout:        v.GetDuration("cb_reset_timeout"),

		PostgresDSN:       v.GetString("postgres_dsn"),
		OutgoingEndpoint:  v.GetString("outgoing_endpoint"),
		OutgoingAPIKey:    v.GetString("outgoing_api_key"),
		OutgoingInterval:  v.GetDuration("outgoing_interval"),
		OutgoingBatchSize: v.GetInt("outgoing_batch_size"),
		OutgoingTimeout:   v.GetDuration("outgoing_timeout"),

		AuditLogPath: v.GetString("audit_log_path"),
		AuditHMACKey: v.GetString("audit_hmac_key"),
		HTTPLogPath:  v.GetString("http_log_path"),

		RedisAddr:    v.GetString("redis_addr"),
		RedisChannel: v.GetString("redis_channel"),

		KafkaBrokers:     splitList(v.GetString("kafka_brokers")),
		KafkaEventsTopic: v.GetString("kafka_events_topic"),
		KafkaIntakeTopic: v.GetString("kafka_intake_topic"),
		KafkaGroupID:     v.GetString("kafka_group_id"),

		RetentionSchedule: v.GetString("retention_schedule"),
		RetentionMaxAge:   v.GetDuration("retention_max_age"),
	}
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
