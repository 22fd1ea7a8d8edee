package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	ServiceName string
	HTTPAddr    string
	Database    DatabaseConfig
	Auth        AuthConfig
	TTN         TTNConfig
	MQTT        MQTTConfig
	RabbitMQ    RabbitMQConfig
	Stream      StreamConfig
	Log         LogConfig
	CORSOrigins []string
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL         string
	MaxConns    int32
	AutoMigrate bool
}

// AuthConfig holds webhook and dashboard credentials
type AuthConfig struct {
	WebhookSecret string
	SessionSecret string
	SessionTTL    time.Duration
	AdminUser     string
	AdminPass     string
	SecureCookie  bool
}

// TTNConfig holds The Things Network application API settings used for downlinks
type TTNConfig struct {
	Region  string
	Tenant  string
	AppID   string
	APIKey  string
	BaseURL string
	Timeout time.Duration
}

// MQTTConfig holds the optional TTN MQTT integration settings
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// RabbitMQConfig holds the optional queue ingest and mirror settings
type RabbitMQConfig struct {
	URL              string
	IngestExchange   string
	IngestQueue      string
	IngestRoutingKey string
	WorkerExchange   string
	WorkerRoutingKey string
	DLQQueue         string
	PrefetchCount    int
	PublishTimeout   time.Duration
	MirrorBuffer     int
	RequeueDelay     time.Duration
}

// StreamConfig holds live stream settings
type StreamConfig struct {
	BufferSize        int
	OverflowPolicy    string
	HeartbeatInterval time.Duration
}

// LogConfig holds logger settings
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Enabled reports whether the MQTT ingest transport is configured
func (c MQTTConfig) Enabled() bool { return c.Broker != "" }

// Enabled reports whether RabbitMQ is configured at all
func (c RabbitMQConfig) Enabled() bool { return c.URL != "" }

func setDefaults(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "lorawan-telemetry-hub")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	v.SetDefault("DATABASE_MAX_CONNS", 10)
	v.SetDefault("DB_AUTO_MIGRATE", false)

	v.SetDefault("SESSION_TTL", "12h")
	v.SetDefault("ADMIN_USER", "admin")
	v.SetDefault("ADMIN_PASS", "admin")
	v.SetDefault("SESSION_SECURE_COOKIE", false)

	v.SetDefault("TTN_REGION", "nam1")
	v.SetDefault("TTN_TENANT", "ttn")
	v.SetDefault("TTN_TIMEOUT", "10s")

	v.SetDefault("TTN_MQTT_CLIENT_ID", "lorawan-telemetry-hub")
	v.SetDefault("TTN_MQTT_TOPIC", "v3/+/devices/+/up")
	v.SetDefault("TTN_MQTT_QOS", 1)

	v.SetDefault("RABBITMQ_INGEST_EXCHANGE", "lorawan.ingest.exchange")
	v.SetDefault("RABBITMQ_INGEST_QUEUE", "")
	v.SetDefault("RABBITMQ_INGEST_ROUTING_KEY", "lorawan.uplink.raw")
	v.SetDefault("RABBITMQ_WORKER_EXCHANGE", "lorawan.events.exchange")
	v.SetDefault("RABBITMQ_WORKER_ROUTING_KEY", "lorawan.reading.accepted")
	v.SetDefault("RABBITMQ_DLQ_QUEUE", "lorawan.ingest.dlq")
	v.SetDefault("RABBITMQ_PREFETCH", 10)
	v.SetDefault("RABBITMQ_PUBLISH_TIMEOUT", "2s")
	v.SetDefault("RABBITMQ_MIRROR_BUFFER", 1024)
	v.SetDefault("RABBITMQ_REQUEUE_DELAY", "2s")

	v.SetDefault("STREAM_BUFFER_SIZE", 64)
	v.SetDefault("STREAM_OVERFLOW_POLICY", "drop_oldest")
	v.SetDefault("STREAM_HEARTBEAT_INTERVAL", "15s")

	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_MAX_SIZE_MB", 100)
	v.SetDefault("LOG_MAX_BACKUPS", 5)
	v.SetDefault("LOG_MAX_AGE_DAYS", 28)
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	webhookSecret := v.GetString("WEBHOOK_SECRET")
	sessionSecret := v.GetString("SESSION_SECRET")
	if sessionSecret == "" {
		sessionSecret = webhookSecret
	}

	cfg := &Config{
		ServiceName: v.GetString("SERVICE_NAME"),
		HTTPAddr:    v.GetString("HTTP_ADDR"),
		CORSOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
		Database: DatabaseConfig{
			URL:         v.GetString("DATABASE_URL"),
			MaxConns:    v.GetInt32("DATABASE_MAX_CONNS"),
			AutoMigrate: v.GetBool("DB_AUTO_MIGRATE"),
		},
		Auth: AuthConfig{
			WebhookSecret: webhookSecret,
			SessionSecret: sessionSecret,
			SessionTTL:    v.GetDuration("SESSION_TTL"),
			AdminUser:     v.GetString("ADMIN_USER"),
			AdminPass:     v.GetString("ADMIN_PASS"),
			SecureCookie:  v.GetBool("SESSION_SECURE_COOKIE"),
		},
		TTN: TTNConfig{
			Region:  v.GetString("TTN_REGION"),
			Tenant:  v.GetString("TTN_TENANT"),
			AppID:   v.GetString("TTN_APP_ID"),
			APIKey:  v.GetString("TTN_API_KEY"),
			BaseURL: v.GetString("TTN_BASE_URL"),
			Timeout: v.GetDuration("TTN_TIMEOUT"),
		},
		MQTT: MQTTConfig{
			Broker:   v.GetString("TTN_MQTT_BROKER"),
			ClientID: v.GetString("TTN_MQTT_CLIENT_ID"),
			Username: v.GetString("TTN_MQTT_USERNAME"),
			Password: v.GetString("TTN_MQTT_PASSWORD"),
			Topic:    v.GetString("TTN_MQTT_TOPIC"),
			QoS:      byte(v.GetUint("TTN_MQTT_QOS")),
		},
		RabbitMQ: RabbitMQConfig{
			URL:              v.GetString("RABBITMQ_URL"),
			IngestExchange:   v.GetString("RABBITMQ_INGEST_EXCHANGE"),
			IngestQueue:      v.GetString("RABBITMQ_INGEST_QUEUE"),
			IngestRoutingKey: v.GetString("RABBITMQ_INGEST_ROUTING_KEY"),
			WorkerExchange:   v.GetString("RABBITMQ_WORKER_EXCHANGE"),
			WorkerRoutingKey: v.GetString("RABBITMQ_WORKER_ROUTING_KEY"),
			DLQQueue:         v.GetString("RABBITMQ_DLQ_QUEUE"),
			PrefetchCount:    v.GetInt("RABBITMQ_PREFETCH"),
			PublishTimeout:   v.GetDuration("RABBITMQ_PUBLISH_TIMEOUT"),
			MirrorBuffer:     v.GetInt("RABBITMQ_MIRROR_BUFFER"),
			RequeueDelay:     v.GetDuration("RABBITMQ_REQUEUE_DELAY"),
		},
		Stream: StreamConfig{
			BufferSize:        v.GetInt("STREAM_BUFFER_SIZE"),
			OverflowPolicy:    v.GetString("STREAM_OVERFLOW_POLICY"),
			HeartbeatInterval: v.GetDuration("STREAM_HEARTBEAT_INTERVAL"),
		},
		Log: LogConfig{
			Level:      v.GetString("LOG_LEVEL"),
			File:       v.GetString("LOG_FILE"),
			MaxSizeMB:  v.GetInt("LOG_MAX_SIZE_MB"),
			MaxBackups: v.GetInt("LOG_MAX_BACKUPS"),
			MaxAgeDays: v.GetInt("LOG_MAX_AGE_DAYS"),
		},
	}

	// TTN MQTT usernames are {application id}@{tenant id}
	if cfg.MQTT.Username == "" && cfg.TTN.AppID != "" {
		cfg.MQTT.Username = cfg.TTN.AppID + "@" + cfg.TTN.Tenant
	}

	// Validate required fields
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required but not set in environment variables")
	}
	if cfg.Auth.WebhookSecret == "" {
		return nil, fmt.Errorf("WEBHOOK_SECRET is required but not set in environment variables")
	}
	if cfg.Stream.BufferSize <= 0 {
		return nil, fmt.Errorf("STREAM_BUFFER_SIZE must be positive, got %d", cfg.Stream.BufferSize)
	}
	if cfg.RabbitMQ.MirrorBuffer <= 0 {
		return nil, fmt.Errorf("RABBITMQ_MIRROR_BUFFER must be positive, got %d", cfg.RabbitMQ.MirrorBuffer)
	}
	if cfg.MQTT.QoS > 2 {
		return nil, fmt.Errorf("TTN_MQTT_QOS must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
