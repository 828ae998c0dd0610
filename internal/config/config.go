package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Database
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// Redis (idempotency cache)
	RedisURL string `envconfig:"REDIS_URL" default:""`

	// Queue
	QueueURL        string `envconfig:"QUEUE_URL" required:"true"`
	QueueStream     string `envconfig:"QUEUE_STREAM" default:"NOTIFICATIONS"`
	QueueDLQURL     string `envconfig:"QUEUE_DLQ_URL" default:"notifications.dlq"`
	MaxReceiveCount int    `envconfig:"QUEUE_MAX_RECEIVE_COUNT" default:"3"`

	// Provider (WhatsApp Business API)
	ProviderBaseURL       string `envconfig:"PROVIDER_BASE_URL" default:"https://graph.facebook.com"`
	ProviderAPIVersion    string `envconfig:"PROVIDER_API_VERSION" default:"v18.0"`
	ProviderPhoneNumberID string `envconfig:"PROVIDER_PHONE_NUMBER_ID" default:""`
	ProviderAccessToken   string `envconfig:"PROVIDER_ACCESS_TOKEN" default:""`
	ProviderTimeoutMS     int    `envconfig:"PROVIDER_TIMEOUT_MS" default:"30000"`

	// Authentication. Entries are "key" or "key:tenant"; a bare key maps
	// to the default tenant.
	APIKeys       []string `envconfig:"API_KEYS" default:""`
	DefaultTenant string   `envconfig:"DEFAULT_TENANT" default:"default"`

	// Rate limiting
	RateLimitRecipientPerHour int `envconfig:"RATE_LIMIT_RECIPIENT_PER_HOUR" default:"10"`
	RateLimitTenantPerMinute  int `envconfig:"RATE_LIMIT_TENANT_PER_MINUTE" default:"100"`
	RateLimitRetentionDays    int `envconfig:"RATE_LIMIT_RETENTION_DAYS" default:"7"`

	// Worker
	WorkerConcurrency        int `envconfig:"WORKER_CONCURRENCY" default:"10"`
	WorkerVisibilityTimeoutS int `envconfig:"WORKER_VISIBILITY_TIMEOUT_S" default:"30"`
	WorkerReceiveWaitS       int `envconfig:"WORKER_RECEIVE_WAIT_S" default:"20"`
	ShutdownGraceS           int `envconfig:"SHUTDOWN_GRACE_S" default:"30"`

	// Sweepers
	RetrySweepIntervalMS     int `envconfig:"RETRY_SWEEP_INTERVAL_MS" default:"60000"`
	ScheduledSweepIntervalMS int `envconfig:"SCHEDULED_SWEEP_INTERVAL_MS" default:"30000"`
	SweepBatchLimit          int `envconfig:"SWEEP_BATCH_LIMIT" default:"100"`

	// Retry policy
	RetryBaseDelay time.Duration `envconfig:"RETRY_BASE_DELAY" default:"60s"`
	RetryMaxDelay  time.Duration `envconfig:"RETRY_MAX_DELAY" default:"1h"`
	MaxAttempts    int           `envconfig:"MAX_ATTEMPTS" default:"5"`

	// Webhooks
	WebhookVerifyToken string `envconfig:"WEBHOOK_VERIFY_TOKEN" default:""`
	WebhookAppSecret   string `envconfig:"WEBHOOK_APP_SECRET" default:""`

	// Observability
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutMS) * time.Millisecond
}

func (c *Config) VisibilityTimeout() time.Duration {
	return time.Duration(c.WorkerVisibilityTimeoutS) * time.Second
}

func (c *Config) ReceiveWait() time.Duration {
	return time.Duration(c.WorkerReceiveWaitS) * time.Second
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceS) * time.Second
}

func (c *Config) RetrySweepInterval() time.Duration {
	return time.Duration(c.RetrySweepIntervalMS) * time.Millisecond
}

func (c *Config) ScheduledSweepInterval() time.Duration {
	return time.Duration(c.ScheduledSweepIntervalMS) * time.Millisecond
}

func (c *Config) RateLimitRetention() time.Duration {
	return time.Duration(c.RateLimitRetentionDays) * 24 * time.Hour
}
