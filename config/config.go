// Package config assembles orchestrator configuration from defaults,
// environment variables, and functional options, in that priority order —
// the same three-layer approach the rest of the stack uses for its own
// configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/approvalflow/orchestrator/core"
)

// Config holds every tunable named in the external interface: database
// connection, HMAC signing key, default timeouts, retry/backoff defaults,
// bus capacity, circuit breaker thresholds, and server bind address.
type Config struct {
	DatabaseURL string
	SecretKey   string

	HTTPAddr string

	DefaultApprovalTimeout time.Duration
	TimeoutSweepInterval   time.Duration

	RetryInitialBackoff time.Duration
	RetryMultiplier     float64
	RetryMaxBackoff     time.Duration
	MaxRollbackCount    int

	BusQueueCapacity int
	BusMaxRetries    int

	CircuitBreakerFailureThreshold int
	CircuitBreakerOpenDuration     time.Duration

	CallbackTokenReplayWindow time.Duration

	MaxRetryAttempts     int
	IdempotencyKeyExpiry time.Duration

	CallbackBaseURL string
	SlackBotToken   string
	SlackChannel    string
	SlackSigningKey string

	WorkflowTemplatesPath string

	LogFormat      string
	TracingEnabled bool
}

// Option mutates a Config during construction. Applied after defaults and
// environment variables, so options take final priority.
type Option func(*Config) error

// defaults returns the baseline configuration before env/options are
// layered on.
func defaults() Config {
	return Config{
		HTTPAddr:                       ":8080",
		DefaultApprovalTimeout:         1 * time.Hour,
		TimeoutSweepInterval:           10 * time.Second,
		RetryInitialBackoff:            1 * time.Second,
		RetryMultiplier:                2.0,
		RetryMaxBackoff:                60 * time.Second,
		MaxRollbackCount:               3,
		BusQueueCapacity:               1000,
		BusMaxRetries:                  3,
		CircuitBreakerFailureThreshold: 5,
		CircuitBreakerOpenDuration:     60 * time.Second,
		CallbackTokenReplayWindow:      300 * time.Second,
		MaxRetryAttempts:               3,
		IdempotencyKeyExpiry:           24 * time.Hour,
		LogFormat:                      "text",
	}
}

// Load builds a Config from defaults, then ORCH_-prefixed environment
// variables, then opts, validating the result before returning it.
func Load(opts ...Option) (*Config, error) {
	cfg := defaults()

	cfg.DatabaseURL = os.Getenv("ORCH_DATABASE_URL")
	cfg.SecretKey = os.Getenv("SECRET_KEY")
	cfg.CallbackBaseURL = os.Getenv("ORCH_CALLBACK_BASE_URL")
	cfg.SlackBotToken = os.Getenv("ORCH_SLACK_BOT_TOKEN")
	cfg.SlackChannel = os.Getenv("ORCH_SLACK_CHANNEL")
	cfg.SlackSigningKey = os.Getenv("ORCH_SLACK_SIGNING_SECRET")
	cfg.WorkflowTemplatesPath = os.Getenv("ORCH_WORKFLOW_TEMPLATES")

	if v := os.Getenv("ORCH_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v, err := envSeconds("ORCH_DEFAULT_APPROVAL_TIMEOUT_SECONDS"); err != nil {
		return nil, err
	} else if v > 0 {
		cfg.DefaultApprovalTimeout = v
	}
	if v, err := envSeconds("ORCH_TIMEOUT_SWEEP_INTERVAL_SECONDS"); err != nil {
		return nil, err
	} else if v > 0 {
		cfg.TimeoutSweepInterval = v
	}
	if v, err := envSeconds("ORCH_RETRY_INITIAL_BACKOFF_SECONDS"); err != nil {
		return nil, err
	} else if v > 0 {
		cfg.RetryInitialBackoff = v
	}
	if v, err := envFloat("ORCH_RETRY_MULTIPLIER"); err != nil {
		return nil, err
	} else if v > 0 {
		cfg.RetryMultiplier = v
	}
	if v, err := envSeconds("ORCH_RETRY_MAX_BACKOFF_SECONDS"); err != nil {
		return nil, err
	} else if v > 0 {
		cfg.RetryMaxBackoff = v
	}
	if v, err := envInt("ORCH_MAX_ROLLBACK_COUNT"); err != nil {
		return nil, err
	} else if v > 0 {
		cfg.MaxRollbackCount = v
	}
	if v, err := envInt("ORCH_BUS_QUEUE_CAPACITY"); err != nil {
		return nil, err
	} else if v > 0 {
		cfg.BusQueueCapacity = v
	}
	if v, err := envInt("ORCH_BUS_MAX_RETRIES"); err != nil {
		return nil, err
	} else if v > 0 {
		cfg.BusMaxRetries = v
	}
	if v, err := envInt("ORCH_CIRCUIT_BREAKER_FAILURE_THRESHOLD"); err != nil {
		return nil, err
	} else if v > 0 {
		cfg.CircuitBreakerFailureThreshold = v
	}
	if v, err := envSeconds("ORCH_CIRCUIT_BREAKER_OPEN_SECONDS"); err != nil {
		return nil, err
	} else if v > 0 {
		cfg.CircuitBreakerOpenDuration = v
	}
	if v, err := envSeconds("ORCH_CALLBACK_TOKEN_REPLAY_WINDOW_SECONDS"); err != nil {
		return nil, err
	} else if v > 0 {
		cfg.CallbackTokenReplayWindow = v
	}
	if v, err := envInt("ORCH_MAX_RETRY_ATTEMPTS"); err != nil {
		return nil, err
	} else if v > 0 {
		cfg.MaxRetryAttempts = v
	}
	if v, err := envInt("ORCH_IDEMPOTENCY_KEY_EXPIRY_HOURS"); err != nil {
		return nil, err
	} else if v > 0 {
		cfg.IdempotencyKeyExpiry = time.Duration(v) * time.Hour
	}
	if v := os.Getenv("ORCH_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	} else if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		cfg.LogFormat = "json"
	}
	cfg.TracingEnabled = os.Getenv("ORCH_TRACING_ENABLED") == "true"

	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate refuses to start the process with a missing signing key or
// database URL; these have no safe defaults.
func (c *Config) Validate() error {
	if c.SecretKey == "" {
		return &core.ValidationError{Field: "SECRET_KEY", Message: "required, has no default"}
	}
	if len(c.SecretKey) < 16 {
		return &core.ValidationError{Field: "SECRET_KEY", Message: "must be at least 16 bytes"}
	}
	if c.DatabaseURL == "" {
		return &core.ValidationError{Field: "ORCH_DATABASE_URL", Message: "required, has no default"}
	}
	if c.MaxRollbackCount <= 0 {
		return &core.ValidationError{Field: "ORCH_MAX_ROLLBACK_COUNT", Message: "must be positive"}
	}
	if c.BusQueueCapacity <= 0 {
		return &core.ValidationError{Field: "ORCH_BUS_QUEUE_CAPACITY", Message: "must be positive"}
	}
	return nil
}

// WithDatabaseURL overrides the database connection string.
func WithDatabaseURL(url string) Option {
	return func(c *Config) error { c.DatabaseURL = url; return nil }
}

// WithSecretKey overrides the HMAC signing key.
func WithSecretKey(key string) Option {
	return func(c *Config) error { c.SecretKey = key; return nil }
}

// WithHTTPAddr overrides the HTTP bind address.
func WithHTTPAddr(addr string) Option {
	return func(c *Config) error { c.HTTPAddr = addr; return nil }
}

// WithDefaultApprovalTimeout overrides the default approval expiry window.
func WithDefaultApprovalTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return &core.ValidationError{Field: "DefaultApprovalTimeout", Message: "must be positive"}
		}
		c.DefaultApprovalTimeout = d
		return nil
	}
}

// WithMaxRollbackCount overrides the per-workflow rollback attempt limit.
func WithMaxRollbackCount(n int) Option {
	return func(c *Config) error {
		if n <= 0 {
			return &core.ValidationError{Field: "MaxRollbackCount", Message: "must be positive"}
		}
		c.MaxRollbackCount = n
		return nil
	}
}

func envSeconds(name string) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return time.Duration(n) * time.Second, nil
}

func envInt(name string) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

func envFloat(name string) (float64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return f, nil
}
