// Package gwconfig loads the gateway's typed settings snapshot: defaults,
// then an optional YAML file, then environment-variable overrides, in that
// priority order.
package gwconfig

import "time"

// Config is the full settings snapshot read once per request. Only the keys
// the gateway core actually consumes are modeled; desktop-shell/UI-only
// settings are out of scope.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Upstream  UpstreamConfig  `yaml:"upstream" env:"UPSTREAM"`
	Failover  FailoverConfig  `yaml:"failover" env:"FAILOVER"`
	Breaker   BreakerConfig   `yaml:"breaker" env:"BREAKER"`
	Rectifier RectifierConfig `yaml:"rectifier" env:"RECTIFIER"`
	Fixer     FixerConfig     `yaml:"fixer" env:"FIXER"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
}

// ServerConfig controls HTTP listen behavior and port-retry on EADDRINUSE.
type ServerConfig struct {
	PreferredPort   int           `yaml:"preferred_port" env:"PREFERRED_PORT"`
	MaxPort         int           `yaml:"max_port" env:"MAX_PORT"`
	BindAddr        string        `yaml:"bind_addr" env:"BIND_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" env:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
}

// UpstreamConfig controls timeouts and caches on the north-facing side.
type UpstreamConfig struct {
	FirstByteTimeout          time.Duration `yaml:"first_byte_timeout_seconds" env:"FIRST_BYTE_TIMEOUT_SECONDS"`
	StreamIdleTimeout         time.Duration `yaml:"stream_idle_timeout_seconds" env:"STREAM_IDLE_TIMEOUT_SECONDS"`
	NonStreamingRequestTimeout time.Duration `yaml:"request_timeout_non_streaming_seconds" env:"REQUEST_TIMEOUT_NON_STREAMING_SECONDS"`
	ProviderCooldown          time.Duration `yaml:"provider_cooldown_seconds" env:"PROVIDER_COOLDOWN_SECONDS"`
	BaseURLPingCacheTTL       time.Duration `yaml:"base_url_ping_cache_ttl_seconds" env:"BASE_URL_PING_CACHE_TTL_SECONDS"`
	BaseURLPingTimeout        time.Duration `yaml:"base_url_ping_timeout_seconds" env:"BASE_URL_PING_TIMEOUT_SECONDS"`
	UserAgent                 string        `yaml:"user_agent" env:"USER_AGENT"`
}

// FailoverConfig bounds the failover loop's attempt fan-out.
type FailoverConfig struct {
	MaxAttemptsPerProvider int  `yaml:"max_attempts_per_provider" env:"MAX_ATTEMPTS_PER_PROVIDER"`
	MaxProvidersToTry      int  `yaml:"max_providers_to_try" env:"MAX_PROVIDERS_TO_TRY"`
	BootstrapRetryDelay    time.Duration `yaml:"bootstrap_retry_delay" env:"BOOTSTRAP_RETRY_DELAY"`
	BootstrapMaxRetries    int  `yaml:"bootstrap_max_retries" env:"BOOTSTRAP_MAX_RETRIES"`
}

// BreakerConfig configures the per-provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold   int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	OpenDuration        time.Duration `yaml:"open_duration_minutes" env:"OPEN_DURATION_MINUTES"`
}

// RectifierConfig toggles the request-side body rewriters.
type RectifierConfig struct {
	InterceptAnthropicWarmupRequests bool `yaml:"intercept_anthropic_warmup_requests" env:"INTERCEPT_ANTHROPIC_WARMUP_REQUESTS"`
	EnableThinkingSignature          bool `yaml:"enable_thinking_signature_rectifier" env:"ENABLE_THINKING_SIGNATURE_RECTIFIER"`
	EnableCodexSessionIDCompletion   bool `yaml:"enable_codex_session_id_completion" env:"ENABLE_CODEX_SESSION_ID_COMPLETION"`
}

// FixerConfig toggles the response-fixer passes.
type FixerConfig struct {
	Enabled          bool `yaml:"enable_response_fixer" env:"ENABLE_RESPONSE_FIXER"`
	FixEncoding      bool `yaml:"fix_encoding" env:"FIX_ENCODING"`
	FixSSEFormat     bool `yaml:"fix_sse_format" env:"FIX_SSE_FORMAT"`
	FixTruncatedJSON bool `yaml:"fix_truncated_json" env:"FIX_TRUNCATED_JSON"`
	MaxJSONDepth     int  `yaml:"max_json_depth" env:"MAX_JSON_DEPTH"`
	MaxFixSize       int  `yaml:"max_fix_size" env:"MAX_FIX_SIZE"`
}

// LogConfig controls zap's level, encoding, and output sinks.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
	RetentionDays    int      `yaml:"retention_days" env:"RETENTION_DAYS"`
}

// TelemetryConfig controls OTel SDK bring-up.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DatabaseConfig selects the sql driver and holds its connection
// parameters, plus the DSN() helper the store package depends on.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// DSN returns the database/sql connection string for the configured driver.
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return "host=" + d.Host + " user=" + d.User + " password=" + d.Password +
			" dbname=" + d.Name + " sslmode=" + d.SSLMode
	case "mysql":
		return d.User + ":" + d.Password + "@tcp(" + d.Host + ")/" + d.Name + "?parseTime=true"
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// DefaultConfig returns the gateway's built-in defaults, matching the
// constants named throughout the specification.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			PreferredPort:   8317,
			MaxPort:         8417,
			BindAddr:        "127.0.0.1",
			ReadTimeout:     0, // streaming responses must not be cut off
			WriteTimeout:    0,
			IdleTimeout:     120 * time.Second,
			MaxHeaderBytes:  1 << 20,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    25 << 20,
			MetricsPort:     9317,
		},
		Upstream: UpstreamConfig{
			FirstByteTimeout:           30 * time.Second,
			StreamIdleTimeout:          60 * time.Second,
			NonStreamingRequestTimeout: 120 * time.Second,
			ProviderCooldown:           60 * time.Second,
			BaseURLPingCacheTTL:        30 * time.Second,
			BaseURLPingTimeout:         3 * time.Second,
			UserAgent:                  "aio-gateway/1.0",
		},
		Failover: FailoverConfig{
			MaxAttemptsPerProvider: 2,
			MaxProvidersToTry:      5,
			BootstrapRetryDelay:    500 * time.Millisecond,
			BootstrapMaxRetries:    2,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			OpenDuration:     2 * time.Minute,
		},
		Rectifier: RectifierConfig{
			InterceptAnthropicWarmupRequests: true,
			EnableThinkingSignature:          true,
			EnableCodexSessionIDCompletion:   true,
		},
		Fixer: FixerConfig{
			Enabled:          true,
			FixEncoding:      true,
			FixSSEFormat:     true,
			FixTruncatedJSON: true,
			MaxJSONDepth:     64,
			MaxFixSize:       1 << 20,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
			RetentionDays: 30,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "aio-gateway",
			SampleRate:  0.1,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Name:   "gateway.db",
		},
	}
}

// Validate checks the snapshot for internally-inconsistent values.
func (c *Config) Validate() error {
	var errs []string
	if c.Server.PreferredPort <= 0 || c.Server.PreferredPort > 65535 {
		errs = append(errs, "invalid preferred_port")
	}
	if c.Server.MaxPort < c.Server.PreferredPort {
		errs = append(errs, "max_port must be >= preferred_port")
	}
	if c.Failover.MaxAttemptsPerProvider <= 0 {
		errs = append(errs, "max_attempts_per_provider must be positive")
	}
	if c.Failover.MaxProvidersToTry <= 0 {
		errs = append(errs, "max_providers_to_try must be positive")
	}
	if c.Breaker.FailureThreshold <= 0 {
		errs = append(errs, "breaker.failure_threshold must be positive")
	}
	if len(errs) > 0 {
		return &validationError{errs}
	}
	return nil
}

type validationError struct{ errs []string }

func (e *validationError) Error() string {
	msg := "config validation errors: "
	for i, s := range e.errs {
		if i > 0 {
			msg += "; "
		}
		msg += s
	}
	return msg
}
