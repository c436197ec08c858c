// Package config loads the automation engine's configuration from the
// environment, with sensible defaults for local development.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the automation engine.
type Config struct {
	Port      int
	Version   string
	Store     StoreConfig
	Scheduler SchedulerConfig
	Cadence   HTTPClientConfig
	TokenSvc  HTTPClientConfig
	Transport HTTPClientConfig
	Alert     AlertConfig
	Ledger    LedgerConfig
	Audience  AudienceConfig
	Telemetry TelemetryConfig
	Auth      AuthConfig
}

// StoreConfig configures the recipe store.
type StoreConfig struct {
	DataDir string
}

// SchedulerConfig configures the scheduler and firing worker pool.
type SchedulerConfig struct {
	WorkerPoolSize            int
	BatchConcurrency          int
	MaterializationTimeout    time.Duration
	CadenceFilterTimeout      time.Duration
	TokenFetchTimeout         time.Duration
	TransportTimeout          time.Duration
	TrackingTimeout           time.Duration
	DefaultCancellationWindow time.Duration
}

// HTTPClientConfig is shared shape for the engine's three outbound HTTP clients.
type HTTPClientConfig struct {
	BaseURL string
	Timeout time.Duration
	AuthToken string
}

// AlertConfig configures operator-facing alert delivery.
type AlertConfig struct {
	WebhookURL string
	HMACSecret string
}

// LedgerConfig configures the durable execution ledger.
type LedgerConfig struct {
	Path string
}

// AudienceConfig configures audience script invocation.
type AudienceConfig struct {
	ScriptDir    string
	ArtifactDir  string
	ScriptTimeout time.Duration
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// AuthConfig configures the API key auth provider.
type AuthConfig struct {
	APIKeyHeader string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("AUTOMATION_PORT", 8080),
		Version: envStr("AUTOMATION_VERSION", "0.1.0"),
		Store: StoreConfig{
			DataDir: envStr("AUTOMATION_DATA_DIR", "./data/recipes"),
		},
		Scheduler: SchedulerConfig{
			WorkerPoolSize:            envInt("AUTOMATION_WORKER_POOL_SIZE", 8),
			BatchConcurrency:          envInt("AUTOMATION_BATCH_CONCURRENCY", 2),
			MaterializationTimeout:    envDuration("AUTOMATION_MATERIALIZATION_TIMEOUT", 10*time.Minute),
			CadenceFilterTimeout:      envDuration("AUTOMATION_CADENCE_FILTER_TIMEOUT", 10*time.Second),
			TokenFetchTimeout:         envDuration("AUTOMATION_TOKEN_FETCH_TIMEOUT", 30*time.Second),
			TransportTimeout:          envDuration("AUTOMATION_TRANSPORT_TIMEOUT", 30*time.Second),
			TrackingTimeout:           envDuration("AUTOMATION_TRACKING_TIMEOUT", 5*time.Second),
			DefaultCancellationWindow: envDuration("AUTOMATION_DEFAULT_CANCELLATION_WINDOW", 5*time.Minute),
		},
		Cadence: HTTPClientConfig{
			BaseURL:   envStr("CADENCE_BASE_URL", "http://localhost:9001"),
			Timeout:   envDuration("CADENCE_TIMEOUT", 10*time.Second),
			AuthToken: envStr("CADENCE_AUTH_TOKEN", ""),
		},
		TokenSvc: HTTPClientConfig{
			BaseURL:   envStr("TOKEN_SERVICE_BASE_URL", "http://localhost:9002"),
			Timeout:   envDuration("TOKEN_SERVICE_TIMEOUT", 30*time.Second),
			AuthToken: envStr("TOKEN_SERVICE_AUTH_TOKEN", ""),
		},
		Transport: HTTPClientConfig{
			BaseURL:   envStr("TRANSPORT_BASE_URL", "http://localhost:9003"),
			Timeout:   envDuration("TRANSPORT_TIMEOUT", 30*time.Second),
			AuthToken: envStr("TRANSPORT_AUTH_TOKEN", ""),
		},
		Alert: AlertConfig{
			WebhookURL: envStr("AUTOMATION_ALERT_WEBHOOK_URL", ""),
			HMACSecret: envStr("AUTOMATION_ALERT_HMAC_SECRET", ""),
		},
		Ledger: LedgerConfig{
			Path: envStr("AUTOMATION_LEDGER_PATH", "./data/ledger.db"),
		},
		Audience: AudienceConfig{
			ScriptDir:     envStr("AUTOMATION_SCRIPT_DIR", "./scripts"),
			ArtifactDir:   envStr("AUTOMATION_ARTIFACT_DIR", "./data/artifacts"),
			ScriptTimeout: envDuration("AUTOMATION_SCRIPT_TIMEOUT", 10*time.Minute),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "automation-engine"),
		},
		Auth: AuthConfig{
			APIKeyHeader: envStr("AUTH_API_KEY_HEADER", "Authorization"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
