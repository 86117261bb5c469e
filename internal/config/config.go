package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the avatar gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8606"`

	// Avatar registry storage
	RegistryBackend string `envconfig:"REGISTRY_BACKEND" default:"redis"` // redis, memory
	RedisAddr       string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword   string `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB         int    `envconfig:"REDIS_DB" default:"0"`
	RedisKey        string `envconfig:"REDIS_KEY" default:"avatar:configs"` // Hash holding one JSON config per avatar

	// Lip-sync (visual) backend
	LipsyncURL     string `envconfig:"LIPSYNC_URL" default:"http://localhost:8615"`
	LipsyncTimeout int    `envconfig:"LIPSYNC_TIMEOUT" default:"120"` // seconds; avatar creation is slow
	DefaultRefFile string `envconfig:"DEFAULT_REF_FILE" default:"ref_audio/complete_silence.wav"`

	// Synthesis backends
	ModelsFile        string `envconfig:"MODELS_FILE" default:""` // Optional YAML model table
	TTSHost           string `envconfig:"TTS_HOST" default:"127.0.0.1"`
	TTSRequestTimeout int    `envconfig:"TTS_REQUEST_TIMEOUT" default:"60"`      // seconds
	StartupTimeout    int    `envconfig:"TTS_STARTUP_TIMEOUT" default:"90"`      // seconds until /health must answer
	ProbeInterval     int    `envconfig:"TTS_PROBE_INTERVAL" default:"250"`      // initial probe backoff in milliseconds
	ProbeMaxInterval  int    `envconfig:"TTS_PROBE_MAX_INTERVAL" default:"2000"` // probe backoff cap in milliseconds
	StopGracePeriod   int    `envconfig:"TTS_STOP_GRACE" default:"5"`            // seconds between terminate and kill
	ShutdownTimeout   int    `envconfig:"TTS_SHUTDOWN_TIMEOUT" default:"15"`     // seconds until port must be free

	// LLM source
	LLMProvider  string `envconfig:"LLM_PROVIDER" default:"local"` // local, openai
	LLMURL       string `envconfig:"LLM_URL" default:"http://localhost:8610/chat/stream"`
	OpenAIAPIKey string `envconfig:"OPENAI_API_KEY" default:""`
	OpenAIModel  string `envconfig:"OPENAI_MODEL" default:"gpt-4o-mini"`
	OpenAIURL    string `envconfig:"OPENAI_BASE_URL" default:""` // Optional OpenAI-compatible endpoint

	// Segmentation of the LLM stream
	SegmentWordsPerChunk int `envconfig:"SEGMENT_WORDS_PER_CHUNK" default:"5"`
	SegmentMinChars      int `envconfig:"SEGMENT_MIN_CHARS" default:"10"`

	// Reference media storage
	MediaBackend string `envconfig:"MEDIA_BACKEND" default:"disk"` // disk, s3
	MediaDir     string `envconfig:"MEDIA_DIR" default:"data/avatars"`
	S3Endpoint   string `envconfig:"S3_HOSTNAME" default:""`
	S3Region     string `envconfig:"S3_REGION" default:"auto"`
	S3Bucket     string `envconfig:"S3_BUCKET" default:""`
	S3AccessKey  string `envconfig:"S3_ACCESS" default:""`
	S3SecretKey  string `envconfig:"S3_SECRET" default:""`

	// Preview cache
	PreviewCacheTTL int `envconfig:"PREVIEW_CACHE_TTL" default:"60"` // seconds

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Read-only lip-sync calls only
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field requirements that struct tags cannot express
func (c *Config) Validate() error {
	switch c.RegistryBackend {
	case "redis", "memory":
	default:
		return fmt.Errorf("REGISTRY_BACKEND must be redis or memory, got %q", c.RegistryBackend)
	}

	switch c.LLMProvider {
	case "local":
		if c.LLMURL == "" {
			return fmt.Errorf("LLM_URL is required when LLM_PROVIDER=local")
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when LLM_PROVIDER=openai")
		}
	default:
		return fmt.Errorf("LLM_PROVIDER must be local or openai, got %q", c.LLMProvider)
	}

	switch c.MediaBackend {
	case "disk":
		if c.MediaDir == "" {
			return fmt.Errorf("MEDIA_DIR is required when MEDIA_BACKEND=disk")
		}
	case "s3":
		if c.S3Bucket == "" || c.S3AccessKey == "" || c.S3SecretKey == "" {
			return fmt.Errorf("S3_BUCKET, S3_ACCESS and S3_SECRET are required when MEDIA_BACKEND=s3")
		}
	default:
		return fmt.Errorf("MEDIA_BACKEND must be disk or s3, got %q", c.MediaBackend)
	}

	if c.SegmentWordsPerChunk <= 0 {
		return fmt.Errorf("SEGMENT_WORDS_PER_CHUNK must be positive")
	}
	if c.SegmentMinChars < 0 {
		return fmt.Errorf("SEGMENT_MIN_CHARS must not be negative")
	}
	if c.StartupTimeout <= 0 || c.ShutdownTimeout <= 0 {
		return fmt.Errorf("TTS_STARTUP_TIMEOUT and TTS_SHUTDOWN_TIMEOUT must be positive")
	}

	return nil
}

// StartupTimeoutDuration returns the readiness deadline for a spawned backend
func (c *Config) StartupTimeoutDuration() time.Duration {
	return time.Duration(c.StartupTimeout) * time.Second
}

// ShutdownTimeoutDuration returns the deadline for a stopped backend's port to be freed
func (c *Config) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

// StopGraceDuration returns the delay between terminate and kill
func (c *Config) StopGraceDuration() time.Duration {
	return time.Duration(c.StopGracePeriod) * time.Second
}

// ProbeIntervalDuration returns the initial readiness probe backoff
func (c *Config) ProbeIntervalDuration() time.Duration {
	return time.Duration(c.ProbeInterval) * time.Millisecond
}

// ProbeMaxIntervalDuration returns the probe backoff cap
func (c *Config) ProbeMaxIntervalDuration() time.Duration {
	return time.Duration(c.ProbeMaxInterval) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
