// Package config provides configuration loading and validation for the capsule service.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Blob backends.
const (
	BlobBackendS3     = "s3"
	BlobBackendGCS    = "gcs"
	BlobBackendMemory = "memory"
)

// Config holds all configuration values for the capsule service.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Storage
	DatabaseURL string `koanf:"database_url"`
	RedisURL    string `koanf:"redis_url"` // optional; access windows stay in memory without it

	// Blob store
	BlobBackend       string `koanf:"blob_backend"`
	R2BucketName      string `koanf:"r2_bucket_name"`
	R2AccessKeyID     string `koanf:"r2_access_key_id"`
	R2SecretAccessKey string `koanf:"r2_secret_access_key"`
	R2Endpoint        string `koanf:"r2_endpoint"`
	S3Region          string `koanf:"s3_region"`
	GCSBucket         string `koanf:"gcs_bucket"`
	Compression       string `koanf:"compression"` // none or zstd

	// Collaborators
	SealerURL          string `koanf:"sealer_url"`
	SealerThreshold    int    `koanf:"sealer_threshold"`
	ServiceTokenSecret string `koanf:"service_token_secret"`
	AnchorURL          string `koanf:"anchor_url"` // optional

	// Unlock phrases
	UnlockPhraseSecret string `koanf:"unlock_phrase_secret"`
	UnlockCodeTTLDays  int    `koanf:"unlock_code_ttl_days"`

	// Resilience
	BreakerFailureThreshold    int `koanf:"breaker_failure_threshold"`
	BreakerSuccessThreshold    int `koanf:"breaker_success_threshold"`
	BreakerResetTimeoutSeconds int `koanf:"breaker_reset_timeout_seconds"`
	RetryMaxAttempts           int `koanf:"retry_max_attempts"`
	RetryInitialDelayMS        int `koanf:"retry_initial_delay_ms"`
	RetryMaxDelayMS            int `koanf:"retry_max_delay_ms"`

	// Background verification
	VerifyQueueSize int `koanf:"verify_queue_size"`
	VerifyWorkers   int `koanf:"verify_workers"`

	// Policy
	QuorumFailClosed bool `koanf:"quorum_fail_closed"`

	// Tracing
	TracingEnabled      bool    `koanf:"tracing_enabled"`
	TracingExporterType string  `koanf:"tracing_exporter_type"`
	TracingOTLPEndpoint string  `koanf:"tracing_otlp_endpoint"`
	TracingSampleRate   float64 `koanf:"tracing_sample_rate"`
	TracingInsecure     bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL        = errors.New("DATABASE_URL is required")
	ErrMissingSealerURL          = errors.New("SEALER_URL is required")
	ErrMissingServiceTokenSecret = errors.New("SERVICE_TOKEN_SECRET is required")
	ErrShortServiceTokenSecret   = errors.New("SERVICE_TOKEN_SECRET must be at least 32 characters")
	ErrMissingUnlockPhraseSecret = errors.New("UNLOCK_PHRASE_SECRET is required")
	ErrInvalidBlobBackend        = errors.New("BLOB_BACKEND must be one of s3, gcs, memory")
	ErrMissingR2BucketName       = errors.New("R2_BUCKET_NAME is required")
	ErrMissingR2AccessKeyID      = errors.New("R2_ACCESS_KEY_ID is required")
	ErrMissingR2SecretAccessKey  = errors.New("R2_SECRET_ACCESS_KEY is required")
	ErrMissingGCSBucket          = errors.New("GCS_BUCKET is required")
	ErrMemoryBackendInProduction = errors.New("BLOB_BACKEND=memory is not allowed in production")
	ErrInvalidCompression        = errors.New("COMPRESSION must be none or zstd")
	ErrInvalidSealerThreshold    = errors.New("SEALER_THRESHOLD must be at least 1")
	ErrInvalidSampleRate         = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidPort               = errors.New("PORT must be a valid integer")
	ErrInvalidInteger            = errors.New("value must be a valid integer")
)

// Default values for non-secret configuration.
const (
	DefaultPort                       = 8080
	DefaultEnv                        = "development"
	DefaultBlobBackend                = BlobBackendS3
	DefaultS3Region                   = "auto"
	DefaultCompression                = "none"
	DefaultSealerThreshold            = 2
	DefaultUnlockCodeTTLDays          = 365
	DefaultBreakerFailureThreshold    = 5
	DefaultBreakerSuccessThreshold    = 2
	DefaultBreakerResetTimeoutSeconds = 60
	DefaultRetryMaxAttempts           = 3
	DefaultRetryInitialDelayMS        = 1000
	DefaultRetryMaxDelayMS            = 10000
	DefaultVerifyQueueSize            = 256
	DefaultVerifyWorkers              = 4
	DefaultTracingExporterType        = "otlp-http"
	DefaultTracingSampleRate          = 0.1

	minServiceTokenSecretLength = 32
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	port, portErr := getEnvIntOrDefaultMulti([]string{"CAPSULE_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	sampleRate, sampleErr := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k.Float64("tracing_sample_rate"), DefaultTracingSampleRate)
	if sampleErr != nil {
		loadErrs = append(loadErrs, sampleErr)
	}

	cfg := &Config{
		Port:                port,
		Env:                 getEnvOrDefaultMulti([]string{"CAPSULE_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:         getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:            getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		BlobBackend:         strings.ToLower(getEnvOrDefault("BLOB_BACKEND", k.String("blob_backend"), DefaultBlobBackend)),
		R2BucketName:        getEnvOrKoanf("R2_BUCKET_NAME", k, "r2_bucket_name"),
		R2AccessKeyID:       getEnvOrKoanf("R2_ACCESS_KEY_ID", k, "r2_access_key_id"),
		R2SecretAccessKey:   getEnvOrKoanf("R2_SECRET_ACCESS_KEY", k, "r2_secret_access_key"),
		R2Endpoint:          getEnvOrKoanf("R2_ENDPOINT", k, "r2_endpoint"),
		S3Region:            getEnvOrDefault("S3_REGION", k.String("s3_region"), DefaultS3Region),
		GCSBucket:           getEnvOrKoanf("GCS_BUCKET", k, "gcs_bucket"),
		Compression:         strings.ToLower(getEnvOrDefault("COMPRESSION", k.String("compression"), DefaultCompression)),
		SealerURL:           getEnvOrKoanf("SEALER_URL", k, "sealer_url"),
		ServiceTokenSecret:  getEnvOrKoanf("SERVICE_TOKEN_SECRET", k, "service_token_secret"),
		AnchorURL:           getEnvOrKoanf("ANCHOR_URL", k, "anchor_url"),
		UnlockPhraseSecret:  getEnvOrKoanf("UNLOCK_PHRASE_SECRET", k, "unlock_phrase_secret"),
		QuorumFailClosed:    getEnvBoolOrKoanf("QUORUM_FAIL_CLOSED", k, "quorum_fail_closed"),
		TracingEnabled:      getEnvBoolOrKoanf("TRACING_ENABLED", k, "tracing_enabled"),
		TracingExporterType: getEnvOrDefault("TRACING_EXPORTER_TYPE", k.String("tracing_exporter_type"), DefaultTracingExporterType),
		TracingOTLPEndpoint: getEnvOrKoanf("TRACING_OTLP_ENDPOINT", k, "tracing_otlp_endpoint"),
		TracingSampleRate:   sampleRate,
		TracingInsecure:     getEnvBoolOrKoanf("TRACING_INSECURE", k, "tracing_insecure"),
	}

	ints := []struct {
		env string
		key string
		def int
		dst *int
	}{
		{"SEALER_THRESHOLD", "sealer_threshold", DefaultSealerThreshold, &cfg.SealerThreshold},
		{"UNLOCK_CODE_TTL_DAYS", "unlock_code_ttl_days", DefaultUnlockCodeTTLDays, &cfg.UnlockCodeTTLDays},
		{"BREAKER_FAILURE_THRESHOLD", "breaker_failure_threshold", DefaultBreakerFailureThreshold, &cfg.BreakerFailureThreshold},
		{"BREAKER_SUCCESS_THRESHOLD", "breaker_success_threshold", DefaultBreakerSuccessThreshold, &cfg.BreakerSuccessThreshold},
		{"BREAKER_RESET_TIMEOUT_SECONDS", "breaker_reset_timeout_seconds", DefaultBreakerResetTimeoutSeconds, &cfg.BreakerResetTimeoutSeconds},
		{"RETRY_MAX_ATTEMPTS", "retry_max_attempts", DefaultRetryMaxAttempts, &cfg.RetryMaxAttempts},
		{"RETRY_INITIAL_DELAY_MS", "retry_initial_delay_ms", DefaultRetryInitialDelayMS, &cfg.RetryInitialDelayMS},
		{"RETRY_MAX_DELAY_MS", "retry_max_delay_ms", DefaultRetryMaxDelayMS, &cfg.RetryMaxDelayMS},
		{"VERIFY_QUEUE_SIZE", "verify_queue_size", DefaultVerifyQueueSize, &cfg.VerifyQueueSize},
		{"VERIFY_WORKERS", "verify_workers", DefaultVerifyWorkers, &cfg.VerifyWorkers},
	}
	for _, in := range ints {
		v, err := getEnvIntOrDefault(in.env, k.Int(in.key), in.def)
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
		*in.dst = v
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// IsProduction reports whether the service runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// BreakerResetTimeout returns the breaker reset timeout as a duration.
func (c *Config) BreakerResetTimeout() time.Duration {
	return time.Duration(c.BreakerResetTimeoutSeconds) * time.Second
}

// RetryInitialDelay returns the first retry delay as a duration.
func (c *Config) RetryInitialDelay() time.Duration {
	return time.Duration(c.RetryInitialDelayMS) * time.Millisecond
}

// RetryMaxDelay returns the retry delay cap as a duration.
func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMS) * time.Millisecond
}

// UnlockCodeTTL returns the unlock code lifetime as a duration.
func (c *Config) UnlockCodeTTL() time.Duration {
	return time.Duration(c.UnlockCodeTTLDays) * 24 * time.Hour
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvBoolOrKoanf parses a boolean environment variable, falling back to the koanf value.
// Unrecognised values fall back as well.
func getEnvBoolOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) bool {
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return k.Bool(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return defaultVal, fmt.Errorf("%s: %w", envKey, ErrInvalidInteger)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, err)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.SealerURL == "" {
		errs = append(errs, ErrMissingSealerURL)
	}
	switch {
	case c.ServiceTokenSecret == "":
		errs = append(errs, ErrMissingServiceTokenSecret)
	case len(c.ServiceTokenSecret) < minServiceTokenSecretLength:
		errs = append(errs, ErrShortServiceTokenSecret)
	}
	if c.UnlockPhraseSecret == "" {
		errs = append(errs, ErrMissingUnlockPhraseSecret)
	}
	if c.SealerThreshold < 1 {
		errs = append(errs, ErrInvalidSealerThreshold)
	}
	if c.Compression != "none" && c.Compression != "zstd" {
		errs = append(errs, ErrInvalidCompression)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidSampleRate)
	}

	switch c.BlobBackend {
	case BlobBackendS3:
		if c.R2BucketName == "" {
			errs = append(errs, ErrMissingR2BucketName)
		}
		// Static keys come as a pair; neither means the default AWS chain.
		if c.R2AccessKeyID != "" && c.R2SecretAccessKey == "" {
			errs = append(errs, ErrMissingR2SecretAccessKey)
		}
		if c.R2SecretAccessKey != "" && c.R2AccessKeyID == "" {
			errs = append(errs, ErrMissingR2AccessKeyID)
		}
	case BlobBackendGCS:
		if c.GCSBucket == "" {
			errs = append(errs, ErrMissingGCSBucket)
		}
	case BlobBackendMemory:
		if c.IsProduction() {
			errs = append(errs, ErrMemoryBackendInProduction)
		}
	default:
		errs = append(errs, ErrInvalidBlobBackend)
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                 strconv.Itoa(c.Port),
		"env":                  c.Env,
		"database_url":         maskDatabaseURL(c.DatabaseURL),
		"redis_url":            maskDatabaseURL(c.RedisURL),
		"blob_backend":         c.BlobBackend,
		"r2_bucket_name":       c.R2BucketName,
		"r2_access_key_id":     maskSecret(c.R2AccessKeyID),
		"r2_secret_access_key": maskSecret(c.R2SecretAccessKey),
		"r2_endpoint":          c.R2Endpoint,
		"s3_region":            c.S3Region,
		"gcs_bucket":           c.GCSBucket,
		"compression":          c.Compression,
		"sealer_url":           c.SealerURL,
		"sealer_threshold":     strconv.Itoa(c.SealerThreshold),
		"service_token_secret": maskSecret(c.ServiceTokenSecret),
		"anchor_url":           c.AnchorURL,
		"unlock_phrase_secret": maskSecret(c.UnlockPhraseSecret),
		"unlock_code_ttl_days": strconv.Itoa(c.UnlockCodeTTLDays),
		"breaker":              fmt.Sprintf("%d/%d/%ds", c.BreakerFailureThreshold, c.BreakerSuccessThreshold, c.BreakerResetTimeoutSeconds),
		"retry":                fmt.Sprintf("%d attempts, %d-%dms", c.RetryMaxAttempts, c.RetryInitialDelayMS, c.RetryMaxDelayMS),
		"verify_queue":         fmt.Sprintf("%d slots, %d workers", c.VerifyQueueSize, c.VerifyWorkers),
		"quorum_fail_closed":   strconv.FormatBool(c.QuorumFailClosed),
		"tracing_enabled":      strconv.FormatBool(c.TracingEnabled),
		"tracing_exporter":     c.TracingExporterType,
		"tracing_sample_rate":  strconv.FormatFloat(c.TracingSampleRate, 'f', -1, 64),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a connection URL.
// Works for postgres://, postgresql:// and redis:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
