// Package config provides environment-variable configuration loading for
// the recorder's HTTP server and worker processes.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads a .env file if present (development convenience) and returns
// the fully-resolved Config. Missing .env files are not an error.
func Load() *Config {
	_ = godotenv.Load()

	dbBackend, sqlitePath, postgresDSN := parseDatabaseURL(
		GetEnv("DATABASE_URL", "sqlite:///./flight_recorder.db"),
	)

	return &Config{
		APITitle:   GetEnv("API_TITLE", "LLM Flight Recorder API"),
		APIVersion: GetEnv("API_VERSION", "0.1.0"),

		HTTPAddr:        GetEnv("HTTP_ADDR", ":8080"),
		ShutdownTimeout: time.Duration(GetEnvInt("SERVER_SHUTDOWN_TIMEOUT_MS", 10000)) * time.Millisecond,

		DBBackend:   dbBackend,
		SQLitePath:  sqlitePath,
		PostgresDSN: postgresDSN,

		ArtifactStoreMode: strings.ToLower(GetEnv("ARTIFACT_STORE_MODE", "local")),
		ArtifactLocalDir:  GetEnv("ARTIFACT_LOCAL_DIR", ".data/artifacts"),
		ArtifactBucket:    GetEnv("ARTIFACT_BUCKET", "artifacts"),
		S3Endpoint:        GetEnv("S3_ENDPOINT", ""),
		S3Region:          GetEnv("S3_REGION", "us-east-1"),
		S3AccessKey:       GetEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:       GetEnv("S3_SECRET_KEY", ""),
		S3Secure:          GetEnvBool("S3_SECURE", false),

		RedactionBlockOnFailure: GetEnvBool("REDACTION_BLOCK_ON_FAILURE", true),
		RedactionDenylist:       SplitAndTrimCSV(GetEnv("REDACTION_DENYLIST", "")),
		RedactionAllowlist:      SplitAndTrimCSV(GetEnv("REDACTION_ALLOWLIST", "")),

		AuthEnabled: GetEnvBool("AUTH_ENABLED", false),
		AuthToken:   GetEnv("AUTH_TOKEN", ""),

		WorkerPollInterval: clampPollInterval(GetEnvInt("WORKER_POLL_INTERVAL_MS", 1000)),
		JobMaxRetries:      GetEnvInt("JOB_MAX_RETRIES", 5),

		LogLevel:  strings.ToLower(GetEnv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(GetEnv("LOG_FORMAT", "json")),
		LogJSON:   strings.ToLower(GetEnv("LOG_FORMAT", "json")) != "console",

		OTelExporter: strings.ToLower(GetEnv("OTEL_EXPORTER", "none")),
		OTelEndpoint: GetEnv("OTEL_EXPORTER_ENDPOINT", ""),

		MetricsEnabled: GetEnvBool("METRICS_ENABLED", true),
		MetricsPort:    GetEnvInt("METRICS_PORT", 9090),
	}
}

// Config is the fully-resolved process configuration.
type Config struct {
	APITitle   string
	APIVersion string

	HTTPAddr        string
	ShutdownTimeout time.Duration

	DBBackend   string
	SQLitePath  string
	PostgresDSN string

	ArtifactStoreMode string
	ArtifactLocalDir  string
	ArtifactBucket    string
	S3Endpoint        string
	S3Region          string
	S3AccessKey       string
	S3SecretKey       string
	S3Secure          bool

	RedactionBlockOnFailure bool
	RedactionDenylist       []string
	RedactionAllowlist      []string

	AuthEnabled bool
	AuthToken   string

	WorkerPollInterval time.Duration
	JobMaxRetries      int

	LogLevel  string
	LogFormat string
	LogJSON   bool

	// OTelExporter selects the span exporter: "stdout", "otlp", or "none".
	OTelExporter string
	OTelEndpoint string

	MetricsEnabled bool
	MetricsPort    int
}

// parseDatabaseURL dispatches DATABASE_URL to a backend kind plus the
// dial target that backend needs, mirroring the sqlite3/psycopg2 URI
// conventions the Python original relies on:
//
//   - sqlite:///relative/path.db   -> sqlite, "relative/path.db"
//   - sqlite:////absolute/path.db  -> sqlite, "/absolute/path.db"
//   - postgres(ql)://...           -> postgres, full DSN passed through
//   - memory://                    -> memory, no dial target (tests, dev)
func parseDatabaseURL(raw string) (backend, sqlitePath, postgresDSN string) {
	switch {
	case strings.HasPrefix(raw, "sqlite:///"):
		// A fourth slash makes the remainder start with "/" again, giving
		// an absolute path; three slashes leave a path relative to the
		// working directory.
		return "sqlite", raw[len("sqlite:///"):], ""
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return "postgres", "", raw
	case strings.HasPrefix(raw, "memory://"):
		return "memory", "", ""
	default:
		return "sqlite", "flight_recorder.db", ""
	}
}

// clampPollInterval enforces the documented 100ms floor on
// WORKER_POLL_INTERVAL_MS.
func clampPollInterval(ms int) time.Duration {
	if ms < 100 {
		ms = 100
	}
	return time.Duration(ms) * time.Millisecond
}

// GetEnv retrieves an environment variable with a default fallback.
func GetEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable with a default.
// Accepts "1", "true", "yes", "on" (case-insensitive) as true, matching
// the original implementation's parsing.
func GetEnvBool(key string, defaultValue bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// GetEnvInt retrieves an integer environment variable with a default.
func GetEnvInt(key string, defaultValue int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// ParseDurationOrDefault parses a duration string or returns the default.
func ParseDurationOrDefault(raw string, defaultDuration time.Duration) time.Duration {
	if raw == "" {
		return defaultDuration
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed
	}
	return defaultDuration
}

// SplitAndTrimCSV splits a CSV string and trims each part, dropping empties.
func SplitAndTrimCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
