// Package config loads operator configuration from the environment, with an
// optional YAML profile file overriding individual values.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all operator-tunable configuration.
type Config struct {
	// Server
	Port     string `yaml:"port" json:"port"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Store
	DatabaseURL      string `yaml:"database_url" json:"database_url"`
	WriteRetryBudget int    `yaml:"write_retry_budget" json:"write_retry_budget"`

	// Quota ceilings
	MaxEventsPerRun int64 `yaml:"max_events_per_run" json:"max_events_per_run"`
	MaxBytesPerRun  int64 `yaml:"max_bytes_per_run" json:"max_bytes_per_run"`

	// SSE streaming
	SSEHeartbeatSeconds     int `yaml:"sse_heartbeat_seconds" json:"sse_heartbeat_seconds"`
	SSEPollIntervalSeconds  int `yaml:"sse_poll_interval_seconds" json:"sse_poll_interval_seconds"`
	SSEMaxReplay            int `yaml:"sse_max_replay" json:"sse_max_replay"`
	SSEMaxDurationSeconds   int `yaml:"sse_max_duration_seconds" json:"sse_max_duration_seconds"`
	SSEIdleTimeoutSeconds   int `yaml:"sse_idle_timeout_seconds" json:"sse_idle_timeout_seconds"`
	SSEMaxConcurrentPerUser int `yaml:"sse_max_concurrent_per_user" json:"sse_max_concurrent_per_user"`

	// Notification routing
	NotifyToolErrors             bool     `yaml:"notify_tool_errors" json:"notify_tool_errors"`
	NotifyToolErrorsOnlyCodes    []string `yaml:"notify_tool_errors_only_codes" json:"notify_tool_errors_only_codes"`
	NotifyToolErrorsOnlyBindings []string `yaml:"notify_tool_errors_only_bindings" json:"notify_tool_errors_only_bindings"`
	NotifyToolErrorsMaxPerRun    int      `yaml:"notify_tool_errors_max_per_run" json:"notify_tool_errors_max_per_run"`

	// Sessions (consumed by the surface collaborator, snapshotted in system_config)
	SessionTTLSeconds           int  `yaml:"session_ttl_seconds" json:"session_ttl_seconds"`
	SessionSlidingEnabled       bool `yaml:"session_sliding_enabled" json:"session_sliding_enabled"`
	SessionSlidingWindowSeconds int  `yaml:"session_sliding_window_seconds" json:"session_sliding_window_seconds"`

	// Artifacts
	ArtifactMaxBytes int64  `yaml:"artifact_max_bytes" json:"artifact_max_bytes"`
	ArtifactPartSize int64  `yaml:"artifact_part_size" json:"artifact_part_size"`
	ArtifactBackend  string `yaml:"artifact_backend" json:"artifact_backend"` // "local" | "s3" | "gcs"
	ArtifactDir      string `yaml:"artifact_dir" json:"artifact_dir"`
	ArtifactBucket   string `yaml:"artifact_bucket" json:"artifact_bucket"`

	// Tool execution
	AllowRemoteMCP     bool   `yaml:"allow_remote_mcp" json:"allow_remote_mcp"`
	WorkspaceRoot      string `yaml:"workspace_root" json:"workspace_root"`
	RegistryRoot       string `yaml:"registry_root" json:"registry_root"`
	ToolTimeoutSeconds int    `yaml:"tool_timeout_seconds" json:"tool_timeout_seconds"`
	ToolOutputCapBytes int64  `yaml:"tool_output_cap_bytes" json:"tool_output_cap_bytes"`

	// API surface
	AdminTokenSecret string  `yaml:"admin_token_secret" json:"-"`
	RequestsPerSec   float64 `yaml:"requests_per_sec" json:"requests_per_sec"`
	RequestBurst     int     `yaml:"request_burst" json:"request_burst"`

	// Optional Redis backend for the stream concurrency limiter.
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`

	// Observability
	OTLPEndpoint string `yaml:"otlp_endpoint" json:"otlp_endpoint"`
}

// Load reads configuration from environment variables, applying defaults for
// anything unset. If PROFILE_FILE is set, the YAML profile overrides env.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             envStr("PORT", "8080"),
		LogLevel:         envStr("LOG_LEVEL", "info"),
		DatabaseURL:      envStr("DATABASE_URL", "data/substrate.db"),
		WriteRetryBudget: envInt("WRITE_RETRY_BUDGET", 5),

		MaxEventsPerRun: envInt64("MAX_EVENTS_PER_RUN", 10000),
		MaxBytesPerRun:  envInt64("MAX_BYTES_PER_RUN", 64<<20),

		SSEHeartbeatSeconds:     envInt("SSE_HEARTBEAT_SECONDS", 15),
		SSEPollIntervalSeconds:  envInt("SSE_POLL_INTERVAL_SECONDS", 1),
		SSEMaxReplay:            envInt("SSE_MAX_REPLAY", 500),
		SSEMaxDurationSeconds:   envInt("SSE_MAX_DURATION_SECONDS", 3600),
		SSEIdleTimeoutSeconds:   envInt("SSE_IDLE_TIMEOUT_SECONDS", 300),
		SSEMaxConcurrentPerUser: envInt("SSE_MAX_CONCURRENT_PER_USER", 4),

		NotifyToolErrors:             envBool("NOTIFY_TOOL_ERRORS", true),
		NotifyToolErrorsOnlyCodes:    envCSV("NOTIFY_TOOL_ERRORS_ONLY_CODES"),
		NotifyToolErrorsOnlyBindings: envCSV("NOTIFY_TOOL_ERRORS_ONLY_BINDINGS"),
		NotifyToolErrorsMaxPerRun:    envInt("NOTIFY_TOOL_ERRORS_MAX_PER_RUN", 5),

		SessionTTLSeconds:           envInt("SESSION_TTL_SECONDS", 86400),
		SessionSlidingEnabled:       envBool("SESSION_SLIDING_ENABLED", true),
		SessionSlidingWindowSeconds: envInt("SESSION_SLIDING_WINDOW_SECONDS", 3600),

		ArtifactMaxBytes: envInt64("ARTIFACT_MAX_BYTES", 256<<20),
		ArtifactPartSize: envInt64("ARTIFACT_PART_SIZE", 8<<20),
		ArtifactBackend:  envStr("ARTIFACT_BACKEND", "local"),
		ArtifactDir:      envStr("ARTIFACT_DIR", "data/artifacts"),
		ArtifactBucket:   envStr("ARTIFACT_BUCKET", ""),

		AllowRemoteMCP:     envBool("ALLOW_REMOTE_MCP", false),
		WorkspaceRoot:      envStr("WORKSPACE_ROOT", "data/workspaces"),
		RegistryRoot:       envStr("REGISTRY_ROOT", "data/registry"),
		ToolTimeoutSeconds: envInt("TOOL_TIMEOUT_SECONDS", 2),
		ToolOutputCapBytes: envInt64("TOOL_OUTPUT_CAP_BYTES", 1<<20),

		AdminTokenSecret: envStr("ADMIN_TOKEN_SECRET", ""),
		RequestsPerSec:   envFloat("REQUESTS_PER_SEC", 50),
		RequestBurst:     envInt("REQUEST_BURST", 100),

		RedisAddr: envStr("REDIS_ADDR", ""),

		OTLPEndpoint: envStr("OTLP_ENDPOINT", ""),
	}

	if path := os.Getenv("PROFILE_FILE"); path != "" {
		if err := cfg.applyProfile(path); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// ToolTimeout returns the sandbox wall-clock timeout as a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutSeconds) * time.Second
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "1" || strings.EqualFold(v, "true")
}

func envCSV(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
