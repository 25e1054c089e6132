package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// configContractSchema is the stable contract for the system_config snapshot.
// Fields may be added; removing or retyping one is a breaking change.
const configContractSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": [
    "max_events_per_run", "max_bytes_per_run",
    "sse_heartbeat_seconds", "sse_poll_interval_seconds", "sse_max_replay",
    "sse_max_duration_seconds", "sse_idle_timeout_seconds", "sse_max_concurrent_per_user",
    "notify_tool_errors", "notify_tool_errors_max_per_run",
    "session_ttl_seconds", "session_sliding_enabled", "session_sliding_window_seconds",
    "artifact_max_bytes", "artifact_part_size",
    "allow_remote_mcp", "workspace_root", "registry_root"
  ],
  "properties": {
    "max_events_per_run": {"type": "integer"},
    "max_bytes_per_run": {"type": "integer"},
    "sse_heartbeat_seconds": {"type": "integer"},
    "sse_poll_interval_seconds": {"type": "integer"},
    "sse_max_replay": {"type": "integer"},
    "sse_max_duration_seconds": {"type": "integer"},
    "sse_idle_timeout_seconds": {"type": "integer"},
    "sse_max_concurrent_per_user": {"type": "integer"},
    "notify_tool_errors": {"type": "boolean"},
    "notify_tool_errors_only_codes": {"type": ["array", "null"], "items": {"type": "string"}},
    "notify_tool_errors_only_bindings": {"type": ["array", "null"], "items": {"type": "string"}},
    "notify_tool_errors_max_per_run": {"type": "integer"},
    "session_ttl_seconds": {"type": "integer"},
    "session_sliding_enabled": {"type": "boolean"},
    "session_sliding_window_seconds": {"type": "integer"},
    "artifact_max_bytes": {"type": "integer"},
    "artifact_part_size": {"type": "integer"},
    "allow_remote_mcp": {"type": "boolean"},
    "workspace_root": {"type": "string"},
    "registry_root": {"type": "string"}
  }
}`

var (
	configSchemaOnce sync.Once
	configSchema     *jsonschema.Schema
	configSchemaErr  error
)

func compiledConfigSchema() (*jsonschema.Schema, error) {
	configSchemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "substrate://contracts/system_config.json"
		if err := c.AddResource(url, strings.NewReader(configContractSchema)); err != nil {
			configSchemaErr = err
			return
		}
		configSchema, configSchemaErr = c.Compile(url)
	})
	return configSchema, configSchemaErr
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DB().PingContext(r.Context()); err != nil {
		WriteError(w, r, http.StatusServiceUnavailable, "Service Unavailable", "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counters, err := s.store.Counters(r.Context())
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	gauges, err := s.store.Gauges(r.Context())
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counters": counters, "gauges": gauges})
}

// handleSystemConfig returns the operator-visible configuration snapshot,
// validated against the contract schema before it leaves the process.
func (s *Server) handleSystemConfig(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]any{
		"max_events_per_run":               s.cfg.MaxEventsPerRun,
		"max_bytes_per_run":                s.cfg.MaxBytesPerRun,
		"sse_heartbeat_seconds":            s.cfg.SSEHeartbeatSeconds,
		"sse_poll_interval_seconds":        s.cfg.SSEPollIntervalSeconds,
		"sse_max_replay":                   s.cfg.SSEMaxReplay,
		"sse_max_duration_seconds":         s.cfg.SSEMaxDurationSeconds,
		"sse_idle_timeout_seconds":         s.cfg.SSEIdleTimeoutSeconds,
		"sse_max_concurrent_per_user":      s.cfg.SSEMaxConcurrentPerUser,
		"notify_tool_errors":               s.cfg.NotifyToolErrors,
		"notify_tool_errors_only_codes":    s.cfg.NotifyToolErrorsOnlyCodes,
		"notify_tool_errors_only_bindings": s.cfg.NotifyToolErrorsOnlyBindings,
		"notify_tool_errors_max_per_run":   s.cfg.NotifyToolErrorsMaxPerRun,
		"session_ttl_seconds":              s.cfg.SessionTTLSeconds,
		"session_sliding_enabled":          s.cfg.SessionSlidingEnabled,
		"session_sliding_window_seconds":   s.cfg.SessionSlidingWindowSeconds,
		"artifact_max_bytes":               s.cfg.ArtifactMaxBytes,
		"artifact_part_size":               s.cfg.ArtifactPartSize,
		"allow_remote_mcp":                 s.cfg.AllowRemoteMCP,
		"workspace_root":                   s.cfg.WorkspaceRoot,
		"registry_root":                    s.cfg.RegistryRoot,
	}

	raw, err := json.Marshal(snapshot)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	schema, err := compiledConfigSchema()
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	var doc any
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&doc); err != nil {
		WriteFault(w, r, err)
		return
	}
	if err := schema.Validate(doc); err != nil {
		s.logger.Error("system_config snapshot violates contract", "error", err)
		WriteError(w, r, http.StatusInternalServerError, "Internal Server Error",
			"configuration snapshot failed contract validation")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}
