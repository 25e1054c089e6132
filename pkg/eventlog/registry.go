package eventlog

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/omniplexity/substrate/pkg/fault"
)

// Registry maps event kinds to compiled payload contracts. Registered kinds
// fail closed: a payload that does not match its contract is rejected before
// any write. Unregistered kinds pass through, so surface collaborators can
// introduce new kinds without a core release.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]*jsonschema.Schema
}

// NewRegistry compiles the built-in event-kind contracts.
func NewRegistry() (*Registry, error) {
	r := &Registry{schemas: make(map[string]*jsonschema.Schema)}
	for kind, src := range builtinContracts {
		if err := r.Register(kind, src); err != nil {
			return nil, fmt.Errorf("builtin contract %s: %w", kind, err)
		}
	}
	return r, nil
}

// Register compiles and installs a payload contract for kind, replacing any
// existing one.
func (r *Registry) Register(kind, schema string) error {
	schemaURL := "mem://contracts/" + kind + ".json"
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	r.mu.Lock()
	r.schemas[kind] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks payload against the contract registered for kind.
func (r *Registry) Validate(kind string, payload json.RawMessage) error {
	r.mu.RLock()
	schema, ok := r.schemas[kind]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fault.New(fault.KindSchemaViolation, "kind %s: payload is not valid JSON: %v", kind, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fault.New(fault.KindSchemaViolation, "kind %s: %v", kind, err)
	}
	return nil
}

// builtinContracts are the payload shapes of the kinds the core itself emits
// or interprets.
var builtinContracts = map[string]string{
	"user_message": `{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"]
	}`,
	"assistant_message": `{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"]
	}`,
	"tool_call": `{
		"type": "object",
		"properties": {
			"tool_id": {"type": "string", "minLength": 1},
			"version": {"type": "string"},
			"inputs": {"type": "object"},
			"binding_type": {"type": "string"},
			"correlation_id": {"type": "string"},
			"executor_version": {"type": "string"}
		},
		"required": ["tool_id", "correlation_id"]
	}`,
	"tool_result": `{
		"type": "object",
		"properties": {
			"tool_id": {"type": "string"},
			"outputs": {},
			"correlation_id": {"type": "string"},
			"executor_version": {"type": "string"}
		},
		"required": ["correlation_id"]
	}`,
	"tool_error": `{
		"type": "object",
		"properties": {
			"tool_id": {"type": "string"},
			"error_code": {"type": "string", "minLength": 1},
			"message": {"type": "string"},
			"correlation_id": {"type": "string"}
		},
		"required": ["error_code", "correlation_id"]
	}`,
	"artifact_ref": `{
		"type": "object",
		"properties": {
			"artifact_id": {"type": "string", "minLength": 1},
			"source_event_id": {"type": "string"},
			"correlation_id": {"type": "string"},
			"tool_id": {"type": "string"},
			"purpose": {"type": "string"}
		},
		"required": ["artifact_id"]
	}`,
	"system_event": `{
		"type": "object",
		"properties": {
			"code": {"type": "string", "minLength": 1},
			"details": {"type": "object"}
		},
		"required": ["code"]
	}`,
	"run_status": `{
		"type": "object",
		"properties": {
			"status": {"type": "string", "minLength": 1}
		},
		"required": ["status"]
	}`,
	"quota_exceeded": `{
		"type": "object",
		"properties": {
			"scope": {"type": "string"},
			"limit": {"type": "integer"},
			"observed": {"type": "integer"},
			"detail": {"type": "string"}
		},
		"required": ["scope"]
	}`,
	"metrics_computed": `{
		"type": "object",
		"properties": {
			"event_count": {"type": "integer"},
			"tool_calls": {"type": "integer"},
			"tool_errors": {"type": "integer"},
			"artifacts_count": {"type": "integer"},
			"bytes_in": {"type": "integer"},
			"bytes_out": {"type": "integer"},
			"duration_ms": {"type": "integer"}
		},
		"required": ["event_count"]
	}`,
	"research_source_created": `{
		"type": "object",
		"properties": {
			"source_id": {"type": "string", "minLength": 1},
			"url": {"type": "string", "minLength": 1},
			"title": {"type": "string"},
			"correlation_id": {"type": "string"}
		},
		"required": ["source_id", "url"]
	}`,
	"research_report_created": `{
		"type": "object",
		"properties": {
			"report_artifact_id": {"type": "string"},
			"citations": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"source_id": {"type": "string"},
						"event_id": {"type": "string"}
					},
					"required": ["source_id"]
				}
			}
		}
	}`,
}
