// Package tools resolves, validates, and executes tool invocations against
// their installed manifests.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/omniplexity/substrate/pkg/fault"
	"github.com/omniplexity/substrate/pkg/model"
	"github.com/omniplexity/substrate/pkg/store"
)

// Registry resolves tool versions and validates payloads against the
// manifest's schemas. Manifests are immutable, so compiled schemas are cached
// per (tool_id, version).
type Registry struct {
	store *store.Store

	mu      sync.RWMutex
	schemas map[string]*manifestSchemas
}

type manifestSchemas struct {
	inputs  *jsonschema.Schema
	outputs *jsonschema.Schema
}

// NewRegistry constructs the tool registry.
func NewRegistry(st *store.Store) *Registry {
	return &Registry{store: st, schemas: make(map[string]*manifestSchemas)}
}

// Install validates and persists a manifest. The version must be semver and
// both schemas must compile; installation of an existing (tool_id, version)
// fails.
func (r *Registry) Install(ctx context.Context, m *model.ToolManifest) error {
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fault.New(fault.KindSchemaViolation, "tool %s: version %q is not semver: %v", m.ToolID, m.Version, err)
	}
	if _, err := compileManifestSchemas(m); err != nil {
		return fault.New(fault.KindSchemaViolation, "tool %s@%s: %v", m.ToolID, m.Version, err)
	}
	return r.store.InstallManifest(ctx, m)
}

// Resolve selects the manifest for an invocation: the explicit version if
// given, else the project's pin, else the highest installed semver. A pin
// naming an uninstalled version fails with pinned_version_missing.
func (r *Registry) Resolve(ctx context.Context, projectID, toolID, version string) (*model.ToolManifest, error) {
	if version != "" {
		return r.store.GetManifest(ctx, toolID, version)
	}

	if projectID != "" {
		pinned, err := r.store.PinnedVersion(ctx, projectID, toolID)
		if err != nil {
			return nil, err
		}
		if pinned != "" {
			m, err := r.store.GetManifest(ctx, toolID, pinned)
			if fault.IsKind(err, fault.KindToolNotFound) {
				return nil, fault.New(fault.KindPinnedVersionMissing,
					"tool %s pinned to %s, which is not installed", toolID, pinned)
			}
			return m, err
		}
	}

	versions, err := r.store.ListToolVersions(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fault.New(fault.KindToolNotFound, "tool %s not installed", toolID)
	}
	return r.store.GetManifest(ctx, toolID, highestSemver(versions))
}

// ValidateInputs checks inputs against the manifest's inputs schema.
func (r *Registry) ValidateInputs(m *model.ToolManifest, inputs json.RawMessage) error {
	s, err := r.compiled(m)
	if err != nil {
		return err
	}
	return validateAgainst(s.inputs, inputs, m, "inputs")
}

// ValidateOutputs checks outputs against the manifest's outputs schema.
func (r *Registry) ValidateOutputs(m *model.ToolManifest, outputs json.RawMessage) error {
	s, err := r.compiled(m)
	if err != nil {
		return err
	}
	return validateAgainst(s.outputs, outputs, m, "outputs")
}

func validateAgainst(schema *jsonschema.Schema, raw json.RawMessage, m *model.ToolManifest, side string) error {
	if schema == nil {
		return nil
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fault.New(fault.KindSchemaViolation, "tool %s@%s %s: not valid JSON: %v", m.ToolID, m.Version, side, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fault.New(fault.KindSchemaViolation, "tool %s@%s %s: %v", m.ToolID, m.Version, side, err)
	}
	return nil
}

func (r *Registry) compiled(m *model.ToolManifest) (*manifestSchemas, error) {
	key := m.ToolID + "@" + m.Version
	r.mu.RLock()
	s, hit := r.schemas[key]
	r.mu.RUnlock()
	if hit {
		return s, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, hit = r.schemas[key]; hit {
		return s, nil
	}
	s, err := compileManifestSchemas(m)
	if err != nil {
		return nil, fault.New(fault.KindSchemaViolation, "tool %s@%s: %v", m.ToolID, m.Version, err)
	}
	r.schemas[key] = s
	return s, nil
}

func compileManifestSchemas(m *model.ToolManifest) (*manifestSchemas, error) {
	inputs, err := compileSchema(m.ToolID, "inputs", m.InputsSchema)
	if err != nil {
		return nil, err
	}
	outputs, err := compileSchema(m.ToolID, "outputs", m.OutputsSchema)
	if err != nil {
		return nil, err
	}
	return &manifestSchemas{inputs: inputs, outputs: outputs}, nil
}

func compileSchema(toolID, side string, src json.RawMessage) (*jsonschema.Schema, error) {
	if len(src) == 0 || string(src) == "null" {
		return nil, nil
	}
	schemaURL := fmt.Sprintf("mem://tools/%s/%s.json", toolID, side)
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(string(src))); err != nil {
		return nil, fmt.Errorf("add %s schema: %w", side, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", side, err)
	}
	return compiled, nil
}

// highestSemver picks the highest parseable version; unparseable versions are
// skipped, and if none parse the last installed wins.
func highestSemver(versions []string) string {
	var best *semver.Version
	bestRaw := versions[len(versions)-1]
	for _, raw := range versions {
		v, err := semver.NewVersion(raw)
		if err != nil {
			continue
		}
		if best == nil || v.GreaterThan(best) {
			best = v
			bestRaw = raw
		}
	}
	return bestRaw
}
