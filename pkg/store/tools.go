package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/omniplexity/substrate/pkg/fault"
	"github.com/omniplexity/substrate/pkg/model"
)

// ErrManifestExists rejects re-installation of an existing (tool_id, version).
// Manifests are immutable once installed.
var ErrManifestExists = errors.New("manifest already installed")

// InstallManifest persists a tool manifest.
func (s *Store) InstallManifest(ctx context.Context, m *model.ToolManifest) error {
	scopes, err := json.Marshal(m.Risk.ScopesRequired)
	if err != nil {
		return fmt.Errorf("store: marshal scopes: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_manifests (tool_id, version, inputs_schema, outputs_schema, binding_type, binding_entrypoint, scopes_required, external_write, network_egress, installed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tool_id, version) DO NOTHING`,
		m.ToolID, m.Version, string(m.InputsSchema), string(m.OutputsSchema),
		string(m.Binding.Type), m.Binding.Entrypoint, string(scopes),
		boolInt(m.Risk.ExternalWrite), boolInt(m.Risk.NetworkEgress), fmtTime(m.InstalledAt))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrManifestExists
	}
	return nil
}

// GetManifest retrieves a manifest by exact version.
func (s *Store) GetManifest(ctx context.Context, toolID, version string) (*model.ToolManifest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tool_id, version, inputs_schema, outputs_schema, binding_type, binding_entrypoint, scopes_required, external_write, network_egress, installed_at
		FROM tool_manifests WHERE tool_id = $1 AND version = $2`, toolID, version)

	var m model.ToolManifest
	var inputs, outputs, bindingType, scopes, installedAt string
	var extWrite, netEgress int
	err := row.Scan(&m.ToolID, &m.Version, &inputs, &outputs, &bindingType,
		&m.Binding.Entrypoint, &scopes, &extWrite, &netEgress, &installedAt)
	if err != nil {
		return nil, notFound(err, fault.New(fault.KindToolNotFound, "tool %s@%s not installed", toolID, version))
	}
	m.InputsSchema = json.RawMessage(inputs)
	m.OutputsSchema = json.RawMessage(outputs)
	m.Binding.Type = model.BindingType(bindingType)
	if err := json.Unmarshal([]byte(scopes), &m.Risk.ScopesRequired); err != nil {
		return nil, fmt.Errorf("store: unmarshal scopes: %w", err)
	}
	m.Risk.ExternalWrite = extWrite != 0
	m.Risk.NetworkEgress = netEgress != 0
	m.InstalledAt = parseTime(installedAt)
	return &m, nil
}

// ListToolVersions returns all installed versions of a tool.
func (s *Store) ListToolVersions(ctx context.Context, toolID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT version FROM tool_manifests WHERE tool_id = $1 ORDER BY installed_at`, toolID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// ListTools returns the latest-installed manifest per tool id.
func (s *Store) ListTools(ctx context.Context) ([]model.ToolManifest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tool_id, version FROM tool_manifests
		WHERE installed_at = (SELECT MAX(installed_at) FROM tool_manifests t2 WHERE t2.tool_id = tool_manifests.tool_id)
		ORDER BY tool_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	type key struct{ id, version string }
	var keys []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.id, &k.version); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	manifests := make([]model.ToolManifest, 0, len(keys))
	for _, k := range keys {
		m, err := s.GetManifest(ctx, k.id, k.version)
		if err != nil {
			return nil, err
		}
		manifests = append(manifests, *m)
	}
	return manifests, nil
}

// PinTool records a project's version pin for a tool.
func (s *Store) PinTool(ctx context.Context, projectID, toolID, version string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_pins (project_id, tool_id, version) VALUES ($1, $2, $3)
		ON CONFLICT (project_id, tool_id) DO UPDATE SET version = $3`,
		projectID, toolID, version)
	return err
}

// PinnedVersion returns the project's pin for a tool, or "" when unpinned.
func (s *Store) PinnedVersion(ctx context.Context, projectID, toolID string) (string, error) {
	var version string
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM tool_pins WHERE project_id = $1 AND tool_id = $2`,
		projectID, toolID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return version, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
