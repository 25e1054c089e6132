package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniplexity/substrate/pkg/fault"
	"github.com/omniplexity/substrate/pkg/model"
	"github.com/omniplexity/substrate/pkg/store"
)

func newRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "test.db"), store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.CreateProject(ctx, &model.Project{ProjectID: "p1", Name: "p", CreatedAt: time.Now().UTC()}))
	return NewRegistry(st), st
}

func testManifest(version string) *model.ToolManifest {
	return &model.ToolManifest{
		ToolID:  "workspace.read_file",
		Version: version,
		InputsSchema: json.RawMessage(`{
			"type": "object",
			"properties": {"path": {"type": "string"}},
			"required": ["path"],
			"additionalProperties": false
		}`),
		OutputsSchema: json.RawMessage(`{"type": "object"}`),
		Binding:       model.ToolBinding{Type: model.BindingInprocSafe, Entrypoint: "workspace.read_file"},
		Risk:          model.ToolRisk{ScopesRequired: []string{"read_files"}},
		InstalledAt:   time.Now().UTC(),
	}
}

func TestInstallRejectsBadVersion(t *testing.T) {
	reg, _ := newRegistry(t)
	m := testManifest("not-a-version")
	err := reg.Install(context.Background(), m)
	assert.True(t, fault.IsKind(err, fault.KindSchemaViolation))
}

func TestInstallRejectsBadSchema(t *testing.T) {
	reg, _ := newRegistry(t)
	m := testManifest("1.0.0")
	m.InputsSchema = json.RawMessage(`{"type": 42}`)
	err := reg.Install(context.Background(), m)
	assert.True(t, fault.IsKind(err, fault.KindSchemaViolation))
}

func TestInstallIsImmutable(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Install(ctx, testManifest("1.0.0")))
	assert.ErrorIs(t, reg.Install(ctx, testManifest("1.0.0")), store.ErrManifestExists)
}

func TestResolveExplicitVersion(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Install(ctx, testManifest("1.0.0")))
	require.NoError(t, reg.Install(ctx, testManifest("1.2.0")))

	m, err := reg.Resolve(ctx, "p1", "workspace.read_file", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m.Version)

	_, err = reg.Resolve(ctx, "p1", "workspace.read_file", "9.9.9")
	assert.True(t, fault.IsKind(err, fault.KindToolNotFound))
}

func TestResolveHonorsPin(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Install(ctx, testManifest("1.0.0")))
	require.NoError(t, reg.Install(ctx, testManifest("2.0.0")))
	require.NoError(t, st.PinTool(ctx, "p1", "workspace.read_file", "1.0.0"))

	m, err := reg.Resolve(ctx, "p1", "workspace.read_file", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", m.Version)
}

func TestResolvePinnedVersionMissing(t *testing.T) {
	reg, st := newRegistry(t)
	ctx := context.Background()
	require.NoError(t, reg.Install(ctx, testManifest("1.0.0")))
	require.NoError(t, st.PinTool(ctx, "p1", "workspace.read_file", "3.0.0"))

	_, err := reg.Resolve(ctx, "p1", "workspace.read_file", "")
	assert.True(t, fault.IsKind(err, fault.KindPinnedVersionMissing))
}

func TestResolvePicksHighestSemver(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()
	// Installed out of order on purpose.
	require.NoError(t, reg.Install(ctx, testManifest("1.10.0")))
	require.NoError(t, reg.Install(ctx, testManifest("1.2.0")))
	require.NoError(t, reg.Install(ctx, testManifest("1.9.3")))

	m, err := reg.Resolve(ctx, "p1", "workspace.read_file", "")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", m.Version)
}

func TestResolveUnknownTool(t *testing.T) {
	reg, _ := newRegistry(t)
	_, err := reg.Resolve(context.Background(), "p1", "no.such.tool", "")
	assert.True(t, fault.IsKind(err, fault.KindToolNotFound))
}

func TestValidateInputs(t *testing.T) {
	reg, _ := newRegistry(t)
	m := testManifest("1.0.0")

	assert.NoError(t, reg.ValidateInputs(m, json.RawMessage(`{"path":"docs/a.md"}`)))

	err := reg.ValidateInputs(m, json.RawMessage(`{"path":42}`))
	assert.True(t, fault.IsKind(err, fault.KindSchemaViolation))

	err = reg.ValidateInputs(m, json.RawMessage(`{}`))
	assert.True(t, fault.IsKind(err, fault.KindSchemaViolation))

	err = reg.ValidateInputs(m, json.RawMessage(`not json`))
	assert.True(t, fault.IsKind(err, fault.KindSchemaViolation))
}

func TestValidateSkipsAbsentSchema(t *testing.T) {
	reg, _ := newRegistry(t)
	m := testManifest("1.0.0")
	m.OutputsSchema = nil
	assert.NoError(t, reg.ValidateOutputs(m, json.RawMessage(`"anything"`)))
}

func TestHighestSemver(t *testing.T) {
	assert.Equal(t, "2.0.0", highestSemver([]string{"1.0.0", "2.0.0", "1.9.9"}))
	assert.Equal(t, "1.0.0", highestSemver([]string{"garbage", "1.0.0"}))
	// Nothing parses; last installed wins.
	assert.Equal(t, "b", highestSemver([]string{"a", "b"}))
}
