package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omniplexity/substrate/pkg/fault"
)

func TestSafePath(t *testing.T) {
	ws := t.TempDir()

	abs, err := SafePath(ws, "notes/readme.md")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, "notes", "readme.md"), abs)

	// "." is the workspace root itself, the default for list_files.
	abs, err = SafePath(ws, ".")
	require.NoError(t, err)
	assert.Equal(t, filepath.Clean(ws), abs)

	abs, err = SafePath(ws, "./nested/dir")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws, "nested", "dir"), abs)

	cases := []struct {
		rel  string
		kind fault.Kind
	}{
		{"", fault.KindUnsafePath},
		{"../outside.txt", fault.KindUnsafePath},
		{"a/../../outside.txt", fault.KindUnsafePath},
		{"~/secrets", fault.KindUnsafePath},
		{"/etc/passwd", fault.KindUnsafePath},
		{"a\x00b", fault.KindUnsafePath},
		{".substrate/state.json", fault.KindRestrictedPath},
	}
	for _, tc := range cases {
		_, err := SafePath(ws, tc.rel)
		assert.True(t, fault.IsKind(err, tc.kind), "rel=%q got %v", tc.rel, err)
	}
}

func TestInprocReadWriteList(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()

	out, err := inprocWriteFile(ctx, ws, map[string]any{"path": "a/b.txt", "content": "hello"})
	require.NoError(t, err)
	assert.NotNil(t, out)

	data, err := os.ReadFile(filepath.Join(ws, "a", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	out, err = inprocReadFile(ctx, ws, map[string]any{"path": "a/b.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out["content"])

	out, err = inprocListFiles(ctx, ws, map[string]any{"path": "a"})
	require.NoError(t, err)
	assert.Equal(t, []any{"b.txt"}, out["entries"])
}

func TestInprocListFilesDefaultsToWorkspaceRoot(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()

	_, err := inprocWriteFile(ctx, ws, map[string]any{"path": "top.txt", "content": "x"})
	require.NoError(t, err)

	// No path input lists the workspace root itself.
	out, err := inprocListFiles(ctx, ws, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, ".", out["path"])
	assert.Equal(t, []any{"top.txt"}, out["entries"])
}

func TestRunInprocUnknownEntrypoint(t *testing.T) {
	_, err := runInproc(context.Background(), builtinInprocFuncs(), "workspace.rm_rf", t.TempDir(), nil)
	assert.True(t, fault.IsKind(err, fault.KindExecutionFailed))
}
