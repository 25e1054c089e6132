package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/omniplexity/substrate/pkg/fault"
)

// InprocFunc is a registered in-process tool implementation. workspace is the
// project-scoped directory the function may touch.
type InprocFunc func(ctx context.Context, workspace string, inputs map[string]any) (map[string]any, error)

// blacklistedTokens reject obviously hostile path components before any
// filesystem resolution happens.
var blacklistedTokens = []string{"..", "~", "\x00"}

// SafePath resolves rel inside workspace. Escapes and blacklisted tokens fail
// with unsafe_path; paths under the workspace's .substrate control directory
// fail with restricted_path.
func SafePath(workspace, rel string) (string, error) {
	if rel == "" {
		return "", fault.New(fault.KindUnsafePath, "empty path")
	}
	for _, tok := range blacklistedTokens {
		if strings.Contains(rel, tok) {
			return "", fault.New(fault.KindUnsafePath, "path %q contains forbidden token", rel)
		}
	}
	if filepath.IsAbs(rel) {
		return "", fault.New(fault.KindUnsafePath, "path %q is absolute", rel)
	}
	abs := filepath.Join(workspace, filepath.Clean(rel))
	ws := filepath.Clean(workspace)
	// "." resolves to the workspace root itself, which is in bounds.
	if abs != ws && !strings.HasPrefix(abs, ws+string(filepath.Separator)) {
		return "", fault.New(fault.KindUnsafePath, "path %q escapes the workspace", rel)
	}
	if strings.HasPrefix(abs, filepath.Join(workspace, ".substrate")+string(filepath.Separator)) {
		return "", fault.New(fault.KindRestrictedPath, "path %q is reserved", rel)
	}
	return abs, nil
}

// builtinInprocFuncs are the in-process tools available to inproc_safe
// bindings out of the box. Entrypoints are looked up by name.
func builtinInprocFuncs() map[string]InprocFunc {
	return map[string]InprocFunc{
		"workspace.read_file":  inprocReadFile,
		"workspace.write_file": inprocWriteFile,
		"workspace.list_files": inprocListFiles,
	}
}

func inprocReadFile(_ context.Context, workspace string, inputs map[string]any) (map[string]any, error) {
	rel, _ := inputs["path"].(string)
	abs, err := SafePath(workspace, rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fault.New(fault.KindExecutionFailed, "read %s: %v", rel, err)
	}
	return map[string]any{"path": rel, "content": string(data), "size": len(data)}, nil
}

func inprocWriteFile(_ context.Context, workspace string, inputs map[string]any) (map[string]any, error) {
	rel, _ := inputs["path"].(string)
	content, _ := inputs["content"].(string)
	abs, err := SafePath(workspace, rel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return nil, fault.New(fault.KindExecutionFailed, "mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return nil, fault.New(fault.KindExecutionFailed, "write %s: %v", rel, err)
	}
	return map[string]any{"path": rel, "bytes_written": len(content)}, nil
}

func inprocListFiles(_ context.Context, workspace string, inputs map[string]any) (map[string]any, error) {
	rel, _ := inputs["path"].(string)
	if rel == "" {
		rel = "."
	}
	abs, err := SafePath(workspace, rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fault.New(fault.KindExecutionFailed, "list %s: %v", rel, err)
	}
	names := make([]any, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return map[string]any{"path": rel, "entries": names}, nil
}

// runInproc dispatches to a registered function and marshals the result.
func runInproc(ctx context.Context, fns map[string]InprocFunc, entrypoint, workspace string, inputs map[string]any) (json.RawMessage, error) {
	fn, ok := fns[entrypoint]
	if !ok {
		return nil, fault.New(fault.KindExecutionFailed, "no in-process tool registered as %q", entrypoint)
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return nil, fault.New(fault.KindExecutionFailed, "workspace: %v", err)
	}
	out, err := fn(ctx, workspace, inputs)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal outputs: %w", err)
	}
	return raw, nil
}
