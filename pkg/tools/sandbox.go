package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"time"

	"github.com/omniplexity/substrate/pkg/fault"
)

// runSandboxJob spawns an isolated subprocess. The inputs travel as JSON on
// stdin; outputs are read from stdout up to the byte cap. A deadline hit maps
// to timeout, any other failure to execution_failed.
func runSandboxJob(ctx context.Context, entrypoint string, inputs json.RawMessage, timeout time.Duration, outputCap int64) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, entrypoint)
	cmd.Stdin = bytes.NewReader(inputs)
	cmd.Env = []string{} // no ambient environment

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fault.New(fault.KindExecutionFailed, "sandbox pipe: %v", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fault.New(fault.KindExecutionFailed, "sandbox start: %v", err)
	}

	out, readErr := io.ReadAll(io.LimitReader(stdout, outputCap+1))
	waitErr := cmd.Wait()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fault.New(fault.KindTimeout, "sandbox exceeded %s wall clock", timeout)
	}
	if readErr != nil {
		return nil, fault.New(fault.KindExecutionFailed, "sandbox read: %v", readErr)
	}
	if waitErr != nil {
		return nil, fault.New(fault.KindExecutionFailed, "sandbox exited: %v (stderr: %s)", waitErr, truncate(stderr.String(), 512))
	}
	if int64(len(out)) > outputCap {
		return nil, fault.New(fault.KindExecutionFailed, "sandbox output exceeds %d byte cap", outputCap)
	}
	if len(out) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(out) {
		return nil, fault.New(fault.KindExecutionFailed, "sandbox output is not valid JSON")
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
