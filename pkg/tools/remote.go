package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/omniplexity/substrate/pkg/fault"
)

// runRemote invokes an mcp_remote or openapi_proxy binding: one JSON POST to
// the entrypoint. Transport and protocol failures all surface as mcp_error;
// distinguishing them is the remote operator's concern.
func runRemote(ctx context.Context, client *http.Client, entrypoint string, inputs json.RawMessage, timeout time.Duration, outputCap int64) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, entrypoint, bytes.NewReader(inputs))
	if err != nil {
		return nil, fault.New(fault.KindMCPError, "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fault.New(fault.KindMCPError, "call %s: %v", entrypoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, outputCap+1))
	if err != nil {
		return nil, fault.New(fault.KindMCPError, "read response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fault.New(fault.KindMCPError, "remote returned %d: %s", resp.StatusCode, truncate(string(body), 512))
	}
	if int64(len(body)) > outputCap {
		return nil, fault.New(fault.KindMCPError, "remote response exceeds %d byte cap", outputCap)
	}
	if len(body) == 0 {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid(body) {
		return nil, fault.New(fault.KindMCPError, "remote response is not valid JSON")
	}
	return body, nil
}
