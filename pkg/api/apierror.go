// Package api is the HTTP surface of the substrate. Handlers translate wire
// requests into component calls and map fault kinds onto RFC 7807 Problem
// Detail responses with stable status codes.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/omniplexity/substrate/pkg/fault"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). All
// error responses use this shape.
type ProblemDetail struct {
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Status   int            `json:"status"`
	Detail   string         `json:"detail,omitempty"`
	Instance string         `json:"instance,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// statusForKind is the stable fault-kind to HTTP-status mapping.
func statusForKind(kind fault.Kind) int {
	switch kind {
	case fault.KindRunNotFound, fault.KindEventNotFound, fault.KindArtifactNotFound,
		fault.KindApprovalNotFound, fault.KindToolNotFound, fault.KindPinnedVersionMissing:
		return http.StatusNotFound
	case fault.KindSchemaViolation, fault.KindUnsafePath, fault.KindRestrictedPath,
		fault.KindHashMismatch:
		return http.StatusBadRequest
	case fault.KindPolicyDenied, fault.KindApprovalDenied, fault.KindCSRFFailed,
		fault.KindForbidden:
		return http.StatusForbidden
	case fault.KindApprovalRequired:
		return http.StatusConflict
	case fault.KindQuotaExceeded, fault.KindTooManyConcurrentStreams:
		return http.StatusTooManyRequests
	case fault.KindPartTooLarge, fault.KindArtifactTooLarge:
		return http.StatusRequestEntityTooLarge
	case fault.KindTimeout:
		return http.StatusGatewayTimeout
	case fault.KindMCPError, fault.KindExecutionFailed:
		return http.StatusBadGateway
	case fault.KindWriteContended:
		return http.StatusServiceUnavailable
	case fault.KindUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// WriteFault maps err onto a Problem Detail. Non-fault errors become opaque
// 500 responses; the cause is logged, never exposed.
func WriteFault(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)
	if kind == "" {
		slog.Error("internal server error", "path", r.URL.Path, "error", err)
		WriteError(w, r, http.StatusInternalServerError, "Internal Server Error",
			"An unexpected error occurred. Please try again later.")
		return
	}

	status := statusForKind(kind)
	problem := &ProblemDetail{
		Type:     "https://substrate.omniplexity.dev/errors/" + string(kind),
		Title:    string(kind),
		Status:   status,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
		Detail:   err.Error(),
	}
	var f *fault.Fault
	if errors.As(err, &f) {
		problem.Detail = f.Detail
		problem.Meta = f.Meta
	}
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "5")
	}
	writeProblem(w, problem)
}

// WriteError writes a Problem Detail for a non-fault condition.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type:     fmt.Sprintf("https://substrate.omniplexity.dev/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  w.Header().Get("X-Request-ID"),
	})
}

// WriteBadRequest writes a 400 response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, http.StatusUnauthorized, "unauthenticated", detail)
}

// WriteForbidden writes a 403 response.
func WriteForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, r, http.StatusForbidden, "forbidden", detail)
}

// WriteTooManyRequests writes a 429 response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeJSON writes a success response body.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
