// Package fault defines the stable error kinds surfaced by the substrate core.
// Collaborators (the HTTP layer) map kinds to wire status codes; the core only
// guarantees that the identifiers below never change.
package fault

import (
	"errors"
	"fmt"
)

// Kind is a stable business-rule failure identifier.
type Kind string

const (
	KindRunNotFound      Kind = "run_not_found"
	KindEventNotFound    Kind = "event_not_found"
	KindArtifactNotFound Kind = "artifact_not_found"
	KindApprovalNotFound Kind = "approval_not_found"
	KindToolNotFound     Kind = "tool_not_found"

	KindSchemaViolation Kind = "schema_violation"

	KindPolicyDenied     Kind = "policy_denied"
	KindApprovalRequired Kind = "approval_required"
	KindApprovalDenied   Kind = "approval_denied"

	KindQuotaExceeded Kind = "quota_exceeded"

	KindUnsafePath     Kind = "unsafe_path"
	KindRestrictedPath Kind = "restricted_path"

	KindTimeout         Kind = "timeout"
	KindMCPError        Kind = "mcp_error"
	KindExecutionFailed Kind = "execution_failed"

	KindWriteContended Kind = "write_contended"

	KindTooManyConcurrentStreams Kind = "too_many_concurrent_streams"

	KindHashMismatch     Kind = "hash_mismatch"
	KindPartTooLarge     Kind = "part_too_large"
	KindArtifactTooLarge Kind = "artifact_too_large"

	KindPinnedVersionMissing Kind = "pinned_version_missing"

	KindCSRFFailed      Kind = "csrf_failed"
	KindUnauthenticated Kind = "unauthenticated"
	KindForbidden       Kind = "forbidden"
)

// QuotaScope identifies which ceiling a quota_exceeded fault crossed.
type QuotaScope string

const (
	QuotaScopeEvents QuotaScope = "events_per_run"
	QuotaScopeBytes  QuotaScope = "bytes_per_run"
)

// Fault is an error carrying a stable kind plus optional structured detail.
type Fault struct {
	Kind   Kind
	Detail string
	// Meta holds kind-specific structure (e.g. scope/limit/observed for
	// quota_exceeded). Values must be JSON-serialisable.
	Meta map[string]any
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Detail == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
}

// New creates a fault with a formatted detail message.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WithMeta attaches structured detail and returns the same fault.
func (f *Fault) WithMeta(meta map[string]any) *Fault {
	f.Meta = meta
	return f
}

// Quota creates a quota_exceeded fault with the canonical meta shape.
func Quota(scope QuotaScope, limit, observed int64) *Fault {
	return &Fault{
		Kind:   KindQuotaExceeded,
		Detail: fmt.Sprintf("%s ceiling crossed: limit %d, observed %d", scope, limit, observed),
		Meta: map[string]any{
			"scope":    string(scope),
			"limit":    limit,
			"observed": observed,
		},
	}
}

// KindOf extracts the kind from err, or "" if err is not a Fault.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// IsKind reports whether err is a Fault of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
