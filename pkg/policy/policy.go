// Package policy decides whether a tool invocation may proceed, based on the
// project's scope grants, the manifest's risk flags, and the binding type.
package policy

import (
	"context"
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/omniplexity/substrate/pkg/model"
	"github.com/omniplexity/substrate/pkg/store"
)

// Verdict is the outcome of a policy evaluation.
type Verdict string

const (
	VerdictAllow            Verdict = "allow"
	VerdictDeny             Verdict = "deny"
	VerdictApprovalRequired Verdict = "approval_required"
)

// Decision carries the verdict plus a human-readable reason on deny.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Engine evaluates invocations. AllowRemote gates non-loopback remote
// bindings.
type Engine struct {
	store       *store.Store
	conditions  *ConditionEvaluator
	allowRemote bool
	logger      *slog.Logger
}

// NewEngine constructs the policy engine.
func NewEngine(st *store.Store, conditions *ConditionEvaluator, allowRemote bool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:       st,
		conditions:  conditions,
		allowRemote: allowRemote,
		logger:      logger.With("component", "policy"),
	}
}

// Evaluate applies the decision rules in order: missing scope denies, risky
// manifests without a prior approval require one, remote bindings need the
// mcp_call scope (and the operational flag for non-loopback endpoints).
// approvalBypass skips the approval rule for an already-approved correlation.
func (e *Engine) Evaluate(ctx context.Context, rc *model.RunContext, manifest *model.ToolManifest, inputs map[string]any, approvalBypass bool) (Decision, error) {
	grants, err := e.activeGrants(ctx, rc.ProjectID, manifest, inputs)
	if err != nil {
		return Decision{}, err
	}

	for _, scope := range manifest.Risk.ScopesRequired {
		if !grants[scope] {
			return Decision{Verdict: VerdictDeny, Reason: "missing scope: " + scope}, nil
		}
	}

	if (manifest.Risk.ExternalWrite || manifest.Risk.NetworkEgress) && !approvalBypass {
		approved, err := e.store.ApprovedExists(ctx, rc.Run.RunID, manifest.ToolID, manifest.Version)
		if err != nil {
			return Decision{}, err
		}
		if !approved {
			return Decision{Verdict: VerdictApprovalRequired}, nil
		}
	}

	if manifest.Binding.Type == model.BindingMCPRemote || manifest.Binding.Type == model.BindingOpenAPIProxy {
		if !grants["mcp_call"] {
			return Decision{Verdict: VerdictDeny, Reason: "missing scope: mcp_call"}, nil
		}
		if !isLoopback(manifest.Binding.Entrypoint) && !e.allowRemote {
			return Decision{Verdict: VerdictDeny, Reason: "remote endpoints disabled"}, nil
		}
	}

	return Decision{Verdict: VerdictAllow}, nil
}

// activeGrants resolves the project's grants, filtering out conditional
// grants whose condition does not hold for this invocation. User-owned
// threads have no project and therefore no grants.
func (e *Engine) activeGrants(ctx context.Context, projectID string, manifest *model.ToolManifest, inputs map[string]any) (map[string]bool, error) {
	active := make(map[string]bool)
	if projectID == "" {
		return active, nil
	}
	grants, err := e.store.ScopeGrants(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, g := range grants {
		if g.Condition == "" {
			active[g.Scope] = true
			continue
		}
		ok, err := e.conditions.Eval(g.Condition, inputs, manifest.ToolID, manifest.Version)
		if err != nil {
			e.logger.Warn("grant condition failed, grant not applied",
				"project_id", projectID, "scope", g.Scope, "error", err)
			continue
		}
		if ok {
			active[g.Scope] = true
		}
	}
	return active, nil
}

// isLoopback reports whether a binding entrypoint targets the local host.
func isLoopback(entrypoint string) bool {
	u, err := url.Parse(entrypoint)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
