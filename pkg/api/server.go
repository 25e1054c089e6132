package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/omniplexity/substrate/pkg/approvals"
	"github.com/omniplexity/substrate/pkg/artifacts"
	"github.com/omniplexity/substrate/pkg/config"
	"github.com/omniplexity/substrate/pkg/eventlog"
	"github.com/omniplexity/substrate/pkg/idempotency"
	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/model"
	"github.com/omniplexity/substrate/pkg/observability"
	"github.com/omniplexity/substrate/pkg/provenance"
	"github.com/omniplexity/substrate/pkg/store"
	"github.com/omniplexity/substrate/pkg/stream"
	"github.com/omniplexity/substrate/pkg/tools"
)

// maxBodyBytes caps JSON request bodies. Artifact content rides the same
// endpoints base64-encoded, so the cap must clear the configured part size.
const maxBodyBytes = 16 << 20

// ActivitySink receives committed activity rows for notification fan-out.
type ActivitySink interface {
	ActivityCommitted(ctx context.Context, a *model.Activity, actorUserID string)
}

// Server wires every component behind the HTTP surface.
type Server struct {
	store     *store.Store
	log       *eventlog.Log
	registry  *tools.Registry
	executor  *tools.Executor
	ledger    *approvals.Ledger
	artifacts *artifacts.Service
	broker    *stream.Broker
	prov      *provenance.Service
	idem      *idempotency.Cache
	activity  ActivitySink
	obs       *observability.Provider
	clock     ids.Clock
	cfg       *config.Config
	logger    *slog.Logger

	adminSecret string
}

// ServerOptions carries the component set for NewServer.
type ServerOptions struct {
	Store     *store.Store
	Log       *eventlog.Log
	Registry  *tools.Registry
	Executor  *tools.Executor
	Ledger    *approvals.Ledger
	Artifacts *artifacts.Service
	Broker    *stream.Broker
	Prov      *provenance.Service
	Idem      *idempotency.Cache
	Activity  ActivitySink
	Obs       *observability.Provider
	Clock     ids.Clock
	Config    *config.Config
	Logger    *slog.Logger
}

// NewServer constructs the HTTP surface.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:       opts.Store,
		log:         opts.Log,
		registry:    opts.Registry,
		executor:    opts.Executor,
		ledger:      opts.Ledger,
		artifacts:   opts.Artifacts,
		broker:      opts.Broker,
		prov:        opts.Prov,
		idem:        opts.Idem,
		activity:    opts.Activity,
		obs:         opts.Obs,
		clock:       opts.Clock,
		cfg:         opts.Config,
		logger:      logger.With("component", "api"),
		adminSecret: opts.Config.AdminTokenSecret,
	}
}

// Routes builds the full route table. Rate limiting, request ids, and the
// CSRF guard wrap the whole mux; idempotency wraps individual mutations.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// Projects and threads.
	mux.HandleFunc("POST /v1/projects", requireUser(s.handleCreateProject))
	mux.HandleFunc("POST /v1/projects/{projectID}/members", requireUser(s.handleAddMember))
	mux.HandleFunc("POST /v1/projects/{projectID}/grants", requireUser(s.handleGrantScope))
	mux.HandleFunc("POST /v1/threads", requireUser(s.handleCreateThread))

	// Run lifecycle.
	mux.HandleFunc("POST /v1/threads/{threadID}/runs", requireUser(s.withIdempotency("create_run", s.handleCreateRun)))
	mux.HandleFunc("GET /v1/threads/{threadID}/runs", requireUser(s.handleListRuns))
	mux.HandleFunc("GET /v1/runs/{runID}", requireUser(s.handleGetRun))
	mux.HandleFunc("GET /v1/runs/{runID}/summary", requireUser(s.handleRunSummary))
	mux.HandleFunc("PATCH /v1/runs/{runID}/status", requireUser(s.handleUpdateRunStatus))

	// Events.
	mux.HandleFunc("POST /v1/runs/{runID}/events", requireUser(s.withIdempotency("append_event", s.handleAppendEvent)))
	mux.HandleFunc("GET /v1/runs/{runID}/events", requireUser(s.handleListEvents))
	mux.HandleFunc("GET /v1/runs/{runID}/events/stream", requireUser(s.handleStreamEvents))

	// Tools.
	mux.HandleFunc("GET /v1/tools", requireUser(s.handleListTools))
	mux.HandleFunc("POST /v1/tools", requireUser(s.handleInstallTool))
	mux.HandleFunc("GET /v1/tools/{toolID}/manifest", requireUser(s.handleGetManifest))
	mux.HandleFunc("PUT /v1/projects/{projectID}/pins/{toolID}", requireUser(s.handlePinTool))
	mux.HandleFunc("POST /v1/runs/{runID}/tools/{toolID}/invoke", requireUser(s.withIdempotency("invoke_tool", s.handleInvokeTool)))

	// Approvals.
	mux.HandleFunc("GET /v1/runs/{runID}/approvals", requireUser(s.handleListApprovals))
	mux.HandleFunc("POST /v1/approvals/{approvalID}/approve", requireUser(s.handleApprove))
	mux.HandleFunc("POST /v1/approvals/{approvalID}/deny", requireUser(s.handleDeny))

	// Artifacts and uploads.
	mux.HandleFunc("POST /v1/artifacts", requireUser(s.withIdempotency("create_artifact", s.handleCreateArtifact)))
	mux.HandleFunc("GET /v1/artifacts/{artifactID}", requireUser(s.handleGetArtifact))
	mux.HandleFunc("GET /v1/runs/{runID}/artifacts", requireUser(s.handleListRunArtifacts))
	mux.HandleFunc("POST /v1/runs/{runID}/artifacts/{artifactID}/link", requireUser(s.handleLinkRunArtifact))
	mux.HandleFunc("POST /v1/uploads", requireUser(s.handleInitUpload))
	mux.HandleFunc("PUT /v1/uploads/{uploadID}/parts", requireUser(s.handlePutPart))
	mux.HandleFunc("POST /v1/uploads/{uploadID}/finalize", requireUser(s.handleFinalizeUpload))
	mux.HandleFunc("DELETE /v1/uploads/{uploadID}", requireUser(s.handleAbortUpload))

	// Activity and notifications.
	mux.HandleFunc("GET /v1/projects/{projectID}/activity", requireUser(s.handleListActivity))
	mux.HandleFunc("GET /v1/projects/{projectID}/activity/stream", requireUser(s.handleStreamActivity))
	mux.HandleFunc("POST /v1/projects/{projectID}/activity/seen", requireUser(s.handleMarkActivitySeen))
	mux.HandleFunc("GET /v1/notifications", requireUser(s.handleListNotifications))
	mux.HandleFunc("GET /v1/notifications/unread_count", requireUser(s.handleUnreadCount))
	mux.HandleFunc("POST /v1/notifications/mark_read", requireUser(s.handleMarkNotificationsRead))
	mux.HandleFunc("GET /v1/notifications/stream", requireUser(s.handleStreamNotifications))

	// Provenance.
	mux.HandleFunc("GET /v1/runs/{runID}/provenance/summary", requireUser(s.handleProvenanceSummary))
	mux.HandleFunc("GET /v1/runs/{runID}/provenance/graph", requireUser(s.handleProvenanceGraph))
	mux.HandleFunc("GET /v1/runs/{runID}/provenance/why/{artifactID}", requireUser(s.handleProvenanceWhy))

	// Operational.
	mux.HandleFunc("GET /v1/system/health", s.handleHealth)
	mux.HandleFunc("GET /v1/system/stats", requireUser(s.handleStats))
	mux.HandleFunc("GET /v1/system/config", s.adminGate(s.handleSystemConfig))

	limiter := NewGlobalRateLimiter(s.cfg.RequestsPerSec, s.cfg.RequestBurst)
	return RequestID(limiter.Middleware(s.csrfGuard(s.instrument(mux))))
}

// statusWriter observes the response status without buffering, so SSE
// streams pass through it untouched.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(status int) {
	sw.status = status
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// instrument records per-request RED metrics.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clock.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		if s.obs != nil {
			route := r.Method + " " + r.URL.Path
			s.obs.RecordRequest(r.Context(), route, r.Method, sw.status)
			s.obs.RecordRequestDuration(r.Context(), route, s.clock.Now().Sub(start))
		}
	})
}

// recordActivity appends a project activity row and hands it to the
// notification router. Failures are logged, never surfaced.
func (s *Server) recordActivity(ctx context.Context, projectID, kind, refType, refID, actorID string) {
	if projectID == "" {
		return
	}
	a, err := s.store.AppendActivity(ctx, &model.Activity{
		ProjectID: projectID,
		Kind:      kind,
		RefType:   refType,
		RefID:     refID,
		ActorID:   actorID,
		CreatedAt: s.clock.Now(),
	})
	if err != nil {
		s.logger.Warn("activity append failed", "project_id", projectID, "kind", kind, "error", err)
		return
	}
	if s.activity != nil {
		s.activity.ActivityCommitted(ctx, a, actorID)
	}
}
