package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/omniplexity/substrate/pkg/model"
	"github.com/omniplexity/substrate/pkg/store"
	"github.com/omniplexity/substrate/pkg/stream"
)

func (s *Server) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	rc, err := s.accessRun(r.Context(), userID(r), r.PathValue("runID"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	var req struct {
		Kind          string          `json:"kind"`
		Payload       json.RawMessage `json:"payload"`
		Actor         model.Actor     `json:"actor,omitempty"`
		ParentEventID string          `json:"parent_event_id,omitempty"`
		CorrelationID string          `json:"correlation_id,omitempty"`
		Privacy       string          `json:"privacy,omitempty"`
		EventID       string          `json:"event_id,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Kind == "" {
		WriteBadRequest(w, r, "kind is required")
		return
	}

	event, err := s.log.Append(r.Context(), model.EventIntent{
		RunID:         rc.Run.RunID,
		Kind:          req.Kind,
		Payload:       req.Payload,
		Actor:         req.Actor,
		ParentEventID: req.ParentEventID,
		CorrelationID: req.CorrelationID,
		Privacy:       req.Privacy,
		Pins:          rc.Run.Pins,
		EventID:       req.EventID,
	}, userID(r))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, event)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	rc, err := s.accessRun(r.Context(), userID(r), r.PathValue("runID"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := store.EventFilter{
		AfterSeq:   queryInt64(r, "after_seq", 0),
		ToolID:     q.Get("tool_id"),
		ErrorsOnly: q.Get("errors_only") == "true",
		Limit:      queryInt(r, "limit", 500),
	}
	if kinds := q.Get("kinds"); kinds != "" {
		filter.Kinds = strings.Split(kinds, ",")
	}
	events, err := s.store.ListEvents(r.Context(), rc.Run.RunID, filter)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// streamCursor resolves the resume point: after_seq beats Last-Event-ID.
func streamCursor(r *http.Request) int64 {
	if v := r.URL.Query().Get("after_seq"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// serveStream sets the SSE headers and hands the connection to the broker.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, kind stream.Kind, src stream.Source) {
	f, ok := w.(http.Flusher)
	if !ok {
		WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	opts := stream.Options{
		AfterSeq: streamCursor(r),
		Once:     r.URL.Query().Get("once") == "true",
	}
	if err := s.broker.Serve(r.Context(), w, f, kind, userID(r), src, opts); err != nil {
		WriteFault(w, r, err)
	}
}

func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	rc, err := s.accessRun(r.Context(), userID(r), r.PathValue("runID"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	s.serveStream(w, r, stream.KindRunEvents, s.broker.RunEventsSource(rc.Run.RunID))
}
