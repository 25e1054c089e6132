package api

import (
	"net/http"

	"github.com/omniplexity/substrate/pkg/stream"
)

func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectID")
	rows, err := s.store.ListActivity(r.Context(), projectID,
		queryInt64(r, "after_seq", 0), queryInt(r, "limit", 200))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": rows})
}

func (s *Server) handleStreamActivity(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectID")
	s.serveStream(w, r, stream.KindActivity, s.broker.ActivitySource(projectID))
}

func (s *Server) handleMarkActivitySeen(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("projectID")
	var req struct {
		Seq int64 `json:"seq"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.store.MarkActivitySeen(r.Context(), projectID, userID(r), req.Seq); err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project_id": projectID, "seq": req.Seq})
}

func (s *Server) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	rows, err := s.store.ListNotifications(r.Context(), userID(r),
		r.URL.Query().Get("unread_only") == "true",
		queryInt64(r, "after_seq", 0), queryInt(r, "limit", 200))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": rows})
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.UnreadCount(r.Context(), userID(r))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"unread": n})
}

// handleMarkNotificationsRead supports both modes: up_to_seq advances the
// per-user high-water mark; ids marks individual rows and leaves the mark
// alone.
func (s *Server) handleMarkNotificationsRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UpToSeq *int64   `json:"up_to_seq,omitempty"`
		IDs     []string `json:"ids,omitempty"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	uid := userID(r)
	now := s.clock.Now()
	switch {
	case req.UpToSeq != nil:
		if err := s.store.MarkNotificationsReadUpTo(r.Context(), uid, *req.UpToSeq, now); err != nil {
			WriteFault(w, r, err)
			return
		}
	case len(req.IDs) > 0:
		if err := s.store.MarkNotificationsReadByID(r.Context(), uid, req.IDs, now); err != nil {
			WriteFault(w, r, err)
			return
		}
	default:
		WriteBadRequest(w, r, "either up_to_seq or ids is required")
		return
	}
	mark, err := s.store.NotificationHighWaterMark(r.Context(), uid)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"last_seen_notification_seq": mark})
}

func (s *Server) handleStreamNotifications(w http.ResponseWriter, r *http.Request) {
	s.serveStream(w, r, stream.KindNotifications, s.broker.NotificationsSource(userID(r)))
}
