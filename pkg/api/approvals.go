package api

import "net/http"

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	rc, err := s.accessRun(r.Context(), userID(r), r.PathValue("runID"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	rows, err := s.ledger.List(r.Context(), rc.Run.RunID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": rows})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, true)
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, false)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	approvalID := r.PathValue("approvalID")
	uid := userID(r)

	a, err := s.ledger.Get(r.Context(), approvalID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	rc, err := s.accessRun(r.Context(), uid, a.RunID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}

	if approve {
		a, err = s.ledger.Approve(r.Context(), approvalID, uid)
	} else {
		a, err = s.ledger.Deny(r.Context(), approvalID, uid)
	}
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	kind := "approval_denied"
	if approve {
		kind = "approval_granted"
	}
	s.recordActivity(r.Context(), rc.ProjectID, kind, "approval", approvalID, uid)
	writeJSON(w, http.StatusOK, a)
}
