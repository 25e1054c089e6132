package api

import (
	"net/http"

	"github.com/omniplexity/substrate/pkg/provenance"
)

func (s *Server) handleProvenanceSummary(w http.ResponseWriter, r *http.Request) {
	rc, err := s.accessRun(r.Context(), userID(r), r.PathValue("runID"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	sum, err := s.prov.Summary(r.Context(), rc.Run.RunID)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleProvenanceGraph(w http.ResponseWriter, r *http.Request) {
	rc, err := s.accessRun(r.Context(), userID(r), r.PathValue("runID"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	p := provenance.Params{
		MaxDepth: queryInt(r, "max_depth", 0),
		NodeCap:  queryInt(r, "node_cap", 0),
		EdgeCap:  queryInt(r, "edge_cap", 0),
	}
	g, err := s.prov.Graph(r.Context(), rc.Run.RunID, p)
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleProvenanceWhy(w http.ResponseWriter, r *http.Request) {
	rc, err := s.accessRun(r.Context(), userID(r), r.PathValue("runID"))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	paths, err := s.prov.WhyPaths(r.Context(), rc.Run.RunID, r.PathValue("artifactID"),
		queryInt(r, "max_paths", 0), queryInt(r, "max_depth", 0))
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"paths": paths})
}
