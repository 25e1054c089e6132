package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// storedResponse is the envelope persisted per idempotency key. Replays
// rewrite it verbatim so the client sees byte-identical bodies.
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// recorder buffers the handler's response so it can be persisted.
type recorder struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (rec *recorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (rec *recorder) Write(p []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	rec.buf.Write(p)
	return rec.ResponseWriter.Write(p)
}

// withIdempotency replays the cached response for a repeated
// (user, endpoint, key, body-hash) tuple and records the first response
// otherwise. Requests without an Idempotency-Key header pass through.
func (s *Server) withIdempotency(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		uid := userID(r)
		if key == "" || uid == "" {
			next(w, r)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			WriteBadRequest(w, r, "request body too large or unreadable")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if cached, ok, err := s.idem.Lookup(r.Context(), uid, endpoint, key, body); err == nil && ok {
			var sr storedResponse
			if json.Unmarshal(cached, &sr) == nil {
				w.Header().Set("Content-Type", sr.ContentType)
				w.Header().Set("Idempotency-Replayed", "true")
				w.WriteHeader(sr.Status)
				_, _ = w.Write(sr.Body)
				return
			}
		}

		rec := &recorder{ResponseWriter: w}
		next(rec, r)

		// Server-side failures are not cached; the client may retry.
		if rec.status >= 500 {
			return
		}
		envelope, err := json.Marshal(storedResponse{
			Status:      rec.status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.buf.Bytes(),
		})
		if err != nil {
			return
		}
		if err := s.idem.Store(r.Context(), uid, endpoint, key, body, envelope); err != nil {
			s.logger.Warn("idempotency store failed", "endpoint", endpoint, "error", err)
		}
	}
}
