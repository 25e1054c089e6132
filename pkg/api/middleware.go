package api

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/omniplexity/substrate/pkg/ids"
	"github.com/omniplexity/substrate/pkg/model"
)

// userID returns the caller identity established by the authenticating edge.
// An empty return means the request is unauthenticated.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// requireUser rejects unauthenticated requests before the handler runs.
func requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if userID(r) == "" {
			WriteUnauthorized(w, r, "")
			return
		}
		next(w, r)
	}
}

// RequestID assigns each request an id echoed in the X-Request-ID header so
// Problem Details can carry a trace reference.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = ids.New()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

// GlobalRateLimiter bounds request rate per client IP.
type GlobalRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewGlobalRateLimiter creates the per-IP limiter and starts its stale-entry
// sweeper.
func NewGlobalRateLimiter(rps float64, burst int) *GlobalRateLimiter {
	rl := &GlobalRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.sweep()
	return rl
}

func (rl *GlobalRateLimiter) getVisitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	v, ok := rl.visitors[ip]
	if !ok {
		limiter := rate.NewLimiter(rl.rps, rl.burst)
		rl.visitors[ip] = &visitor{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// sweep removes entries idle longer than three minutes.
func (rl *GlobalRateLimiter) sweep() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware enforces the per-IP rate limit.
func (rl *GlobalRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			ip = strings.Trim(r.RemoteAddr, "[]")
		}
		if !rl.getVisitor(ip).Allow() {
			WriteTooManyRequests(w, r, 5)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// csrfGuard rejects cross-origin mutating requests. A rejection records a
// best-effort auth_csrf_failed audit event on the caller's latest accessible
// run; audit failures are swallowed after a counter bump.
func (s *Server) csrfGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}
		origin := r.Header.Get("Origin")
		if origin == "" || originMatchesHost(origin, r.Host) {
			next.ServeHTTP(w, r)
			return
		}
		s.auditCSRF(r, origin)
		WriteForbidden(w, r, "cross-origin request rejected")
	})
}

func originMatchesHost(origin, host string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, host)
}

func (s *Server) auditCSRF(r *http.Request, origin string) {
	uid := userID(r)
	if uid == "" {
		return
	}
	ctx := r.Context()
	runID, err := s.store.LatestAccessibleRun(ctx, uid)
	if err != nil || runID == "" {
		return
	}
	payload, _ := json.Marshal(map[string]any{
		"code":   "auth_csrf_failed",
		"origin": origin,
		"path":   r.URL.Path,
	})
	if _, err := s.log.Append(ctx, model.EventIntent{
		RunID:   runID,
		Kind:    "system_event",
		Payload: payload,
		Actor:   model.ActorSystem,
	}, uid); err != nil {
		s.logger.Warn("csrf audit event failed", "error", err)
		_ = s.store.IncrCounter(ctx, "csrf.audit_failures_total", 1)
	}
}

// adminGate verifies a bearer JWT signed with the operator secret and
// carrying role=admin. With no secret configured the endpoint is closed.
func (s *Server) adminGate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminSecret == "" {
			WriteForbidden(w, r, "admin endpoints are not enabled")
			return
		}
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			WriteUnauthorized(w, r, "bearer token required")
			return
		}
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(s.adminSecret), nil
		})
		if err != nil || !token.Valid {
			WriteUnauthorized(w, r, "invalid admin token")
			return
		}
		if role, _ := claims["role"].(string); role != "admin" {
			WriteForbidden(w, r, "admin role required")
			return
		}
		next(w, r)
	}
}
