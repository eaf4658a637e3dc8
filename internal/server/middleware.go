package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/maruel/ksid"
	"github.com/maruel/marketbff/internal/apierr"
	"github.com/maruel/marketbff/internal/metrics"
	"github.com/maruel/marketbff/internal/server/ratelimit"
	"github.com/maruel/marketbff/internal/server/reqctx"
	"golang.org/x/crypto/bcrypt"
)

// statusRecorder captures the status code for the access log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// withRequestContext assigns a request id, records the client IP and logs
// one line per request.
func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" || len(id) > 64 {
			id = ksid.NewID().String()
		}
		ip := reqctx.GetClientIP(r)
		ctx := reqctx.WithRequestID(reqctx.WithClientIP(r.Context(), ip), id)
		w.Header().Set("X-Request-ID", id)
		rec := &statusRecorder{ResponseWriter: w}
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		// Set by the ServeMux on the same *http.Request.
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveRequest(route, rec.status)
		slog.InfoContext(ctx, "http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"dur", time.Since(start).Round(time.Millisecond),
			"ip", ip,
			"rid", id,
		)
	})
}

// limitBody caps request bodies; reading past n fails with
// *http.MaxBytesError which is reported as 413.
func limitBody(n int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, n)
		next.ServeHTTP(w, r)
	})
}

// TokenChecker verifies the admin bearer token.
type TokenChecker func(token string) bool

// StaticToken compares in constant time against a plain token.
func StaticToken(want string) TokenChecker {
	return func(got string) bool {
		return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
	}
}

// HashedToken compares against a bcrypt hash.
func HashedToken(hash string) TokenChecker {
	return func(got string) bool {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(got)) == nil
	}
}

// requireAdmin rejects requests without the admin bearer token: 401 when
// absent, 403 when wrong.
func requireAdmin(check TokenChecker, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		token = strings.TrimSpace(token)
		if !ok || token == "" {
			writeError(ctx, w, apierr.Unauthorized())
			return
		}
		if check == nil || !check(token) {
			slog.WarnContext(ctx, "Invalid admin token", "ip", reqctx.ClientIP(ctx))
			writeError(ctx, w, apierr.Forbidden())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit throttles by client IP. A nil limiter disables it.
func rateLimit(l *ratelimit.Limiter, next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		res := l.Allow(reqctx.ClientIP(ctx))
		ratelimit.WriteHeaders(w, res)
		if !res.Allowed {
			writeError(ctx, w, apierr.TooManyRequests(res.RetryAfter))
			return
		}
		next.ServeHTTP(w, r)
	})
}
