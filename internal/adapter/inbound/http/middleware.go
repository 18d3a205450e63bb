package http

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/aegis-gate/aegisgate/internal/ctxkey"
	"github.com/aegis-gate/aegisgate/internal/domain/auth"
	"github.com/aegis-gate/aegisgate/internal/domain/ratelimit"
)

// RequestIDKey is the context key for the request ID.
var RequestIDKey = ctxkey.RequestIDKey{}

// LoggerKey is the context key for the enriched logger.
// Uses shared key type from ctxkey package to allow cross-package access without import cycles.
var LoggerKey = ctxkey.LoggerKey{}

// IdentityKey is the context key for the authenticated identity.
var IdentityKey = ctxkey.IdentityKey{}

// RequestIDMiddleware extracts or generates a request ID and enriches
// the logger. Both are stored in context; the ID is echoed back for
// correlation.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.New().String()
			}

			enriched := logger.With("request_id", requestID)

			ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
			ctx = context.WithValue(ctx, LoggerKey, enriched)

			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggerFromContext retrieves the enriched logger from context.
// Returns slog.Default() if no logger is in context.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// IdentityFromContext retrieves the authenticated identity, nil when
// the request went through an unauthenticated route.
func IdentityFromContext(ctx context.Context) *auth.Identity {
	if ident, ok := ctx.Value(IdentityKey).(*auth.Identity); ok {
		return ident
	}
	return nil
}

// authMiddleware resolves the API key from Authorization: Bearer or
// X-API-Key and stores the identity in context. Failed attempts burn
// the login quota per caller address so key guessing is throttled
// independently of valid traffic.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rawKey := bearerToken(r)
		if rawKey == "" {
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, "missing API key")
			return
		}

		ident, err := s.auth.Authenticate(r.Context(), rawKey)
		if err != nil {
			addr := realIP(r)
			key := ratelimit.Key(ratelimit.RouteLogin, "", addr)
			res, lerr := s.limiter.Allow(r.Context(), key, ratelimit.QuotaFor(ratelimit.RouteLogin))
			if lerr == nil && !res.Allowed {
				s.rateLimited(w, res)
				return
			}
			LoggerFromContext(r.Context()).Warn("authentication failed", "remote", addr)
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), IdentityKey, ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireRole gates a handler on one role. Runs after authMiddleware.
func (s *Server) requireRole(role auth.Role, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident := IdentityFromContext(r.Context())
		if ident == nil {
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, "missing API key")
			return
		}
		if !ident.HasRole(role) {
			writeError(w, http.StatusForbidden, codeUnauthorised,
				fmt.Sprintf("requires the %s role", role))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireOrg ensures the caller's org matches the {org_id} path
// element. Cross-org data is invisible, not forbidden by name.
func (s *Server) requireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident := IdentityFromContext(r.Context())
		if ident == nil || ident.OrgID != r.PathValue("org_id") {
			writeError(w, http.StatusForbidden, codeUnauthorised, "org mismatch")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimit applies the named route quota keyed by the authenticated
// identity, falling back to the caller address.
func (s *Server) rateLimit(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := ""
		if ident := IdentityFromContext(r.Context()); ident != nil {
			principal = ident.ID
		}
		key := ratelimit.Key(route, principal, realIP(r))
		res, err := s.limiter.Allow(r.Context(), key, ratelimit.QuotaFor(route))
		if err != nil {
			writeError(w, http.StatusInternalServerError, codeInternal, "rate limiter unavailable")
			return
		}
		if sized, ok := s.limiter.(interface{ Size() int }); ok {
			s.metrics.RateLimitKeys.Set(float64(sized.Size()))
		}
		if !res.Allowed {
			s.rateLimited(w, res)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimited(w http.ResponseWriter, res ratelimit.Result) {
	retry := int(res.RetryAfter.Seconds())
	if retry < 1 {
		retry = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retry))
	s.metrics.RateLimitedTotal.Inc()
	writeErrorDetails(w, http.StatusTooManyRequests, codeRateLimited,
		"rate limit exceeded", map[string]any{"retry_after_seconds": retry})
}

// maxBody caps the request body. Reads past the cap surface as
// http.MaxBytesError in the JSON decoder.
func (s *Server) maxBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestBytes)
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware handles cross-origin browser calls for the configured
// origins. An empty allowlist disables CORS entirely.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(s.corsOrigins))
	for _, origin := range s.corsOrigins {
		allowed[origin] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if _, ok := allowed[origin]; ok {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Request-ID")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-API-Key")
}

// realIP extracts the client address, trusting only the first entry of
// X-Forwarded-For.
func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
