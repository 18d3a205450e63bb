package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegis-gate/aegisgate/internal/domain/auth"
	"github.com/aegis-gate/aegisgate/internal/domain/ratelimit"
	"github.com/aegis-gate/aegisgate/internal/service"
)

// Pinger is the readiness dependency, satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server is the gateway's HTTP surface.
type Server struct {
	gateway   *service.GatewayService
	approvals *service.ApprovalService
	audit     *service.AuditService
	auth      *auth.Service
	limiter   ratelimit.Limiter
	db        Pinger

	metrics         *Metrics
	registry        *prometheus.Registry
	maxRequestBytes int64
	corsOrigins     []string
	logger          *slog.Logger
}

// Config wires a Server.
type Config struct {
	Gateway   *service.GatewayService
	Approvals *service.ApprovalService
	Audit     *service.AuditService
	Auth      *auth.Service
	Limiter   ratelimit.Limiter
	DB        Pinger
	// MaxRequestBytes defaults to 1 MiB.
	MaxRequestBytes int64
	CORSOrigins     []string
	Logger          *slog.Logger
}

func NewServer(cfg Config) *Server {
	maxBytes := cfg.MaxRequestBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := prometheus.NewRegistry()
	return &Server{
		gateway:         cfg.Gateway,
		approvals:       cfg.Approvals,
		audit:           cfg.Audit,
		auth:            cfg.Auth,
		limiter:         cfg.Limiter,
		db:              cfg.DB,
		metrics:         NewMetrics(registry),
		registry:        registry,
		maxRequestBytes: maxBytes,
		corsOrigins:     cfg.CORSOrigins,
		logger:          logger,
	}
}

// Handler builds the full route table. Every API route is wrapped as
// instrument(auth(role(org(ratelimit(maxBody(handler)))))); the order
// matters: authentication before role checks, rate limiting before the
// body is read.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	mux.Handle("POST /api/v1/gateway/evaluate",
		s.api("evaluate", auth.RoleAgent, false, ratelimit.RouteEvaluate, http.HandlerFunc(s.handleEvaluate)))
	mux.Handle("POST /api/v1/gateway/execute",
		s.api("execute", auth.RoleAgent, false, ratelimit.RouteExecute, http.HandlerFunc(s.handleExecute)))

	mux.Handle("GET /api/v1/orgs/{org_id}/approvals",
		s.api("approvals_list", auth.RoleOperator, true, "", http.HandlerFunc(s.handleListApprovals)))
	mux.Handle("POST /api/v1/orgs/{org_id}/approvals/{id}/approve",
		s.api("approval_approve", auth.RoleOperator, true, "", http.HandlerFunc(s.handleApprove)))
	mux.Handle("POST /api/v1/orgs/{org_id}/approvals/{id}/deny",
		s.api("approval_deny", auth.RoleOperator, true, "", http.HandlerFunc(s.handleDeny)))

	mux.Handle("GET /api/v1/orgs/{org_id}/interaction-records",
		s.api("records_list", auth.RoleViewer, true, "", http.HandlerFunc(s.handleListRecords)))
	mux.Handle("GET /api/v1/orgs/{org_id}/logs/verify-chain",
		s.api("verify_chain", auth.RoleViewer, true, "", http.HandlerFunc(s.handleVerifyChain)))
	mux.Handle("POST /api/v1/orgs/{org_id}/audit/export",
		s.api("audit_export", auth.RoleViewer, true, "", http.HandlerFunc(s.handleExport)))

	var h http.Handler = mux
	h = s.corsMiddleware(h)
	h = RequestIDMiddleware(s.logger)(h)
	return h
}

// api assembles the standard middleware stack for one route.
func (s *Server) api(name string, role auth.Role, orgScoped bool, rlRoute string, h http.Handler) http.Handler {
	h = s.maxBody(h)
	h = s.rateLimit(routeName(rlRoute, name), h)
	if orgScoped {
		h = s.requireOrg(h)
	}
	h = s.requireRole(role, h)
	h = s.authMiddleware(h)
	return s.instrument(name, h)
}

func routeName(rlRoute, fallback string) string {
	if rlRoute != "" {
		return rlRoute
	}
	return fallback
}
