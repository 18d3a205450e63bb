package http

import (
	"net/http"

	"github.com/aegis-gate/aegisgate/internal/service"
)

// handleEvaluate is the dry run: full pipeline, recorded, nothing
// consumed or invoked.
func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req service.GatewayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UAPKID == "" || req.Action.Type == "" || req.Action.Tool == "" {
		writeError(w, http.StatusBadRequest, codeMalformed,
			"uapk_id, action.type and action.tool are required")
		return
	}

	out, err := s.gateway.Evaluate(r.Context(), IdentityFromContext(r.Context()), req)
	if err != nil {
		LoggerFromContext(r.Context()).Error("evaluate failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "evaluation failed")
		return
	}
	s.recordOutcome(out)
	writeJSON(w, http.StatusOK, out)
}

// handleExecute runs the pipeline for real. DENY, ESCALATE and tool
// failures are all 200s; the decision body carries the outcome.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req service.GatewayRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UAPKID == "" || req.Action.Type == "" || req.Action.Tool == "" {
		writeError(w, http.StatusBadRequest, codeMalformed,
			"uapk_id, action.type and action.tool are required")
		return
	}

	out, err := s.gateway.Execute(r.Context(), IdentityFromContext(r.Context()), req)
	if err != nil {
		LoggerFromContext(r.Context()).Error("execute failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "execution failed")
		return
	}
	s.recordOutcome(out)
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) recordOutcome(out *service.Outcome) {
	s.metrics.DecisionsTotal.WithLabelValues(string(out.Decision)).Inc()
	s.metrics.AuditRecordsTotal.Inc()
	if out.Executed && out.Result != nil {
		outcome := "success"
		if !out.Result.Success {
			outcome = "failure"
		}
		s.metrics.ConnectorCallsTotal.WithLabelValues(outcome).Inc()
	}
}
