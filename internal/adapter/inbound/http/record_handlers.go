package http

import (
	"net/http"
	"time"

	"github.com/aegis-gate/aegisgate/internal/domain/audit"
)

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.ListFilter{
		UAPKID: q.Get("uapk_id"),
		From:   timeParam(q.Get("from")),
		To:     timeParam(q.Get("to")),
		Limit:  intParam(q.Get("limit")),
		Offset: intParam(q.Get("offset")),
	}

	records, err := s.audit.List(r.Context(), r.PathValue("org_id"), filter)
	if err != nil {
		LoggerFromContext(r.Context()).Error("list records failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "listing records failed")
		return
	}
	if records == nil {
		records = []*audit.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// handleVerifyChain verifies one chain when uapk_id is given, or every
// chain the org has.
func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	orgID := r.PathValue("org_id")
	if uapkID := r.URL.Query().Get("uapk_id"); uapkID != "" {
		report, err := s.audit.VerifyChain(r.Context(), orgID, uapkID)
		if err != nil {
			LoggerFromContext(r.Context()).Error("chain verification failed", "error", err)
			writeError(w, http.StatusInternalServerError, codeInternal, "chain verification failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"chains": map[string]any{uapkID: report}})
		return
	}

	reports, err := s.audit.VerifyAll(r.Context(), orgID)
	if err != nil {
		LoggerFromContext(r.Context()).Error("chain verification failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "chain verification failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"chains": reports})
}

type exportRequest struct {
	UAPKID string `json:"uapk_id"`
}

// handleExport streams the verification bundle for one chain.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.UAPKID == "" {
		writeError(w, http.StatusBadRequest, codeMalformed, "uapk_id is required")
		return
	}

	bundle, err := s.audit.Export(r.Context(), r.PathValue("org_id"), req.UAPKID)
	if err != nil {
		LoggerFromContext(r.Context()).Error("audit export failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "audit export failed")
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition",
		`attachment; filename="audit-`+req.UAPKID+`.tar.gz"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(bundle)
}

func timeParam(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
