package http

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aegis-gate/aegisgate/internal/domain/action"
	"github.com/aegis-gate/aegisgate/internal/domain/approval"
)

// approvalView is the wire form of an approval. The override token
// hash never leaves the store.
type approvalView struct {
	ID         string        `json:"approval_id"`
	UAPKID     string        `json:"uapk_id"`
	AgentID    string        `json:"agent_id"`
	Action     action.Action `json:"action"`
	ActionHash string        `json:"action_hash"`
	Status     string        `json:"status"`
	CreatedAt  time.Time     `json:"created_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
	DecidedAt  *time.Time    `json:"decided_at,omitempty"`
	DecidedBy  string        `json:"decided_by,omitempty"`
	ConsumedAt *time.Time    `json:"consumed_at,omitempty"`
}

func toApprovalView(a *approval.Approval) approvalView {
	return approvalView{
		ID:         a.ID,
		UAPKID:     a.UAPKID,
		AgentID:    a.AgentID,
		Action:     a.Action,
		ActionHash: a.ActionHash,
		Status:     string(a.Status),
		CreatedAt:  a.CreatedAt,
		ExpiresAt:  a.ExpiresAt,
		DecidedAt:  a.DecidedAt,
		DecidedBy:  a.DecidedBy,
		ConsumedAt: a.ConsumedAt,
	}
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := approval.ListFilter{
		Status: approval.Status(q.Get("status")),
		Limit:  intParam(q.Get("limit")),
		Offset: intParam(q.Get("offset")),
	}

	items, err := s.approvals.List(r.Context(), r.PathValue("org_id"), filter)
	if err != nil {
		LoggerFromContext(r.Context()).Error("list approvals failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "listing approvals failed")
		return
	}

	views := make([]approvalView, 0, len(items))
	for _, a := range items {
		views = append(views, toApprovalView(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": views})
}

type decideRequest struct {
	Reason string `json:"reason,omitempty"`
}

// handleApprove decides the ticket and returns the override token.
// This response is the token's only appearance; afterwards only its
// hash exists.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	ident := IdentityFromContext(r.Context())
	decided, tok, err := s.approvals.Approve(r.Context(),
		r.PathValue("org_id"), r.PathValue("id"), ident.ID)
	if err != nil {
		s.writeApprovalError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"approval":       toApprovalView(decided),
		"override_token": tok,
	})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}

	ident := IdentityFromContext(r.Context())
	decided, err := s.approvals.Deny(r.Context(),
		r.PathValue("org_id"), r.PathValue("id"), ident.ID)
	if err != nil {
		s.writeApprovalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval": toApprovalView(decided)})
}

func (s *Server) writeApprovalError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, codeNotFound, "approval not found")
	case errors.Is(err, approval.ErrInvalidTransition):
		writeError(w, http.StatusConflict, codeInvalidState,
			"approval is no longer pending")
	default:
		LoggerFromContext(r.Context()).Error("approval decision failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "approval decision failed")
	}
}

func intParam(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
