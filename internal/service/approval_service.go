package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/aegis-gate/aegisgate/internal/domain/approval"
	"github.com/aegis-gate/aegisgate/internal/domain/token"
)

// ApprovalService handles the operator side of escalations: listing
// open tickets and deciding them. Approving issues a single-use
// override token that is returned exactly once.
type ApprovalService struct {
	approvals approval.Store
	codec     *token.Codec
	tokenTTL  time.Duration
	logger    *slog.Logger
}

func NewApprovalService(approvals approval.Store, codec *token.Codec, logger *slog.Logger) *ApprovalService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ApprovalService{
		approvals: approvals,
		codec:     codec,
		tokenTTL:  token.DefaultOverrideTTL,
		logger:    logger,
	}
}

func (s *ApprovalService) List(ctx context.Context, orgID string, f approval.ListFilter) ([]*approval.Approval, error) {
	return s.approvals.List(ctx, orgID, f)
}

func (s *ApprovalService) Get(ctx context.Context, orgID, id string) (*approval.Approval, error) {
	return s.approvals.Get(ctx, orgID, id)
}

// Approve decides a pending approval and mints its override token. The
// store keeps only the token's hash; the plaintext exists in the
// response and nowhere else.
func (s *ApprovalService) Approve(ctx context.Context, orgID, id, decidedBy string) (*approval.Approval, string, error) {
	apr, err := s.approvals.Get(ctx, orgID, id)
	if err != nil {
		return nil, "", err
	}

	tok, err := s.codec.IssueOverride(apr.ID, apr.ActionHash, s.tokenTTL)
	if err != nil {
		return nil, "", fmt.Errorf("service: issue override token: %w", err)
	}
	sum := sha256.Sum256([]byte(tok))

	decided, err := s.approvals.MarkDecided(ctx, orgID, id, approval.StatusApproved,
		decidedBy, hex.EncodeToString(sum[:]))
	if err != nil {
		// The minted token dies with this error path; it was never
		// shown to anyone.
		return nil, "", err
	}

	s.logger.Info("approval approved",
		"approval_id", id, "org_id", orgID, "decided_by", decidedBy)
	return decided, tok, nil
}

// Deny decides a pending approval negatively. No token is issued.
func (s *ApprovalService) Deny(ctx context.Context, orgID, id, decidedBy string) (*approval.Approval, error) {
	decided, err := s.approvals.MarkDecided(ctx, orgID, id, approval.StatusDenied, decidedBy, "")
	if err != nil {
		return nil, err
	}
	s.logger.Info("approval denied",
		"approval_id", id, "org_id", orgID, "decided_by", decidedBy)
	return decided, nil
}
