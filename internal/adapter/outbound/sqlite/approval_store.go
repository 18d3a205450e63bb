package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aegis-gate/aegisgate/internal/domain/action"
	"github.com/aegis-gate/aegisgate/internal/domain/approval"
)

// ApprovalStore implements approval.Store. Consumption and decision
// transitions are single conditional UPDATEs; the affected-row count
// is the concurrency guard.
type ApprovalStore struct {
	db *sql.DB
}

var _ approval.Store = (*ApprovalStore)(nil)

func NewApprovalStore(db *sql.DB) *ApprovalStore {
	return &ApprovalStore{db: db}
}

func (s *ApprovalStore) Create(ctx context.Context, a *approval.Approval) error {
	actionJSON, err := json.Marshal(a.Action)
	if err != nil {
		return fmt.Errorf("sqlite: encode approval action: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approvals
			(approval_id, org_id, uapk_id, agent_id, action_json, action_hash,
			 status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrgID, a.UAPKID, a.AgentID, string(actionJSON), a.ActionHash,
		string(a.Status), fmtTime(a.CreatedAt), fmtTime(a.ExpiresAt))
	if err != nil {
		return fmt.Errorf("sqlite: create approval: %w", err)
	}
	return nil
}

func (s *ApprovalStore) Get(ctx context.Context, orgID, id string) (*approval.Approval, error) {
	row := s.db.QueryRowContext(ctx, selectApproval+`
		WHERE approval_id = ? AND org_id = ?`, id, orgID)
	return scanApproval(row)
}

func (s *ApprovalStore) GetPendingByActionHash(ctx context.Context, orgID, uapkID, agentID, actionHash string) (*approval.Approval, error) {
	row := s.db.QueryRowContext(ctx, selectApproval+`
		WHERE org_id = ? AND uapk_id = ? AND agent_id = ? AND action_hash = ?
		  AND status = 'PENDING' AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1`,
		orgID, uapkID, agentID, actionHash, fmtTime(time.Now().UTC()))
	return scanApproval(row)
}

// List lazily reaps expired PENDING rows, then returns matching
// approvals, newest first.
func (s *ApprovalStore) List(ctx context.Context, orgID string, f approval.ListFilter) ([]*approval.Approval, error) {
	now := fmtTime(time.Now().UTC())
	if _, err := s.db.ExecContext(ctx, `
		UPDATE approvals SET status = 'EXPIRED'
		WHERE org_id = ? AND status = 'PENDING' AND expires_at <= ?`,
		orgID, now); err != nil {
		return nil, fmt.Errorf("sqlite: reap approvals: %w", err)
	}

	query := selectApproval + ` WHERE org_id = ?`
	args := []any{orgID}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY created_at DESC`
	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list approvals: %w", err)
	}
	defer rows.Close()

	var out []*approval.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkDecided transitions PENDING to APPROVED or DENIED. The UPDATE's
// conditions make a double decision, a decision on an expired row, or
// a decision race lose cleanly.
func (s *ApprovalStore) MarkDecided(ctx context.Context, orgID, id string, status approval.Status, decidedBy, overrideTokenHash string) (*approval.Approval, error) {
	if status != approval.StatusApproved && status != approval.StatusDenied {
		return nil, approval.ErrInvalidTransition
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET status = ?, decided_at = ?, decided_by = ?, override_token_hash = ?
		WHERE approval_id = ? AND org_id = ? AND status = 'PENDING' AND expires_at > ?`,
		string(status), fmtTime(now), decidedBy, nullable(overrideTokenHash),
		id, orgID, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("sqlite: decide approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: decide approval: %w", err)
	}
	if n != 1 {
		// Distinguish a missing row from a bad state for the API layer.
		if _, getErr := s.Get(ctx, orgID, id); errors.Is(getErr, approval.ErrNotFound) {
			return nil, approval.ErrNotFound
		}
		return nil, approval.ErrInvalidTransition
	}
	return s.Get(ctx, orgID, id)
}

// ConsumeIfValid is the atomic replay guard: exactly one caller can
// ever see a row change here.
func (s *ApprovalStore) ConsumeIfValid(ctx context.Context, id, interactionID string) (bool, error) {
	now := fmtTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		UPDATE approvals
		SET consumed_at = ?, consumed_interaction_id = ?
		WHERE approval_id = ? AND status = 'APPROVED'
		  AND consumed_at IS NULL AND expires_at > ?`,
		now, interactionID, id, now)
	if err != nil {
		return false, fmt.Errorf("sqlite: consume approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: consume approval: %w", err)
	}
	return n == 1, nil
}

const selectApproval = `
	SELECT approval_id, org_id, uapk_id, agent_id, action_json, action_hash,
	       status, created_at, expires_at, decided_at, decided_by,
	       consumed_at, consumed_interaction_id, override_token_hash
	FROM approvals`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*approval.Approval, error) {
	var a approval.Approval
	var actionJSON, createdAt, expiresAt string
	var decidedAt, decidedBy, consumedAt, consumedID, tokenHash sql.NullString

	err := row.Scan(&a.ID, &a.OrgID, &a.UAPKID, &a.AgentID, &actionJSON, &a.ActionHash,
		&a.Status, &createdAt, &expiresAt, &decidedAt, &decidedBy,
		&consumedAt, &consumedID, &tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, approval.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: scan approval: %w", err)
	}

	var act action.Action
	if err := json.Unmarshal([]byte(actionJSON), &act); err != nil {
		return nil, fmt.Errorf("sqlite: decode approval action: %w", err)
	}
	a.Action = act
	a.CreatedAt = parseTime(createdAt)
	a.ExpiresAt = parseTime(expiresAt)
	if decidedAt.Valid {
		t := parseTime(decidedAt.String)
		a.DecidedAt = &t
	}
	a.DecidedBy = decidedBy.String
	if consumedAt.Valid {
		t := parseTime(consumedAt.String)
		a.ConsumedAt = &t
	}
	a.ConsumedInteractionID = consumedID.String
	a.OverrideTokenHash = tokenHash.String
	return &a, nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
