package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aegis-gate/aegisgate/internal/domain/audit"
)

// AuditStore implements audit.Store. The full record is stored as one
// JSON payload; the columns exist only for chain lookups and filters.
// Insertion order (rowid) is chain order.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

func NewAuditStore(db *sql.DB) *AuditStore {
	return &AuditStore{db: db}
}

func (s *AuditStore) Insert(ctx context.Context, r *audit.Record) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("sqlite: encode record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interaction_records
			(record_id, org_id, uapk_id, agent_id, payload,
			 previous_record_hash, record_hash, gateway_signature, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RecordID, r.OrgID, r.UAPKID, r.AgentID, string(payload),
		r.PreviousRecordHash, r.RecordHash, r.GatewaySignature,
		fmtTime(r.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: insert record: %w", err)
	}
	return nil
}

// LastHash returns the newest record hash on the (orgID, uapkID) chain,
// or "" for an empty chain.
func (s *AuditStore) LastHash(ctx context.Context, orgID, uapkID string) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT record_hash FROM interaction_records
		WHERE org_id = ? AND uapk_id = ?
		ORDER BY rowid DESC LIMIT 1`, orgID, uapkID)

	var hash string
	if err := row.Scan(&hash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("sqlite: last record hash: %w", err)
	}
	return hash, nil
}

func (s *AuditStore) List(ctx context.Context, orgID string, f audit.ListFilter) ([]*audit.Record, error) {
	query := `SELECT payload FROM interaction_records WHERE org_id = ?`
	args := []any{orgID}
	if f.UAPKID != "" {
		query += ` AND uapk_id = ?`
		args = append(args, f.UAPKID)
	}
	if !f.From.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, fmtTime(f.From))
	}
	if !f.To.IsZero() {
		query += ` AND created_at < ?`
		args = append(args, fmtTime(f.To))
	}
	query += ` ORDER BY rowid DESC`
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	return s.query(ctx, query, args...)
}

// ListChain returns every record on one chain in insertion order, the
// order verification walks it in.
func (s *AuditStore) ListChain(ctx context.Context, orgID, uapkID string) ([]*audit.Record, error) {
	return s.query(ctx, `
		SELECT payload FROM interaction_records
		WHERE org_id = ? AND uapk_id = ?
		ORDER BY rowid ASC`, orgID, uapkID)
}

func (s *AuditStore) Chains(ctx context.Context, orgID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT uapk_id FROM interaction_records
		WHERE org_id = ? ORDER BY uapk_id`, orgID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list chains: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan chain id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *AuditStore) query(ctx context.Context, query string, args ...any) ([]*audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query records: %w", err)
	}
	defer rows.Close()

	var out []*audit.Record
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("sqlite: scan record: %w", err)
		}
		var r audit.Record
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			return nil, fmt.Errorf("sqlite: decode record: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
