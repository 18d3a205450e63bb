package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/aegis-gate/aegisgate/internal/domain/policy"
)

// CounterStore implements policy.BudgetReserver on the action_counters
// table. Reserve is one conditional upsert, so concurrent requests at
// the cap cannot both get a slot.
type CounterStore struct {
	db *sql.DB
}

var _ policy.BudgetReserver = (*CounterStore)(nil)

func NewCounterStore(db *sql.DB) *CounterStore {
	return &CounterStore{db: db}
}

// Reserve increments the day's counter if it is below cap. It returns
// the counter value after the attempt and whether the slot was taken.
func (s *CounterStore) Reserve(ctx context.Context, orgID, uapkID, day string, cap int) (int, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO action_counters (org_id, uapk_id, day, count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT (org_id, uapk_id, day)
		DO UPDATE SET count = count + 1 WHERE count < ?`,
		orgID, uapkID, day, cap)
	if err != nil {
		return 0, false, fmt.Errorf("sqlite: reserve budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("sqlite: reserve budget: %w", err)
	}

	count, err := s.Count(ctx, orgID, uapkID, day)
	if err != nil {
		return 0, false, err
	}
	return count, n == 1, nil
}

// Release gives back one reservation. The count never goes below zero.
func (s *CounterStore) Release(ctx context.Context, orgID, uapkID, day string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE action_counters SET count = count - 1
		WHERE org_id = ? AND uapk_id = ? AND day = ? AND count > 0`,
		orgID, uapkID, day)
	if err != nil {
		return fmt.Errorf("sqlite: release budget: %w", err)
	}
	return nil
}

func (s *CounterStore) Count(ctx context.Context, orgID, uapkID, day string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT count FROM action_counters
		WHERE org_id = ? AND uapk_id = ? AND day = ?`,
		orgID, uapkID, day)

	var count int
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("sqlite: read budget counter: %w", err)
	}
	return count, nil
}
