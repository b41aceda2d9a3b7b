package store

import (
	"context"
	"fmt"
)

// AppendObservations records a batch of presence samples.
func (db *DB) AppendObservations(ctx context.Context, obs []Observation) error {
	if len(obs) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, o := range obs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO online_stats (user_id, platform, is_online, using_mobile, observed_at)
			VALUES (?, ?, ?, ?, ?)`, o.UserID, o.Platform, o.Online, o.UsingMobile, o.ObservedAt); err != nil {
			return fmt.Errorf("insert observation %s: %w", o.UserID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit observations: %w", err)
	}
	return nil
}

// CountObservations returns how many samples exist for a user.
func (db *DB) CountObservations(ctx context.Context, platform, userID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM online_stats WHERE platform = ? AND user_id = ?`, platform, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count observations: %w", err)
	}
	return n, nil
}
