package store

import (
	"context"
	"fmt"
)

// UpsertUsers writes a batch of users in one transaction. New users are
// inserted (or overwritten if a row already exists); known users only have
// their mutable columns updated.
func (db *DB) UpsertUsers(ctx context.Context, users []User, isNew bool) error {
	if len(users) == 0 {
		return nil
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		UPDATE users SET name = ?, username = ?, chat_id = ?, last_seen = ?, want_time = ?, muted = ?
		WHERE user_id = ? AND platform = ?`
	if isNew {
		query = `
			INSERT INTO users (name, username, chat_id, last_seen, want_time, muted, user_id, platform)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, platform) DO UPDATE SET
				name = excluded.name,
				username = excluded.username,
				chat_id = CASE WHEN excluded.chat_id != '' THEN excluded.chat_id ELSE users.chat_id END,
				last_seen = MAX(users.last_seen, excluded.last_seen),
				want_time = excluded.want_time,
				muted = excluded.muted`
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare user upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, u := range users {
		if _, err := stmt.ExecContext(ctx, u.DisplayName, u.Username, u.ChatID, u.LastSeen, u.WantsTime, u.Muted, u.ID, u.Platform); err != nil {
			return fmt.Errorf("upsert user %s/%s: %w", u.Platform, u.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit users: %w", err)
	}
	return nil
}

// ListUsers returns every known user of a platform keyed by id.
func (db *DB) ListUsers(ctx context.Context, platform string) (map[string]User, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user_id, platform, name, username, chat_id, last_seen, want_time, muted
		FROM users WHERE platform = ?`, platform)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	users := make(map[string]User)
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Platform, &u.DisplayName, &u.Username, &u.ChatID, &u.LastSeen, &u.WantsTime, &u.Muted); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users[u.ID] = u
	}
	return users, rows.Err()
}
