package store

import (
	"context"
	"database/sql"
	"fmt"
)

// CreatePendingPipe inserts an inactive pipe carrying an activation code.
// Returns ErrConflict if a row for (chatA, chatB) already exists, pending or active.
func (db *DB) CreatePendingPipe(ctx context.Context, chatA, chatB, code string) (*Pipe, error) {
	p := &Pipe{ChatA: chatA, ChatB: chatB, Code: code, CreatedAt: db.now()}
	res, err := db.ExecContext(ctx, `
		INSERT INTO pipes (chat_a, chat_b, is_active, code, created_at)
		VALUES (?, ?, 0, ?, ?)`, chatA, chatB, code, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("create pending pipe: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("create pending pipe id: %w", err)
	}
	return p, nil
}

// PendingPipes returns pending pipes created after createdAfter, keyed by
// their chat id on side. Rows for one chat are in creation order.
func (db *DB) PendingPipes(ctx context.Context, side Side, createdAfter int64) (map[string][]Pipe, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, chat_a, chat_b, is_active, code, created_at
		FROM pipes
		WHERE is_active = 0 AND code IS NOT NULL AND created_at > ?
		ORDER BY id`, createdAfter)
	if err != nil {
		return nil, fmt.Errorf("pending pipes: %w", err)
	}
	pipes, err := scanPipes(rows)
	if err != nil {
		return nil, fmt.Errorf("pending pipes: %w", err)
	}
	out := make(map[string][]Pipe)
	for _, p := range pipes {
		chat := p.ChatID(side)
		out[chat] = append(out[chat], p)
	}
	return out, nil
}

// ConfirmPipe activates a pending pipe and deletes every other row sharing its
// side A chat, so only one pipe per originating chat can ever be active.
// Returns ErrNotFound if the pipe no longer exists or is already active.
func (db *DB) ConfirmPipe(ctx context.Context, id int64) (*Pipe, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	p := Pipe{ID: id}
	err = tx.QueryRowContext(ctx, `SELECT chat_a, chat_b, created_at FROM pipes WHERE id = ? AND is_active = 0`, id).
		Scan(&p.ChatA, &p.ChatB, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load pipe %d: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pipes WHERE chat_a = ? AND id != ?`, p.ChatA, id); err != nil {
		return nil, fmt.Errorf("purge sibling pipes: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE pipes SET is_active = 1, code = NULL WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("activate pipe %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit pipe activation: %w", err)
	}
	p.Active = true
	return &p, nil
}

// RemovePipe deletes every pipe, pending or active, originating from chatA.
func (db *DB) RemovePipe(ctx context.Context, chatA string) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM pipes WHERE chat_a = ?`, chatA)
	if err != nil {
		return 0, fmt.Errorf("remove pipe %s: %w", chatA, err)
	}
	return res.RowsAffected()
}

// PurgeExpiredPipes deletes pending pipes created at or before createdBefore.
func (db *DB) PurgeExpiredPipes(ctx context.Context, createdBefore int64) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM pipes WHERE is_active = 0 AND created_at <= ?`, createdBefore)
	if err != nil {
		return 0, fmt.Errorf("purge expired pipes: %w", err)
	}
	return res.RowsAffected()
}

// ActivePipeDestinations returns the set of side chat ids joined by an active pipe.
func (db *DB) ActivePipeDestinations(ctx context.Context, side Side) (map[string]struct{}, error) {
	_, col := chatColumn(side)
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT DISTINCT %s FROM pipes WHERE is_active = 1`, col))
	if err != nil {
		return nil, fmt.Errorf("active pipe destinations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]struct{})
	for rows.Next() {
		var chat string
		if err := rows.Scan(&chat); err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		out[chat] = struct{}{}
	}
	return out, rows.Err()
}

// ListPipes returns every pipe ordered by id.
func (db *DB) ListPipes(ctx context.Context) ([]Pipe, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, chat_a, chat_b, is_active, code, created_at FROM pipes ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list pipes: %w", err)
	}
	return scanPipes(rows)
}

func scanPipes(rows *sql.Rows) ([]Pipe, error) {
	defer func() { _ = rows.Close() }()
	var pipes []Pipe
	for rows.Next() {
		var (
			p    Pipe
			code sql.NullString
		)
		if err := rows.Scan(&p.ID, &p.ChatA, &p.ChatB, &p.Active, &code, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Code = code.String
		pipes = append(pipes, p)
	}
	return pipes, rows.Err()
}
