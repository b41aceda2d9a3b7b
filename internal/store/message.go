package store

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
)

// AppendMessage stores a freshly received message and returns its internal id.
// Exactly one of m.ChatA and m.ChatB must be set.
func (db *DB) AppendMessage(ctx context.Context, m *Message) (int64, error) {
	if (m.ChatA == "") == (m.ChatB == "") {
		return 0, fmt.Errorf("append message %q: exactly one chat id must be set", m.OriginID)
	}
	kind := m.Kind
	if kind == "" {
		kind = "text"
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO messages (message_id, sender_id, sender_name, username, content, kind, timestamp, side_a_chat_id, side_b_chat_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.OriginID, m.SenderID, m.SenderName, m.SenderUsername, m.Content, kind, m.Timestamp,
		nullString(m.ChatA), nullString(m.ChatB))
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append message id: %w", err)
	}
	m.InternalID = id
	return id, nil
}

// PendingMessagesFor yields, in arrival order, every message not yet delivered
// to side whose origin chat has an active pipe to a chat on side. The query is
// evaluated fresh on each call; no cursor is kept between calls. Breaking out
// of the loop early releases the underlying rows.
func (db *DB) PendingMessagesFor(ctx context.Context, side Side) iter.Seq2[PendingMessage, error] {
	destMsg, destPipe := chatColumn(side)
	knownMsg, knownPipe := chatColumn(side.Other())
	query := fmt.Sprintf(`
		SELECT m.internal_id, m.message_id, m.sender_id, m.sender_name, m.username, m.content, m.kind, m.timestamp,
			m.side_a_chat_id, m.side_b_chat_id, p.%[4]s
		FROM messages m
		JOIN pipes p ON p.id = (
			SELECT id FROM pipes
			WHERE %[3]s = m.%[2]s AND is_active = 1
			ORDER BY id LIMIT 1)
		WHERE m.%[1]s IS NULL
		ORDER BY m.internal_id`, destMsg, knownMsg, knownPipe, destPipe)

	return func(yield func(PendingMessage, error) bool) {
		rows, err := db.QueryContext(ctx, query)
		if err != nil {
			yield(PendingMessage{}, fmt.Errorf("pending messages for %s: %w", side, err))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				pm           PendingMessage
				chatA, chatB sql.NullString
			)
			if err := rows.Scan(&pm.InternalID, &pm.OriginID, &pm.SenderID, &pm.SenderName, &pm.SenderUsername,
				&pm.Content, &pm.Kind, &pm.Timestamp, &chatA, &chatB, &pm.Destination); err != nil {
				yield(PendingMessage{}, fmt.Errorf("scan pending message: %w", err))
				return
			}
			pm.ChatA, pm.ChatB = chatA.String, chatB.String
			if !yield(pm, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(PendingMessage{}, fmt.Errorf("pending messages for %s: %w", side, err))
		}
	}
}

// MarkDelivered records that a message reached destChatID on side. It only
// fills an empty column, so repeating the call is a no-op. The boolean
// reports whether this call changed the row.
func (db *DB) MarkDelivered(ctx context.Context, internalID int64, side Side, destChatID string) (bool, error) {
	col, _ := chatColumn(side)
	res, err := db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE messages SET %[1]s = ? WHERE internal_id = ? AND %[1]s IS NULL`, col),
		destChatID, internalID)
	if err != nil {
		return false, fmt.Errorf("mark delivered %d: %w", internalID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark delivered %d: %w", internalID, err)
	}
	return n > 0, nil
}

// GetMessage loads a message by internal id.
func (db *DB) GetMessage(ctx context.Context, internalID int64) (*Message, error) {
	var (
		m            Message
		chatA, chatB sql.NullString
	)
	err := db.QueryRowContext(ctx, `
		SELECT internal_id, message_id, sender_id, sender_name, username, content, kind, timestamp, side_a_chat_id, side_b_chat_id
		FROM messages WHERE internal_id = ?`, internalID).
		Scan(&m.InternalID, &m.OriginID, &m.SenderID, &m.SenderName, &m.SenderUsername, &m.Content, &m.Kind, &m.Timestamp, &chatA, &chatB)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message %d: %w", internalID, err)
	}
	m.ChatA, m.ChatB = chatA.String, chatB.String
	return &m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
