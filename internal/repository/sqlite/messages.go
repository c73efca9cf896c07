package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"facilitator-agent/internal/domain"
)

func insertMessage(ctx context.Context, tx *sql.Tx, msg domain.Message) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, string(msg.Role), msg.Content, msg.Tokens, toMillis(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// AppendMessage writes one immutable ledger entry to an existing conversation.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role domain.Role, content string, tokens int) (domain.Message, error) {
	if !role.Valid() {
		return domain.Message{}, fmt.Errorf("invalid role %q", role)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Message{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, "SELECT 1 FROM conversations WHERE id = ?", conversationID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Message{}, fmt.Errorf("conversation %q: %w", conversationID, domain.ErrNotFound)
		}
		return domain.Message{}, fmt.Errorf("check conversation: %w", err)
	}

	msg := domain.Message{
		ID:             s.newMessageID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Tokens:         tokens,
		CreatedAt:      s.now().UTC(),
	}
	if err := insertMessage(ctx, tx, msg); err != nil {
		return domain.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Message{}, fmt.Errorf("commit: %w", err)
	}
	// Round-trip through storage precision so callers see what readers will.
	msg.CreatedAt = fromMillis(toMillis(msg.CreatedAt))
	return msg, nil
}

// RecentMessages returns the newest q.Limit messages matching the role
// filter, oldest first.
func (s *Store) RecentMessages(ctx context.Context, q domain.RecentQuery) ([]domain.Message, error) {
	if q.Limit <= 0 {
		return nil, nil
	}

	var (
		query strings.Builder
		args  = []any{q.ConversationID, q.ExcludeID}
	)
	query.WriteString(`SELECT id, conversation_id, role, content, tokens, created_at
		FROM messages WHERE conversation_id = ? AND id != ?`)
	if len(q.Roles) > 0 {
		query.WriteString(" AND role IN (")
		for i, role := range q.Roles {
			if i > 0 {
				query.WriteString(", ")
			}
			query.WriteString("?")
			args = append(args, string(role))
		}
		query.WriteString(")")
	}
	query.WriteString(" ORDER BY seq DESC LIMIT ?")
	args = append(args, q.Limit)

	rows, err := s.sqlDB.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]domain.Message, 0, q.Limit)
	for rows.Next() {
		var (
			msg       domain.Message
			role      string
			createdAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &msg.Tokens, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msg.Role = domain.Role(role)
		msg.CreatedAt = fromMillis(createdAt)
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
