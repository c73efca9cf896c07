// Package sqlite provides a SQLite-backed conversation, message ledger and
// hint budget store. It implements the same contracts as the DynamoDB
// repository and is used for local runs and integration tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"facilitator-agent/internal/domain"
)

const maxOpenConns = 4

//go:embed schema.sql
var schemaSQL string

// Store persists facilitator state in SQLite.
type Store struct {
	sqlDB           *sql.DB
	defaultMaxHints int

	now          func() time.Time
	newConvID    func() string
	newMessageID func() string
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite store at path and applies the schema.
func Open(path string, defaultMaxHints int) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if defaultMaxHints <= 0 {
		return nil, fmt.Errorf("default max hints must be positive")
	}

	cleanPath := filepath.Clean(path)
	// Transactions begin IMMEDIATE so writers queue on busy_timeout instead
	// of failing a read-to-write lock upgrade. WAL keeps plain reads off the
	// writer's lock.
	dsn := cleanPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxOpenConns)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schemaSQL); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		sqlDB:           sqlDB,
		defaultMaxHints: defaultMaxHints,
		now:             time.Now,
		newConvID:       uuid.NewString,
		newMessageID:    func() string { return ulid.Make().String() },
	}, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (domain.Conversation, error) {
	var (
		conv         domain.Conversation
		status       string
		createdAt    int64
		lastActivity int64
	)
	if err := row.Scan(
		&conv.ID,
		&conv.SessionID,
		&status,
		&conv.TokenCount,
		&conv.EstimatedCost,
		&conv.Turns,
		&createdAt,
		&lastActivity,
	); err != nil {
		return domain.Conversation{}, err
	}
	conv.Status = domain.ConversationStatus(status)
	conv.CreatedAt = fromMillis(createdAt)
	conv.LastActivity = fromMillis(lastActivity)
	return conv, nil
}

const conversationColumns = "id, session_id, status, token_count, estimated_cost, turns, created_at, last_activity"

// GetOrCreateConversation returns the session's conversation, creating it on
// first use. The boolean reports whether this call created it.
func (s *Store) GetOrCreateConversation(ctx context.Context, sessionID string) (domain.Conversation, bool, error) {
	now := toMillis(s.now())
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO conversations (id, session_id, status, created_at, last_activity)
		 VALUES (?, ?, ?, ?, ?) ON CONFLICT(session_id) DO NOTHING`,
		s.newConvID(), sessionID, string(domain.ConversationActive), now, now,
	)
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("insert conversation rows: %w", err)
	}

	conv, err := scanConversation(tx.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE session_id = ?", sessionID))
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("select conversation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Conversation{}, false, fmt.Errorf("commit: %w", err)
	}
	return conv, affected == 1, nil
}

// GetConversation loads a conversation by id.
func (s *Store) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	conv, err := scanConversation(s.sqlDB.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = ?", conversationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Conversation{}, fmt.Errorf("conversation %q: %w", conversationID, domain.ErrNotFound)
		}
		return domain.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

// CommitTurn applies the assistant reply, token accounting and the optional
// hint reservation in one transaction.
func (s *Store) CommitTurn(ctx context.Context, commit domain.TurnCommit) (domain.TurnReceipt, error) {
	if commit.ConversationID == "" {
		return domain.TurnReceipt{}, fmt.Errorf("conversation id is required")
	}
	now := s.now().UTC()

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TurnReceipt{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations
		 SET token_count = token_count + ?, estimated_cost = estimated_cost + ?, turns = turns + 1, last_activity = ?
		 WHERE id = ?`,
		commit.TokensUsed, commit.Cost, toMillis(now), commit.ConversationID,
	)
	if err != nil {
		return domain.TurnReceipt{}, fmt.Errorf("update conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return domain.TurnReceipt{}, fmt.Errorf("update conversation rows: %w", err)
	} else if n == 0 {
		return domain.TurnReceipt{}, fmt.Errorf("conversation %q: %w", commit.ConversationID, domain.ErrNotFound)
	}

	msg := domain.Message{
		ID:             s.newMessageID(),
		ConversationID: commit.ConversationID,
		Role:           domain.RoleAssistant,
		Content:        commit.Reply,
		Tokens:         commit.ReplyTokens,
		CreatedAt:      now,
	}
	if err := insertMessage(ctx, tx, msg); err != nil {
		return domain.TurnReceipt{}, err
	}

	receipt := domain.TurnReceipt{Message: msg}
	if commit.HintReserved {
		usage := domain.HintUsage{SessionID: commit.SessionID, Stage: commit.Stage}
		err := tx.QueryRowContext(ctx,
			`UPDATE hint_budgets SET used = used + 1, reserved = reserved - 1
			 WHERE session_id = ? AND stage = ? AND reserved > 0
			 RETURNING used, reserved, max_hints`,
			commit.SessionID, commit.Stage,
		).Scan(&usage.Used, &usage.Reserved, &usage.Max)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.TurnReceipt{}, fmt.Errorf("commit hint: no reservation for session %q stage %d", commit.SessionID, commit.Stage)
			}
			return domain.TurnReceipt{}, fmt.Errorf("commit hint: %w", err)
		}
		receipt.Hints = &usage
	}

	conv, err := scanConversation(tx.QueryRowContext(ctx,
		"SELECT "+conversationColumns+" FROM conversations WHERE id = ?", commit.ConversationID))
	if err != nil {
		return domain.TurnReceipt{}, fmt.Errorf("reload conversation: %w", err)
	}
	receipt.Conversation = conv

	if err := tx.Commit(); err != nil {
		return domain.TurnReceipt{}, fmt.Errorf("commit: %w", err)
	}
	return receipt, nil
}
