package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"facilitator-agent/internal/domain"
)

// PeekHints reads a hint budget without creating it.
func (s *Store) PeekHints(ctx context.Context, sessionID string, stage int) (domain.HintUsage, error) {
	usage := domain.HintUsage{SessionID: sessionID, Stage: stage}
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT used, reserved, max_hints FROM hint_budgets WHERE session_id = ? AND stage = ?",
		sessionID, stage,
	).Scan(&usage.Used, &usage.Reserved, &usage.Max)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			usage.Max = s.defaultMaxHints
			return usage, nil
		}
		return domain.HintUsage{}, fmt.Errorf("peek hints: %w", err)
	}
	return usage, nil
}

// TryConsumeHint marks one hint as used iff a slot is free.
func (s *Store) TryConsumeHint(ctx context.Context, sessionID string, stage int) (domain.HintUsage, error) {
	return s.takeHint(ctx, sessionID, stage, 1, 0)
}

// ReserveHint holds one hint slot for an in-flight turn.
func (s *Store) ReserveHint(ctx context.Context, sessionID string, stage int) (domain.HintUsage, error) {
	return s.takeHint(ctx, sessionID, stage, 0, 1)
}

func (s *Store) takeHint(ctx context.Context, sessionID string, stage, used, reserved int) (domain.HintUsage, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return domain.HintUsage{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO hint_budgets (session_id, stage, max_hints) VALUES (?, ?, ?)",
		sessionID, stage, s.defaultMaxHints,
	); err != nil {
		return domain.HintUsage{}, fmt.Errorf("init hint budget: %w", err)
	}

	usage := domain.HintUsage{SessionID: sessionID, Stage: stage}
	err = tx.QueryRowContext(ctx,
		`UPDATE hint_budgets SET used = used + ?, reserved = reserved + ?
		 WHERE session_id = ? AND stage = ? AND used + reserved < max_hints
		 RETURNING used, reserved, max_hints`,
		used, reserved, sessionID, stage,
	).Scan(&usage.Used, &usage.Reserved, &usage.Max)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.QueryRowContext(ctx,
			"SELECT used, reserved, max_hints FROM hint_budgets WHERE session_id = ? AND stage = ?",
			sessionID, stage,
		).Scan(&usage.Used, &usage.Reserved, &usage.Max); err != nil {
			return domain.HintUsage{}, fmt.Errorf("read exhausted budget: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return domain.HintUsage{}, fmt.Errorf("commit: %w", err)
		}
		return usage, fmt.Errorf("session %q stage %d: %w", sessionID, stage, domain.ErrHintsExhausted)
	}
	if err != nil {
		return domain.HintUsage{}, fmt.Errorf("take hint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.HintUsage{}, fmt.Errorf("commit: %w", err)
	}
	return usage, nil
}

// ReleaseHint returns a reservation without marking it used.
func (s *Store) ReleaseHint(ctx context.Context, sessionID string, stage int) error {
	res, err := s.sqlDB.ExecContext(ctx,
		"UPDATE hint_budgets SET reserved = reserved - 1 WHERE session_id = ? AND stage = ? AND reserved > 0",
		sessionID, stage,
	)
	if err != nil {
		return fmt.Errorf("release hint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release hint rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("release hint: no reservation for session %q stage %d", sessionID, stage)
	}
	return nil
}
