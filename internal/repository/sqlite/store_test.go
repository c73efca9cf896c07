package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"facilitator-agent/internal/domain"
)

func openTestStore(t *testing.T, maxHints int) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "facilitator.db"), maxHints)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var dialogueRoles = []domain.Role{domain.RoleUser, domain.RoleAssistant}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(" ", 3)
	require.ErrorContains(t, err, "path is required")

	_, err = Open(filepath.Join(t.TempDir(), "x.db"), 0)
	require.ErrorContains(t, err, "positive")
}

func TestClose_NilSafe(t *testing.T) {
	var s *Store
	require.NoError(t, s.Close())
}

func TestGetOrCreateConversation_Idempotent(t *testing.T) {
	store := openTestStore(t, 3)
	ctx := context.Background()

	first, created, err := store.GetOrCreateConversation(ctx, "session-1")
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, domain.ConversationActive, first.Status)
	require.Equal(t, "session-1", first.SessionID)

	second, created, err := store.GetOrCreateConversation(ctx, "session-1")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	other, created, err := store.GetOrCreateConversation(ctx, "session-2")
	require.NoError(t, err)
	require.True(t, created)
	require.NotEqual(t, first.ID, other.ID)
}

func TestGetOrCreateConversation_ConcurrentCallersShareOne(t *testing.T) {
	store := openTestStore(t, 3)
	ctx := context.Background()

	const callers = 8
	ids := make([]string, callers)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		creates int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, created, err := store.GetOrCreateConversation(ctx, "session-1")
			if err != nil {
				t.Errorf("get or create: %v", err)
				return
			}
			ids[i] = conv.ID
			if created {
				mu.Lock()
				creates++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, creates)
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

func TestGetConversation_NotFound(t *testing.T) {
	store := openTestStore(t, 3)
	_, err := store.GetConversation(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAppendMessage_UnknownConversation(t *testing.T) {
	store := openTestStore(t, 3)
	_, err := store.AppendMessage(context.Background(), "ghost", domain.RoleUser, "hello", 0)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAppendMessage_InvalidRole(t *testing.T) {
	store := openTestStore(t, 3)
	_, err := store.AppendMessage(context.Background(), "conv", domain.Role("model"), "hello", 0)
	require.ErrorContains(t, err, "invalid role")
}

func TestRecentMessages_WindowExcludesCurrentAndSystem(t *testing.T) {
	store := openTestStore(t, 3)
	ctx := context.Background()
	conv, _, err := store.GetOrCreateConversation(ctx, "session-1")
	require.NoError(t, err)

	for i := 0; i < 12; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		_, err := store.AppendMessage(ctx, conv.ID, role, fmt.Sprintf("turn-%02d", i), 0)
		require.NoError(t, err)
		if i == 5 {
			_, err := store.AppendMessage(ctx, conv.ID, domain.RoleSystem, "stage advanced", 0)
			require.NoError(t, err)
		}
	}
	current, err := store.AppendMessage(ctx, conv.ID, domain.RoleUser, "current", 0)
	require.NoError(t, err)

	msgs, err := store.RecentMessages(ctx, domain.RecentQuery{
		ConversationID: conv.ID,
		ExcludeID:      current.ID,
		Limit:          10,
		Roles:          dialogueRoles,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 10)
	require.Equal(t, "turn-02", msgs[0].Content)
	require.Equal(t, "turn-11", msgs[9].Content)
	for _, m := range msgs {
		require.NotEqual(t, current.ID, m.ID)
		require.NotEqual(t, domain.RoleSystem, m.Role)
	}

	all, err := store.RecentMessages(ctx, domain.RecentQuery{ConversationID: conv.ID, Limit: 100})
	require.NoError(t, err)
	require.Len(t, all, 14)
	require.Equal(t, "current", all[13].Content)
}

func TestRecentMessages_ColdStart(t *testing.T) {
	store := openTestStore(t, 3)
	ctx := context.Background()
	conv, _, err := store.GetOrCreateConversation(ctx, "session-1")
	require.NoError(t, err)

	msgs, err := store.RecentMessages(ctx, domain.RecentQuery{ConversationID: conv.ID, Limit: 10, Roles: dialogueRoles})
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestPeekHints_DoesNotMaterialize(t *testing.T) {
	store := openTestStore(t, 3)
	ctx := context.Background()

	usage, err := store.PeekHints(ctx, "session-1", 1)
	require.NoError(t, err)
	require.Equal(t, domain.HintUsage{SessionID: "session-1", Stage: 1, Max: 3}, usage)

	var rows int
	require.NoError(t, store.sqlDB.QueryRow("SELECT COUNT(*) FROM hint_budgets").Scan(&rows))
	require.Zero(t, rows)
}

func TestTryConsumeHint_ConcurrentCallersRespectMax(t *testing.T) {
	const (
		maxHints = 5
		callers  = 20
	)
	store := openTestStore(t, maxHints)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		exhausted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.TryConsumeHint(ctx, "session-1", 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, domain.ErrHintsExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, maxHints, ok)
	require.Equal(t, callers-maxHints, exhausted)

	usage, err := store.PeekHints(ctx, "session-1", 1)
	require.NoError(t, err)
	require.Equal(t, maxHints, usage.Used)
	require.Zero(t, usage.Remaining())
}

func TestTryConsumeHint_StagesAreIndependent(t *testing.T) {
	store := openTestStore(t, 1)
	ctx := context.Background()

	_, err := store.TryConsumeHint(ctx, "session-1", 1)
	require.NoError(t, err)
	usage, err := store.TryConsumeHint(ctx, "session-1", 1)
	require.ErrorIs(t, err, domain.ErrHintsExhausted)
	require.Equal(t, 1, usage.Used)
	require.Equal(t, 1, usage.Max)

	_, err = store.TryConsumeHint(ctx, "session-1", 2)
	require.NoError(t, err)
	_, err = store.TryConsumeHint(ctx, "session-2", 1)
	require.NoError(t, err)
}

func TestReserveHint_CountsAgainstCapacity(t *testing.T) {
	store := openTestStore(t, 2)
	ctx := context.Background()

	usage, err := store.ReserveHint(ctx, "session-1", 1)
	require.NoError(t, err)
	require.Equal(t, 1, usage.Reserved)
	require.Equal(t, 1, usage.Remaining())

	_, err = store.TryConsumeHint(ctx, "session-1", 1)
	require.NoError(t, err)

	_, err = store.ReserveHint(ctx, "session-1", 1)
	require.ErrorIs(t, err, domain.ErrHintsExhausted)

	require.NoError(t, store.ReleaseHint(ctx, "session-1", 1))
	usage, err = store.PeekHints(ctx, "session-1", 1)
	require.NoError(t, err)
	require.Equal(t, 1, usage.Used)
	require.Zero(t, usage.Reserved)

	require.ErrorContains(t, store.ReleaseHint(ctx, "session-1", 1), "no reservation")
}

func TestCommitTurn_ConsumesReservationAtomically(t *testing.T) {
	store := openTestStore(t, 3)
	ctx := context.Background()
	conv, _, err := store.GetOrCreateConversation(ctx, "session-1")
	require.NoError(t, err)
	_, err = store.ReserveHint(ctx, "session-1", 1)
	require.NoError(t, err)

	receipt, err := store.CommitTurn(ctx, domain.TurnCommit{
		ConversationID: conv.ID,
		SessionID:      "session-1",
		Stage:          1,
		HintReserved:   true,
		Reply:          "Look under the rug.",
		ReplyTokens:    6,
		TokensUsed:     40,
		Cost:           0.024,
	})
	require.NoError(t, err)
	require.NotNil(t, receipt.Hints)
	require.Equal(t, 1, receipt.Hints.Used)
	require.Zero(t, receipt.Hints.Reserved)
	require.Equal(t, 2, receipt.Hints.Remaining())
	require.Equal(t, 40, receipt.Conversation.TokenCount)
	require.InDelta(t, 0.024, receipt.Conversation.EstimatedCost, 1e-9)
	require.Equal(t, 1, receipt.Conversation.Turns)

	msgs, err := store.RecentMessages(ctx, domain.RecentQuery{ConversationID: conv.ID, Limit: 5})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, receipt.Message.ID, msgs[0].ID)
	require.Equal(t, domain.RoleAssistant, msgs[0].Role)
	require.Equal(t, 6, msgs[0].Tokens)
}

func TestCommitTurn_RollsBackWithoutReservation(t *testing.T) {
	store := openTestStore(t, 3)
	ctx := context.Background()
	conv, _, err := store.GetOrCreateConversation(ctx, "session-1")
	require.NoError(t, err)

	_, err = store.CommitTurn(ctx, domain.TurnCommit{
		ConversationID: conv.ID,
		SessionID:      "session-1",
		Stage:          1,
		HintReserved:   true,
		Reply:          "should not persist",
		TokensUsed:     10,
	})
	require.ErrorContains(t, err, "no reservation")

	msgs, err := store.RecentMessages(ctx, domain.RecentQuery{ConversationID: conv.ID, Limit: 5})
	require.NoError(t, err)
	require.Empty(t, msgs)

	reloaded, err := store.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Zero(t, reloaded.TokenCount)
	require.Zero(t, reloaded.Turns)
}

func TestCommitTurn_UnknownConversation(t *testing.T) {
	store := openTestStore(t, 3)
	_, err := store.CommitTurn(context.Background(), domain.TurnCommit{ConversationID: "ghost", Reply: "x"})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = store.CommitTurn(context.Background(), domain.TurnCommit{})
	require.ErrorContains(t, err, "conversation id")
}

func TestRecentMessages_NotBlockedByOpenWriter(t *testing.T) {
	store := openTestStore(t, 3)
	ctx := context.Background()
	conv, _, err := store.GetOrCreateConversation(ctx, "session-1")
	require.NoError(t, err)
	_, err = store.AppendMessage(ctx, conv.ID, domain.RoleUser, "first", 0)
	require.NoError(t, err)

	tx, err := store.sqlDB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, "UPDATE conversations SET turns = turns + 1 WHERE id = ?", conv.ID)
	require.NoError(t, err)

	readCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	msgs, err := store.RecentMessages(readCtx, domain.RecentQuery{ConversationID: conv.ID, Limit: 5, Roles: dialogueRoles})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	usage, err := store.PeekHints(readCtx, "session-1", 1)
	require.NoError(t, err)
	require.Equal(t, 3, usage.Max)
}
