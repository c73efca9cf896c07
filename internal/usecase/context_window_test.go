package usecase

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"facilitator-agent/internal/domain"
)

type stubReader struct {
	msgs []domain.Message
	err  error
	got  domain.RecentQuery
}

func (s *stubReader) RecentMessages(_ context.Context, q domain.RecentQuery) ([]domain.Message, error) {
	s.got = q
	return s.msgs, s.err
}

func TestContextWindowBuilder_Validation(t *testing.T) {
	_, err := NewContextWindowBuilder(nil)
	require.ErrorContains(t, err, "must not be nil")

	b, err := NewContextWindowBuilder(&stubReader{})
	require.NoError(t, err)
	_, err = b.Build(context.Background(), "", "m", 10)
	require.ErrorContains(t, err, "conversation id")
	_, err = b.Build(context.Background(), "c", "m", -1)
	require.ErrorContains(t, err, "negative")

	turns, err := b.Build(context.Background(), "c", "m", 0)
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestContextWindowBuilder_TwelveTurnsWindowTen(t *testing.T) {
	store := newMemStore(3)
	ctx := context.Background()
	conv, _, err := store.GetOrCreateConversation(ctx, "s1")
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		_, err := store.AppendMessage(ctx, conv.ID, role, fmt.Sprintf("turn-%02d", i), 0)
		require.NoError(t, err)
		if i%4 == 0 {
			_, err := store.AppendMessage(ctx, conv.ID, domain.RoleSystem, "timer warning", 0)
			require.NoError(t, err)
		}
	}
	current, err := store.AppendMessage(ctx, conv.ID, domain.RoleUser, "current", 0)
	require.NoError(t, err)

	b, err := NewContextWindowBuilder(store)
	require.NoError(t, err)
	turns, err := b.Build(ctx, conv.ID, current.ID, 10)
	require.NoError(t, err)
	require.Len(t, turns, 10)
	for i, turn := range turns {
		n := i + 2
		require.Equal(t, fmt.Sprintf("turn-%02d", n), turn.Content)
		if n%2 == 0 {
			require.Equal(t, domain.SpeakerUser, turn.Speaker)
		} else {
			require.Equal(t, domain.SpeakerModel, turn.Speaker)
		}
	}

	all, err := b.Build(ctx, conv.ID, current.ID, 50)
	require.NoError(t, err)
	require.Len(t, all, 12)
}

func TestContextWindowBuilder_ColdStart(t *testing.T) {
	r := &stubReader{}
	b, err := NewContextWindowBuilder(r)
	require.NoError(t, err)

	turns, err := b.Build(context.Background(), "c1", "m1", 10)
	require.NoError(t, err)
	require.Empty(t, turns)
	require.Equal(t, domain.RecentQuery{
		ConversationID: "c1",
		ExcludeID:      "m1",
		Limit:          10,
		Roles:          []domain.Role{domain.RoleUser, domain.RoleAssistant},
	}, r.got)
}

func TestContextWindowBuilder_GuardsAgainstLooseReaders(t *testing.T) {
	r := &stubReader{msgs: []domain.Message{
		{ID: "m1", Role: domain.RoleUser, Content: "a"},
		{ID: "m2", Role: domain.RoleSystem, Content: "sys"},
		{ID: "m3", Role: domain.RoleAssistant, Content: "b"},
		{ID: "m4", Role: domain.RoleUser, Content: "c"},
		{ID: "cur", Role: domain.RoleUser, Content: "current"},
	}}
	b, err := NewContextWindowBuilder(r)
	require.NoError(t, err)

	turns, err := b.Build(context.Background(), "c1", "cur", 2)
	require.NoError(t, err)
	require.Equal(t, []domain.ChatTurn{domain.ModelTurn("b"), domain.UserTurn("c")}, turns)
}

func TestContextWindowBuilder_ReaderError(t *testing.T) {
	b, err := NewContextWindowBuilder(&stubReader{err: errors.New("throttled")})
	require.NoError(t, err)
	_, err = b.Build(context.Background(), "c1", "m1", 10)
	require.ErrorContains(t, err, "throttled")
}
