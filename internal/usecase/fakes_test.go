package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"facilitator-agent/internal/domain"
	"facilitator-agent/internal/stream"
)

const testPrefix = "/facilitator"

type mockParams struct {
	vals  map[string]string
	err   error
	calls int
}

func newMockParams() *mockParams {
	return &mockParams{vals: map[string]string{
		testPrefix + "/facilitator_prompt":  "You facilitate an escape room for a team of learners.",
		testPrefix + "/config/openai_model": "gpt-mock",
	}}
}

func (m *mockParams) GetParameters(_ context.Context, names ...string) (map[string]string, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		v, ok := m.vals[n]
		if !ok {
			return nil, fmt.Errorf("param not found: %s", n)
		}
		out[n] = v
	}
	return out, nil
}

type mockGenerator struct {
	mu       sync.Mutex
	reply    string
	err      error
	usage    [2]int
	block    bool
	requests []domain.GenerationRequest
}

func (m *mockGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (domain.Generation, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	reply, err, usage, block := m.reply, m.err, m.usage, m.block
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return domain.Generation{}, fmt.Errorf("generate: %w", ctx.Err())
	}
	if err != nil {
		return domain.Generation{}, err
	}
	return domain.Generation{Text: reply, PromptTokens: usage[0], CompletionTokens: usage[1]}, nil
}

func (m *mockGenerator) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockGenerator) lastRequest() domain.GenerationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[len(m.requests)-1]
}

type hintKey struct {
	session string
	stage   int
}

// memStore is an in-memory Store with the same atomicity rules as the
// real backends: one mutex stands in for the database transaction.
type memStore struct {
	mu         sync.Mutex
	maxHints   int
	convs      map[string]*domain.Conversation
	bySession  map[string]string
	messages   map[string][]domain.Message
	hints      map[hintKey]*domain.HintUsage
	seq        int
	commitErr  error
	releaseLog []hintKey
}

func newMemStore(maxHints int) *memStore {
	return &memStore{
		maxHints:  maxHints,
		convs:     map[string]*domain.Conversation{},
		bySession: map[string]string{},
		messages:  map[string][]domain.Message{},
		hints:     map[hintKey]*domain.HintUsage{},
	}
}

func (m *memStore) GetOrCreateConversation(_ context.Context, sessionID string) (domain.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.bySession[sessionID]; ok {
		return *m.convs[id], false, nil
	}
	id := "conv-" + sessionID
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	conv := &domain.Conversation{ID: id, SessionID: sessionID, Status: domain.ConversationActive, CreatedAt: now, LastActivity: now}
	m.convs[id] = conv
	m.bySession[sessionID] = id
	return *conv, true, nil
}

func (m *memStore) appendLocked(conversationID string, role domain.Role, content string, tokens int) (domain.Message, error) {
	if _, ok := m.convs[conversationID]; !ok {
		return domain.Message{}, domain.ErrNotFound
	}
	m.seq++
	msg := domain.Message{
		ID:             fmt.Sprintf("msg-%04d", m.seq),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Tokens:         tokens,
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	return msg, nil
}

func (m *memStore) AppendMessage(_ context.Context, conversationID string, role domain.Role, content string, tokens int) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(conversationID, role, content, tokens)
}

func (m *memStore) RecentMessages(_ context.Context, q domain.RecentQuery) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.messages[q.ConversationID]
	var out []domain.Message
	for i := len(all) - 1; i >= 0 && len(out) < q.Limit; i-- {
		if all[i].ID == q.ExcludeID || !q.Accepts(all[i].Role) {
			continue
		}
		out = append(out, all[i])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *memStore) usageLocked(sessionID string, stage int) domain.HintUsage {
	if u, ok := m.hints[hintKey{sessionID, stage}]; ok {
		return *u
	}
	return domain.HintUsage{SessionID: sessionID, Stage: stage, Max: m.maxHints}
}

func (m *memStore) PeekHints(_ context.Context, sessionID string, stage int) (domain.HintUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageLocked(sessionID, stage), nil
}

func (m *memStore) ReserveHint(_ context.Context, sessionID string, stage int) (domain.HintUsage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.usageLocked(sessionID, stage)
	if u.Exhausted() {
		return u, domain.ErrHintsExhausted
	}
	u.Reserved++
	m.hints[hintKey{sessionID, stage}] = &u
	return u, nil
}

func (m *memStore) ReleaseHint(_ context.Context, sessionID string, stage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.hints[hintKey{sessionID, stage}]
	if !ok || u.Reserved == 0 {
		return errors.New("no reservation")
	}
	u.Reserved--
	m.releaseLog = append(m.releaseLog, hintKey{sessionID, stage})
	return nil
}

func (m *memStore) CommitTurn(_ context.Context, c domain.TurnCommit) (domain.TurnReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.commitErr != nil {
		return domain.TurnReceipt{}, m.commitErr
	}
	conv, ok := m.convs[c.ConversationID]
	if !ok {
		return domain.TurnReceipt{}, domain.ErrNotFound
	}
	var hints *domain.HintUsage
	if c.HintReserved {
		u, ok := m.hints[hintKey{c.SessionID, c.Stage}]
		if !ok || u.Reserved == 0 {
			return domain.TurnReceipt{}, errors.New("no reservation")
		}
		u.Reserved--
		u.Used++
		cp := *u
		hints = &cp
	}
	msg, err := m.appendLocked(c.ConversationID, domain.RoleAssistant, c.Reply, c.ReplyTokens)
	if err != nil {
		return domain.TurnReceipt{}, err
	}
	conv.TokenCount += c.TokensUsed
	conv.EstimatedCost += c.Cost
	conv.Turns++
	return domain.TurnReceipt{Message: msg, Conversation: *conv, Hints: hints}, nil
}

func (m *memStore) roles(conversationID string) []domain.Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Role
	for _, msg := range m.messages[conversationID] {
		out = append(out, msg.Role)
	}
	return out
}

func drain(events <-chan stream.Event) <-chan []stream.Event {
	out := make(chan []stream.Event, 1)
	go func() {
		var got []stream.Event
		for ev := range events {
			got = append(got, ev)
		}
		out <- got
	}()
	return out
}

func chunkText(events []stream.Event) string {
	var s string
	for _, ev := range events {
		if ev.Kind == stream.KindChunk {
			s += ev.Text
		}
	}
	return s
}
