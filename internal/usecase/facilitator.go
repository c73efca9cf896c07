package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"facilitator-agent/internal/domain"
	"facilitator-agent/internal/stream"
)

const (
	defaultContextWindow     = 10
	defaultMaxMessageLength  = 2000
	defaultGenerationTimeout = 30 * time.Second
	releaseTimeout           = 5 * time.Second
	deadlineHeadroom         = 2 * time.Second

	tracerName = "facilitator-agent/internal/usecase"
)

// Messages shown to clients in error events.
const (
	upstreamFailureMessage = "The facilitator is unavailable right now. Please try again."
	internalFailureMessage = "Something went wrong while saving this turn. Please try again."
)

type ParamGetter interface {
	GetParameters(ctx context.Context, names ...string) (map[string]string, error)
}

// Generator produces one complete facilitator reply.
type Generator interface {
	Generate(ctx context.Context, req domain.GenerationRequest) (domain.Generation, error)
}

// Store is the persistence the orchestrator needs: the conversation record,
// the message ledger and the hint budget ledger.
type Store interface {
	MessageReader
	GetOrCreateConversation(ctx context.Context, sessionID string) (domain.Conversation, bool, error)
	AppendMessage(ctx context.Context, conversationID string, role domain.Role, content string, tokens int) (domain.Message, error)
	PeekHints(ctx context.Context, sessionID string, stage int) (domain.HintUsage, error)
	ReserveHint(ctx context.Context, sessionID string, stage int) (domain.HintUsage, error)
	ReleaseHint(ctx context.Context, sessionID string, stage int) error
	CommitTurn(ctx context.Context, commit domain.TurnCommit) (domain.TurnReceipt, error)
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// Options tunes a FacilitatorService. Zero values fall back to defaults.
type Options struct {
	ParamPrefix       string
	ContextWindow     int
	MaxMessageLength  int
	CostPer1KTokens   float64
	GenerationTimeout time.Duration
	Stream            stream.Options
	Logger            *slog.Logger
}

// FacilitatorService runs hint-gated facilitator turns.
type FacilitatorService struct {
	params ParamGetter
	llm    Generator
	store  Store
	window *ContextWindowBuilder
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	cacheMu     sync.RWMutex
	cacheLoaded bool
	basePrompt  string
	openaiModel string
}

// ConversationSummary is the public view of a conversation.
type ConversationSummary struct {
	ID            string
	SessionID     string
	Status        domain.ConversationStatus
	TokenCount    int
	EstimatedCost float64
	Turns         int
	CreatedAt     time.Time
	LastActivity  time.Time
	Created       bool
}

// HintSummary is the public view of one stage's hint budget.
type HintSummary struct {
	SessionID string
	Stage     int
	Used      int
	Remaining int
	Max       int
}

// TurnInput is one learner submission.
type TurnInput struct {
	SessionID     string
	Message       string
	ConsumesHint  bool
	Stage         int
	CorrelationID string
}

func NewFacilitatorService(p ParamGetter, llm Generator, store Store, opts Options) (*FacilitatorService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: store must not be nil")
	}
	opts.ParamPrefix = strings.TrimRight(strings.TrimSpace(opts.ParamPrefix), "/")
	if opts.ParamPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if opts.CostPer1KTokens < 0 {
		return nil, errors.New("usecase: cost per 1k tokens must not be negative")
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = defaultContextWindow
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaultMaxMessageLength
	}
	if opts.GenerationTimeout <= 0 {
		opts.GenerationTimeout = defaultGenerationTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window, err := NewContextWindowBuilder(store)
	if err != nil {
		return nil, err
	}
	return &FacilitatorService{
		params: p,
		llm:    llm,
		store:  store,
		window: window,
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}, nil
}

// StartOrGetConversation returns the session's conversation, creating it on
// first use.
func (s *FacilitatorService) StartOrGetConversation(ctx context.Context, sessionID string) (ConversationSummary, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ConversationSummary{}, newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	conv, created, err := s.store.GetOrCreateConversation(ctx, sessionID)
	if err != nil {
		return ConversationSummary{}, storeError("conversation_store_error", err)
	}
	if created {
		s.logger.InfoContext(ctx, "conversation created", "session_id", sessionID, "conversation_id", conv.ID)
	}
	return summarize(conv, created), nil
}

// PeekHintUsage reads a stage's budget without changing it. Hints held by
// in-flight turns are not counted as remaining.
func (s *FacilitatorService) PeekHintUsage(ctx context.Context, sessionID string, stage int) (HintSummary, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return HintSummary{}, newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	if stage < 0 {
		return HintSummary{}, newError(ErrorInvalidInput, "invalid_stage", nil)
	}
	usage, err := s.store.PeekHints(ctx, sessionID, stage)
	if err != nil {
		return HintSummary{}, newError(ErrorInternal, "hint_store_error", err)
	}
	return hintSummary(usage), nil
}

// SubmitTurn admits one turn. Admission appends the user message and, for
// hint turns, reserves a hint slot; it fails fast with BUDGET_EXHAUSTED
// before any generation. The returned TurnStream must be Run exactly once.
func (s *FacilitatorService) SubmitTurn(ctx context.Context, in TurnInput) (_ *TurnStream, err error) {
	ctx, span := s.tracer.Start(ctx, "FacilitatorService.SubmitTurn", trace.WithAttributes(
		attribute.String("session.id", in.SessionID),
		attribute.Int("stage", in.Stage),
		attribute.Bool("consumes_hint", in.ConsumesHint),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	in.SessionID = strings.TrimSpace(in.SessionID)
	text := strings.TrimSpace(in.Message)
	switch {
	case in.SessionID == "":
		return nil, newError(ErrorInvalidInput, "missing_session_id", nil)
	case text == "":
		return nil, newError(ErrorInvalidInput, "empty_message", nil)
	case utf8.RuneCountInString(text) > s.opts.MaxMessageLength:
		return nil, newError(ErrorInvalidInput, "message_too_long", nil)
	case in.Stage < 0:
		return nil, newError(ErrorInvalidInput, "invalid_stage", nil)
	}

	if err := s.ensureConfig(ctx); err != nil {
		return nil, newError(ErrorInternal, "ssm_load_error", err)
	}

	conv, _, err := s.store.GetOrCreateConversation(ctx, in.SessionID)
	if err != nil {
		return nil, storeError("conversation_store_error", err)
	}
	if conv.Status != domain.ConversationActive {
		return nil, newError(ErrorInvalidInput, "conversation_not_active", nil)
	}

	userMsg, err := s.store.AppendMessage(ctx, conv.ID, domain.RoleUser, text, domain.EstimateTokens(text))
	if err != nil {
		return nil, storeError("ledger_write_error", err)
	}

	log := s.logger.With(
		"correlation_id", in.CorrelationID,
		"session_id", in.SessionID,
		"conversation_id", conv.ID,
		"stage", in.Stage,
	)

	if in.ConsumesHint {
		usage, err := s.store.ReserveHint(ctx, in.SessionID, in.Stage)
		if err != nil {
			if errors.Is(err, domain.ErrHintsExhausted) {
				log.InfoContext(ctx, "hint budget exhausted", "used", usage.Used, "max", usage.Max)
				e := newError(ErrorBudgetExhausted, "hints_exhausted", err)
				e.Hints = &usage
				return nil, e
			}
			return nil, newError(ErrorInternal, "hint_store_error", err)
		}
		if usage.Exhausted() {
			log.InfoContext(ctx, "last hint for stage reserved", "used", usage.Used, "reserved", usage.Reserved, "max", usage.Max)
		}
	}

	s.cacheMu.RLock()
	basePrompt, model := s.basePrompt, s.openaiModel
	s.cacheMu.RUnlock()

	return &TurnStream{
		svc: s,
		session: streamSession{
			conversationID: conv.ID,
			sessionID:      in.SessionID,
			stage:          in.Stage,
			userMessageID:  userMsg.ID,
			userText:       text,
			hintReserved:   in.ConsumesHint,
			systemPrompt:   buildSystemPrompt(basePrompt, in.Stage, in.ConsumesHint),
			model:          model,
		},
		emitter: stream.NewEmitter(s.opts.Stream),
		log:     log,
	}, nil
}

func (s *FacilitatorService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	promptName := s.opts.ParamPrefix + "/facilitator_prompt"
	modelName := s.opts.ParamPrefix + "/config/openai_model"
	values, err := s.params.GetParameters(ctx, promptName, modelName)
	if err != nil {
		return fmt.Errorf("usecase: load facilitator parameters: %w", err)
	}
	model := strings.TrimSpace(values[modelName])
	if model == "" {
		return errors.New("usecase: openai model parameter is empty")
	}

	s.basePrompt = values[promptName]
	s.openaiModel = model
	s.cacheLoaded = true
	return nil
}

func (s *FacilitatorService) estimateCost(tokens int) float64 {
	return float64(tokens) / 1000 * s.opts.CostPer1KTokens
}

func summarize(conv domain.Conversation, created bool) ConversationSummary {
	return ConversationSummary{
		ID:            conv.ID,
		SessionID:     conv.SessionID,
		Status:        conv.Status,
		TokenCount:    conv.TokenCount,
		EstimatedCost: conv.EstimatedCost,
		Turns:         conv.Turns,
		CreatedAt:     conv.CreatedAt,
		LastActivity:  conv.LastActivity,
		Created:       created,
	}
}

func hintSummary(u domain.HintUsage) HintSummary {
	return HintSummary{
		SessionID: u.SessionID,
		Stage:     u.Stage,
		Used:      u.Used,
		Remaining: u.Remaining(),
		Max:       u.Max,
	}
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
