package usecase

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"facilitator-agent/internal/domain"
	"facilitator-agent/internal/stream"
)

// streamSession is the in-memory record of one admitted turn. It lives only
// as long as its TurnStream.
type streamSession struct {
	conversationID string
	sessionID      string
	stage          int
	userMessageID  string
	userText       string
	hintReserved   bool
	systemPrompt   string
	model          string
}

// TurnStream is the streamed phase of an admitted turn.
type TurnStream struct {
	svc     *FacilitatorService
	session streamSession
	emitter *stream.Emitter
	log     *slog.Logger
	once    sync.Once
	state   stream.State
}

// Events yields the turn's chunk events followed by exactly one done or
// error event. It is closed when the turn ends.
func (t *TurnStream) Events() <-chan stream.Event {
	return t.emitter.Events()
}

func (t *TurnStream) ConversationID() string {
	return t.session.conversationID
}

// Run generates, streams and commits the turn. Canceling ctx aborts it: no
// assistant message is stored and a reserved hint is released. A deadline on
// ctx also bounds generation, so a turn that runs out of time fails with an
// error event while time remains to release the hint. Run returns the
// terminal state; later calls return the same state without side effects.
func (t *TurnStream) Run(ctx context.Context) stream.State {
	t.once.Do(func() { t.state = t.run(ctx) })
	return t.state
}

func (t *TurnStream) run(ctx context.Context) stream.State {
	s := t.svc
	ctx, span := s.tracer.Start(ctx, "TurnStream.Run", trace.WithAttributes(
		attribute.String("session.id", t.session.sessionID),
		attribute.String("conversation.id", t.session.conversationID),
		attribute.Int("stage", t.session.stage),
		attribute.Bool("hint_reserved", t.session.hintReserved),
	))
	defer span.End()

	history, err := s.window.Build(ctx, t.session.conversationID, t.session.userMessageID, s.opts.ContextWindow)
	if err != nil {
		if ctx.Err() != nil {
			return t.abort(ctx, span, "context window")
		}
		return t.fail(ctx, span, newError(ErrorInternal, "context_window_error", err), internalFailureMessage)
	}

	genCtx, cancel := t.generationContext(ctx)
	gen, err := s.llm.Generate(genCtx, domain.GenerationRequest{
		Model:        t.session.model,
		SystemPrompt: t.session.systemPrompt,
		History:      history,
		UserTurn:     t.session.userText,
	})
	timedOut := errors.Is(genCtx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return t.abort(ctx, span, "generation")
		}
		reason := "openai_error"
		if status, ok := upstreamStatusCode(err); ok && status == 429 {
			reason = "openai_rate_limited"
		} else if timedOut || errors.Is(err, context.DeadlineExceeded) {
			reason = "generation_timeout"
		}
		return t.fail(ctx, span, newError(ErrorUpstream, reason, err), upstreamFailureMessage)
	}
	span.SetAttributes(attribute.Int("tokens", gen.TotalTokens()))

	if err := t.emitter.StreamText(ctx, gen.Text); err != nil {
		return t.abort(ctx, span, "streaming")
	}
	if ctx.Err() != nil {
		return t.abort(ctx, span, "before commit")
	}

	tokens := gen.TotalTokens()
	// The commit is a single transaction; it is not tied to the client
	// connection so a disconnect cannot leave its outcome unknown.
	receipt, err := s.store.CommitTurn(context.WithoutCancel(ctx), domain.TurnCommit{
		ConversationID: t.session.conversationID,
		SessionID:      t.session.sessionID,
		Stage:          t.session.stage,
		HintReserved:   t.session.hintReserved,
		Reply:          gen.Text,
		ReplyTokens:    gen.CompletionTokens,
		TokensUsed:     tokens,
		Cost:           s.estimateCost(tokens),
	})
	if err != nil {
		return t.fail(ctx, span, storeError("turn_commit_error", err), internalFailureMessage)
	}

	done := stream.Done{
		MessageID:  receipt.Message.ID,
		TokensUsed: tokens,
		Stage:      t.session.stage,
	}
	if t.session.hintReserved {
		if receipt.Hints != nil {
			remaining, used := receipt.Hints.Remaining(), receipt.Hints.Used
			done.HintsRemaining = &remaining
			done.HintsUsed = &used
		} else {
			t.log.WarnContext(ctx, "hint committed without budget read-back", "message_id", receipt.Message.ID)
		}
	}
	if err := t.emitter.Complete(ctx, done); err != nil {
		// Side effects are already durable; only the notification was lost.
		t.log.WarnContext(ctx, "turn committed but client left before done", "message_id", receipt.Message.ID)
		span.SetAttributes(attribute.String("state", stream.StateAborted.String()))
		return stream.StateAborted
	}

	t.log.InfoContext(ctx, "turn completed",
		"state", stream.StateCompleted.String(),
		"message_id", receipt.Message.ID,
		"tokens", tokens,
		"hint_reserved", t.session.hintReserved,
	)
	span.SetAttributes(attribute.String("state", stream.StateCompleted.String()))
	return stream.StateCompleted
}

// generationContext bounds generation by GenerationTimeout. When ctx carries
// a deadline, generation stops early enough to leave a fifth of the remaining
// time, at most deadlineHeadroom, for releasing the hint and sending the
// error event.
func (t *TurnStream) generationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := t.svc.opts.GenerationTimeout
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		timeout = min(timeout, left-min(left/5, deadlineHeadroom))
	}
	return context.WithTimeout(ctx, timeout)
}

func (t *TurnStream) fail(ctx context.Context, span trace.Span, e *Error, message string) stream.State {
	t.release(ctx)
	span.RecordError(e)
	span.SetStatus(codes.Error, string(e.Code))

	if err := t.emitter.Fail(ctx, stream.Failure{Code: string(e.Code), Message: message}); err != nil {
		t.log.WarnContext(ctx, "turn failed after client left", "code", e.Code, "reason", e.Reason, "err", e.Err)
		return stream.StateAborted
	}
	t.log.ErrorContext(ctx, "turn failed",
		"state", stream.StateFailed.String(),
		"code", e.Code,
		"reason", e.Reason,
		"err", e.Err,
	)
	span.SetAttributes(attribute.String("state", stream.StateFailed.String()))
	return stream.StateFailed
}

func (t *TurnStream) abort(ctx context.Context, span trace.Span, phase string) stream.State {
	t.emitter.Abort()
	t.release(ctx)
	cause := "client_disconnect"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cause = "deadline_exceeded"
	}
	t.log.InfoContext(ctx, "turn aborted",
		"state", stream.StateAborted.String(),
		"phase", phase,
		"cause", cause,
		"delivered_bytes", len(t.emitter.Delivered()),
	)
	span.SetAttributes(attribute.String("state", stream.StateAborted.String()))
	return stream.StateAborted
}

// release returns the reserved hint slot. It runs detached from ctx because
// it is usually reached after the client has gone away.
func (t *TurnStream) release(ctx context.Context) {
	if !t.session.hintReserved {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := t.svc.store.ReleaseHint(rctx, t.session.sessionID, t.session.stage); err != nil {
		t.log.ErrorContext(ctx, "release hint reservation", "err", err)
	}
}
