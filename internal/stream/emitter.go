// Package stream delivers one generated facilitator reply as an ordered
// sequence of small events over a long-lived connection.
//
// An Emitter moves through Idle -> Streaming -> {Completed, Aborted, Failed}.
// Events are handed to the consumer through a bounded channel; sends block
// rather than drop, so a slow consumer throttles the producer. Cancellation
// of the producer's context is the abort signal.
package stream

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Kind names a delivery event.
type Kind string

const (
	KindChunk Kind = "chunk"
	KindDone  Kind = "done"
	KindError Kind = "error"
)

// Done is the terminal success payload. It is only emitted once the turn's
// side effects are durable.
type Done struct {
	MessageID      string `json:"messageId"`
	TokensUsed     int    `json:"tokensUsed"`
	HintsRemaining *int   `json:"hintsRemaining,omitempty"`
	HintsUsed      *int   `json:"hintsUsed,omitempty"`
	Stage          int    `json:"stage"`
}

// Failure is the terminal error payload.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Event is one ordered delivery unit.
type Event struct {
	Kind  Kind
	Text  string
	Done  *Done
	Error *Failure
}

// State is the emitter lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateAborted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further events can be produced.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

var (
	// ErrAborted is returned once the producer context is canceled.
	ErrAborted = errors.New("stream: aborted")
	// ErrClosed is returned by calls made after a terminal state.
	ErrClosed = errors.New("stream: emitter closed")
)

const (
	DefaultChunkSize  = 16
	DefaultBufferSize = 8
)

// Options tunes chunking and pacing.
type Options struct {
	// ChunkSize is the maximum number of runes per chunk event.
	ChunkSize int
	// BufferSize bounds the events queued ahead of the consumer.
	BufferSize int
	// ChunkDelay paces chunks for perceived-incremental delivery.
	ChunkDelay time.Duration
}

// Emitter produces the events of one turn. Producer methods (StreamText,
// Complete, Fail, Abort) must be called from a single goroutine; Events and
// State are safe for concurrent use.
type Emitter struct {
	opts   Options
	events chan Event

	mu        sync.Mutex
	state     State
	delivered strings.Builder
}

// NewEmitter creates an Idle emitter.
func NewEmitter(opts Options) *Emitter {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Emitter{
		opts:   opts,
		events: make(chan Event, opts.BufferSize),
	}
}

// Events is closed after the terminal state is reached.
func (e *Emitter) Events() <-chan Event {
	return e.events
}

// State returns the current lifecycle state.
func (e *Emitter) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Delivered returns the text handed to the consumer so far.
func (e *Emitter) Delivered() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delivered.String()
}

// StreamText emits text as ordered chunk events. Concatenating the chunk
// payloads reproduces text byte for byte.
func (e *Emitter) StreamText(ctx context.Context, text string) error {
	if err := e.begin(); err != nil {
		return err
	}
	for i, chunk := range Chunks(text, e.opts.ChunkSize) {
		if i > 0 && e.opts.ChunkDelay > 0 {
			if err := e.pause(ctx); err != nil {
				return err
			}
		}
		if err := e.send(ctx, Event{Kind: KindChunk, Text: chunk}); err != nil {
			return err
		}
		e.mu.Lock()
		e.delivered.WriteString(chunk)
		e.mu.Unlock()
	}
	return nil
}

// Complete emits the done event and closes the stream.
func (e *Emitter) Complete(ctx context.Context, done Done) error {
	if err := e.begin(); err != nil {
		return err
	}
	if err := e.send(ctx, Event{Kind: KindDone, Done: &done}); err != nil {
		return err
	}
	e.finish(StateCompleted)
	return nil
}

// Fail emits the error event and closes the stream. When the consumer is
// already gone the stream ends Aborted instead and ErrAborted is returned.
func (e *Emitter) Fail(ctx context.Context, failure Failure) error {
	if err := e.begin(); err != nil {
		return err
	}
	if err := e.send(ctx, Event{Kind: KindError, Error: &failure}); err != nil {
		return err
	}
	e.finish(StateFailed)
	return nil
}

// Abort ends the stream without a terminal event.
func (e *Emitter) Abort() {
	e.mu.Lock()
	terminal := e.state.Terminal()
	e.mu.Unlock()
	if !terminal {
		e.finish(StateAborted)
	}
}

func (e *Emitter) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return ErrClosed
	}
	e.state = StateStreaming
	return nil
}

func (e *Emitter) send(ctx context.Context, ev Event) error {
	// Check first so a canceled consumer never receives another event.
	if ctx.Err() != nil {
		e.finish(StateAborted)
		return ErrAborted
	}
	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		e.finish(StateAborted)
		return ErrAborted
	}
}

func (e *Emitter) pause(ctx context.Context) error {
	timer := time.NewTimer(e.opts.ChunkDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		e.finish(StateAborted)
		return ErrAborted
	}
}

func (e *Emitter) finish(state State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Terminal() {
		return
	}
	e.state = state
	close(e.events)
}

// Chunks splits text into pieces of at most size runes. Boundaries always
// fall between runes so every piece stays valid UTF-8 when text is.
func Chunks(text string, size int) []string {
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([]string, 0, utf8.RuneCountInString(text)/size+1)
	start, runes := 0, 0
	for i := range text {
		if runes == size {
			chunks = append(chunks, text[start:i])
			start, runes = i, 0
		}
		runes++
	}
	return append(chunks, text[start:])
}
