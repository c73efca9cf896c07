package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ContentType is the media type of the framing written by WriteEvent.
const ContentType = "text/event-stream"

type chunkPayload struct {
	Text string `json:"text"`
}

// WriteEvent frames ev as one text/event-stream message: a named event, a
// single JSON data line and a blank line.
func WriteEvent(w io.Writer, ev Event) error {
	var payload any
	switch ev.Kind {
	case KindChunk:
		payload = chunkPayload{Text: ev.Text}
	case KindDone:
		if ev.Done == nil {
			return errors.New("stream: done event without payload")
		}
		payload = ev.Done
	case KindError:
		if ev.Error == nil {
			return errors.New("stream: error event without payload")
		}
		payload = ev.Error
	default:
		return fmt.Errorf("stream: unknown event kind %q", ev.Kind)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: marshal %s event: %w", ev.Kind, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, data); err != nil {
		return fmt.Errorf("stream: write %s event: %w", ev.Kind, err)
	}
	return nil
}

// Pump writes every event from events to w in order until the channel is
// closed. flush, when set, runs after each event. A write error stops the
// pump immediately; the caller is expected to cancel the producer.
func Pump(w io.Writer, events <-chan Event, flush func()) error {
	for ev := range events {
		if err := WriteEvent(w, ev); err != nil {
			return err
		}
		if flush != nil {
			flush()
		}
	}
	return nil
}

// ReadEvents parses a complete text/event-stream body produced by WriteEvent.
func ReadEvents(r io.Reader) ([]Event, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var (
		out  []Event
		name string
		data strings.Builder
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if name == "" {
				continue
			}
			ev, err := decodeEvent(Kind(name), data.String())
			if err != nil {
				return nil, err
			}
			out = append(out, ev)
			name = ""
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream: read events: %w", err)
	}
	return out, nil
}

func decodeEvent(kind Kind, data string) (Event, error) {
	ev := Event{Kind: kind}
	var err error
	switch kind {
	case KindChunk:
		var p chunkPayload
		err = json.Unmarshal([]byte(data), &p)
		ev.Text = p.Text
	case KindDone:
		ev.Done = &Done{}
		err = json.Unmarshal([]byte(data), ev.Done)
	case KindError:
		ev.Error = &Failure{}
		err = json.Unmarshal([]byte(data), ev.Error)
	default:
		return Event{}, fmt.Errorf("stream: unknown event kind %q", kind)
	}
	if err != nil {
		return Event{}, fmt.Errorf("stream: decode %s event: %w", kind, err)
	}
	return ev, nil
}
