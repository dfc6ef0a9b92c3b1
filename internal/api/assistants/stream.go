package assistants

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
)

// StreamResult wraps an event or error from streaming.
type StreamResult struct {
	Event *Event
	Err   error
}

// EventStream reads server-sent events from a run stream.
type EventStream struct {
	body   io.ReadCloser
	events chan StreamResult
	done   chan struct{}
	once   sync.Once
}

// NewEventStream starts reading SSE frames from body.
func NewEventStream(body io.ReadCloser) *EventStream {
	return newEventStream(body)
}

func newEventStream(body io.ReadCloser) *EventStream {
	s := &EventStream{
		body:   body,
		events: make(chan StreamResult),
		done:   make(chan struct{}),
	}
	go s.read()
	return s
}

// Events returns the channel of parsed events. It is closed at end of stream.
func (s *EventStream) Events() <-chan StreamResult {
	return s.events
}

// Close stops reading and releases the underlying connection.
func (s *EventStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.body.Close()
	})
	return err
}

// Drain consumes the stream to its end and closes it. It returns the number
// of events seen and the first error, if any.
func (s *EventStream) Drain() (int, error) {
	defer s.Close()
	n := 0
	for res := range s.events {
		if res.Err != nil {
			return n, res.Err
		}
		n++
	}
	return n, nil
}

func (s *EventStream) send(res StreamResult) bool {
	select {
	case s.events <- res:
		return true
	case <-s.done:
		return false
	}
}

func (s *EventStream) read() {
	defer close(s.events)
	defer s.body.Close()

	scanner := bufio.NewScanner(s.body)
	// Message snapshots can be large
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	var name string
	var data []string

	flush := func() (stop bool) {
		defer func() {
			name = ""
			data = data[:0]
		}()
		if len(data) == 0 {
			return false
		}
		payload := strings.Join(data, "\n")
		if payload == "[DONE]" {
			return true
		}
		if !json.Valid([]byte(payload)) {
			s.send(StreamResult{Err: fmt.Errorf("invalid event payload for %q", name)})
			return true
		}
		return !s.send(StreamResult{Event: &Event{Event: name, Data: json.RawMessage(payload)}})
	}

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if flush() {
				return
			}
			continue
		}

		switch {
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := scanner.Err(); err != nil {
		select {
		case <-s.done:
		default:
			s.send(StreamResult{Err: fmt.Errorf("stream read error: %w", err)})
		}
		return
	}
	flush()
}
