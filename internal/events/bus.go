// Package events provides the in-process run event bus. The reconciler
// publishes; persistence, usage policies and live websocket observers
// subscribe.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tjfontaine/cinetech-relay/internal/core/domain"
	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
)

// Handler receives a published event.
type Handler func(ctx context.Context, event *domain.RunEvent)

type subscription struct {
	id      uint64
	handler Handler
}

type stream struct {
	id     uint64
	filter func(*domain.RunEvent) bool
	ch     chan *domain.RunEvent
}

// Bus is a goroutine-safe fan-out of run events. Handlers run in their own
// goroutines; streams receive events in publish order and drop when full.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.RunEventType][]subscription
	allSubs []subscription
	streams []*stream
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  bool

	// StreamBuffer is the channel capacity of each Subscribe stream.
	StreamBuffer int
}

var (
	_ ports.EventPublisher  = (*Bus)(nil)
	_ ports.EventSubscriber = (*Bus)(nil)
)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		typed:        make(map[domain.RunEventType][]subscription),
		logger:       logger,
		StreamBuffer: 64,
	}
}

// Publish stamps the event with an ID and timestamp when missing and fans it
// out to matching handlers and streams.
func (b *Bus) Publish(ctx context.Context, event *domain.RunEvent) error {
	if event == nil {
		return nil
	}
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Handler goroutines are added under the read lock so Close cannot be
	// waiting on the group while it grows.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, s := range b.streams {
		if s.filter != nil && !s.filter(event) {
			continue
		}
		cp := *event
		select {
		case s.ch <- &cp:
		default:
			b.logger.Warn("run event stream full, dropping event",
				slog.String("event", string(event.Type)),
				slog.String("run_id", event.RunID))
		}
	}
	for _, sub := range b.typed[event.Type] {
		b.dispatch(ctx, event, sub)
	}
	for _, sub := range b.allSubs {
		b.dispatch(ctx, event, sub)
	}
	return nil
}

func (b *Bus) dispatch(ctx context.Context, event *domain.RunEvent, sub subscription) {
	cp := *event
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					slog.String("event", string(cp.Type)),
					slog.Any("panic", r))
			}
		}()
		sub.handler(context.WithoutCancel(ctx), &cp)
	}()
}

// On registers a handler for one event type and returns an unsubscribe function.
func (b *Bus) On(eventType domain.RunEventType, handler Handler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == id {
				b.typed[eventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// OnAll registers a handler that receives every event.
func (b *Bus) OnAll(handler Handler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

// Subscribe returns an ordered channel of events accepted by filter. The
// returned function closes the channel.
func (b *Bus) Subscribe(filter func(*domain.RunEvent) bool) (<-chan *domain.RunEvent, func()) {
	s := &stream{
		id:     b.nextID.Add(1),
		filter: filter,
		ch:     make(chan *domain.RunEvent, b.StreamBuffer),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	b.streams = append(b.streams, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() { b.removeStream(s.id) })
	}
}

func (b *Bus) removeStream(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.streams {
		if s.id == id {
			b.streams = append(b.streams[:i], b.streams[i+1:]...)
			close(s.ch)
			return
		}
	}
}

// Close stops publishing, waits for in-flight handlers and closes streams.
// It is idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.wg.Wait()

	b.mu.Lock()
	for _, s := range b.streams {
		close(s.ch)
	}
	b.streams = nil
	b.mu.Unlock()
	return nil
}

// ForRun returns a stream filter matching one run.
func ForRun(runID string) func(*domain.RunEvent) bool {
	return func(e *domain.RunEvent) bool { return e.RunID == runID }
}

// ForThread returns a stream filter matching one thread.
func ForThread(threadID string) func(*domain.RunEvent) bool {
	return func(e *domain.RunEvent) bool { return e.ThreadID == threadID }
}
