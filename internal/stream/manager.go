// Package stream fans durable log events out to in-process subscribers and
// exposes lazy replay-then-follow subscriptions over the same log.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/agentdevsl/claudorc-sub000/internal/errors"
	"github.com/agentdevsl/claudorc-sub000/internal/eventlog"
)

const DefaultBufferSize = 256

// Subscriber is a local callback. Each registered callback runs on its own
// goroutine; an error or panic is logged and never reaches the publisher or
// other subscribers.
type Subscriber func(ctx context.Context, event Event) error

type Options struct {
	// BufferSize bounds each subscriber queue. When a queue is full the newest
	// event for that subscriber is dropped.
	BufferSize int
	Metrics    *Metrics
}

type subscription struct {
	streamID string
	fn       Subscriber
	queue    chan Event
	done     chan struct{}
}

type registry struct {
	// publishMu keeps append order and fan-out order identical per stream.
	publishMu sync.Mutex
	subs      map[*subscription]struct{}
}

type Manager struct {
	backend    eventlog.Backend
	bufferSize int
	metrics    *Metrics

	registries map[string]*registry
	closed     bool
	mu         sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(backend eventlog.Backend, opts Options) *Manager {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		backend:    backend,
		bufferSize: opts.BufferSize,
		metrics:    opts.Metrics,
		registries: make(map[string]*registry),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// CreateStream registers a stream and its schema with the durable log.
// Existing local subscribers of the same id are kept.
func (m *Manager) CreateStream(ctx context.Context, streamID string, schema json.RawMessage) error {
	if isBlank(streamID) {
		return apperrors.InvalidStreamID()
	}
	if err := m.backend.CreateStream(ctx, streamID, schema); err != nil {
		return fmt.Errorf("create stream %s: %w", streamID, err)
	}
	m.registryFor(streamID)

	log.Debug().Str("streamId", streamID).Msg("stream created")
	return nil
}

// Publish appends the event durably and only then hands it to local
// subscribers. It returns the offset assigned by the log.
func (m *Manager) Publish(ctx context.Context, streamID string, eventType EventType, data any) (int64, error) {
	if isBlank(streamID) {
		return 0, apperrors.InvalidStreamID()
	}
	raw, err := EncodeData(data)
	if err != nil {
		return 0, err
	}

	reg := m.registryFor(streamID)
	reg.publishMu.Lock()
	defer reg.publishMu.Unlock()

	offset, err := m.backend.Append(ctx, streamID, string(eventType), raw)
	if err != nil {
		return 0, err
	}
	m.metrics.recordPublished(eventType)

	m.broadcast(streamID, reg, Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Data:      raw,
		Offset:    &offset,
	})
	return offset, nil
}

// Head returns the offset the stream's next event will receive. Every event
// yielded by a later Subscribe with an offset at or past Head was published
// after this call.
func (m *Manager) Head(ctx context.Context, streamID string) (int64, error) {
	if isBlank(streamID) {
		return 0, apperrors.InvalidStreamID()
	}
	head, err := m.backend.Head(ctx, streamID)
	if err != nil {
		return 0, fmt.Errorf("read head of %s: %w", streamID, err)
	}
	return head, nil
}

// Subscribe returns a lazy sequence that replays the stream from the start
// and then follows live appends. Nothing is read until the caller ranges;
// breaking out of the loop or cancelling ctx releases the backend reader.
func (m *Manager) Subscribe(ctx context.Context, streamID string) (iter.Seq2[Event, error], error) {
	if isBlank(streamID) {
		return nil, apperrors.InvalidStreamID()
	}
	records := m.backend.Subscribe(ctx, streamID)

	return func(yield func(Event, error) bool) {
		for rec, err := range records {
			if err != nil {
				yield(Event{}, err)
				return
			}
			if !yield(fromRecord(rec), nil) {
				return
			}
		}
	}, nil
}

// AddSubscriber registers fn for events published through this manager on
// streamID. The returned function unregisters it and is safe to call twice.
// After Close the callback is never registered.
func (m *Manager) AddSubscriber(streamID string, fn Subscriber) func() {
	sub := &subscription{
		streamID: streamID,
		fn:       fn,
		queue:    make(chan Event, m.bufferSize),
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		log.Warn().Str("streamId", streamID).Msg("stream manager closed, subscriber not added")
		return func() {}
	}
	reg, ok := m.registries[streamID]
	if !ok {
		reg = &registry{subs: make(map[*subscription]struct{})}
		m.registries[streamID] = reg
	}
	reg.subs[sub] = struct{}{}
	count := len(reg.subs)
	m.wg.Add(1)
	m.mu.Unlock()

	m.metrics.subscriberAdded()
	go m.run(sub)

	log.Debug().
		Str("streamId", streamID).
		Int("subscriberCount", count).
		Msg("stream subscriber added")

	var once sync.Once
	return func() {
		once.Do(func() { m.removeSubscriber(sub) })
	}
}

func (m *Manager) removeSubscriber(sub *subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.registries[sub.streamID]
	if !ok {
		return
	}
	if _, ok := reg.subs[sub]; !ok {
		return
	}
	delete(reg.subs, sub)
	close(sub.done)
	m.metrics.subscriberRemoved()

	log.Debug().
		Str("streamId", sub.streamID).
		Int("subscriberCount", len(reg.subs)).
		Msg("stream subscriber removed")
}

// DeleteStream stops every local subscriber of the stream and, when the
// backend supports it, drops the stored events.
func (m *Manager) DeleteStream(ctx context.Context, streamID string) (bool, error) {
	if isBlank(streamID) {
		return false, apperrors.InvalidStreamID()
	}

	m.mu.Lock()
	if reg, ok := m.registries[streamID]; ok {
		for sub := range reg.subs {
			close(sub.done)
			m.metrics.subscriberRemoved()
		}
		delete(m.registries, streamID)
	}
	m.mu.Unlock()

	deleter, ok := m.backend.(eventlog.Deleter)
	if !ok {
		return false, nil
	}
	return deleter.DeleteStream(ctx, streamID)
}

func (m *Manager) SubscriberCount(streamID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if reg, ok := m.registries[streamID]; ok {
		return len(reg.subs)
	}
	return 0
}

// Close stops every subscriber goroutine and waits for in-flight callbacks.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, reg := range m.registries {
		for sub := range reg.subs {
			close(sub.done)
			m.metrics.subscriberRemoved()
		}
	}
	m.registries = make(map[string]*registry)
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
}

func (m *Manager) registryFor(streamID string) *registry {
	m.mu.RLock()
	reg, ok := m.registries[streamID]
	m.mu.RUnlock()
	if ok {
		return reg
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if reg, ok = m.registries[streamID]; !ok {
		reg = &registry{subs: make(map[*subscription]struct{})}
		m.registries[streamID] = reg
	}
	return reg
}

func (m *Manager) broadcast(streamID string, reg *registry, event Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for sub := range reg.subs {
		select {
		case sub.queue <- event:
		default:
			m.metrics.recordDropped()
			log.Warn().
				Str("streamId", streamID).
				Str("eventType", string(event.Type)).
				Msg("subscriber queue full, dropping event")
		}
	}
}

func (m *Manager) run(sub *subscription) {
	defer m.wg.Done()

	for {
		select {
		case <-sub.done:
			return
		case <-m.ctx.Done():
			return
		case event := <-sub.queue:
			m.deliver(sub, event)
		}
	}
}

func (m *Manager) deliver(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.recordFailure("panic")
			log.Error().
				Str("streamId", sub.streamID).
				Str("eventType", string(event.Type)).
				Interface("panic", r).
				Msg("stream subscriber panicked")
		}
	}()

	if err := sub.fn(m.ctx, event); err != nil {
		m.metrics.recordFailure("error")
		log.Warn().
			Err(err).
			Str("streamId", sub.streamID).
			Str("eventType", string(event.Type)).
			Msg("stream subscriber failed")
		return
	}
	m.metrics.recordDelivered()
}

func fromRecord(rec eventlog.Record) Event {
	ev := Event{
		ID:        rec.ID,
		Type:      EventType(rec.Type),
		Timestamp: rec.Timestamp,
		Data:      rec.Data,
		Offset:    rec.Offset,
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	return ev
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}
