package stream

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentdevsl/claudorc-sub000/internal/errors"
	"github.com/agentdevsl/claudorc-sub000/internal/eventlog"
)

type failingBackend struct {
	eventlog.Backend
	err error
}

func (f *failingBackend) Append(context.Context, string, string, json.RawMessage) (int64, error) {
	return 0, f.err
}

func (f *failingBackend) Subscribe(context.Context, string) iter.Seq2[eventlog.Record, error] {
	return func(yield func(eventlog.Record, error) bool) {
		yield(eventlog.Record{}, f.err)
	}
}

func newTestManager(t *testing.T, opts Options) (*Manager, *eventlog.MemoryBackend) {
	t.Helper()
	backend := eventlog.NewMemoryBackend()
	m := NewManager(backend, opts)
	t.Cleanup(m.Close)
	return m, backend
}

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestManager_PublishRejectsBlankStreamID(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	for _, id := range []string{"", "   "} {
		_, err := m.Publish(context.Background(), id, EventChunk, nil)
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidStreamID))
	}

	_, err := m.Subscribe(context.Background(), "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidStreamID))
	assert.True(t, apperrors.HasCode(m.CreateStream(context.Background(), "\t", nil), apperrors.ErrCodeInvalidStreamID))
}

func TestManager_CreateStreamStoresSchema(t *testing.T) {
	m, backend := newTestManager(t, Options{})

	schema := json.RawMessage(`{"name":"session"}`)
	require.NoError(t, m.CreateStream(context.Background(), "s1", schema))

	got, ok := backend.Schema("s1")
	require.True(t, ok)
	assert.JSONEq(t, string(schema), string(got))
}

func TestManager_PublishDeliversInOrder(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	c := &collector{}
	unsubscribe := m.AddSubscriber("s1", c.handle)
	defer unsubscribe()

	for i := 0; i < 10; i++ {
		offset, err := m.Publish(context.Background(), "s1", EventChunk, ChunkPayload{Text: "x"})
		require.NoError(t, err)
		assert.Equal(t, int64(i), offset)
	}

	require.Eventually(t, func() bool { return len(c.snapshot()) == 10 }, time.Second, 5*time.Millisecond)
	for i, ev := range c.snapshot() {
		require.NotNil(t, ev.Offset)
		assert.Equal(t, int64(i), *ev.Offset)
		assert.NotEmpty(t, ev.ID)
		assert.NotZero(t, ev.Timestamp)
		assert.Equal(t, EventChunk, ev.Type)
	}
}

func TestManager_PublishFailureSkipsFanOut(t *testing.T) {
	boom := errors.New("log unavailable")
	m := NewManager(&failingBackend{err: boom}, Options{})
	defer m.Close()

	var calls atomic.Int32
	m.AddSubscriber("s1", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})

	_, err := m.Publish(context.Background(), "s1", EventChunk, nil)
	require.ErrorIs(t, err, boom)

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestManager_FailingSubscriberIsIsolated(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	m.AddSubscriber("s1", func(context.Context, Event) error {
		return errors.New("subscriber broke")
	})
	m.AddSubscriber("s1", func(context.Context, Event) error {
		panic("subscriber exploded")
	})
	c := &collector{}
	m.AddSubscriber("s1", c.handle)

	_, err := m.Publish(context.Background(), "s1", EventStateUpdate, StatePayload{Status: "running"})
	require.NoError(t, err)
	_, err = m.Publish(context.Background(), "s1", EventStateUpdate, StatePayload{Status: "idle"})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(c.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
}

func TestManager_UnsubscribeStopsDelivery(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	c := &collector{}
	unsubscribe := m.AddSubscriber("s1", c.handle)
	assert.Equal(t, 1, m.SubscriberCount("s1"))

	unsubscribe()
	unsubscribe()
	assert.Equal(t, 0, m.SubscriberCount("s1"))

	_, err := m.Publish(context.Background(), "s1", EventChunk, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, c.snapshot())
}

func TestManager_FullQueueDropsEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	m, _ := newTestManager(t, Options{BufferSize: 1, Metrics: metrics})

	release := make(chan struct{})
	var delivered atomic.Int32
	m.AddSubscriber("s1", func(context.Context, Event) error {
		<-release
		delivered.Add(1)
		return nil
	})

	for i := 0; i < 5; i++ {
		_, err := m.Publish(context.Background(), "s1", EventChunk, nil)
		require.NoError(t, err)
	}
	close(release)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.dropped) >= 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(5), testutil.ToFloat64(metrics.published.WithLabelValues(string(EventChunk))))
	assert.Less(t, delivered.Load(), int32(5))
}

func TestManager_SubscribeReplaysThenFollows(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := m.Publish(ctx, "s1", EventChunk, ChunkPayload{Text: "history"})
		require.NoError(t, err)
	}

	seq, err := m.Subscribe(ctx, "s1")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = m.Publish(ctx, "s1", EventAgentCompleted, AgentPayload{AgentID: "a1"})
	}()

	var got []Event
	for ev, err := range seq {
		require.NoError(t, err)
		got = append(got, ev)
		if len(got) == 4 {
			break
		}
	}

	require.Len(t, got, 4)
	for i, ev := range got {
		require.NotNil(t, ev.Offset)
		assert.Equal(t, int64(i), *ev.Offset)
	}
	assert.Equal(t, EventAgentCompleted, got[3].Type)
}

func TestManager_SubscribeSurfacesBackendErrors(t *testing.T) {
	boom := errors.New("read failed")
	m := NewManager(&failingBackend{err: boom}, Options{})
	defer m.Close()

	seq, err := m.Subscribe(context.Background(), "s1")
	require.NoError(t, err)

	for _, err := range seq {
		assert.ErrorIs(t, err, boom)
	}
}

func TestManager_DeleteStreamDropsSubscribers(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	m.AddSubscriber("s1", func(context.Context, Event) error { return nil })
	m.AddSubscriber("s1", func(context.Context, Event) error { return nil })
	m.AddSubscriber("s2", func(context.Context, Event) error { return nil })
	assert.Equal(t, 2, m.SubscriberCount("s1"))

	_, err := m.Publish(context.Background(), "s1", EventChunk, nil)
	require.NoError(t, err)

	deleted, err := m.DeleteStream(context.Background(), "s1")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 0, m.SubscriberCount("s1"))
	assert.Equal(t, 1, m.SubscriberCount("s2"))
}

func TestManager_AddSubscriberAfterClose(t *testing.T) {
	m := NewManager(eventlog.NewMemoryBackend(), Options{})
	m.Close()

	var calls atomic.Int32
	unsubscribe := m.AddSubscriber("s1", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	unsubscribe()

	assert.Equal(t, 0, m.SubscriberCount("s1"))
	m.Close()
	assert.Zero(t, calls.Load())
}

func TestManager_Head(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	head, err := m.Head(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)

	_, err = m.Publish(ctx, "s1", EventChunk, nil)
	require.NoError(t, err)
	head, err = m.Head(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)

	_, err = m.Head(ctx, " ")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidStreamID))
}

func TestNewMetrics_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewMetrics(reg)
	require.NoError(t, err)
	second, err := NewMetrics(reg)
	require.NoError(t, err)

	second.recordDropped()
	assert.Equal(t, float64(1), testutil.ToFloat64(first.dropped))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.recordDropped() })
}
