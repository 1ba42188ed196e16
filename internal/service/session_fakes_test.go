package service

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"

	"github.com/agentdevsl/claudorc-sub000/internal/model"
	"github.com/agentdevsl/claudorc-sub000/internal/repository"
	"github.com/agentdevsl/claudorc-sub000/internal/stream"
)

type mockProjectRepo struct {
	mock.Mock
}

func (m *mockProjectRepo) Exists(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockProjectRepo) Create(ctx context.Context, id, name string) error {
	args := m.Called(ctx, id, name)
	return args.Error(0)
}

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]model.Session
	now      func() time.Time
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]model.Session), now: time.Now}
}

func (r *fakeSessionRepo) WithTx(*sqlx.Tx) repository.SessionRepository { return r }

func (r *fakeSessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	return &session, nil
}

func (r *fakeSessionRepo) Create(_ context.Context, params model.CreateSessionParams) (*model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	session := model.Session{
		ID:        params.ID,
		ProjectID: params.ProjectID,
		TaskID:    params.TaskID,
		AgentID:   params.AgentID,
		Title:     params.Title,
		URL:       params.URL,
		Status:    model.SessionStatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.sessions[params.ID] = session
	return &session, nil
}

func (r *fakeSessionRepo) List(_ context.Context, params model.SessionListParams) ([]model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Session
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return page(out, params.Limit, params.Offset), nil
}

func (r *fakeSessionRepo) ListWithFilters(_ context.Context, params model.SessionFilterParams) ([]model.Session, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Session
	for _, s := range r.sessions {
		if s.ProjectID != params.ProjectID {
			continue
		}
		if params.Status != nil && s.Status != *params.Status {
			continue
		}
		if params.AgentID != nil && (s.AgentID == nil || *s.AgentID != *params.AgentID) {
			continue
		}
		if params.Search != nil && (s.Title == nil || !strings.Contains(strings.ToLower(*s.Title), strings.ToLower(*params.Search))) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return page(out, params.Limit, params.Offset), len(out), nil
}

func (r *fakeSessionRepo) MarkClosed(_ context.Context, id string, at time.Time) (bool, error) {
	return r.transition(id, model.SessionStatusClosed, at)
}

func (r *fakeSessionRepo) MarkError(_ context.Context, id string, at time.Time) (bool, error) {
	return r.transition(id, model.SessionStatusError, at)
}

func (r *fakeSessionRepo) transition(id string, status model.SessionStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[id]
	if !ok || session.Status != model.SessionStatusActive {
		return false, nil
	}
	session.Status = status
	session.UpdatedAt = at
	if status == model.SessionStatusClosed {
		session.ClosedAt = &at
	}
	r.sessions[id] = session
	return true, nil
}

type fakeEventRepo struct {
	mu     sync.Mutex
	events map[string][]model.SessionEvent
	// afterListSince runs once ListSince has read its result.
	afterListSince func()
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{events: make(map[string][]model.SessionEvent)}
}

func (r *fakeEventRepo) WithTx(*sqlx.Tx) repository.SessionEventRepository { return r }

func (r *fakeEventRepo) MaxOffset(_ context.Context, sessionID string) (*int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.events[sessionID]
	if len(events) == 0 {
		return nil, nil
	}
	latest := events[0].Offset
	for _, e := range events {
		if e.Offset > latest {
			latest = e.Offset
		}
	}
	return &latest, nil
}

func (r *fakeEventRepo) Create(_ context.Context, params model.CreateSessionEventParams) (*model.SessionEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events[params.SessionID] {
		if e.Offset == params.Offset {
			return nil, errors.New("duplicate key value violates unique constraint")
		}
	}
	event := model.SessionEvent{
		SessionID: params.SessionID,
		Offset:    params.Offset,
		ID:        params.ID,
		Type:      params.Type,
		Timestamp: params.Timestamp,
		Data:      params.Data,
		Channel:   params.Channel,
	}
	r.events[params.SessionID] = append(r.events[params.SessionID], event)
	return &event, nil
}

func (r *fakeEventRepo) sorted(sessionID string) []model.SessionEvent {
	events := append([]model.SessionEvent(nil), r.events[sessionID]...)
	sort.Slice(events, func(i, j int) bool { return events[i].Offset < events[j].Offset })
	return events
}

func (r *fakeEventRepo) ListBySession(_ context.Context, sessionID string, limit, offset int) ([]model.SessionEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return page(r.sorted(sessionID), limit, offset), nil
}

func (r *fakeEventRepo) ListSince(_ context.Context, sessionID string, since int64) ([]model.SessionEvent, error) {
	r.mu.Lock()
	var out []model.SessionEvent
	for _, e := range r.sorted(sessionID) {
		if e.Timestamp >= since {
			out = append(out, e)
		}
	}
	hook := r.afterListSince
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
	return out, nil
}

type fakeSummaryRepo struct {
	mu        sync.Mutex
	summaries map[string]model.SessionSummary
}

func newFakeSummaryRepo() *fakeSummaryRepo {
	return &fakeSummaryRepo{summaries: make(map[string]model.SessionSummary)}
}

func (r *fakeSummaryRepo) WithTx(*sqlx.Tx) repository.SessionSummaryRepository { return r }

func (r *fakeSummaryRepo) FindBySessionID(_ context.Context, sessionID string) (*model.SessionSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	summary, ok := r.summaries[sessionID]
	if !ok {
		return nil, nil
	}
	return &summary, nil
}

func (r *fakeSummaryRepo) GetOrCreate(_ context.Context, sessionID string) (*model.SessionSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	summary, ok := r.summaries[sessionID]
	if !ok {
		summary = model.SessionSummary{SessionID: sessionID, CreatedAt: time.Now(), UpdatedAt: time.Now()}
		r.summaries[sessionID] = summary
	}
	return &summary, nil
}

func (r *fakeSummaryRepo) Save(_ context.Context, summary *model.SessionSummary) (*model.SessionSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	saved := *summary
	saved.UpdatedAt = time.Now()
	r.summaries[summary.SessionID] = saved
	return &saved, nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items
}

// failingStreams fails every call with err.
type failingStreams struct {
	err error
}

func (f failingStreams) CreateStream(context.Context, string, json.RawMessage) error {
	return f.err
}

func (f failingStreams) Publish(context.Context, string, stream.EventType, any) (int64, error) {
	return 0, f.err
}

func (f failingStreams) Head(context.Context, string) (int64, error) {
	return 0, f.err
}

func (f failingStreams) Subscribe(context.Context, string) (iter.Seq2[stream.Event, error], error) {
	return nil, f.err
}
