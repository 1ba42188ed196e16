package handler

import (
	"context"
	"iter"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/agentdevsl/claudorc-sub000/internal/model"
	"github.com/agentdevsl/claudorc-sub000/internal/service"
	"github.com/agentdevsl/claudorc-sub000/internal/stream"
)

type mockSessions struct {
	mock.Mock
}

func (m *mockSessions) Create(ctx context.Context, input service.CreateSessionInput) (*model.Session, error) {
	args := m.Called(ctx, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessions) GetByID(ctx context.Context, id string) (*model.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessions) List(ctx context.Context, opts service.ListOptions) ([]model.Session, error) {
	args := m.Called(ctx, opts)
	return args.Get(0).([]model.Session), args.Error(1)
}

func (m *mockSessions) ListSessionsWithFilters(ctx context.Context, projectID string, filters service.SessionFilters) (*service.SessionList, error) {
	args := m.Called(ctx, projectID, filters)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SessionList), args.Error(1)
}

func (m *mockSessions) Close(ctx context.Context, id string) (*model.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessions) MarkError(ctx context.Context, id, reason string) (*model.Session, error) {
	args := m.Called(ctx, id, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *mockSessions) Join(ctx context.Context, id, userID string) (*model.PresenceEntry, error) {
	args := m.Called(ctx, id, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PresenceEntry), args.Error(1)
}

func (m *mockSessions) Leave(ctx context.Context, id, userID string) error {
	return m.Called(ctx, id, userID).Error(0)
}

func (m *mockSessions) UpdatePresence(ctx context.Context, id, userID string, update service.PresenceUpdate) (*model.PresenceEntry, error) {
	args := m.Called(ctx, id, userID, update)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PresenceEntry), args.Error(1)
}

func (m *mockSessions) GetActiveUsers(ctx context.Context, id string) ([]model.PresenceEntry, error) {
	args := m.Called(ctx, id)
	return args.Get(0).([]model.PresenceEntry), args.Error(1)
}

func (m *mockSessions) Publish(ctx context.Context, id string, input service.SessionEventInput) (int64, error) {
	args := m.Called(ctx, id, input)
	return args.Get(0).(int64), args.Error(1)
}

func (m *mockSessions) PersistAndPublish(ctx context.Context, id string, input service.SessionEventInput) (*model.SessionEvent, int64, error) {
	args := m.Called(ctx, id, input)
	if args.Get(0) == nil {
		return nil, args.Get(1).(int64), args.Error(2)
	}
	return args.Get(0).(*model.SessionEvent), args.Get(1).(int64), args.Error(2)
}

func (m *mockSessions) GetEventsBySession(ctx context.Context, id string, page service.Page) ([]model.SessionEvent, error) {
	args := m.Called(ctx, id, page)
	return args.Get(0).([]model.SessionEvent), args.Error(1)
}

func (m *mockSessions) GetHistory(ctx context.Context, id string, opts service.HistoryOptions) ([]model.SessionEvent, error) {
	args := m.Called(ctx, id, opts)
	return args.Get(0).([]model.SessionEvent), args.Error(1)
}

func (m *mockSessions) GetSessionSummary(ctx context.Context, id string) (*model.SessionSummary, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SessionSummary), args.Error(1)
}

func (m *mockSessions) UpdateSessionSummary(ctx context.Context, id string, update model.SessionSummaryUpdate) (*model.SessionSummary, error) {
	args := m.Called(ctx, id, update)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.SessionSummary), args.Error(1)
}

func (m *mockSessions) Subscribe(ctx context.Context, id string, opts service.SubscribeOptions) (iter.Seq2[stream.Event, error], error) {
	args := m.Called(ctx, id, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(iter.Seq2[stream.Event, error]), args.Error(1)
}

func (m *mockSessions) ParseURL(raw string) (string, error) {
	args := m.Called(raw)
	return args.String(0), args.Error(1)
}

type mockTokens struct {
	mock.Mock
	// maxExpiry defaults to the service default when zero.
	maxExpiry time.Duration
}

func (m *mockTokens) Generate(input service.GenerateTokenInput) (*model.StreamToken, error) {
	args := m.Called(input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.StreamToken), args.Error(1)
}

func (m *mockTokens) Validate(token string) (*model.TokenClaims, error) {
	args := m.Called(token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.TokenClaims), args.Error(1)
}

func (m *mockTokens) Revoke(token string) error {
	return m.Called(token).Error(0)
}

func (m *mockTokens) RevokeAllForUser(userID string) int {
	return m.Called(userID).Int(0)
}

func (m *mockTokens) GetActiveTokensForUser(userID string) []model.StreamToken {
	return m.Called(userID).Get(0).([]model.StreamToken)
}

func (m *mockTokens) GetStats() model.TokenStats {
	return m.Called().Get(0).(model.TokenStats)
}

func (m *mockTokens) MaxExpiry() time.Duration {
	if m.maxExpiry == 0 {
		return service.DefaultMaxStreamTokenExpiry
	}
	return m.maxExpiry
}
