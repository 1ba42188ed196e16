package service

import (
	"context"
	"encoding/json"
	"iter"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/agentdevsl/claudorc-sub000/internal/clock"
	"github.com/agentdevsl/claudorc-sub000/internal/database"
	apperrors "github.com/agentdevsl/claudorc-sub000/internal/errors"
	"github.com/agentdevsl/claudorc-sub000/internal/model"
	"github.com/agentdevsl/claudorc-sub000/internal/repository"
	"github.com/agentdevsl/claudorc-sub000/internal/stream"
)

const (
	DefaultSessionPageSize = 50
	MaxSessionPageSize     = 100
	DefaultEventPageSize   = 100
	MaxEventPageSize       = 1000

	sessionPathPrefix = "/sessions/"
)

// SessionStreamSchema is attached to every session stream.
var SessionStreamSchema = json.RawMessage(`{"name":"session","version":1,"channels":["chunks","toolCalls","terminal","presence","approval","agent","state"]}`)

var sessionOrderColumns = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"title":      true,
}

// StreamPublisher is the part of the stream manager sessions depend on.
type StreamPublisher interface {
	CreateStream(ctx context.Context, streamID string, schema json.RawMessage) error
	Publish(ctx context.Context, streamID string, eventType stream.EventType, data any) (int64, error)
	Head(ctx context.Context, streamID string) (int64, error)
	Subscribe(ctx context.Context, streamID string) (iter.Seq2[stream.Event, error], error)
}

// Transactor runs fn inside a database transaction. *database.DB satisfies it.
type Transactor interface {
	WithTx(ctx context.Context, fn database.TxFunc) error
}

type SessionServiceConfig struct {
	Projects  repository.ProjectRepository
	Sessions  repository.SessionRepository
	Events    repository.SessionEventRepository
	Summaries repository.SessionSummaryRepository
	Streams   StreamPublisher
	// Tx is optional; without it event and summary writes are not atomic.
	Tx      Transactor
	Clock   clock.Clock
	BaseURL string
}

type CreateSessionInput struct {
	ProjectID string
	TaskID    *string
	AgentID   *string
	Title     *string
}

type ListOptions struct {
	Limit          int
	Offset         int
	OrderBy        string
	OrderDirection string
}

type PresenceUpdate struct {
	Cursor     *model.Cursor
	ActiveFile *string
}

type SessionEventInput struct {
	Type stream.EventType
	Data any
}

type Page struct {
	Limit  int
	Offset int
}

type HistoryOptions struct {
	// StartTime is a unix millisecond lower bound. Nil means no history.
	StartTime *int64
}

type SubscribeOptions struct {
	IncludeHistory bool
	StartTime      *int64
}

type SessionFilters struct {
	Status   *model.SessionStatus
	AgentID  *string
	DateFrom *time.Time
	DateTo   *time.Time
	Search   *string
	Limit    int
	Offset   int
}

type SessionList struct {
	Sessions []model.Session `json:"sessions"`
	Total    int             `json:"total"`
}

type SessionService struct {
	projects  repository.ProjectRepository
	sessions  repository.SessionRepository
	events    repository.SessionEventRepository
	summaries repository.SessionSummaryRepository
	streams   StreamPublisher
	tx        Transactor
	clock     clock.Clock
	baseURL   string

	presence *presenceRegistry
	locks    *keyedMutex
}

func NewSessionService(cfg SessionServiceConfig) *SessionService {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &SessionService{
		projects:  cfg.Projects,
		sessions:  cfg.Sessions,
		events:    cfg.Events,
		summaries: cfg.Summaries,
		streams:   cfg.Streams,
		tx:        cfg.Tx,
		clock:     cfg.Clock,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		presence:  newPresenceRegistry(),
		locks:     newKeyedMutex(),
	}
}

func (s *SessionService) Create(ctx context.Context, input CreateSessionInput) (*model.Session, error) {
	if strings.TrimSpace(input.ProjectID) == "" {
		return nil, apperrors.MissingRequired("projectId")
	}

	exists, err := s.projects.Exists(ctx, input.ProjectID)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if !exists {
		return nil, apperrors.ProjectNotFound(input.ProjectID)
	}

	id := uuid.NewString()
	if err := s.streams.CreateStream(ctx, id, SessionStreamSchema); err != nil {
		return nil, apperrors.SessionSyncFailed(id, err)
	}

	session, err := s.sessions.Create(ctx, model.CreateSessionParams{
		ID:        id,
		ProjectID: input.ProjectID,
		TaskID:    input.TaskID,
		AgentID:   input.AgentID,
		Title:     input.Title,
		URL:       s.GenerateURL(id),
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	session.Presence = []model.PresenceEntry{}

	log.Info().
		Str("sessionId", session.ID).
		Str("projectId", session.ProjectID).
		Msg("session created")

	return session, nil
}

func (s *SessionService) GetByID(ctx context.Context, id string) (*model.Session, error) {
	session, err := s.requireSession(ctx, id)
	if err != nil {
		return nil, err
	}
	session.Presence = s.presence.list(id)
	return session, nil
}

func (s *SessionService) List(ctx context.Context, opts ListOptions) ([]model.Session, error) {
	orderBy := opts.OrderBy
	if orderBy == "" {
		orderBy = "created_at"
	}
	if !sessionOrderColumns[orderBy] {
		return nil, apperrors.ValidationError("orderBy must be one of created_at, updated_at, title")
	}
	direction := strings.ToLower(opts.OrderDirection)
	if direction == "" {
		direction = "desc"
	}
	if direction != "asc" && direction != "desc" {
		return nil, apperrors.ValidationError("orderDirection must be asc or desc")
	}

	limit, offset := clampPage(opts.Limit, opts.Offset, DefaultSessionPageSize, MaxSessionPageSize)
	sessions, err := s.sessions.List(ctx, model.SessionListParams{
		Limit:          limit,
		Offset:         offset,
		OrderBy:        orderBy,
		OrderDirection: direction,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return s.withPresence(sessions), nil
}

// Close moves an active session to closed and forgets its viewers. Closing a
// session that is already closed succeeds without changes.
func (s *SessionService) Close(ctx context.Context, id string) (*model.Session, error) {
	if _, err := s.requireSession(ctx, id); err != nil {
		return nil, err
	}

	changed, err := s.sessions.MarkClosed(ctx, id, s.clock.Now())
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if changed {
		s.presence.drop(id)
		log.Info().Str("sessionId", id).Msg("session closed")
	}

	return s.GetByID(ctx, id)
}

// MarkError records an unrecoverable failure. Only active sessions move to
// error; a session already in error is left as is.
func (s *SessionService) MarkError(ctx context.Context, id, reason string) (*model.Session, error) {
	session, err := s.requireSession(ctx, id)
	if err != nil {
		return nil, err
	}
	switch session.Status {
	case model.SessionStatusError:
		return s.GetByID(ctx, id)
	case model.SessionStatusClosed:
		return nil, apperrors.SessionClosed(id)
	}

	changed, err := s.sessions.MarkError(ctx, id, s.clock.Now())
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if changed {
		s.presence.drop(id)
		log.Warn().Str("sessionId", id).Str("reason", reason).Msg("session marked as error")

		if _, err := s.streams.Publish(ctx, id, stream.EventStateUpdate, stream.StatePayload{
			Status:  string(model.SessionStatusError),
			Message: reason,
		}); err != nil {
			log.Error().Err(err).Str("sessionId", id).Msg("failed to publish error state")
		}
	}

	return s.GetByID(ctx, id)
}

func (s *SessionService) Join(ctx context.Context, id, userID string) (*model.PresenceEntry, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperrors.MissingRequired("userId")
	}
	if _, err := s.requireActive(ctx, id); err != nil {
		return nil, err
	}

	entry := model.PresenceEntry{
		UserID:   userID,
		JoinedAt: s.clock.Now().UnixMilli(),
	}
	// The entry is only recorded once viewers have been told about it.
	if _, err := s.streams.Publish(ctx, id, stream.EventPresenceJoined, stream.PresenceJoinedPayload{
		UserID:   userID,
		JoinedAt: entry.JoinedAt,
	}); err != nil {
		return nil, apperrors.SessionSyncFailed(id, err)
	}
	s.presence.join(id, entry)

	log.Debug().Str("sessionId", id).Str("userId", userID).Msg("user joined session")
	return &entry, nil
}

func (s *SessionService) Leave(ctx context.Context, id, userID string) error {
	if _, err := s.requireActive(ctx, id); err != nil {
		return err
	}
	if !s.presence.leave(id, userID) {
		return nil
	}

	if _, err := s.streams.Publish(ctx, id, stream.EventPresenceLeft, stream.PresenceLeftPayload{
		UserID: userID,
	}); err != nil {
		return apperrors.SessionSyncFailed(id, err)
	}

	log.Debug().Str("sessionId", id).Str("userId", userID).Msg("user left session")
	return nil
}

// UpdatePresence merges cursor and active file into the user's entry. A user
// who has not joined is reported as SESSION_NOT_FOUND.
func (s *SessionService) UpdatePresence(ctx context.Context, id, userID string, update PresenceUpdate) (*model.PresenceEntry, error) {
	if _, err := s.requireActive(ctx, id); err != nil {
		return nil, err
	}

	entry, ok := s.presence.update(id, userID, update)
	if !ok {
		return nil, apperrors.SessionNotFound(id).WithDetails(map[string]string{
			"sessionId": id,
			"userId":    userID,
			"reason":    "user has not joined the session",
		})
	}

	if _, err := s.streams.Publish(ctx, id, stream.EventPresenceCursor, stream.PresenceCursorPayload{
		UserID:     userID,
		Cursor:     entry.Cursor,
		ActiveFile: entry.ActiveFile,
	}); err != nil {
		return nil, apperrors.SessionSyncFailed(id, err)
	}
	return &entry, nil
}

func (s *SessionService) GetActiveUsers(ctx context.Context, id string) ([]model.PresenceEntry, error) {
	if _, err := s.requireSession(ctx, id); err != nil {
		return nil, err
	}
	return s.presence.list(id), nil
}

// Publish notifies stream subscribers without persisting to the record store.
func (s *SessionService) Publish(ctx context.Context, id string, input SessionEventInput) (int64, error) {
	if strings.TrimSpace(string(input.Type)) == "" {
		return 0, apperrors.MissingRequired("type")
	}
	if _, err := s.requireActive(ctx, id); err != nil {
		return 0, err
	}

	offset, err := s.streams.Publish(ctx, id, input.Type, input.Data)
	if err != nil {
		return 0, apperrors.SessionSyncFailed(id, err)
	}
	return offset, nil
}

// PersistEvent stores the event at the session's next offset and updates the
// summary bookkeeping. Offsets start at 0 and are allocated one session at a
// time.
func (s *SessionService) PersistEvent(ctx context.Context, id string, input SessionEventInput) (*model.SessionEvent, error) {
	if strings.TrimSpace(string(input.Type)) == "" {
		return nil, apperrors.MissingRequired("type")
	}
	if _, err := s.requireActive(ctx, id); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()
	return s.persistLocked(ctx, id, input)
}

// PersistAndPublish stores the event and publishes it to the session stream
// while holding the session lock, so a concurrent Subscribe sees it either in
// history or live but never both. It returns the persisted record and the
// stream offset.
func (s *SessionService) PersistAndPublish(ctx context.Context, id string, input SessionEventInput) (*model.SessionEvent, int64, error) {
	if strings.TrimSpace(string(input.Type)) == "" {
		return nil, 0, apperrors.MissingRequired("type")
	}
	if _, err := s.requireActive(ctx, id); err != nil {
		return nil, 0, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	persisted, err := s.persistLocked(ctx, id, input)
	if err != nil {
		return nil, 0, err
	}
	offset, err := s.streams.Publish(ctx, id, input.Type, persisted.Data)
	if err != nil {
		return nil, 0, apperrors.SessionSyncFailed(id, err)
	}
	return persisted, offset, nil
}

// persistLocked must be called with the session lock held.
func (s *SessionService) persistLocked(ctx context.Context, id string, input SessionEventInput) (*model.SessionEvent, error) {
	data, err := stream.EncodeData(input.Data)
	if err != nil {
		return nil, apperrors.ValidationError("event data must be JSON encodable").WithCause(err)
	}

	var persisted *model.SessionEvent
	err = s.inTx(ctx, func(events repository.SessionEventRepository, summaries repository.SessionSummaryRepository) error {
		maxOffset, err := events.MaxOffset(ctx, id)
		if err != nil {
			return err
		}
		var offset int64
		if maxOffset != nil {
			offset = *maxOffset + 1
		}

		persisted, err = events.Create(ctx, model.CreateSessionEventParams{
			SessionID: id,
			Offset:    offset,
			ID:        uuid.NewString(),
			Type:      string(input.Type),
			Timestamp: s.clock.Now().UnixMilli(),
			Data:      data,
			Channel:   model.ClassifyChannel(string(input.Type)),
		})
		if err != nil {
			return err
		}

		summary, err := summaries.GetOrCreate(ctx, id)
		if err != nil {
			return err
		}
		applyEventToSummary(summary, persisted)
		_, err = summaries.Save(ctx, summary)
		return err
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	return persisted, nil
}

func applyEventToSummary(summary *model.SessionSummary, event *model.SessionEvent) {
	offset, at := event.Offset, event.Timestamp
	summary.LastEventOffset = &offset
	summary.LastEventAt = &at

	if stream.EventType(event.Type) != stream.EventAgentTurn {
		return
	}
	summary.TurnsCount++
	payload, err := stream.DecodePayload(stream.Event{Type: stream.EventAgentTurn, Data: event.Data})
	if err != nil {
		log.Warn().Err(err).Str("sessionId", event.SessionID).Msg("ignoring malformed agent turn payload")
		return
	}
	if turn, ok := payload.(stream.AgentPayload); ok {
		summary.TokensUsed += turn.TokensUsed
	}
}

func (s *SessionService) GetEventsBySession(ctx context.Context, id string, page Page) ([]model.SessionEvent, error) {
	if _, err := s.requireSession(ctx, id); err != nil {
		return nil, err
	}

	limit, offset := clampPage(page.Limit, page.Offset, DefaultEventPageSize, MaxEventPageSize)
	events, err := s.events.ListBySession(ctx, id, limit, offset)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if events == nil {
		events = []model.SessionEvent{}
	}
	return events, nil
}

// GetHistory returns persisted events at or after StartTime in offset order.
func (s *SessionService) GetHistory(ctx context.Context, id string, opts HistoryOptions) ([]model.SessionEvent, error) {
	if _, err := s.requireSession(ctx, id); err != nil {
		return nil, err
	}
	if opts.StartTime == nil {
		return []model.SessionEvent{}, nil
	}

	events, err := s.events.ListSince(ctx, id, *opts.StartTime)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if events == nil {
		events = []model.SessionEvent{}
	}
	return events, nil
}

// Subscribe yields persisted history first when requested, then every event
// published to the session stream after the call. The boundary is the stream
// head read together with history under the session lock. History without a
// StartTime covers the whole session.
func (s *SessionService) Subscribe(ctx context.Context, id string, opts SubscribeOptions) (iter.Seq2[stream.Event, error], error) {
	if _, err := s.requireSession(ctx, id); err != nil {
		return nil, err
	}

	head, history, err := s.snapshot(ctx, id, opts)
	if err != nil {
		return nil, err
	}

	live, err := s.streams.Subscribe(ctx, id)
	if err != nil {
		return nil, apperrors.SessionSyncFailed(id, err)
	}

	return func(yield func(stream.Event, error) bool) {
		for _, event := range history {
			if !yield(eventFromPersisted(event), nil) {
				return
			}
		}
		for event, err := range live {
			if err != nil {
				yield(stream.Event{}, apperrors.SessionSyncFailed(id, err))
				return
			}
			if event.Offset != nil && *event.Offset < head {
				continue
			}
			if !yield(event, nil) {
				return
			}
		}
	}, nil
}

func (s *SessionService) snapshot(ctx context.Context, id string, opts SubscribeOptions) (int64, []model.SessionEvent, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	head, err := s.streams.Head(ctx, id)
	if err != nil {
		return 0, nil, apperrors.SessionSyncFailed(id, err)
	}
	if !opts.IncludeHistory {
		return head, nil, nil
	}

	since := int64(0)
	if opts.StartTime != nil {
		since = *opts.StartTime
	}
	history, err := s.events.ListSince(ctx, id, since)
	if err != nil {
		return 0, nil, apperrors.Database(err)
	}
	return head, history, nil
}

func eventFromPersisted(event model.SessionEvent) stream.Event {
	offset := event.Offset
	return stream.Event{
		ID:        event.ID,
		Type:      stream.EventType(event.Type),
		Timestamp: event.Timestamp,
		Data:      event.Data,
		Offset:    &offset,
	}
}

func (s *SessionService) GetSessionSummary(ctx context.Context, id string) (*model.SessionSummary, error) {
	if _, err := s.requireSession(ctx, id); err != nil {
		return nil, err
	}
	summary, err := s.summaries.GetOrCreate(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return summary, nil
}

// UpdateSessionSummary merges the non-nil fields of update into the summary,
// creating it first if needed.
func (s *SessionService) UpdateSessionSummary(ctx context.Context, id string, update model.SessionSummaryUpdate) (*model.SessionSummary, error) {
	if _, err := s.requireSession(ctx, id); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	var saved *model.SessionSummary
	err := s.inTx(ctx, func(_ repository.SessionEventRepository, summaries repository.SessionSummaryRepository) error {
		summary, err := summaries.GetOrCreate(ctx, id)
		if err != nil {
			return err
		}
		update.Apply(summary)
		saved, err = summaries.Save(ctx, summary)
		return err
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}
	return saved, nil
}

func (s *SessionService) ListSessionsWithFilters(ctx context.Context, projectID string, filters SessionFilters) (*SessionList, error) {
	if strings.TrimSpace(projectID) == "" {
		return nil, apperrors.MissingRequired("projectId")
	}
	if filters.Status != nil && !filters.Status.IsValid() {
		return nil, apperrors.ValidationError("status must be one of active, closed, error")
	}
	if filters.DateFrom != nil && filters.DateTo != nil && filters.DateFrom.After(*filters.DateTo) {
		return nil, apperrors.ValidationError("dateFrom must not be after dateTo")
	}

	limit, offset := clampPage(filters.Limit, filters.Offset, DefaultSessionPageSize, MaxSessionPageSize)
	sessions, total, err := s.sessions.ListWithFilters(ctx, model.SessionFilterParams{
		ProjectID: projectID,
		Status:    filters.Status,
		AgentID:   filters.AgentID,
		DateFrom:  filters.DateFrom,
		DateTo:    filters.DateTo,
		Search:    filters.Search,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return nil, apperrors.Database(err)
	}

	return &SessionList{Sessions: s.withPresence(sessions), Total: total}, nil
}

func (s *SessionService) GenerateURL(id string) string {
	return s.baseURL + sessionPathPrefix + url.PathEscape(id)
}

// ParseURL extracts the session id from a URL whose path ends in
// /sessions/{id}.
func (s *SessionService) ParseURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", apperrors.InvalidURL(raw)
	}

	path := strings.TrimSuffix(u.Path, "/")
	idx := strings.LastIndex(path, sessionPathPrefix)
	if idx < 0 {
		return "", apperrors.InvalidURL(raw)
	}
	id := path[idx+len(sessionPathPrefix):]
	if id == "" || strings.Contains(id, "/") {
		return "", apperrors.InvalidURL(raw)
	}
	return id, nil
}

func (s *SessionService) requireSession(ctx context.Context, id string) (*model.Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, apperrors.SessionNotFound(id)
	}
	session, err := s.sessions.FindByID(ctx, id)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if session == nil {
		return nil, apperrors.SessionNotFound(id)
	}
	return session, nil
}

func (s *SessionService) requireActive(ctx context.Context, id string) (*model.Session, error) {
	session, err := s.requireSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, apperrors.SessionClosed(id)
	}
	return session, nil
}

func (s *SessionService) withPresence(sessions []model.Session) []model.Session {
	if sessions == nil {
		return []model.Session{}
	}
	for i := range sessions {
		sessions[i].Presence = s.presence.list(sessions[i].ID)
	}
	return sessions
}

func (s *SessionService) inTx(ctx context.Context, fn func(repository.SessionEventRepository, repository.SessionSummaryRepository) error) error {
	if s.tx == nil {
		return fn(s.events, s.summaries)
	}
	return s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		return fn(s.events.WithTx(tx), s.summaries.WithTx(tx))
	})
}

func clampPage(limit, offset, def, maxLimit int) (int, int) {
	if limit <= 0 {
		limit = def
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
