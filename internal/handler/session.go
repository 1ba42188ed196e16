package handler

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agentdevsl/claudorc-sub000/internal/audit"
	apperrors "github.com/agentdevsl/claudorc-sub000/internal/errors"
	"github.com/agentdevsl/claudorc-sub000/internal/middleware"
	"github.com/agentdevsl/claudorc-sub000/internal/model"
	"github.com/agentdevsl/claudorc-sub000/internal/service"
	"github.com/agentdevsl/claudorc-sub000/internal/stream"
	"github.com/agentdevsl/claudorc-sub000/internal/util"
)

// SessionOperations is the session service surface exposed over HTTP.
// *service.SessionService satisfies it.
type SessionOperations interface {
	Create(ctx context.Context, input service.CreateSessionInput) (*model.Session, error)
	GetByID(ctx context.Context, id string) (*model.Session, error)
	List(ctx context.Context, opts service.ListOptions) ([]model.Session, error)
	ListSessionsWithFilters(ctx context.Context, projectID string, filters service.SessionFilters) (*service.SessionList, error)
	Close(ctx context.Context, id string) (*model.Session, error)
	MarkError(ctx context.Context, id, reason string) (*model.Session, error)
	Join(ctx context.Context, id, userID string) (*model.PresenceEntry, error)
	Leave(ctx context.Context, id, userID string) error
	UpdatePresence(ctx context.Context, id, userID string, update service.PresenceUpdate) (*model.PresenceEntry, error)
	GetActiveUsers(ctx context.Context, id string) ([]model.PresenceEntry, error)
	Publish(ctx context.Context, id string, input service.SessionEventInput) (int64, error)
	PersistAndPublish(ctx context.Context, id string, input service.SessionEventInput) (*model.SessionEvent, int64, error)
	GetEventsBySession(ctx context.Context, id string, page service.Page) ([]model.SessionEvent, error)
	GetHistory(ctx context.Context, id string, opts service.HistoryOptions) ([]model.SessionEvent, error)
	GetSessionSummary(ctx context.Context, id string) (*model.SessionSummary, error)
	UpdateSessionSummary(ctx context.Context, id string, update model.SessionSummaryUpdate) (*model.SessionSummary, error)
	Subscribe(ctx context.Context, id string, opts service.SubscribeOptions) (iter.Seq2[stream.Event, error], error)
	ParseURL(raw string) (string, error)
}

var _ SessionOperations = (*service.SessionService)(nil)

var sessionStatuses = []string{
	string(model.SessionStatusActive),
	string(model.SessionStatusClosed),
	string(model.SessionStatusError),
}

type SessionHandler struct {
	sessions SessionOperations
}

func NewSessionHandler(sessions SessionOperations) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/resolve", h.Resolve)

	r.Route("/{sessionID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/close", h.Close)
		r.Post("/error", h.MarkError)

		r.Get("/presence", h.ListPresence)
		r.Post("/presence", h.Join)
		r.Patch("/presence", h.UpdatePresence)
		r.Delete("/presence", h.Leave)

		r.Post("/events", h.PostEvent)
		r.Get("/events", h.ListEvents)

		r.Get("/summary", h.GetSummary)
		r.Patch("/summary", h.UpdateSummary)
	})

	return r
}

// ProjectRoutes serves the per-project session listing.
func (h *SessionHandler) ProjectRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{projectID}/sessions", h.ListByProject)
	return r
}

type createSessionRequest struct {
	ProjectID string  `json:"projectId"`
	TaskID    *string `json:"taskId"`
	AgentID   *string `json:"agentId"`
	Title     *string `json:"title"`
}

// POST /v1/sessions
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		writeError(w, apperrors.MissingRequired("projectId"))
		return
	}

	session, err := h.sessions.Create(r.Context(), service.CreateSessionInput{
		ProjectID: req.ProjectID,
		TaskID:    req.TaskID,
		AgentID:   req.AgentID,
		Title:     req.Title,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:     audit.EventSessionCreate,
		UserID:   middleware.GetUserID(r.Context()),
		StreamID: session.ID,
		Details:  map[string]interface{}{"projectId": session.ProjectID},
	})

	writeJSON(w, http.StatusCreated, session)
}

// GET /v1/sessions
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	page := ParsePagination(r, service.DefaultSessionPageSize, service.MaxSessionPageSize)
	q := r.URL.Query()

	sessions, err := h.sessions.List(r.Context(), service.ListOptions{
		Limit:          page.Limit,
		Offset:         page.Offset,
		OrderBy:        q.Get("orderBy"),
		OrderDirection: q.Get("orderDirection"),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"limit":    page.Limit,
		"offset":   page.Offset,
	})
}

// GET /v1/sessions/resolve?url=
func (h *SessionHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := h.sessions.ParseURL(r.URL.Query().Get("url"))
	if err != nil {
		writeError(w, err)
		return
	}

	session, err := h.sessions.GetByID(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// GET /v1/projects/{projectID}/sessions
func (h *SessionHandler) ListByProject(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := ParsePagination(r, service.DefaultSessionPageSize, service.MaxSessionPageSize)
	filters := service.SessionFilters{Limit: page.Limit, Offset: page.Offset}

	if status := q.Get("status"); status != "" {
		if !util.IsValidEnum(status, sessionStatuses) {
			writeError(w, apperrors.ValidationError("Invalid status filter").
				WithDetails(map[string]any{"allowed": sessionStatuses}))
			return
		}
		s := model.SessionStatus(status)
		filters.Status = &s
	}
	if agentID := q.Get("agentId"); agentID != "" {
		filters.AgentID = &agentID
	}
	if search := strings.TrimSpace(q.Get("search")); search != "" {
		filters.Search = &search
	}

	var err error
	if filters.DateFrom, err = parseTimeParam(q.Get("dateFrom"), "dateFrom"); err != nil {
		writeError(w, err)
		return
	}
	if filters.DateTo, err = parseTimeParam(q.Get("dateTo"), "dateTo"); err != nil {
		writeError(w, err)
		return
	}

	list, err := h.sessions.ListSessionsWithFilters(r.Context(), chi.URLParam(r, "projectID"), filters)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, list)
}

// GET /v1/sessions/{sessionID}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.GetByID(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, session)
}

// POST /v1/sessions/{sessionID}/close
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	session, err := h.sessions.Close(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:     audit.EventSessionClose,
		UserID:   middleware.GetUserID(r.Context()),
		StreamID: session.ID,
	})
	writeJSON(w, http.StatusOK, session)
}

type markErrorRequest struct {
	Reason string `json:"reason"`
}

// POST /v1/sessions/{sessionID}/error
func (h *SessionHandler) MarkError(w http.ResponseWriter, r *http.Request) {
	var req markErrorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	session, err := h.sessions.MarkError(r.Context(), chi.URLParam(r, "sessionID"), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// GET /v1/sessions/{sessionID}/presence
func (h *SessionHandler) ListPresence(w http.ResponseWriter, r *http.Request) {
	users, err := h.sessions.GetActiveUsers(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// POST /v1/sessions/{sessionID}/presence
func (h *SessionHandler) Join(w http.ResponseWriter, r *http.Request) {
	entry, err := h.sessions.Join(r.Context(), chi.URLParam(r, "sessionID"), middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type presenceRequest struct {
	Cursor     *model.Cursor `json:"cursor"`
	ActiveFile *string       `json:"activeFile"`
}

// PATCH /v1/sessions/{sessionID}/presence
func (h *SessionHandler) UpdatePresence(w http.ResponseWriter, r *http.Request) {
	var req presenceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	entry, err := h.sessions.UpdatePresence(r.Context(), chi.URLParam(r, "sessionID"), middleware.GetUserID(r.Context()),
		service.PresenceUpdate{Cursor: req.Cursor, ActiveFile: req.ActiveFile})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// DELETE /v1/sessions/{sessionID}/presence
func (h *SessionHandler) Leave(w http.ResponseWriter, r *http.Request) {
	if err := h.sessions.Leave(r.Context(), chi.URLParam(r, "sessionID"), middleware.GetUserID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type postEventRequest struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Ephemeral bool            `json:"ephemeral"`
}

type postEventResponse struct {
	StreamOffset int64               `json:"streamOffset"`
	Event        *model.SessionEvent `json:"event,omitempty"`
}

// POST /v1/sessions/{sessionID}/events
//
// The event is persisted first so a failed write never reaches live
// subscribers. Ephemeral events are only published.
func (h *SessionHandler) PostEvent(w http.ResponseWriter, r *http.Request) {
	var req postEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		writeError(w, apperrors.MissingRequired("type"))
		return
	}

	ctx := r.Context()
	id := chi.URLParam(r, "sessionID")
	input := service.SessionEventInput{Type: stream.EventType(req.Type), Data: req.Data}

	if req.Ephemeral {
		offset, err := h.sessions.Publish(ctx, id, input)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, postEventResponse{StreamOffset: offset})
		return
	}

	persisted, offset, err := h.sessions.PersistAndPublish(ctx, id, input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, postEventResponse{StreamOffset: offset, Event: persisted})
}

// GET /v1/sessions/{sessionID}/events
//
// With startTime the response is the history since that instant;
// otherwise it is one offset-ordered page.
func (h *SessionHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "sessionID")

	startTime, err := parseInt64Param(r.URL.Query().Get("startTime"), "startTime")
	if err != nil {
		writeError(w, err)
		return
	}

	var events []model.SessionEvent
	if startTime != nil {
		events, err = h.sessions.GetHistory(ctx, id, service.HistoryOptions{StartTime: startTime})
	} else {
		page := ParsePagination(r, service.DefaultEventPageSize, service.MaxEventPageSize)
		events, err = h.sessions.GetEventsBySession(ctx, id, service.Page{Limit: page.Limit, Offset: page.Offset})
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// GET /v1/sessions/{sessionID}/summary
func (h *SessionHandler) GetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.sessions.GetSessionSummary(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// PATCH /v1/sessions/{sessionID}/summary
func (h *SessionHandler) UpdateSummary(w http.ResponseWriter, r *http.Request) {
	var update model.SessionSummaryUpdate
	if err := decodeJSON(r, &update); err != nil {
		writeError(w, err)
		return
	}

	summary, err := h.sessions.UpdateSessionSummary(r.Context(), chi.URLParam(r, "sessionID"), update)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func parseTimeParam(raw, name string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, apperrors.ValidationError(name + " must be an RFC 3339 timestamp")
	}
	return &t, nil
}

func parseInt64Param(raw, name string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return nil, apperrors.ValidationError(name + " must be a non-negative integer")
	}
	return &v, nil
}
