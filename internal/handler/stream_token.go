package handler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/agentdevsl/claudorc-sub000/internal/errors"
	"github.com/agentdevsl/claudorc-sub000/internal/middleware"
	"github.com/agentdevsl/claudorc-sub000/internal/model"
	"github.com/agentdevsl/claudorc-sub000/internal/service"
	"github.com/agentdevsl/claudorc-sub000/internal/util"
)

// StreamTokenIssuer is the token service surface the issuing endpoints use.
type StreamTokenIssuer interface {
	Generate(input service.GenerateTokenInput) (*model.StreamToken, error)
	Revoke(token string) error
	RevokeAllForUser(userID string) int
	GetActiveTokensForUser(userID string) []model.StreamToken
	GetStats() model.TokenStats
	MaxExpiry() time.Duration
}

var _ StreamTokenIssuer = (*service.StreamTokenService)(nil)

// SessionLookup resolves the session a token is requested for.
type SessionLookup interface {
	GetByID(ctx context.Context, id string) (*model.Session, error)
}

type StreamTokenHandler struct {
	tokens   StreamTokenIssuer
	sessions SessionLookup
}

func NewStreamTokenHandler(tokens StreamTokenIssuer, sessions SessionLookup) *StreamTokenHandler {
	return &StreamTokenHandler{tokens: tokens, sessions: sessions}
}

// Routes mounts the token endpoints. issueMiddlewares wrap issuance only.
func (h *StreamTokenHandler) Routes(issueMiddlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.With(issueMiddlewares...).Post("/", h.Issue)
	r.Get("/", h.ListActive)
	r.Post("/revoke", h.Revoke)
	r.Post("/revoke-all", h.RevokeAll)
	r.Get("/stats", h.Stats)

	return r
}

type issueTokenRequest struct {
	SessionID     string   `json:"sessionId"`
	Scopes        []string `json:"scopes"`
	ExpirySeconds int      `json:"expirySeconds"`
}

type issueTokenResponse struct {
	Token     string    `json:"token"`
	StreamID  string    `json:"streamId"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// POST /v1/stream-tokens
func (h *StreamTokenHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, apperrors.MissingRequired("sessionId"))
		return
	}
	if req.ExpirySeconds < 0 {
		writeError(w, apperrors.ValidationError("expirySeconds must not be negative"))
		return
	}
	if maxSeconds := int64(h.tokens.MaxExpiry() / time.Second); int64(req.ExpirySeconds) > maxSeconds {
		writeError(w, apperrors.ValidationError(fmt.Sprintf("expirySeconds must not exceed %d", maxSeconds)))
		return
	}

	if _, err := h.sessions.GetByID(r.Context(), req.SessionID); err != nil {
		writeError(w, err)
		return
	}

	token, err := h.tokens.Generate(service.GenerateTokenInput{
		UserID:   middleware.GetUserID(r.Context()),
		StreamID: req.SessionID,
		Scopes:   req.Scopes,
		Expiry:   time.Duration(req.ExpirySeconds) * time.Second,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, issueTokenResponse{
		Token:     token.Token,
		StreamID:  token.StreamID,
		Scopes:    token.Scopes,
		ExpiresAt: token.ExpiresAt,
	})
}

type tokenView struct {
	ID        string    `json:"id"`
	Token     string    `json:"token"`
	StreamID  string    `json:"streamId"`
	Scopes    []string  `json:"scopes"`
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// GET /v1/stream-tokens
//
// Token values are masked; a listed token cannot be replayed from here.
func (h *StreamTokenHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	active := h.tokens.GetActiveTokensForUser(middleware.GetUserID(r.Context()))

	views := make([]tokenView, 0, len(active))
	for _, t := range active {
		views = append(views, tokenView{
			ID:        t.ID,
			Token:     util.MaskToken(t.Token),
			StreamID:  t.StreamID,
			Scopes:    t.Scopes,
			ExpiresAt: t.ExpiresAt,
			CreatedAt: t.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"tokens": views})
}

type revokeTokenRequest struct {
	Token string `json:"token"`
}

// POST /v1/stream-tokens/revoke
func (h *StreamTokenHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req revokeTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Token == "" {
		writeError(w, apperrors.MissingRequired("token"))
		return
	}

	// Callers may only revoke their own tokens; anything else looks absent.
	userID := middleware.GetUserID(r.Context())
	if !ownsToken(h.tokens.GetActiveTokensForUser(userID), req.Token) {
		writeError(w, apperrors.TokenNotFound())
		return
	}

	if err := h.tokens.Revoke(req.Token); err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/stream-tokens/revoke-all
func (h *StreamTokenHandler) RevokeAll(w http.ResponseWriter, r *http.Request) {
	count := h.tokens.RevokeAllForUser(middleware.GetUserID(r.Context()))
	writeJSON(w, http.StatusOK, map[string]int{"revoked": count})
}

// GET /v1/stream-tokens/stats
func (h *StreamTokenHandler) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.tokens.GetStats())
}

func ownsToken(tokens []model.StreamToken, value string) bool {
	for _, t := range tokens {
		if t.Token == value {
			return true
		}
	}
	return false
}
