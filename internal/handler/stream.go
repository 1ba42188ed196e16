package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentdevsl/claudorc-sub000/internal/audit"
	"github.com/agentdevsl/claudorc-sub000/internal/config"
	apperrors "github.com/agentdevsl/claudorc-sub000/internal/errors"
	"github.com/agentdevsl/claudorc-sub000/internal/middleware"
	"github.com/agentdevsl/claudorc-sub000/internal/model"
	"github.com/agentdevsl/claudorc-sub000/internal/service"
	"github.com/agentdevsl/claudorc-sub000/internal/stream"
)

type StreamTokenValidator interface {
	Validate(token string) (*model.TokenClaims, error)
}

var _ StreamTokenValidator = (*service.StreamTokenService)(nil)

type SessionSubscriber interface {
	Subscribe(ctx context.Context, id string, opts service.SubscribeOptions) (iter.Seq2[stream.Event, error], error)
}

// StreamHandler serves a session's live events as server-sent events. Each
// connection spends one single-use stream token.
type StreamHandler struct {
	tokens    StreamTokenValidator
	sessions  SessionSubscriber
	heartbeat time.Duration

	closing   chan struct{}
	closeOnce sync.Once
}

func NewStreamHandler(tokens StreamTokenValidator, sessions SessionSubscriber) *StreamHandler {
	return &StreamHandler{
		tokens:    tokens,
		sessions:  sessions,
		heartbeat: config.StreamHeartbeatInterval,
		closing:   make(chan struct{}),
	}
}

// CloseAll ends every open stream. http.Server.Shutdown does not cancel
// request contexts, so it is registered with RegisterOnShutdown.
func (h *StreamHandler) CloseAll() {
	h.closeOnce.Do(func() { close(h.closing) })
}

// GET /v1/stream?token=sst_...&includeHistory=true&startTime=
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := middleware.ExtractToken(r)
	if token == "" {
		writeError(w, apperrors.Unauthorized("Missing stream token"))
		return
	}

	startTime, err := parseInt64Param(r.URL.Query().Get("startTime"), "startTime")
	if err != nil {
		writeError(w, err)
		return
	}
	includeHistory, _ := strconv.ParseBool(r.URL.Query().Get("includeHistory"))

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	claims, err := h.tokens.Validate(token)
	if err != nil {
		writeError(w, err)
		return
	}
	if !service.ScopesAllow(claims.Scopes, service.ScopeStreamRead) {
		writeError(w, apperrors.Forbidden("Token lacks stream:read scope"))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	seq, err := h.sessions.Subscribe(ctx, claims.StreamID, service.SubscribeOptions{
		IncludeHistory: includeHistory || startTime != nil,
		StartTime:      startTime,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	audit.LogFromRequest(r, audit.Event{
		Type:     audit.EventStreamConnect,
		UserID:   claims.UserID,
		StreamID: claims.StreamID,
	})

	logger := log.With().Str("streamId", claims.StreamID).Str("userId", claims.UserID).Logger()
	logger.Info().Msg("stream connection established")

	if err := h.sendEvent(w, flusher, "", "connected", map[string]string{
		"streamId": claims.StreamID,
		"userId":   claims.UserID,
	}); err != nil {
		return
	}

	events, errc := pump(ctx, seq)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("stream connection closed by client")
			return

		case <-h.closing:
			logger.Info().Msg("stream connection closed by server shutdown")
			return

		case event, ok := <-events:
			if !ok {
				// errc is written before events closes.
				select {
				case err := <-errc:
					logger.Warn().Err(err).Msg("stream subscription failed")
					_ = h.sendEvent(w, flusher, "", "error", map[string]string{"code": string(apperrors.GetCode(err))})
				default:
				}
				return
			}
			id := ""
			if event.Offset != nil {
				id = strconv.FormatInt(*event.Offset, 10)
			}
			if err := h.sendEvent(w, flusher, id, string(event.Type), event); err != nil {
				logger.Debug().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				logger.Debug().Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

// pump drains seq on its own goroutine so the writer can interleave
// heartbeats. Cancelling ctx stops the goroutine and the subscription.
func pump(ctx context.Context, seq iter.Seq2[stream.Event, error]) (<-chan stream.Event, <-chan error) {
	events := make(chan stream.Event)
	errc := make(chan error, 1)

	go func() {
		defer close(events)
		for event, err := range seq {
			if err != nil {
				errc <- err
				return
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events, errc
}

func (h *StreamHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, id, eventType string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
