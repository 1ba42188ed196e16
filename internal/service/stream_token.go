package service

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/agentdevsl/claudorc-sub000/internal/audit"
	"github.com/agentdevsl/claudorc-sub000/internal/clock"
	apperrors "github.com/agentdevsl/claudorc-sub000/internal/errors"
	"github.com/agentdevsl/claudorc-sub000/internal/jobs"
	"github.com/agentdevsl/claudorc-sub000/internal/model"
	"github.com/agentdevsl/claudorc-sub000/internal/util"
)

const (
	StreamTokenPrefix = "sst_"
	streamTokenLength = len(StreamTokenPrefix) + 64

	ScopeStreamRead = "stream:read"
	ScopeWildcard   = "*"

	DefaultStreamTokenExpiry    = 5 * time.Minute
	DefaultMaxStreamTokenExpiry = time.Hour
	DefaultMaxTokensPerUser     = 10

	maxTokenGenerateAttempts = 5
)

type StreamTokenOptions struct {
	MaxTokensPerUser int
	DefaultExpiry    time.Duration
	MaxExpiry        time.Duration
	Clock            clock.Clock
	Metrics          *TokenMetrics
	// Random produces the 64 hex characters after the prefix.
	Random func() (string, error)
}

type GenerateTokenInput struct {
	UserID   string
	StreamID string
	Scopes   []string
	Expiry   time.Duration
}

// StreamTokenService issues single-use, scoped, short-lived tokens that
// authorize one subscription to one stream. All state is in memory.
type StreamTokenService struct {
	tokens map[string]*model.StreamToken
	byUser map[string]map[string]struct{}
	mu     sync.Mutex

	maxPerUser    int
	defaultExpiry time.Duration
	maxExpiry     time.Duration
	clock         clock.Clock
	random        func() (string, error)
	metrics       *TokenMetrics

	cleanupMu  sync.Mutex
	cleanupJob *jobs.CleanupJob
}

func NewStreamTokenService(opts StreamTokenOptions) *StreamTokenService {
	if opts.MaxTokensPerUser <= 0 {
		opts.MaxTokensPerUser = DefaultMaxTokensPerUser
	}
	if opts.DefaultExpiry <= 0 {
		opts.DefaultExpiry = DefaultStreamTokenExpiry
	}
	if opts.MaxExpiry <= 0 {
		opts.MaxExpiry = DefaultMaxStreamTokenExpiry
	}
	if opts.MaxExpiry < opts.DefaultExpiry {
		opts.MaxExpiry = opts.DefaultExpiry
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Random == nil {
		opts.Random = util.GenerateToken
	}
	return &StreamTokenService{
		tokens:        make(map[string]*model.StreamToken),
		byUser:        make(map[string]map[string]struct{}),
		maxPerUser:    opts.MaxTokensPerUser,
		defaultExpiry: opts.DefaultExpiry,
		maxExpiry:     opts.MaxExpiry,
		clock:         opts.Clock,
		random:        opts.Random,
		metrics:       opts.Metrics,
	}
}

// MaxExpiry is the longest lifetime Generate accepts.
func (s *StreamTokenService) MaxExpiry() time.Duration {
	return s.maxExpiry
}

func (s *StreamTokenService) Generate(input GenerateTokenInput) (*model.StreamToken, error) {
	if strings.TrimSpace(input.UserID) == "" {
		return nil, apperrors.MissingRequired("userId")
	}
	if strings.TrimSpace(input.StreamID) == "" {
		return nil, apperrors.MissingRequired("streamId")
	}
	scopes := input.Scopes
	if len(scopes) == 0 {
		scopes = []string{ScopeStreamRead}
	}
	expiry := input.Expiry
	if expiry <= 0 {
		expiry = s.defaultExpiry
	}
	if expiry > s.maxExpiry {
		return nil, apperrors.ValidationError(fmt.Sprintf("expiry must not exceed %s", s.maxExpiry))
	}

	s.mu.Lock()
	now := s.clock.Now()
	removed := s.evictExpiredLocked(input.UserID, now)

	if len(s.byUser[input.UserID]) >= s.maxPerUser {
		s.mu.Unlock()
		s.metrics.recordCleaned(removed)
		return nil, apperrors.MaxTokensExceeded(s.maxPerUser)
	}

	value, err := s.newTokenValueLocked()
	if err != nil {
		s.mu.Unlock()
		s.metrics.recordCleaned(removed)
		return nil, apperrors.Internal("failed to generate stream token").WithCause(err)
	}

	token := &model.StreamToken{
		ID:        uuid.NewString(),
		Token:     value,
		UserID:    input.UserID,
		StreamID:  input.StreamID,
		Scopes:    slices.Clone(scopes),
		ExpiresAt: now.Add(expiry),
		CreatedAt: now,
	}
	s.tokens[value] = token
	if s.byUser[input.UserID] == nil {
		s.byUser[input.UserID] = make(map[string]struct{})
	}
	s.byUser[input.UserID][value] = struct{}{}
	issued := cloneToken(token)
	s.mu.Unlock()

	s.metrics.recordCleaned(removed)
	s.metrics.recordIssued()
	audit.Log(context.Background(), audit.Event{
		Type:     audit.EventStreamTokenIssue,
		UserID:   input.UserID,
		StreamID: input.StreamID,
		Details: map[string]interface{}{
			"token":     util.MaskToken(value),
			"expiresAt": issued.ExpiresAt.UTC().Format(time.RFC3339),
		},
	})

	return issued, nil
}

func (s *StreamTokenService) newTokenValueLocked() (string, error) {
	var lastErr error
	for range maxTokenGenerateAttempts {
		raw, err := s.random()
		if err != nil {
			lastErr = err
			continue
		}
		value := StreamTokenPrefix + raw
		if _, exists := s.tokens[value]; exists {
			log.Warn().Msg("stream token collision, regenerating")
			continue
		}
		return value, nil
	}
	if lastErr == nil {
		lastErr = apperrors.Internal("token space collision")
	}
	return "", lastErr
}

// Validate consumes the token. Of any number of concurrent calls for the same
// token at most one succeeds.
func (s *StreamTokenService) Validate(token string) (*model.TokenClaims, error) {
	claims, err := s.check(token, true)
	s.recordOutcome(token, claims, err)
	return claims, err
}

// Peek runs the same checks as Validate without consuming the token.
func (s *StreamTokenService) Peek(token string) (*model.TokenClaims, error) {
	return s.check(token, false)
}

func (s *StreamTokenService) check(token string, consume bool) (*model.TokenClaims, error) {
	if err := checkTokenFormat(token); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tokens[token]
	if !ok {
		return nil, apperrors.TokenNotFound()
	}
	if record.IsExpired(s.clock.Now()) {
		s.deleteLocked(record)
		s.metrics.recordCleaned(1)
		return nil, apperrors.TokenExpired()
	}
	if record.Used {
		return nil, apperrors.TokenAlreadyUsed()
	}
	if consume {
		record.Used = true
	}

	return &model.TokenClaims{
		UserID:   record.UserID,
		StreamID: record.StreamID,
		Scopes:   slices.Clone(record.Scopes),
	}, nil
}

func checkTokenFormat(token string) error {
	switch {
	case token == "":
		return apperrors.InvalidToken("Stream token is required")
	case !strings.HasPrefix(token, StreamTokenPrefix):
		return apperrors.InvalidToken("Stream token has an invalid prefix")
	case len(token) != streamTokenLength:
		return apperrors.InvalidToken("Stream token has an invalid length")
	case !util.IsLowerHex(token[len(StreamTokenPrefix):]):
		return apperrors.InvalidToken("Stream token has an invalid encoding")
	}
	return nil
}

func (s *StreamTokenService) recordOutcome(token string, claims *model.TokenClaims, err error) {
	if err == nil {
		s.metrics.recordValidation("ok")
		audit.Log(context.Background(), audit.Event{
			Type:     audit.EventStreamTokenConsume,
			UserID:   claims.UserID,
			StreamID: claims.StreamID,
			Details:  map[string]interface{}{"token": util.MaskToken(token)},
		})
		return
	}

	code := apperrors.GetCode(err)
	s.metrics.recordValidation(string(code))
	audit.Log(context.Background(), audit.Event{
		Type: audit.EventStreamTokenReject,
		Details: map[string]interface{}{
			"token":  util.MaskToken(token),
			"reason": string(code),
		},
	})
}

func (s *StreamTokenService) Revoke(token string) error {
	s.mu.Lock()
	record, ok := s.tokens[token]
	if ok {
		s.deleteLocked(record)
	}
	s.mu.Unlock()

	if !ok {
		return apperrors.TokenNotFound()
	}

	s.metrics.recordRevoked(1)
	audit.Log(context.Background(), audit.Event{
		Type:     audit.EventStreamTokenRevoke,
		UserID:   record.UserID,
		StreamID: record.StreamID,
		Details:  map[string]interface{}{"token": util.MaskToken(token)},
	})
	return nil
}

// RevokeAllForUser deletes every token of userID regardless of state and
// returns how many were removed.
func (s *StreamTokenService) RevokeAllForUser(userID string) int {
	s.mu.Lock()
	values := s.byUser[userID]
	count := len(values)
	for value := range values {
		delete(s.tokens, value)
	}
	delete(s.byUser, userID)
	s.mu.Unlock()

	if count > 0 {
		s.metrics.recordRevoked(count)
		audit.Log(context.Background(), audit.Event{
			Type:    audit.EventStreamTokenRevokeAll,
			UserID:  userID,
			Details: map[string]interface{}{"count": count},
		})
	}
	return count
}

// HasScope reports whether a live token grants scope, either verbatim or
// through the wildcard.
func (s *StreamTokenService) HasScope(token, scope string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tokens[token]
	if !ok || record.IsExpired(s.clock.Now()) {
		return false
	}
	return ScopesAllow(record.Scopes, scope)
}

// ScopesAllow reports whether scopes contains scope or the wildcard.
func ScopesAllow(scopes []string, scope string) bool {
	return slices.Contains(scopes, scope) || slices.Contains(scopes, ScopeWildcard)
}

func (s *StreamTokenService) GetActiveTokensForUser(userID string) []model.StreamToken {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	active := make([]model.StreamToken, 0, len(s.byUser[userID]))
	for value := range s.byUser[userID] {
		record := s.tokens[value]
		if record.Used || record.IsExpired(now) {
			continue
		}
		active = append(active, *cloneToken(record))
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].CreatedAt.Before(active[j].CreatedAt)
	})
	return active
}

// Cleanup removes every expired token and returns the number removed.
func (s *StreamTokenService) Cleanup() int {
	s.mu.Lock()
	now := s.clock.Now()
	removed := 0
	for _, record := range s.tokens {
		if record.IsExpired(now) {
			s.deleteLocked(record)
			removed++
		}
	}
	s.mu.Unlock()

	s.metrics.recordCleaned(removed)
	return removed
}

// StartCleanup runs Cleanup every interval until StopCleanup. Starting again
// replaces the running job.
func (s *StreamTokenService) StartCleanup(interval time.Duration) {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()

	if s.cleanupJob != nil {
		s.cleanupJob.Stop()
	}
	s.cleanupJob = jobs.NewCleanupJob(interval, jobs.Task{
		Name: "stream tokens",
		Run: func(context.Context) (int64, error) {
			return int64(s.Cleanup()), nil
		},
	})
	s.cleanupJob.Start()
}

func (s *StreamTokenService) StopCleanup() {
	s.cleanupMu.Lock()
	defer s.cleanupMu.Unlock()

	if s.cleanupJob != nil {
		s.cleanupJob.Stop()
		s.cleanupJob = nil
	}
}

func (s *StreamTokenService) GetStats() model.TokenStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	stats := model.TokenStats{Total: len(s.tokens)}
	for _, record := range s.tokens {
		switch {
		case record.IsExpired(now):
			stats.Expired++
		case record.Used:
			stats.Used++
		default:
			stats.Active++
		}
	}
	return stats
}

func (s *StreamTokenService) evictExpiredLocked(userID string, now time.Time) int {
	removed := 0
	for value := range s.byUser[userID] {
		if record := s.tokens[value]; record.IsExpired(now) {
			s.deleteLocked(record)
			removed++
		}
	}
	return removed
}

func (s *StreamTokenService) deleteLocked(record *model.StreamToken) {
	delete(s.tokens, record.Token)
	if values, ok := s.byUser[record.UserID]; ok {
		delete(values, record.Token)
		if len(values) == 0 {
			delete(s.byUser, record.UserID)
		}
	}
}

func cloneToken(t *model.StreamToken) *model.StreamToken {
	c := *t
	c.Scopes = slices.Clone(t.Scopes)
	return &c
}
