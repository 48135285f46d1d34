package tokenstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"oralroom/internal/apperr"
	"oralroom/internal/domain"
	"oralroom/internal/ports"
)

const (
	TokenKey        = "studentToken"
	RoomSessionKey  = "roomSession"
	VerificationKey = "tokenVerification"

	// DefaultExpiryBuffer is the clock-skew tolerance applied to pre-flight expiry checks.
	DefaultExpiryBuffer = 5 * time.Minute
	// VerificationTTL bounds how long a cached server verification result is trusted.
	VerificationTTL = 5 * time.Minute
)

type tokenClaims struct {
	ParticipantName string `json:"participantName"`
	RoomCode        string `json:"roomCode"`
	Email           string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

type cachedVerification struct {
	Token     string            `json:"token"`
	Result    domain.TokenCheck `json:"result"`
	Timestamp int64             `json:"timestamp"`
}

// Store owns the participant's session token and the session data that depends on it.
type Store struct {
	kv     ports.KeyValueStore
	now    func() time.Time
	buffer time.Duration
	log    zerolog.Logger
	parser *jwt.Parser
}

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) { s.log = log.With().Str("component", "token-store").Logger() }
}

func WithExpiryBuffer(buffer time.Duration) Option {
	return func(s *Store) { s.buffer = buffer }
}

func New(kv ports.KeyValueStore, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		now:    time.Now,
		buffer: DefaultExpiryBuffer,
		log:    zerolog.Nop(),
		parser: jwt.NewParser(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetToken persists token and reports whether storage accepted it.
func (s *Store) SetToken(ctx context.Context, token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	if err := s.kv.Set(ctx, TokenKey, token); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist session token")
		return false
	}
	return true
}

// Token returns the stored token. Storage failures read as an absent token.
func (s *Store) Token(ctx context.Context) (string, bool) {
	token, found, err := s.kv.Get(ctx, TokenKey)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read session token")
		return "", false
	}
	if !found || strings.TrimSpace(token) == "" {
		return "", false
	}
	return token, true
}

// Decode parses the claims of token, or of the stored token when token is empty. A malformed
// token, or one within the expiry buffer, decodes as absent; if it is the stored token the
// store is purged.
func (s *Store) Decode(ctx context.Context, token string) (domain.Claims, bool) {
	stored, hasStored := s.Token(ctx)
	isStored := false
	if token == "" {
		if !hasStored {
			return domain.Claims{}, false
		}
		token = stored
		isStored = true
	} else {
		isStored = hasStored && stored == token
	}

	claims, err := s.parse(token)
	if err != nil {
		s.log.Debug().Err(err).Msg("discarding malformed session token")
		if isStored {
			s.Clear(ctx)
		}
		return domain.Claims{}, false
	}

	if !s.now().Before(claims.ExpiresAt.Add(-s.buffer)) {
		s.log.Info().Time("expires_at", claims.ExpiresAt).Msg("session token expired")
		if isStored {
			s.Clear(ctx)
		}
		return domain.Claims{}, false
	}

	return claims, true
}

// HardExpired reports whether claims are past their expiry with no skew tolerance.
func (s *Store) HardExpired(claims domain.Claims) bool {
	return !s.now().Before(claims.ExpiresAt)
}

// RequestToken returns the stored token for an authenticated request. Unlike Decode it applies
// no expiry buffer: only a malformed token or one past its actual expiry is refused, and the
// store is purged when that happens. found is false when no token is stored.
func (s *Store) RequestToken(ctx context.Context) (token string, found bool, err error) {
	token, ok := s.Token(ctx)
	if !ok {
		return "", false, nil
	}
	claims, err := s.parse(token)
	if err != nil {
		return "", true, s.Reject(ctx, "session token is malformed")
	}
	if s.HardExpired(claims) {
		s.log.Info().Time("expires_at", claims.ExpiresAt).Msg("refusing request with expired session token")
		return "", true, s.Reject(ctx, "session token expired")
	}
	return token, true, nil
}

// ReconnectToken returns the stored token if it passes the pre-flight expiry check.
func (s *Store) ReconnectToken(ctx context.Context) (string, bool) {
	token, ok := s.Token(ctx)
	if !ok {
		return "", false
	}
	if _, ok := s.Decode(ctx, token); !ok {
		return "", false
	}
	return token, true
}

// Reject purges the store after the server refused the token.
func (s *Store) Reject(ctx context.Context, reason string) error {
	s.Clear(ctx)
	if reason == "" {
		reason = "session token rejected"
	}
	return apperr.Token(reason)
}

// Clear removes the token and all dependent session data.
func (s *Store) Clear(ctx context.Context) {
	for _, key := range []string{TokenKey, RoomSessionKey, VerificationKey} {
		if err := s.kv.Delete(ctx, key); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("failed to clear session data")
		}
	}
}

// SetRoomSession records the room the participant joined.
func (s *Store) SetRoomSession(ctx context.Context, roomCode string) bool {
	raw, err := json.Marshal(domain.RoomSession{RoomCode: roomCode, Timestamp: s.now().UnixMilli()})
	if err != nil {
		return false
	}
	if err := s.kv.Set(ctx, RoomSessionKey, string(raw)); err != nil {
		s.log.Warn().Err(err).Msg("failed to persist room session")
		return false
	}
	return true
}

// RoomSession returns the stored room descriptor.
func (s *Store) RoomSession(ctx context.Context) (domain.RoomSession, bool) {
	raw, found, err := s.kv.Get(ctx, RoomSessionKey)
	if err != nil || !found {
		return domain.RoomSession{}, false
	}
	var session domain.RoomSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil || session.RoomCode == "" {
		return domain.RoomSession{}, false
	}
	return session, true
}

// CacheVerification stores a server verification result for token.
func (s *Store) CacheVerification(ctx context.Context, token string, result domain.TokenCheck) {
	raw, err := json.Marshal(cachedVerification{Token: token, Result: result, Timestamp: s.now().UnixMilli()})
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, VerificationKey, string(raw)); err != nil {
		s.log.Warn().Err(err).Msg("failed to cache token verification")
	}
}

// CachedVerification returns a verification result for token younger than VerificationTTL.
func (s *Store) CachedVerification(ctx context.Context, token string) (domain.TokenCheck, bool) {
	raw, found, err := s.kv.Get(ctx, VerificationKey)
	if err != nil || !found {
		return domain.TokenCheck{}, false
	}
	var cached cachedVerification
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return domain.TokenCheck{}, false
	}
	if cached.Token != token {
		return domain.TokenCheck{}, false
	}
	if s.now().Sub(time.UnixMilli(cached.Timestamp)) >= VerificationTTL {
		return domain.TokenCheck{}, false
	}
	return cached.Result, true
}

func (s *Store) parse(raw string) (domain.Claims, error) {
	var claims tokenClaims
	if _, _, err := s.parser.ParseUnverified(raw, &claims); err != nil {
		return domain.Claims{}, err
	}
	if claims.ExpiresAt == nil {
		return domain.Claims{}, jwt.ErrTokenRequiredClaimMissing
	}

	out := domain.Claims{
		Participant: claims.ParticipantName,
		RoomCode:    claims.RoomCode,
		Email:       claims.Email,
		ExpiresAt:   claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}
