package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrInvalidToken is returned for unknown or expired session tokens.
var ErrInvalidToken = errors.New("invalid or expired token")

// Session ties an issued token to an authenticated identity. The upstream
// identity provider (Discord OAuth) lives outside this service; it lands here
// as a minted session.
type Session struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
}

// SessionStore keeps sessions in redis so every instance of the server sees
// the same tokens.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

func sessionKey(token string) string {
	return "session:" + token
}

// Mint issues a fresh opaque token for the given identity.
func (s *SessionStore) Mint(ctx context.Context, userID int64, username string) (string, error) {
	token := uuid.NewString()
	data, err := json.Marshal(Session{UserID: userID, Username: username})
	if err != nil {
		return "", fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKey(token), data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}
	return token, nil
}

// Verify resolves a token to its session, refreshing the TTL on use.
func (s *SessionStore) Verify(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}
	data, err := s.client.Get(ctx, sessionKey(token)).Bytes()
	if err == redis.Nil {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	s.client.Expire(ctx, sessionKey(token), s.ttl)
	return &sess, nil
}

// Revoke deletes a token immediately.
func (s *SessionStore) Revoke(ctx context.Context, token string) error {
	return s.client.Del(ctx, sessionKey(token)).Err()
}
