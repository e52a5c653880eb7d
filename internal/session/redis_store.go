// Package session stores bearer sessions that resolve to a principal.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tracker/api/internal/auth"
)

var ErrSessionNotFound = errors.New("session not found or expired")

// sessionData is the JSON stored under each session key.
type sessionData struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// RedisStore keeps sessions under "session:<hash>" and indexes them per user
// under "user_sessions:<userID>" so every session of a user can be revoked.
type RedisStore struct {
	client     *redis.Client
	prefix     string
	userPrefix string
	defaultTTL time.Duration
}

func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &RedisStore{
		client:     client,
		prefix:     "session:",
		userPrefix: "user_sessions:",
		defaultTTL: ttl,
	}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func (s *RedisStore) userKey(userID string) string {
	return s.userPrefix + userID
}

// Issue creates a fresh session for principal and returns the raw bearer token.
func (s *RedisStore) Issue(ctx context.Context, principal auth.Principal) (string, error) {
	token, err := auth.NewToken(32)
	if err != nil {
		return "", fmt.Errorf("issue session token: %w", err)
	}
	if err := s.Save(ctx, auth.HashToken(token), principal, time.Now().Add(s.defaultTTL)); err != nil {
		return "", err
	}
	return token, nil
}

func (s *RedisStore) Save(ctx context.Context, tokenHash string, principal auth.Principal, expiresAt time.Time) error {
	data := sessionData{
		UserID:      principal.UserID,
		DisplayName: principal.Name,
		Role:        principal.Role,
		CreatedAt:   time.Now().UTC(),
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(tokenHash), jsonData, ttl)
	pipe.SAdd(ctx, s.userKey(principal.UserID), tokenHash)
	pipe.Expire(ctx, s.userKey(principal.UserID), s.defaultTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Lookup resolves a raw bearer token to its principal.
func (s *RedisStore) Lookup(ctx context.Context, token string) (auth.Principal, error) {
	raw, err := s.client.Get(ctx, s.key(auth.HashToken(token))).Result()
	if errors.Is(err, redis.Nil) {
		return auth.Principal{}, ErrSessionNotFound
	}
	if err != nil {
		return auth.Principal{}, fmt.Errorf("lookup session: %w", err)
	}

	var data sessionData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return auth.Principal{}, fmt.Errorf("unmarshal session data: %w", err)
	}
	if data.Role == "" {
		data.Role = "MEMBER"
	}

	return auth.Principal{
		UserID: data.UserID,
		Name:   data.DisplayName,
		Role:   data.Role,
	}, nil
}

func (s *RedisStore) Revoke(ctx context.Context, token string) error {
	if err := s.client.Del(ctx, s.key(auth.HashToken(token))).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// RevokeUser drops every session issued to userID and returns how many were removed.
func (s *RedisStore) RevokeUser(ctx context.Context, userID string) (int, error) {
	hashes, err := s.client.SMembers(ctx, s.userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("list user sessions: %w", err)
	}
	if len(hashes) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(hashes)+1)
	for _, hash := range hashes {
		keys = append(keys, s.key(hash))
	}
	removed, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("revoke user sessions: %w", err)
	}
	if err := s.client.Del(ctx, s.userKey(userID)).Err(); err != nil {
		return int(removed), fmt.Errorf("clear user session index: %w", err)
	}
	return int(removed), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
