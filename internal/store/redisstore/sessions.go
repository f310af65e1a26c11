package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kiroproxy/kiro-proxy/internal/store"
)

const sessionKey = "oauth:sessions"

type sessionOps struct {
	c *client
}

func (s *sessionOps) create(ctx context.Context, session *store.OAuthSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal oauth session: %w", err)
	}
	return s.c.rdb.HSet(ctx, s.c.key(sessionKey), session.SessionID, string(data)).Err()
}

func (s *sessionOps) get(ctx context.Context, sessionID string) (*store.OAuthSession, error) {
	data, err := s.c.rdb.HGet(ctx, s.c.key(sessionKey), sessionID).Result()
	if err != nil {
		if err == goredis.Nil {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get oauth session %s: %w", sessionID, err)
	}
	var session store.OAuthSession
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to parse oauth session %s: %w", sessionID, err)
	}
	return &session, nil
}

func (s *sessionOps) update(ctx context.Context, session *store.OAuthSession) error {
	return s.create(ctx, session) // hash overwrite; callers hold the current session value
}

func (s *sessionOps) delete(ctx context.Context, sessionID string) error {
	return s.c.rdb.HDel(ctx, s.c.key(sessionKey), sessionID).Err()
}

func (s *sessionOps) list(ctx context.Context) ([]store.OAuthSession, error) {
	data, err := s.c.rdb.HGetAll(ctx, s.c.key(sessionKey)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list oauth sessions: %w", err)
	}
	sessions := make([]store.OAuthSession, 0, len(data))
	for id, jsonStr := range data {
		var session store.OAuthSession
		if err := json.Unmarshal([]byte(jsonStr), &session); err != nil {
			s.c.logger.Warn("failed to parse oauth session", "session_id", id, "error", err)
			continue
		}
		sessions = append(sessions, session)
	}
	return sessions, nil
}

func (s *Store) CreateOAuthSession(ctx context.Context, session *store.OAuthSession) error {
	return s.sessions.create(ctx, session)
}

func (s *Store) GetOAuthSession(ctx context.Context, sessionID string) (*store.OAuthSession, error) {
	return s.sessions.get(ctx, sessionID)
}

func (s *Store) UpdateOAuthSession(ctx context.Context, session *store.OAuthSession) error {
	return s.sessions.update(ctx, session)
}

func (s *Store) DeleteOAuthSession(ctx context.Context, sessionID string) error {
	return s.sessions.delete(ctx, sessionID)
}

func (s *Store) ListOAuthSessions(ctx context.Context) ([]store.OAuthSession, error) {
	return s.sessions.list(ctx)
}
