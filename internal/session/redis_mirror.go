package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/studiocrm-agent/internal/domain"
	"github.com/xela07ax/studiocrm-agent/internal/infra"
)

// RedisMirror хранит JSON-снимок сессии с TTL.
type RedisMirror struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisMirror(rdb *redis.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{rdb: rdb, ttl: ttl}
}

func (m *RedisMirror) Save(ctx context.Context, s *domain.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session mirror: marshal: %w", err)
	}
	return m.rdb.Set(ctx, infra.SessionKey(s.TenantID, s.UserID), data, m.ttl).Err()
}

func (m *RedisMirror) Load(ctx context.Context, tenantID, userID string) (*domain.Session, error) {
	data, err := m.rdb.Get(ctx, infra.SessionKey(tenantID, userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("session mirror: get: %w", err)
	}

	var s domain.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session mirror: decode: %w", err)
	}
	return &s, nil
}
