package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/studiocrm-agent/internal/infra"
)

// ThreadStore серверные треды персоны-планировщика: список сообщений в Redis с TTL.
type ThreadStore struct {
	rdb      *redis.Client
	ttl      time.Duration
	maxTurns int
}

func NewThreadStore(rdb *redis.Client, ttl time.Duration, maxTurns int) *ThreadStore {
	if maxTurns <= 0 {
		maxTurns = 20
	}
	return &ThreadStore{rdb: rdb, ttl: ttl, maxTurns: maxTurns}
}

func (s *ThreadStore) NewThread() string {
	return "thr_" + uuid.New().String()
}

func (s *ThreadStore) Load(ctx context.Context, threadID string) ([]*schema.Message, error) {
	raw, err := s.rdb.LRange(ctx, infra.ThreadKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("thread load: %w", err)
	}
	out := make([]*schema.Message, 0, len(raw))
	for _, item := range raw {
		var m schema.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return nil, fmt.Errorf("thread decode: %w", err)
		}
		out = append(out, &m)
	}
	return out, nil
}

// Append дописывает сообщения, обрезает тред до maxTurns пар и продлевает TTL.
func (s *ThreadStore) Append(ctx context.Context, threadID string, msgs ...*schema.Message) error {
	key := infra.ThreadKey(threadID)

	pipe := s.rdb.TxPipeline()
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("thread encode: %w", err)
		}
		pipe.RPush(ctx, key, data)
	}
	pipe.LTrim(ctx, key, int64(-2*s.maxTurns), -1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("thread append: %w", err)
	}
	return nil
}
