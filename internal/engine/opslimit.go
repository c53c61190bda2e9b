package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/studiocrm-agent/internal/infra"
)

// OpsLimiter считает автоматические операции тенанта в почасовых корзинах Redis.
type OpsLimiter struct {
	rdb *redis.Client
	now func() time.Time
}

func NewOpsLimiter(rdb *redis.Client) *OpsLimiter {
	return &OpsLimiter{rdb: rdb, now: time.Now}
}

// Reserve резервирует n операций в текущем часе. false, если лимит исчерпан;
// резерв при этом откатывается. limit <= 0 означает, что автоматических операций нет.
func (l *OpsLimiter) Reserve(ctx context.Context, tenantID string, limit, n int) (bool, error) {
	if n <= 0 {
		return true, nil
	}
	if limit <= 0 {
		return false, nil
	}

	key := infra.OpsCounterKey(tenantID, l.now().UTC().Format("2006010215"))

	// 1. Атомарно увеличиваем счетчик и ставим TTL корзины
	pipe := l.rdb.TxPipeline()
	incr := pipe.IncrBy(ctx, key, int64(n))
	pipe.Expire(ctx, key, 2*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("ops counter: %w", err)
	}

	// 2. Перебор: возвращаем резерв
	if incr.Val() > int64(limit) {
		if err := l.rdb.DecrBy(ctx, key, int64(n)).Err(); err != nil {
			return false, fmt.Errorf("ops counter rollback: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// Used сколько операций уже израсходовано в текущем часе.
func (l *OpsLimiter) Used(ctx context.Context, tenantID string) (int, error) {
	key := infra.OpsCounterKey(tenantID, l.now().UTC().Format("2006010215"))
	v, err := l.rdb.Get(ctx, key).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}
