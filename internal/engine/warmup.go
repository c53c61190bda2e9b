package engine

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const warmupLockTTL = 30 * time.Second

// WarmupState прогревает L1 (RAM) и L2 (Redis) состояние флага тенантов.
// В L1 попадает объединение БД и Redis: сигнал мог быть опубликован, пока инстанс лежал.
func WarmupState(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	ids []string,
	redisKey string,
	lockKey string,
	updateL1 func([]string), // Callback для обновления локальной мапы
) error {
	// 1. Читаем L2; недоступный Redis не мешает старту на данных из БД
	members, err := rdb.SMembers(ctx, redisKey).Result()
	if err != nil {
		logger.Warn("could not read Redis set, using DB state only",
			zap.String("key", redisKey), zap.Error(err))
		members = nil
	}

	// 2. Обновляем локальный кэш (L1) через callback
	updateL1(append(append([]string(nil), ids...), members...))

	// 3. Распределенная блокировка (SetNX), чтобы только один инстанс заливал Redis
	ok, err := rdb.SetNX(ctx, lockKey, "processing", warmupLockTTL).Result()
	if err != nil || !ok {
		return nil // Либо ошибка сети, либо другой уже греет кэш
	}

	// 4. Если Redis пуст, а данные в БД есть, заливаем
	if len(members) == 0 && len(ids) > 0 {
		logger.Info("Redis set is empty, performing warm-up from DB",
			zap.String("key", redisKey), zap.Int("count", len(ids)))

		pipe := rdb.Pipeline()
		for _, id := range ids {
			pipe.SAdd(ctx, redisKey, id)
		}
		_, err = pipe.Exec(ctx)
		return err
	}

	return nil
}
