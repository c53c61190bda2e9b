package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "studio"
)

// Ключи для Sets (состояние)
const (
	RedisKeySuspendedTenants  = RedisNamespace + ":tenants:suspended_set"
	RedisKeySupervisedTenants = RedisNamespace + ":tenants:supervised_set"
	RedisKeyLockSuspended     = RedisNamespace + ":lock:warmup:suspended"
	RedisKeyLockSupervised    = RedisNamespace + ":lock:warmup:supervised"
)

// Каналы Pub/Sub (события)
const (
	RedisChanSuspension   = RedisNamespace + ":tenants:suspension-signal"
	RedisChanSupervision  = RedisNamespace + ":tenants:supervision-signal"
	RedisChanPolicyUpdate = RedisNamespace + ":policies:update"
)

// SessionKey снимок сессии пары (tenant, user).
func SessionKey(tenantID, userID string) string {
	return fmt.Sprintf("%s:sessions:%s:%s", RedisNamespace, tenantID, userID)
}

// ThreadKey сообщения треда персоны планировщика.
func ThreadKey(threadID string) string {
	return fmt.Sprintf("%s:threads:%s", RedisNamespace, threadID)
}

// OpsCounterKey почасовой счетчик автоматических операций тенанта, bucket в формате 2006010215.
func OpsCounterKey(tenantID, bucket string) string {
	return fmt.Sprintf("%s:ops:%s:%s", RedisNamespace, tenantID, bucket)
}
