package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных шлюза в Redis
	RedisNamespace = "tg"
)

// Ключи для Sets (состояние)
const (
	RedisKeyFrozenEndpoints  = RedisNamespace + ":endpoints:frozen_set"
	RedisKeyLockWarmupFrozen = RedisNamespace + ":lock:warmup:frozen"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanFreeze: сигнал "endpoint:true|false" о заморозке эндпоинта на запись.
	RedisChanFreeze = RedisNamespace + ":endpoints:freeze-signal"
)

// RedisKeyIdempotency: результат, сохраненный под ключом идемпотентности.
func RedisKeyIdempotency(key string) string {
	return fmt.Sprintf("%s:idem:%s", RedisNamespace, key)
}

// RedisKeyCollection: hash с записями коллекции (поле = ключ идемпотентности).
func RedisKeyCollection(collection string) string {
	return fmt.Sprintf("%s:coll:%s", RedisNamespace, collection)
}
