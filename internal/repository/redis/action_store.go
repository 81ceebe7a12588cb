package redis

/*
Файл action_store.go хранит результаты идемпотентности и коллекции в Redis,
чтобы несколько инстансов шлюза разделяли одно состояние.

Запись двухфазная и идет Lua-скриптами, атомарно на стороне Redis:
  - commit резервирует ключ (hash с state=pending) с TTL, первый писатель выигрывает;
  - confirm после аудита ставит state=committed, снимает TTL и кладет запись в коллекцию;
  - revoke удаляет только свой неподтвержденный резерв.
Резерв упавшего инстанса истекает сам, и ключ снова свободен.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
	"github.com/xela07ax/spaceai-tool-gateway/internal/infra"
)

// DefaultPendingTTL: сколько живет резерв, который так и не подтвердили.
const DefaultPendingTTL = 30 * time.Second

const (
	statePending   = "pending"
	stateCommitted = "committed"
)

// KEYS[1]: ключ результата. ARGV[1]: результат, ARGV[2]: TTL резерва в мс.
// Ответ: {"reserved"} | {"pending"} | {"committed", result}.
var commitScript = goredis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state then
	local result = redis.call('HGET', KEYS[1], 'result')
	if state == 'pending' then
		if result == ARGV[1] then
			return {'reserved'}
		end
		return {'pending'}
	end
	return {'committed', result}
end
redis.call('HSET', KEYS[1], 'state', 'pending', 'result', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return {'reserved'}
`)

// KEYS[1]: ключ результата, KEYS[2] (опционально): hash коллекции.
// ARGV[1]: результат, ARGV[2]: поле в коллекции, ARGV[3]: запись.
var confirmScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'result') ~= ARGV[1] then
	return 0
end
if redis.call('HGET', KEYS[1], 'state') == 'committed' then
	return 1
end
redis.call('HSET', KEYS[1], 'state', 'committed')
redis.call('PERSIST', KEYS[1])
if #KEYS > 1 then
	redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
end
return 1
`)

var revokeScript = goredis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'pending' and redis.call('HGET', KEYS[1], 'result') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type ActionStore struct {
	rdb        goredis.UniversalClient
	pendingTTL time.Duration
}

func NewActionStore(rdb goredis.UniversalClient) *ActionStore {
	return &ActionStore{rdb: rdb, pendingTTL: DefaultPendingTTL}
}

// WithPendingTTL меняет срок жизни неподтвержденного резерва.
func (s *ActionStore) WithPendingTTL(ttl time.Duration) *ActionStore {
	if ttl > 0 {
		s.pendingTTL = ttl
	}
	return s
}

func (s *ActionStore) Get(ctx context.Context, key domain.Key) ([]byte, error) {
	vals, err := s.rdb.HMGet(ctx, infra.RedisKeyIdempotency(key.String()), "state", "result").Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to get idempotency entry: %w", err)
	}
	state, _ := vals[0].(string)
	switch state {
	case "":
		return nil, nil
	case statePending:
		return nil, domain.ErrCommitPending
	}
	result, _ := vals[1].(string)
	return []byte(result), nil
}

func (s *ActionStore) Commit(ctx context.Context, c domain.Commit) ([]byte, error) {
	keys := []string{infra.RedisKeyIdempotency(c.Key.String())}
	reply, err := commitScript.Run(ctx, s.rdb, keys, c.Result, s.pendingTTL.Milliseconds()).Slice()
	if err != nil {
		return nil, fmt.Errorf("redis: commit failed: %w", err)
	}
	if len(reply) == 0 {
		return nil, errors.New("redis: empty commit reply")
	}

	switch state, _ := reply[0].(string); state {
	case "reserved":
		return nil, nil
	case statePending:
		return nil, domain.ErrCommitPending
	case stateCommitted:
		if len(reply) < 2 {
			return nil, errors.New("redis: committed entry without result")
		}
		result, _ := reply[1].(string)
		return []byte(result), nil
	default:
		return nil, fmt.Errorf("redis: unexpected commit reply %v", reply[0])
	}
}

func (s *ActionStore) Confirm(ctx context.Context, c domain.Commit) error {
	field := c.Key.String()
	keys := []string{infra.RedisKeyIdempotency(field)}
	args := []interface{}{c.Result}

	if c.Collection != "" && c.Record != nil {
		rec, err := json.Marshal(c.Record)
		if err != nil {
			return fmt.Errorf("redis: failed to marshal record: %w", err)
		}
		keys = append(keys, infra.RedisKeyCollection(c.Collection))
		args = append(args, field, rec)
	}

	ok, err := confirmScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("redis: confirm failed: %w", err)
	}
	if ok == 0 {
		return domain.ErrCommitLost
	}
	return nil
}

func (s *ActionStore) Revoke(ctx context.Context, c domain.Commit) error {
	keys := []string{infra.RedisKeyIdempotency(c.Key.String())}
	if err := revokeScript.Run(ctx, s.rdb, keys, c.Result).Err(); err != nil {
		return fmt.Errorf("redis: revoke failed: %w", err)
	}
	return nil
}

func (s *ActionStore) Records(ctx context.Context, collection string) ([]domain.ActionRecord, error) {
	vals, err := s.rdb.HVals(ctx, infra.RedisKeyCollection(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: failed to list collection %s: %w", collection, err)
	}

	out := make([]domain.ActionRecord, 0, len(vals))
	for _, v := range vals {
		var rec domain.ActionRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			return nil, fmt.Errorf("redis: corrupted record in %s: %w", collection, err)
		}
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Ping проверяет доступность Redis при старте
func (s *ActionStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
