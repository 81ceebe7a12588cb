package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-tool-gateway/internal/catalog"
	"github.com/xela07ax/spaceai-tool-gateway/internal/infra"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestFreezeManager_InitSeedsEmptyRedis(t *testing.T) {
	mr, rdb := newRedis(t)
	fm := NewFreezeManager(rdb, zap.NewNop(), catalog.EndpointCharge)

	require.NoError(t, fm.Init(context.Background()))
	assert.True(t, fm.IsFrozen(catalog.EndpointCharge))

	members, err := mr.Members(infra.RedisKeyFrozenEndpoints)
	require.NoError(t, err)
	assert.Equal(t, []string{catalog.EndpointCharge}, members)
	assert.False(t, mr.Exists(infra.RedisKeyLockWarmupFrozen))
}

func TestFreezeManager_InitPrefersRedisState(t *testing.T) {
	mr, rdb := newRedis(t)
	_, err := mr.SAdd(infra.RedisKeyFrozenEndpoints, catalog.EndpointCreateLead)
	require.NoError(t, err)

	// Redis не пуст: начальный набор не применяется
	fm := NewFreezeManager(rdb, zap.NewNop(), catalog.EndpointCharge)
	require.NoError(t, fm.Init(context.Background()))

	assert.True(t, fm.IsFrozen(catalog.EndpointCreateLead))
	assert.False(t, fm.IsFrozen(catalog.EndpointCharge))
	assert.Equal(t, []string{catalog.EndpointCreateLead}, fm.Frozen())
}

func TestFreezeManager_ListenerAppliesSignals(t *testing.T) {
	mr, rdb := newRedis(t)
	fm := NewFreezeManager(rdb, zap.NewNop())
	require.NoError(t, fm.Init(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		fm.StartListener(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(infra.RedisChanFreeze)[infra.RedisChanFreeze] == 1
	}, 2*time.Second, 10*time.Millisecond)

	mr.Publish(infra.RedisChanFreeze, catalog.EndpointCreateOrder+":true")
	assert.Eventually(t, func() bool { return fm.IsFrozen(catalog.EndpointCreateOrder) }, 2*time.Second, 10*time.Millisecond)

	mr.Publish(infra.RedisChanFreeze, "garbage")
	mr.Publish(infra.RedisChanFreeze, catalog.EndpointCreateOrder+":false")
	assert.Eventually(t, func() bool { return !fm.IsFrozen(catalog.EndpointCreateOrder) }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop on context cancel")
	}
}

func TestParseSignal(t *testing.T) {
	tests := []struct {
		in     string
		id     string
		status bool
		ok     bool
	}{
		{in: "crm/create_lead:true", id: "crm/create_lead", status: true, ok: true},
		{in: "crm/create_lead:off", id: "crm/create_lead", ok: true},
		{in: "a:b:on", id: "a:b", status: true, ok: true},
		{in: "crm/create_lead", ok: false},
		{in: ":true", ok: false},
		{in: "x:", ok: false},
		{in: "x:maybe", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			id, status, ok := parseSignal(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.status, status)
		})
	}
}
