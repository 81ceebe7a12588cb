package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-tool-gateway/internal/domain"
)

func commitFor(tenant, reqID, collection string, at time.Time) domain.Commit {
	rec := &domain.ActionRecord{RequestID: reqID, TenantID: tenant, CreatedAt: at}
	return domain.Commit{
		Key:        domain.Key{TenantID: tenant, RequestID: reqID},
		Collection: collection,
		Record:     rec,
		Result:     []byte(`{"ok":true,"endpoint":"crm/create_lead","record":{"request_id":"` + reqID + `","created_at":"` + at.Format(time.RFC3339Nano) + `"}}`),
	}
}

// commitAndConfirm проходит полный путь диспетчера без аудита.
func commitAndConfirm(t *testing.T, s *ActionStore, c domain.Commit) {
	t.Helper()
	existing, err := s.Commit(context.Background(), c)
	require.NoError(t, err)
	require.Nil(t, existing)
	require.NoError(t, s.Confirm(context.Background(), c))
}

func TestActionStore_CommitAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore()
	c := commitFor("t-1", "req-1", "leads", time.Now())

	got, err := s.Get(ctx, c.Key)
	require.NoError(t, err)
	assert.Nil(t, got)

	existing, err := s.Commit(ctx, c)
	require.NoError(t, err)
	assert.Nil(t, existing)

	// До подтверждения результат и запись не видны
	_, err = s.Get(ctx, c.Key)
	assert.ErrorIs(t, err, domain.ErrCommitPending)
	records, _ := s.Records(ctx, "leads")
	assert.Empty(t, records)

	require.NoError(t, s.Confirm(ctx, c))
	require.NoError(t, s.Confirm(ctx, c), "confirm is repeatable")

	got, err = s.Get(ctx, c.Key)
	require.NoError(t, err)
	assert.Equal(t, c.Result, got)

	records, err = s.Records(ctx, "leads")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "req-1", records[0].RequestID)
}

func TestActionStore_FirstCommitterWins(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore()

	first := commitFor("t-1", "req-1", "leads", time.Now())
	second := commitFor("t-1", "req-1", "leads", time.Now())
	second.Result = []byte(`{"ok":true,"endpoint":"other"}`)

	_, err := s.Commit(ctx, first)
	require.NoError(t, err)

	_, err = s.Commit(ctx, second)
	assert.ErrorIs(t, err, domain.ErrCommitPending)
	assert.ErrorIs(t, s.Confirm(ctx, second), domain.ErrCommitLost)

	require.NoError(t, s.Confirm(ctx, first))
	existing, err := s.Commit(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, first.Result, existing)

	got, _ := s.Get(ctx, first.Key)
	assert.Equal(t, first.Result, got)
}

func TestActionStore_RetriedCommitKeepsOwnReservation(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore()
	c := commitFor("t-1", "req-1", "leads", time.Now())

	_, err := s.Commit(ctx, c)
	require.NoError(t, err)
	existing, err := s.Commit(ctx, c)
	require.NoError(t, err)
	assert.Nil(t, existing)
	require.NoError(t, s.Confirm(ctx, c))
}

func TestActionStore_TenantsDoNotCollide(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore()

	commitAndConfirm(t, s, commitFor("t-1", "req-1", "leads", time.Now()))
	commitAndConfirm(t, s, commitFor("t-2", "req-1", "leads", time.Now()))

	records, _ := s.Records(ctx, "leads")
	assert.Len(t, records, 2)
}

func TestActionStore_Revoke(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore()
	c := commitFor("t-1", "req-1", "invoices", time.Now())

	_, err := s.Commit(ctx, c)
	require.NoError(t, err)
	require.NoError(t, s.Revoke(ctx, c))

	got, err := s.Get(ctx, c.Key)
	require.NoError(t, err)
	assert.Nil(t, got)
	records, _ := s.Records(ctx, "invoices")
	assert.Empty(t, records)
	assert.ErrorIs(t, s.Confirm(ctx, c), domain.ErrCommitLost)
}

func TestActionStore_RevokeKeepsConfirmedAndForeignEntries(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore()
	c := commitFor("t-1", "req-1", "invoices", time.Now())
	commitAndConfirm(t, s, c)

	// Подтвержденный результат мог уже уйти другому клиенту как повтор
	require.NoError(t, s.Revoke(ctx, c))
	got, err := s.Get(ctx, c.Key)
	require.NoError(t, err)
	assert.Equal(t, c.Result, got)

	pending := commitFor("t-1", "req-2", "invoices", time.Now())
	_, err = s.Commit(ctx, pending)
	require.NoError(t, err)
	foreign := pending
	foreign.Result = []byte(`{"ok":true,"endpoint":"other"}`)
	require.NoError(t, s.Revoke(ctx, foreign))
	require.NoError(t, s.Confirm(ctx, pending))
}

func TestActionStore_SyntheticReadHasNoRecord(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore()

	commitAndConfirm(t, s, domain.Commit{Key: domain.Key{TenantID: "t", RequestID: "kpi-1"}, Result: []byte(`{}`)})

	for _, coll := range []string{"leads", ""} {
		records, _ := s.Records(ctx, coll)
		assert.Empty(t, records)
	}
}

func TestActionStore_ConcurrentCommitsSameKey(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore()

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := commitFor("t-1", "req-race", "orders", time.Now())
			c.Result = []byte(fmt.Sprintf(`{"ok":true,"attempt":%d}`, i))
			existing, err := s.Commit(ctx, c)
			if err == nil && existing == nil {
				atomic.AddInt32(&winners, 1)
				assert.NoError(t, s.Confirm(ctx, c))
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), winners)
	records, _ := s.Records(ctx, "orders")
	assert.Len(t, records, 1)
}

func TestActionStore_RecordsOrderedByCreation(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	commitAndConfirm(t, s, commitFor("t", "b", "quotes", base.Add(time.Second)))
	commitAndConfirm(t, s, commitFor("t", "a", "quotes", base))

	records, _ := s.Records(ctx, "quotes")
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].RequestID)
	assert.Equal(t, "b", records[1].RequestID)
}

func TestActionStore_RecordsAreDetached(t *testing.T) {
	ctx := context.Background()
	s := NewActionStore()
	c := commitFor("t-1", "req-1", "leads", time.Now())
	c.Record.Payload = map[string]interface{}{"name": "ACME"}
	commitAndConfirm(t, s, c)

	c.Record.Payload["name"] = "changed by caller"
	records, _ := s.Records(ctx, "leads")
	require.Len(t, records, 1)
	records[0].Payload["name"] = "changed by reader"

	again, _ := s.Records(ctx, "leads")
	assert.Equal(t, "ACME", again[0].Payload["name"])
}
