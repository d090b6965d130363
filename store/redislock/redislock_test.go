package redislock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/allocation/store"
	"github.com/warp/allocation-engine/store/redislock"
)

func newTestLocker(t *testing.T) (*redislock.Locker, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return redislock.New(client, time.Second).WithRetry(5 * time.Millisecond), mr
}

func TestLocker_LockUnlock(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx := context.Background()
	key := allocation.ScheduleLockKey("sch-1")

	unlock, err := locker.Lock(ctx, key)
	require.NoError(t, err)

	held, err := locker.Held(ctx, key)
	require.NoError(t, err)
	assert.True(t, held)

	unlock()
	unlock() // second call is a no-op

	held, err = locker.Held(ctx, key)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestLocker_Contended_TimesOut(t *testing.T) {
	// GIVEN: Another process holds the schedule lock
	locker, _ := newTestLocker(t)
	key := allocation.ScheduleLockKey("sch-1")
	unlock, err := locker.Lock(context.Background(), key)
	require.NoError(t, err)
	defer unlock()

	// WHEN: We try to take it with a short deadline
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(ctx, key)

	// THEN: We give up with ErrLockNotAcquired
	assert.ErrorIs(t, err, allocation.ErrLockNotAcquired)
}

func TestLocker_DifferentKeys_DoNotBlock(t *testing.T) {
	locker, _ := newTestLocker(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	u1, err := locker.Lock(ctx, allocation.ScheduleLockKey("a"))
	require.NoError(t, err)
	defer u1()
	u2, err := locker.Lock(ctx, allocation.ScheduleLockKey("b"))
	require.NoError(t, err)
	defer u2()
}

func TestLocker_ExpiredLock_NotReleasedByFormerHolder(t *testing.T) {
	// GIVEN: A holder whose lock expired and was taken by someone else
	locker, mr := newTestLocker(t)
	ctx := context.Background()
	key := allocation.ScheduleLockKey("sch-1")

	stale, err := locker.Lock(ctx, key)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	current, err := locker.Lock(ctx, key)
	require.NoError(t, err)
	defer current()

	// WHEN: The former holder releases
	stale()

	// THEN: The current holder still owns the key
	held, err := locker.Held(ctx, key)
	require.NoError(t, err)
	assert.True(t, held)
}

func TestLocker_SerializesServiceWriters(t *testing.T) {
	// GIVEN: Two services (two "processes") sharing one store and one Redis
	locker, _ := newTestLocker(t)
	mem := store.NewTxMemory()
	a := allocation.NewService(mem, allocation.WithLocker(locker))
	b := allocation.NewService(mem, allocation.WithLocker(locker))

	end := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	ctx := context.Background()
	id, _, err := a.Create(ctx, "sch-1", allocation.ScheduleTerms{
		TotalAmountReporting: decimal.NewFromInt(12000),
		TotalAmountLocal:     decimal.NewFromInt(12000),
		ReportingCurrency:    "USD",
		LocalCurrency:        "USD",
		StartDate:            time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:              &end,
		Recognition:          allocation.Recognition{Method: allocation.MethodStraightLine},
	}, "test")
	require.NoError(t, err)

	// WHEN: Both apply adjustments concurrently
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		svc := a
		if i%2 == 1 {
			svc = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyEvent(ctx, id, allocation.ScheduleEvent{
				EffectivePeriod: "2026-06",
				Payload:         allocation.AmountAdjustment{AmountReportingDelta: decimal.NewFromInt(100)},
				Reason:          "top-up",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// THEN: Every event landed exactly once, with dense ids
	events, err := a.Events(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 10)
	for i, ev := range events {
		assert.Equal(t, allocation.EventID(i+1), ev.ID)
	}

	// AND: Both services see the same reconciled projection
	pa, err := a.Projection(ctx, id)
	require.NoError(t, err)
	pb, err := b.Projection(ctx, id)
	require.NoError(t, err)
	assert.True(t, allocation.EqualProjections(pa, pb))

	total := decimal.Zero
	for _, l := range pa {
		total = total.Add(l.AmountReporting)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(13000)), "total %s", total)
}
