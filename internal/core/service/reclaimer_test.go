package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/domain"
)

func TestSweep_ExpiresStaleHolds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	ctx := context.Background()

	stale, err := f.reservations.ReserveItem(ctx, "cart-1", "item-1", 2)
	require.NoError(t, err)
	f.clock.Advance(testTTL + time.Minute)
	fresh, err := f.reservations.ReserveItem(ctx, "cart-2", "item-1", 1)
	require.NoError(t, err)

	res, err := f.reclaimer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Expired: 1}, res)

	r, _ := f.store.GetReservation(ctx, stale.ID)
	assert.Equal(t, domain.ReservationExpired, r.State)
	r, _ = f.store.GetReservation(ctx, fresh.ID)
	assert.Equal(t, domain.ReservationHeld, r.State)
	assert.Equal(t, 4, f.stock(t, "item-1"))

	trail, _ := f.store.AuditTrail(ctx, "item-1")
	timeouts := 0
	for _, e := range trail {
		if e.Reason == domain.ReasonTimeout {
			timeouts++
			assert.Equal(t, 2, e.Delta)
			assert.Equal(t, stale.ID, e.Reference)
			assert.Equal(t, actorReclaimer, e.Actor)
		}
	}
	assert.Equal(t, 1, timeouts)
	f.requireBalanced(t, "item-1")

	// nothing left to do on the next cycle
	res, err = f.reclaimer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)
}

func TestSweep_LateAuthorizationAfterExpiry(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	ctx := context.Background()

	res := checkout(t, f, 2)
	f.clock.Advance(testTTL + time.Minute)

	sweep, err := f.reclaimer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.Expired)
	assert.Equal(t, 5, f.stock(t, "item-1"))

	c, err := f.checkout.ConfirmOrder(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAuthorized, c.Status)
	assert.True(t, c.Applied)
	assert.Equal(t, 2, c.Unfulfilled)

	// the expired stock is not taken back
	assert.Equal(t, 5, f.stock(t, "item-1"))
	f.requireBalanced(t, "item-1")
}

func TestSweep_LateAuthorizationAfterPartialExpiry(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-a", 1000, 1)
	f.seed(t, "item-b", 1000, 1)
	ctx := context.Background()

	early, err := f.reservations.ReserveItem(ctx, "cart-1", "item-a", 1)
	require.NoError(t, err)
	f.clock.Advance(testTTL / 2)
	res, err := f.checkout.CheckoutCart(ctx, "cart-1", []domain.ItemLine{{ItemID: "item-b", Quantity: 1}})
	require.NoError(t, err)
	require.Equal(t, 2000, res.Amount)

	// only the older hold is past the TTL
	f.clock.Advance(testTTL/2 + time.Minute)
	sweep, err := f.reclaimer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Expired: 1}, sweep)

	_, err = f.reservations.ReserveItem(ctx, "cart-2", "item-a", 1)
	require.NoError(t, err)

	c, err := f.checkout.ConfirmOrder(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAuthorized, c.Status)
	assert.True(t, c.Applied)
	assert.Equal(t, 1, c.Unfulfilled)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UnfulfilledOrders))

	r, _ := f.store.GetReservation(ctx, early.ID)
	assert.Equal(t, domain.ReservationExpired, r.State)
	assert.Equal(t, 0, f.stock(t, "item-a"))
	assert.Equal(t, 0, f.stock(t, "item-b"))
	f.requireBalanced(t, "item-a")
	f.requireBalanced(t, "item-b")
}

func TestSweep_RepairsFinalOrders(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 10)
	ctx := context.Background()

	hold := func(cart, buyOrder string, qty int, status string) {
		_, _, err := f.store.Reserve(ctx, "item-1", qty, cart, "test")
		require.NoError(t, err)
		_, err = f.store.AssociateToOrder(ctx, cart, buyOrder)
		require.NoError(t, err)
		require.NoError(t, f.store.CreateOrder(ctx, domain.Order{BuyOrder: buyOrder, Status: domain.OrderStatusPending}))
		if status != "" {
			// verdict recorded but the reservation step never ran
			won, err := f.store.TransitionStatus(ctx, buyOrder, domain.OrderStatusPending, domain.Verdict{BuyOrder: buyOrder, GatewayStatus: status})
			require.NoError(t, err)
			require.True(t, won)
		}
	}
	hold("cart-a", "bo-authorized", 2, "AUTHORIZED")
	hold("cart-f", "bo-failed", 3, "FAILED")
	hold("cart-p", "bo-pending", 1, "")
	_, _, err := f.store.Reserve(ctx, "item-1", 1, "cart-orphan", "test")
	require.NoError(t, err)
	_, err = f.store.AssociateToOrder(ctx, "cart-orphan", "bo-missing")
	require.NoError(t, err)
	assert.Equal(t, 3, f.stock(t, "item-1"))

	f.clock.Advance(testTTL + time.Minute)
	res, err := f.reclaimer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 4, Expired: 2, Settled: 1, Reversed: 1}, res)

	// 2 sold; 3 reversed, 1 pending and 1 orphaned come back
	assert.Equal(t, 8, f.stock(t, "item-1"))
	rs, _ := f.store.ListOrderReservations(ctx, "bo-authorized")
	require.Len(t, rs, 1)
	assert.Equal(t, domain.ReservationSettled, rs[0].State)
	rs, _ = f.store.ListOrderReservations(ctx, "bo-failed")
	require.Len(t, rs, 1)
	assert.Equal(t, domain.ReservationReleased, rs[0].State)
	f.requireBalanced(t, "item-1")
}

func TestSweep_RacingUserRelease(t *testing.T) {
	for round := 0; round < 20; round++ {
		f := newFixture(t)
		f.seed(t, "item-1", 1000, 5)
		ctx := context.Background()

		_, err := f.reservations.ReserveItem(ctx, "cart-1", "item-1", 3)
		require.NoError(t, err)
		f.clock.Advance(testTTL + time.Minute)

		var wg sync.WaitGroup
		var sweep SweepResult
		var released int
		wg.Add(2)
		go func() {
			defer wg.Done()
			sweep, _ = f.reclaimer.Sweep(ctx)
		}()
		go func() {
			defer wg.Done()
			released, _ = f.reservations.ReleaseItems(ctx, "cart-1", nil)
		}()
		wg.Wait()

		assert.Equal(t, 5, f.stock(t, "item-1"))
		assert.Equal(t, 3, sweep.Expired*3+released, "exactly one side restores the hold")
		assert.Len(t, f.reasons(t, "item-1"), 3)
		f.requireBalanced(t, "item-1")
	}
}

func TestSweep_SkipsWhenLockHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	ctx := context.Background()

	_, err := f.reservations.ReserveItem(ctx, "cart-1", "item-1", 2)
	require.NoError(t, err)
	f.clock.Advance(testTTL + time.Minute)

	ok, err := f.cache.AcquireLock(ctx, reclaimerLockKey, "other-replica", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.reclaimer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
	assert.Equal(t, 3, f.stock(t, "item-1"))

	require.NoError(t, f.cache.ReleaseLock(ctx, reclaimerLockKey, "other-replica"))
	res, err = f.reclaimer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
}

type brokenLocks struct {
	*storage.LocalCache
}

func (brokenLocks) AcquireLock(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("redis: connection refused")
}

func TestSweep_RunsWithoutLockBackend(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	f.reclaimer.locks = brokenLocks{storage.NewLocalCache()}
	ctx := context.Background()

	_, err := f.reservations.ReserveItem(ctx, "cart-1", "item-1", 2)
	require.NoError(t, err)
	f.clock.Advance(testTTL + time.Minute)

	res, err := f.reclaimer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 5, f.stock(t, "item-1"))
}

func TestSweep_BatchSize(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 10)
	f.reclaimer.cfg.BatchSize = 2
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.reservations.ReserveItem(ctx, "cart-1", "item-1", 1)
		require.NoError(t, err)
	}
	f.clock.Advance(testTTL + time.Minute)

	res, err := f.reclaimer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Expired)
	assert.Equal(t, 7, f.stock(t, "item-1"))
}

func TestReclaimerRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.reclaimer.cfg.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.reclaimer.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reclaimer did not stop")
	}
}
