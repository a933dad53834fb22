package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

func TestCheckoutCart_OpensTransaction(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-b", 500, 10)
	f.seed(t, "item-a", 1000, 5)
	ctx := context.Background()

	res, err := f.checkout.CheckoutCart(ctx, "cart-1", []domain.ItemLine{
		{ItemID: "item-b", Quantity: 3},
		{ItemID: "item-a", Quantity: 2},
	})
	require.NoError(t, err)

	assert.Len(t, res.BuyOrder, buyOrderLength)
	assert.Equal(t, "tok-"+res.BuyOrder, res.Token)
	assert.Equal(t, 3500, res.Amount)
	assert.Equal(t, []domain.OrderLine{
		{ItemID: "item-a", Quantity: 2, UnitPrice: 1000},
		{ItemID: "item-b", Quantity: 3, UnitPrice: 500},
	}, res.Items)

	order, err := f.checkout.GetOrder(ctx, res.BuyOrder)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, res.Token, order.Token)
	assert.Equal(t, 3500, order.Amount)

	assert.Equal(t, 3, f.stock(t, "item-a"))
	assert.Equal(t, 7, f.stock(t, "item-b"))

	holds, err := f.reservations.CartHolds(ctx, "cart-1")
	require.NoError(t, err)
	assert.Empty(t, holds, "checkout attaches every hold to the order")
}

func TestCheckoutCart_TopsUpExistingHolds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	ctx := context.Background()

	_, err := f.reservations.ReserveItem(ctx, "cart-1", "item-1", 1)
	require.NoError(t, err)

	res, err := f.checkout.CheckoutCart(ctx, "cart-1", []domain.ItemLine{{ItemID: "item-1", Quantity: 2}})
	require.NoError(t, err)
	assert.Equal(t, 2000, res.Amount)
	assert.Equal(t, 3, f.stock(t, "item-1"))

	rs, err := f.store.ListOrderReservations(ctx, res.BuyOrder)
	require.NoError(t, err)
	assert.Len(t, rs, 2)
}

func TestCheckoutCart_HeldItemsOnly(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	ctx := context.Background()

	_, err := f.reservations.ReserveItem(ctx, "cart-1", "item-1", 2)
	require.NoError(t, err)

	res, err := f.checkout.CheckoutCart(ctx, "cart-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2000, res.Amount)
}

func TestCheckoutCart_Errors(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 1)
	ctx := context.Background()

	_, err := f.checkout.CheckoutCart(ctx, "cart-empty", nil)
	assert.ErrorIs(t, err, domain.ErrEmptyCart)

	_, err = f.checkout.CheckoutCart(ctx, "cart-1", []domain.ItemLine{{ItemID: "item-1", Quantity: 2}})
	assert.ErrorIs(t, err, domain.ErrInsufficientStock)
	assert.Equal(t, 1, f.stock(t, "item-1"))

	_, err = f.checkout.CheckoutCart(ctx, "", []domain.ItemLine{{ItemID: "item-1", Quantity: 1}})
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = f.checkout.CheckoutCart(ctx, "cart-1", []domain.ItemLine{{ItemID: "item-1", Quantity: 0}})
	assert.True(t, errors.As(err, &verr))
	assert.Equal(t, 0, f.gateway.creates)
}

func TestCheckoutCart_GatewayDownKeepsHolds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	f.gateway.createErr = &domain.GatewayError{Kind: domain.GatewayUnavailable, Op: "create", Err: errors.New("connection refused")}
	ctx := context.Background()

	_, err := f.checkout.CheckoutCart(ctx, "cart-1", []domain.ItemLine{{ItemID: "item-1", Quantity: 2}})
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.Equal(t, 3, f.stock(t, "item-1"))

	// the holds age out through the reclaimer
	f.clock.Advance(testTTL + time.Minute)
	res, err := f.reclaimer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 5, f.stock(t, "item-1"))
	f.requireBalanced(t, "item-1")
}

func checkout(t *testing.T, f *fixture, qty int) *CheckoutResult {
	t.Helper()
	res, err := f.checkout.CheckoutCart(context.Background(), "cart-1", []domain.ItemLine{{ItemID: "item-1", Quantity: qty}})
	require.NoError(t, err)
	return res
}

func TestConfirmOrder_FailedVerdictRestoresStock(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	f.gateway.status = "FAILED"
	ctx := context.Background()

	res := checkout(t, f, 2)
	assert.Equal(t, 3, f.stock(t, "item-1"))

	c, err := f.checkout.ConfirmOrder(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFailed, c.Status)
	assert.True(t, c.Applied)
	assert.False(t, c.Abandoned)

	assert.Equal(t, 5, f.stock(t, "item-1"))
	assert.Equal(t, []domain.AuditReason{domain.ReasonSeed, domain.ReasonReserve, domain.ReasonReversal}, f.reasons(t, "item-1"))
	f.requireBalanced(t, "item-1")

	trail, _ := f.store.AuditTrail(ctx, "item-1")
	last := trail[len(trail)-1]
	assert.Equal(t, 2, last.Delta)
	assert.Contains(t, last.Reference, res.BuyOrder+"/")
	assert.Equal(t, actorReconciler, last.Actor)

	order, _ := f.checkout.GetOrder(ctx, res.BuyOrder)
	assert.Equal(t, domain.OrderStatusFailed, order.Status)
	assert.Equal(t, "FAILED", order.GatewayStatus)
}

func TestConfirmOrder_AuthorizedSettles(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	ctx := context.Background()

	res := checkout(t, f, 2)

	c, err := f.checkout.ConfirmOrder(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAuthorized, c.Status)
	assert.Equal(t, "AUTHORIZED", c.GatewayStatus)
	assert.True(t, c.Applied)

	assert.Equal(t, 3, f.stock(t, "item-1"))
	rs, err := f.store.ListOrderReservations(ctx, res.BuyOrder)
	require.NoError(t, err)
	for _, r := range rs {
		assert.Equal(t, domain.ReservationSettled, r.State)
	}
	assert.Equal(t, []domain.AuditReason{domain.ReasonSeed, domain.ReasonReserve, domain.ReasonSettle}, f.reasons(t, "item-1"))
	f.requireBalanced(t, "item-1")

	order, _ := f.checkout.GetOrder(ctx, res.BuyOrder)
	assert.Equal(t, "1213", order.AuthorizationCode)

	// settled stock is sold; the reclaimer leaves it alone
	f.clock.Advance(testTTL + time.Minute)
	sweep, err := f.reclaimer.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sweep.Scanned)
	assert.Equal(t, 3, f.stock(t, "item-1"))
}

func TestConfirmOrder_RepeatDeliverySkipsGateway(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	ctx := context.Background()

	res := checkout(t, f, 1)

	first, err := f.checkout.ConfirmOrder(ctx, res.Token)
	require.NoError(t, err)
	second, err := f.checkout.ConfirmOrder(ctx, res.Token)
	require.NoError(t, err)

	assert.True(t, first.Applied)
	assert.False(t, second.Applied)
	assert.Equal(t, domain.OrderStatusAuthorized, second.Status)
	assert.Equal(t, 1, f.gateway.commitCount())
	assert.Equal(t, 4, f.stock(t, "item-1"))
}

func TestConfirmOrder_ConcurrentDeliveriesApplyOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	f.gateway.status = "FAILED"
	ctx := context.Background()

	res := checkout(t, f, 2)

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := f.checkout.ConfirmOrder(ctx, res.Token)
			if err != nil {
				assert.ErrorIs(t, err, domain.ErrCommitInProgress)
				return
			}
			if c.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	assert.Equal(t, 5, f.stock(t, "item-1"))
	f.requireBalanced(t, "item-1")
}

func TestConfirmOrder_CommitInProgress(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	ctx := context.Background()

	res := checkout(t, f, 1)
	ok, err := f.cache.AcquireLock(ctx, "commit:"+res.Token, "other-replica", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.checkout.ConfirmOrder(ctx, res.Token)
	assert.ErrorIs(t, err, domain.ErrCommitInProgress)
	assert.Equal(t, 0, f.gateway.commitCount())
}

func TestConfirmOrder_GatewayTimeoutLeavesOrderPending(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	ctx := context.Background()

	res := checkout(t, f, 2)
	f.gateway.commitErr = &domain.GatewayError{Kind: domain.GatewayTimeout, Op: "commit", Err: context.DeadlineExceeded}

	_, err := f.checkout.ConfirmOrder(ctx, res.Token)
	assert.ErrorIs(t, err, domain.ErrGatewayTimeout)

	order, _ := f.checkout.GetOrder(ctx, res.BuyOrder)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, 3, f.stock(t, "item-1"))

	// a retry once the gateway recovers goes through; the lock was released
	f.gateway.commitErr = nil
	c, err := f.checkout.ConfirmOrder(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusAuthorized, c.Status)
}

func TestConfirmOrder_VerdictForAnotherOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	ctx := context.Background()

	res := checkout(t, f, 1)
	f.gateway.buyOrder = "someone-else"

	_, err := f.checkout.ConfirmOrder(ctx, res.Token)
	assert.ErrorIs(t, err, domain.ErrGatewayRejected)
	order, _ := f.checkout.GetOrder(ctx, res.BuyOrder)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
}

func TestConfirmOrder_UnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.checkout.ConfirmOrder(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestConfirm_AbandonmentMutatesNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	ctx := context.Background()

	res := checkout(t, f, 2)

	c, err := f.checkout.ConfirmOrder(ctx, "")
	require.NoError(t, err)
	assert.True(t, c.Abandoned)

	c, err = f.checkout.ConfirmAbandoned(ctx, res.BuyOrder)
	require.NoError(t, err)
	assert.True(t, c.Abandoned)
	assert.Equal(t, domain.OrderStatusPending, c.Status)
	assert.Equal(t, res.BuyOrder, c.BuyOrder)

	c, err = f.checkout.ConfirmAbandoned(ctx, "never-created")
	require.NoError(t, err)
	assert.True(t, c.Abandoned)

	assert.Equal(t, 3, f.stock(t, "item-1"))
	assert.Equal(t, 0, f.gateway.commitCount())

	// after a verdict the abandoned return reports the final status
	_, err = f.checkout.ConfirmOrder(ctx, res.Token)
	require.NoError(t, err)
	c, err = f.checkout.ConfirmAbandoned(ctx, res.BuyOrder)
	require.NoError(t, err)
	assert.False(t, c.Abandoned)
	assert.Equal(t, domain.OrderStatusAuthorized, c.Status)
}

func TestGatewayResult(t *testing.T) {
	assert.Equal(t, "ok", gatewayResult(nil))
	assert.Equal(t, "timeout", gatewayResult(&domain.GatewayError{Kind: domain.GatewayTimeout}))
	assert.Equal(t, "rejected", gatewayResult(&domain.GatewayError{Kind: domain.GatewayRejected}))
	assert.Equal(t, "unavailable", gatewayResult(errors.New("boom")))
}
