package service

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

func TestReserveItem(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	ctx := context.Background()

	r, err := f.reservations.ReserveItem(ctx, "cart-1", "item-1", 2)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationHeld, r.State)
	assert.Equal(t, "cart-1", r.CartID)
	assert.False(t, r.Attached())
	assert.Equal(t, 3, f.stock(t, "item-1"))

	require.Len(t, f.sink.snaps, 1)
	assert.Equal(t, 3, f.sink.snaps[0].Stock)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Reservations.WithLabelValues("ok")))

	_, err = f.reservations.ReserveItem(ctx, "cart-1", "item-1", 4)
	var stockErr *domain.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, 3, stockErr.Available)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Reservations.WithLabelValues("insufficient")))

	_, err = f.reservations.ReserveItem(ctx, "cart-1", "ghost", 1)
	assert.ErrorIs(t, err, domain.ErrItemNotFound)
}

func TestReserveItem_Validation(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	ctx := context.Background()

	cases := []struct {
		name  string
		cart  string
		item  string
		qty   int
		field string
	}{
		{"missing cart", "", "item-1", 1, "cart_id"},
		{"missing item", "cart-1", "", 1, "item_id"},
		{"zero quantity", "cart-1", "item-1", 0, "quantity"},
		{"negative quantity", "cart-1", "item-1", -3, "quantity"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.reservations.ReserveItem(ctx, tc.cart, tc.item, tc.qty)
			var verr *domain.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tc.field, verr.Field)
		})
	}
	assert.Equal(t, 5, f.stock(t, "item-1"))
	assert.Len(t, f.reasons(t, "item-1"), 1)
}

func TestReserveCart_AllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	f.seed(t, "item-2", 500, 1)
	ctx := context.Background()

	_, err := f.reservations.ReserveCart(ctx, "cart-1", []domain.ItemLine{
		{ItemID: "item-1", Quantity: 2},
		{ItemID: "item-2", Quantity: 3},
	})
	var stockErr *domain.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, "item-2", stockErr.ItemID)
	assert.Equal(t, 1, stockErr.Available)

	assert.Equal(t, 5, f.stock(t, "item-1"))
	assert.Equal(t, 1, f.stock(t, "item-2"))
	assert.Equal(t, []domain.AuditReason{domain.ReasonSeed, domain.ReasonReserve, domain.ReasonRollback}, f.reasons(t, "item-1"))
	f.requireBalanced(t, "item-1")

	holds, err := f.reservations.CartHolds(ctx, "cart-1")
	require.NoError(t, err)
	assert.Empty(t, holds)
}

func TestReserveCart_MergesRepeatedItems(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	ctx := context.Background()

	taken, err := f.reservations.ReserveCart(ctx, "cart-1", []domain.ItemLine{
		{ItemID: "item-1", Quantity: 1},
		{ItemID: "item-1", Quantity: 2},
	})
	require.NoError(t, err)
	require.Len(t, taken, 1)
	assert.Equal(t, 3, taken[0].Quantity)
	assert.Equal(t, 2, f.stock(t, "item-1"))
}

func TestReleaseItems_NewestFirst(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 10)
	ctx := context.Background()

	oldest, err := f.reservations.ReserveItem(ctx, "cart-1", "item-1", 1)
	require.NoError(t, err)
	middle, err := f.reservations.ReserveItem(ctx, "cart-1", "item-1", 2)
	require.NoError(t, err)
	newest, err := f.reservations.ReserveItem(ctx, "cart-1", "item-1", 1)
	require.NoError(t, err)

	// newest (1) fits, middle (2) would overshoot, oldest (1) fits
	n, err := f.reservations.ReleaseItems(ctx, "cart-1", []domain.ItemLine{{ItemID: "item-1", Quantity: 2}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[string]domain.ReservationState{
		oldest.ID: domain.ReservationReleased,
		middle.ID: domain.ReservationHeld,
		newest.ID: domain.ReservationReleased,
	} {
		r, err := f.reservations.GetReservation(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, r.State)
	}
	assert.Equal(t, 8, f.stock(t, "item-1"))

	n, err = f.reservations.ReleaseItems(ctx, "cart-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 10, f.stock(t, "item-1"))

	n, err = f.reservations.ReleaseItems(ctx, "cart-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	f.requireBalanced(t, "item-1")
}

func TestReleaseItems_LeavesAttachedHolds(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	ctx := context.Background()

	_, err := f.reservations.ReserveItem(ctx, "cart-1", "item-1", 2)
	require.NoError(t, err)
	_, err = f.reservations.AssociateToOrder(ctx, "cart-1", "bo-1")
	require.NoError(t, err)

	n, err := f.reservations.ReleaseItems(ctx, "cart-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 3, f.stock(t, "item-1"))
}

func TestReleaseReservation_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	ctx := context.Background()

	r, err := f.reservations.ReserveItem(ctx, "cart-1", "item-1", 2)
	require.NoError(t, err)

	ok, err := f.reservations.ReleaseReservation(ctx, r.ID, domain.ReasonRelease, "cart:cart-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.reservations.ReleaseReservation(ctx, r.ID, domain.ReasonTimeout, actorReclaimer)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 5, f.stock(t, "item-1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Releases.WithLabelValues("release")))

	_, err = f.reservations.ReleaseReservation(ctx, "missing", domain.ReasonRelease, "a")
	assert.ErrorIs(t, err, domain.ErrReservationNotFound)
	_, err = f.reservations.ReleaseReservation(ctx, "", domain.ReasonRelease, "a")
	var verr *domain.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestReleaseOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "item-1", 1000, 5)
	f.seed(t, "item-2", 1000, 5)
	ctx := context.Background()

	_, err := f.reservations.ReserveCart(ctx, "cart-1", []domain.ItemLine{
		{ItemID: "item-1", Quantity: 1},
		{ItemID: "item-2", Quantity: 2},
	})
	require.NoError(t, err)
	_, err = f.reservations.AssociateToOrder(ctx, "cart-1", "bo-1")
	require.NoError(t, err)

	units, err := f.reservations.ReleaseOrder(ctx, "bo-1", domain.ReasonReversal, actorReconciler)
	require.NoError(t, err)
	assert.Equal(t, 3, units)

	units, err = f.reservations.ReleaseOrder(ctx, "bo-1", domain.ReasonReversal, actorReconciler)
	require.NoError(t, err)
	assert.Equal(t, 0, units)
	assert.Equal(t, 5, f.stock(t, "item-1"))
	assert.Equal(t, 5, f.stock(t, "item-2"))
}
