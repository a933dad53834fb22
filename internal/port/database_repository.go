package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// InventoryRepository owns items, reservations and the audit log. Every
// mutating method is one atomic unit: the stock change, the reservation row
// and the audit entry commit together or not at all.
type InventoryRepository interface {
	// GetItem returns domain.ErrItemNotFound for unknown ids.
	GetItem(ctx context.Context, itemID string) (*domain.Item, error)

	ListItems(ctx context.Context) ([]domain.Item, error)

	// SeedItem inserts the item or restocks it to item.Stock, writing the
	// difference as a seed audit entry.
	SeedItem(ctx context.Context, item domain.Item, actor string) (*domain.Item, error)

	// Reserve checks stock >= quantity and decrements it under the item's lock.
	Reserve(ctx context.Context, itemID string, quantity int, cartID, actor string) (*domain.Reservation, *domain.StockSnapshot, error)

	// Release moves a HELD reservation to target (RELEASED or EXPIRED) and
	// restores its stock. Returns domain.ErrAlreadyReleased if it lost the
	// compare-and-set.
	Release(ctx context.Context, reservationID string, target domain.ReservationState, reason domain.AuditReason, actor string) (*domain.Reservation, *domain.StockSnapshot, error)

	// AssociateToOrder re-points the cart's unattached HELD reservations to buyOrder.
	AssociateToOrder(ctx context.Context, cartID, buyOrder string) ([]domain.Reservation, error)

	// Settle moves the order's HELD reservations to SETTLED without touching stock.
	Settle(ctx context.Context, buyOrder, actor string) ([]domain.Reservation, error)

	GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error)

	// ListCartHolds returns the cart's unattached HELD reservations, oldest first.
	ListCartHolds(ctx context.Context, cartID string) ([]domain.Reservation, error)

	ListOrderReservations(ctx context.Context, buyOrder string) ([]domain.Reservation, error)

	// ListHeldBefore returns HELD reservations created before cutoff, oldest first.
	ListHeldBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Reservation, error)

	AuditTrail(ctx context.Context, itemID string) ([]domain.AuditEntry, error)

	// AuditSum returns the item's current stock and the sum of its audit deltas,
	// read under the same lock.
	AuditSum(ctx context.Context, itemID string) (stock int, sum int, err error)

	SetFrozen(ctx context.Context, itemID string, frozen bool) error
}

// OrderRepository is the order ledger.
type OrderRepository interface {
	// CreateOrder returns domain.ErrDuplicateOrder when the buy order exists.
	CreateOrder(ctx context.Context, order domain.Order) error

	GetOrder(ctx context.Context, buyOrder string) (*domain.Order, error)

	GetOrderByToken(ctx context.Context, token string) (*domain.Order, error)

	AttachToken(ctx context.Context, buyOrder, token string) error

	// TransitionStatus sets the status to verdict.Outcome() only if the order
	// is currently in from. It reports whether this call performed the change.
	TransitionStatus(ctx context.Context, buyOrder string, from domain.OrderStatus, verdict domain.Verdict) (bool, error)
}
