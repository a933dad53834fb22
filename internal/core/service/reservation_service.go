package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

const (
	actorReclaimer  = "reclaimer"
	actorReconciler = "reconciler"
	actorRollback   = "rollback"
)

func cartActor(cartID string) string {
	return "cart:" + cartID
}

// ReservationService exposes the hold lifecycle to the calling layer and to
// the reclaimer and reconciler. Atomicity of each single-item step is the
// repository's job; this layer adds validation, all-or-nothing carts and
// idempotent release semantics.
type ReservationService struct {
	store   port.InventoryRepository
	sink    StockSink
	metrics *Metrics
	log     zerolog.Logger
}

func NewReservationService(store port.InventoryRepository, sink StockSink, metrics *Metrics, logger zerolog.Logger) *ReservationService {
	return &ReservationService{
		store:   store,
		sink:    sink,
		metrics: metrics,
		log:     logger.With().Str("component", "reservations").Logger(),
	}
}

func validateCart(cartID string) error {
	if cartID == "" {
		return &domain.ValidationError{Field: "cart_id", Message: "cart id is required"}
	}
	return nil
}

func (s *ReservationService) publish(snap *domain.StockSnapshot) {
	if snap != nil && s.sink != nil {
		s.sink.Publish(*snap)
	}
}

func (s *ReservationService) ReserveItem(ctx context.Context, cartID, itemID string, quantity int) (*domain.Reservation, error) {
	if err := validateCart(cartID); err != nil {
		return nil, err
	}
	if err := (domain.ItemLine{ItemID: itemID, Quantity: quantity}).Validate(); err != nil {
		return nil, err
	}
	return s.reserve(ctx, cartID, itemID, quantity)
}

func (s *ReservationService) reserve(ctx context.Context, cartID, itemID string, quantity int) (*domain.Reservation, error) {
	r, snap, err := s.store.Reserve(ctx, itemID, quantity, cartID, cartActor(cartID))
	if err != nil {
		s.metrics.Reservations.WithLabelValues(reserveResult(err)).Inc()
		return nil, err
	}
	s.metrics.Reservations.WithLabelValues("ok").Inc()
	s.publish(snap)

	s.log.Debug().
		Str("reservation_id", r.ID).
		Str("item_id", itemID).
		Int("quantity", quantity).
		Str("cart_id", cartID).
		Msg("stock reserved")
	return r, nil
}

func reserveResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		return "insufficient"
	case errors.Is(err, domain.ErrItemNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrInconsistentAudit):
		return "frozen"
	default:
		return "error"
	}
}

// ReserveCart reserves every line or none. Holds taken before a failing line
// are released in the same call and the failing line's error is returned.
func (s *ReservationService) ReserveCart(ctx context.Context, cartID string, lines []domain.ItemLine) ([]domain.Reservation, error) {
	if err := validateCart(cartID); err != nil {
		return nil, err
	}
	lines = domain.MergeLines(lines)
	for _, l := range lines {
		if err := l.Validate(); err != nil {
			return nil, err
		}
	}

	taken := make([]domain.Reservation, 0, len(lines))
	for _, l := range lines {
		r, err := s.reserve(ctx, cartID, l.ItemID, l.Quantity)
		if err != nil {
			s.rollback(ctx, taken)
			return nil, err
		}
		taken = append(taken, *r)
	}
	return taken, nil
}

func (s *ReservationService) rollback(ctx context.Context, taken []domain.Reservation) {
	for _, r := range taken {
		if _, err := s.release(ctx, r.ID, domain.ReasonRollback, actorRollback); err != nil {
			// the hold stays HELD and the reclaimer frees it after the TTL
			s.log.Error().Err(err).Str("reservation_id", r.ID).Msg("cart rollback failed")
		}
	}
}

// ReleaseItems gives back the cart's unattached holds. For each line it
// releases whole reservations, newest first, without exceeding the requested
// quantity. No lines means every unattached hold of the cart. It returns the
// number of units released.
func (s *ReservationService) ReleaseItems(ctx context.Context, cartID string, lines []domain.ItemLine) (int, error) {
	if err := validateCart(cartID); err != nil {
		return 0, err
	}
	lines = domain.MergeLines(lines)
	for _, l := range lines {
		if err := l.Validate(); err != nil {
			return 0, err
		}
	}

	holds, err := s.store.ListCartHolds(ctx, cartID)
	if err != nil {
		return 0, fmt.Errorf("list cart holds: %w", err)
	}

	remaining := make(map[string]int, len(lines))
	for _, l := range lines {
		remaining[l.ItemID] = l.Quantity
	}

	released := 0
	actor := cartActor(cartID)
	for i := len(holds) - 1; i >= 0; i-- {
		h := holds[i]
		if len(lines) > 0 {
			if h.Quantity > remaining[h.ItemID] {
				continue
			}
			remaining[h.ItemID] -= h.Quantity
		}
		ok, err := s.release(ctx, h.ID, domain.ReasonRelease, actor)
		if err != nil {
			return released, err
		}
		if ok {
			released += h.Quantity
		}
	}
	return released, nil
}

// ReleaseReservation is idempotent: a reservation that is already closed
// reports false with a nil error.
func (s *ReservationService) ReleaseReservation(ctx context.Context, reservationID string, reason domain.AuditReason, actor string) (bool, error) {
	if reservationID == "" {
		return false, &domain.ValidationError{Field: "reservation_id", Message: "reservation id is required"}
	}
	return s.release(ctx, reservationID, reason, actor)
}

func (s *ReservationService) release(ctx context.Context, reservationID string, reason domain.AuditReason, actor string) (bool, error) {
	target := domain.ReservationReleased
	if reason == domain.ReasonTimeout {
		target = domain.ReservationExpired
	}

	_, snap, err := s.store.Release(ctx, reservationID, target, reason, actor)
	if errors.Is(err, domain.ErrAlreadyReleased) {
		s.log.Debug().Str("reservation_id", reservationID).Str("reason", string(reason)).Msg("reservation already closed")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.metrics.Releases.WithLabelValues(string(reason)).Inc()
	s.publish(snap)
	return true, nil
}

func (s *ReservationService) AssociateToOrder(ctx context.Context, cartID, buyOrder string) ([]domain.Reservation, error) {
	if err := validateCart(cartID); err != nil {
		return nil, err
	}
	attached, err := s.store.AssociateToOrder(ctx, cartID, buyOrder)
	if err != nil {
		return nil, fmt.Errorf("associate cart %s to %s: %w", cartID, buyOrder, err)
	}
	s.log.Info().Str("cart_id", cartID).Str("buy_order", buyOrder).Int("reservations", len(attached)).Msg("cart attached to order")
	return attached, nil
}

// Settle finalizes the order's holds as sold and returns how many were settled.
func (s *ReservationService) Settle(ctx context.Context, buyOrder string) (int, error) {
	settled, err := s.store.Settle(ctx, buyOrder, actorReconciler)
	if err != nil {
		return 0, fmt.Errorf("settle %s: %w", buyOrder, err)
	}
	s.metrics.Settlements.Add(float64(len(settled)))
	return len(settled), nil
}

// ReleaseOrder releases every HELD reservation attached to buyOrder and
// returns the number of units put back. It keeps going past individual
// failures and reports them joined.
func (s *ReservationService) ReleaseOrder(ctx context.Context, buyOrder string, reason domain.AuditReason, actor string) (int, error) {
	reservations, err := s.store.ListOrderReservations(ctx, buyOrder)
	if err != nil {
		return 0, fmt.Errorf("list order reservations: %w", err)
	}

	units := 0
	var errs []error
	for _, r := range reservations {
		if r.State != domain.ReservationHeld {
			continue
		}
		ok, err := s.release(ctx, r.ID, reason, actor)
		if err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", r.ID, err))
			continue
		}
		if ok {
			units += r.Quantity
		}
	}
	return units, errors.Join(errs...)
}

func (s *ReservationService) OrderReservations(ctx context.Context, buyOrder string) ([]domain.Reservation, error) {
	reservations, err := s.store.ListOrderReservations(ctx, buyOrder)
	if err != nil {
		return nil, fmt.Errorf("list order reservations: %w", err)
	}
	return reservations, nil
}

func (s *ReservationService) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	return s.store.GetReservation(ctx, reservationID)
}

func (s *ReservationService) CartHolds(ctx context.Context, cartID string) ([]domain.Reservation, error) {
	if err := validateCart(cartID); err != nil {
		return nil, err
	}
	return s.store.ListCartHolds(ctx, cartID)
}
