package service

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

// Reconciliation reports the order's status after a verdict. Applied is false
// when the order had already left PENDING and nothing was mutated.
// Unfulfilled lists reservations of an authorized order that were closed
// before settlement could reach them; those units were paid for but are back
// in stock and need a manual refund.
type Reconciliation struct {
	BuyOrder         string
	Status           domain.OrderStatus
	Applied          bool
	Units            int
	Unfulfilled      []string
	UnfulfilledUnits int
}

// Reconciler applies gateway verdicts to orders and their held stock. The
// order status compare-and-set decides the single winner among duplicate
// deliveries; only the winner touches reservations.
type Reconciler struct {
	orders       port.OrderRepository
	reservations *ReservationService
	metrics      *Metrics
	log          zerolog.Logger
}

func NewReconciler(orders port.OrderRepository, reservations *ReservationService, metrics *Metrics, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		orders:       orders,
		reservations: reservations,
		metrics:      metrics,
		log:          logger.With().Str("component", "reconciler").Logger(),
	}
}

func (r *Reconciler) Apply(ctx context.Context, verdict domain.Verdict) (*Reconciliation, error) {
	if verdict.BuyOrder == "" {
		return nil, &domain.ValidationError{Field: "buy_order", Message: "buy order is required"}
	}
	outcome := verdict.Outcome()
	log := r.log.With().Str("buy_order", verdict.BuyOrder).Str("gateway_status", verdict.GatewayStatus).Logger()

	won, err := r.orders.TransitionStatus(ctx, verdict.BuyOrder, domain.OrderStatusPending, verdict)
	if err != nil {
		return nil, fmt.Errorf("transition %s: %w", verdict.BuyOrder, err)
	}
	r.metrics.Verdicts.WithLabelValues(string(outcome), strconv.FormatBool(won)).Inc()

	if !won {
		o, err := r.orders.GetOrder(ctx, verdict.BuyOrder)
		if err != nil {
			return nil, fmt.Errorf("get order %s: %w", verdict.BuyOrder, err)
		}
		log.Info().Str("status", string(o.Status)).Msg("verdict for settled order acknowledged")
		return &Reconciliation{BuyOrder: o.BuyOrder, Status: o.Status}, nil
	}

	rec := &Reconciliation{BuyOrder: verdict.BuyOrder, Status: outcome, Applied: true}

	switch outcome {
	case domain.OrderStatusAuthorized:
		n, err := r.reservations.Settle(ctx, verdict.BuyOrder)
		if err != nil {
			// the reclaimer's repair pass settles the remaining holds
			return rec, err
		}
		rec.Units = n
		if err := r.checkFulfilled(ctx, rec); err != nil {
			log.Warn().Err(err).Msg("could not verify settled reservations")
		}
		if len(rec.Unfulfilled) > 0 {
			r.metrics.UnfulfilledOrders.Inc()
			log.Error().
				Strs("reservation_ids", rec.Unfulfilled).
				Int("units", rec.UnfulfilledUnits).
				Int("settled", n).
				Msg("authorized order lost held stock before settlement, needs manual refund")
		}
	default:
		units, err := r.reservations.ReleaseOrder(ctx, verdict.BuyOrder, domain.ReasonReversal, actorReconciler)
		rec.Units = units
		if err != nil {
			return rec, err
		}
	}

	log.Info().Str("status", string(outcome)).Int("units", rec.Units).Msg("verdict applied")
	return rec, nil
}

// checkFulfilled records every reservation of the order that did not end up
// SETTLED. The reclaimer may have expired some of them while the order was
// still PENDING.
func (r *Reconciler) checkFulfilled(ctx context.Context, rec *Reconciliation) error {
	reservations, err := r.reservations.OrderReservations(ctx, rec.BuyOrder)
	if err != nil {
		return err
	}
	for _, res := range reservations {
		if res.State == domain.ReservationSettled {
			continue
		}
		rec.Unfulfilled = append(rec.Unfulfilled, res.ID)
		rec.UnfulfilledUnits += res.Quantity
	}
	return nil
}
