package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

const reclaimerLockKey = "reclaimer"

type ReclaimerConfig struct {
	TTL       time.Duration
	Interval  time.Duration
	BatchSize int
	LockTTL   time.Duration
}

// SweepResult counts what one sweep did. Skipped covers holds another actor
// closed first and holds that could not be released this cycle.
type SweepResult struct {
	Scanned  int
	Expired  int
	Settled  int
	Reversed int
	Skipped  int
}

// Reclaimer periodically releases holds older than the TTL that never reached
// a verdict: unattached holds and holds whose order is still PENDING or
// missing. Holds whose order already has a final status are finished the way
// the reconciler would have.
type Reclaimer struct {
	store        port.InventoryRepository
	orders       port.OrderRepository
	reservations *ReservationService
	locks        port.CacheRepository
	cfg          ReclaimerConfig
	owner        string
	now          func() time.Time
	metrics      *Metrics
	log          zerolog.Logger
}

func NewReclaimer(
	store port.InventoryRepository,
	orders port.OrderRepository,
	reservations *ReservationService,
	locks port.CacheRepository,
	cfg ReclaimerConfig,
	metrics *Metrics,
	logger zerolog.Logger,
) *Reclaimer {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = cfg.Interval
	}
	return &Reclaimer{
		store:        store,
		orders:       orders,
		reservations: reservations,
		locks:        locks,
		cfg:          cfg,
		owner:        uuid.NewString(),
		now:          time.Now,
		metrics:      metrics,
		log:          logger.With().Str("component", "reclaimer").Logger(),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Warn().Err(err).Msg("sweep failed")
			}
		}
	}
}

// Sweep runs one cycle under the distributed lock. If another replica holds
// the lock the cycle is skipped. If the lock backend is down the sweep still
// runs: release is a compare-and-set, so overlapping sweeps cannot double count.
func (r *Reclaimer) Sweep(ctx context.Context) (SweepResult, error) {
	ok, err := r.locks.AcquireLock(ctx, reclaimerLockKey, r.owner, r.cfg.LockTTL)
	switch {
	case err != nil:
		r.log.Warn().Err(err).Msg("reclaimer lock unavailable, sweeping without it")
	case !ok:
		r.metrics.SweepRuns.WithLabelValues("skipped").Inc()
		r.log.Debug().Msg("another reclaimer holds the lock")
		return SweepResult{}, nil
	default:
		defer func() {
			if err := r.locks.ReleaseLock(context.WithoutCancel(ctx), reclaimerLockKey, r.owner); err != nil {
				r.log.Warn().Err(err).Msg("failed to release reclaimer lock")
			}
		}()
	}

	res, err := r.sweep(ctx, r.now())
	if err != nil {
		r.metrics.SweepRuns.WithLabelValues("error").Inc()
		return res, err
	}
	r.metrics.SweepRuns.WithLabelValues("ok").Inc()
	if res.Scanned > 0 {
		r.log.Info().
			Int("scanned", res.Scanned).
			Int("expired", res.Expired).
			Int("settled", res.Settled).
			Int("reversed", res.Reversed).
			Int("skipped", res.Skipped).
			Msg("sweep finished")
	}
	return res, nil
}

func (r *Reclaimer) sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult

	holds, err := r.store.ListHeldBefore(ctx, now.Add(-r.cfg.TTL), r.cfg.BatchSize)
	if err != nil {
		return res, err
	}

	statuses := make(map[string]domain.OrderStatus)
	settledOrders := make(map[string]bool)

	for _, h := range holds {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Scanned++

		status := domain.OrderStatusPending
		if h.Attached() {
			buyOrder := h.OrderRef()
			st, ok := statuses[buyOrder]
			if !ok {
				o, err := r.orders.GetOrder(ctx, buyOrder)
				switch {
				case errors.Is(err, domain.ErrOrderNotFound):
					st = domain.OrderStatusPending
				case err != nil:
					r.log.Warn().Err(err).Str("buy_order", buyOrder).Msg("order lookup failed")
					res.Skipped++
					continue
				default:
					st = o.Status
				}
				statuses[buyOrder] = st
			}
			status = st
		}

		switch status {
		case domain.OrderStatusAuthorized:
			buyOrder := h.OrderRef()
			if settledOrders[buyOrder] {
				continue
			}
			n, err := r.reservations.Settle(ctx, buyOrder)
			if err != nil {
				r.log.Warn().Err(err).Str("buy_order", buyOrder).Msg("settle repair failed")
				res.Skipped++
				continue
			}
			settledOrders[buyOrder] = true
			res.Settled += n
			r.metrics.SweepReservations.WithLabelValues("settled").Add(float64(n))

		case domain.OrderStatusFailed, domain.OrderStatusReversed:
			released, err := r.reservations.ReleaseReservation(ctx, h.ID, domain.ReasonReversal, actorReclaimer)
			if err != nil || !released {
				r.logSkip(h, err)
				res.Skipped++
				continue
			}
			res.Reversed++
			r.metrics.SweepReservations.WithLabelValues("reversed").Inc()

		default:
			released, err := r.reservations.ReleaseReservation(ctx, h.ID, domain.ReasonTimeout, actorReclaimer)
			if err != nil || !released {
				r.logSkip(h, err)
				res.Skipped++
				continue
			}
			res.Expired++
			r.metrics.SweepReservations.WithLabelValues("expired").Inc()
		}
	}
	return res, nil
}

func (r *Reclaimer) logSkip(h domain.Reservation, err error) {
	ev := r.log.Debug()
	if err != nil {
		ev = r.log.Warn().Err(err)
	}
	ev.Str("reservation_id", h.ID).Str("item_id", h.ItemID).Msg("hold not reclaimed")
}
