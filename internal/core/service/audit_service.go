package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

// AuditService checks stock_now == Σ deltas per item. A mismatch freezes the
// item so no further stock mutation happens until someone reconciles it by
// hand and calls Unfreeze.
type AuditService struct {
	store   port.InventoryRepository
	metrics *Metrics
	log     zerolog.Logger
}

func NewAuditService(store port.InventoryRepository, metrics *Metrics, logger zerolog.Logger) *AuditService {
	return &AuditService{
		store:   store,
		metrics: metrics,
		log:     logger.With().Str("component", "audit").Logger(),
	}
}

// VerifyItem returns a non-nil discrepancy, and freezes the item, when its
// stock disagrees with the audit log.
func (a *AuditService) VerifyItem(ctx context.Context, itemID string) (*domain.Discrepancy, error) {
	stock, sum, err := a.store.AuditSum(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("audit sum %s: %w", itemID, err)
	}
	if stock == sum {
		return nil, nil
	}

	d := &domain.Discrepancy{ItemID: itemID, Stock: stock, AuditSum: sum}
	a.metrics.AuditDiscrepancies.Inc()
	a.log.Error().
		Str("item_id", itemID).
		Int("stock", stock).
		Int("audit_sum", sum).
		Msg("stock disagrees with audit log, freezing item")

	if err := a.store.SetFrozen(ctx, itemID, true); err != nil {
		return d, fmt.Errorf("freeze %s: %w", itemID, err)
	}
	return d, nil
}

func (a *AuditService) VerifyAll(ctx context.Context) ([]domain.Discrepancy, error) {
	items, err := a.store.ListItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	var found []domain.Discrepancy
	for _, it := range items {
		d, err := a.VerifyItem(ctx, it.ID)
		if err != nil {
			return found, err
		}
		if d != nil {
			found = append(found, *d)
		}
	}
	return found, nil
}

func (a *AuditService) Trail(ctx context.Context, itemID string) ([]domain.AuditEntry, error) {
	return a.store.AuditTrail(ctx, itemID)
}

// Unfreeze lifts the halt only once the item verifies clean again.
func (a *AuditService) Unfreeze(ctx context.Context, itemID string) error {
	stock, sum, err := a.store.AuditSum(ctx, itemID)
	if err != nil {
		return fmt.Errorf("audit sum %s: %w", itemID, err)
	}
	if stock != sum {
		return fmt.Errorf("unfreeze %s: stock %d, audit sum %d: %w", itemID, stock, sum, domain.ErrInconsistentAudit)
	}
	if err := a.store.SetFrozen(ctx, itemID, false); err != nil {
		return fmt.Errorf("unfreeze %s: %w", itemID, err)
	}
	a.log.Info().Str("item_id", itemID).Msg("item unfrozen")
	return nil
}

// Run verifies every item on each tick until ctx is cancelled.
func (a *AuditService) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			found, err := a.VerifyAll(ctx)
			if err != nil {
				a.log.Warn().Err(err).Msg("audit verification failed")
				continue
			}
			if len(found) > 0 {
				a.log.Error().Int("items", len(found)).Msg("audit verification found discrepancies")
			}
		}
	}
}
