package service

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

const (
	defaultPerPage = 4
	maxPerPage     = 100
)

type CatalogQuery struct {
	Category string
	Search   string
	Sort     string // "asc" or "desc" by price
	Page     int
	PerPage  int
}

type CatalogPage struct {
	Items      []domain.Item
	Total      int
	Page       int
	PerPage    int
	TotalPages int
}

// CatalogService is the read side of the inventory.
type CatalogService struct {
	store port.InventoryRepository
	cache port.CacheRepository
	log   zerolog.Logger
}

func NewCatalogService(store port.InventoryRepository, cache port.CacheRepository, logger zerolog.Logger) *CatalogService {
	return &CatalogService{
		store: store,
		cache: cache,
		log:   logger.With().Str("component", "catalog").Logger(),
	}
}

func (c *CatalogService) ListItems(ctx context.Context, q CatalogQuery) (*CatalogPage, error) {
	all, err := c.store.ListItems(ctx)
	if err != nil {
		return nil, err
	}

	search := strings.ToLower(strings.TrimSpace(q.Search))
	items := make([]domain.Item, 0, len(all))
	for _, it := range all {
		if !it.Active {
			continue
		}
		if q.Category != "" && q.Category != "todos" && it.Category != q.Category {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(it.Name), search) {
			continue
		}
		items = append(items, it)
	}

	desc := strings.EqualFold(q.Sort, "desc")
	sort.SliceStable(items, func(i, j int) bool {
		if desc {
			return items[i].Price > items[j].Price
		}
		return items[i].Price < items[j].Price
	})

	perPage := q.PerPage
	if perPage <= 0 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	total := len(items)
	totalPages := max(1, (total+perPage-1)/perPage)
	page := min(max(q.Page, 1), totalPages)

	start := min((page-1)*perPage, total)
	end := min(start+perPage, total)

	return &CatalogPage{
		Items:      items[start:end],
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: totalPages,
	}, nil
}

func (c *CatalogService) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	it, err := c.store.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if !it.Active {
		return nil, domain.ErrItemNotFound
	}
	return it, nil
}

func (c *CatalogService) GetPrice(ctx context.Context, itemID string) (int, error) {
	it, err := c.GetItem(ctx, itemID)
	if err != nil {
		return 0, err
	}
	return it.Price, nil
}

// GetStock serves the display stock from the cache and falls back to
// storage, refilling the cache on a miss.
func (c *CatalogService) GetStock(ctx context.Context, itemID string) (int, error) {
	stock, ok, err := c.cache.GetStock(ctx, itemID)
	if err != nil {
		c.log.Warn().Err(err).Str("item_id", itemID).Msg("stock cache read failed")
	}
	if ok && err == nil {
		return stock, nil
	}

	it, err := c.GetItem(ctx, itemID)
	if err != nil {
		return 0, err
	}
	if err := c.cache.SetStock(ctx, it.ID, it.Stock, it.Version); err != nil {
		c.log.Warn().Err(err).Str("item_id", itemID).Msg("stock cache refill failed")
	}
	return it.Stock, nil
}

// Seed loads items into the catalog and publishes their stock.
func (c *CatalogService) Seed(ctx context.Context, items []domain.Item, actor string) error {
	for _, it := range items {
		seeded, err := c.store.SeedItem(ctx, it, actor)
		if err != nil {
			return err
		}
		if err := c.cache.SetStock(ctx, seeded.ID, seeded.Stock, seeded.Version); err != nil {
			c.log.Warn().Err(err).Str("item_id", seeded.ID).Msg("stock cache seed failed")
		}
		c.log.Info().Str("item_id", seeded.ID).Int("stock", seeded.Stock).Msg("item seeded")
	}
	return nil
}
