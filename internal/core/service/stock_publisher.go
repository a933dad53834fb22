package service

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

const publishTimeout = 2 * time.Second

// StockSink receives committed stock snapshots.
type StockSink interface {
	Publish(snap domain.StockSnapshot)
}

// StockPublisher writes committed stock snapshots to the display cache off
// the request path. The cache keeps only the newest version per item, so
// dropped or reordered updates are corrected by the next one.
type StockPublisher struct {
	cache   port.CacheRepository
	queue   chan domain.StockSnapshot
	metrics *Metrics
	log     zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewStockPublisher(cache port.CacheRepository, queueSize int, metrics *Metrics, logger zerolog.Logger) *StockPublisher {
	return &StockPublisher{
		cache:   cache,
		queue:   make(chan domain.StockSnapshot, queueSize),
		metrics: metrics,
		log:     logger.With().Str("component", "stock_publisher").Logger(),
	}
}

// Publish never blocks; a full queue drops the snapshot.
func (p *StockPublisher) Publish(snap domain.StockSnapshot) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.queue <- snap:
	default:
		p.metrics.PublishDropped.Inc()
		p.log.Warn().Str("item_id", snap.ItemID).Int64("version", snap.Version).Msg("publish queue full, dropping stock update")
	}
}

// Run starts workers that drain the queue and blocks until Close has been
// called and the queue is empty.
func (p *StockPublisher) Run(workers int) {
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.workerLoop(id)
		}(i)
	}
	wg.Wait()
}

func (p *StockPublisher) workerLoop(id int) {
	for snap := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)

		if err := p.cache.SetStock(ctx, snap.ItemID, snap.Stock, snap.Version); err != nil {
			p.log.Warn().Err(err).Int("worker", id).Str("item_id", snap.ItemID).Msg("failed to publish stock")
		}

		cancel()
	}
}

func (p *StockPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.queue)
}
