package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

const testTTL = 10 * time.Minute

// testClock advances one millisecond per reading so creation order is total.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeGateway struct {
	mu        sync.Mutex
	status    string
	buyOrder  string // overrides the verdict's buy order when set
	createErr error
	commitErr error
	creates   int
	commits   int
	tokens    map[string]string
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{status: "AUTHORIZED", tokens: make(map[string]string)}
}

func (g *fakeGateway) CreateTransaction(_ context.Context, req port.TransactionRequest) (*port.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates++
	if g.createErr != nil {
		return nil, g.createErr
	}
	token := "tok-" + req.BuyOrder
	g.tokens[token] = req.BuyOrder
	return &port.Transaction{Token: token, RedirectURL: "https://gateway.test/pay?token_ws=" + token}, nil
}

func (g *fakeGateway) CommitTransaction(_ context.Context, token string) (*domain.Verdict, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.commits++
	if g.commitErr != nil {
		return nil, g.commitErr
	}
	buyOrder := g.tokens[token]
	if g.buyOrder != "" {
		buyOrder = g.buyOrder
	}
	v := &domain.Verdict{BuyOrder: buyOrder, GatewayStatus: g.status}
	if g.status == "AUTHORIZED" {
		v.AuthorizationCode = "1213"
	}
	return v, nil
}

func (g *fakeGateway) commitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.commits
}

type recordingSink struct {
	mu    sync.Mutex
	snaps []domain.StockSnapshot
}

func (s *recordingSink) Publish(snap domain.StockSnapshot) {
	s.mu.Lock()
	s.snaps = append(s.snaps, snap)
	s.mu.Unlock()
}

type fixture struct {
	clock        *testClock
	store        *storage.MemoryStore
	cache        *storage.LocalCache
	gateway      *fakeGateway
	sink         *recordingSink
	metrics      *Metrics
	reservations *ReservationService
	reconciler   *Reconciler
	checkout     *CheckoutService
	reclaimer    *Reclaimer
	audit        *AuditService
	catalog      *CatalogService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:   newTestClock(),
		cache:   storage.NewLocalCache(),
		gateway: newFakeGateway(),
		sink:    &recordingSink{},
		metrics: NewMetrics(nil),
	}
	f.store = storage.NewMemoryStore(storage.WithClock(f.clock.Now))
	logger := zerolog.Nop()

	f.reservations = NewReservationService(f.store, f.sink, f.metrics, logger)
	f.reconciler = NewReconciler(f.store, f.reservations, f.metrics, logger)
	f.checkout = NewCheckoutService(f.store, f.store, f.reservations, f.reconciler, f.gateway, f.cache,
		CheckoutConfig{ReturnURL: "https://shop.test/commit", GatewayTimeout: time.Second}, f.metrics, logger)
	f.reclaimer = NewReclaimer(f.store, f.store, f.reservations, f.cache,
		ReclaimerConfig{TTL: testTTL, Interval: time.Minute, BatchSize: 100}, f.metrics, logger)
	f.reclaimer.now = f.clock.Now
	f.audit = NewAuditService(f.store, f.metrics, logger)
	f.catalog = NewCatalogService(f.store, f.cache, logger)
	return f
}

func (f *fixture) seed(t *testing.T, id string, price, stock int) {
	t.Helper()
	_, err := f.store.SeedItem(context.Background(), domain.Item{
		ID: id, Name: "Item " + id, Category: "general", Price: price, Stock: stock, Active: true,
	}, "test")
	require.NoError(t, err)
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	it, err := f.store.GetItem(context.Background(), id)
	require.NoError(t, err)
	return it.Stock
}

// requireBalanced fails unless stock equals the sum of the item's audit deltas.
func (f *fixture) requireBalanced(t *testing.T, id string) {
	t.Helper()
	stock, sum, err := f.store.AuditSum(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, stock, sum, "stock and audit sum diverged for %s", id)
}

func (f *fixture) reasons(t *testing.T, id string) []domain.AuditReason {
	t.Helper()
	trail, err := f.store.AuditTrail(context.Background(), id)
	require.NoError(t, err)
	out := make([]domain.AuditReason, 0, len(trail))
	for _, e := range trail {
		out = append(out, e.Reason)
	}
	return out
}
