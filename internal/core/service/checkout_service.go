package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

// Webpay accepts buy orders of at most 26 characters.
const buyOrderLength = 26

type CheckoutConfig struct {
	ReturnURL      string
	GatewayTimeout time.Duration
	CommitLockTTL  time.Duration
}

type CheckoutResult struct {
	BuyOrder    string
	Token       string
	RedirectURL string
	Amount      int
	Items       []domain.OrderLine
}

// Confirmation is the answer to a gateway return. Abandoned means the
// shopper left the payment form; nothing was mutated in that case.
type Confirmation struct {
	BuyOrder      string
	Status        domain.OrderStatus
	GatewayStatus string
	Applied       bool
	Abandoned     bool
	// Unfulfilled counts paid units that were reclaimed before settlement.
	Unfulfilled   int
}

// CheckoutService drives a cart through the payment gateway. Stock is held
// and attached to the order before the remote call, and settled or released
// by the reconciler after the gateway returns, so no lock is ever held
// across the network.
type CheckoutService struct {
	store        port.InventoryRepository
	orders       port.OrderRepository
	reservations *ReservationService
	reconciler   *Reconciler
	gateway      port.PaymentGateway
	locks        port.CacheRepository
	cfg          CheckoutConfig
	metrics      *Metrics
	log          zerolog.Logger
	newBuyOrder  func() string
}

func NewCheckoutService(
	store port.InventoryRepository,
	orders port.OrderRepository,
	reservations *ReservationService,
	reconciler *Reconciler,
	gateway port.PaymentGateway,
	locks port.CacheRepository,
	cfg CheckoutConfig,
	metrics *Metrics,
	logger zerolog.Logger,
) *CheckoutService {
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 10 * time.Second
	}
	if cfg.CommitLockTTL <= 0 {
		cfg.CommitLockTTL = 2 * cfg.GatewayTimeout
	}
	return &CheckoutService{
		store:        store,
		orders:       orders,
		reservations: reservations,
		reconciler:   reconciler,
		gateway:      gateway,
		locks:        locks,
		cfg:          cfg,
		metrics:      metrics,
		log:          logger.With().Str("component", "checkout").Logger(),
		newBuyOrder:  newBuyOrder,
	}
}

func newBuyOrder() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:buyOrderLength]
}

// CheckoutCart tops up the cart's holds to the requested quantities, attaches
// every unattached hold of the cart to a fresh order and opens a gateway
// transaction for it.
func (s *CheckoutService) CheckoutCart(ctx context.Context, cartID string, lines []domain.ItemLine) (*CheckoutResult, error) {
	if err := validateCart(cartID); err != nil {
		return nil, err
	}
	lines = domain.MergeLines(lines)
	for _, l := range lines {
		if err := l.Validate(); err != nil {
			return nil, err
		}
	}

	if err := s.topUp(ctx, cartID, lines); err != nil {
		return nil, err
	}

	buyOrder := s.newBuyOrder()
	attached, err := s.reservations.AssociateToOrder(ctx, cartID, buyOrder)
	if err != nil {
		return nil, err
	}
	if len(attached) == 0 {
		return nil, domain.ErrEmptyCart
	}

	items, err := s.priceLines(ctx, attached)
	if err != nil {
		// holds reference an order that never got created; the reclaimer frees them
		return nil, err
	}

	order := domain.Order{
		BuyOrder:  buyOrder,
		SessionID: cartID,
		Status:    domain.OrderStatusPending,
		Items:     items,
	}
	order.Amount = order.Total()
	if err := s.orders.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order %s: %w", buyOrder, err)
	}

	tx, err := s.createTransaction(ctx, port.TransactionRequest{
		BuyOrder:  buyOrder,
		SessionID: cartID,
		Amount:    order.Amount,
		ReturnURL: s.cfg.ReturnURL,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("buy_order", buyOrder).Msg("payment could not be initiated, holds stay until TTL")
		return nil, fmt.Errorf("create transaction %s: %w", buyOrder, err)
	}

	if err := s.orders.AttachToken(ctx, buyOrder, tx.Token); err != nil {
		return nil, fmt.Errorf("attach token %s: %w", buyOrder, err)
	}

	s.log.Info().
		Str("buy_order", buyOrder).
		Str("cart_id", cartID).
		Int("amount", order.Amount).
		Msg("checkout started")

	return &CheckoutResult{
		BuyOrder:    buyOrder,
		Token:       tx.Token,
		RedirectURL: tx.RedirectURL,
		Amount:      order.Amount,
		Items:       items,
	}, nil
}

func (s *CheckoutService) topUp(ctx context.Context, cartID string, lines []domain.ItemLine) error {
	if len(lines) == 0 {
		return nil
	}
	holds, err := s.reservations.CartHolds(ctx, cartID)
	if err != nil {
		return fmt.Errorf("list cart holds: %w", err)
	}
	held := make(map[string]int, len(holds))
	for _, h := range holds {
		held[h.ItemID] += h.Quantity
	}

	var shortfall []domain.ItemLine
	for _, l := range lines {
		if missing := l.Quantity - held[l.ItemID]; missing > 0 {
			shortfall = append(shortfall, domain.ItemLine{ItemID: l.ItemID, Quantity: missing})
		}
	}
	if len(shortfall) == 0 {
		return nil
	}
	_, err = s.reservations.ReserveCart(ctx, cartID, shortfall)
	return err
}

func (s *CheckoutService) priceLines(ctx context.Context, attached []domain.Reservation) ([]domain.OrderLine, error) {
	qty := make(map[string]int)
	for _, r := range attached {
		qty[r.ItemID] += r.Quantity
	}

	lines := make([]domain.OrderLine, 0, len(qty))
	for itemID, q := range qty {
		item, err := s.store.GetItem(ctx, itemID)
		if err != nil {
			return nil, fmt.Errorf("price %s: %w", itemID, err)
		}
		lines = append(lines, domain.OrderLine{ItemID: itemID, Quantity: q, UnitPrice: item.Price})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ItemID < lines[j].ItemID })
	return lines, nil
}

func (s *CheckoutService) createTransaction(ctx context.Context, req port.TransactionRequest) (*port.Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	start := time.Now()
	tx, err := s.gateway.CreateTransaction(ctx, req)
	s.metrics.GatewayCalls.WithLabelValues("create", gatewayResult(err)).Observe(time.Since(start).Seconds())
	return tx, err
}

func (s *CheckoutService) commitTransaction(ctx context.Context, token string) (*domain.Verdict, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
	defer cancel()

	start := time.Now()
	v, err := s.gateway.CommitTransaction(ctx, token)
	s.metrics.GatewayCalls.WithLabelValues("commit", gatewayResult(err)).Observe(time.Since(start).Seconds())
	return v, err
}

func gatewayResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrGatewayTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrGatewayRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}

// ConfirmOrder commits the gateway transaction behind token and reconciles
// the verdict. An empty token is a shopper abandonment and mutates nothing.
// Repeated deliveries for an order that already has a final status return
// that status without calling the gateway again.
func (s *CheckoutService) ConfirmOrder(ctx context.Context, token string) (*Confirmation, error) {
	if token == "" {
		return &Confirmation{Status: domain.OrderStatusPending, Abandoned: true}, nil
	}

	order, err := s.orders.GetOrderByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if order.Status.Final() {
		return finalConfirmation(order), nil
	}

	owner := uuid.NewString()
	lockKey := "commit:" + token
	ok, err := s.locks.AcquireLock(ctx, lockKey, owner, s.cfg.CommitLockTTL)
	switch {
	case err != nil:
		s.log.Warn().Err(err).Str("buy_order", order.BuyOrder).Msg("commit lock unavailable, relying on status compare-and-set")
	case !ok:
		return nil, domain.ErrCommitInProgress
	default:
		defer func() {
			if err := s.locks.ReleaseLock(context.WithoutCancel(ctx), lockKey, owner); err != nil {
				s.log.Warn().Err(err).Str("buy_order", order.BuyOrder).Msg("failed to release commit lock")
			}
		}()
	}

	verdict, err := s.commitTransaction(ctx, token)
	if err != nil {
		s.log.Warn().Err(err).Str("buy_order", order.BuyOrder).Msg("payment could not be confirmed, order stays pending")
		return nil, fmt.Errorf("commit transaction %s: %w", order.BuyOrder, err)
	}
	if verdict.BuyOrder == "" {
		verdict.BuyOrder = order.BuyOrder
	}
	if verdict.BuyOrder != order.BuyOrder {
		return nil, fmt.Errorf("gateway verdict for %s does not match order %s: %w",
			verdict.BuyOrder, order.BuyOrder, domain.ErrGatewayRejected)
	}

	rec, err := s.reconciler.Apply(ctx, *verdict)
	if err != nil {
		return nil, err
	}
	return &Confirmation{
		BuyOrder:      rec.BuyOrder,
		Status:        rec.Status,
		GatewayStatus: verdict.GatewayStatus,
		Applied:       rec.Applied,
		Unfulfilled:   rec.UnfulfilledUnits,
	}, nil
}

// ConfirmAbandoned handles a return where the shopper cancelled on the
// gateway's form. Stock is left alone; the reclaimer frees it after the TTL.
func (s *CheckoutService) ConfirmAbandoned(ctx context.Context, buyOrder string) (*Confirmation, error) {
	s.log.Info().Str("buy_order", buyOrder).Msg("payment abandoned by shopper")
	if buyOrder == "" {
		return &Confirmation{Status: domain.OrderStatusPending, Abandoned: true}, nil
	}

	order, err := s.orders.GetOrder(ctx, buyOrder)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return &Confirmation{BuyOrder: buyOrder, Status: domain.OrderStatusPending, Abandoned: true}, nil
	}
	if err != nil {
		return nil, err
	}
	c := finalConfirmation(order)
	c.Abandoned = !order.Status.Final()
	return c, nil
}

func (s *CheckoutService) GetOrder(ctx context.Context, buyOrder string) (*domain.Order, error) {
	return s.orders.GetOrder(ctx, buyOrder)
}

func finalConfirmation(o *domain.Order) *Confirmation {
	return &Confirmation{
		BuyOrder:      o.BuyOrder,
		Status:        o.Status,
		GatewayStatus: o.GatewayStatus,
	}
}
