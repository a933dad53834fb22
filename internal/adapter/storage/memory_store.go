package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// MemoryStore implements port.InventoryRepository and port.OrderRepository
// in process. Stock and reservation state of an item change only while the
// item's slot mutex is held; the store-wide mutex guards maps, indexes and the
// audit log. Lock order is slot.mu before s.mu, never the reverse.
type MemoryStore struct {
	mu           sync.RWMutex
	items        map[string]*itemSlot
	reservations map[string]*domain.Reservation
	cartHolds    map[string]map[string]struct{} // cart -> unattached HELD reservation ids
	orderHolds   map[string][]string            // buy order -> reservation ids
	held         *btree.BTreeG[holdKey]         // HELD reservations by creation time
	audit        []domain.AuditEntry
	auditByItem  map[string][]int
	seq          int64

	ordersMu sync.RWMutex
	orders   map[string]*domain.Order
	byToken  map[string]string

	now func() time.Time
}

type itemSlot struct {
	mu   sync.Mutex
	item domain.Item
}

type holdKey struct {
	createdAt time.Time
	id        string
}

func holdLess(a, b holdKey) bool {
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.id < b.id
}

type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for reservation and audit timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		items:        make(map[string]*itemSlot),
		reservations: make(map[string]*domain.Reservation),
		cartHolds:    make(map[string]map[string]struct{}),
		orderHolds:   make(map[string][]string),
		held:         btree.NewG[holdKey](16, holdLess),
		auditByItem:  make(map[string][]int),
		orders:       make(map[string]*domain.Order),
		byToken:      make(map[string]string),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) slot(itemID string) (*itemSlot, error) {
	s.mu.RLock()
	sl, ok := s.items[itemID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrItemNotFound
	}
	return sl, nil
}

// appendAudit must be called with s.mu held for writing.
func (s *MemoryStore) appendAudit(e domain.AuditEntry) {
	s.seq++
	e.Seq = s.seq
	s.audit = append(s.audit, e)
	s.auditByItem[e.ItemID] = append(s.auditByItem[e.ItemID], len(s.audit)-1)
}

func (s *MemoryStore) GetItem(_ context.Context, itemID string) (*domain.Item, error) {
	sl, err := s.slot(itemID)
	if err != nil {
		return nil, err
	}
	sl.mu.Lock()
	item := sl.item
	sl.mu.Unlock()
	return &item, nil
}

func (s *MemoryStore) ListItems(_ context.Context) ([]domain.Item, error) {
	s.mu.RLock()
	slots := make([]*itemSlot, 0, len(s.items))
	for _, sl := range s.items {
		slots = append(slots, sl)
	}
	s.mu.RUnlock()

	items := make([]domain.Item, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		items = append(items, sl.item)
		sl.mu.Unlock()
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *MemoryStore) SeedItem(_ context.Context, item domain.Item, actor string) (*domain.Item, error) {
	if item.ID == "" {
		return nil, &domain.ValidationError{Field: "item_id", Message: "item id is required"}
	}
	if item.Stock < 0 || item.Price < 0 {
		return nil, &domain.ValidationError{Field: "stock", Message: "stock and price must not be negative"}
	}

	s.mu.Lock()
	sl, ok := s.items[item.ID]
	if !ok {
		sl = &itemSlot{item: domain.Item{ID: item.ID, CreatedAt: s.now()}}
		s.items[item.ID] = sl
	}
	s.mu.Unlock()

	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := s.now()
	delta := item.Stock - sl.item.Stock
	sl.item.Name = item.Name
	sl.item.Description = item.Description
	sl.item.Category = item.Category
	sl.item.ImageURL = item.ImageURL
	sl.item.Price = item.Price
	sl.item.Active = item.Active
	sl.item.Stock = item.Stock
	sl.item.UpdatedAt = now
	if delta != 0 {
		sl.item.Version++
		s.mu.Lock()
		s.appendAudit(domain.AuditEntry{
			ItemID:    item.ID,
			Delta:     delta,
			Reason:    domain.ReasonSeed,
			Reference: item.ID,
			Actor:     actor,
			Timestamp: now,
		})
		s.mu.Unlock()
	}
	out := sl.item
	return &out, nil
}

func (s *MemoryStore) Reserve(_ context.Context, itemID string, quantity int, cartID, actor string) (*domain.Reservation, *domain.StockSnapshot, error) {
	if quantity <= 0 {
		return nil, nil, &domain.ValidationError{Field: "quantity", Message: "quantity must be positive"}
	}
	sl, err := s.slot(itemID)
	if err != nil {
		return nil, nil, err
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if !sl.item.Active {
		return nil, nil, domain.ErrItemNotFound
	}
	if sl.item.Frozen {
		return nil, nil, fmt.Errorf("reserve %s: %w", itemID, domain.ErrInconsistentAudit)
	}
	if sl.item.Stock < quantity {
		return nil, nil, &domain.InsufficientStockError{ItemID: itemID, Requested: quantity, Available: sl.item.Stock}
	}

	now := s.now()
	r := &domain.Reservation{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		Quantity:  quantity,
		CartID:    cartID,
		State:     domain.ReservationHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}
	sl.item.Stock -= quantity
	sl.item.Version++
	sl.item.UpdatedAt = now

	s.mu.Lock()
	s.reservations[r.ID] = r
	holds, ok := s.cartHolds[cartID]
	if !ok {
		holds = make(map[string]struct{})
		s.cartHolds[cartID] = holds
	}
	holds[r.ID] = struct{}{}
	s.held.ReplaceOrInsert(holdKey{createdAt: r.CreatedAt, id: r.ID})
	s.appendAudit(domain.AuditEntry{
		ItemID:    itemID,
		Delta:     -quantity,
		Reason:    domain.ReasonReserve,
		Reference: domain.AuditReference(*r),
		Actor:     actor,
		Timestamp: now,
	})
	out := copyReservation(r)
	s.mu.Unlock()

	return out, &domain.StockSnapshot{ItemID: itemID, Stock: sl.item.Stock, Version: sl.item.Version}, nil
}

func (s *MemoryStore) Release(_ context.Context, reservationID string, target domain.ReservationState, reason domain.AuditReason, actor string) (*domain.Reservation, *domain.StockSnapshot, error) {
	if target != domain.ReservationReleased && target != domain.ReservationExpired {
		return nil, nil, &domain.ValidationError{Field: "state", Message: fmt.Sprintf("cannot release into %s", target)}
	}

	s.mu.RLock()
	r, ok := s.reservations[reservationID]
	var itemID string
	if ok {
		itemID = r.ItemID
	}
	s.mu.RUnlock()
	if !ok {
		return nil, nil, domain.ErrReservationNotFound
	}

	sl, err := s.slot(itemID)
	if err != nil {
		return nil, nil, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	// state only changes under the item lock, so this check is the CAS
	if r.State != domain.ReservationHeld {
		return copyReservation(r), nil, domain.ErrAlreadyReleased
	}
	if sl.item.Frozen {
		return nil, nil, fmt.Errorf("release %s: %w", reservationID, domain.ErrInconsistentAudit)
	}

	now := s.now()
	sl.item.Stock += r.Quantity
	sl.item.Version++
	sl.item.UpdatedAt = now

	s.mu.Lock()
	r.State = target
	r.UpdatedAt = now
	s.held.Delete(holdKey{createdAt: r.CreatedAt, id: r.ID})
	if r.BuyOrder == nil {
		delete(s.cartHolds[r.CartID], r.ID)
	}
	s.appendAudit(domain.AuditEntry{
		ItemID:    itemID,
		Delta:     r.Quantity,
		Reason:    reason,
		Reference: domain.AuditReference(*r),
		Actor:     actor,
		Timestamp: now,
	})
	out := copyReservation(r)
	s.mu.Unlock()

	return out, &domain.StockSnapshot{ItemID: itemID, Stock: sl.item.Stock, Version: sl.item.Version}, nil
}

func (s *MemoryStore) AssociateToOrder(_ context.Context, cartID, buyOrder string) ([]domain.Reservation, error) {
	s.mu.RLock()
	candidates := make([]*domain.Reservation, 0, len(s.cartHolds[cartID]))
	for id := range s.cartHolds[cartID] {
		candidates = append(candidates, s.reservations[id])
	}
	s.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	var attached []domain.Reservation
	for _, r := range candidates {
		sl, err := s.slot(r.ItemID)
		if err != nil {
			return attached, err
		}
		sl.mu.Lock()
		if r.State == domain.ReservationHeld && r.BuyOrder == nil {
			ref := buyOrder
			s.mu.Lock()
			r.BuyOrder = &ref
			r.UpdatedAt = s.now()
			delete(s.cartHolds[cartID], r.ID)
			s.orderHolds[buyOrder] = append(s.orderHolds[buyOrder], r.ID)
			attached = append(attached, *copyReservation(r))
			s.mu.Unlock()
		}
		sl.mu.Unlock()
	}
	return attached, nil
}

func (s *MemoryStore) Settle(_ context.Context, buyOrder, actor string) ([]domain.Reservation, error) {
	s.mu.RLock()
	ids := append([]string(nil), s.orderHolds[buyOrder]...)
	candidates := make([]*domain.Reservation, 0, len(ids))
	for _, id := range ids {
		candidates = append(candidates, s.reservations[id])
	}
	s.mu.RUnlock()

	var settled []domain.Reservation
	for _, r := range candidates {
		sl, err := s.slot(r.ItemID)
		if err != nil {
			return settled, err
		}
		sl.mu.Lock()
		if r.State == domain.ReservationHeld {
			now := s.now()
			s.mu.Lock()
			r.State = domain.ReservationSettled
			r.UpdatedAt = now
			s.held.Delete(holdKey{createdAt: r.CreatedAt, id: r.ID})
			s.appendAudit(domain.AuditEntry{
				ItemID:    r.ItemID,
				Delta:     0,
				Reason:    domain.ReasonSettle,
				Reference: domain.AuditReference(*r),
				Actor:     actor,
				Timestamp: now,
			})
			settled = append(settled, *copyReservation(r))
			s.mu.Unlock()
		}
		sl.mu.Unlock()
	}
	return settled, nil
}

func (s *MemoryStore) GetReservation(_ context.Context, reservationID string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[reservationID]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	return copyReservation(r), nil
}

func (s *MemoryStore) ListCartHolds(_ context.Context, cartID string) ([]domain.Reservation, error) {
	s.mu.RLock()
	out := make([]domain.Reservation, 0, len(s.cartHolds[cartID]))
	for id := range s.cartHolds[cartID] {
		out = append(out, *copyReservation(s.reservations[id]))
	}
	s.mu.RUnlock()
	sortByCreation(out)
	return out, nil
}

func (s *MemoryStore) ListOrderReservations(_ context.Context, buyOrder string) ([]domain.Reservation, error) {
	s.mu.RLock()
	out := make([]domain.Reservation, 0, len(s.orderHolds[buyOrder]))
	for _, id := range s.orderHolds[buyOrder] {
		out = append(out, *copyReservation(s.reservations[id]))
	}
	s.mu.RUnlock()
	sortByCreation(out)
	return out, nil
}

func (s *MemoryStore) ListHeldBefore(_ context.Context, cutoff time.Time, limit int) ([]domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Reservation
	s.held.Ascend(func(k holdKey) bool {
		if !k.createdAt.Before(cutoff) {
			return false
		}
		out = append(out, *copyReservation(s.reservations[k.id]))
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (s *MemoryStore) AuditTrail(_ context.Context, itemID string) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.auditByItem[itemID]
	out := make([]domain.AuditEntry, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.audit[i])
	}
	return out, nil
}

func (s *MemoryStore) AuditSum(_ context.Context, itemID string) (int, int, error) {
	sl, err := s.slot(itemID)
	if err != nil {
		return 0, 0, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()

	s.mu.RLock()
	sum := 0
	for _, i := range s.auditByItem[itemID] {
		sum += s.audit[i].Delta
	}
	s.mu.RUnlock()
	return sl.item.Stock, sum, nil
}

func (s *MemoryStore) SetFrozen(_ context.Context, itemID string, frozen bool) error {
	sl, err := s.slot(itemID)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	sl.item.Frozen = frozen
	sl.item.UpdatedAt = s.now()
	sl.mu.Unlock()
	return nil
}

func (s *MemoryStore) CreateOrder(_ context.Context, order domain.Order) error {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	if _, ok := s.orders[order.BuyOrder]; ok {
		return domain.ErrDuplicateOrder
	}
	o := copyOrder(&order)
	if o.CreatedAt.IsZero() {
		o.CreatedAt = s.now()
	}
	o.UpdatedAt = o.CreatedAt
	s.orders[o.BuyOrder] = o
	if o.Token != "" {
		s.byToken[o.Token] = o.BuyOrder
	}
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, buyOrder string) (*domain.Order, error) {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	o, ok := s.orders[buyOrder]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (s *MemoryStore) GetOrderByToken(_ context.Context, token string) (*domain.Order, error) {
	s.ordersMu.RLock()
	defer s.ordersMu.RUnlock()
	buyOrder, ok := s.byToken[token]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return copyOrder(s.orders[buyOrder]), nil
}

func (s *MemoryStore) AttachToken(_ context.Context, buyOrder, token string) error {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	o, ok := s.orders[buyOrder]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if o.Token != "" {
		delete(s.byToken, o.Token)
	}
	o.Token = token
	o.UpdatedAt = s.now()
	s.byToken[token] = buyOrder
	return nil
}

func (s *MemoryStore) TransitionStatus(_ context.Context, buyOrder string, from domain.OrderStatus, verdict domain.Verdict) (bool, error) {
	s.ordersMu.Lock()
	defer s.ordersMu.Unlock()
	o, ok := s.orders[buyOrder]
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	if o.Status != from {
		return false, nil
	}
	o.Status = verdict.Outcome()
	o.GatewayStatus = verdict.GatewayStatus
	o.AuthorizationCode = verdict.AuthorizationCode
	o.UpdatedAt = s.now()
	return true, nil
}

func copyReservation(r *domain.Reservation) *domain.Reservation {
	out := *r
	if r.BuyOrder != nil {
		ref := *r.BuyOrder
		out.BuyOrder = &ref
	}
	return &out
}

func copyOrder(o *domain.Order) *domain.Order {
	out := *o
	out.Items = append([]domain.OrderLine(nil), o.Items...)
	return &out
}

func sortByCreation(rs []domain.Reservation) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].CreatedAt.Before(rs[j].CreatedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}
