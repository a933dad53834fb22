package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

const mysqlDuplicateEntry = 1062

const reservationColumns = `id, item_id, quantity, cart_id, buy_order, state, created_at, updated_at`

const itemColumns = `id, name, description, category, image_url, price, stock, active, frozen, version, created_at, updated_at`

// MySQLAdapter implements the repositories on MySQL/InnoDB. Every stock
// mutation locks the item row with SELECT ... FOR UPDATE before touching the
// reservation row, so concurrent operations on one item serialize and
// operations on different items never wait on each other.
type MySQLAdapter struct {
	db  *sql.DB
	now func() time.Time
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db, now: time.Now}
}

func (m *MySQLAdapter) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*domain.Reservation, error) {
	var (
		r        domain.Reservation
		buyOrder sql.NullString
		state    string
	)
	if err := row.Scan(&r.ID, &r.ItemID, &r.Quantity, &r.CartID, &buyOrder, &state, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if buyOrder.Valid {
		ref := buyOrder.String
		r.BuyOrder = &ref
	}
	r.State = domain.ReservationState(state)
	return &r, nil
}

func scanItem(row rowScanner) (*domain.Item, error) {
	var it domain.Item
	err := row.Scan(&it.ID, &it.Name, &it.Description, &it.Category, &it.ImageURL,
		&it.Price, &it.Stock, &it.Active, &it.Frozen, &it.Version, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, e domain.AuditEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (item_id, delta, reason, reference, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ItemID, e.Delta, string(e.Reason), e.Reference, e.Actor, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

type lockedItem struct {
	stock   int
	active  bool
	frozen  bool
	version int64
}

func lockItem(ctx context.Context, tx *sql.Tx, itemID string) (*lockedItem, error) {
	var it lockedItem
	err := tx.QueryRowContext(ctx, `
		SELECT stock, active, frozen, version FROM items WHERE id = ? FOR UPDATE`, itemID,
	).Scan(&it.stock, &it.active, &it.frozen, &it.version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock item: %w", err)
	}
	return &it, nil
}

func (m *MySQLAdapter) GetItem(ctx context.Context, itemID string) (*domain.Item, error) {
	it, err := scanItem(m.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ?`, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query item: %w", err)
	}
	return it, nil
}

func (m *MySQLAdapter) ListItems(ctx context.Context) ([]domain.Item, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM items ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func (m *MySQLAdapter) SeedItem(ctx context.Context, item domain.Item, actor string) (*domain.Item, error) {
	if item.ID == "" {
		return nil, &domain.ValidationError{Field: "item_id", Message: "item id is required"}
	}
	if item.Stock < 0 || item.Price < 0 {
		return nil, &domain.ValidationError{Field: "stock", Message: "stock and price must not be negative"}
	}

	now := m.now()
	err := m.withTx(ctx, func(tx *sql.Tx) error {
		current, err := lockItem(ctx, tx, item.ID)
		delta := item.Stock
		switch {
		case errors.Is(err, domain.ErrItemNotFound):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO items (id, name, description, category, image_url, price, stock, active, frozen, version, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, FALSE, 1, ?, ?)`,
				item.ID, item.Name, item.Description, item.Category, item.ImageURL,
				item.Price, item.Stock, item.Active, now, now,
			)
			if err != nil {
				return fmt.Errorf("insert item: %w", err)
			}
		case err != nil:
			return err
		default:
			delta = item.Stock - current.stock
			_, err = tx.ExecContext(ctx, `
				UPDATE items
				SET name = ?, description = ?, category = ?, image_url = ?, price = ?, stock = ?, active = ?,
					version = version + 1, updated_at = ?
				WHERE id = ?`,
				item.Name, item.Description, item.Category, item.ImageURL, item.Price, item.Stock, item.Active,
				now, item.ID,
			)
			if err != nil {
				return fmt.Errorf("update item: %w", err)
			}
		}

		if delta == 0 {
			return nil
		}
		return insertAudit(ctx, tx, domain.AuditEntry{
			ItemID:    item.ID,
			Delta:     delta,
			Reason:    domain.ReasonSeed,
			Reference: item.ID,
			Actor:     actor,
			Timestamp: now,
		})
	})
	if err != nil {
		return nil, err
	}
	return m.GetItem(ctx, item.ID)
}

func (m *MySQLAdapter) Reserve(ctx context.Context, itemID string, quantity int, cartID, actor string) (*domain.Reservation, *domain.StockSnapshot, error) {
	if quantity <= 0 {
		return nil, nil, &domain.ValidationError{Field: "quantity", Message: "quantity must be positive"}
	}

	now := m.now()
	r := &domain.Reservation{
		ID:        uuid.NewString(),
		ItemID:    itemID,
		Quantity:  quantity,
		CartID:    cartID,
		State:     domain.ReservationHeld,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var snap domain.StockSnapshot

	err := m.withTx(ctx, func(tx *sql.Tx) error {
		it, err := lockItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if !it.active {
			return domain.ErrItemNotFound
		}
		if it.frozen {
			return fmt.Errorf("reserve %s: %w", itemID, domain.ErrInconsistentAudit)
		}
		if it.stock < quantity {
			return &domain.InsufficientStockError{ItemID: itemID, Requested: quantity, Available: it.stock}
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE items SET stock = stock - ?, version = version + 1, updated_at = ?
			WHERE id = ?`,
			quantity, now, itemID,
		)
		if err != nil {
			return fmt.Errorf("update inventory: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO reservations (id, item_id, quantity, cart_id, buy_order, state, created_at, updated_at)
			VALUES (?, ?, ?, ?, NULL, ?, ?, ?)`,
			r.ID, itemID, quantity, cartID, string(domain.ReservationHeld), now, now,
		)
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}

		snap = domain.StockSnapshot{ItemID: itemID, Stock: it.stock - quantity, Version: it.version + 1}
		return insertAudit(ctx, tx, domain.AuditEntry{
			ItemID:    itemID,
			Delta:     -quantity,
			Reason:    domain.ReasonReserve,
			Reference: domain.AuditReference(*r),
			Actor:     actor,
			Timestamp: now,
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return r, &snap, nil
}

func (m *MySQLAdapter) Release(ctx context.Context, reservationID string, target domain.ReservationState, reason domain.AuditReason, actor string) (*domain.Reservation, *domain.StockSnapshot, error) {
	if target != domain.ReservationReleased && target != domain.ReservationExpired {
		return nil, nil, &domain.ValidationError{Field: "state", Message: fmt.Sprintf("cannot release into %s", target)}
	}

	now := m.now()
	var (
		out  *domain.Reservation
		snap domain.StockSnapshot
	)

	err := m.withTx(ctx, func(tx *sql.Tx) error {
		var itemID string
		err := tx.QueryRowContext(ctx, `SELECT item_id FROM reservations WHERE id = ?`, reservationID).Scan(&itemID)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrReservationNotFound
		}
		if err != nil {
			return fmt.Errorf("query reservation: %w", err)
		}

		// item row first, same order as Reserve
		it, err := lockItem(ctx, tx, itemID)
		if err != nil {
			return err
		}

		r, err := scanReservation(tx.QueryRowContext(ctx,
			`SELECT `+reservationColumns+` FROM reservations WHERE id = ? FOR UPDATE`, reservationID))
		if err != nil {
			return fmt.Errorf("lock reservation: %w", err)
		}
		out = r
		if r.State != domain.ReservationHeld {
			return domain.ErrAlreadyReleased
		}
		if it.frozen {
			return fmt.Errorf("release %s: %w", reservationID, domain.ErrInconsistentAudit)
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE reservations SET state = ?, updated_at = ?
			WHERE id = ? AND state = ?`,
			string(target), now, reservationID, string(domain.ReservationHeld),
		)
		if err != nil {
			return fmt.Errorf("update reservation: %w", err)
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return domain.ErrAlreadyReleased
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE items SET stock = stock + ?, version = version + 1, updated_at = ?
			WHERE id = ?`,
			r.Quantity, now, itemID,
		)
		if err != nil {
			return fmt.Errorf("update inventory: %w", err)
		}

		r.State = target
		r.UpdatedAt = now
		snap = domain.StockSnapshot{ItemID: itemID, Stock: it.stock + r.Quantity, Version: it.version + 1}
		return insertAudit(ctx, tx, domain.AuditEntry{
			ItemID:    itemID,
			Delta:     r.Quantity,
			Reason:    reason,
			Reference: domain.AuditReference(*r),
			Actor:     actor,
			Timestamp: now,
		})
	})
	if errors.Is(err, domain.ErrAlreadyReleased) {
		return out, nil, err
	}
	if err != nil {
		return nil, nil, err
	}
	return out, &snap, nil
}

func (m *MySQLAdapter) AssociateToOrder(ctx context.Context, cartID, buyOrder string) ([]domain.Reservation, error) {
	now := m.now()
	var attached []domain.Reservation

	err := m.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+reservationColumns+` FROM reservations
			WHERE cart_id = ? AND buy_order IS NULL AND state = ?
			ORDER BY created_at, id FOR UPDATE`,
			cartID, string(domain.ReservationHeld),
		)
		if err != nil {
			return fmt.Errorf("lock cart holds: %w", err)
		}
		for rows.Next() {
			r, err := scanReservation(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan reservation: %w", err)
			}
			ref := buyOrder
			r.BuyOrder = &ref
			r.UpdatedAt = now
			attached = append(attached, *r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(attached) == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE reservations SET buy_order = ?, updated_at = ?
			WHERE cart_id = ? AND buy_order IS NULL AND state = ?`,
			buyOrder, now, cartID, string(domain.ReservationHeld),
		)
		if err != nil {
			return fmt.Errorf("associate reservations: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return attached, nil
}

func (m *MySQLAdapter) Settle(ctx context.Context, buyOrder, actor string) ([]domain.Reservation, error) {
	now := m.now()
	var settled []domain.Reservation

	err := m.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT `+reservationColumns+` FROM reservations
			WHERE buy_order = ? AND state = ?
			ORDER BY created_at, id FOR UPDATE`,
			buyOrder, string(domain.ReservationHeld),
		)
		if err != nil {
			return fmt.Errorf("lock order holds: %w", err)
		}
		for rows.Next() {
			r, err := scanReservation(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("scan reservation: %w", err)
			}
			r.State = domain.ReservationSettled
			r.UpdatedAt = now
			settled = append(settled, *r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(settled) == 0 {
			return nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE reservations SET state = ?, updated_at = ?
			WHERE buy_order = ? AND state = ?`,
			string(domain.ReservationSettled), now, buyOrder, string(domain.ReservationHeld),
		)
		if err != nil {
			return fmt.Errorf("settle reservations: %w", err)
		}

		for _, r := range settled {
			err := insertAudit(ctx, tx, domain.AuditEntry{
				ItemID:    r.ItemID,
				Delta:     0,
				Reason:    domain.ReasonSettle,
				Reference: domain.AuditReference(r),
				Actor:     actor,
				Timestamp: now,
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}

func (m *MySQLAdapter) GetReservation(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	r, err := scanReservation(m.db.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, reservationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrReservationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query reservation: %w", err)
	}
	return r, nil
}

func (m *MySQLAdapter) queryReservations(ctx context.Context, query string, args ...any) ([]domain.Reservation, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) ListCartHolds(ctx context.Context, cartID string) ([]domain.Reservation, error) {
	return m.queryReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE cart_id = ? AND buy_order IS NULL AND state = ?
		ORDER BY created_at, id`,
		cartID, string(domain.ReservationHeld),
	)
}

func (m *MySQLAdapter) ListOrderReservations(ctx context.Context, buyOrder string) ([]domain.Reservation, error) {
	return m.queryReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE buy_order = ?
		ORDER BY created_at, id`,
		buyOrder,
	)
}

func (m *MySQLAdapter) ListHeldBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Reservation, error) {
	if limit <= 0 {
		limit = 1000
	}
	return m.queryReservations(ctx, `
		SELECT `+reservationColumns+` FROM reservations
		WHERE state = ? AND created_at < ?
		ORDER BY created_at, id
		LIMIT ?`,
		string(domain.ReservationHeld), cutoff, limit,
	)
}

func (m *MySQLAdapter) AuditTrail(ctx context.Context, itemID string) ([]domain.AuditEntry, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT seq, item_id, delta, reason, reference, actor, created_at
		FROM audit_log WHERE item_id = ? ORDER BY seq`, itemID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e      domain.AuditEntry
			reason string
		)
		if err := rows.Scan(&e.Seq, &e.ItemID, &e.Delta, &reason, &e.Reference, &e.Actor, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Reason = domain.AuditReason(reason)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (m *MySQLAdapter) AuditSum(ctx context.Context, itemID string) (int, int, error) {
	var stock, sum int
	err := m.withTx(ctx, func(tx *sql.Tx) error {
		it, err := lockItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		stock = it.stock
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(SUM(delta), 0) FROM audit_log WHERE item_id = ?`, itemID,
		).Scan(&sum)
		if err != nil {
			return fmt.Errorf("sum audit: %w", err)
		}
		return nil
	})
	return stock, sum, err
}

func (m *MySQLAdapter) SetFrozen(ctx context.Context, itemID string, frozen bool) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE items SET frozen = ?, updated_at = ? WHERE id = ?`,
		frozen, m.now(), itemID,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

func (m *MySQLAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	now := m.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	var token sql.NullString
	if order.Token != "" {
		token = sql.NullString{String: order.Token, Valid: true}
	}

	return m.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (buy_order, token, session_id, status, amount, gateway_status, authorization_code, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			order.BuyOrder, token, order.SessionID, string(order.Status), order.Amount,
			order.GatewayStatus, order.AuthorizationCode, order.CreatedAt, order.CreatedAt,
		)
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return domain.ErrDuplicateOrder
		}
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for _, line := range order.Items {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (buy_order, item_id, quantity, unit_price)
				VALUES (?, ?, ?, ?)`,
				order.BuyOrder, line.ItemID, line.Quantity, line.UnitPrice,
			)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}
		return nil
	})
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, buyOrder string) (*domain.Order, error) {
	var (
		o      domain.Order
		token  sql.NullString
		status string
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT buy_order, token, session_id, status, amount, gateway_status, authorization_code, created_at, updated_at
		FROM orders WHERE buy_order = ?`, buyOrder,
	).Scan(&o.BuyOrder, &token, &o.SessionID, &status, &o.Amount, &o.GatewayStatus, &o.AuthorizationCode, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	o.Token = token.String
	o.Status = domain.OrderStatus(status)

	rows, err := m.db.QueryContext(ctx, `
		SELECT item_id, quantity, unit_price FROM order_items WHERE buy_order = ? ORDER BY item_id`, buyOrder)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line domain.OrderLine
		if err := rows.Scan(&line.ItemID, &line.Quantity, &line.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		o.Items = append(o.Items, line)
	}
	return &o, rows.Err()
}

func (m *MySQLAdapter) GetOrderByToken(ctx context.Context, token string) (*domain.Order, error) {
	var buyOrder string
	err := m.db.QueryRowContext(ctx, `SELECT buy_order FROM orders WHERE token = ?`, token).Scan(&buyOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by token: %w", err)
	}
	return m.GetOrder(ctx, buyOrder)
}

func (m *MySQLAdapter) AttachToken(ctx context.Context, buyOrder, token string) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE orders SET token = ?, updated_at = ? WHERE buy_order = ?`,
		token, m.now(), buyOrder,
	)
	if err != nil {
		return fmt.Errorf("attach token: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func (m *MySQLAdapter) TransitionStatus(ctx context.Context, buyOrder string, from domain.OrderStatus, verdict domain.Verdict) (bool, error) {
	result, err := m.db.ExecContext(ctx, `
		UPDATE orders SET status = ?, gateway_status = ?, authorization_code = ?, updated_at = ?
		WHERE buy_order = ? AND status = ?`,
		string(verdict.Outcome()), verdict.GatewayStatus, verdict.AuthorizationCode, m.now(),
		buyOrder, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("transition order: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 1 {
		return true, nil
	}

	var exists int
	err = m.db.QueryRowContext(ctx, `SELECT 1 FROM orders WHERE buy_order = ?`, buyOrder).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, domain.ErrOrderNotFound
	}
	if err != nil {
		return false, fmt.Errorf("query order: %w", err)
	}
	return false, nil
}
