package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/safar/candy-planet/internal/database"
	"github.com/safar/candy-planet/internal/models"
)

type CreateOrderRequest struct {
	UserID     *string
	GuestToken *string
	Shipping   models.ShippingAddress
	Items      []models.CartItem
}

// TransitionResult describes what an attempted status change did.
type TransitionResult int

const (
	// TransitionApplied means the order moved out of pending.
	TransitionApplied TransitionResult = iota
	// TransitionUnchanged means the order already had the target status.
	TransitionUnchanged
	// TransitionRejected means the order is terminal with a different status.
	TransitionRejected
)

func (r TransitionResult) String() string {
	switch r {
	case TransitionApplied:
		return "applied"
	case TransitionUnchanged:
		return "unchanged"
	default:
		return "rejected"
	}
}

type OrderStore struct {
	db *sql.DB
}

func NewOrderStore(db *sql.DB) *OrderStore {
	return &OrderStore{db: db}
}

const orderColumns = `id, user_id, guest_token, status, subtotal_cents, shipping_address,
	payment_provider, payment_session_id, created_at, updated_at`

func scanOrder(row scanner, order *models.Order) error {
	var shipping []byte
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.GuestToken,
		&order.Status,
		&order.SubtotalCents,
		&shipping,
		&order.PaymentProvider,
		&order.PaymentSessionID,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(shipping, &order.Shipping); err != nil {
		return fmt.Errorf("decode shipping address: %w", err)
	}
	return nil
}

// Create writes the order row and all of its items in one transaction.
// The subtotal is computed from the items, so the two always agree.
func (s *OrderStore) Create(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	if len(req.Items) == 0 {
		return nil, errors.New("create order: no items")
	}

	shipping, err := json.Marshal(req.Shipping)
	if err != nil {
		return nil, fmt.Errorf("encode shipping address: %w", err)
	}

	var subtotal int64
	for _, item := range req.Items {
		subtotal += item.LineTotal()
	}

	var order *models.Order

	err = database.WithRetry(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		order = &models.Order{}
		err := scanOrder(tx.QueryRowContext(ctx,
			`INSERT INTO orders (user_id, guest_token, status, subtotal_cents, shipping_address, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
			 RETURNING `+orderColumns,
			req.UserID, req.GuestToken, models.OrderStatusPending, subtotal, shipping), order)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		items, err := insertOrderItems(ctx, tx, order.ID, req.Items)
		if err != nil {
			return err
		}
		order.Items = items

		return nil
	})

	if err != nil {
		return nil, err
	}

	return order, nil
}

// insertOrderItems writes every item with a single multi-row insert.
func insertOrderItems(ctx context.Context, tx *sql.Tx, orderID uuid.UUID, cartItems []models.CartItem) ([]models.OrderItem, error) {
	const columns = 5
	placeholders := make([]string, 0, len(cartItems))
	args := make([]any, 0, len(cartItems)*columns)

	for i, item := range cartItems {
		base := i * columns
		placeholders = append(placeholders,
			fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, NOW())", base+1, base+2, base+3, base+4, base+5))
		args = append(args, orderID, item.ProductID, item.Name, item.Quantity, item.PriceCents)
	}

	query := `INSERT INTO order_items (order_id, product_id, product_name, quantity, price_cents, created_at)
		VALUES ` + strings.Join(placeholders, ", ") + `
		RETURNING id, order_id, product_id, product_name, quantity, price_cents, created_at`

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("create order items: %w", err)
	}
	defer rows.Close()

	items := make([]models.OrderItem, 0, len(cartItems))
	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName,
			&item.Quantity, &item.PriceCents, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

func (s *OrderStore) Get(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	order := &models.Order{}

	err := scanOrder(s.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, id), order)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := loadItems(ctx, s.db, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	order.Items = items[id]

	return order, nil
}

// GetBySession finds the order that was handed to the given provider session.
func (s *OrderStore) GetBySession(ctx context.Context, provider, sessionID string) (*models.Order, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM orders WHERE payment_provider = $1 AND payment_session_id = $2`,
		provider, sessionID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, database.ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order by session: %w", err)
	}

	return s.Get(ctx, id)
}

// AttachPaymentSession records the provider session paying for an order. A
// session id already attached to another order is ErrSessionTaken.
func (s *OrderStore) AttachPaymentSession(ctx context.Context, id uuid.UUID, provider, sessionID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE orders SET payment_provider = $1, payment_session_id = $2, updated_at = NOW() WHERE id = $3`,
		provider, sessionID, id)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrSessionTaken
		}
		return fmt.Errorf("attach payment session: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return database.ErrOrderNotFound
	}

	return nil
}

// TransitionStatus moves a pending order to a terminal status.
func (s *OrderStore) TransitionStatus(ctx context.Context, id uuid.UUID, to models.OrderStatus) (TransitionResult, error) {
	return transitionStatus(ctx, s.db, id, to)
}

func transitionStatus(ctx context.Context, db database.DBTX, id uuid.UUID, to models.OrderStatus) (TransitionResult, error) {
	if to != models.OrderStatusPaid && to != models.OrderStatusFailed {
		return TransitionRejected, database.ErrInvalidTransition
	}

	var updated uuid.UUID
	err := db.QueryRowContext(ctx,
		`UPDATE orders SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status = $3
		 RETURNING id`,
		to, id, models.OrderStatusPending).Scan(&updated)
	if err == nil {
		return TransitionApplied, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return TransitionRejected, fmt.Errorf("update order status: %w", err)
	}

	var current models.OrderStatus
	err = db.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TransitionRejected, database.ErrOrderNotFound
		}
		return TransitionRejected, fmt.Errorf("read order status: %w", err)
	}

	if current == to {
		return TransitionUnchanged, nil
	}
	return TransitionRejected, nil
}

// ClaimCartClear marks the paid order's cart as cleared. It reports true only
// for the first caller, so the owner's cart is emptied once per order.
func (s *OrderStore) ClaimCartClear(ctx context.Context, id uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE orders SET cart_cleared_at = NOW()
		 WHERE id = $1 AND status = $2 AND cart_cleared_at IS NULL`,
		id, models.OrderStatusPaid)
	if err != nil {
		return false, fmt.Errorf("claim cart clear: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}

	return rowsAffected == 1, nil
}

// ListCursor pages through orders newest first, each with its items.
// An empty status lists every order.
func (s *OrderStore) ListCursor(ctx context.Context, status models.OrderStatus, cursor string, limit int) (*CursorPage, error) {
	cursorData, err := DecodeCursor(cursor)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE ($1 = '' OR status = $1)
		  AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4`

	rows, err := s.db.QueryContext(ctx, query, status, cursorData.CreatedAt, cursorData.ID, limit+1)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := []models.Order{}
	for rows.Next() {
		var order models.Order
		if err := scanOrder(rows, &order); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	hasMore := len(orders) > limit
	if hasMore {
		orders = orders[:limit]
	}

	ids := make([]uuid.UUID, len(orders))
	for i := range orders {
		ids[i] = orders[i].ID
	}
	items, err := loadItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}

	var nextCursor string
	if hasMore && len(orders) > 0 {
		lastOrder := orders[len(orders)-1]
		nextCursor = EncodeCursor(OrderCursor{
			CreatedAt: lastOrder.CreatedAt,
			ID:        lastOrder.ID,
		})
	}

	return &CursorPage{
		Items:      orders,
		NextCursor: nextCursor,
		HasMore:    hasMore,
	}, nil
}

// loadItems fetches the items of several orders at once. Items without a
// name snapshot fall back to the live product name.
func loadItems(ctx context.Context, db database.DBTX, orderIDs []uuid.UUID) (map[uuid.UUID][]models.OrderItem, error) {
	result := make(map[uuid.UUID][]models.OrderItem, len(orderIDs))
	if len(orderIDs) == 0 {
		return result, nil
	}

	ids := make([]string, len(orderIDs))
	for i, id := range orderIDs {
		ids[i] = id.String()
	}

	rows, err := db.QueryContext(ctx, `
		SELECT oi.id, oi.order_id, oi.product_id,
		       COALESCE(NULLIF(oi.product_name, ''), p.name, 'Unknown Product'),
		       oi.quantity, oi.price_cents, oi.created_at
		FROM order_items oi
		LEFT JOIN products p ON p.id = oi.product_id
		WHERE oi.order_id = ANY($1::uuid[])
		ORDER BY oi.id`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("get order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item models.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.ProductName,
			&item.Quantity, &item.PriceCents, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		result[item.OrderID] = append(result[item.OrderID], item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return result, nil
}

// Delete removes an order's items and then the order itself. Either both go or neither does.
func (s *OrderStore) Delete(ctx context.Context, id uuid.UUID) error {
	return database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM order_items WHERE order_id = $1`, id); err != nil {
			return fmt.Errorf("delete order items: %w", err)
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete order: %w", err)
		}

		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return database.ErrOrderNotFound
		}

		return nil
	})
}

// ExpireNextPending claims the oldest pending order created before cutoff and
// marks it failed. Concurrent sweepers skip rows another sweeper holds.
// It returns ErrOrderNotFound when nothing is left to expire.
func (s *OrderStore) ExpireNextPending(ctx context.Context, cutoff time.Time) (*models.Order, error) {
	var order *models.Order

	err := database.WithTransaction(ctx, s.db, database.DefaultTxOptions(), func(tx *sql.Tx) error {
		order = &models.Order{}
		err := scanOrder(tx.QueryRowContext(ctx, `
			SELECT `+orderColumns+`
			FROM orders
			WHERE status = $1 AND created_at < $2
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1`,
			models.OrderStatusPending, cutoff), order)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return database.ErrOrderNotFound
			}
			return fmt.Errorf("get next pending order: %w", err)
		}

		if _, err := transitionStatus(ctx, tx, order.ID, models.OrderStatusFailed); err != nil {
			return err
		}
		order.Status = models.OrderStatusFailed

		return nil
	})

	if err != nil {
		return nil, err
	}

	return order, nil
}

// Metrics summarises the shop for the admin dashboard. Revenue and best
// seller only count paid orders.
func (s *OrderStore) Metrics(ctx context.Context) (*models.Metrics, error) {
	metrics := &models.Metrics{}

	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM products),
			(SELECT COUNT(*) FROM orders),
			(SELECT COALESCE(SUM(oi.price_cents * oi.quantity), 0)
			   FROM order_items oi JOIN orders o ON o.id = oi.order_id
			  WHERE o.status = $1)`,
		models.OrderStatusPaid).Scan(&metrics.TotalProducts, &metrics.TotalOrders, &metrics.RevenueCents)
	if err != nil {
		return nil, fmt.Errorf("read metrics: %w", err)
	}

	best := &models.BestSeller{}
	err = s.db.QueryRowContext(ctx, `
		SELECT oi.product_id,
		       COALESCE(MAX(p.name), MAX(NULLIF(oi.product_name, '')), 'Unknown Product'),
		       SUM(oi.quantity) AS sold
		FROM order_items oi
		JOIN orders o ON o.id = oi.order_id
		LEFT JOIN products p ON p.id = oi.product_id
		WHERE o.status = $1
		GROUP BY oi.product_id
		ORDER BY sold DESC, oi.product_id
		LIMIT 1`,
		models.OrderStatusPaid).Scan(&best.ProductID, &best.Name, &best.Quantity)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("read best seller: %w", err)
	default:
		metrics.BestSeller = best
	}

	return metrics, nil
}
