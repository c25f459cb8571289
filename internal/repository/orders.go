package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/palestrababy/storefront/internal/model"
)

const orderColumns = `o.id, o.customer_id, o.coupon_id, o.status, o.payment_method, o.shipping_method,
	o.subtotal, o.shipping_price, o.discount_amount, o.total,
	o.shipping_name, o.shipping_cep, o.shipping_street, o.shipping_number, COALESCE(o.shipping_complement, ''),
	o.shipping_neighborhood, o.shipping_city, o.shipping_state,
	COALESCE(o.payment_id, ''), COALESCE(o.tracking_code, ''), COALESCE(o.customer_notes, ''), COALESCE(o.admin_notes, ''),
	o.paid_at, o.shipped_at, o.delivered_at, o.cancelled_at, o.created_at, o.updated_at,
	c.name, c.email, COALESCE(c.phone, ''), COALESCE(c.cpf, '')`

const orderFrom = ` FROM orders o JOIN customers c ON c.id = o.customer_id`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o                       model.Order
		couponID                uuid.NullUUID
		status, payment, method string
	)
	a := &o.Shipping
	err := row.Scan(&o.ID, &o.CustomerID, &couponID, &status, &payment, &method,
		&o.Subtotal, &o.ShippingPrice, &o.DiscountAmount, &o.Total,
		&a.Name, &a.CEP, &a.Street, &a.Number, &a.Complement, &a.Neighborhood, &a.City, &a.State,
		&o.PaymentID, &o.TrackingCode, &o.CustomerNotes, &o.AdminNotes,
		&o.PaidAt, &o.ShippedAt, &o.DeliveredAt, &o.CancelledAt, &o.CreatedAt, &o.UpdatedAt,
		&o.CustomerName, &o.CustomerEmail, &o.CustomerPhone, &o.CustomerCPF)
	if err != nil {
		return nil, err
	}
	if couponID.Valid {
		id := couponID.UUID
		o.CouponID = &id
	}
	o.Status = model.OrderStatus(status)
	o.PaymentMethod = model.PaymentMethod(payment)
	o.ShippingMethod = model.ShippingMethod(method)
	return &o, nil
}

func collectOrders(rows pgx.Rows) ([]model.Order, error) {
	defer rows.Close()

	var res []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateOrder сохраняет заказ o со снимком сумм и адреса и заполняет ID и отметки времени.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	var couponID uuid.NullUUID
	if o.CouponID != nil {
		couponID = uuid.NullUUID{UUID: *o.CouponID, Valid: true}
	}
	a := o.Shipping

	err := r.pool.QueryRow(ctx,
		`INSERT INTO orders (customer_id, coupon_id, status, payment_method, shipping_method,
		                     subtotal, shipping_price, discount_amount, total,
		                     shipping_name, shipping_cep, shipping_street, shipping_number, shipping_complement,
		                     shipping_neighborhood, shipping_city, shipping_state, customer_notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 RETURNING id, created_at, updated_at`,
		o.CustomerID, couponID, string(o.Status), string(o.PaymentMethod), string(o.ShippingMethod),
		o.Subtotal, o.ShippingPrice, o.DiscountAmount, o.Total,
		a.Name, a.CEP, a.Street, a.Number, nullIfEmpty(a.Complement), a.Neighborhood, a.City, a.State,
		nullIfEmpty(o.CustomerNotes),
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// DeleteOrder удаляет заказ, а каскадно и его позиции с историей.
func (r *PostgresRepository) DeleteOrder(ctx context.Context, id uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete order: %w", err)
	}
	return nil
}

// CreateOrderItems сохраняет все позиции заказа в одной транзакции.
func (r *PostgresRepository) CreateOrderItems(ctx context.Context, orderID uuid.UUID, items []model.OrderItem) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, it := range items {
		batch.Queue(
			`INSERT INTO order_items (order_id, product_id, product_name, size, quantity, unit_price)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			orderID, it.ProductID, it.ProductName, it.Size, it.Quantity, it.UnitPrice,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert order items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// DeleteOrderItems удаляет все позиции заказа.
func (r *PostgresRepository) DeleteOrderItems(ctx context.Context, orderID uuid.UUID) error {
	if _, err := r.pool.Exec(ctx, `DELETE FROM order_items WHERE order_id = $1`, orderID); err != nil {
		return fmt.Errorf("delete order items: %w", err)
	}
	return nil
}

// OrderItems возвращает снимок позиций заказа.
func (r *PostgresRepository) OrderItems(ctx context.Context, orderID uuid.UUID) ([]model.OrderItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, product_id, product_name, size, quantity, unit_price
		 FROM order_items WHERE order_id = $1 ORDER BY product_name, size`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var res []model.OrderItem
	for rows.Next() {
		var it model.OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.ProductName, &it.Size, &it.Quantity, &it.UnitPrice); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		res = append(res, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// AddStatusHistory добавляет запись в историю статусов заказа.
func (r *PostgresRepository) AddStatusHistory(ctx context.Context, e *model.StatusHistoryEntry) error {
	return addStatusHistory(ctx, r.pool, e)
}

type execQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func addStatusHistory(ctx context.Context, q execQuerier, e *model.StatusHistoryEntry) error {
	var old *string
	if e.OldStatus != nil {
		s := string(*e.OldStatus)
		old = &s
	}
	err := q.QueryRow(ctx,
		`INSERT INTO order_status_history (order_id, old_status, new_status, changed_by, note)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at`,
		e.OrderID, old, string(e.NewStatus), nullIfEmpty(e.ChangedBy), nullIfEmpty(e.Note),
	).Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}

// StatusHistory возвращает историю статусов заказа, начиная со старых записей.
func (r *PostgresRepository) StatusHistory(ctx context.Context, orderID uuid.UUID) ([]model.StatusHistoryEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, order_id, old_status, new_status, COALESCE(changed_by, ''), COALESCE(note, ''), created_at
		 FROM order_status_history WHERE order_id = $1 ORDER BY created_at, id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select status history: %w", err)
	}
	defer rows.Close()

	var res []model.StatusHistoryEntry
	for rows.Next() {
		var (
			e        model.StatusHistoryEntry
			old      *string
			newValue string
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &old, &newValue, &e.ChangedBy, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status history: %w", err)
		}
		if old != nil {
			s := model.OrderStatus(*old)
			e.OldStatus = &s
		}
		e.NewStatus = model.OrderStatus(newValue)
		res = append(res, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// SetOrderPaymentID сохраняет в заказе идентификатор платежа шлюза.
func (r *PostgresRepository) SetOrderPaymentID(ctx context.Context, orderID uuid.UUID, paymentID string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET payment_id = $2, updated_at = NOW() WHERE id = $1`,
		orderID, paymentID,
	)
	if err != nil {
		return fmt.Errorf("update payment id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// GetOrder возвращает заказ с именем и email покупателя.
func (r *PostgresRepository) GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx, `SELECT `+orderColumns+orderFrom+` WHERE o.id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// TransitionOrder переводит заказ из c.From в c.To, заполняет соответствующую отметку времени,
// обновляет идентификатор платежа, если он передан, и добавляет запись истории в одной транзакции.
// Возвращает ErrStatusChanged, если заказ уже не в статусе c.From.
func (r *PostgresRepository) TransitionOrder(ctx context.Context, c model.StatusChange) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		query := `UPDATE orders
		          SET status = $3, updated_at = NOW(), payment_id = COALESCE(NULLIF($4, ''), payment_id)`
		args := []any{c.OrderID, string(c.From), string(c.To), c.PaymentID}
		if col, ok := model.TimestampField(c.To); ok {
			query += `, ` + col + ` = $5`
			args = append(args, c.At)
		}
		query += ` WHERE id = $1 AND status = $2`

		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("update order status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, c.OrderID).Scan(&exists); err != nil {
				return fmt.Errorf("check order: %w", err)
			}
			if !exists {
				return ErrOrderNotFound
			}
			return ErrStatusChanged
		}

		from := c.From
		entry := &model.StatusHistoryEntry{
			OrderID:   c.OrderID,
			OldStatus: &from,
			NewStatus: c.To,
			ChangedBy: c.ChangedBy,
			Note:      c.Note,
		}
		if err := addStatusHistory(ctx, tx, entry); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// ListOrders возвращает заказы, начиная с новых, с фильтром по статусу и времени создания.
func (r *PostgresRepository) ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error) {
	var status *string
	if f.Status != nil {
		s := string(*f.Status)
		status = &s
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+orderFrom+`
		 WHERE ($1::text IS NULL OR o.status = $1)
		   AND ($3::timestamptz IS NULL OR o.created_at < $3)
		 ORDER BY o.created_at DESC
		 LIMIT $2`,
		status, limit, f.CreatedBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	return collectOrders(rows)
}

// StalePendingOrders возвращает ожидающие заказы, созданные до cutoff и не получившие платёж.
func (r *PostgresRepository) StalePendingOrders(ctx context.Context, cutoff time.Time) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+orderFrom+`
		 WHERE o.status = $1 AND (o.payment_id IS NULL OR o.payment_id = '') AND o.created_at < $2
		 ORDER BY o.created_at`,
		string(model.OrderStatusPending), cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("select stale orders: %w", err)
	}
	return collectOrders(rows)
}

// UpdateTrackingCode устанавливает трек-номер заказа.
func (r *PostgresRepository) UpdateTrackingCode(ctx context.Context, orderID uuid.UUID, code string) error {
	return r.updateOrderText(ctx, `tracking_code`, orderID, code)
}

// UpdateAdminNotes заменяет внутренние заметки к заказу.
func (r *PostgresRepository) UpdateAdminNotes(ctx context.Context, orderID uuid.UUID, notes string) error {
	return r.updateOrderText(ctx, `admin_notes`, orderID, notes)
}

func (r *PostgresRepository) updateOrderText(ctx context.Context, column string, orderID uuid.UUID, value string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE orders SET `+column+` = $2, updated_at = NOW() WHERE id = $1`,
		orderID, nullIfEmpty(value),
	)
	if err != nil {
		return fmt.Errorf("update %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// Dashboard считает показатели главной страницы админки. LowStock заполняет вызывающий.
func (r *PostgresRepository) Dashboard(ctx context.Context) (*model.Dashboard, error) {
	var d model.Dashboard
	err := r.pool.QueryRow(ctx,
		`SELECT
		   (SELECT COUNT(*) FROM products WHERE active),
		   (SELECT COUNT(*) FROM orders),
		   (SELECT COUNT(*) FROM orders WHERE status = $1),
		   (SELECT COALESCE(SUM(total), 0) FROM orders WHERE status = ANY($2::text[]))`,
		string(model.OrderStatusPending), revenueStatuses(),
	).Scan(&d.TotalProducts, &d.TotalOrders, &d.PendingOrders, &d.TotalRevenue)
	if err != nil {
		return nil, fmt.Errorf("dashboard: %w", err)
	}
	return &d, nil
}

func revenueStatuses() []string {
	res := make([]string, 0, len(model.RevenueStatuses))
	for _, s := range model.RevenueStatuses {
		res = append(res, string(s))
	}
	return res
}
