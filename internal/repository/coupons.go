package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/palestrababy/storefront/internal/model"
)

const couponColumns = `id, code, discount_type, discount_value, min_order_value, max_uses, used_count,
	category, active, starts_at, expires_at, created_at`

func scanCoupon(row pgx.Row) (*model.Coupon, error) {
	var (
		c            model.Coupon
		discountType string
		minOrder     decimal.NullDecimal
		category     *string
	)
	err := row.Scan(&c.ID, &c.Code, &discountType, &c.DiscountValue, &minOrder, &c.MaxUses, &c.UsedCount,
		&category, &c.Active, &c.StartsAt, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.DiscountType = model.DiscountType(discountType)
	if minOrder.Valid {
		v := minOrder.Decimal
		c.MinOrderValue = &v
	}
	if category != nil {
		cat := model.Category(*category)
		c.Category = &cat
	}
	return &c, nil
}

func couponArgs(c *model.Coupon) []any {
	var minOrder decimal.NullDecimal
	if c.MinOrderValue != nil {
		minOrder = decimal.NewNullDecimal(*c.MinOrderValue)
	}
	var category *string
	if c.Category != nil {
		s := string(*c.Category)
		category = &s
	}
	return []any{c.Code, string(c.DiscountType), c.DiscountValue, minOrder, c.MaxUses, category,
		c.Active, c.StartsAt, c.ExpiresAt}
}

// CouponByCode ищет купон по нормализованному коду без учёта регистра.
func (r *PostgresRepository) CouponByCode(ctx context.Context, code string) (*model.Coupon, error) {
	c, err := scanCoupon(r.pool.QueryRow(ctx,
		`SELECT `+couponColumns+` FROM coupons WHERE code = UPPER($1)`,
		code,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}
	return c, nil
}

// ListCoupons возвращает все купоны, начиная с новых.
func (r *PostgresRepository) ListCoupons(ctx context.Context) ([]model.Coupon, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+couponColumns+` FROM coupons ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("select coupons: %w", err)
	}
	defer rows.Close()

	var res []model.Coupon
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, fmt.Errorf("scan coupon: %w", err)
		}
		res = append(res, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}

// CreateCoupon сохраняет c и заполняет его идентификатор и время создания.
func (r *PostgresRepository) CreateCoupon(ctx context.Context, c *model.Coupon) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO coupons (code, discount_type, discount_value, min_order_value, max_uses, category,
		                      active, starts_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id, created_at`,
		couponArgs(c)...,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrCouponExists, c.Code)
		}
		return fmt.Errorf("create coupon: %w", err)
	}
	return nil
}

// UpdateCoupon перезаписывает редактируемые поля c. UsedCount не меняется.
func (r *PostgresRepository) UpdateCoupon(ctx context.Context, c *model.Coupon) error {
	args := append(couponArgs(c), c.ID)
	tag, err := r.pool.Exec(ctx,
		`UPDATE coupons
		 SET code = $1, discount_type = $2, discount_value = $3, min_order_value = $4, max_uses = $5,
		     category = $6, active = $7, starts_at = $8, expires_at = $9
		 WHERE id = $10`,
		args...,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrCouponExists, c.Code)
		}
		return fmt.Errorf("update coupon: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCouponNotFound
	}
	return nil
}

// DeleteCoupon удаляет купон. Заказы сохраняют суммы и теряют ссылку на него.
func (r *PostgresRepository) DeleteCoupon(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM coupons WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete coupon: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCouponNotFound
	}
	return nil
}

// IncrementCouponUsage учитывает одно использование купона.
func (r *PostgresRepository) IncrementCouponUsage(ctx context.Context, id uuid.UUID) error {
	var ok bool
	if err := r.pool.QueryRow(ctx, `SELECT increment_coupon_usage($1)`, id).Scan(&ok); err != nil {
		return fmt.Errorf("increment coupon usage: %w", err)
	}
	if !ok {
		return ErrCouponNotFound
	}
	return nil
}
