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

const productColumns = `id, name, slug, description, category, price, original_price, featured, active, created_at, updated_at`

func scanProduct(row pgx.Row) (*model.Product, error) {
	var (
		p        model.Product
		category string
		original decimal.NullDecimal
	)
	err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.Description, &category, &p.Price, &original,
		&p.Featured, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Category = model.Category(category)
	if original.Valid {
		v := original.Decimal
		p.OriginalPrice = &v
	}
	return &p, nil
}

// ProductsByIDs возвращает товары с указанными идентификаторами, активные и нет, по ключу id.
// Идентификаторов без строки в таблице в карте нет.
func (r *PostgresRepository) ProductsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.Product, error) {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, id.String())
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+productColumns+` FROM products WHERE id = ANY($1::uuid[])`,
		keys,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	res := make(map[uuid.UUID]*model.Product, len(ids))
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		res[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if err := r.attachSizes(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ListProducts возвращает активные товары по фильтру f с размерами в каноническом порядке.
func (r *PostgresRepository) ListProducts(ctx context.Context, f model.ProductFilter) ([]model.Product, error) {
	var category *string
	if f.Category != nil {
		c := string(*f.Category)
		category = &c
	}

	rows, err := r.pool.Query(ctx,
		`SELECT `+productColumns+`
		 FROM products
		 WHERE active
		   AND ($1::text IS NULL OR category = $1)
		   AND (NOT $2 OR featured)
		 ORDER BY featured DESC, created_at DESC`,
		category, f.Featured,
	)
	if err != nil {
		return nil, fmt.Errorf("select products: %w", err)
	}
	defer rows.Close()

	var order []uuid.UUID
	byID := make(map[uuid.UUID]*model.Product)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		order = append(order, p.ID)
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if err := r.attachSizes(ctx, byID); err != nil {
		return nil, err
	}

	res := make([]model.Product, 0, len(order))
	for _, id := range order {
		res = append(res, *byID[id])
	}
	return res, nil
}

// ProductBySlug возвращает активный товар с размерами.
func (r *PostgresRepository) ProductBySlug(ctx context.Context, slug string) (*model.Product, error) {
	p, err := scanProduct(r.pool.QueryRow(ctx,
		`SELECT `+productColumns+` FROM products WHERE slug = $1 AND active`,
		slug,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}

	if err := r.attachSizes(ctx, map[uuid.UUID]*model.Product{p.ID: p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (r *PostgresRepository) attachSizes(ctx context.Context, products map[uuid.UUID]*model.Product) error {
	if len(products) == 0 {
		return nil
	}

	keys := make([]string, 0, len(products))
	for id := range products {
		keys = append(keys, id.String())
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, product_id, size_label, stock, COALESCE(sku, '')
		 FROM product_sizes
		 WHERE product_id = ANY($1::uuid[])`,
		keys,
	)
	if err != nil {
		return fmt.Errorf("select sizes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var s model.ProductSize
		if err := rows.Scan(&s.ID, &s.ProductID, &s.Label, &s.Stock, &s.SKU); err != nil {
			return fmt.Errorf("scan size: %w", err)
		}
		if p, ok := products[s.ProductID]; ok {
			p.Sizes = append(p.Sizes, s)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	for _, p := range products {
		model.SortSizes(p.Sizes)
	}
	return nil
}

// DecrementStock атомарно списывает quantity единиц размера. Возвращает ErrInsufficientStock,
// если единиц меньше или размера не существует.
func (r *PostgresRepository) DecrementStock(ctx context.Context, productID uuid.UUID, size string, quantity int) error {
	return r.withConflictRetry(ctx, func(ctx context.Context) error {
		var ok bool
		err := r.pool.QueryRow(ctx,
			`SELECT decrement_stock($1, $2, $3)`,
			productID, size, quantity,
		).Scan(&ok)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}
		if !ok {
			return ErrInsufficientStock
		}
		return nil
	})
}

// IncrementStock возвращает quantity единиц на склад.
func (r *PostgresRepository) IncrementStock(ctx context.Context, productID uuid.UUID, size string, quantity int) error {
	return r.withConflictRetry(ctx, func(ctx context.Context) error {
		var ok bool
		err := r.pool.QueryRow(ctx,
			`SELECT increment_stock($1, $2, $3)`,
			productID, size, quantity,
		).Scan(&ok)
		if err != nil {
			return fmt.Errorf("increment stock: %w", err)
		}
		if !ok {
			return ErrNotFound
		}
		return nil
	})
}

// SetStock перезаписывает остаток размера.
func (r *PostgresRepository) SetStock(ctx context.Context, sizeID uuid.UUID, stock int) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE product_sizes SET stock = $2, updated_at = NOW() WHERE id = $1`,
		sizeID, stock,
	)
	if err != nil {
		return fmt.Errorf("update stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LowStock возвращает размеры активных товаров с остатком ниже threshold, начиная с самых редких.
func (r *PostgresRepository) LowStock(ctx context.Context, threshold, limit int) ([]model.LowStockItem, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.id, p.name, s.size_label, s.stock
		 FROM product_sizes s
		 JOIN products p ON p.id = s.product_id
		 WHERE p.active AND s.stock < $1
		 ORDER BY s.stock, p.name
		 LIMIT $2`,
		threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select low stock: %w", err)
	}
	defer rows.Close()

	var res []model.LowStockItem
	for rows.Next() {
		var it model.LowStockItem
		if err := rows.Scan(&it.SizeID, &it.ProductName, &it.SizeLabel, &it.Stock); err != nil {
			return nil, fmt.Errorf("scan low stock: %w", err)
		}
		res = append(res, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return res, nil
}
