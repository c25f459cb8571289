package repository

import (
	"context"
	"fmt"

	"github.com/palestrababy/storefront/internal/model"
)

// UpsertCustomer создаёт покупателя или обновляет имя, телефон и CPF у записи с тем же email.
func (r *PostgresRepository) UpsertCustomer(ctx context.Context, c *model.Customer) error {
	return r.withRetry(ctx, func(ctx context.Context) error {
		err := r.pool.QueryRow(ctx,
			`INSERT INTO customers (name, email, phone, cpf)
			 VALUES ($1, LOWER($2), $3, $4)
			 ON CONFLICT (email) DO UPDATE
			 SET name = EXCLUDED.name, phone = EXCLUDED.phone, cpf = EXCLUDED.cpf, updated_at = NOW()
			 RETURNING id, created_at`,
			c.Name, c.Email, c.Phone, c.CPF,
		).Scan(&c.ID, &c.CreatedAt)
		if err != nil {
			return fmt.Errorf("upsert customer: %w", err)
		}
		return nil
	})
}
