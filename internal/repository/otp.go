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

// InvalidateOTPCodes сжигает все неиспользованные коды пользователя.
func (r *PostgresRepository) InvalidateOTPCodes(ctx context.Context, userID string) error {
	if _, err := r.pool.Exec(ctx,
		`UPDATE admin_otp_codes SET used = TRUE WHERE user_id = $1 AND NOT used`,
		userID,
	); err != nil {
		return fmt.Errorf("invalidate otp codes: %w", err)
	}
	return nil
}

// CreateOTPCode сохраняет хеш кода и заполняет его идентификатор и время создания.
func (r *PostgresRepository) CreateOTPCode(ctx context.Context, c *model.OTPCode) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO admin_otp_codes (user_id, code_hash, expires_at) VALUES ($1, $2, $3)
		 RETURNING id, attempts, used, created_at`,
		c.UserID, c.CodeHash, c.ExpiresAt,
	).Scan(&c.ID, &c.Attempts, &c.Used, &c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert otp code: %w", err)
	}
	return nil
}

// LatestActiveOTPCode возвращает последний неиспользованный код пользователя, не истёкший к now.
func (r *PostgresRepository) LatestActiveOTPCode(ctx context.Context, userID string, now time.Time) (*model.OTPCode, error) {
	var c model.OTPCode
	err := r.pool.QueryRow(ctx,
		`SELECT id, user_id, code_hash, expires_at, attempts, used, created_at
		 FROM admin_otp_codes
		 WHERE user_id = $1 AND NOT used AND expires_at > $2
		 ORDER BY created_at DESC
		 LIMIT 1`,
		userID, now,
	).Scan(&c.ID, &c.UserID, &c.CodeHash, &c.ExpiresAt, &c.Attempts, &c.Used, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoActiveOTP
		}
		return nil, fmt.Errorf("get otp code: %w", err)
	}
	return &c, nil
}

// IncrementOTPAttempts учитывает попытку проверки неиспользованного кода, у которого ещё есть
// попытки, и возвращает новое число. ErrNoActiveOTP означает, что код использован или исчерпан.
func (r *PostgresRepository) IncrementOTPAttempts(ctx context.Context, id uuid.UUID, maxAttempts int) (int, error) {
	var attempts int
	err := r.pool.QueryRow(ctx,
		`UPDATE admin_otp_codes SET attempts = attempts + 1
		 WHERE id = $1 AND NOT used AND attempts < $2
		 RETURNING attempts`,
		id, maxAttempts,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNoActiveOTP
		}
		return 0, fmt.Errorf("increment otp attempts: %w", err)
	}
	return attempts, nil
}

// MarkOTPUsed гасит код. Это удаётся только одному вызывающему, остальные получают ErrNoActiveOTP.
func (r *PostgresRepository) MarkOTPUsed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `UPDATE admin_otp_codes SET used = TRUE WHERE id = $1 AND NOT used`, id)
	if err != nil {
		return fmt.Errorf("mark otp used: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoActiveOTP
	}
	return nil
}
