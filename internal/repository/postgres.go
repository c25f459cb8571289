// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrNotFound возвращается, если строка каталога не найдена.
	ErrNotFound = errors.New("not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrCouponNotFound возвращается, если купона с таким кодом нет.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrCouponExists возвращается при создании купона с уже занятым кодом.
	ErrCouponExists = errors.New("coupon code already exists")
	// ErrInsufficientStock возвращается, если списание увело бы остаток ниже нуля.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrNoActiveOTP возвращается, если у пользователя нет неиспользованного и неистёкшего кода.
	ErrNoActiveOTP = errors.New("no active otp code")
	// ErrStatusChanged возвращается, если заказ покинул ожидаемый статус до обновления.
	ErrStatusChanged = errors.New("order status changed concurrently")
)

// PostgresRepository предоставляет транзакционный доступ к хранилищу магазина.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository подключается к dsn и применяет встроенные миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn при ошибках сериализации, дедлоках и обрывах соединения.
// Подходит только для идемпотентных запросов.
func (r *PostgresRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retryOn(ctx, isRetryable, fn)
}

// withConflictRetry повторяет fn, только если сервер откатил транзакцию. После обрыва соединения
// неизвестно, применился ли запрос, поэтому счётчики никогда не идут через withRetry.
func (r *PostgresRepository) withConflictRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	return retryOn(ctx, isConflict, fn)
}

func retryOn(ctx context.Context, retryable func(error) bool, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isConflict(err)
	}

	return isConnectionError(err)
}

func isConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}
