package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/palestrababy/storefront/internal/model"
)

const sweepBatch = 100

// StartPendingSweep периодически сверяет старые ожидающие заказы со шлюзом, подхватывая
// так и не пришедшие вебхуки. Завершается при отмене ctx.
func (s *Service) StartPendingSweep(ctx context.Context, interval time.Duration) {
	if s.gateway == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepPending(ctx)
		}
	}
}

func (s *Service) sweepPending(ctx context.Context) {
	pending := model.OrderStatusPending
	cutoff := s.now().Add(-s.staleAfter)
	orders, err := s.repo.ListOrders(ctx, model.OrderFilter{Status: &pending, CreatedBefore: &cutoff, Limit: sweepBatch})
	if err != nil {
		s.logger.Warn("pending sweep: list orders", zap.Error(err))
		return
	}

	orphaned := 0
	for _, o := range orders {
		if ctx.Err() != nil {
			return
		}
		if o.PaymentID == "" {
			orphaned++
			continue
		}

		payments, err := s.gateway.SearchPayments(ctx, o.ID.String())
		if err != nil {
			s.logger.Warn("pending sweep: search payments", zap.String("order_id", o.ID.String()), zap.Error(err))
			continue
		}
		if len(payments) == 0 {
			continue
		}

		// сначала самые новые
		if _, err := s.reconcilePayment(ctx, &payments[0]); err != nil {
			s.logger.Warn("pending sweep: reconcile", zap.String("order_id", o.ID.String()), zap.Error(err))
		}
	}

	if orphaned > 0 {
		s.logger.Warn("pending orders without payment", zap.Int("count", orphaned))
	}
}
