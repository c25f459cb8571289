package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/palestrababy/storefront/internal/mercadopago"
	"github.com/palestrababy/storefront/internal/model"
	"github.com/palestrababy/storefront/internal/repository"
)

const (
	gatewayActor         = "mercadopago"
	maxTransitionRetries = 3
)

// ReconcileOutcome описывает, что уведомление о платеже сделало с заказом.
type ReconcileOutcome string

const (
	OutcomeIgnored       ReconcileOutcome = "ignored"
	OutcomeNoReference   ReconcileOutcome = "no_reference"
	OutcomeUnknownStatus ReconcileOutcome = "unknown_status"
	OutcomeSkipped       ReconcileOutcome = "skipped"
	OutcomeApplied       ReconcileOutcome = "applied"
)

// ReconcileResult описывает результат сверки одного платежа.
type ReconcileResult struct {
	Outcome       ReconcileOutcome  `json:"outcome"`
	OrderID       uuid.UUID         `json:"order_id,omitempty"`
	From          model.OrderStatus `json:"from,omitempty"`
	To            model.OrderStatus `json:"to,omitempty"`
	PaymentStatus string            `json:"payment_status,omitempty"`
	StockRestored bool              `json:"stock_restored,omitempty"`
}

// ReconcilePayment применяет уведомление шлюза к заказу. Уведомление только указывает
// платёж, его состояние запрашивается у шлюза. Дубли и уведомления не по порядку
// отбрасываются проверкой монотонности, поэтому повторная доставка безопасна.
func (s *Service) ReconcilePayment(ctx context.Context, n mercadopago.Notification) (ReconcileResult, error) {
	if !n.IsPayment() {
		return ReconcileResult{Outcome: OutcomeIgnored}, nil
	}
	if s.gateway == nil {
		return ReconcileResult{}, fmt.Errorf("%w: %v", ErrPaymentGatewayUnavailable, mercadopago.ErrNotConfigured)
	}

	payment, err := s.gateway.GetPayment(ctx, n.DataID)
	if err != nil {
		if errors.Is(err, mercadopago.ErrNotFound) {
			s.logger.Info("webhook for unknown payment ignored", zap.String("payment_id", n.DataID))
			return ReconcileResult{Outcome: OutcomeIgnored}, nil
		}
		return ReconcileResult{}, fmt.Errorf("%w: %v", ErrPaymentGatewayUnavailable, err)
	}

	return s.reconcilePayment(ctx, payment)
}

func (s *Service) reconcilePayment(ctx context.Context, p *mercadopago.Payment) (ReconcileResult, error) {
	paymentID := strconv.FormatInt(p.ID, 10)
	log := s.logger.With(zap.String("payment_id", paymentID), zap.String("payment_status", p.Status))
	res := ReconcileResult{PaymentStatus: p.Status}

	if p.ExternalReference == "" {
		log.Info("payment without external reference ignored")
		res.Outcome = OutcomeNoReference
		return res, nil
	}
	orderID, err := uuid.Parse(p.ExternalReference)
	if err != nil {
		log.Warn("payment references a malformed order id", zap.String("external_reference", p.ExternalReference))
		return res, ErrOrderNotFound
	}
	res.OrderID = orderID
	log = log.With(zap.String("order_id", orderID.String()))

	next, ok := model.MapGatewayStatus(p.Status)
	if !ok {
		log.Info("unknown payment status acknowledged")
		res.Outcome = OutcomeUnknownStatus
		return res, nil
	}
	res.To = next

	note := fmt.Sprintf("Mercado Pago: %s (payment #%s)", p.Status, paymentID)

	for attempt := 0; attempt < maxTransitionRetries; attempt++ {
		order, err := s.repo.GetOrder(ctx, orderID)
		if err != nil {
			return res, err
		}
		res.From = order.Status

		if !model.AcceptsGatewayTransition(order.Status, next) {
			log.Info("payment status skipped", zap.String("current", string(order.Status)), zap.String("next", string(next)))
			res.Outcome = OutcomeSkipped
			return res, nil
		}

		restored, err := s.applyTransition(ctx, order, next, paymentID, gatewayActor, note)
		if errors.Is(err, repository.ErrStatusChanged) {
			continue
		}
		if err != nil {
			return res, err
		}

		log.Info("payment status applied", zap.String("from", string(order.Status)), zap.String("to", string(next)), zap.Bool("stock_restored", restored))
		res.Outcome = OutcomeApplied
		res.StockRestored = restored
		return res, nil
	}

	return res, fmt.Errorf("reconcile order %s: %w", orderID, repository.ErrStatusChanged)
}

// applyTransition переводит заказ в next. Отмена неотгруженного заказа возвращает товары на
// склад; возобновление такого заказа сначала снова их списывает и завершается ошибкой
// ErrInsufficientStock, если товара уже нет. Используется сверкой платежей и ручной сменой статуса.
func (s *Service) applyTransition(ctx context.Context, order *model.Order, next model.OrderStatus, paymentID, changedBy, note string) (bool, error) {
	log := s.logger.With(zap.String("order_id", order.ID.String()))
	shipped := order.LeftWarehouse()

	var reclaimed []model.OrderItem
	if !shipped && model.ReclaimsStock(order.Status, next) {
		items, err := s.repo.OrderItems(ctx, order.ID)
		if err != nil {
			return false, fmt.Errorf("load order items: %w", err)
		}
		if err := s.reclaimStock(ctx, log, items); err != nil {
			return false, err
		}
		reclaimed = items
	}

	err := s.repo.TransitionOrder(ctx, model.StatusChange{
		OrderID:   order.ID,
		From:      order.Status,
		To:        next,
		At:        s.now(),
		PaymentID: paymentID,
		ChangedBy: changedBy,
		Note:      note,
	})
	if err != nil {
		s.releaseStock(ctx, log, reclaimed)
		return false, err
	}
	if len(reclaimed) > 0 {
		log.Info("stock reclaimed for reopened order", zap.Int("lines", len(reclaimed)))
	}

	if shipped || !model.RestoresStock(order.Status, next) {
		return false, nil
	}

	items, err := s.repo.OrderItems(ctx, order.ID)
	if err != nil {
		log.Error("stock not restored: items unavailable", zap.Error(err))
		return false, nil
	}
	s.releaseStock(ctx, log, items)
	return true, nil
}

// reclaimStock списывает со склада все позиции или ни одной.
func (s *Service) reclaimStock(ctx context.Context, log *zap.Logger, items []model.OrderItem) error {
	for i, it := range items {
		err := s.repo.DecrementStock(ctx, it.ProductID, it.Size, it.Quantity)
		if err == nil {
			continue
		}
		s.releaseStock(ctx, log, items[:i])

		if errors.Is(err, repository.ErrInsufficientStock) {
			line := model.ValidatedLine{ProductID: it.ProductID, ProductName: it.ProductName, Size: it.Size, Quantity: it.Quantity}
			return &LineError{
				Err:         ErrInsufficientStock,
				ProductID:   it.ProductID,
				ProductName: it.ProductName,
				Size:        it.Size,
				Requested:   it.Quantity,
				Available:   s.availableStock(ctx, line),
			}
		}
		return fmt.Errorf("decrement stock: %w", err)
	}
	return nil
}

func (s *Service) releaseStock(ctx context.Context, log *zap.Logger, items []model.OrderItem) {
	for _, it := range items {
		if err := s.repo.IncrementStock(ctx, it.ProductID, it.Size, it.Quantity); err != nil {
			log.Error("stock not restored",
				zap.String("product_id", it.ProductID.String()),
				zap.String("size", it.Size),
				zap.Int("quantity", it.Quantity),
				zap.Error(err),
			)
		}
	}
}
