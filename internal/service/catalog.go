package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/palestrababy/storefront/internal/model"
	"github.com/palestrababy/storefront/internal/shipping"
	"github.com/palestrababy/storefront/internal/validation"
	"github.com/palestrababy/storefront/internal/viacep"
)

// ListProducts возвращает активные товары каталога.
func (s *Service) ListProducts(ctx context.Context, f model.ProductFilter) ([]model.Product, error) {
	return s.repo.ListProducts(ctx, f)
}

// ProductBySlug возвращает активный товар. Неактивные товары считаются отсутствующими.
func (s *Service) ProductBySlug(ctx context.Context, slug string) (*model.Product, error) {
	p, err := s.repo.ProductBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, ErrNotFound
	}
	return p, nil
}

// OrderStatusView описывает то, что опрашивает страница подтверждения заказа.
type OrderStatusView struct {
	OrderID       uuid.UUID           `json:"order_id"`
	Status        model.OrderStatus   `json:"status"`
	PaymentMethod model.PaymentMethod `json:"payment_method"`
	Total         decimal.Decimal     `json:"total"`
	TrackingCode  string              `json:"tracking_code,omitempty"`
}

// OrderStatus возвращает публичный статус заказа.
func (s *Service) OrderStatus(ctx context.Context, orderID uuid.UUID) (*OrderStatusView, error) {
	o, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &OrderStatusView{
		OrderID:       o.ID,
		Status:        o.Status,
		PaymentMethod: o.PaymentMethod,
		Total:         o.Total,
		TrackingCode:  o.TrackingCode,
	}, nil
}

// LookupAddress находит адрес по CEP для автозаполнения формы. Оформление заказа от него не зависит:
// ErrLookupUnavailable означает, что форму заполняют вручную.
func (s *Service) LookupAddress(ctx context.Context, cep string) (*viacep.Address, error) {
	cep = validation.Digits(cep)
	if !validation.IsValidCEP(cep) {
		return nil, invalidReason("CEP inválido. Deve ter 8 dígitos.")
	}
	if s.addresses == nil {
		return nil, ErrLookupUnavailable
	}

	addr, err := s.addresses.Lookup(ctx, cep)
	if err != nil {
		if errors.Is(err, viacep.ErrNotFound) {
			return nil, ErrNotFound
		}
		s.logger.Warn("address lookup failed", zap.String("cep", cep), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrLookupUnavailable, err)
	}
	return addr, nil
}

// QuoteShipping запрашивает у агрегатора перевозчиков тарифы до req.PostalCode.
func (s *Service) QuoteShipping(ctx context.Context, req shipping.QuoteRequest) ([]shipping.Option, error) {
	req.PostalCode = validation.Digits(req.PostalCode)
	if err := validation.Struct(req); err != nil {
		return nil, invalidInput(err)
	}
	if s.rates == nil {
		return nil, ErrLookupUnavailable
	}

	opts, err := s.rates.Quote(ctx, req)
	if err != nil {
		s.logger.Warn("shipping quote failed",
			zap.String("from", s.rates.Origin()),
			zap.String("to", req.PostalCode),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrLookupUnavailable, err)
	}
	return opts, nil
}
