package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/palestrababy/storefront/internal/model"
	"github.com/palestrababy/storefront/internal/report"
	"github.com/palestrababy/storefront/internal/repository"
	"github.com/palestrababy/storefront/internal/validation"
)

const (
	lowStockThreshold = 5
	lowStockLimit     = 10
	maxAdminText      = 2000
)

// GetOrderDetail возвращает заказ вместе с позициями и историей статусов.
func (s *Service) GetOrderDetail(ctx context.Context, auth model.AuthContext, orderID uuid.UUID) (*model.Order, error) {
	if err := s.requireAdmin(auth); err != nil {
		return nil, err
	}
	return s.orderDetail(ctx, orderID)
}

func (s *Service) orderDetail(ctx context.Context, orderID uuid.UUID) (*model.Order, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Items, err = s.repo.OrderItems(ctx, orderID); err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	if order.History, err = s.repo.StatusHistory(ctx, orderID); err != nil {
		return nil, fmt.Errorf("load status history: %w", err)
	}
	return order, nil
}

// ListOrders возвращает список заказов для админки.
func (s *Service) ListOrders(ctx context.Context, auth model.AuthContext, f model.OrderFilter) ([]model.Order, error) {
	if err := s.requireAdmin(auth); err != nil {
		return nil, err
	}
	if f.Status != nil && !f.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	return s.repo.ListOrders(ctx, f)
}

// UpdateOrderStatus выполняет ручную смену статуса. Разрешён любой переход, переход в текущий
// статус ничего не делает. Отмена неотгруженного заказа возвращает товары на склад, а его
// возобновление снова их списывает.
func (s *Service) UpdateOrderStatus(ctx context.Context, auth model.AuthContext, orderID uuid.UUID, next model.OrderStatus, note string) (*model.Order, error) {
	if err := s.requireAdmin(auth); err != nil {
		return nil, err
	}
	if !next.Valid() {
		return nil, ErrInvalidStatus
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == next {
		return order, nil
	}

	note = strings.TrimSpace(note)
	if note == "" {
		note = fmt.Sprintf("Status alterado para %s", next)
	}

	restored, err := s.applyTransition(ctx, order, next, "", auth.Email, note)
	if err != nil {
		return nil, err
	}
	s.logger.Info("order status overridden",
		zap.String("order_id", orderID.String()),
		zap.String("admin", auth.PrincipalID),
		zap.String("from", string(order.Status)),
		zap.String("to", string(next)),
		zap.Bool("stock_restored", restored),
	)

	return s.orderDetail(ctx, orderID)
}

// UpdateTrackingCode устанавливает трек-номер, который видит покупатель.
func (s *Service) UpdateTrackingCode(ctx context.Context, auth model.AuthContext, orderID uuid.UUID, code string) error {
	if err := s.requireAdmin(auth); err != nil {
		return err
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) > 50 {
		return invalidReason("Código de rastreio muito longo")
	}
	return s.repo.UpdateTrackingCode(ctx, orderID, code)
}

// UpdateAdminNotes заменяет внутренние заметки к заказу.
func (s *Service) UpdateAdminNotes(ctx context.Context, auth model.AuthContext, orderID uuid.UUID, notes string) error {
	if err := s.requireAdmin(auth); err != nil {
		return err
	}
	notes = strings.TrimSpace(notes)
	if len(notes) > maxAdminText {
		return invalidReason("Observações muito longas")
	}
	return s.repo.UpdateAdminNotes(ctx, orderID, notes)
}

// StalePendingOrders возвращает ожидающие заказы старше порога, так и не получившие
// идентификатор платежа. Так бывает, если шлюз был недоступен при оформлении.
func (s *Service) StalePendingOrders(ctx context.Context, auth model.AuthContext) ([]model.Order, error) {
	if err := s.requireAdmin(auth); err != nil {
		return nil, err
	}
	return s.repo.StalePendingOrders(ctx, s.now().Add(-s.staleAfter))
}

// ExportOrders выгружает заказы в книгу XLSX.
func (s *Service) ExportOrders(ctx context.Context, auth model.AuthContext, f model.OrderFilter, w io.Writer) error {
	orders, err := s.ListOrders(ctx, auth, f)
	if err != nil {
		return err
	}
	return report.WriteOrders(w, orders)
}

// ExportStalePendingOrders выгружает зависшие ожидающие заказы в книгу XLSX.
func (s *Service) ExportStalePendingOrders(ctx context.Context, auth model.AuthContext, w io.Writer) error {
	orders, err := s.StalePendingOrders(ctx, auth)
	if err != nil {
		return err
	}
	return report.WriteOrders(w, orders)
}

// SetStock перезаписывает остаток одного размера товара.
func (s *Service) SetStock(ctx context.Context, auth model.AuthContext, sizeID uuid.UUID, stock int) error {
	if err := s.requireAdmin(auth); err != nil {
		return err
	}
	if stock < 0 {
		return invalidReason("Estoque não pode ser negativo")
	}
	return s.repo.SetStock(ctx, sizeID, stock)
}

// LowStock возвращает размеры с остатком ниже порога, начиная с самых пустых.
func (s *Service) LowStock(ctx context.Context, auth model.AuthContext, limit int) ([]model.LowStockItem, error) {
	if err := s.requireAdmin(auth); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = lowStockLimit
	}
	return s.repo.LowStock(ctx, lowStockThreshold, limit)
}

// Dashboard возвращает показатели главной страницы админки.
func (s *Service) Dashboard(ctx context.Context, auth model.AuthContext) (*model.Dashboard, error) {
	if err := s.requireAdmin(auth); err != nil {
		return nil, err
	}
	d, err := s.repo.Dashboard(ctx)
	if err != nil {
		return nil, err
	}
	if d.LowStock, err = s.repo.LowStock(ctx, lowStockThreshold, lowStockLimit); err != nil {
		return nil, fmt.Errorf("low stock: %w", err)
	}
	return d, nil
}

// CouponInput описывает форму купона в админке.
type CouponInput struct {
	Code          string             `json:"code" validate:"required,min=3,max=40"`
	DiscountType  model.DiscountType `json:"discount_type" validate:"required,oneof=percentage fixed"`
	DiscountValue decimal.Decimal    `json:"discount_value"`
	MinOrderValue *decimal.Decimal   `json:"min_order_value,omitempty"`
	MaxUses       *int               `json:"max_uses,omitempty" validate:"omitempty,min=1"`
	Category      *model.Category    `json:"category,omitempty" validate:"omitempty,oneof=bodies conjuntos acessorios kits"`
	Active        bool               `json:"active"`
	StartsAt      *time.Time         `json:"starts_at,omitempty"`
	ExpiresAt     *time.Time         `json:"expires_at,omitempty"`
}

func (in CouponInput) coupon() (*model.Coupon, error) {
	in.Code = validation.NormalizeCouponCode(in.Code)
	if err := validation.Struct(in); err != nil {
		return nil, invalidInput(err)
	}
	if !in.DiscountValue.IsPositive() {
		return nil, invalidReason("Valor do desconto deve ser positivo")
	}
	if in.DiscountType == model.DiscountPercentage && in.DiscountValue.GreaterThan(decimal.NewFromInt(100)) {
		return nil, invalidReason("Percentual não pode passar de 100")
	}
	if in.MinOrderValue != nil && in.MinOrderValue.IsNegative() {
		return nil, invalidReason("Pedido mínimo não pode ser negativo")
	}

	c := &model.Coupon{
		Code:          in.Code,
		DiscountType:  in.DiscountType,
		DiscountValue: in.DiscountValue,
		MinOrderValue: in.MinOrderValue,
		MaxUses:       in.MaxUses,
		Category:      in.Category,
		Active:        in.Active,
		StartsAt:      in.StartsAt,
		ExpiresAt:     in.ExpiresAt,
	}
	if c.StartsAt != nil && c.ExpiresAt != nil && !c.StartsAt.Before(*c.ExpiresAt) {
		return nil, invalidReason("Início da validade deve ser anterior ao fim")
	}
	return c, nil
}

// ListCoupons возвращает все купоны.
func (s *Service) ListCoupons(ctx context.Context, auth model.AuthContext) ([]model.Coupon, error) {
	if err := s.requireAdmin(auth); err != nil {
		return nil, err
	}
	return s.repo.ListCoupons(ctx)
}

// CreateCoupon добавляет купон; код сохраняется в верхнем регистре.
func (s *Service) CreateCoupon(ctx context.Context, auth model.AuthContext, in CouponInput) (*model.Coupon, error) {
	if err := s.requireAdmin(auth); err != nil {
		return nil, err
	}
	c, err := in.coupon()
	if err != nil {
		return nil, err
	}
	if err := s.repo.CreateCoupon(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// UpdateCoupon заменяет редактируемые поля купона. Счётчик использований сохраняется.
func (s *Service) UpdateCoupon(ctx context.Context, auth model.AuthContext, id uuid.UUID, in CouponInput) (*model.Coupon, error) {
	if err := s.requireAdmin(auth); err != nil {
		return nil, err
	}
	c, err := in.coupon()
	if err != nil {
		return nil, err
	}
	c.ID = id
	if err := s.repo.UpdateCoupon(ctx, c); err != nil {
		return nil, couponErr(err)
	}
	return c, nil
}

// SetCouponActive включает или выключает купон, не трогая остальные поля.
func (s *Service) SetCouponActive(ctx context.Context, auth model.AuthContext, id uuid.UUID, active bool) (*model.Coupon, error) {
	if err := s.requireAdmin(auth); err != nil {
		return nil, err
	}
	coupons, err := s.repo.ListCoupons(ctx)
	if err != nil {
		return nil, err
	}
	for i := range coupons {
		if coupons[i].ID != id {
			continue
		}
		c := &coupons[i]
		c.Active = active
		if err := s.repo.UpdateCoupon(ctx, c); err != nil {
			return nil, couponErr(err)
		}
		return c, nil
	}
	return nil, ErrNotFound
}

// DeleteCoupon удаляет купон. Заказы сохраняют снимок скидки.
func (s *Service) DeleteCoupon(ctx context.Context, auth model.AuthContext, id uuid.UUID) error {
	if err := s.requireAdmin(auth); err != nil {
		return err
	}
	return couponErr(s.repo.DeleteCoupon(ctx, id))
}

func couponErr(err error) error {
	if errors.Is(err, repository.ErrCouponNotFound) {
		return ErrNotFound
	}
	return err
}
