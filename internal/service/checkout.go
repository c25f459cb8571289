package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/palestrababy/storefront/internal/mercadopago"
	"github.com/palestrababy/storefront/internal/model"
	"github.com/palestrababy/storefront/internal/pricing"
	"github.com/palestrababy/storefront/internal/repository"
	"github.com/palestrababy/storefront/internal/validation"
)

const (
	systemActor        = "system"
	initialHistoryNote = "Pedido criado"
)

// PlaceOrderResult возвращается странице оформления для редиректа и отображения.
type PlaceOrderResult struct {
	OrderID         uuid.UUID           `json:"order_id"`
	Status          model.OrderStatus   `json:"status"`
	PaymentMethod   model.PaymentMethod `json:"payment_method"`
	PaymentURL      string              `json:"payment_url"`
	PixQRCode       string              `json:"pix_qr_code,omitempty"`
	PixQRCodeBase64 string              `json:"pix_qr_code_base64,omitempty"`
	Subtotal        decimal.Decimal     `json:"subtotal"`
	ShippingPrice   decimal.Decimal     `json:"shipping_price"`
	DiscountAmount  decimal.Decimal     `json:"discount_amount"`
	Total           decimal.Decimal     `json:"total"`
}

type lineKey struct {
	productID uuid.UUID
	size      string
}

// ValidateCart перечитывает все товары корзины и возвращает строки с достоверными названиями
// и ценами вместе с суммой. Строки одного товара и размера объединяются, чтобы проверка
// остатка учитывала общее количество. Цены клиента игнорируются.
func (s *Service) ValidateCart(ctx context.Context, lines []model.CartLine) ([]model.ValidatedLine, decimal.Decimal, error) {
	if len(lines) == 0 {
		return nil, decimal.Zero, invalidReason("Carrinho vazio")
	}

	merged := make([]model.CartLine, 0, len(lines))
	index := make(map[lineKey]int, len(lines))
	ids := make([]uuid.UUID, 0, len(lines))
	seen := make(map[uuid.UUID]bool, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, decimal.Zero, invalidReason("Quantidade inválida")
		}
		k := lineKey{productID: l.ProductID, size: l.Size}
		if i, ok := index[k]; ok {
			merged[i].Quantity += l.Quantity
			continue
		}
		index[k] = len(merged)
		merged = append(merged, l)
		if !seen[l.ProductID] {
			seen[l.ProductID] = true
			ids = append(ids, l.ProductID)
		}
	}

	products, err := s.repo.ProductsByIDs(ctx, ids)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("load products: %w", err)
	}

	validated := make([]model.ValidatedLine, 0, len(merged))
	subtotal := decimal.Zero
	for _, l := range merged {
		p, ok := products[l.ProductID]
		if !ok || !p.Active {
			name := l.ProductName
			if ok {
				name = p.Name
			}
			return nil, decimal.Zero, &LineError{Err: ErrProductUnavailable, ProductID: l.ProductID, ProductName: name, Size: l.Size}
		}

		size, ok := p.Size(l.Size)
		if !ok {
			return nil, decimal.Zero, &LineError{Err: ErrSizeUnavailable, ProductID: p.ID, ProductName: p.Name, Size: l.Size}
		}
		if l.Quantity > size.Stock {
			return nil, decimal.Zero, &LineError{
				Err:         ErrInsufficientStock,
				ProductID:   p.ID,
				ProductName: p.Name,
				Size:        l.Size,
				Requested:   l.Quantity,
				Available:   size.Stock,
			}
		}

		v := model.ValidatedLine{
			ProductID:   p.ID,
			ProductName: p.Name,
			Category:    p.Category,
			Size:        size.Label,
			SizeID:      size.ID,
			Quantity:    l.Quantity,
			UnitPrice:   p.Price,
		}
		subtotal = subtotal.Add(v.LineTotal())
		validated = append(validated, v)
	}

	return validated, subtotal, nil
}

// ResolveCoupon загружает купон по коду и считает скидку для корзины. Пустой код означает
// отсутствие купона и нулевую скидку. Купон с ограничением по категории снижает цену только
// строк этой категории; минимальная сумма заказа сверяется
// со всей суммой корзины.
func (s *Service) ResolveCoupon(ctx context.Context, code string, lines []model.ValidatedLine, subtotal decimal.Decimal) (*model.Coupon, decimal.Decimal, error) {
	code = validation.NormalizeCouponCode(code)
	if code == "" {
		return nil, decimal.Zero, nil
	}

	c, err := s.repo.CouponByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrCouponNotFound) {
			return nil, decimal.Zero, &CouponError{Err: ErrCouponInvalid, Code: code}
		}
		return nil, decimal.Zero, fmt.Errorf("load coupon: %w", err)
	}

	if !c.Active || !c.InWindow(s.now()) {
		return nil, decimal.Zero, &CouponError{Err: ErrCouponInvalid, Code: c.Code}
	}
	if c.Exhausted() {
		return nil, decimal.Zero, &CouponError{Err: ErrCouponExhausted, Code: c.Code}
	}
	if c.MinOrderValue != nil && subtotal.LessThan(*c.MinOrderValue) {
		return nil, decimal.Zero, &CouponError{Err: ErrCouponMinimumNotMet, Code: c.Code, Min: c.MinOrderValue.StringFixed(2)}
	}

	base := subtotal
	if c.Category != nil {
		base = decimal.Zero
		for _, l := range lines {
			if l.Category == *c.Category {
				base = base.Add(l.LineTotal())
			}
		}
		if !base.IsPositive() {
			return nil, decimal.Zero, &CouponError{Err: ErrCouponInvalid, Code: c.Code}
		}
	}

	return c, pricing.CouponDiscount(c, base), nil
}

// PlaceOrder проверяет и рассчитывает заказ, записывает его, списывает остатки и открывает
// платёж. При ошибке записи уже сделанные изменения откатываются; при сбое шлюза заказ
// остаётся в ожидании без идентификатора платежа, а вызывающему возвращается *GatewayError.
func (s *Service) PlaceOrder(ctx context.Context, req *model.CheckoutRequest) (*PlaceOrderResult, error) {
	if err := validation.Checkout(req); err != nil {
		return nil, invalidInput(err)
	}

	lines, subtotal, err := s.ValidateCart(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	coupon, couponDiscount, err := s.ResolveCoupon(ctx, req.CouponCode, lines, subtotal)
	if err != nil {
		return nil, err
	}

	exact := pricing.ComputeTotals(subtotal, req.ShippingMethod, req.PaymentMethod, couponDiscount)
	totals := exact.Rounded()

	customer := &model.Customer{
		Name:  req.Customer.Name,
		Email: req.Customer.Email,
		Phone: req.Customer.Phone,
		CPF:   req.Customer.CPF,
	}
	if err := s.repo.UpsertCustomer(ctx, customer); err != nil {
		return nil, fmt.Errorf("upsert customer: %w", err)
	}

	shipping := req.Address
	if shipping.Name == "" {
		shipping.Name = customer.Name
	}
	order := &model.Order{
		CustomerID:     customer.ID,
		Status:         model.OrderStatusPending,
		PaymentMethod:  req.PaymentMethod,
		ShippingMethod: req.ShippingMethod,
		Subtotal:       totals.Subtotal,
		ShippingPrice:  totals.ShippingPrice,
		DiscountAmount: totals.DiscountAmount,
		Total:          totals.Total,
		Shipping:       shipping,
		CustomerNotes:  req.CustomerNotes,
		CustomerName:   customer.Name,
		CustomerEmail:  customer.Email,
		CustomerPhone:  customer.Phone,
		CustomerCPF:    customer.CPF,
	}
	if coupon != nil {
		id := coupon.ID
		order.CouponID = &id
	}
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	log := s.logger.With(zap.String("order_id", order.ID.String()))

	items := make([]model.OrderItem, 0, len(lines))
	for _, l := range lines {
		items = append(items, model.OrderItem{
			OrderID:     order.ID,
			ProductID:   l.ProductID,
			ProductName: l.ProductName,
			Size:        l.Size,
			Quantity:    l.Quantity,
			UnitPrice:   l.UnitPrice,
		})
	}
	if err := s.repo.CreateOrderItems(ctx, order.ID, items); err != nil {
		s.deleteOrder(ctx, log, order.ID, false)
		return nil, fmt.Errorf("create order items: %w", err)
	}
	order.Items = items

	if err := s.takeStock(ctx, log, order.ID, lines); err != nil {
		return nil, err
	}

	if coupon != nil {
		if err := s.repo.IncrementCouponUsage(ctx, coupon.ID); err != nil {
			log.Warn("coupon usage not counted", zap.String("coupon", coupon.Code), zap.Error(err))
		}
	}

	if err := s.repo.AddStatusHistory(ctx, &model.StatusHistoryEntry{
		OrderID:   order.ID,
		NewStatus: model.OrderStatusPending,
		ChangedBy: systemActor,
		Note:      initialHistoryNote,
	}); err != nil {
		log.Error("initial status history not written", zap.Error(err))
	}

	res := &PlaceOrderResult{
		OrderID:        order.ID,
		Status:         order.Status,
		PaymentMethod:  order.PaymentMethod,
		Subtotal:       totals.Subtotal,
		ShippingPrice:  totals.ShippingPrice,
		DiscountAmount: totals.DiscountAmount,
		Total:          totals.Total,
	}

	pref, err := s.openPayment(ctx, order, totals, couponDiscount)
	if err != nil {
		log.Error("payment preference not created, order left pending", zap.Error(err))
		return res, &GatewayError{OrderID: order.ID, Err: err}
	}
	res.PaymentURL = s.paymentURL(pref)
	res.PixQRCode = pref.PixQRCode
	res.PixQRCodeBase64 = pref.PixQRCodeBase64

	log.Info("order placed",
		zap.String("total", totals.Total.StringFixed(2)),
		zap.String("payment_method", string(order.PaymentMethod)),
		zap.Int("lines", len(lines)),
	)
	return res, nil
}

// takeStock списывает остатки по всем строкам. Если одну строку списать нельзя, уже списанные
// возвращаются, а заказ удаляется.
func (s *Service) takeStock(ctx context.Context, log *zap.Logger, orderID uuid.UUID, lines []model.ValidatedLine) error {
	for i, l := range lines {
		err := s.repo.DecrementStock(ctx, l.ProductID, l.Size, l.Quantity)
		if err == nil {
			continue
		}

		for _, done := range lines[:i] {
			if rerr := s.repo.IncrementStock(ctx, done.ProductID, done.Size, done.Quantity); rerr != nil {
				log.Error("stock not restored after failed checkout",
					zap.String("product_id", done.ProductID.String()),
					zap.String("size", done.Size),
					zap.Int("quantity", done.Quantity),
					zap.Error(rerr),
				)
			}
		}
		s.deleteOrder(ctx, log, orderID, true)

		if errors.Is(err, repository.ErrInsufficientStock) {
			return &LineError{
				Err:         ErrInsufficientStock,
				ProductID:   l.ProductID,
				ProductName: l.ProductName,
				Size:        l.Size,
				Requested:   l.Quantity,
				Available:   s.availableStock(ctx, l),
			}
		}
		return fmt.Errorf("decrement stock: %w", err)
	}
	return nil
}

func (s *Service) availableStock(ctx context.Context, l model.ValidatedLine) int {
	products, err := s.repo.ProductsByIDs(ctx, []uuid.UUID{l.ProductID})
	if err != nil {
		return 0
	}
	p, ok := products[l.ProductID]
	if !ok {
		return 0
	}
	size, ok := p.Size(l.Size)
	if !ok {
		return 0
	}
	return size.Stock
}

func (s *Service) deleteOrder(ctx context.Context, log *zap.Logger, orderID uuid.UUID, withItems bool) {
	if withItems {
		if err := s.repo.DeleteOrderItems(ctx, orderID); err != nil {
			log.Error("compensating delete of order items failed", zap.Error(err))
		}
	}
	if err := s.repo.DeleteOrder(ctx, orderID); err != nil {
		log.Error("compensating delete of order failed", zap.Error(err))
	}
}

func shippingLabel(m model.ShippingMethod, price decimal.Decimal) string {
	switch {
	case m == model.ShippingSedex:
		return "Frete SEDEX"
	case m == model.ShippingFree && price.IsZero():
		return "Frete grátis"
	}
	return "Frete PAC"
}

func discountLabel(couponDiscount decimal.Decimal, payment model.PaymentMethod) string {
	hasCoupon := couponDiscount.IsPositive()
	switch {
	case hasCoupon && payment == model.PaymentPix:
		return "Desconto cupom + PIX (5%)"
	case payment == model.PaymentPix:
		return "Desconto PIX (5%)"
	}
	return "Desconto cupom"
}

// openPayment создаёт в шлюзе preference для заказа и сохраняет её идентификатор.
func (s *Service) openPayment(ctx context.Context, order *model.Order, totals pricing.Totals, couponDiscount decimal.Decimal) (*mercadopago.Preference, error) {
	if s.gateway == nil {
		return nil, mercadopago.ErrNotConfigured
	}

	req := mercadopago.PreferenceRequest{
		OrderID:       order.ID.String(),
		ShippingLabel: shippingLabel(order.ShippingMethod, totals.ShippingPrice),
		ShippingPrice: totals.ShippingPrice,
		DiscountLabel: discountLabel(couponDiscount, order.PaymentMethod),
		Discount:      totals.DiscountAmount,
		Payer: mercadopago.Payer{
			Name:  order.CustomerName,
			Email: order.CustomerEmail,
			Phone: order.CustomerPhone,
			CPF:   order.CustomerCPF,
		},
		PixOnly: order.PaymentMethod == model.PaymentPix,
	}
	for _, it := range order.Items {
		req.Items = append(req.Items, mercadopago.Item{
			ID:        it.ProductID.String(),
			Title:     strings.TrimSpace(it.ProductName + " - Tam. " + it.Size),
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}

	pref, err := s.gateway.CreatePreference(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetOrderPaymentID(ctx, order.ID, pref.ID); err != nil {
		return nil, fmt.Errorf("store payment id: %w", err)
	}
	order.PaymentID = pref.ID
	return pref, nil
}

func (s *Service) paymentURL(p *mercadopago.Preference) string {
	if s.sandbox && p.SandboxInitPoint != "" {
		return p.SandboxInitPoint
	}
	return p.InitPoint
}

// RetryPayment открывает платёж для ожидающего заказа, который его не получил, обычно
// после недоступности шлюза во время оформления.
func (s *Service) RetryPayment(ctx context.Context, auth model.AuthContext, orderID uuid.UUID) (*PlaceOrderResult, error) {
	if err := s.requireAdmin(auth); err != nil {
		return nil, err
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != model.OrderStatusPending || order.PaymentID != "" {
		return nil, ErrPaymentExists
	}
	if order.Items, err = s.repo.OrderItems(ctx, orderID); err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}

	totals := pricing.Totals{
		Subtotal:       order.Subtotal,
		ShippingPrice:  order.ShippingPrice,
		DiscountAmount: order.DiscountAmount,
		Total:          order.Total,
	}
	couponDiscount := decimal.Zero
	if order.CouponID != nil {
		couponDiscount = order.DiscountAmount
	}

	pref, err := s.openPayment(ctx, order, totals, couponDiscount)
	if err != nil {
		return nil, &GatewayError{OrderID: order.ID, Err: err}
	}

	s.logger.Info("payment reopened",
		zap.String("order_id", order.ID.String()),
		zap.String("admin", auth.PrincipalID),
		zap.Duration("age", s.now().Sub(order.CreatedAt).Round(time.Second)),
	)

	return &PlaceOrderResult{
		OrderID:         order.ID,
		Status:          order.Status,
		PaymentMethod:   order.PaymentMethod,
		PaymentURL:      s.paymentURL(pref),
		PixQRCode:       pref.PixQRCode,
		PixQRCodeBase64: pref.PixQRCodeBase64,
		Subtotal:        order.Subtotal,
		ShippingPrice:   order.ShippingPrice,
		DiscountAmount:  order.DiscountAmount,
		Total:           order.Total,
	}, nil
}
