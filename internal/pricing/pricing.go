// Package pricing рассчитывает суммы заказа по достоверным данным.
//
// Все функции чистые. Округление выполняется только в CouponDiscount (процентные купоны)
// и в Totals.Rounded, который формирует сохраняемый в заказе снимок с двумя знаками.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/palestrababy/storefront/internal/model"
)

var (
	pacPrice   = decimal.RequireFromString("15.90")
	sedexPrice = decimal.RequireFromString("29.90")

	// FreeShippingThreshold задаёт минимальную сумму, при которой бесплатная доставка действительно бесплатна.
	FreeShippingThreshold = decimal.NewFromInt(150)

	pixDiscountRate = decimal.RequireFromString("0.05")
	hundred         = decimal.NewFromInt(100)
)

// Totals содержит денежную разбивку заказа.
type Totals struct {
	Subtotal        decimal.Decimal
	ShippingPrice   decimal.Decimal
	DiscountAmount  decimal.Decimal
	PaymentDiscount decimal.Decimal
	Total           decimal.Decimal
}

// ShippingPrice возвращает фиксированную цену способа доставки. Бесплатный способ
// стоит как PAC, если сумма меньше FreeShippingThreshold.
func ShippingPrice(method model.ShippingMethod, subtotal decimal.Decimal) decimal.Decimal {
	switch method {
	case model.ShippingSedex:
		return sedexPrice
	case model.ShippingFree:
		if subtotal.GreaterThanOrEqual(FreeShippingThreshold) {
			return decimal.Zero
		}
		return pacPrice
	default:
		return pacPrice
	}
}

// CouponDiscount возвращает скидку купона от base, то есть от суммы до доставки,
// к которой применяется купон.
func CouponDiscount(c *model.Coupon, base decimal.Decimal) decimal.Decimal {
	if c == nil || !base.IsPositive() {
		return decimal.Zero
	}
	switch c.DiscountType {
	case model.DiscountPercentage:
		d := base.Mul(c.DiscountValue).Div(hundred).Round(2)
		return decimal.Min(d, base)
	case model.DiscountFixed:
		return decimal.Max(decimal.Zero, decimal.Min(c.DiscountValue, base))
	}
	return decimal.Zero
}

// ComputeTotals применяет доставку, скидку купона и скидку PIX именно в этом порядке.
// Скидка PIX составляет 5% от суммы после купона.
func ComputeTotals(subtotal decimal.Decimal, shipping model.ShippingMethod, payment model.PaymentMethod, discount decimal.Decimal) Totals {
	t := Totals{
		Subtotal:       subtotal,
		ShippingPrice:  ShippingPrice(shipping, subtotal),
		DiscountAmount: discount,
	}

	afterCoupon := subtotal.Add(t.ShippingPrice).Sub(discount)
	if payment == model.PaymentPix && afterCoupon.IsPositive() {
		t.PaymentDiscount = afterCoupon.Mul(pixDiscountRate)
	}

	t.Total = decimal.Max(decimal.Zero, afterCoupon.Sub(t.PaymentDiscount))
	return t
}

// Rounded возвращает снимок, сохраняемый в заказе: DiscountAmount включает скидку за способ
// оплаты, все суммы имеют два знака и Total = Subtotal + ShippingPrice - DiscountAmount, но не меньше нуля.
func (t Totals) Rounded() Totals {
	r := Totals{
		Subtotal:        t.Subtotal.Round(2),
		ShippingPrice:   t.ShippingPrice.Round(2),
		PaymentDiscount: t.PaymentDiscount.Round(2),
	}
	r.DiscountAmount = t.DiscountAmount.Add(t.PaymentDiscount).Round(2)
	r.Total = decimal.Max(decimal.Zero, r.Subtotal.Add(r.ShippingPrice).Sub(r.DiscountAmount))
	return r
}
