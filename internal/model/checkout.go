package model

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CheckoutRequest описывает данные оформления заказа, отправленные со страницы checkout.
type CheckoutRequest struct {
	Customer       CustomerInput  `json:"customer"`
	Address        Address        `json:"address"`
	ShippingMethod ShippingMethod `json:"shipping_method" validate:"required,oneof=pac sedex free"`
	PaymentMethod  PaymentMethod  `json:"payment_method" validate:"required,oneof=pix credit_card"`
	Items          []CartLine     `json:"items" validate:"required,min=1,max=50,dive"`
	CouponCode     string         `json:"coupon_code,omitempty" validate:"omitempty,max=40"`
	CustomerNotes  string         `json:"customer_notes,omitempty" validate:"omitempty,max=1000"`
}

// CustomerInput содержит данные покупателя из формы оформления заказа.
type CustomerInput struct {
	Name  string `json:"name" validate:"required,min=2,max=120"`
	Email string `json:"email" validate:"required,email,max=254"`
	Phone string `json:"phone" validate:"required,phone_br"`
	CPF   string `json:"cpf" validate:"required,cpf"`
}

// CartLine описывает строку корзины. ProductName и UnitPrice приходят от клиента только для
// отображения и в расчёте цены не участвуют.
type CartLine struct {
	ProductID   uuid.UUID        `json:"product_id" validate:"required"`
	ProductName string           `json:"product_name,omitempty" validate:"-"`
	Size        string           `json:"size" validate:"required,max=20"`
	Quantity    int              `json:"quantity" validate:"required,min=1,max=99"`
	UnitPrice   *decimal.Decimal `json:"unit_price,omitempty" validate:"-"`
}

// ValidatedLine описывает строку корзины, перечитанную из каталога: цена и название достоверны.
type ValidatedLine struct {
	ProductID   uuid.UUID
	ProductName string
	Category    Category
	Size        string
	SizeID      uuid.UUID
	Quantity    int
	UnitPrice   decimal.Decimal
}

// LineTotal возвращает стоимость строки: цена за единицу, умноженная на количество.
func (l ValidatedLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}
