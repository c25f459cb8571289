// Package model содержит доменные сущности интернет-магазина.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Category описывает закрытый набор категорий каталога.
type Category string

const (
	CategoryBodies     Category = "bodies"
	CategoryConjuntos  Category = "conjuntos"
	CategoryAcessorios Category = "acessorios"
	CategoryKits       Category = "kits"
)

// ShippingMethod определяет один из фиксированных способов доставки.
type ShippingMethod string

const (
	ShippingPAC   ShippingMethod = "pac"
	ShippingSedex ShippingMethod = "sedex"
	ShippingFree  ShippingMethod = "free"
)

// PaymentMethod определяет способ оплаты заказа.
type PaymentMethod string

const (
	PaymentPix        PaymentMethod = "pix"
	PaymentCreditCard PaymentMethod = "credit_card"
)

// DiscountType описывает, как применяется скидка купона.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// Product описывает товар каталога. Price является достоверной ценой, OriginalPrice только для витрины.
type Product struct {
	ID            uuid.UUID
	Name          string
	Slug          string
	Description   string
	Category      Category
	Price         decimal.Decimal
	OriginalPrice *decimal.Decimal
	Featured      bool
	Active        bool
	Sizes         []ProductSize
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Size возвращает размер товара по его обозначению.
func (p *Product) Size(label string) (ProductSize, bool) {
	for _, s := range p.Sizes {
		if s.Label == label {
			return s, true
		}
	}
	return ProductSize{}, false
}

// InStock сообщает, остался ли хотя бы один размер в наличии.
func (p *Product) InStock() bool {
	for _, s := range p.Sizes {
		if s.Stock > 0 {
			return true
		}
	}
	return false
}

// ProductSize хранит остаток одного размера товара.
type ProductSize struct {
	ID        uuid.UUID
	ProductID uuid.UUID
	Label     string
	Stock     int
	SKU       string
}

// Coupon описывает купон на скидку. Код хранится в верхнем регистре.
type Coupon struct {
	ID            uuid.UUID
	Code          string
	DiscountType  DiscountType
	DiscountValue decimal.Decimal
	MinOrderValue *decimal.Decimal
	MaxUses       *int
	UsedCount     int
	Category      *Category
	Active        bool
	StartsAt      *time.Time
	ExpiresAt     *time.Time
	CreatedAt     time.Time
}

// Exhausted сообщает, исчерпан ли лимит использований купона.
func (c *Coupon) Exhausted() bool {
	return c.MaxUses != nil && c.UsedCount >= *c.MaxUses
}

// InWindow сообщает, попадает ли now в период действия купона.
func (c *Coupon) InWindow(now time.Time) bool {
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return false
	}
	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		return false
	}
	return true
}

// Usable сообщает, можно ли вообще применить купон без учёта условий конкретного заказа.
func (c *Coupon) Usable(now time.Time) bool {
	return c.Active && c.InWindow(now) && !c.Exhausted()
}

// Customer описывает покупателя; повторные заказы находят его по email.
type Customer struct {
	ID        uuid.UUID
	Name      string
	Email     string
	Phone     string
	CPF       string
	CreatedAt time.Time
}

// Address содержит снимок адреса доставки, сохранённый в заказе.
type Address struct {
	Name         string `json:"name,omitempty" validate:"omitempty,max=120"`
	CEP          string `json:"cep" validate:"required,cep"`
	Street       string `json:"street" validate:"required,max=200"`
	Number       string `json:"number" validate:"required,max=20"`
	Complement   string `json:"complement,omitempty" validate:"omitempty,max=120"`
	Neighborhood string `json:"neighborhood" validate:"required,max=120"`
	City         string `json:"city" validate:"required,max=120"`
	State        string `json:"state" validate:"required,uf"`
}

// Order неизменяем после создания, кроме полей, зависящих от статуса.
type Order struct {
	ID             uuid.UUID
	CustomerID     uuid.UUID
	CouponID       *uuid.UUID
	Status         OrderStatus
	PaymentMethod  PaymentMethod
	ShippingMethod ShippingMethod
	Subtotal       decimal.Decimal
	ShippingPrice  decimal.Decimal
	DiscountAmount decimal.Decimal
	Total          decimal.Decimal
	Shipping       Address
	PaymentID      string
	TrackingCode   string
	CustomerNotes  string
	AdminNotes     string
	PaidAt         *time.Time
	ShippedAt      *time.Time
	DeliveredAt    *time.Time
	CancelledAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time

	// Данные покупателя подтягиваются join-ом; Items и History заполняются только при детальном чтении.
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	CustomerCPF   string
	Items         []OrderItem
	History       []StatusHistoryEntry
}

// OrderItem хранит снимок цены и названия одной строки заказа.
type OrderItem struct {
	ID          uuid.UUID
	OrderID     uuid.UUID
	ProductID   uuid.UUID
	ProductName string
	Size        string
	Quantity    int
	UnitPrice   decimal.Decimal
}

// LineTotal возвращает стоимость строки: цена за единицу, умноженная на количество.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// StatusHistoryEntry описывает одну запись истории изменения статуса заказа.
type StatusHistoryEntry struct {
	ID        uuid.UUID
	OrderID   uuid.UUID
	OldStatus *OrderStatus
	NewStatus OrderStatus
	ChangedBy string
	Note      string
	CreatedAt time.Time
}

// OTPCode хранит хеш одноразового кода, выданного администратору.
type OTPCode struct {
	ID        uuid.UUID
	UserID    string
	CodeHash  string
	ExpiresAt time.Time
	Attempts  int
	Used      bool
	CreatedAt time.Time
}

// OrderFilter ограничивает выборку заказов в админке.
type OrderFilter struct {
	Status        *OrderStatus
	CreatedBefore *time.Time
	Limit         int
}

// LowStockItem описывает размер, который заканчивается на складе.
type LowStockItem struct {
	SizeID      uuid.UUID `json:"size_id"`
	ProductName string    `json:"product_name"`
	SizeLabel   string    `json:"size_label"`
	Stock       int       `json:"stock"`
}

// Dashboard содержит сводные показатели главной страницы админки.
type Dashboard struct {
	TotalProducts int             `json:"total_products"`
	TotalOrders   int             `json:"total_orders"`
	PendingOrders int             `json:"pending_orders"`
	TotalRevenue  decimal.Decimal `json:"total_revenue"`
	LowStock      []LowStockItem  `json:"low_stock"`
}

// ProductFilter ограничивает публичную выдачу каталога.
type ProductFilter struct {
	Category *Category
	Featured bool
}
