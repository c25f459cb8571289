package model

import (
	"time"

	"github.com/google/uuid"
)

// OrderStatus описывает этап жизненного цикла заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusPreparing OrderStatus = "preparing"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusReturned  OrderStatus = "returned"
)

// основная цепочка статусов; cancelled и returned находятся вне её.
var statusRank = map[OrderStatus]int{
	OrderStatusPending:   0,
	OrderStatusConfirmed: 1,
	OrderStatusPaid:      2,
	OrderStatusPreparing: 3,
	OrderStatusShipped:   4,
	OrderStatusDelivered: 5,
}

// Valid сообщает, известен ли статус s.
func (s OrderStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok || s.IsCancellation()
}

// Rank возвращает позицию s в основной цепочке или -1 для отмены, возврата и неизвестных статусов.
func (s OrderStatus) Rank() int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return -1
}

// IsCancellation сообщает, является ли s отменой или возвратом.
func (s OrderStatus) IsCancellation() bool {
	return s == OrderStatusCancelled || s == OrderStatusReturned
}

// IsTerminal сообщает, что автоматических переходов из s больше не ожидается.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s.IsCancellation()
}

// ReachedShipment сообщает, что товар уже покинул склад.
func (s OrderStatus) ReachedShipment() bool {
	return s.Rank() >= statusRank[OrderStatusShipped]
}

// AcceptsGatewayTransition защищает статус от отката при обновлениях от платёжного шлюза.
// Переходы вперёд разрешены; в cancelled/returned можно перейти из любого статуса,
// который сам не является отменой или возвратом.
func AcceptsGatewayTransition(current, next OrderStatus) bool {
	if next.IsCancellation() {
		return !current.IsCancellation()
	}
	if current.IsCancellation() {
		return false
	}
	return next.Rank() > current.Rank()
}

// RestoresStock сообщает, нужно ли при переходе из current в next вернуть товары на склад.
func RestoresStock(current, next OrderStatus) bool {
	return next.IsCancellation() && !current.IsCancellation() && !current.ReachedShipment()
}

// ReclaimsStock сообщает, что переход из current в next возобновляет отменённый заказ
// и его товары нужно снова списать со склада.
func ReclaimsStock(current, next OrderStatus) bool {
	return current.IsCancellation() && !next.IsCancellation()
}

// LeftWarehouse сообщает, отгружался ли когда-либо заказ o. Отметки времени сохраняются
// при последующих сменах статуса, поэтому остатки такого заказа больше не двигаются.
func (o *Order) LeftWarehouse() bool {
	return o.ShippedAt != nil || o.DeliveredAt != nil || o.Status.ReachedShipment()
}

// TimestampField возвращает колонку orders, которая заполняется при переходе заказа в s.
func TimestampField(s OrderStatus) (string, bool) {
	switch s {
	case OrderStatusPaid:
		return "paid_at", true
	case OrderStatusShipped:
		return "shipped_at", true
	case OrderStatusDelivered:
		return "delivered_at", true
	case OrderStatusCancelled, OrderStatusReturned:
		return "cancelled_at", true
	}
	return "", false
}

var gatewayStatuses = map[string]OrderStatus{
	"approved":     OrderStatusPaid,
	"authorized":   OrderStatusConfirmed,
	"pending":      OrderStatusPending,
	"in_process":   OrderStatusPending,
	"in_mediation": OrderStatusPending,
	"rejected":     OrderStatusCancelled,
	"cancelled":    OrderStatusCancelled,
	"refunded":     OrderStatusReturned,
	"charged_back": OrderStatusReturned,
}

// MapGatewayStatus переводит статус платежа MercadoPago в статус заказа.
func MapGatewayStatus(status string) (OrderStatus, bool) {
	s, ok := gatewayStatuses[status]
	return s, ok
}

// RevenueStatuses перечисляет статусы, суммы которых учитываются в выручке.
var RevenueStatuses = []OrderStatus{
	OrderStatusPaid,
	OrderStatusConfirmed,
	OrderStatusPreparing,
	OrderStatusShipped,
	OrderStatusDelivered,
}

// StatusChange описывает обновление статуса по принципу compare-and-set вместе с записью истории.
type StatusChange struct {
	OrderID   uuid.UUID
	From      OrderStatus
	To        OrderStatus
	At        time.Time
	PaymentID string
	ChangedBy string
	Note      string
}
