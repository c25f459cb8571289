package handler

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/palestrababy/storefront/internal/model"
	"github.com/palestrababy/storefront/internal/report"
	"github.com/palestrababy/storefront/internal/service"
)

type verifyOTPRequest struct {
	Code string `json:"code"`
}

// SendOTP отправляет вошедшему администратору новый одноразовый код.
func (h *Handler) SendOTP(w http.ResponseWriter, r *http.Request) {
	sent, err := h.service.SendOTP(r.Context(), authFrom(r))
	if err != nil {
		h.writeError(w, r, "send otp error", err)
		return
	}
	writeJSON(w, http.StatusOK, sent)
}

// VerifyOTP проверяет код и при успехе устанавливает MFA cookie.
func (h *Handler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req verifyOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "Código inválido. Deve ter 6 dígitos.")
		return
	}

	auth := authFrom(r)
	verified, err := h.service.VerifyOTP(r.Context(), auth, req.Code)
	if err != nil {
		h.writeError(w, r, "verify otp error", err)
		return
	}

	h.mfa.Set(w, auth.PrincipalID, verified.VerifiedUntil.Add(-service.MFAWindow))
	h.logger.Info("admin mfa verified", zap.String("user_id", auth.PrincipalID))
	writeJSON(w, http.StatusOK, verified)
}

// Dashboard возвращает показатели главной страницы админки.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Dashboard(r.Context(), authFrom(r))
	if err != nil {
		h.writeError(w, r, "dashboard error", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type itemResponse struct {
	ProductID   uuid.UUID `json:"product_id"`
	ProductName string    `json:"product_name"`
	Size        string    `json:"size"`
	Quantity    int       `json:"quantity"`
	UnitPrice   string    `json:"unit_price"`
	LineTotal   string    `json:"line_total"`
}

type historyResponse struct {
	OldStatus *model.OrderStatus `json:"old_status,omitempty"`
	NewStatus model.OrderStatus  `json:"new_status"`
	ChangedBy string             `json:"changed_by,omitempty"`
	Note      string             `json:"note,omitempty"`
	CreatedAt string             `json:"created_at"`
}

type orderResponse struct {
	ID             uuid.UUID            `json:"id"`
	Status         model.OrderStatus    `json:"status"`
	PaymentMethod  model.PaymentMethod  `json:"payment_method"`
	ShippingMethod model.ShippingMethod `json:"shipping_method"`
	Subtotal       string               `json:"subtotal"`
	ShippingPrice  string               `json:"shipping_price"`
	DiscountAmount string               `json:"discount_amount"`
	Total          string               `json:"total"`
	CustomerName   string               `json:"customer_name"`
	CustomerEmail  string               `json:"customer_email"`
	CustomerPhone  string               `json:"customer_phone,omitempty"`
	CustomerCPF    string               `json:"customer_cpf,omitempty"`
	Shipping       model.Address        `json:"shipping_address"`
	PaymentID      string               `json:"payment_id,omitempty"`
	TrackingCode   string               `json:"tracking_code,omitempty"`
	CustomerNotes  string               `json:"customer_notes,omitempty"`
	AdminNotes     string               `json:"admin_notes,omitempty"`
	CreatedAt      string               `json:"created_at"`
	PaidAt         *string              `json:"paid_at,omitempty"`
	ShippedAt      *string              `json:"shipped_at,omitempty"`
	DeliveredAt    *string              `json:"delivered_at,omitempty"`
	CancelledAt    *string              `json:"cancelled_at,omitempty"`
	Items          []itemResponse       `json:"items,omitempty"`
	History        []historyResponse    `json:"history,omitempty"`
}

func timestamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(time.RFC3339)
	return &s
}

func newOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		ID:             o.ID,
		Status:         o.Status,
		PaymentMethod:  o.PaymentMethod,
		ShippingMethod: o.ShippingMethod,
		Subtotal:       money(o.Subtotal),
		ShippingPrice:  money(o.ShippingPrice),
		DiscountAmount: money(o.DiscountAmount),
		Total:          money(o.Total),
		CustomerName:   o.CustomerName,
		CustomerEmail:  o.CustomerEmail,
		CustomerPhone:  o.CustomerPhone,
		CustomerCPF:    o.CustomerCPF,
		Shipping:       o.Shipping,
		PaymentID:      o.PaymentID,
		TrackingCode:   o.TrackingCode,
		CustomerNotes:  o.CustomerNotes,
		AdminNotes:     o.AdminNotes,
		CreatedAt:      o.CreatedAt.Format(time.RFC3339),
		PaidAt:         timestamp(o.PaidAt),
		ShippedAt:      timestamp(o.ShippedAt),
		DeliveredAt:    timestamp(o.DeliveredAt),
		CancelledAt:    timestamp(o.CancelledAt),
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, itemResponse{
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Size:        it.Size,
			Quantity:    it.Quantity,
			UnitPrice:   money(it.UnitPrice),
			LineTotal:   money(it.LineTotal()),
		})
	}
	for _, e := range o.History {
		resp.History = append(resp.History, historyResponse{
			OldStatus: e.OldStatus,
			NewStatus: e.NewStatus,
			ChangedBy: e.ChangedBy,
			Note:      e.Note,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	return resp
}

func writeOrders(w http.ResponseWriter, orders []model.Order) {
	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, newOrderResponse(&orders[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func orderFilter(r *http.Request) (model.OrderFilter, error) {
	var f model.OrderFilter
	q := r.URL.Query()
	if s := q.Get("status"); s != "" {
		st := model.OrderStatus(s)
		f.Status = &st
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", l)
		}
		f.Limit = n
	}
	return f, nil
}

// ListOrders возвращает заказы, начиная с новых, с фильтрами ?status= и ?limit=.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	f, err := orderFilter(r)
	if err != nil {
		badRequest(w, "Parâmetros inválidos")
		return
	}

	orders, err := h.service.ListOrders(r.Context(), authFrom(r), f)
	if err != nil {
		h.writeError(w, r, "list orders error", err)
		return
	}
	writeOrders(w, orders)
}

// GetOrder возвращает заказ с позициями и историей статусов.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	order, err := h.service.GetOrderDetail(r.Context(), authFrom(r), id)
	if err != nil {
		h.writeError(w, r, "get order error", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

type statusRequest struct {
	Status model.OrderStatus `json:"status"`
	Note   string            `json:"note"`
}

// UpdateOrderStatus выполняет ручную смену статуса.
func (h *Handler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "Dados incompletos")
		return
	}

	order, err := h.service.UpdateOrderStatus(r.Context(), authFrom(r), id, req.Status, req.Note)
	if err != nil {
		h.writeError(w, r, "update order status error", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

type trackingRequest struct {
	TrackingCode string `json:"tracking_code"`
}

// UpdateTrackingCode устанавливает трек-номер перевозчика.
func (h *Handler) UpdateTrackingCode(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req trackingRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "Dados incompletos")
		return
	}

	if err := h.service.UpdateTrackingCode(r.Context(), authFrom(r), id, req.TrackingCode); err != nil {
		h.writeError(w, r, "update tracking code error", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type notesRequest struct {
	Notes string `json:"notes"`
}

// UpdateAdminNotes заменяет внутренние заметки к заказу.
func (h *Handler) UpdateAdminNotes(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req notesRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "Dados incompletos")
		return
	}

	if err := h.service.UpdateAdminNotes(r.Context(), authFrom(r), id, req.Notes); err != nil {
		h.writeError(w, r, "update admin notes error", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RetryPayment открывает платёж для ожидающего заказа, при оформлении которого шлюз был недоступен.
func (h *Handler) RetryPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	result, err := h.service.RetryPayment(r.Context(), authFrom(r), id)
	if err != nil {
		h.writeError(w, r, "retry payment error", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// StalePendingOrders возвращает ожидающие заказы, так и не получившие платёж.
func (h *Handler) StalePendingOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.StalePendingOrders(r.Context(), authFrom(r))
	if err != nil {
		h.writeError(w, r, "stale pending orders error", err)
		return
	}
	writeOrders(w, orders)
}

func writeWorkbook(w http.ResponseWriter, name string, buf *bytes.Buffer) {
	w.Header().Set("Content-Type", report.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

// ExportOrders отдаёт отфильтрованный список заказов в формате XLSX.
func (h *Handler) ExportOrders(w http.ResponseWriter, r *http.Request) {
	f, err := orderFilter(r)
	if err != nil {
		badRequest(w, "Parâmetros inválidos")
		return
	}

	var buf bytes.Buffer
	if err := h.service.ExportOrders(r.Context(), authFrom(r), f, &buf); err != nil {
		h.writeError(w, r, "export orders error", err)
		return
	}
	writeWorkbook(w, "pedidos.xlsx", &buf)
}

// ExportStalePendingOrders отдаёт зависшие ожидающие заказы в формате XLSX.
func (h *Handler) ExportStalePendingOrders(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := h.service.ExportStalePendingOrders(r.Context(), authFrom(r), &buf); err != nil {
		h.writeError(w, r, "export stale orders error", err)
		return
	}
	writeWorkbook(w, "pedidos-pendentes.xlsx", &buf)
}

type stockRequest struct {
	Stock *int `json:"stock"`
}

// SetStock перезаписывает остаток одного размера товара.
func (h *Handler) SetStock(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	id, ok := parseUUIDParam(w, chi.URLParam(r, "sizeID"))
	if !ok {
		return
	}
	var req stockRequest
	if err := decodeJSON(r, &req); err != nil || req.Stock == nil {
		badRequest(w, "Dados incompletos")
		return
	}

	if err := h.service.SetStock(r.Context(), authFrom(r), id, *req.Stock); err != nil {
		h.writeError(w, r, "set stock error", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LowStock возвращает заканчивающиеся размеры.
func (h *Handler) LowStock(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	items, err := h.service.LowStock(r.Context(), authFrom(r), limit)
	if err != nil {
		h.writeError(w, r, "low stock error", err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type couponResponse struct {
	ID            uuid.UUID          `json:"id"`
	Code          string             `json:"code"`
	DiscountType  model.DiscountType `json:"discount_type"`
	DiscountValue string             `json:"discount_value"`
	MinOrderValue *string            `json:"min_order_value,omitempty"`
	MaxUses       *int               `json:"max_uses,omitempty"`
	UsedCount     int                `json:"used_count"`
	Category      *model.Category    `json:"category,omitempty"`
	Active        bool               `json:"active"`
	StartsAt      *string            `json:"starts_at,omitempty"`
	ExpiresAt     *string            `json:"expires_at,omitempty"`
}

func newCouponResponse(c *model.Coupon) couponResponse {
	resp := couponResponse{
		ID:            c.ID,
		Code:          c.Code,
		DiscountType:  c.DiscountType,
		DiscountValue: money(c.DiscountValue),
		MaxUses:       c.MaxUses,
		UsedCount:     c.UsedCount,
		Category:      c.Category,
		Active:        c.Active,
		StartsAt:      timestamp(c.StartsAt),
		ExpiresAt:     timestamp(c.ExpiresAt),
	}
	if c.MinOrderValue != nil {
		m := money(*c.MinOrderValue)
		resp.MinOrderValue = &m
	}
	return resp
}

// ListCoupons возвращает все купоны.
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	coupons, err := h.service.ListCoupons(r.Context(), authFrom(r))
	if err != nil {
		h.writeError(w, r, "list coupons error", err)
		return
	}

	resp := make([]couponResponse, 0, len(coupons))
	for i := range coupons {
		resp = append(resp, newCouponResponse(&coupons[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CreateCoupon добавляет купон.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var in service.CouponInput
	if err := decodeJSON(r, &in); err != nil {
		badRequest(w, "Dados incompletos")
		return
	}

	c, err := h.service.CreateCoupon(r.Context(), authFrom(r), in)
	if err != nil {
		h.writeError(w, r, "create coupon error", err)
		return
	}
	writeJSON(w, http.StatusCreated, newCouponResponse(c))
}

// UpdateCoupon заменяет редактируемые поля купона.
func (h *Handler) UpdateCoupon(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var in service.CouponInput
	if err := decodeJSON(r, &in); err != nil {
		badRequest(w, "Dados incompletos")
		return
	}

	c, err := h.service.UpdateCoupon(r.Context(), authFrom(r), id, in)
	if err != nil {
		h.writeError(w, r, "update coupon error", err)
		return
	}
	writeJSON(w, http.StatusOK, newCouponResponse(c))
}

type activeRequest struct {
	Active bool `json:"active"`
}

// SetCouponActive включает или выключает купон.
func (h *Handler) SetCouponActive(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	var req activeRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "Dados incompletos")
		return
	}

	c, err := h.service.SetCouponActive(r.Context(), authFrom(r), id, req.Active)
	if err != nil {
		h.writeError(w, r, "toggle coupon error", err)
		return
	}
	writeJSON(w, http.StatusOK, newCouponResponse(c))
}

// DeleteCoupon удаляет купон.
func (h *Handler) DeleteCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	if err := h.service.DeleteCoupon(r.Context(), authFrom(r), id); err != nil {
		h.writeError(w, r, "delete coupon error", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
