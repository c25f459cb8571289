package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/palestrababy/storefront/internal/mercadopago"
	"github.com/palestrababy/storefront/internal/model"
	"github.com/palestrababy/storefront/internal/service"
	"github.com/palestrababy/storefront/internal/shipping"
)

type sizeResponse struct {
	ID    uuid.UUID `json:"id"`
	Label string    `json:"label"`
	Stock int       `json:"stock"`
}

type productResponse struct {
	ID            uuid.UUID      `json:"id"`
	Name          string         `json:"name"`
	Slug          string         `json:"slug"`
	Description   string         `json:"description,omitempty"`
	Category      model.Category `json:"category"`
	Price         string         `json:"price"`
	OriginalPrice *string        `json:"original_price,omitempty"`
	Featured      bool           `json:"featured"`
	InStock       bool           `json:"in_stock"`
	Sizes         []sizeResponse `json:"sizes"`
}

func newProductResponse(p *model.Product) productResponse {
	resp := productResponse{
		ID:          p.ID,
		Name:        p.Name,
		Slug:        p.Slug,
		Description: p.Description,
		Category:    p.Category,
		Price:       money(p.Price),
		Featured:    p.Featured,
		InStock:     p.InStock(),
		Sizes:       make([]sizeResponse, 0, len(p.Sizes)),
	}
	if p.OriginalPrice != nil {
		orig := money(*p.OriginalPrice)
		resp.OriginalPrice = &orig
	}
	for _, s := range p.Sizes {
		resp.Sizes = append(resp.Sizes, sizeResponse{ID: s.ID, Label: s.Label, Stock: s.Stock})
	}
	return resp
}

// ListProducts возвращает активный каталог с фильтрами ?category= и ?featured=true.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	var f model.ProductFilter
	if c := r.URL.Query().Get("category"); c != "" {
		cat := model.Category(c)
		f.Category = &cat
	}
	f.Featured = r.URL.Query().Get("featured") == "true"

	products, err := h.service.ListProducts(r.Context(), f)
	if err != nil {
		h.writeError(w, r, "list products error", err)
		return
	}

	resp := make([]productResponse, 0, len(products))
	for i := range products {
		resp = append(resp, newProductResponse(&products[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetProduct возвращает активный товар по slug.
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.ProductBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		h.writeError(w, r, "get product error", err)
		return
	}
	writeJSON(w, http.StatusOK, newProductResponse(p))
}

// Checkout оформляет заказ и открывает платёж.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req model.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "Dados incompletos")
		return
	}

	result, err := h.service.PlaceOrder(r.Context(), &req)
	if err != nil {
		var gatewayErr *service.GatewayError
		if errors.As(err, &gatewayErr) && result != nil {
			h.logger.Error("checkout payment error", zap.String("order_id", result.OrderID.String()), zap.Error(err))
			writeJSON(w, http.StatusBadGateway, errorResponse{
				Error:   "Pagamento indisponível no momento. Seu pedido foi registrado.",
				OrderID: &result.OrderID,
				Order:   result,
			})
			return
		}
		h.writeError(w, r, "checkout error", err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

// GetOrderStatus опрашивается страницей подтверждения заказа.
func (h *Handler) GetOrderStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, chi.URLParam(r, "id"))
	if !ok {
		return
	}

	view, err := h.service.OrderStatus(r.Context(), id)
	if err != nil {
		h.writeError(w, r, "order status error", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// LookupAddress ищет адрес по CEP через ViaCEP.
func (h *Handler) LookupAddress(w http.ResponseWriter, r *http.Request) {
	addr, err := h.service.LookupAddress(r.Context(), chi.URLParam(r, "cep"))
	if err != nil {
		h.writeError(w, r, "address lookup error", err)
		return
	}
	writeJSON(w, http.StatusOK, addr)
}

// QuoteShipping возвращает варианты доставки до CEP получателя.
func (h *Handler) QuoteShipping(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	var req shipping.QuoteRequest
	if err := decodeJSON(r, &req); err != nil {
		badRequest(w, "Dados incompletos")
		return
	}

	options, err := h.service.QuoteShipping(r.Context(), req)
	if err != nil {
		h.writeError(w, r, "shipping quote error", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"options": options})
}

type webhookResponse struct {
	Received bool                     `json:"received"`
	Outcome  service.ReconcileOutcome `json:"outcome,omitempty"`
}

// MercadoPagoWebhook подтверждает получение уведомлений о платежах. Платёж всегда перезапрашивается
// у шлюза; тело уведомления нужно только чтобы его найти.
func (h *Handler) MercadoPagoWebhook(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		badRequest(w, "Corpo inválido")
		return
	}

	n := mercadopago.ParseNotification(r.URL.Query(), body)

	if h.webhookSecret != "" && n.IsPayment() {
		sig := r.Header.Get("x-signature")
		reqID := r.Header.Get("x-request-id")
		if err := mercadopago.VerifySignature(h.webhookSecret, sig, reqID, n.DataID); err != nil {
			h.logger.Warn("webhook signature rejected", zap.String("data_id", n.DataID))
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Assinatura inválida"})
			return
		}
	}

	result, err := h.service.ReconcilePayment(r.Context(), n)
	if err != nil {
		if errors.Is(err, service.ErrOrderNotFound) {
			h.logger.Warn("webhook for unknown order", zap.String("data_id", n.DataID))
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "Order not found"})
			return
		}
		h.logger.Error("webhook reconcile error", zap.String("data_id", n.DataID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to process payment"})
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Outcome: result.Outcome})
}
