// Package handler содержит HTTP-обработчики API интернет-магазина.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/palestrababy/storefront/internal/mercadopago"
	"github.com/palestrababy/storefront/internal/middleware"
	"github.com/palestrababy/storefront/internal/model"
	"github.com/palestrababy/storefront/internal/service"
	"github.com/palestrababy/storefront/internal/shipping"
	"github.com/palestrababy/storefront/internal/validation"
	"github.com/palestrababy/storefront/internal/viacep"
)

const maxBodyBytes = 1 << 20

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	ListProducts(ctx context.Context, f model.ProductFilter) ([]model.Product, error)
	ProductBySlug(ctx context.Context, slug string) (*model.Product, error)
	PlaceOrder(ctx context.Context, req *model.CheckoutRequest) (*service.PlaceOrderResult, error)
	OrderStatus(ctx context.Context, orderID uuid.UUID) (*service.OrderStatusView, error)
	LookupAddress(ctx context.Context, cep string) (*viacep.Address, error)
	QuoteShipping(ctx context.Context, req shipping.QuoteRequest) ([]shipping.Option, error)
	ReconcilePayment(ctx context.Context, n mercadopago.Notification) (service.ReconcileResult, error)

	SendOTP(ctx context.Context, auth model.AuthContext) (*service.OTPSent, error)
	VerifyOTP(ctx context.Context, auth model.AuthContext, code string) (*service.OTPVerified, error)

	Dashboard(ctx context.Context, auth model.AuthContext) (*model.Dashboard, error)
	ListOrders(ctx context.Context, auth model.AuthContext, f model.OrderFilter) ([]model.Order, error)
	GetOrderDetail(ctx context.Context, auth model.AuthContext, orderID uuid.UUID) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, auth model.AuthContext, orderID uuid.UUID, next model.OrderStatus, note string) (*model.Order, error)
	UpdateTrackingCode(ctx context.Context, auth model.AuthContext, orderID uuid.UUID, code string) error
	UpdateAdminNotes(ctx context.Context, auth model.AuthContext, orderID uuid.UUID, notes string) error
	RetryPayment(ctx context.Context, auth model.AuthContext, orderID uuid.UUID) (*service.PlaceOrderResult, error)
	StalePendingOrders(ctx context.Context, auth model.AuthContext) ([]model.Order, error)
	ExportOrders(ctx context.Context, auth model.AuthContext, f model.OrderFilter, w io.Writer) error
	ExportStalePendingOrders(ctx context.Context, auth model.AuthContext, w io.Writer) error
	SetStock(ctx context.Context, auth model.AuthContext, sizeID uuid.UUID, stock int) error
	LowStock(ctx context.Context, auth model.AuthContext, limit int) ([]model.LowStockItem, error)
	ListCoupons(ctx context.Context, auth model.AuthContext) ([]model.Coupon, error)
	CreateCoupon(ctx context.Context, auth model.AuthContext, in service.CouponInput) (*model.Coupon, error)
	UpdateCoupon(ctx context.Context, auth model.AuthContext, id uuid.UUID, in service.CouponInput) (*model.Coupon, error)
	SetCouponActive(ctx context.Context, auth model.AuthContext, id uuid.UUID, active bool) (*model.Coupon, error)
	DeleteCoupon(ctx context.Context, auth model.AuthContext, id uuid.UUID) error
}

// Handler реализует HTTP API интернет-магазина.
type Handler struct {
	service         Service
	logger          *zap.Logger
	auth            *middleware.Authenticator
	mfa             *middleware.MFACookie
	checkoutLimiter *middleware.RateLimiter
	otpLimiter      *middleware.RateLimiter
	webhookSecret   string
}

// Option настраивает Handler.
type Option func(*Handler)

// WithWebhookSecret включает проверку x-signature у вебхуков Mercado Pago.
func WithWebhookSecret(secret string) Option {
	return func(h *Handler) { h.webhookSecret = secret }
}

// WithCheckoutLimiter ограничивает частоту оформления заказов для одного клиента.
func WithCheckoutLimiter(rl *middleware.RateLimiter) Option {
	return func(h *Handler) { h.checkoutLimiter = rl }
}

// WithOTPLimiter ограничивает частоту отправки и проверки кодов для одного клиента.
func WithOTPLimiter(rl *middleware.RateLimiter) Option {
	return func(h *Handler) { h.otpLimiter = rl }
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.Authenticator, mfa *middleware.MFACookie, opts ...Option) *Handler {
	h := &Handler{
		service: s,
		logger:  logger,
		auth:    auth,
		mfa:     mfa,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type errorResponse struct {
	Error             string                    `json:"error"`
	Fields            []validation.FieldError   `json:"fields,omitempty"`
	AttemptsRemaining *int                      `json:"attempts_remaining,omitempty"`
	MFARequired       bool                      `json:"mfa_required,omitempty"`
	OrderID           *uuid.UUID                `json:"order_id,omitempty"`
	Order             *service.PlaceOrderResult `json:"order,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	return dec.Decode(dst)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func authFrom(r *http.Request) model.AuthContext {
	auth, _ := middleware.AuthFromContext(r.Context())
	return auth
}

// writeError сопоставляет ошибки сервиса с HTTP-ответами. Неизвестные ошибки логируются
// и скрываются за общим сообщением.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var (
		inputErr   *service.InputError
		lineErr    *service.LineError
		couponErr  *service.CouponError
		codeErr    *service.IncorrectCodeError
		gatewayErr *service.GatewayError
	)

	switch {
	case errors.As(err, &inputErr):
		msg := "Dados inválidos"
		if inputErr.Reason != "" {
			msg = inputErr.Reason
		} else if len(inputErr.Fields) > 0 {
			msg = inputErr.Fields[0].Message
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Fields: inputErr.Fields})
	case errors.Is(err, service.ErrInvalidInput):
		badRequest(w, "Dados inválidos")
	case errors.Is(err, service.ErrInvalidStatus):
		badRequest(w, "Status inválido")

	case errors.As(err, &lineErr):
		writeJSON(w, http.StatusConflict, errorResponse{Error: lineErr.Error()})
	case errors.As(err, &couponErr):
		badRequest(w, couponErr.Error())
	case errors.Is(err, service.ErrCouponExists):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "Já existe um cupom com este código"})
	case errors.Is(err, service.ErrPaymentExists):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "Pedido já possui pagamento"})

	case errors.Is(err, service.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Não autenticado"})
	case errors.Is(err, service.ErrForbidden):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "Acesso negado. Apenas administradores."})
	case errors.Is(err, service.ErrMFARequired):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "Verificação em duas etapas necessária", MFARequired: true})
	case errors.Is(err, service.ErrCodeExpiredOrMissing):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Código expirado ou inexistente. Solicite um novo código."})
	case errors.Is(err, service.ErrTooManyAttempts):
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "Muitas tentativas. Solicite um novo código."})
	case errors.As(err, &codeErr):
		remaining := codeErr.AttemptsRemaining
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Código incorreto", AttemptsRemaining: &remaining})

	case errors.Is(err, service.ErrNotFound), errors.Is(err, service.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Não encontrado"})

	case errors.As(err, &gatewayErr):
		h.logger.Error(op, zap.String("order_id", gatewayErr.OrderID.String()), zap.Error(err))
		id := gatewayErr.OrderID
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "Pagamento indisponível no momento. Seu pedido foi registrado.", OrderID: &id})
	case errors.Is(err, service.ErrPaymentGatewayUnavailable):
		h.logger.Error(op, zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "Pagamento indisponível no momento"})
	case errors.Is(err, service.ErrLookupUnavailable):
		h.logger.Warn(op, zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: "Serviço de consulta indisponível"})
	case errors.Is(err, service.ErrMailUnavailable):
		h.logger.Error(op, zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "Erro ao enviar email de verificação"})

	default:
		h.logger.Error(op, zap.Error(err), zap.String("uri", r.RequestURI))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "Erro interno"})
	}
}

func parseUUIDParam(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		badRequest(w, "Identificador inválido")
		return uuid.Nil, false
	}
	return id, true
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
