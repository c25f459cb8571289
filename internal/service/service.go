// Package service содержит бизнес-логику интернет-магазина: оформление заказов,
// сверку платежей, MFA администратора и админку.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/palestrababy/storefront/internal/mercadopago"
	"github.com/palestrababy/storefront/internal/model"
	"github.com/palestrababy/storefront/internal/shipping"
	"github.com/palestrababy/storefront/internal/viacep"
)

// CatalogStore читает каталог и изменяет счётчики остатков и купонов.
type CatalogStore interface {
	ProductsByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.Product, error)
	ListProducts(ctx context.Context, f model.ProductFilter) ([]model.Product, error)
	ProductBySlug(ctx context.Context, slug string) (*model.Product, error)
	DecrementStock(ctx context.Context, productID uuid.UUID, size string, quantity int) error
	IncrementStock(ctx context.Context, productID uuid.UUID, size string, quantity int) error
	SetStock(ctx context.Context, sizeID uuid.UUID, stock int) error
	LowStock(ctx context.Context, threshold, limit int) ([]model.LowStockItem, error)

	CouponByCode(ctx context.Context, code string) (*model.Coupon, error)
	ListCoupons(ctx context.Context) ([]model.Coupon, error)
	CreateCoupon(ctx context.Context, c *model.Coupon) error
	UpdateCoupon(ctx context.Context, c *model.Coupon) error
	DeleteCoupon(ctx context.Context, id uuid.UUID) error
	IncrementCouponUsage(ctx context.Context, id uuid.UUID) error
}

// OrderStore хранит покупателей, заказы, их позиции и историю статусов.
type OrderStore interface {
	UpsertCustomer(ctx context.Context, c *model.Customer) error
	CreateOrder(ctx context.Context, o *model.Order) error
	DeleteOrder(ctx context.Context, id uuid.UUID) error
	CreateOrderItems(ctx context.Context, orderID uuid.UUID, items []model.OrderItem) error
	DeleteOrderItems(ctx context.Context, orderID uuid.UUID) error
	OrderItems(ctx context.Context, orderID uuid.UUID) ([]model.OrderItem, error)
	AddStatusHistory(ctx context.Context, e *model.StatusHistoryEntry) error
	StatusHistory(ctx context.Context, orderID uuid.UUID) ([]model.StatusHistoryEntry, error)
	SetOrderPaymentID(ctx context.Context, orderID uuid.UUID, paymentID string) error
	GetOrder(ctx context.Context, id uuid.UUID) (*model.Order, error)
	TransitionOrder(ctx context.Context, c model.StatusChange) error
	ListOrders(ctx context.Context, f model.OrderFilter) ([]model.Order, error)
	StalePendingOrders(ctx context.Context, cutoff time.Time) ([]model.Order, error)
	UpdateTrackingCode(ctx context.Context, orderID uuid.UUID, code string) error
	UpdateAdminNotes(ctx context.Context, orderID uuid.UUID, notes string) error
	Dashboard(ctx context.Context) (*model.Dashboard, error)
}

// OTPStore хранит хеши одноразовых кодов администраторов.
type OTPStore interface {
	InvalidateOTPCodes(ctx context.Context, userID string) error
	CreateOTPCode(ctx context.Context, c *model.OTPCode) error
	LatestActiveOTPCode(ctx context.Context, userID string, now time.Time) (*model.OTPCode, error)
	IncrementOTPAttempts(ctx context.Context, id uuid.UUID, maxAttempts int) (int, error)
	MarkOTPUsed(ctx context.Context, id uuid.UUID) error
}

// Repository объединяет все контракты хранилища, используемые сервисом.
type Repository interface {
	CatalogStore
	OrderStore
	OTPStore
	Close() error
}

// PaymentGateway создаёт платежи и сообщает их достоверное состояние.
type PaymentGateway interface {
	CreatePreference(ctx context.Context, req mercadopago.PreferenceRequest) (*mercadopago.Preference, error)
	GetPayment(ctx context.Context, id string) (*mercadopago.Payment, error)
	SearchPayments(ctx context.Context, externalReference string) ([]mercadopago.Payment, error)
}

// Mailer доставляет одноразовые коды администраторам.
type Mailer interface {
	SendOTP(ctx context.Context, to, code string, ttl time.Duration) error
}

// AddressLookup ищет адрес по почтовому индексу.
type AddressLookup interface {
	Lookup(ctx context.Context, cep string) (*viacep.Address, error)
}

// RateQuoter запрашивает тарифы перевозчиков.
type RateQuoter interface {
	Quote(ctx context.Context, req shipping.QuoteRequest) ([]shipping.Option, error)
	Origin() string
}

// Service содержит бизнес-логику интернет-магазина.
type Service struct {
	repo       Repository
	gateway    PaymentGateway
	mailer     Mailer
	addresses  AddressLookup
	rates      RateQuoter
	logger     *zap.Logger
	now        func() time.Time
	staleAfter time.Duration
	sandbox    bool
	otpCost    int
}

// Option настраивает Service.
type Option func(*Service)

// WithAddressLookup включает поиск адреса по CEP.
func WithAddressLookup(a AddressLookup) Option {
	return func(s *Service) { s.addresses = a }
}

// WithRateQuoter включает расчёт тарифов доставки.
func WithRateQuoter(r RateQuoter) Option {
	return func(s *Service) { s.rates = r }
}

// WithStaleAfter задаёт возраст, после которого ожидающий заказ без платежа считается зависшим.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithSandboxCheckout перенаправляет оформленные заказы в песочницу шлюза.
func WithSandboxCheckout(enabled bool) Option {
	return func(s *Service) { s.sandbox = enabled }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService создаёт сервис с указанными зависимостями.
func NewService(repo Repository, gateway PaymentGateway, mailer Mailer, logger *zap.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		repo:       repo,
		gateway:    gateway,
		mailer:     mailer,
		logger:     logger,
		now:        time.Now,
		staleAfter: 30 * time.Minute,
		otpCost:    bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close освобождает хранилище.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) requireRole(auth model.AuthContext) error {
	if auth.PrincipalID == "" {
		return ErrUnauthenticated
	}
	if !auth.IsAdmin() {
		return ErrForbidden
	}
	return nil
}

// requireAdmin защищает операции админки: нужна роль администратора и свежий второй фактор.
func (s *Service) requireAdmin(auth model.AuthContext) error {
	if err := s.requireRole(auth); err != nil {
		return err
	}
	if !auth.MFAVerified(s.now()) {
		return ErrMFARequired
	}
	return nil
}
