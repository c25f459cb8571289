package service

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/palestrababy/storefront/internal/mercadopago"
	"github.com/palestrababy/storefront/internal/model"
	"github.com/palestrababy/storefront/internal/repository"
	"github.com/palestrababy/storefront/internal/shipping"
)

type fixture struct {
	svc    *Service
	store  *memStore
	gw     *fakeGateway
	mailer *fakeMailer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{store: newMemStore(), gw: newFakeGateway(), mailer: &fakeMailer{}}
	f.svc = NewService(f.store, f.gw, f.mailer, zap.NewNop(), opts...)
	f.svc.otpCost = bcrypt.MinCost
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func checkout(lines ...model.CartLine) *model.CheckoutRequest {
	return &model.CheckoutRequest{
		Customer: model.CustomerInput{
			Name:  "Ana Souza",
			Email: "ana@example.com",
			Phone: "(11) 98765-4321",
			CPF:   "529.982.247-25",
		},
		Address: model.Address{
			CEP:          "01310-100",
			Street:       "Av. Paulista",
			Number:       "1000",
			Neighborhood: "Bela Vista",
			City:         "São Paulo",
			State:        "SP",
		},
		ShippingMethod: model.ShippingPAC,
		PaymentMethod:  model.PaymentPix,
		Items:          lines,
	}
}

func line(p *model.Product, size string, qty int) model.CartLine {
	return model.CartLine{ProductID: p.ID, ProductName: p.Name, Size: size, Quantity: qty}
}

var adminAuth = model.AuthContext{
	PrincipalID:      "admin-1",
	Email:            "admin@palestrababy.com.br",
	Role:             model.RoleAdmin,
	MFAVerifiedUntil: time.Now().Add(time.Hour),
}

func TestPlaceOrder_EndToEnd(t *testing.T) {
	f := newFixture(t)
	p1 := f.store.addProduct("Body Listrado", "59.90", model.CategoryBodies, map[string]int{"M": 3})

	res, err := f.svc.PlaceOrder(context.Background(), checkout(line(p1, "M", 1)))
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusPending, res.Status)
	assert.True(t, dec("59.90").Equal(res.Subtotal), res.Subtotal.String())
	assert.True(t, dec("15.90").Equal(res.ShippingPrice), res.ShippingPrice.String())
	assert.True(t, dec("3.79").Equal(res.DiscountAmount), res.DiscountAmount.String())
	assert.True(t, dec("72.01").Equal(res.Total), res.Total.String())
	assert.NotEmpty(t, res.PaymentURL)
	assert.NotEmpty(t, res.PixQRCode)
	assert.Equal(t, 2, f.store.stock(p1.ID, "M"))

	order := f.store.order(res.OrderID)
	assert.Equal(t, "pref-"+res.OrderID.String(), order.PaymentID)
	assert.True(t, dec("72.01").Equal(order.Total))
	assert.Equal(t, "01310100", order.Shipping.CEP)

	history := f.store.historyOf(res.OrderID)
	require.Len(t, history, 1)
	assert.Nil(t, history[0].OldStatus)
	assert.Equal(t, model.OrderStatusPending, history[0].NewStatus)
	assert.Equal(t, "Pedido criado", history[0].Note)

	req := f.gw.lastRequest()
	assert.True(t, req.PixOnly)
	require.Len(t, req.Items, 1)
	assert.True(t, dec("59.90").Equal(req.Items[0].UnitPrice))
	assert.Equal(t, "Body Listrado - Tam. M", req.Items[0].Title)
	assert.Equal(t, "Desconto PIX (5%)", req.DiscountLabel)
	assert.Equal(t, "52998224725", req.Payer.CPF)
}

func TestPlaceOrder_IgnoresClientPrice(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Conjunto Moletom", "120.00", model.CategoryConjuntos, map[string]int{"G": 5})

	l := line(p, "G", 2)
	cheap := dec("0.01")
	l.UnitPrice = &cheap
	l.ProductName = "Qualquer coisa"
	req := checkout(l)
	req.PaymentMethod = model.PaymentCreditCard

	res, err := f.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, dec("240").Equal(res.Subtotal), res.Subtotal.String())
	assert.True(t, dec("255.90").Equal(res.Total), res.Total.String())
	assert.True(t, dec("120").Equal(f.gw.lastRequest().Items[0].UnitPrice))
	items, _ := f.store.OrderItems(context.Background(), res.OrderID)
	require.Len(t, items, 1)
	assert.Equal(t, "Conjunto Moletom", items[0].ProductName)
	assert.True(t, dec("120").Equal(items[0].UnitPrice))
}

func TestPlaceOrder_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body", "50", model.CategoryBodies, map[string]int{"P": 1})

	req := checkout(line(p, "P", 1))
	req.Customer.CPF = "111.111.111-11"

	_, err := f.svc.PlaceOrder(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidInput)

	var ie *InputError
	require.True(t, errors.As(err, &ie))
	require.NotEmpty(t, ie.Fields)
	assert.Equal(t, "customer.cpf", ie.Fields[0].Field)
	assert.Equal(t, 0, f.store.orderCount())
}

func TestPlaceOrder_IntegrityErrors(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body Estrela", "50", model.CategoryBodies, map[string]int{"P": 1, "M": 0})
	inactive := f.store.addProduct("Body Antigo", "40", model.CategoryBodies, map[string]int{"P": 10})
	f.store.products[inactive.ID].Active = false

	tests := []struct {
		name      string
		line      model.CartLine
		want      error
		available int
	}{
		{name: "unknown product", line: model.CartLine{ProductID: uuid.New(), Size: "P", Quantity: 1}, want: ErrProductUnavailable},
		{name: "inactive product", line: line(inactive, "P", 1), want: ErrProductUnavailable},
		{name: "missing size", line: line(p, "GG", 1), want: ErrSizeUnavailable},
		{name: "not enough stock", line: line(p, "P", 2), want: ErrInsufficientStock, available: 1},
		{name: "sold out size", line: line(p, "M", 1), want: ErrInsufficientStock, available: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.PlaceOrder(context.Background(), checkout(tt.line))
			require.ErrorIs(t, err, tt.want)

			var le *LineError
			require.True(t, errors.As(err, &le))
			assert.Equal(t, tt.available, le.Available)
			assert.NotEmpty(t, le.Error())
		})
	}
	assert.Equal(t, 0, f.store.orderCount())
	assert.Equal(t, 1, f.store.stock(p.ID, "P"))
}

func TestPlaceOrder_MergesDuplicateLines(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Meia", "10", model.CategoryAcessorios, map[string]int{"Único": 3})

	_, err := f.svc.PlaceOrder(context.Background(), checkout(line(p, "Único", 2), line(p, "Único", 2)))
	require.ErrorIs(t, err, ErrInsufficientStock)
	assert.Equal(t, 3, f.store.stock(p.ID, "Único"))
}

func TestPlaceOrder_ConcurrentCheckoutsNeverOversell(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body Último", "30", model.CategoryBodies, map[string]int{"RN": 5})

	const buyers = 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		sold    int
		refused int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.PlaceOrder(context.Background(), checkout(line(p, "RN", 1)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sold++
			case errors.Is(err, ErrInsufficientStock):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, sold)
	assert.Equal(t, buyers-5, refused)
	assert.Equal(t, 0, f.store.stock(p.ID, "RN"))
	assert.Equal(t, 5, f.store.orderCount())
}

func TestPlaceOrder_CompensatesFailedDecrement(t *testing.T) {
	f := newFixture(t)
	a := f.store.addProduct("Body A", "20", model.CategoryBodies, map[string]int{"M": 4})
	b := f.store.addProduct("Body B", "30", model.CategoryBodies, map[string]int{"G": 2})
	f.store.failDecrement[sizeKey(b.ID, "G")] = repository.ErrInsufficientStock

	_, err := f.svc.PlaceOrder(context.Background(), checkout(line(a, "M", 3), line(b, "G", 1)))
	require.ErrorIs(t, err, ErrInsufficientStock)

	var le *LineError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, b.ID, le.ProductID)
	assert.Equal(t, "G", le.Size)
	assert.Equal(t, 2, le.Available)

	assert.Equal(t, 4, f.store.stock(a.ID, "M"), "earlier line put back")
	assert.Equal(t, 0, f.store.orderCount())
	assert.Empty(t, f.store.items)
}

func TestPlaceOrder_ItemsFailureDeletesOrder(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body", "20", model.CategoryBodies, map[string]int{"M": 4})
	f.store.failCreateItems = errBoom

	_, err := f.svc.PlaceOrder(context.Background(), checkout(line(p, "M", 1)))
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 0, f.store.orderCount())
	assert.Equal(t, 4, f.store.stock(p.ID, "M"))
}

func TestPlaceOrder_GatewayFailureLeavesPendingOrder(t *testing.T) {
	later := time.Now().Add(time.Hour)
	f := newFixture(t)
	p := f.store.addProduct("Kit Maternidade", "199.90", model.CategoryKits, map[string]int{"P": 2})
	f.gw.prefErr = &mercadopago.APIError{StatusCode: 503}

	res, err := f.svc.PlaceOrder(context.Background(), checkout(line(p, "P", 1)))
	require.ErrorIs(t, err, ErrPaymentGatewayUnavailable)

	var ge *GatewayError
	require.True(t, errors.As(err, &ge))
	require.NotNil(t, res)
	assert.Equal(t, res.OrderID, ge.OrderID)

	order := f.store.order(ge.OrderID)
	assert.Equal(t, model.OrderStatusPending, order.Status)
	assert.Empty(t, order.PaymentID)
	assert.Equal(t, 1, f.store.stock(p.ID, "P"))

	f.svc.now = func() time.Time { return later }
	auth := adminAuth
	auth.MFAVerifiedUntil = later.Add(time.Hour)
	stale, err := f.svc.StalePendingOrders(context.Background(), auth)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, ge.OrderID, stale[0].ID)

	f.gw.prefErr = nil
	retried, err := f.svc.RetryPayment(context.Background(), auth, ge.OrderID)
	require.NoError(t, err)
	assert.NotEmpty(t, retried.PaymentURL)
	assert.Equal(t, "pref-"+ge.OrderID.String(), f.store.order(ge.OrderID).PaymentID)

	_, err = f.svc.RetryPayment(context.Background(), auth, ge.OrderID)
	assert.ErrorIs(t, err, ErrPaymentExists)
}

func TestPlaceOrder_Coupons(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	one := 1
	minOrder := dec("100")
	acessorios := model.CategoryAcessorios

	f := newFixture(t)
	body := f.store.addProduct("Body", "59.90", model.CategoryBodies, map[string]int{"M": 50})
	touca := f.store.addProduct("Touca", "20.00", model.CategoryAcessorios, map[string]int{"Único": 50})

	for _, c := range []*model.Coupon{
		{Code: "BEMVINDO15", DiscountType: model.DiscountPercentage, DiscountValue: dec("15"), Active: true},
		{Code: "VELHO", DiscountType: model.DiscountFixed, DiscountValue: dec("10"), Active: true, ExpiresAt: &past},
		{Code: "ESGOTADO", DiscountType: model.DiscountFixed, DiscountValue: dec("10"), Active: true, MaxUses: &one, UsedCount: 1},
		{Code: "CEM", DiscountType: model.DiscountFixed, DiscountValue: dec("10"), Active: true, MinOrderValue: &minOrder},
		{Code: "ACESS50", DiscountType: model.DiscountPercentage, DiscountValue: dec("50"), Active: true, Category: &acessorios},
	} {
		require.NoError(t, f.store.CreateCoupon(context.Background(), c))
	}

	t.Run("percentage rounds to cents", func(t *testing.T) {
		req := checkout(line(body, "M", 1))
		req.PaymentMethod = model.PaymentCreditCard
		req.CouponCode = " bemvindo15 "

		res, err := f.svc.PlaceOrder(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, dec("8.99").Equal(res.DiscountAmount), res.DiscountAmount.String())
		assert.True(t, dec("66.81").Equal(res.Total), res.Total.String())
		assert.Equal(t, "Desconto cupom", f.gw.lastRequest().DiscountLabel)

		c, _ := f.store.CouponByCode(context.Background(), "BEMVINDO15")
		assert.Equal(t, 1, c.UsedCount)
		assert.NotNil(t, f.store.order(res.OrderID).CouponID)
	})

	t.Run("coupon then pix", func(t *testing.T) {
		req := checkout(line(body, "M", 1))
		req.CouponCode = "BEMVINDO15"

		res, err := f.svc.PlaceOrder(context.Background(), req)
		require.NoError(t, err)
		// (59.90 + 15.90 - 8.99) * 0.05 = 3.3405
		assert.True(t, dec("12.33").Equal(res.DiscountAmount), res.DiscountAmount.String())
		assert.True(t, dec("63.47").Equal(res.Total), res.Total.String())
		assert.Equal(t, "Desconto cupom + PIX (5%)", f.gw.lastRequest().DiscountLabel)
	})

	t.Run("category restricted", func(t *testing.T) {
		req := checkout(line(body, "M", 1), line(touca, "Único", 1))
		req.PaymentMethod = model.PaymentCreditCard
		req.CouponCode = "ACESS50"

		res, err := f.svc.PlaceOrder(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, dec("10").Equal(res.DiscountAmount), res.DiscountAmount.String())

		req = checkout(line(body, "M", 1))
		req.CouponCode = "ACESS50"
		_, err = f.svc.PlaceOrder(context.Background(), req)
		assert.ErrorIs(t, err, ErrCouponInvalid)
	})

	refusals := []struct {
		code string
		want error
	}{
		{"NAOEXISTE", ErrCouponInvalid},
		{"VELHO", ErrCouponInvalid},
		{"ESGOTADO", ErrCouponExhausted},
		{"CEM", ErrCouponMinimumNotMet},
	}
	for _, tt := range refusals {
		t.Run("refuses "+tt.code, func(t *testing.T) {
			before := f.store.orderCount()
			req := checkout(line(body, "M", 1))
			req.CouponCode = tt.code

			_, err := f.svc.PlaceOrder(context.Background(), req)
			require.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.code)
			assert.Equal(t, before, f.store.orderCount())
		})
	}
}

func TestPlaceOrder_CouponUsageFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body", "100", model.CategoryBodies, map[string]int{"M": 1})
	require.NoError(t, f.store.CreateCoupon(context.Background(), &model.Coupon{
		Code: "DEZ", DiscountType: model.DiscountFixed, DiscountValue: dec("10"), Active: true,
	}))
	f.store.failUsage = errBoom

	req := checkout(line(p, "M", 1))
	req.CouponCode = "DEZ"
	req.PaymentMethod = model.PaymentCreditCard
	res, err := f.svc.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, dec("105.90").Equal(res.Total), res.Total.String())
}

func placedOrder(t *testing.T, f *fixture, p *model.Product, size string, qty int) uuid.UUID {
	t.Helper()
	res, err := f.svc.PlaceOrder(context.Background(), checkout(line(p, size, qty)))
	require.NoError(t, err)
	return res.OrderID
}

func (f *fixture) payment(id int64, status string, orderID uuid.UUID) mercadopago.Notification {
	key := strconv.FormatInt(id, 10)
	f.gw.payments[key] = &mercadopago.Payment{ID: id, Status: status, ExternalReference: orderID.String()}
	return mercadopago.Notification{Type: "payment", DataID: key}
}

func TestReconcilePayment_ApprovedTwice(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body", "59.90", model.CategoryBodies, map[string]int{"M": 3})
	orderID := placedOrder(t, f, p, "M", 1)
	n := f.payment(1001, "approved", orderID)

	res, err := f.svc.ReconcilePayment(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.Equal(t, model.OrderStatusPending, res.From)
	assert.Equal(t, model.OrderStatusPaid, res.To)

	res, err = f.svc.ReconcilePayment(context.Background(), n)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)

	order := f.store.order(orderID)
	assert.Equal(t, model.OrderStatusPaid, order.Status)
	assert.Equal(t, "1001", order.PaymentID)
	assert.NotNil(t, order.PaidAt)

	history := f.store.historyOf(orderID)
	require.Len(t, history, 2)
	assert.Equal(t, model.OrderStatusPaid, history[1].NewStatus)
	assert.Equal(t, "Mercado Pago: approved (payment #1001)", history[1].Note)
}

func TestReconcilePayment_LatePendingDoesNotDowngrade(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body", "59.90", model.CategoryBodies, map[string]int{"M": 3})
	orderID := placedOrder(t, f, p, "M", 1)

	_, err := f.svc.ReconcilePayment(context.Background(), f.payment(1, "approved", orderID))
	require.NoError(t, err)
	res, err := f.svc.ReconcilePayment(context.Background(), f.payment(2, "in_process", orderID))
	require.NoError(t, err)

	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, model.OrderStatusPaid, f.store.order(orderID).Status)
}

func TestReconcilePayment_RejectedRestoresStock(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body X", "59.90", model.CategoryBodies, map[string]int{"M": 5})
	orderID := placedOrder(t, f, p, "M", 2)
	require.Equal(t, 3, f.store.stock(p.ID, "M"))

	res, err := f.svc.ReconcilePayment(context.Background(), f.payment(7, "rejected", orderID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.True(t, res.StockRestored)
	assert.Equal(t, model.OrderStatusCancelled, f.store.order(orderID).Status)
	assert.NotNil(t, f.store.order(orderID).CancelledAt)
	assert.Equal(t, 5, f.store.stock(p.ID, "M"))

	res, err = f.svc.ReconcilePayment(context.Background(), f.payment(7, "rejected", orderID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, res.Outcome)
	assert.Equal(t, 5, f.store.stock(p.ID, "M"), "redelivery restores nothing")
}

func TestReconcilePayment_RefundAfterShipmentKeepsStock(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body X", "59.90", model.CategoryBodies, map[string]int{"M": 5})
	orderID := placedOrder(t, f, p, "M", 2)
	f.store.setStatus(orderID, model.OrderStatusShipped)

	res, err := f.svc.ReconcilePayment(context.Background(), f.payment(8, "refunded", orderID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, res.Outcome)
	assert.False(t, res.StockRestored)
	assert.Equal(t, model.OrderStatusReturned, f.store.order(orderID).Status)
	assert.Equal(t, 3, f.store.stock(p.ID, "M"))
}

func TestReconcilePayment_Acknowledgements(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body", "10", model.CategoryBodies, map[string]int{"M": 5})
	orderID := placedOrder(t, f, p, "M", 1)

	res, err := f.svc.ReconcilePayment(context.Background(), mercadopago.Notification{Type: "merchant_order", DataID: "1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)

	res, err = f.svc.ReconcilePayment(context.Background(), f.payment(2, "something_new", orderID))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownStatus, res.Outcome)

	f.gw.payments["3"] = &mercadopago.Payment{ID: 3, Status: "approved"}
	res, err = f.svc.ReconcilePayment(context.Background(), mercadopago.Notification{Type: "payment", DataID: "3"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoReference, res.Outcome)

	_, err = f.svc.ReconcilePayment(context.Background(), f.payment(4, "approved", uuid.New()))
	assert.ErrorIs(t, err, ErrOrderNotFound)

	f.gw.paymentErr = errBoom
	_, err = f.svc.ReconcilePayment(context.Background(), mercadopago.Notification{Type: "payment", DataID: "5"})
	assert.ErrorIs(t, err, ErrPaymentGatewayUnavailable)

	assert.Equal(t, model.OrderStatusPending, f.store.order(orderID).Status)
}

func TestPendingSweepAppliesMissedPayment(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body", "10", model.CategoryBodies, map[string]int{"M": 5})
	orderID := placedOrder(t, f, p, "M", 1)
	f.gw.searches[orderID.String()] = []mercadopago.Payment{
		{ID: 99, Status: "approved", ExternalReference: orderID.String()},
	}

	f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	f.svc.sweepPending(context.Background())

	assert.Equal(t, model.OrderStatusPaid, f.store.order(orderID).Status)
	assert.Equal(t, "99", f.store.order(orderID).PaymentID)
}

func TestOTP_SendAndVerify(t *testing.T) {
	f := newFixture(t)
	auth := model.AuthContext{PrincipalID: "admin-1", Email: "admin@palestrababy.com.br", Role: model.RoleAdmin}

	sent, err := f.svc.SendOTP(context.Background(), auth)
	require.NoError(t, err)
	assert.Equal(t, OTPSent{Success: true, ExpiresIn: 300}, *sent)

	mail := f.mailer.last()
	assert.Equal(t, auth.Email, mail.to)
	require.Len(t, mail.code, 6)

	codes := f.store.otpList()
	require.Len(t, codes, 1)
	assert.NotEqual(t, mail.code, codes[0].CodeHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(codes[0].CodeHash), []byte(mail.code)))

	verified, err := f.svc.VerifyOTP(context.Background(), auth, mail.code)
	require.NoError(t, err)
	assert.True(t, verified.Verified)
	assert.WithinDuration(t, time.Now().Add(MFAWindow), verified.VerifiedUntil, time.Minute)

	_, err = f.svc.VerifyOTP(context.Background(), auth, mail.code)
	assert.ErrorIs(t, err, ErrCodeExpiredOrMissing, "codes are single use")
}

func TestOTP_ConcurrentVerifyConsumesOnce(t *testing.T) {
	f := newFixture(t)
	auth := model.AuthContext{PrincipalID: "admin-1", Email: "a@b.com", Role: model.RoleAdmin}

	_, err := f.svc.SendOTP(context.Background(), auth)
	require.NoError(t, err)
	code := f.mailer.last().code

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		verified int
		rejected []error
	)
	for i := 0; i < MaxOTPAttempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.VerifyOTP(context.Background(), auth, code)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				verified++
				return
			}
			rejected = append(rejected, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, verified)
	for _, err := range rejected {
		var ice *IncorrectCodeError
		assert.False(t, errors.As(err, &ice), "the code itself was right: %v", err)
	}
	assert.True(t, f.store.otpList()[0].Used)
}

func TestOTP_ResendInvalidatesPrevious(t *testing.T) {
	f := newFixture(t)
	auth := model.AuthContext{PrincipalID: "admin-1", Email: "a@b.com", Role: model.RoleAdmin}

	_, err := f.svc.SendOTP(context.Background(), auth)
	require.NoError(t, err)
	first := f.mailer.last().code
	_, err = f.svc.SendOTP(context.Background(), auth)
	require.NoError(t, err)
	second := f.mailer.last().code

	codes := f.store.otpList()
	require.Len(t, codes, 2)
	assert.True(t, codes[0].Used)
	assert.False(t, codes[1].Used)

	if first != second {
		_, err = f.svc.VerifyOTP(context.Background(), auth, first)
		assert.ErrorIs(t, err, ErrIncorrectCode)
	}
	_, err = f.svc.VerifyOTP(context.Background(), auth, second)
	assert.NoError(t, err)
}

func TestOTP_Lockout(t *testing.T) {
	f := newFixture(t)
	auth := model.AuthContext{PrincipalID: "admin-1", Email: "a@b.com", Role: model.RoleAdmin}

	_, err := f.svc.SendOTP(context.Background(), auth)
	require.NoError(t, err)
	code := f.mailer.last().code
	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}

	for _, remaining := range []int{2, 1, 0} {
		_, err := f.svc.VerifyOTP(context.Background(), auth, wrong)
		var ice *IncorrectCodeError
		require.True(t, errors.As(err, &ice), "got %v", err)
		assert.Equal(t, remaining, ice.AttemptsRemaining)
	}

	assert.True(t, f.store.otpList()[0].Used)

	_, err = f.svc.VerifyOTP(context.Background(), auth, code)
	assert.ErrorIs(t, err, ErrCodeExpiredOrMissing)
}

func TestOTP_Guards(t *testing.T) {
	f := newFixture(t)
	customer := model.AuthContext{PrincipalID: "u-9", Email: "c@d.com", Role: model.RoleCustomer}
	admin := model.AuthContext{PrincipalID: "admin-1", Email: "a@b.com", Role: model.RoleAdmin}

	_, err := f.svc.SendOTP(context.Background(), model.AuthContext{})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = f.svc.SendOTP(context.Background(), customer)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.VerifyOTP(context.Background(), admin, "12ab")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.VerifyOTP(context.Background(), admin, "123456")
	assert.ErrorIs(t, err, ErrCodeExpiredOrMissing)

	f.mailer.err = errBoom
	_, err = f.svc.SendOTP(context.Background(), admin)
	assert.ErrorIs(t, err, ErrMailUnavailable)
	for _, c := range f.store.otpList() {
		assert.True(t, c.Used, "undelivered code is burned")
	}
}

func TestAdmin_RequiresFreshMFA(t *testing.T) {
	f := newFixture(t)
	stale := adminAuth
	stale.MFAVerifiedUntil = time.Now().Add(-time.Minute)

	_, err := f.svc.Dashboard(context.Background(), stale)
	assert.ErrorIs(t, err, ErrMFARequired)

	_, err = f.svc.Dashboard(context.Background(), model.AuthContext{PrincipalID: "x", Role: model.RoleCustomer, MFAVerifiedUntil: time.Now().Add(time.Hour)})
	assert.ErrorIs(t, err, ErrForbidden)

	d, err := f.svc.Dashboard(context.Background(), adminAuth)
	require.NoError(t, err)
	assert.Equal(t, 0, d.TotalOrders)
}

func TestAdmin_UpdateOrderStatus(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body", "10", model.CategoryBodies, map[string]int{"M": 5})
	orderID := placedOrder(t, f, p, "M", 2)

	_, err := f.svc.ReconcilePayment(context.Background(), f.payment(1, "approved", orderID))
	require.NoError(t, err)

	order, err := f.svc.UpdateOrderStatus(context.Background(), adminAuth, orderID, model.OrderStatusPreparing, "")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPreparing, order.Status)
	require.Len(t, order.History, 3)
	assert.Equal(t, adminAuth.Email, order.History[2].ChangedBy)

	order, err = f.svc.UpdateOrderStatus(context.Background(), adminAuth, orderID, model.OrderStatusPaid, "voltou para pago")
	require.NoError(t, err, "manual override may move backwards")
	assert.Equal(t, model.OrderStatusPaid, order.Status)

	order, err = f.svc.UpdateOrderStatus(context.Background(), adminAuth, orderID, model.OrderStatusCancelled, "cliente desistiu")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, order.Status)
	assert.Equal(t, 5, f.store.stock(p.ID, "M"))

	same, err := f.svc.UpdateOrderStatus(context.Background(), adminAuth, orderID, model.OrderStatusCancelled, "")
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCancelled, same.Status)
	assert.Len(t, f.store.historyOf(orderID), 5)

	_, err = f.svc.UpdateOrderStatus(context.Background(), adminAuth, orderID, "lost", "")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestAdmin_ReopenCancelledOrderTakesStockBack(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body", "10", model.CategoryBodies, map[string]int{"M": 5})
	orderID := placedOrder(t, f, p, "M", 2)
	require.Equal(t, 3, f.store.stock(p.ID, "M"))

	_, err := f.svc.UpdateOrderStatus(context.Background(), adminAuth, orderID, model.OrderStatusCancelled, "")
	require.NoError(t, err)
	assert.Equal(t, 5, f.store.stock(p.ID, "M"))

	_, err = f.svc.UpdateOrderStatus(context.Background(), adminAuth, orderID, model.OrderStatusPaid, "pagamento confirmado por telefone")
	require.NoError(t, err)
	assert.Equal(t, 3, f.store.stock(p.ID, "M"))

	res, err := f.svc.ReconcilePayment(context.Background(), f.payment(9, "rejected", orderID))
	require.NoError(t, err)
	assert.True(t, res.StockRestored)
	assert.Equal(t, 5, f.store.stock(p.ID, "M"))
}

func TestAdmin_ReopenWithoutStock(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body", "10", model.CategoryBodies, map[string]int{"M": 2})
	orderID := placedOrder(t, f, p, "M", 2)

	_, err := f.svc.UpdateOrderStatus(context.Background(), adminAuth, orderID, model.OrderStatusCancelled, "")
	require.NoError(t, err)
	placedOrder(t, f, p, "M", 1)

	_, err = f.svc.UpdateOrderStatus(context.Background(), adminAuth, orderID, model.OrderStatusPreparing, "")
	require.ErrorIs(t, err, ErrInsufficientStock)
	var lineErr *LineError
	require.ErrorAs(t, err, &lineErr)
	assert.Equal(t, 1, lineErr.Available)

	assert.Equal(t, model.OrderStatusCancelled, f.store.order(orderID).Status)
	assert.Equal(t, 1, f.store.stock(p.ID, "M"))
}

func TestAdmin_ReopenShippedOrderLeavesStock(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body", "10", model.CategoryBodies, map[string]int{"M": 5})
	orderID := placedOrder(t, f, p, "M", 2)

	for _, next := range []model.OrderStatus{model.OrderStatusShipped, model.OrderStatusReturned, model.OrderStatusPreparing, model.OrderStatusCancelled} {
		_, err := f.svc.UpdateOrderStatus(context.Background(), adminAuth, orderID, next, "")
		require.NoError(t, err, next)
		assert.Equal(t, 3, f.store.stock(p.ID, "M"), next)
	}
}

func TestAdmin_OrderFields(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body", "10", model.CategoryBodies, map[string]int{"M": 5})
	orderID := placedOrder(t, f, p, "M", 1)

	require.NoError(t, f.svc.UpdateTrackingCode(context.Background(), adminAuth, orderID, " br123456789br "))
	require.NoError(t, f.svc.UpdateAdminNotes(context.Background(), adminAuth, orderID, "embrulhar para presente"))

	order, err := f.svc.GetOrderDetail(context.Background(), adminAuth, orderID)
	require.NoError(t, err)
	assert.Equal(t, "BR123456789BR", order.TrackingCode)
	assert.Equal(t, "embrulhar para presente", order.AdminNotes)
	assert.Len(t, order.Items, 1)
	assert.Len(t, order.History, 1)

	err = f.svc.UpdateTrackingCode(context.Background(), adminAuth, uuid.New(), "X")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestAdmin_Stock(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body", "10", model.CategoryBodies, map[string]int{"M": 50, "P": 2})
	sizeP, _ := p.Size("P")

	err := f.svc.SetStock(context.Background(), adminAuth, sizeP.ID, -1)
	assert.ErrorIs(t, err, ErrInvalidInput)

	low, err := f.svc.LowStock(context.Background(), adminAuth, 0)
	require.NoError(t, err)
	require.Len(t, low, 1)
	assert.Equal(t, "P", low[0].SizeLabel)

	require.NoError(t, f.svc.SetStock(context.Background(), adminAuth, sizeP.ID, 20))
	low, err = f.svc.LowStock(context.Background(), adminAuth, 0)
	require.NoError(t, err)
	assert.Empty(t, low)
}

func TestAdmin_Coupons(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.svc.CreateCoupon(ctx, adminAuth, CouponInput{
		Code: " verao20 ", DiscountType: model.DiscountPercentage, DiscountValue: dec("20"), Active: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "VERAO20", c.Code)

	_, err = f.svc.CreateCoupon(ctx, adminAuth, CouponInput{
		Code: "VERAO20", DiscountType: model.DiscountFixed, DiscountValue: dec("5"), Active: true,
	})
	assert.ErrorIs(t, err, ErrCouponExists)

	_, err = f.svc.CreateCoupon(ctx, adminAuth, CouponInput{
		Code: "DEMAIS", DiscountType: model.DiscountPercentage, DiscountValue: dec("150"), Active: true,
	})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.CreateCoupon(ctx, adminAuth, CouponInput{Code: "X", DiscountType: "bogus", DiscountValue: dec("1")})
	assert.ErrorIs(t, err, ErrInvalidInput)

	off, err := f.svc.SetCouponActive(ctx, adminAuth, c.ID, false)
	require.NoError(t, err)
	assert.False(t, off.Active)

	updated, err := f.svc.UpdateCoupon(ctx, adminAuth, c.ID, CouponInput{
		Code: "verao25", DiscountType: model.DiscountPercentage, DiscountValue: dec("25"), Active: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "VERAO25", updated.Code)

	list, err := f.svc.ListCoupons(ctx, adminAuth)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, dec("25").Equal(list[0].DiscountValue))

	require.NoError(t, f.svc.DeleteCoupon(ctx, adminAuth, c.ID))
	assert.ErrorIs(t, f.svc.DeleteCoupon(ctx, adminAuth, c.ID), ErrNotFound)
}

func TestCatalogReads(t *testing.T) {
	f := newFixture(t)
	p := f.store.addProduct("Body Nuvem", "39.90", model.CategoryBodies, map[string]int{"GG": 1, "RN": 2, "M": 0})
	hidden := f.store.addProduct("Body Fora", "9.90", model.CategoryBodies, map[string]int{"M": 1})
	f.store.products[hidden.ID].Active = false

	list, err := f.svc.ListProducts(context.Background(), model.ProductFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "RN", list[0].Sizes[0].Label)

	got, err := f.svc.ProductBySlug(context.Background(), p.Slug)
	require.NoError(t, err)
	assert.Equal(t, p.ID, got.ID)

	_, err = f.svc.ProductBySlug(context.Background(), hidden.Slug)
	assert.ErrorIs(t, err, ErrNotFound)

	orderID := placedOrder(t, f, p, "RN", 1)
	view, err := f.svc.OrderStatus(context.Background(), orderID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, view.Status)

	_, err = f.svc.OrderStatus(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestLookupAddress_Degrades(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.LookupAddress(context.Background(), "123")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.LookupAddress(context.Background(), "01310-100")
	assert.ErrorIs(t, err, ErrLookupUnavailable)
}

type fakeQuoter struct {
	options []shipping.Option
	err     error
	got     shipping.QuoteRequest
}

func (q *fakeQuoter) Quote(ctx context.Context, req shipping.QuoteRequest) ([]shipping.Option, error) {
	q.got = req
	return q.options, q.err
}

func (q *fakeQuoter) Origin() string { return "02062000" }

func TestQuoteShipping(t *testing.T) {
	req := shipping.QuoteRequest{
		PostalCode: "01310-100",
		Products:   []shipping.Package{{ID: "body", Width: 20, Height: 4, Length: 25, Weight: 0.2, Quantity: 1}},
	}

	t.Run("normalizes and quotes", func(t *testing.T) {
		q := &fakeQuoter{options: []shipping.Option{{ServiceName: "PAC", Price: dec("18.40")}}}
		f := newFixture(t, WithRateQuoter(q))

		opts, err := f.svc.QuoteShipping(context.Background(), req)
		require.NoError(t, err)
		require.Len(t, opts, 1)
		assert.Equal(t, "01310100", q.got.PostalCode)
	})

	t.Run("invalid request", func(t *testing.T) {
		f := newFixture(t, WithRateQuoter(&fakeQuoter{}))

		_, err := f.svc.QuoteShipping(context.Background(), shipping.QuoteRequest{PostalCode: "01310-100"})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("carrier down", func(t *testing.T) {
		f := newFixture(t, WithRateQuoter(&fakeQuoter{err: errBoom}))

		_, err := f.svc.QuoteShipping(context.Background(), req)
		assert.ErrorIs(t, err, ErrLookupUnavailable)
	})

	t.Run("not configured", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.QuoteShipping(context.Background(), req)
		assert.ErrorIs(t, err, ErrLookupUnavailable)
	})
}
