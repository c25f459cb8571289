package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/palestrababy/storefront/internal/mercadopago"
	"github.com/palestrababy/storefront/internal/model"
	"github.com/palestrababy/storefront/internal/repository"
)

// memStore хранит Repository в памяти. Мьютекс делает каждый метод атомарным, поэтому
// DecrementStock ведёт себя как условное обновление в SQL-процедуре.
type memStore struct {
	mu sync.Mutex

	products  map[uuid.UUID]*model.Product
	coupons   map[string]*model.Coupon
	customers map[string]*model.Customer
	orders    map[uuid.UUID]*model.Order
	items     map[uuid.UUID][]model.OrderItem
	history   map[uuid.UUID][]model.StatusHistoryEntry
	otps      []*model.OTPCode

	failDecrement   map[string]error
	failCreateItems error
	failUsage       error
}

func newMemStore() *memStore {
	return &memStore{
		products:      map[uuid.UUID]*model.Product{},
		coupons:       map[string]*model.Coupon{},
		customers:     map[string]*model.Customer{},
		orders:        map[uuid.UUID]*model.Order{},
		items:         map[uuid.UUID][]model.OrderItem{},
		history:       map[uuid.UUID][]model.StatusHistoryEntry{},
		failDecrement: map[string]error{},
	}
}

func sizeKey(productID uuid.UUID, size string) string {
	return productID.String() + "/" + size
}

func (m *memStore) addProduct(name string, price string, category model.Category, stock map[string]int) *model.Product {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := &model.Product{
		ID:       uuid.New(),
		Name:     name,
		Slug:     strings.ToLower(strings.ReplaceAll(name, " ", "-")),
		Category: category,
		Price:    decimal.RequireFromString(price),
		Active:   true,
	}
	for label, n := range stock {
		p.Sizes = append(p.Sizes, model.ProductSize{ID: uuid.New(), ProductID: p.ID, Label: label, Stock: n})
	}
	model.SortSizes(p.Sizes)
	m.products[p.ID] = p
	return copyProduct(p)
}

func (m *memStore) stock(productID uuid.UUID, size string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.products[productID]
	for _, s := range p.Sizes {
		if s.Label == size {
			return s.Stock
		}
	}
	return -1
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memStore) order(id uuid.UUID) model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.orders[id]
}

func (m *memStore) setStatus(id uuid.UUID, s model.OrderStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[id].Status = s
}

func (m *memStore) historyOf(id uuid.UUID) []model.StatusHistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.StatusHistoryEntry(nil), m.history[id]...)
}

func copyProduct(p *model.Product) *model.Product {
	c := *p
	c.Sizes = append([]model.ProductSize(nil), p.Sizes...)
	return &c
}

func (m *memStore) Close() error { return nil }

func (m *memStore) ProductsByIDs(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := map[uuid.UUID]*model.Product{}
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			res[id] = copyProduct(p)
		}
	}
	return res, nil
}

func (m *memStore) ListProducts(_ context.Context, f model.ProductFilter) ([]model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []model.Product
	for _, p := range m.products {
		if !p.Active || (f.Category != nil && p.Category != *f.Category) || (f.Featured && !p.Featured) {
			continue
		}
		res = append(res, *copyProduct(p))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func (m *memStore) ProductBySlug(_ context.Context, slug string) (*model.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.products {
		if p.Slug == slug {
			return copyProduct(p), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memStore) sizeRow(productID uuid.UUID, size string) *model.ProductSize {
	p, ok := m.products[productID]
	if !ok {
		return nil
	}
	for i := range p.Sizes {
		if p.Sizes[i].Label == size {
			return &p.Sizes[i]
		}
	}
	return nil
}

func (m *memStore) DecrementStock(_ context.Context, productID uuid.UUID, size string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failDecrement[sizeKey(productID, size)]; err != nil {
		return err
	}
	row := m.sizeRow(productID, size)
	if row == nil || row.Stock < quantity {
		return repository.ErrInsufficientStock
	}
	row.Stock -= quantity
	return nil
}

func (m *memStore) IncrementStock(_ context.Context, productID uuid.UUID, size string, quantity int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.sizeRow(productID, size)
	if row == nil {
		return repository.ErrNotFound
	}
	row.Stock += quantity
	return nil
}

func (m *memStore) SetStock(_ context.Context, sizeID uuid.UUID, stock int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.products {
		for i := range p.Sizes {
			if p.Sizes[i].ID == sizeID {
				p.Sizes[i].Stock = stock
				return nil
			}
		}
	}
	return repository.ErrNotFound
}

func (m *memStore) LowStock(_ context.Context, threshold, limit int) ([]model.LowStockItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []model.LowStockItem
	for _, p := range m.products {
		for _, s := range p.Sizes {
			if s.Stock < threshold {
				res = append(res, model.LowStockItem{SizeID: s.ID, ProductName: p.Name, SizeLabel: s.Label, Stock: s.Stock})
			}
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Stock < res[j].Stock })
	if len(res) > limit {
		res = res[:limit]
	}
	return res, nil
}

func (m *memStore) CouponByCode(_ context.Context, code string) (*model.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[strings.ToUpper(code)]
	if !ok {
		return nil, repository.ErrCouponNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memStore) ListCoupons(_ context.Context) ([]model.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []model.Coupon
	for _, c := range m.coupons {
		res = append(res, *c)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Code < res[j].Code })
	return res, nil
}

func (m *memStore) CreateCoupon(_ context.Context, c *model.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.coupons[c.Code]; ok {
		return repository.ErrCouponExists
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.CreatedAt = time.Now()
	cp := *c
	m.coupons[c.Code] = &cp
	return nil
}

func (m *memStore) UpdateCoupon(_ context.Context, c *model.Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for code, existing := range m.coupons {
		if existing.ID != c.ID {
			continue
		}
		cp := *c
		cp.UsedCount = existing.UsedCount
		delete(m.coupons, code)
		m.coupons[c.Code] = &cp
		return nil
	}
	return repository.ErrCouponNotFound
}

func (m *memStore) DeleteCoupon(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for code, c := range m.coupons {
		if c.ID == id {
			delete(m.coupons, code)
			return nil
		}
	}
	return repository.ErrCouponNotFound
}

func (m *memStore) IncrementCouponUsage(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUsage != nil {
		return m.failUsage
	}
	for _, c := range m.coupons {
		if c.ID == id {
			c.UsedCount++
			return nil
		}
	}
	return repository.ErrCouponNotFound
}

func (m *memStore) UpsertCustomer(_ context.Context, c *model.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(c.Email)
	if existing, ok := m.customers[key]; ok {
		existing.Name, existing.Phone, existing.CPF = c.Name, c.Phone, c.CPF
		c.ID, c.CreatedAt = existing.ID, existing.CreatedAt
		return nil
	}
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	cp := *c
	m.customers[key] = &cp
	return nil
}

func (m *memStore) CreateOrder(_ context.Context, o *model.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = uuid.New()
	o.CreatedAt = time.Now()
	o.UpdatedAt = o.CreatedAt
	cp := *o
	cp.Items, cp.History = nil, nil
	m.orders[o.ID] = &cp
	return nil
}

func (m *memStore) DeleteOrder(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, id)
	delete(m.items, id)
	delete(m.history, id)
	return nil
}

func (m *memStore) CreateOrderItems(_ context.Context, orderID uuid.UUID, items []model.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failCreateItems != nil {
		return m.failCreateItems
	}
	for _, it := range items {
		it.ID = uuid.New()
		it.OrderID = orderID
		m.items[orderID] = append(m.items[orderID], it)
	}
	return nil
}

func (m *memStore) DeleteOrderItems(_ context.Context, orderID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, orderID)
	return nil
}

func (m *memStore) OrderItems(_ context.Context, orderID uuid.UUID) ([]model.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.OrderItem(nil), m.items[orderID]...), nil
}

func (m *memStore) AddStatusHistory(_ context.Context, e *model.StatusHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	m.history[e.OrderID] = append(m.history[e.OrderID], *e)
	return nil
}

func (m *memStore) StatusHistory(_ context.Context, orderID uuid.UUID) ([]model.StatusHistoryEntry, error) {
	return m.historyOf(orderID), nil
}

func (m *memStore) SetOrderPaymentID(_ context.Context, orderID uuid.UUID, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	o.PaymentID = paymentID
	return nil
}

func (m *memStore) GetOrder(_ context.Context, id uuid.UUID) (*model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, repository.ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) TransitionOrder(_ context.Context, c model.StatusChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[c.OrderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	if o.Status != c.From {
		return repository.ErrStatusChanged
	}
	o.Status = c.To
	if c.PaymentID != "" {
		o.PaymentID = c.PaymentID
	}
	at := c.At
	switch field, _ := model.TimestampField(c.To); field {
	case "paid_at":
		o.PaidAt = &at
	case "shipped_at":
		o.ShippedAt = &at
	case "delivered_at":
		o.DeliveredAt = &at
	case "cancelled_at":
		o.CancelledAt = &at
	}
	from := c.From
	m.history[c.OrderID] = append(m.history[c.OrderID], model.StatusHistoryEntry{
		ID:        uuid.New(),
		OrderID:   c.OrderID,
		OldStatus: &from,
		NewStatus: c.To,
		ChangedBy: c.ChangedBy,
		Note:      c.Note,
		CreatedAt: at,
	})
	return nil
}

func (m *memStore) ListOrders(_ context.Context, f model.OrderFilter) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []model.Order
	for _, o := range m.orders {
		if f.Status != nil && o.Status != *f.Status {
			continue
		}
		if f.CreatedBefore != nil && !o.CreatedAt.Before(*f.CreatedBefore) {
			continue
		}
		res = append(res, *o)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

func (m *memStore) StalePendingOrders(_ context.Context, cutoff time.Time) ([]model.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []model.Order
	for _, o := range m.orders {
		if o.Status == model.OrderStatusPending && o.PaymentID == "" && o.CreatedAt.Before(cutoff) {
			res = append(res, *o)
		}
	}
	return res, nil
}

func (m *memStore) UpdateTrackingCode(_ context.Context, orderID uuid.UUID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	o.TrackingCode = code
	return nil
}

func (m *memStore) UpdateAdminNotes(_ context.Context, orderID uuid.UUID, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return repository.ErrOrderNotFound
	}
	o.AdminNotes = notes
	return nil
}

func (m *memStore) Dashboard(_ context.Context) (*model.Dashboard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := &model.Dashboard{TotalProducts: len(m.products), TotalOrders: len(m.orders)}
	for _, o := range m.orders {
		if o.Status == model.OrderStatusPending {
			d.PendingOrders++
		}
		for _, s := range model.RevenueStatuses {
			if o.Status == s {
				d.TotalRevenue = d.TotalRevenue.Add(o.Total)
			}
		}
	}
	return d, nil
}

func (m *memStore) InvalidateOTPCodes(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.otps {
		if c.UserID == userID {
			c.Used = true
		}
	}
	return nil
}

func (m *memStore) CreateOTPCode(_ context.Context, c *model.OTPCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = uuid.New()
	c.CreatedAt = time.Now()
	cp := *c
	m.otps = append(m.otps, &cp)
	return nil
}

func (m *memStore) LatestActiveOTPCode(_ context.Context, userID string, now time.Time) (*model.OTPCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.otps) - 1; i >= 0; i-- {
		c := m.otps[i]
		if c.UserID == userID && !c.Used && c.ExpiresAt.After(now) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repository.ErrNoActiveOTP
}

func (m *memStore) IncrementOTPAttempts(_ context.Context, id uuid.UUID, maxAttempts int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.otps {
		if c.ID == id && !c.Used && c.Attempts < maxAttempts {
			c.Attempts++
			return c.Attempts, nil
		}
	}
	return 0, repository.ErrNoActiveOTP
}

func (m *memStore) MarkOTPUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.otps {
		if c.ID == id && !c.Used {
			c.Used = true
			return nil
		}
	}
	return repository.ErrNoActiveOTP
}

func (m *memStore) otpList() []model.OTPCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]model.OTPCode, 0, len(m.otps))
	for _, c := range m.otps {
		res = append(res, *c)
	}
	return res
}

type fakeGateway struct {
	mu         sync.Mutex
	requests   []mercadopago.PreferenceRequest
	prefErr    error
	payments   map[string]*mercadopago.Payment
	searches   map[string][]mercadopago.Payment
	paymentErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		payments: map[string]*mercadopago.Payment{},
		searches: map[string][]mercadopago.Payment{},
	}
}

func (g *fakeGateway) CreatePreference(_ context.Context, req mercadopago.PreferenceRequest) (*mercadopago.Preference, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.prefErr != nil {
		return nil, g.prefErr
	}
	p := &mercadopago.Preference{
		ID:        "pref-" + req.OrderID,
		InitPoint: "https://mp.example/checkout?pref=" + req.OrderID,
	}
	if req.PixOnly {
		p.PixQRCode = "00020126pix"
		p.PixQRCodeBase64 = "iVBORw0KGgo="
	}
	return p, nil
}

func (g *fakeGateway) GetPayment(_ context.Context, id string) (*mercadopago.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paymentErr != nil {
		return nil, g.paymentErr
	}
	p, ok := g.payments[id]
	if !ok {
		return nil, mercadopago.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (g *fakeGateway) SearchPayments(_ context.Context, ref string) ([]mercadopago.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.searches[ref], nil
}

func (g *fakeGateway) lastRequest() mercadopago.PreferenceRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

type sentMail struct {
	to   string
	code string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (f *fakeMailer) SendOTP(_ context.Context, to, code string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{to: to, code: code})
	return nil
}

func (f *fakeMailer) last() sentMail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

var errBoom = errors.New("boom")
