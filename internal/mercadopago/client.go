// Package mercadopago содержит клиент API Checkout Pro и Payments платёжной системы MercadoPago.
package mercadopago

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultBaseURL содержит адрес боевого API.
const DefaultBaseURL = "https://api.mercadopago.com"

const statementDescriptor = "PALESTRA BABY"

var (
	// ErrNotConfigured возвращается, если токен доступа не задан.
	ErrNotConfigured = errors.New("mercadopago client not configured")
	// ErrNotFound возвращается, если у API нет такого ресурса.
	ErrNotFound = errors.New("mercadopago resource not found")
)

// APIError описывает ответ API с кодом не из диапазона 2xx.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("mercadopago: unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("mercadopago: status %d: %s", e.StatusCode, e.Message)
}

// Config содержит параметры клиента.
type Config struct {
	BaseURL         string
	AccessToken     string
	SiteURL         string
	NotificationURL string
	Timeout         time.Duration
	RetryMax        int
}

// Client обращается к REST API MercadoPago. Запросы повторяются при транспортных ошибках, ответах
// 429 и 5xx; создание preference передаёт ключ идемпотентности, поэтому повтор безопасен.
type Client struct {
	cfg        Config
	httpClient *retryablehttp.Client
}

// NewClient создаёт клиент. При nil logger логирование повторов отключено.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.SiteURL = strings.TrimRight(cfg.SiteURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = 3
	}

	hc := retryablehttp.NewClient()
	hc.HTTPClient.Timeout = cfg.Timeout
	hc.RetryMax = cfg.RetryMax
	hc.RetryWaitMin = 200 * time.Millisecond
	hc.RetryWaitMax = 2 * time.Second
	if logger != nil {
		hc.Logger = leveledLogger{l: logger.Sugar()}
	} else {
		hc.Logger = nil
	}

	return &Client{cfg: cfg, httpClient: hc}
}

// Item описывает строку preference с достоверной ценой за единицу.
type Item struct {
	ID        string
	Title     string
	Quantity  int
	UnitPrice decimal.Decimal
}

// Payer описывает покупателя. Телефон и CPF содержат только цифры.
type Payer struct {
	Name  string
	Email string
	Phone string
	CPF   string
}

// PreferenceRequest содержит всё необходимое для открытия платежа по одному заказу.
type PreferenceRequest struct {
	OrderID       string
	Items         []Item
	ShippingLabel string
	ShippingPrice decimal.Decimal
	DiscountLabel string
	Discount      decimal.Decimal
	Payer         Payer
	PixOnly       bool
}

// Preference описывает созданный платёж Checkout Pro.
type Preference struct {
	ID               string
	InitPoint        string
	SandboxInitPoint string
	PixQRCode        string
	PixQRCodeBase64  string
}

// Payment описывает достоверное состояние платежа.
type Payment struct {
	ID                int64
	Status            string
	StatusDetail      string
	ExternalReference string
	TransactionAmount decimal.Decimal
}

type wireItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type wirePayer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone struct {
		AreaCode string `json:"area_code"`
		Number   string `json:"number"`
	} `json:"phone"`
	Identification struct {
		Type   string `json:"type"`
		Number string `json:"number"`
	} `json:"identification"`
}

type wirePaymentType struct {
	ID string `json:"id"`
}

type wirePreferenceRequest struct {
	Items               []wireItem        `json:"items"`
	Payer               wirePayer         `json:"payer"`
	BackURLs            map[string]string `json:"back_urls"`
	AutoReturn          string            `json:"auto_return"`
	ExternalReference   string            `json:"external_reference"`
	NotificationURL     string            `json:"notification_url,omitempty"`
	StatementDescriptor string            `json:"statement_descriptor"`
	PaymentMethods      struct {
		ExcludedPaymentTypes []wirePaymentType `json:"excluded_payment_types"`
		Installments         int               `json:"installments"`
	} `json:"payment_methods"`
}

type wireTransactionData struct {
	QRCode       string `json:"qr_code"`
	QRCodeBase64 string `json:"qr_code_base64"`
}

type wirePreference struct {
	ID                 string `json:"id"`
	InitPoint          string `json:"init_point"`
	SandboxInitPoint   string `json:"sandbox_init_point"`
	PointOfInteraction *struct {
		TransactionData *wireTransactionData `json:"transaction_data"`
	} `json:"point_of_interaction"`
}

type wirePayment struct {
	ID                int64           `json:"id"`
	Status            string          `json:"status"`
	StatusDetail      string          `json:"status_detail"`
	ExternalReference string          `json:"external_reference"`
	TransactionAmount decimal.Decimal `json:"transaction_amount"`
}

func (c *Client) buildPreference(req PreferenceRequest) wirePreferenceRequest {
	var body wirePreferenceRequest

	for _, it := range req.Items {
		body.Items = append(body.Items, wireItem{
			ID:         it.ID,
			Title:      it.Title,
			Quantity:   it.Quantity,
			UnitPrice:  it.UnitPrice.InexactFloat64(),
			CurrencyID: "BRL",
		})
	}
	if req.ShippingPrice.IsPositive() {
		body.Items = append(body.Items, wireItem{
			ID:         "shipping",
			Title:      req.ShippingLabel,
			Quantity:   1,
			UnitPrice:  req.ShippingPrice.InexactFloat64(),
			CurrencyID: "BRL",
		})
	}
	if req.Discount.IsPositive() {
		body.Items = append(body.Items, wireItem{
			ID:         "discount",
			Title:      req.DiscountLabel,
			Quantity:   1,
			UnitPrice:  req.Discount.Neg().InexactFloat64(),
			CurrencyID: "BRL",
		})
	}

	body.Payer.Name = req.Payer.Name
	body.Payer.Email = req.Payer.Email
	if len(req.Payer.Phone) > 2 {
		body.Payer.Phone.AreaCode = req.Payer.Phone[:2]
		body.Payer.Phone.Number = req.Payer.Phone[2:]
	}
	body.Payer.Identification.Type = "CPF"
	body.Payer.Identification.Number = req.Payer.CPF

	confirm := c.cfg.SiteURL + "/pedido/confirmacao?order_id=" + req.OrderID + "&status="
	body.BackURLs = map[string]string{
		"success": confirm + "approved",
		"failure": confirm + "rejected",
		"pending": confirm + "pending",
	}
	body.AutoReturn = "approved"
	body.ExternalReference = req.OrderID
	body.NotificationURL = c.cfg.NotificationURL
	body.StatementDescriptor = statementDescriptor

	body.PaymentMethods.ExcludedPaymentTypes = []wirePaymentType{}
	if req.PixOnly {
		body.PaymentMethods.ExcludedPaymentTypes = []wirePaymentType{{ID: "credit_card"}, {ID: "debit_card"}}
	}
	body.PaymentMethods.Installments = 3

	return body
}

// CreatePreference открывает preference Checkout Pro для заказа.
func (c *Client) CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error) {
	if c == nil || c.cfg.AccessToken == "" {
		return nil, ErrNotConfigured
	}

	buf, err := json.Marshal(c.buildPreference(req))
	if err != nil {
		return nil, fmt.Errorf("encode preference: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/checkout/preferences", buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Idempotency-Key", req.OrderID)

	var pref wirePreference
	if err := c.do(httpReq, &pref); err != nil {
		return nil, err
	}
	if pref.ID == "" {
		return nil, errors.New("mercadopago: preference without id")
	}

	res := &Preference{
		ID:               pref.ID,
		InitPoint:        pref.InitPoint,
		SandboxInitPoint: pref.SandboxInitPoint,
	}
	if poi := pref.PointOfInteraction; poi != nil && poi.TransactionData != nil {
		res.PixQRCode = poi.TransactionData.QRCode
		res.PixQRCodeBase64 = poi.TransactionData.QRCodeBase64
	}
	return res, nil
}

// GetPayment запрашивает достоверное состояние платежа.
func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	if c == nil || c.cfg.AccessToken == "" {
		return nil, ErrNotConfigured
	}
	if id == "" {
		return nil, ErrNotFound
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/payments/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var p wirePayment
	if err := c.do(httpReq, &p); err != nil {
		return nil, err
	}

	return &Payment{
		ID:                p.ID,
		Status:            p.Status,
		StatusDetail:      p.StatusDetail,
		ExternalReference: p.ExternalReference,
		TransactionAmount: p.TransactionAmount,
	}, nil
}

// SearchPayments возвращает платежи по external reference, начиная с новых.
func (c *Client) SearchPayments(ctx context.Context, externalReference string) ([]Payment, error) {
	if c == nil || c.cfg.AccessToken == "" {
		return nil, ErrNotConfigured
	}

	q := url.Values{}
	q.Set("external_reference", externalReference)
	q.Set("sort", "date_created")
	q.Set("criteria", "desc")

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/payments/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	var page struct {
		Results []wirePayment `json:"results"`
	}
	if err := c.do(httpReq, &page); err != nil {
		return nil, err
	}

	res := make([]Payment, 0, len(page.Results))
	for _, p := range page.Results {
		res = append(res, Payment{
			ID:                p.ID,
			Status:            p.Status,
			StatusDetail:      p.StatusDetail,
			ExternalReference: p.ExternalReference,
			TransactionAmount: p.TransactionAmount,
		})
	}
	return res, nil
}

func (c *Client) do(req *retryablehttp.Request, out any) error {
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}

	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &msg) == nil && msg.Message != "" {
			apiErr.Message = msg.Message
		} else {
			apiErr.Message = string(bytes.TrimSpace(body))
		}
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// leveledLogger адаптирует zap к retryablehttp.LeveledLogger.
type leveledLogger struct {
	l *zap.SugaredLogger
}

func (z leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	z.l.Errorw(msg, keysAndValues...)
}

func (z leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	z.l.Debugw(msg, keysAndValues...)
}

func (z leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	z.l.Debugw(msg, keysAndValues...)
}

func (z leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	z.l.Warnw(msg, keysAndValues...)
}
