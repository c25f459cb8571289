// Package shipping рассчитывает тарифы перевозчиков через API Melhor Envio.
package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// DefaultBaseURL содержит адрес песочницы Melhor Envio.
	DefaultBaseURL = "https://sandbox.melhorenvio.com.br"
	// DefaultOriginPostalCode задаёт CEP склада, если он не настроен.
	DefaultOriginPostalCode = "02062000"

	userAgent = "PalestraBaby contato@palestrababy.com.br"
	services  = "1,2,3,4"
)

// ErrNotConfigured возвращается, если токен API не задан.
var ErrNotConfigured = errors.New("shipping client not configured")

// Package описывает один отправляемый товар, размеры в сантиметрах и вес в килограммах.
type Package struct {
	ID             string  `json:"id" validate:"required"`
	Width          float64 `json:"width" validate:"gt=0"`
	Height         float64 `json:"height" validate:"gt=0"`
	Length         float64 `json:"length" validate:"gt=0"`
	Weight         float64 `json:"weight" validate:"gt=0"`
	InsuranceValue float64 `json:"insurance_value" validate:"gte=0"`
	Quantity       int     `json:"quantity" validate:"min=1"`
}

// QuoteRequest запрашивает тарифы до CEP получателя.
type QuoteRequest struct {
	PostalCode string    `json:"postal_code" validate:"required,cep"`
	Products   []Package `json:"products" validate:"required,min=1,dive"`
}

// DeliveryRange содержит оценку срока доставки перевозчиком в рабочих днях.
type DeliveryRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// Option описывает один доступный сервис перевозчика.
type Option struct {
	ServiceID      int             `json:"service_id"`
	ServiceName    string          `json:"service_name"`
	CompanyName    string          `json:"company_name"`
	CompanyPicture string          `json:"company_picture"`
	Price          decimal.Decimal `json:"price"`
	DeliveryDays   int             `json:"delivery_days"`
	DeliveryRange  DeliveryRange   `json:"delivery_range"`
}

// Client обращается к калькулятору тарифов Melhor Envio.
type Client struct {
	baseURL    string
	token      string
	origin     string
	httpClient *http.Client
}

// NewClient создаёт клиент. Пустые baseURL и origin заменяются значениями по умолчанию.
func NewClient(baseURL, token, origin string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if origin == "" {
		origin = DefaultOriginPostalCode
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		origin:  origin,
		httpClient: &http.Client{
			Timeout: 8 * time.Second,
		},
	}
}

// Origin возвращает CEP склада, от которого считаются тарифы.
func (c *Client) Origin() string {
	return c.origin
}

type postalCode struct {
	PostalCode string `json:"postal_code"`
}

type calculateRequest struct {
	From     postalCode `json:"from"`
	To       postalCode `json:"to"`
	Products []Package  `json:"products"`
	Options  struct {
		Receipt bool `json:"receipt"`
		OwnHand bool `json:"own_hand"`
	} `json:"options"`
	Services string `json:"services"`
}

type serviceResult struct {
	ID            int           `json:"id"`
	Name          string        `json:"name"`
	Price         string        `json:"price"`
	DeliveryTime  int           `json:"delivery_time"`
	DeliveryRange DeliveryRange `json:"delivery_range"`
	Company       struct {
		Name    string `json:"name"`
		Picture string `json:"picture"`
	} `json:"company"`
	Error *string `json:"error"`
}

// Quote возвращает доступные сервисы для req, начиная с самых дешёвых. Сервисы, для которых API
// вернул ошибку или не указал цену, отбрасываются.
func (c *Client) Quote(ctx context.Context, req QuoteRequest) ([]Option, error) {
	if c == nil || c.token == "" {
		return nil, ErrNotConfigured
	}

	body := calculateRequest{
		From:     postalCode{PostalCode: c.origin},
		To:       postalCode{PostalCode: req.PostalCode},
		Products: req.Products,
		Services: services,
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/me/shipment/calculate", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.token)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var results []serviceResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	options := make([]Option, 0, len(results))
	for _, r := range results {
		if r.Error != nil || r.Price == "" {
			continue
		}
		price, err := decimal.NewFromString(r.Price)
		if err != nil {
			continue
		}
		options = append(options, Option{
			ServiceID:      r.ID,
			ServiceName:    r.Name,
			CompanyName:    r.Company.Name,
			CompanyPicture: r.Company.Picture,
			Price:          price,
			DeliveryDays:   r.DeliveryTime,
			DeliveryRange:  r.DeliveryRange,
		})
	}

	sort.SliceStable(options, func(i, j int) bool {
		return options[i].Price.LessThan(options[j].Price)
	})
	return options, nil
}
