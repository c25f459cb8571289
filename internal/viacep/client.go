// Package viacep ищет бразильские почтовые индексы через ViaCEP.
package viacep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL содержит адрес публичного API ViaCEP.
const DefaultBaseURL = "https://viacep.com.br"

// ErrNotFound возвращается для корректных CEP, которых не существует.
var ErrNotFound = errors.New("cep not found")

// Address содержит часть ответа ViaCEP, которую использует форма оформления заказа.
type Address struct {
	CEP          string `json:"cep"`
	Street       string `json:"street"`
	Neighborhood string `json:"neighborhood"`
	City         string `json:"city"`
	State        string `json:"state"`
}

type response struct {
	CEP        string `json:"cep"`
	Logradouro string `json:"logradouro"`
	Bairro     string `json:"bairro"`
	Localidade string `json:"localidade"`
	UF         string `json:"uf"`
	Erro       any    `json:"erro"`
}

// Client обращается к ViaCEP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент с коротким таймаутом; поиск выполняется по возможности.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 3 * time.Second,
		},
	}
}

// Lookup ищет адрес по CEP из 8 цифр.
func (c *Client) Lookup(ctx context.Context, cep string) (*Address, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/ws/%s/json/", c.baseURL, cep), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var r response
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	// erro приходит как true или "true" в зависимости от версии API.
	if r.Erro != nil && r.Erro != false {
		return nil, ErrNotFound
	}

	return &Address{
		CEP:          strings.ReplaceAll(r.CEP, "-", ""),
		Street:       r.Logradouro,
		Neighborhood: r.Bairro,
		City:         r.Localidade,
		State:        r.UF,
	}, nil
}
