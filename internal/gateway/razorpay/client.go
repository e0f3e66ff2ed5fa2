// Package razorpay реализует domain.GatewayClient поверх REST API Razorpay.
package razorpay

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

	"github.com/vladislavdragonenkov/foodorders/internal/domain"
	"github.com/vladislavdragonenkov/foodorders/internal/gateway"
)

// DefaultBaseURL: публичный endpoint API v1.
const DefaultBaseURL = "https://api.razorpay.com/v1"

const (
	defaultTimeout = 10 * time.Second
	maxErrorBody   = 4 << 10
)

// ErrMissingCredentials возвращается, если не задан KeyID или KeySecret.
var ErrMissingCredentials = errors.New("razorpay: key id and key secret are required")

// Config: учётные данные и адрес API.
type Config struct {
	KeyID     string
	KeySecret string
	// BaseURL пустой — DefaultBaseURL.
	BaseURL string
	Timeout time.Duration
}

// Client вызывает API шлюза с basic-аутентификацией по паре ключей.
type Client struct {
	baseURL   string
	keyID     string
	keySecret string
	http      *http.Client
}

// NewClient проверяет конфигурацию и создаёт клиента.
func NewClient(cfg Config) (*Client, error) {
	keyID := strings.TrimSpace(cfg.KeyID)
	keySecret := strings.TrimSpace(cfg.KeySecret)
	if keyID == "" || keySecret == "" {
		return nil, ErrMissingCredentials
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("razorpay: invalid base url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:   baseURL,
		keyID:     keyID,
		keySecret: keySecret,
		http:      &http.Client{Timeout: timeout},
	}, nil
}

type createOrderRequest struct {
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Receipt        string `json:"receipt"`
	PaymentCapture int    `json:"payment_capture"`
}

type refundRequest struct {
	Amount int64             `json:"amount"`
	Notes  map[string]string `json:"notes,omitempty"`
}

type errorEnvelope struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// CreateOrder создаёт order с автоматическим захватом платежа.
func (c *Client) CreateOrder(ctx context.Context, amountMinor int64, currency, receipt string) (domain.GatewayOrder, error) {
	var out domain.GatewayOrder
	err := c.do(ctx, http.MethodPost, "orders", createOrderRequest{
		Amount:         amountMinor,
		Currency:       currency,
		Receipt:        receipt,
		PaymentCapture: 1,
	}, &out)
	return out, err
}

// FetchPayment читает платёж по идентификатору.
func (c *Client) FetchPayment(ctx context.Context, paymentID string) (domain.GatewayPayment, error) {
	var out domain.GatewayPayment
	err := c.do(ctx, http.MethodGet, "payments/"+url.PathEscape(paymentID), nil, &out)
	return out, err
}

// Refund инициирует возврат указанной суммы.
func (c *Client) Refund(ctx context.Context, paymentID string, amountMinor int64, notes map[string]string) (domain.GatewayRefund, error) {
	var out domain.GatewayRefund
	err := c.do(ctx, http.MethodPost, "payments/"+url.PathEscape(paymentID)+"/refund", refundRequest{
		Amount: amountMinor,
		Notes:  notes,
	}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("razorpay: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, reader)
	if err != nil {
		return fmt.Errorf("razorpay: build request: %w", err)
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("razorpay: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("razorpay: decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &gateway.StatusError{StatusCode: resp.StatusCode}

	var env errorEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Error.Code != "" {
		se.Code = env.Error.Code
		se.Description = env.Error.Description
	} else {
		se.Description = strings.TrimSpace(string(raw))
	}
	return se
}

var _ domain.GatewayClient = (*Client)(nil)
