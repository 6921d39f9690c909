// Package payment implements the YooKassa payment provider client.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultBaseURL = "https://api.yookassa.ru/v3"
	// StatusSucceeded is the provider's terminal paid status. Only orders
	// in this status with paid=true release credits.
	StatusSucceeded = "succeeded"
)

// Amount is a decimal money value as the provider represents it.
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// Kopecks converts the decimal string to minor units. Comparing in minor
// units avoids float drift on money.
func (a Amount) Kopecks() (int64, error) {
	whole, frac, _ := strings.Cut(a.Value, ".")
	rub, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad amount %q: %w", a.Value, err)
	}
	if frac == "" {
		return rub * 100, nil
	}
	if len(frac) > 2 {
		return 0, fmt.Errorf("bad amount %q: too many decimal places", a.Value)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	kop, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad amount %q: %w", a.Value, err)
	}
	return rub*100 + kop, nil
}

// Order is a payment order as seen by the provider.
type Order struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Paid         bool   `json:"paid"`
	Amount       Amount `json:"amount"`
	Description  string `json:"description"`
	Confirmation struct {
		Type            string `json:"type"`
		ConfirmationURL string `json:"confirmation_url"`
	} `json:"confirmation"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CreateRequest describes a new payment order.
type CreateRequest struct {
	AmountRUB   int64
	Description string
	ReturnURL   string
	Metadata    map[string]string
}

// Client talks to the YooKassa REST API.
type Client struct {
	baseURL string
	shopID  string
	secret  string
	httpc   *http.Client
}

// NewClient creates a provider client with shop credentials.
func NewClient(shopID, secretKey string) *Client {
	return &Client{
		baseURL: defaultBaseURL,
		shopID:  shopID,
		secret:  secretKey,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
}

// NewClientWithBaseURL is used by tests to point at a stub server.
func NewClientWithBaseURL(shopID, secretKey, baseURL string) *Client {
	c := NewClient(shopID, secretKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Create registers a new payment order and returns it with the redirect
// confirmation URL filled in. The Idempotence-Key header makes network
// retries safe.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	body := map[string]interface{}{
		"amount": Amount{
			Value:    fmt.Sprintf("%d.00", req.AmountRUB),
			Currency: "RUB",
		},
		"capture": true,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": req.ReturnURL,
		},
		"description": req.Description,
	}
	if len(req.Metadata) > 0 {
		body["metadata"] = req.Metadata
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal payment request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("build payment request: %w", err)
	}
	httpReq.SetBasicAuth(c.shopID, c.secret)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotence-Key", uuid.New().String())

	return c.do(httpReq)
}

// Find fetches the current state of an order from the provider. Webhook
// handling and reconciliation both trust only this, never inbound payloads.
func (c *Client) Find(ctx context.Context, orderID string) (*Order, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/payments/"+orderID, nil)
	if err != nil {
		return nil, fmt.Errorf("build payment lookup: %w", err)
	}
	httpReq.SetBasicAuth(c.shopID, c.secret)
	return c.do(httpReq)
}

func (c *Client) do(req *http.Request) (*Order, error) {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("payment provider request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("payment provider returned %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var order Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("decode provider response: %w", err)
	}
	return &order, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
