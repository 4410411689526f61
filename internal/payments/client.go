// Package payments implements the client for a YooKassa-compatible payment
// provider REST API (charge creation, status read-back) and the strict
// parsing of its inbound webhook notifications.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// Payment provider statuses as reported by the API.
const (
	StatusPending   = "pending"
	StatusSucceeded = "succeeded"
	StatusCanceled  = "canceled"
)

// Amount is the provider's money representation: a decimal string plus an
// ISO currency code. Value is kept as decimal.Decimal internally so that
// comparisons are exact, never floating point.
type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency string          `json:"currency"`
}

// UnmarshalJSON accepts the provider's string-encoded value ("225.00").
func (a *Amount) UnmarshalJSON(b []byte) error {
	var raw struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v, err := decimal.NewFromString(raw.Value)
	if err != nil {
		return fmt.Errorf("amount value %q: %w", raw.Value, err)
	}
	a.Value = v
	a.Currency = raw.Currency
	return nil
}

// MarshalJSON renders the value with exactly two decimal places, as the
// provider requires.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Value    string `json:"value"`
		Currency string `json:"currency"`
	}{Value: a.Value.StringFixed(2), Currency: a.Currency})
}

// Payment is the provider's payment object as returned by both the create
// and the get-by-id endpoints.
type Payment struct {
	ID              string            `json:"id"`
	Status          string            `json:"status"`
	Amount          Amount            `json:"amount"`
	Description     string            `json:"description,omitempty"`
	ConfirmationURL string            `json:"-"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// CreatePaymentRequest describes a charge to open with the provider.
type CreatePaymentRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	ReturnURL   string
	Metadata    map[string]string
}

// Client is an HTTP client for the provider's REST API. Credentials are sent
// as basic auth; every call carries a bounded timeout from construction.
type Client struct {
	baseURL       string
	shopID        string
	secretKey     string
	createTimeout time.Duration
	statusTimeout time.Duration
	httpClient    *http.Client
}

// NewClient constructs a provider Client.
func NewClient(baseURL, shopID, secretKey string, createTimeout, statusTimeout time.Duration) *Client {
	return &Client{
		baseURL:       baseURL,
		shopID:        shopID,
		secretKey:     secretKey,
		createTimeout: createTimeout,
		statusTimeout: statusTimeout,
		httpClient:    &http.Client{},
	}
}

// CreatePayment opens a charge with the provider and returns the payment
// object including the confirmation (checkout) URL. The idempotence key
// makes provider-side retries of this call safe.
func (c *Client) CreatePayment(ctx context.Context, req CreatePaymentRequest, idempotenceKey string) (*Payment, error) {
	body := map[string]any{
		"amount": map[string]string{
			"value":    req.Amount.StringFixed(2),
			"currency": req.Currency,
		},
		"capture": true,
		"confirmation": map[string]string{
			"type":       "redirect",
			"return_url": req.ReturnURL,
		},
		"description": req.Description,
		"metadata":    req.Metadata,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.createTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.SetBasicAuth(c.shopID, c.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotence-Key", idempotenceKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider create payment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("provider create payment: status %d: %s", resp.StatusCode, string(b))
	}
	return decodePayment(resp.Body)
}

// GetPayment reads back the authoritative payment state from the provider.
// The webhook path calls this before crediting: the notification body alone
// is never trusted.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/payments/"+paymentID, nil)
	if err != nil {
		return nil, err
	}
	httpReq.SetBasicAuth(c.shopID, c.secretKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider get payment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("provider get payment: status %d: %s", resp.StatusCode, string(b))
	}
	return decodePayment(resp.Body)
}

// decodePayment parses a provider payment object, surfacing the nested
// confirmation URL when present.
func decodePayment(r io.Reader) (*Payment, error) {
	var raw struct {
		ID           string            `json:"id"`
		Status       string            `json:"status"`
		Amount       Amount            `json:"amount"`
		Description  string            `json:"description"`
		Metadata     map[string]string `json:"metadata"`
		Confirmation struct {
			ConfirmationURL string `json:"confirmation_url"`
		} `json:"confirmation"`
	}
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode provider payment: %w", err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("decode provider payment: missing id")
	}
	return &Payment{
		ID:              raw.ID,
		Status:          raw.Status,
		Amount:          raw.Amount,
		Description:     raw.Description,
		ConfirmationURL: raw.Confirmation.ConfirmationURL,
		Metadata:        raw.Metadata,
	}, nil
}
