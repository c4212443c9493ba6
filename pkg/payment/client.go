package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// APIError carries a non-2xx provider response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("payment provider returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to a Mercado-Pago-style REST checkout API.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// NewClient builds a provider client. timeout bounds each request.
func NewClient(baseURL, accessToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

type preferenceResponse struct {
	ID        string `json:"id"`
	InitPoint string `json:"init_point"`
}

// CreatePreference registers a checkout intent with the provider.
func (c *Client) CreatePreference(ctx context.Context, pref Preference) (CheckoutSession, error) {
	body := map[string]any{
		"items":              pref.Items,
		"external_reference": pref.ExternalReference,
		"back_urls": map[string]string{
			"success": pref.SuccessURL,
			"failure": pref.FailureURL,
			"pending": pref.PendingURL,
		},
		"auto_return": "approved",
	}
	if pref.NotificationURL != "" {
		body["notification_url"] = pref.NotificationURL
	}
	if pref.CurrencyID != "" {
		body["currency_id"] = pref.CurrencyID
	}

	var resp preferenceResponse
	if err := c.doJSON(ctx, http.MethodPost, "/checkout/preferences", body, &resp); err != nil {
		return CheckoutSession{}, err
	}
	if resp.ID == "" || resp.InitPoint == "" {
		return CheckoutSession{}, fmt.Errorf("%w: incomplete preference response", ErrUnavailable)
	}
	return CheckoutSession{ID: resp.ID, RedirectURL: resp.InitPoint}, nil
}

type paymentResponse struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	ExternalReference string      `json:"external_reference"`
	TransactionAmount float64     `json:"transaction_amount"`
}

// GetPayment fetches a payment record by provider ID.
func (c *Client) GetPayment(ctx context.Context, paymentID string) (Payment, error) {
	var resp paymentResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/payments/"+paymentID, nil, &resp); err != nil {
		return Payment{}, err
	}
	return Payment{
		ID:                resp.ID.String(),
		Status:            mapStatus(resp.Status),
		ExternalReference: resp.ExternalReference,
		AmountCents:       int64(math.Round(resp.TransactionAmount * 100)),
	}, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func mapStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "approved":
		return StatusApproved
	case "rejected":
		return StatusRejected
	case "cancelled":
		return StatusCancelled
	default:
		return StatusPending
	}
}

// FormatAmount renders cents as the decimal string the provider expects.
func FormatAmount(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return sign + strconv.FormatInt(cents/100, 10) + "." + fmt.Sprintf("%02d", cents%100)
}
