// Package fastspring is a minimal client for the FastSpring Orders API.
package fastspring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	ierr "github.com/atlas-chat/atlas/pkg/errors"
)

// Config holds API credentials.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// OrderRequest is a one-time charge against a customer account.
type OrderRequest struct {
	AccountID   string
	Email       string
	Product     string
	Description string
	AmountUSD   decimal.Decimal
	Tags        map[string]string
}

// OrderResponse identifies the created order.
type OrderResponse struct {
	ID         string
	Reference  string
	ReceiptURL string
}

// HTTPError is returned for non-2xx responses.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fastspring: status %d: %s", e.StatusCode, e.Body)
}

// Client creates orders.
type Client struct {
	cfg  Config
	http *http.Client
}

// New creates a Client. A zero timeout defaults to 30s.
func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}}
}

type orderItem struct {
	Product  string       `json:"product"`
	Quantity int          `json:"quantity"`
	Pricing  orderPricing `json:"pricing"`
	Display  string       `json:"display,omitempty"`
}

type orderPricing struct {
	Price map[string]string `json:"price"`
}

type orderPayload struct {
	Account  string            `json:"account,omitempty"`
	Contact  *orderContact     `json:"contact,omitempty"`
	Currency string            `json:"currency"`
	Items    []orderItem       `json:"items"`
	Tags     map[string]string `json:"tags,omitempty"`
}

type orderContact struct {
	Email string `json:"email"`
}

type orderResult struct {
	ID         string `json:"id"`
	Order      string `json:"order"`
	Reference  string `json:"reference"`
	InvoiceURL string `json:"invoiceUrl"`
	ReceiptURL string `json:"receiptUrl"`
}

// CreateOrder posts a one-time order. The returned ID is empty when the
// response carried neither an id nor an order field.
func (c *Client) CreateOrder(ctx context.Context, req OrderRequest) (OrderResponse, error) {
	payload := orderPayload{
		Account:  req.AccountID,
		Currency: "USD",
		Items: []orderItem{{
			Product:  req.Product,
			Quantity: 1,
			Pricing:  orderPricing{Price: map[string]string{"USD": req.AmountUSD.StringFixed(2)}},
			Display:  req.Description,
		}},
		Tags: req.Tags,
	}
	if req.AccountID == "" && req.Email != "" {
		payload.Contact = &orderContact{Email: req.Email}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return OrderResponse{}, fmt.Errorf("encode order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return OrderResponse{}, ierr.WithError(err).WithMessage("build order request").Mark(ierr.ErrHTTPClient)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.SetBasicAuth(c.cfg.Username, c.cfg.Password)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return OrderResponse{}, ierr.WithError(err).WithMessage("send order request").Mark(ierr.ErrHTTPClient)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return OrderResponse{}, ierr.WithError(err).WithMessage("read order response").Mark(ierr.ErrHTTPClient)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return OrderResponse{}, ierr.WithError(&HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}).
			WithHint("payment provider rejected the order").
			Mark(ierr.ErrHTTPClient)
	}

	var result orderResult
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &result); err != nil {
			return OrderResponse{}, ierr.WithError(err).WithMessage("decode order response").Mark(ierr.ErrHTTPClient)
		}
	}

	id := result.ID
	if id == "" {
		id = result.Order
	}
	receipt := result.ReceiptURL
	if receipt == "" {
		receipt = result.InvoiceURL
	}
	return OrderResponse{ID: id, Reference: result.Reference, ReceiptURL: receipt}, nil
}
