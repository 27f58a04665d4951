package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// errorResponse is the JSON error body shared by Server and Client
type errorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

const (
	errCodeNotFound          = "not_found"
	errCodeValidation        = "validation"
	errCodeConflict          = "conflict"
	errCodeInsufficientStock = "insufficient_stock"
)

// transactionRequest is the body of POST /api/items/{id}/transactions
type transactionRequest struct {
	Operation Operation `json:"operation"`
	Quantity  float64   `json:"quantity"`
}

// Client implements Service against the inventory REST API
type Client struct {
	baseURL   string
	basicAuth BasicAuth
	client    *http.Client
}

// NewClient creates a REST client for the service at baseURL
func NewClient(baseURL string, basicAuth BasicAuth) *Client {
	return &Client{
		baseURL:   baseURL,
		basicAuth: basicAuth,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, headers map[string]string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if c.basicAuth.Username != "" || c.basicAuth.Password != "" {
		req.SetBasicAuth(c.basicAuth.Username, c.basicAuth.Password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &NetworkError{Op: op, Err: fmt.Errorf("decoding response: %w", err)}
		}
		return nil
	}

	return decodeError(op, resp)
}

// decodeError maps an error response back to the package's error values
func decodeError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var payload errorResponse
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		payload.Error = string(bytes.TrimSpace(body))
	}

	switch {
	case payload.Code == errCodeNotFound:
		// a bare 404 is a wrong base URL or route, not an unknown code
		return ErrNotFound
	case payload.Code == errCodeValidation:
		return &ValidationError{Fields: payload.Fields}
	case payload.Code == errCodeInsufficientStock:
		return fmt.Errorf("%s: %s: %w", op, payload.Error, ErrInsufficientStock)
	case payload.Code == errCodeConflict || resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%s: %s: %w", op, payload.Error, ErrConflict)
	case resp.StatusCode >= 500:
		// the server may or may not have applied the request
		return &NetworkError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, payload.Error)}
	default:
		return fmt.Errorf("%s: inventory API error (status %d): %s", op, resp.StatusCode, payload.Error)
	}
}

// FindByCode looks an item up by barcode value
func (c *Client) FindByCode(ctx context.Context, code string) (*Item, error) {
	var item Item
	path := "/api/items?code=" + url.QueryEscape(code)
	if err := c.do(ctx, "find by code", http.MethodGet, path, nil, nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// CreateItem submits the create-item form
func (c *Client) CreateItem(ctx context.Context, n NewItem) (*Item, error) {
	var item Item
	if err := c.do(ctx, "create item", http.MethodPost, "/api/items", nil, n, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ApplyTransaction posts a stock mutation with its idempotency key
func (c *Client) ApplyTransaction(ctx context.Context, m Mutation) (*Item, error) {
	var item Item
	path := "/api/items/" + url.PathEscape(m.ItemID) + "/transactions"
	headers := map[string]string{"Idempotency-Key": m.IdempotencyKey}
	body := transactionRequest{Operation: m.Operation, Quantity: m.Quantity}
	if err := c.do(ctx, "apply transaction", http.MethodPost, path, headers, body, &item); err != nil {
		return nil, err
	}
	return &item, nil
}
