// Package provider implements the client for the external payment provider.
// The backend depends only on the narrow authorize/capture/refund contract;
// everything else about the provider's API stays behind this package.
package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/marketfair/settlements/internal/config"
)

// Authorization is the provider's handle for an authorized payment.
type Authorization struct {
	ExternalID string `json:"id"`
	Status     string `json:"status"`
}

// HTTPClient talks JSON to the provider. Idempotency is carried on the
// Idempotency-Key header; the provider deduplicates on it, so retrying a
// call with the same key is safe.
type HTTPClient struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPClient(cfg *config.ProviderConfig) *HTTPClient {
	return &HTTPClient{
		name:    cfg.Name,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Name identifies the provider in payment intent records.
func (c *HTTPClient) Name() string {
	return c.name
}

// CreateAuthorization asks the provider to authorize the amount.
func (c *HTTPClient) CreateAuthorization(amountMinorUnits int64, currency, idempotencyKey string) (*Authorization, error) {
	body := map[string]any{
		"amount":   amountMinorUnits,
		"currency": currency,
	}

	var auth Authorization
	if err := c.post("/v1/authorizations", idempotencyKey, body, &auth); err != nil {
		return nil, err
	}
	if auth.ExternalID == "" {
		return nil, fmt.Errorf("provider returned authorization without an id")
	}
	return &auth, nil
}

// Capture settles a previously authorized payment.
func (c *HTTPClient) Capture(externalID string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/v1/authorizations/%s/capture", externalID)
	if err := c.post(path, "", nil, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Refund reverses a captured payment.
func (c *HTTPClient) Refund(externalID string) (string, error) {
	var resp struct {
		ID string `json:"id"`
	}
	path := fmt.Sprintf("/v1/authorizations/%s/refund", externalID)
	if err := c.post(path, "", nil, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *HTTPClient) post(path, idempotencyKey string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(snippet))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
