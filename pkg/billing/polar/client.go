package polar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mihaimyh/entsync/pkg/billing"
	"github.com/mihaimyh/entsync/pkg/entitlement"
)

const defaultBaseURL = "https://api.polar.sh"

// Client is a minimal read-only client for the provider's query API. It
// covers the lookups the webhook pipeline and the reconciler need: payment
// confirmation and identity resolution.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     entitlement.Logger
	metrics    billing.Metrics
}

// NewClient creates a query API client from the shared provider config.
func NewClient(config billing.Config) *Client {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := config.Logger
	if logger == nil {
		logger = &entitlement.NoopLogger{}
	}
	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	return &Client{
		baseURL:    baseURL,
		token:      config.AccessToken,
		httpClient: httpClient,
		logger:     logger,
		metrics:    metrics,
	}
}

// getJSON performs an authenticated GET and decodes the response.
// 404 maps to ErrCustomerNotFound so callers can distinguish "definitively
// absent" from "could not reach the provider"; transport failures and 5xx
// map to ErrProviderUnavailable.
func (c *Client) getJSON(ctx context.Context, endpoint, path string, query url.Values, out interface{}) error {
	if c.token == "" {
		return billing.ErrProviderNotConfigured
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
	if err != nil {
		status := "error"
		if errors.Is(err, context.DeadlineExceeded) {
			status = "timeout"
		}
		c.metrics.RecordAPICall(providerName, endpoint, status)
		return fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
	}()

	c.metrics.RecordAPICall(providerName, endpoint, strconv.Itoa(resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return billing.ErrCustomerNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", billing.ErrProviderUnavailable, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: status %d", billing.ErrProviderAPIError, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", billing.ErrProviderAPIError, err)
	}
	return nil
}

// GetCheckout fetches a checkout session by id.
func (c *Client) GetCheckout(ctx context.Context, id string) (*Checkout, error) {
	var checkout Checkout
	if err := c.getJSON(ctx, "checkout", "/v1/checkouts/"+id, nil, &checkout); err != nil {
		return nil, err
	}
	return &checkout, nil
}

// GetOrder fetches an order by id.
func (c *Client) GetOrder(ctx context.Context, id string) (*Order, error) {
	var order Order
	if err := c.getJSON(ctx, "order", "/v1/orders/"+id, nil, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetCustomer fetches a customer by id.
func (c *Client) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var customer Customer
	if err := c.getJSON(ctx, "customer", "/v1/customers/"+id, nil, &customer); err != nil {
		return nil, err
	}
	return &customer, nil
}

// GetSubscription fetches a subscription by id.
func (c *Client) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	var sub Subscription
	if err := c.getJSON(ctx, "subscription", "/v1/subscriptions/"+id, nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

// GetCustomerByEmail looks up a customer by email address. Returns
// ErrCustomerNotFound when no customer matches.
func (c *Client) GetCustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	query := url.Values{"email": {email}, "limit": {"1"}}

	var resp listResponse[Customer]
	if err := c.getJSON(ctx, "customers_list", "/v1/customers", query, &resp); err != nil {
		return nil, err
	}
	if len(resp.Items) == 0 {
		return nil, billing.ErrCustomerNotFound
	}
	return &resp.Items[0], nil
}

// ListSubscriptions returns all subscriptions for a customer, newest first.
func (c *Client) ListSubscriptions(ctx context.Context, customerID string) ([]Subscription, error) {
	query := url.Values{"customer_id": {customerID}, "limit": {"20"}}

	var resp listResponse[Subscription]
	if err := c.getJSON(ctx, "subscriptions_list", "/v1/subscriptions", query, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}
