/**
 * @description
 * Client for the ad inventory provider API. Lists business managers (with
 * their pixels) and ad accounts page by page using bearer authentication.
 *
 * @dependencies
 * - github.com/failsafe-go/failsafe-go: retry with exponential backoff for
 *   network errors, 5xx and 429 responses.
 */
package inventoryclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Client is a client for the inventory provider API.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewClient creates an inventory client that retries each page request up to
// maxRetries times.
func NewClient(baseURL, apiKey string, maxRetries int) *Client {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries: maxRetries,
		baseDelay:  200 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

// WithBackoff overrides the retry delays.
func (c *Client) WithBackoff(base, max time.Duration) *Client {
	c.baseDelay = base
	c.maxDelay = max
	return c
}

// Pixel is a tracking pixel nested under a business manager.
type Pixel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// BusinessManager is a business manager record from the provider.
type BusinessManager struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	Status             string  `json:"status"`
	VerificationStatus string  `json:"verification_status"`
	Pixels             []Pixel `json:"pixels"`
}

// AdAccount is an ad account record. BusinessManagerID is the external id of
// the owning business manager.
type AdAccount struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Status            string `json:"status"`
	BusinessManagerID string `json:"business_manager_id"`
	Currency          string `json:"currency"`
	Timezone          string `json:"timezone"`
	SpendCapCents     int64  `json:"spend_cap_cents"`
}

// Page is one page of a cursor paginated listing. An empty NextCursor means
// this is the last page.
type Page[T any] struct {
	Data   []T `json:"data"`
	Paging struct {
		NextCursor string `json:"next_cursor"`
	} `json:"paging"`
}

// APIError is a non-2xx response from the provider.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("inventory api error: %d - %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("inventory api error: %d", e.StatusCode)
}

// Retryable reports whether the request may succeed if sent again.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ListBusinessManagers fetches one page of business managers.
func (c *Client) ListBusinessManagers(ctx context.Context, cursor string, limit int) (*Page[BusinessManager], error) {
	return getPage[BusinessManager](ctx, c, "/v1/business-managers", cursor, limit)
}

// ListAdAccounts fetches one page of ad accounts.
func (c *Client) ListAdAccounts(ctx context.Context, cursor string, limit int) (*Page[AdAccount], error) {
	return getPage[AdAccount](ctx, c, "/v1/ad-accounts", cursor, limit)
}

func getPage[T any](ctx context.Context, c *Client, path, cursor string, limit int) (*Page[T], error) {
	query := url.Values{}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	endpoint := c.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	policy := retrypolicy.NewBuilder[*Page[T]]().
		WithBackoff(c.baseDelay, c.maxDelay).
		WithMaxRetries(c.maxRetries).
		WithJitterFactor(0.1).
		HandleIf(func(_ *Page[T], err error) bool { return isRetryable(err) }).
		ReturnLastFailure().
		Build()

	return failsafe.With[*Page[T]](policy).WithContext(ctx).Get(func() (*Page[T], error) {
		return fetchPage[T](ctx, c, endpoint)
	})
}

func fetchPage[T any](ctx context.Context, c *Client, endpoint string) (*Page[T], error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &payload) == nil {
			apiErr.Message = strings.TrimSpace(payload.Message + " " + payload.Error)
		}
		return nil, apiErr
	}

	var page Page[T]
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &page, nil
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
