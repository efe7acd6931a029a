package swiftship

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// HTTPAPIClient is the production implementation of APIClient.
//
// It owns the auth-token lifecycle: the token is cached with its expiry and
// refreshed when within the skew window. Concurrent callers that need a
// refresh share one in-flight login via singleflight; N callers racing on an
// expired token issue exactly one upstream login.
//
// The token cache is per-process. Multiple processes may log in concurrently;
// SwiftShip tolerates parallel sessions, so that is an accepted limitation.
type HTTPAPIClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	maxAttempts  int
	backoffBase  time.Duration
	tokenSkew    time.Duration

	now    func() time.Time
	sleep  func(time.Duration)
	jitter func(time.Duration) time.Duration

	mu       sync.Mutex
	token    string
	tokenExp time.Time
	refresh  singleflight.Group
}

// HTTPAPIClientConfig holds configuration for the HTTP client.
type HTTPAPIClientConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
	MaxAttempts  int           // attempt cap for retryable operations
	BackoffBase  time.Duration // first retry delay; doubles per attempt
	TokenSkew    time.Duration // refresh this long before expiry

	// Deterministic doubles for tests. Nil picks the real implementations.
	Now    func() time.Time
	Sleep  func(time.Duration)
	Jitter func(time.Duration) time.Duration
}

// NewHTTPAPIClient creates a new HTTP-based API client.
func NewHTTPAPIClient(cfg HTTPAPIClientConfig) *HTTPAPIClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	backoffBase := cfg.BackoffBase
	if backoffBase == 0 {
		backoffBase = 500 * time.Millisecond
	}
	tokenSkew := cfg.TokenSkew
	if tokenSkew == 0 {
		tokenSkew = 60 * time.Second
	}

	c := &HTTPAPIClient{
		baseURL:      cfg.BaseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: timeout},
		maxAttempts:  maxAttempts,
		backoffBase:  backoffBase,
		tokenSkew:    tokenSkew,
		now:          cfg.Now,
		sleep:        cfg.Sleep,
		jitter:       cfg.Jitter,
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.sleep == nil {
		c.sleep = time.Sleep
	}
	if c.jitter == nil {
		c.jitter = func(base time.Duration) time.Duration {
			return time.Duration(rand.Int63n(int64(base)/2 + 1))
		}
	}
	return c
}

// ============================================================================
// Auth lifecycle
// ============================================================================

// bearerToken returns a valid token, refreshing when the cached one is inside
// the skew window.
func (c *HTTPAPIClient) bearerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	token, exp := c.token, c.tokenExp
	c.mu.Unlock()

	if token != "" && c.now().Add(c.tokenSkew).Before(exp) {
		return token, nil
	}
	return c.refreshToken(ctx)
}

// refreshToken coalesces concurrent refreshes into a single upstream login.
func (c *HTTPAPIClient) refreshToken(ctx context.Context) (string, error) {
	v, err, _ := c.refresh.Do("login", func() (any, error) {
		// A caller that queued behind the winning flight sees the fresh
		// token here without a second login.
		c.mu.Lock()
		if c.token != "" && c.now().Add(c.tokenSkew).Before(c.tokenExp) {
			token := c.token
			c.mu.Unlock()
			return token, nil
		}
		c.mu.Unlock()

		resp, err := c.login(ctx)
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.token = resp.AccessToken
		c.tokenExp = c.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
		c.mu.Unlock()
		return resp.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidateToken drops the cached token after an upstream 401.
func (c *HTTPAPIClient) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.tokenExp = time.Time{}
	c.mu.Unlock()
}

// login performs POST /auth/login. Never retried here; auth policy belongs
// to the caller.
func (c *HTTPAPIClient) login(ctx context.Context) (*LoginResponse, error) {
	body, err := json.Marshal(LoginRequest{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseAPIError(resp)
	}

	var out LoginResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	if out.AccessToken == "" {
		return nil, &APIError{StatusCode: resp.StatusCode, Code: "EMPTY_TOKEN",
			Message: "login returned no access token"}
	}
	return &out, nil
}

// ============================================================================
// Request execution
// ============================================================================

// call executes one API operation. Retryable operations re-attempt on
// network faults, 429 and 5xx with exponential backoff up to the attempt
// cap; everything else is a single attempt.
func (c *HTTPAPIClient) call(ctx context.Context, method, path string, body, out any, retryable bool) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
	}

	attempts := 1
	if retryable {
		attempts = c.maxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			c.sleep(c.backoff(attempt - 1))
		}

		err := c.doOnce(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var apiErr *APIError
		if errors.As(err, &apiErr) {
			// Only rate limiting and server faults are worth retrying.
			if apiErr.StatusCode != http.StatusTooManyRequests && apiErr.StatusCode < 500 {
				return err
			}
		}
		// Network faults fall through and retry.
	}
	return lastErr
}

// backoff computes base * 2^(attempt-1) + jitter.
func (c *HTTPAPIClient) backoff(attempt int) time.Duration {
	d := c.backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d + c.jitter(c.backoffBase)
}

// doOnce performs a single authenticated request. On 401 it refreshes the
// token once and replays the same request exactly once; it never loops.
func (c *HTTPAPIClient) doOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	token, err := c.bearerToken(ctx)
	if err != nil {
		return err
	}

	resp, err := c.send(ctx, method, path, payload, token)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		c.invalidateToken()
		token, err = c.refreshToken(ctx)
		if err != nil {
			return err
		}
		resp, err = c.send(ctx, method, path, payload, token)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *HTTPAPIClient) send(ctx context.Context, method, path string, payload []byte, token string) (*http.Response, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", "shipbridge/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// parseAPIError extracts a structured error from a non-2xx response.
func parseAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		apiErr.StatusCode = resp.StatusCode
		return &apiErr
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    string(body),
	}
}

// ============================================================================
// APIClient implementation
// ============================================================================

// CheckServiceability posts to /serviceability. Read-like, retryable.
func (c *HTTPAPIClient) CheckServiceability(ctx context.Context, req *ServiceabilityRequest) (*ServiceabilityResponse, error) {
	var out ServiceabilityResponse
	if err := c.call(ctx, http.MethodPost, "/serviceability", req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRates posts to /rate-calculator. Read-like, retryable.
func (c *HTTPAPIClient) GetRates(ctx context.Context, req *RatesRequest) (*RatesResponse, error) {
	var out RatesResponse
	if err := c.call(ctx, http.MethodPost, "/rate-calculator", req, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateShipment posts to /create-shipment. Booking can double-create, so it
// is a single attempt unless the caller supplied a unique reference SwiftShip
// deduplicates on.
func (c *HTTPAPIClient) CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error) {
	retryable := req.UniqueRef != ""
	var out ShipmentResponse
	if err := c.call(ctx, http.MethodPost, "/create-shipment", req, &out, retryable); err != nil {
		return nil, err
	}
	return &out, nil
}

// GenerateLabel fetches /generate-label for a shipment. Retryable.
func (c *HTTPAPIClient) GenerateLabel(ctx context.Context, shipmentID string) (*LabelResponse, error) {
	var out LabelResponse
	path := "/generate-label/" + url.PathEscape(shipmentID)
	if err := c.call(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// TrackByAWB fetches /track-by-awb. Retryable.
func (c *HTTPAPIClient) TrackByAWB(ctx context.Context, awb string) (*TrackingResponse, error) {
	var out TrackingResponse
	path := "/track-by-awb/" + url.PathEscape(awb)
	if err := c.call(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// TrackByShipment fetches /track-by-shipment. Retryable.
func (c *HTTPAPIClient) TrackByShipment(ctx context.Context, shipmentID string) (*TrackingResponse, error) {
	var out TrackingResponse
	path := "/track-by-shipment/" + url.PathEscape(shipmentID)
	if err := c.call(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelShipment posts to /cancel. Cancellation is idempotent upstream, but
// policy-level retries are the router's decision, so it is one attempt here.
func (c *HTTPAPIClient) CancelShipment(ctx context.Context, req *CancelShipmentRequest) (*CancelShipmentResponse, error) {
	var out CancelShipmentResponse
	if err := c.call(ctx, http.MethodPost, "/cancel", req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindByReference fetches /track-by-reference. Retryable.
func (c *HTTPAPIClient) FindByReference(ctx context.Context, reference string) (*TrackingResponse, error) {
	var out TrackingResponse
	path := "/track-by-reference/" + url.PathEscape(reference)
	if err := c.call(ctx, http.MethodGet, path, nil, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health acquires a token, proving reachability and working credentials.
func (c *HTTPAPIClient) Health(ctx context.Context) error {
	_, err := c.bearerToken(ctx)
	return err
}

// Ensure HTTPAPIClient implements APIClient.
var _ APIClient = (*HTTPAPIClient)(nil)
