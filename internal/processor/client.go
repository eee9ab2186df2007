package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	chargePath        = "/billing/payments/charge/"
	beginRedirectPath = "/billing/payments/beginredirect/"
	refundPath        = "/billing/payments/refund/"

	// DefaultTimeout bounds a single processor call. Calls are never retried
	// inside the client.
	DefaultTimeout = 180 * time.Second
)

// Client talks to the payment processor's HTTP API
type Client struct {
	baseURL     string
	httpClient  *http.Client
	credentials Credentials
	currencies  map[string]bool
}

// NewClient creates a new processor client. An empty currency list accepts any currency.
func NewClient(baseURL string, credentials Credentials, timeout time.Duration, currencies []string) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	supported := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		supported[strings.ToUpper(c)] = true
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		credentials: credentials,
		currencies:  supported,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Charge sends a direct charge or authorization
func (c *Client) Charge(ctx context.Context, req *ChargeRequest) (*Result, error) {
	if err := c.validateCharge(req); err != nil {
		return nil, err
	}
	req.Credentials = c.credentials

	result := c.makeRequest(ctx, chargePath, req)
	if result.Outcome == OutcomeSuccess && (result.Payment == nil || !result.Payment.ValidPayment) {
		result.Outcome = OutcomeDecline
	}
	return result, nil
}

// BeginRedirect asks the processor for a hosted payment page
func (c *Client) BeginRedirect(ctx context.Context, req *ChargeRequest) (*Result, error) {
	if err := c.validateCharge(req); err != nil {
		return nil, err
	}
	if req.RedirectURL == "" {
		return nil, fmt.Errorf("%w: redirect url is required", ErrInvalidRequest)
	}
	req.Credentials = c.credentials

	result := c.makeRequest(ctx, beginRedirectPath, req)
	if result.Outcome == OutcomeSuccess && result.RedirectURL == "" {
		result.Outcome = OutcomeGatewayError
		result.UserErrorMessage = "processor returned no redirect url"
	}
	return result, nil
}

// Refund returns money for a previously completed payment
func (c *Client) Refund(ctx context.Context, req *RefundRequest) (*Result, error) {
	if req == nil || req.PaymentID == "" {
		return nil, fmt.Errorf("%w: payment id is required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	req.Credentials = c.credentials

	return c.makeRequest(ctx, refundPath, req), nil
}

func (c *Client) validateCharge(req *ChargeRequest) error {
	if req == nil {
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if len(c.currencies) > 0 && !c.currencies[strings.ToUpper(req.Currency)] {
		return fmt.Errorf("%w: unsupported currency %q", ErrInvalidRequest, req.Currency)
	}
	return nil
}

// makeRequest performs one POST and classifies the answer. It never returns
// a nil result.
func (c *Client) makeRequest(ctx context.Context, path string, body interface{}) *Result {
	result := &Result{}

	jsonData, err := json.Marshal(body)
	if err != nil {
		result.Outcome = OutcomeGatewayError
		result.Err = fmt.Errorf("failed to marshal request: %w", err)
		return result
	}
	result.RawRequest = Redact(jsonData)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		result.Outcome = OutcomeGatewayError
		result.Err = fmt.Errorf("failed to create request: %w", err)
		return result
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		result.Outcome = OutcomeTransportError
		result.Err = fmt.Errorf("processor request failed: %w", err)
		return result
	}
	defer resp.Body.Close()

	result.HTTPStatus = resp.StatusCode
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		// The processor may have acted on the call; treat as unknown outcome.
		result.Outcome = OutcomeTransportError
		result.Err = fmt.Errorf("failed to read response: %w", err)
		return result
	}
	result.RawBody = Redact(respBody)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result.Outcome = OutcomeGatewayError
		result.UserErrorMessage = getErrorCodeFromStatus(resp.StatusCode)
		return result
	}

	var parsed apiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		result.Outcome = OutcomeGatewayError
		result.UserErrorMessage = "MALFORMED_RESPONSE"
		return result
	}

	result.Status = parsed.Status
	if parsed.UserErrorMessage != nil {
		result.UserErrorMessage = *parsed.UserErrorMessage
	}
	if parsed.Data != nil {
		result.Payment = parsed.Data.Payment
		result.EntityID = parsed.Data.EntityID
		result.RedirectURL = parsed.Data.RedirectURL
		result.RefundID = parsed.Data.RefundID
	}

	if parsed.Status != StatusSuccess {
		result.Outcome = OutcomeGatewayError
		return result
	}
	result.Outcome = OutcomeSuccess
	return result
}

// getErrorCodeFromStatus maps HTTP status codes to error codes
func getErrorCodeFromStatus(statusCode int) string {
	switch statusCode {
	case 400:
		return "BAD_REQUEST"
	case 401:
		return "UNAUTHORIZED"
	case 403:
		return "FORBIDDEN"
	case 404:
		return "NOT_FOUND"
	case 408:
		return "TIMEOUT"
	case 429:
		return "RATE_LIMITED"
	case 500:
		return "INTERNAL_SERVER_ERROR"
	case 502:
		return "BAD_GATEWAY"
	case 503:
		return "SERVICE_UNAVAILABLE"
	case 504:
		return "GATEWAY_TIMEOUT"
	default:
		return fmt.Sprintf("HTTP_%d", statusCode)
	}
}
