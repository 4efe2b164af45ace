// Package simplepay implements the client side of the SimplePay v2 payment
// API: signed JSON-over-HTTP calls plus decoding of the signed browser-return
// payload.
package simplepay

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	mrand "math/rand"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/donateflow/simplepay-gateway/internal/config"
	"github.com/donateflow/simplepay-gateway/internal/signer"
)

const (
	sandboxBaseURL = "https://sandbox.simplepay.hu/payment/v2"
	liveBaseURL    = "https://secure.simplepay.hu/payment/v2"

	sdkVersion = "DonateFlow_SimplePay_1.0.0"

	// Seconds the payer has to finish the hosted payment page.
	defaultPaymentTimeout = 1800

	// SignatureHeader carries the base64 HMAC-SHA384 of the body on both
	// requests and responses.
	SignatureHeader = "Signature"
)

// Client talks to the SimplePay API. Every request body is signed and every
// response signature is verified against the raw body before parsing.
type Client struct {
	merchantID string
	signer     *signer.Signer
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the environment selected by cfg.
func NewClient(cfg config.GatewayConfig, timeout time.Duration) *Client {
	baseURL := liveBaseURL
	if cfg.Sandbox {
		baseURL = sandboxBaseURL
	}

	return &Client{
		merchantID: cfg.MerchantID,
		signer:     signer.New(cfg.SecretKey),
		baseURL:    baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Signer exposes the signer so return and notification handlers verify
// payloads with the same key.
func (c *Client) Signer() *signer.Signer {
	return c.signer
}

// CreatePayment starts a one-off payment and returns the hosted payment URL.
func (c *Client) CreatePayment(ctx context.Context, data TransactionData) (*StartResult, error) {
	payload := c.startPayload(data)

	var result StartResult
	if err := c.post(ctx, "start", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CreateRecurringPayment starts a payment that also registers a chain of
// recurring tokens.
func (c *Client) CreateRecurringPayment(ctx context.Context, data TransactionData, recurring RecurringSpec) (*StartResult, error) {
	payload := c.startPayload(data)
	payload["recurring"] = map[string]interface{}{
		"times":     recurring.Times,
		"until":     recurring.Until.Format(time.RFC3339),
		"maxAmount": recurring.MaxAmount,
	}

	var result StartResult
	if err := c.post(ctx, "start", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ProcessRecurringPayment charges a stored token as a merchant-initiated
// transaction.
func (c *Client) ProcessRecurringPayment(ctx context.Context, data PaymentData, token string) (*RecurringResult, error) {
	payload := map[string]interface{}{
		"salt":                 c.generateSalt(),
		"merchant":             c.merchantID,
		"sdkVersion":           sdkVersion,
		"token":                token,
		"type":                 "MIT",
		"threeDSReqAuthMethod": "02",
		"orderRef":             data.OrderRef,
		"currency":             data.Currency,
		"total":                data.Total,
	}
	if data.CustomerEmail != "" {
		payload["customerEmail"] = data.CustomerEmail
	}

	var result RecurringResult
	if err := c.post(ctx, "dorecurring", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// QueryTransaction fetches the current processor-side status of a
// transaction.
func (c *Client) QueryTransaction(ctx context.Context, transactionID int64) (*QueryResult, error) {
	payload := map[string]interface{}{
		"salt":           c.generateSalt(),
		"merchant":       c.merchantID,
		"sdkVersion":     sdkVersion,
		"transactionIds": []int64{transactionID},
	}

	var result QueryResult
	if err := c.post(ctx, "query", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RefundTransaction refunds part or all of a finished transaction.
func (c *Client) RefundTransaction(ctx context.Context, transactionID int64, amount decimal.Decimal, currency string) (*RefundResult, error) {
	payload := map[string]interface{}{
		"salt":          c.generateSalt(),
		"merchant":      c.merchantID,
		"sdkVersion":    sdkVersion,
		"transactionId": transactionID,
		"refundTotal":   amount,
		"currency":      currency,
	}

	var result RefundResult
	if err := c.post(ctx, "refund", payload, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// QueryToken fetches the status of a recurring token.
func (c *Client) QueryToken(ctx context.Context, token string) (*TokenResult, error) {
	var result TokenResult
	if err := c.post(ctx, "tokenquery", c.tokenPayload(token), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelToken revokes a recurring token.
func (c *Client) CancelToken(ctx context.Context, token string) (*TokenResult, error) {
	var result TokenResult
	if err := c.post(ctx, "tokencancel", c.tokenPayload(token), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// startPayload merges the request scaffold with the caller's transaction
// data. Caller values win where the sets overlap; the salt is always freshly
// generated.
func (c *Client) startPayload(data TransactionData) map[string]interface{} {
	payload := map[string]interface{}{
		"merchant":   c.merchantID,
		"sdkVersion": sdkVersion,
		"methods":    []string{"CARD"},
		"timeout":    defaultPaymentTimeout,
	}

	payload["orderRef"] = data.OrderRef
	payload["currency"] = data.Currency
	payload["total"] = data.Total
	if data.CustomerEmail != "" {
		payload["customerEmail"] = data.CustomerEmail
	}
	if data.Language != "" {
		payload["language"] = data.Language
	}
	if data.ReturnURL != "" {
		payload["url"] = data.ReturnURL
	}
	if data.Invoice != nil {
		payload["invoice"] = data.Invoice
	}
	if len(data.Methods) > 0 {
		payload["methods"] = data.Methods
	}
	if data.TimeoutSeconds > 0 {
		payload["timeout"] = data.TimeoutSeconds
	}

	payload["salt"] = c.generateSalt()

	return payload
}

func (c *Client) tokenPayload(token string) map[string]interface{} {
	return map[string]interface{}{
		"salt":       c.generateSalt(),
		"merchant":   c.merchantID,
		"sdkVersion": sdkVersion,
		"token":      token,
	}
}

// post signs the JSON body, sends it, verifies the response signature against
// the raw response bytes and only then parses them.
func (c *Client) post(ctx context.Context, endpoint string, payload interface{}, result interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", endpoint, err)
	}

	url := c.baseURL + "/" + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", endpoint, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, c.signer.Sign(body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Endpoint: endpoint, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPStatusError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}

	if !c.signer.Verify(respBody, resp.Header.Get(SignatureHeader)) {
		return &SignatureError{Context: endpoint + " response"}
	}

	var errCheck struct {
		ErrorCodes []int `json:"errorCodes"`
	}
	if err := json.Unmarshal(respBody, &errCheck); err != nil {
		return fmt.Errorf("failed to parse %s response: %w", endpoint, err)
	}
	if len(errCheck.ErrorCodes) > 0 {
		return &APIError{Endpoint: endpoint, ErrorCodes: errCheck.ErrorCodes}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse %s response: %w", endpoint, err)
		}
	}

	return nil
}

// generateSalt returns a unique per-request salt. The crypto source is
// preferred; the md5-of-clock fallback only runs when it is unavailable.
func (c *Client) generateSalt() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		sum := md5.Sum([]byte(fmt.Sprintf("%d.%d", time.Now().UnixNano(), mrand.Int63())))
		return hex.EncodeToString(sum[:])
	}
	return hex.EncodeToString(buf)
}
