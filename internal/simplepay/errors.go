package simplepay

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidPayload reports a browser-return or notification body that could
// not be decoded or failed validation before any field was trusted.
var ErrInvalidPayload = errors.New("invalid simplepay payload")

// TransportError wraps a network-level failure (connect, DNS, timeout).
// It is always propagated; the client never retries on its own.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("simplepay %s: transport error: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HTTPStatusError reports a non-2xx response from the API.
type HTTPStatusError struct {
	Endpoint   string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("simplepay %s: HTTP %d", e.Endpoint, e.StatusCode)
}

// SignatureError reports a failed signature verification. Payloads with bad
// signatures are never parsed or trusted.
type SignatureError struct {
	Context string
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("simplepay: invalid signature on %s", e.Context)
}

// APIError carries the errorCodes array from a processor error response.
type APIError struct {
	Endpoint   string
	ErrorCodes []int
}

func (e *APIError) Error() string {
	codes := make([]string, len(e.ErrorCodes))
	for i, c := range e.ErrorCodes {
		codes[i] = fmt.Sprint(c)
	}
	return fmt.Sprintf("simplepay %s: API error codes [%s]", e.Endpoint, strings.Join(codes, ", "))
}
