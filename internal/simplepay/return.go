package simplepay

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/donateflow/simplepay-gateway/internal/signer"
)

// Browser-return event kinds. EventUnknown marks an event code this adapter
// does not recognise; it is informational and must not change order status.
const (
	EventSuccess = "SUCCESS"
	EventFail    = "FAIL"
	EventCancel  = "CANCEL"
	EventTimeout = "TIMEOUT"
	EventUnknown = "UNKNOWN"
)

// ReturnEvent is the normalized form of a SimplePay browser redirect.
type ReturnEvent struct {
	Event         string
	RawEvent      string
	TransactionID int64
	ResponseCode  int
	Merchant      string
	OrderRef      string
}

type backrefPayload struct {
	ResponseCode  int    `json:"r"`
	TransactionID int64  `json:"t"`
	Event         string `json:"e"`
	Merchant      string `json:"m"`
	OrderRef      string `json:"o"`
}

// DecodeReturn validates and decodes the browser-return query parameters.
// The signature is verified over the decoded payload bytes before any field
// is read. Errors wrap ErrInvalidPayload.
func DecodeReturn(params url.Values, sgn *signer.Signer) (*ReturnEvent, error) {
	encoded := params.Get("r")
	signature := params.Get("s")

	if encoded == "" || signature == "" {
		return nil, fmt.Errorf("%w: missing response parameters", ErrInvalidPayload)
	}

	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: payload is not valid base64", ErrInvalidPayload)
	}

	if !sgn.Verify(payload, signature) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, &SignatureError{Context: "browser return"})
	}

	var decoded backrefPayload
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrInvalidPayload)
	}

	event := &ReturnEvent{
		Event:         EventUnknown,
		RawEvent:      decoded.Event,
		TransactionID: decoded.TransactionID,
		ResponseCode:  decoded.ResponseCode,
		Merchant:      decoded.Merchant,
		OrderRef:      decoded.OrderRef,
	}

	switch decoded.Event {
	case EventSuccess, EventFail, EventCancel, EventTimeout:
		event.Event = decoded.Event
	}

	return event, nil
}
