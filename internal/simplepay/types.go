package simplepay

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionData is the caller-supplied portion of a payment start request.
// Merchant id, salt, sdkVersion and the method/timeout defaults are merged in
// by the client; caller values are never silently overwritten.
type TransactionData struct {
	OrderRef      string
	Currency      string
	Total         decimal.Decimal
	CustomerEmail string
	Language      string
	ReturnURL     string
	Invoice       *Invoice

	// Optional overrides of the client defaults.
	Methods        []string
	TimeoutSeconds int
}

// Invoice holds the payer billing details sent with a start request.
type Invoice struct {
	Name     string `json:"name"`
	Country  string `json:"country"`
	State    string `json:"state"`
	City     string `json:"city"`
	Zip      string `json:"zip"`
	Address  string `json:"address"`
	Address2 string `json:"address2"`
}

// RecurringSpec establishes a token chain for future merchant-initiated
// charges.
type RecurringSpec struct {
	Times     int
	Until     time.Time
	MaxAmount decimal.Decimal
}

// PaymentData is the caller-supplied portion of a dorecurring request.
type PaymentData struct {
	OrderRef      string
	Currency      string
	Total         decimal.Decimal
	CustomerEmail string
}

// StartResult is the response of the start endpoint.
type StartResult struct {
	TransactionID int64    `json:"transactionId"`
	OrderRef      string   `json:"orderRef"`
	Merchant      string   `json:"merchant"`
	PaymentURL    string   `json:"paymentUrl"`
	Tokens        []string `json:"tokens,omitempty"`
	Timeout       string   `json:"timeout,omitempty"`
}

// RecurringResult is the response of the dorecurring endpoint.
type RecurringResult struct {
	TransactionID int64  `json:"transactionId"`
	OrderRef      string `json:"orderRef"`
	Merchant      string `json:"merchant"`
}

// QueryResult is the response of the query endpoint.
type QueryResult struct {
	Transactions []TransactionStatus `json:"transactions"`
}

// TransactionStatus is one element of a query response.
type TransactionStatus struct {
	TransactionID int64  `json:"transactionId"`
	OrderRef      string `json:"orderRef"`
	Status        string `json:"status"`
	Method        string `json:"method,omitempty"`
}

// RefundResult is the response of the refund endpoint.
type RefundResult struct {
	TransactionID       int64           `json:"transactionId"`
	OrderRef            string          `json:"orderRef"`
	RefundTransactionID int64           `json:"refundTransactionId"`
	RefundTotal         decimal.Decimal `json:"refundTotal"`
	RemainingTotal      decimal.Decimal `json:"remainingTotal"`
}

// TokenResult is the response of the tokenquery and tokencancel endpoints.
type TokenResult struct {
	Token  string `json:"token"`
	Status string `json:"status"`
	Until  string `json:"until,omitempty"`
}

// Transaction statuses reported by the query endpoint and async
// notifications.
const (
	StatusFinished   = "FINISHED"
	StatusRefund     = "REFUND"
	StatusCancelled  = "CANCELLED"
	StatusTimeout    = "TIMEOUT"
	StatusAuthorised = "AUTHORISED"
	StatusReversed   = "REVERSED"
)

// TokenStatusActive is the tokenquery status of a token that may still be
// charged.
const TokenStatusActive = "active"
