package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the local lifecycle status of a donation or renewal charge
// attempt.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusComplete   OrderStatus = "complete"
	OrderStatusFailed     OrderStatus = "failed"
	OrderStatusCancelled  OrderStatus = "cancelled"
	OrderStatusRefunded   OrderStatus = "refunded"
)

// SubscriptionStatus is the lifecycle status of a recurring donation.
type SubscriptionStatus string

const (
	SubscriptionStatusInitial   SubscriptionStatus = "initial"
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusFailing   SubscriptionStatus = "failing"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// Address holds the payer billing address.
type Address struct {
	Country  string `json:"country"`
	State    string `json:"state"`
	City     string `json:"city"`
	Zip      string `json:"zip"`
	Address1 string `json:"address1"`
	Address2 string `json:"address2"`
}

// Order represents one donation or one subscription charge attempt. The
// record is owned by the host platform; the gateway reads its fields, sets
// status, fills the transaction id once and appends notes.
type Order struct {
	ID             string          `json:"id" db:"id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Currency       string          `json:"currency" db:"currency"`
	DonorName      string          `json:"donor_name" db:"donor_name"`
	DonorEmail     string          `json:"donor_email" db:"donor_email"`
	BillingAddress Address         `json:"billing_address"`

	// OrderRef is the caller-generated correlation id sent to the
	// processor. Immutable once assigned.
	OrderRef string `json:"order_ref" db:"order_ref"`

	// GatewayTransactionID is the processor-assigned transaction id.
	// First write wins; never blanked or reassigned once non-empty.
	GatewayTransactionID string `json:"gateway_transaction_id" db:"gateway_transaction_id"`

	Status         OrderStatus `json:"status" db:"status"`
	SubscriptionID string      `json:"subscription_id,omitempty" db:"subscription_id"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// Note is one append-only entry of an order's note log.
type Note struct {
	ID        string    `json:"id" db:"id"`
	OrderID   string    `json:"order_id" db:"order_id"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Subscription represents a recurring donation and its chain of
// merchant-initiated charge tokens.
type Subscription struct {
	ID     string             `json:"id" db:"id"`
	Status SubscriptionStatus `json:"status" db:"status"`

	// Tokens is the ordered token chain issued at registration. The token
	// at index TokensUsed is the active one; when TokensUsed reaches the
	// chain length the subscription can no longer self-renew.
	Tokens     []string `json:"tokens" db:"tokens"`
	TokensUsed int      `json:"tokens_used" db:"tokens_used"`

	InitialOrderID string          `json:"initial_order_id" db:"initial_order_id"`
	Amount         decimal.Decimal `json:"amount" db:"amount"`
	Currency       string          `json:"currency" db:"currency"`
	DonorEmail     string          `json:"donor_email" db:"donor_email"`
	BillingCycle   string          `json:"billing_cycle" db:"billing_cycle"`
	NextBillingAt  *time.Time      `json:"next_billing_at,omitempty" db:"next_billing_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}
