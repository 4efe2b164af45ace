// Package events notifies the host donation platform of gateway lifecycle
// changes. Delivery is fire and forget; the store remains the source of
// truth and the host must never depend on these events for state.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Publisher sends lifecycle events to the host platform's callback URL.
type Publisher struct {
	callbackURL string
	httpClient  *http.Client
}

// NewPublisher creates a publisher. An empty callback URL disables
// publishing.
func NewPublisher(callbackURL string) *Publisher {
	return &Publisher{
		callbackURL: callbackURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// Event represents an event to publish
type Event struct {
	Type  string      `json:"type"`
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Event type constants
const (
	TypePayment      = "payment"
	TypeSubscription = "subscription"
)

// Payment event constants
const (
	PaymentInitiated = "initiated"
	PaymentCompleted = "completed"
	PaymentFailed    = "failed"
	PaymentRefunded  = "refunded"
)

// Subscription event constants
const (
	SubscriptionActivated = "activated"
	SubscriptionRenewed   = "renewed"
	SubscriptionFailing   = "failing"
	SubscriptionCancelled = "cancelled"
)

// PaymentEventData is the payload of payment events.
type PaymentEventData struct {
	OrderID        string `json:"order_id"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	TransactionID  string `json:"transaction_id,omitempty"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
}

// SubscriptionEventData is the payload of subscription events.
type SubscriptionEventData struct {
	SubscriptionID string `json:"subscription_id"`
	Status         string `json:"status"`
	TokensUsed     int    `json:"tokens_used"`
	TokenCount     int    `json:"token_count"`
}

// Publish sends an event to the host platform
func (p *Publisher) Publish(ctx context.Context, eventType, eventName string, data interface{}) error {
	if p.callbackURL == "" {
		return nil
	}

	event := Event{
		Type:  eventType,
		Event: eventName,
		Data:  data,
	}

	jsonData, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.callbackURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event rejected with status: %d", resp.StatusCode)
	}

	return nil
}

// PublishAsync sends an event asynchronously (fire and forget)
func (p *Publisher) PublishAsync(eventType, eventName string, data interface{}) {
	if p.callbackURL == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Ignore errors for async publishing
		p.Publish(ctx, eventType, eventName, data)
	}()
}
