package main

import (
	"context"
	"errors"
	"time"

	"github.com/donateflow/simplepay-gateway/internal/events"
	"github.com/donateflow/simplepay-gateway/internal/gateway"
	"github.com/donateflow/simplepay-gateway/internal/logger"
	"github.com/donateflow/simplepay-gateway/internal/store"
)

// Executor charges due subscriptions through the payment lifecycle.
type Executor struct {
	lifecycle *gateway.Lifecycle
	events    *events.Publisher
	logger    *logger.Logger
}

// NewExecutor creates a new executor instance
func NewExecutor(lifecycle *gateway.Lifecycle, publisher *events.Publisher, log *logger.Logger) *Executor {
	return &Executor{
		lifecycle: lifecycle,
		events:    publisher,
		logger:    log,
	}
}

// BatchResult holds the results of a batch execution
type BatchResult struct {
	Processed  int             `json:"processed"`
	Successful int             `json:"successful"`
	Failed     int             `json:"failed"`
	Renewals   []RenewalResult `json:"renewals,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// RenewalResult holds the result of a single renewal attempt
type RenewalResult struct {
	SubscriptionID string `json:"subscription_id"`
	OrderID        string `json:"order_id,omitempty"`
	Success        bool   `json:"success"`
	ErrorMessage   string `json:"error_message,omitempty"`
}

// ExecuteBatch charges each due subscription in turn. A failed renewal never
// blocks the rest of the batch; the lifecycle has already recorded the
// failure on the renewal order.
func (e *Executor) ExecuteBatch(ctx context.Context, subscriptions []*store.Subscription) *BatchResult {
	start := time.Now()
	result := &BatchResult{
		Renewals: make([]RenewalResult, 0, len(subscriptions)),
	}

	for _, sub := range subscriptions {
		result.Processed++

		order, err := e.lifecycle.ProcessRenewal(ctx, sub)

		renewal := RenewalResult{SubscriptionID: sub.ID}
		if order != nil {
			renewal.OrderID = order.ID
		}

		if err != nil {
			renewal.ErrorMessage = err.Error()
			result.Failed++
			result.Renewals = append(result.Renewals, renewal)

			e.logger.Error("renewal failed", "subscription_id", sub.ID, "error", err)
			e.publishFailure(sub, order)

			var precondition *gateway.PreconditionError
			if errors.As(err, &precondition) && sub.Status == store.SubscriptionStatusFailing {
				e.events.PublishAsync(events.TypeSubscription, events.SubscriptionFailing, subscriptionEventData(sub))
			}
			continue
		}

		renewal.Success = true
		result.Successful++
		result.Renewals = append(result.Renewals, renewal)

		e.logger.Info("renewal successful", "subscription_id", sub.ID, "order_id", order.ID)
		e.events.PublishAsync(events.TypeSubscription, events.SubscriptionRenewed, subscriptionEventData(sub))
		e.events.PublishAsync(events.TypePayment, events.PaymentCompleted, paymentEventData(order))
	}

	result.Duration = time.Since(start)
	return result
}

func (e *Executor) publishFailure(sub *store.Subscription, order *store.Order) {
	if order == nil {
		return
	}
	e.events.PublishAsync(events.TypePayment, events.PaymentFailed, paymentEventData(order))
}

func paymentEventData(order *store.Order) events.PaymentEventData {
	return events.PaymentEventData{
		OrderID:        order.ID,
		SubscriptionID: order.SubscriptionID,
		TransactionID:  order.GatewayTransactionID,
		Amount:         order.Amount.String(),
		Currency:       order.Currency,
		Status:         string(order.Status),
	}
}

func subscriptionEventData(sub *store.Subscription) events.SubscriptionEventData {
	return events.SubscriptionEventData{
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
		TokensUsed:     sub.TokensUsed,
		TokenCount:     len(sub.Tokens),
	}
}
