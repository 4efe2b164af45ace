// Package store defines the narrow persistence contract the gateway requires
// from the host donation platform, together with a Postgres implementation
// and an in-memory one. The host is responsible for single-record update
// atomicity; the gateway only performs read-modify-write cycles through these
// interfaces.
package store

import (
	"context"
	"errors"
)

var (
	ErrOrderNotFound        = errors.New("order not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// OrderStore is the gateway's view of donation records.
type OrderStore interface {
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderByRef(ctx context.Context, orderRef string) (*Order, error)
	SaveOrder(ctx context.Context, order *Order) error
	AppendNote(ctx context.Context, orderID, content string) error
	ListNotes(ctx context.Context, orderID string) ([]Note, error)
}

// SubscriptionStore is the gateway's view of recurring donation records.
type SubscriptionStore interface {
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	GetSubscriptionByOrderID(ctx context.Context, orderID string) (*Subscription, error)
	SaveSubscription(ctx context.Context, sub *Subscription) error
	GetSubscriptionsDue(ctx context.Context, limit int) ([]*Subscription, error)
}

// Store bundles both record views; the Postgres and memory implementations
// satisfy it.
type Store interface {
	OrderStore
	SubscriptionStore
}
