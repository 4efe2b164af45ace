package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-memory store used in tests and local development. It
// mirrors the single-record atomicity the host platform guarantees by
// serializing all access behind one mutex.
type Memory struct {
	mu            sync.Mutex
	orders        map[string]*Order
	subscriptions map[string]*Subscription
	notes         map[string][]Note
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		orders:        make(map[string]*Order),
		subscriptions: make(map[string]*Subscription),
		notes:         make(map[string][]Note),
	}
}

func (m *Memory) GetOrder(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	clone := *order
	return &clone, nil
}

func (m *Memory) GetOrderByRef(ctx context.Context, orderRef string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, order := range m.orders {
		if order.OrderRef == orderRef {
			clone := *order
			return &clone, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (m *Memory) SaveOrder(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	order.UpdatedAt = time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = order.UpdatedAt
	}

	if existing, ok := m.orders[order.ID]; ok {
		// First write wins on the correlation ref and the processor
		// transaction id.
		if existing.OrderRef != "" {
			order.OrderRef = existing.OrderRef
		}
		if existing.GatewayTransactionID != "" {
			order.GatewayTransactionID = existing.GatewayTransactionID
		}
	}

	clone := *order
	m.orders[order.ID] = &clone
	return nil
}

func (m *Memory) AppendNote(ctx context.Context, orderID, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.notes[orderID] = append(m.notes[orderID], Note{
		ID:        uuid.New().String(),
		OrderID:   orderID,
		Content:   content,
		CreatedAt: time.Now(),
	})
	return nil
}

func (m *Memory) ListNotes(ctx context.Context, orderID string) ([]Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	notes := make([]Note, len(m.notes[orderID]))
	copy(notes, m.notes[orderID])
	return notes, nil
}

func (m *Memory) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	clone := m.cloneSubscription(sub)
	return clone, nil
}

func (m *Memory) GetSubscriptionByOrderID(ctx context.Context, orderID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subscriptions {
		if sub.InitialOrderID == orderID {
			return m.cloneSubscription(sub), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (m *Memory) SaveSubscription(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub.UpdatedAt = time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = sub.UpdatedAt
	}

	m.subscriptions[sub.ID] = m.cloneSubscription(sub)
	return nil
}

func (m *Memory) GetSubscriptionsDue(ctx context.Context, limit int) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var due []*Subscription
	for _, sub := range m.subscriptions {
		if sub.Status != SubscriptionStatusActive || sub.NextBillingAt == nil {
			continue
		}
		if sub.NextBillingAt.After(now) {
			continue
		}
		due = append(due, m.cloneSubscription(sub))
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].NextBillingAt.Before(*due[j].NextBillingAt)
	})

	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) cloneSubscription(sub *Subscription) *Subscription {
	clone := *sub
	clone.Tokens = append([]string(nil), sub.Tokens...)
	if sub.NextBillingAt != nil {
		t := *sub.NextBillingAt
		clone.NextBillingAt = &t
	}
	return &clone
}
