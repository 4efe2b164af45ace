package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// DB is the Postgres-backed store.
type DB struct {
	conn *sql.DB
}

// NewDB opens a connection pool against the given Postgres URL.
func NewDB(connectionString string) (*DB, error) {
	conn, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}

	// Configure connection pool
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if err := conn.Ping(); err != nil {
		return nil, err
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks if the database is accessible
func (db *DB) Ping() error {
	return db.conn.Ping()
}

// EnsureSchema creates the gateway tables if they don't exist
func (db *DB) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS orders (
			id VARCHAR(64) PRIMARY KEY,
			amount NUMERIC(18,2) NOT NULL,
			currency VARCHAR(8) NOT NULL,
			donor_name VARCHAR(255) NOT NULL DEFAULT '',
			donor_email VARCHAR(255) NOT NULL DEFAULT '',
			billing_address JSONB,
			order_ref VARCHAR(128) NOT NULL DEFAULT '',
			gateway_transaction_id VARCHAR(64) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			subscription_id VARCHAR(64),
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			CONSTRAINT valid_order_status CHECK (status IN ('pending', 'processing', 'complete', 'failed', 'cancelled', 'refunded'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_order_ref ON orders(order_ref) WHERE order_ref <> '';
		CREATE INDEX IF NOT EXISTS idx_orders_subscription ON orders(subscription_id);

		CREATE TABLE IF NOT EXISTS order_notes (
			id UUID PRIMARY KEY,
			order_id VARCHAR(64) NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_order_notes_order ON order_notes(order_id);

		CREATE TABLE IF NOT EXISTS subscriptions (
			id VARCHAR(64) PRIMARY KEY,
			status VARCHAR(32) NOT NULL,
			tokens TEXT[] NOT NULL DEFAULT '{}',
			tokens_used INT NOT NULL DEFAULT 0,
			initial_order_id VARCHAR(64) NOT NULL DEFAULT '',
			amount NUMERIC(18,2) NOT NULL,
			currency VARCHAR(8) NOT NULL,
			donor_email VARCHAR(255) NOT NULL DEFAULT '',
			billing_cycle VARCHAR(16) NOT NULL DEFAULT 'monthly',
			next_billing_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
			CONSTRAINT valid_subscription_status CHECK (status IN ('initial', 'active', 'failing', 'cancelled'))
		);

		CREATE INDEX IF NOT EXISTS idx_subscriptions_due ON subscriptions(next_billing_at) WHERE status = 'active';
	`

	_, err := db.conn.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create gateway tables: %w", err)
	}

	return nil
}

// ============== Order Operations ==============

const orderColumns = `id, amount, currency, donor_name, donor_email, billing_address,
		   order_ref, gateway_transaction_id, status, subscription_id, created_at, updated_at`

// GetOrder retrieves an order by ID
func (db *DB) GetOrder(ctx context.Context, id string) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return db.scanOrder(db.conn.QueryRowContext(ctx, query, id))
}

// GetOrderByRef retrieves an order by its processor correlation reference
func (db *DB) GetOrderByRef(ctx context.Context, orderRef string) (*Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_ref = $1`
	return db.scanOrder(db.conn.QueryRowContext(ctx, query, orderRef))
}

func (db *DB) scanOrder(row *sql.Row) (*Order, error) {
	var o Order
	var billing []byte
	var subscriptionID sql.NullString

	err := row.Scan(
		&o.ID, &o.Amount, &o.Currency, &o.DonorName, &o.DonorEmail, &billing,
		&o.OrderRef, &o.GatewayTransactionID, &o.Status, &subscriptionID,
		&o.CreatedAt, &o.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	if len(billing) > 0 {
		if err := json.Unmarshal(billing, &o.BillingAddress); err != nil {
			return nil, fmt.Errorf("failed to parse billing address: %w", err)
		}
	}
	o.SubscriptionID = subscriptionID.String

	return &o, nil
}

// SaveOrder upserts an order record
func (db *DB) SaveOrder(ctx context.Context, order *Order) error {
	billing, err := json.Marshal(order.BillingAddress)
	if err != nil {
		return fmt.Errorf("failed to marshal billing address: %w", err)
	}

	order.UpdatedAt = time.Now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = order.UpdatedAt
	}

	query := `
		INSERT INTO orders (id, amount, currency, donor_name, donor_email, billing_address,
							order_ref, gateway_transaction_id, status, subscription_id,
							created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			order_ref = CASE
				WHEN orders.order_ref = '' THEN EXCLUDED.order_ref
				ELSE orders.order_ref
			END,
			gateway_transaction_id = CASE
				WHEN orders.gateway_transaction_id = '' THEN EXCLUDED.gateway_transaction_id
				ELSE orders.gateway_transaction_id
			END,
			subscription_id = EXCLUDED.subscription_id,
			updated_at = EXCLUDED.updated_at`

	_, err = db.conn.ExecContext(ctx, query,
		order.ID, order.Amount, order.Currency, order.DonorName, order.DonorEmail, billing,
		order.OrderRef, order.GatewayTransactionID, order.Status, order.SubscriptionID,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}

	return nil
}

// AppendNote adds one entry to an order's append-only note log
func (db *DB) AppendNote(ctx context.Context, orderID, content string) error {
	query := `
		INSERT INTO order_notes (id, order_id, content, created_at)
		VALUES ($1, $2, $3, $4)`

	_, err := db.conn.ExecContext(ctx, query, uuid.New().String(), orderID, content, time.Now())
	if err != nil {
		return fmt.Errorf("failed to append note: %w", err)
	}

	return nil
}

// ListNotes returns an order's notes oldest first
func (db *DB) ListNotes(ctx context.Context, orderID string) ([]Note, error) {
	query := `
		SELECT id, order_id, content, created_at
		FROM order_notes WHERE order_id = $1
		ORDER BY created_at ASC`

	rows, err := db.conn.QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var n Note
		if err := rows.Scan(&n.ID, &n.OrderID, &n.Content, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		notes = append(notes, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notes: %w", err)
	}

	return notes, nil
}

// ============== Subscription Operations ==============

const subscriptionColumns = `id, status, tokens, tokens_used, initial_order_id,
		   amount, currency, donor_email, billing_cycle, next_billing_at, created_at, updated_at`

// GetSubscription retrieves a subscription by ID
func (db *DB) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return db.scanSubscription(db.conn.QueryRowContext(ctx, query, id))
}

// GetSubscriptionByOrderID retrieves the subscription whose initial order is
// the given order
func (db *DB) GetSubscriptionByOrderID(ctx context.Context, orderID string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE initial_order_id = $1`
	return db.scanSubscription(db.conn.QueryRowContext(ctx, query, orderID))
}

func (db *DB) scanSubscription(row *sql.Row) (*Subscription, error) {
	var s Subscription
	var nextBilling sql.NullTime

	err := row.Scan(
		&s.ID, &s.Status, pq.Array(&s.Tokens), &s.TokensUsed, &s.InitialOrderID,
		&s.Amount, &s.Currency, &s.DonorEmail, &s.BillingCycle, &nextBilling, &s.CreatedAt, &s.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	if nextBilling.Valid {
		s.NextBillingAt = &nextBilling.Time
	}

	return &s, nil
}

// SaveSubscription upserts a subscription record
func (db *DB) SaveSubscription(ctx context.Context, sub *Subscription) error {
	sub.UpdatedAt = time.Now()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = sub.UpdatedAt
	}

	query := `
		INSERT INTO subscriptions (id, status, tokens, tokens_used, initial_order_id,
								   amount, currency, donor_email, billing_cycle,
								   next_billing_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			tokens = EXCLUDED.tokens,
			tokens_used = EXCLUDED.tokens_used,
			next_billing_at = EXCLUDED.next_billing_at,
			updated_at = EXCLUDED.updated_at`

	_, err := db.conn.ExecContext(ctx, query,
		sub.ID, sub.Status, pq.Array(sub.Tokens), sub.TokensUsed, sub.InitialOrderID,
		sub.Amount, sub.Currency, sub.DonorEmail, sub.BillingCycle, sub.NextBillingAt,
		sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}

	return nil
}

// GetSubscriptionsDue returns active subscriptions whose next billing date
// has passed, oldest first
func (db *DB) GetSubscriptionsDue(ctx context.Context, limit int) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status = $1 AND next_billing_at IS NOT NULL AND next_billing_at <= NOW()
		ORDER BY next_billing_at ASC
		LIMIT $2`

	rows, err := db.conn.QueryContext(ctx, query, SubscriptionStatusActive, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get due subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		var s Subscription
		var nextBilling sql.NullTime

		err := rows.Scan(
			&s.ID, &s.Status, pq.Array(&s.Tokens), &s.TokensUsed, &s.InitialOrderID,
			&s.Amount, &s.Currency, &s.DonorEmail, &s.BillingCycle, &nextBilling, &s.CreatedAt, &s.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}

		if nextBilling.Valid {
			s.NextBillingAt = &nextBilling.Time
		}
		subs = append(subs, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}

	return subs, nil
}
