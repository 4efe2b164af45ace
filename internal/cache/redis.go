// Package cache provides the Redis-backed notification replay guard. The
// processor delivers notifications at least once; the state machine applies
// them idempotently, so the guard only exists to flag redundant deliveries.
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const notificationTTL = 72 * time.Hour

// NotificationCache remembers which (orderRef, status) notifications have
// already been applied.
type NotificationCache struct {
	client *redis.Client
}

// NewNotificationCache connects to Redis and verifies the connection.
func NewNotificationCache(redisURL string) (*NotificationCache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &NotificationCache{client: client}, nil
}

// MarkProcessed records a notification and reports whether it was seen
// before. The write is atomic, so two racing deliveries agree on which one
// was first.
func (c *NotificationCache) MarkProcessed(ctx context.Context, orderRef, status string) (seenBefore bool, err error) {
	set, err := c.client.SetNX(ctx, notificationKey(orderRef, status), time.Now().Format(time.RFC3339), notificationTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark notification: %w", err)
	}
	return !set, nil
}

// Close closes the Redis connection
func (c *NotificationCache) Close() error {
	return c.client.Close()
}

// HealthCheck pings Redis with a short timeout
func (c *NotificationCache) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return c.client.Ping(ctx).Err()
}

func notificationKey(orderRef, status string) string {
	return "simplepay:ipn:" + orderRef + ":" + status
}
