package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"escrow-service/internal/models"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/claim_event.lua
var claimEventScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

const claimDone = "done"

type Client struct {
	rdb           *redis.Client
	claimScript   *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newClient(rdb), nil
}

func newClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		claimScript:   redis.NewScript(claimEventScript),
		releaseScript: redis.NewScript(releaseLockScript),
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis connectivity
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// ClaimEvent atomically claims a provider event for processing. The claim
// expires after ttl unless CompleteEvent replaces it. When claimed is false,
// done tells a finished event apart from one another delivery is still
// working on.
func (c *Client) ClaimEvent(ctx context.Context, eventID string, ttl time.Duration) (claimed, done bool, err error) {
	result, err := c.claimScript.Run(ctx, c.rdb, []string{eventKey(eventID)},
		uuid.NewString(), ttl.Milliseconds(), claimDone).Result()
	if err != nil {
		return false, false, fmt.Errorf("claim event script failed: %w", err)
	}

	status, ok := result.(int64)
	if !ok {
		return false, false, fmt.Errorf("unexpected script result type")
	}
	return status == 1, status == 2, nil
}

// CompleteEvent marks a claimed event as done for ttl
func (c *Client) CompleteEvent(ctx context.Context, eventID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, eventKey(eventID), claimDone, ttl).Err()
}

// ReleaseEvent drops a claim so a redelivery can be processed
func (c *Client) ReleaseEvent(ctx context.Context, eventID string) error {
	return c.rdb.Del(ctx, eventKey(eventID)).Err()
}

// AcquireLock acquires a distributed lock and returns the owner token
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, lockKeyOf(lockKey), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock if token still owns it
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{lockKeyOf(lockKey)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

// GetCachedProduct returns a cached product; ok is false on a cache miss
func (c *Client) GetCachedProduct(ctx context.Context, productID string) (*models.Product, bool, error) {
	val, err := c.rdb.Get(ctx, productKey(productID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var product models.Product
	if err := json.Unmarshal(val, &product); err != nil {
		return nil, false, fmt.Errorf("corrupt cached product %s: %w", productID, err)
	}
	return &product, true, nil
}

// CacheProduct stores a product with TTL
func (c *Client) CacheProduct(ctx context.Context, product *models.Product, ttl time.Duration) error {
	b, err := json.Marshal(product)
	if err != nil {
		return fmt.Errorf("failed to marshal product: %w", err)
	}
	return c.rdb.Set(ctx, productKey(product.ID), b, ttl).Err()
}

func eventKey(eventID string) string     { return fmt.Sprintf("escrow:event:%s", eventID) }
func lockKeyOf(key string) string        { return fmt.Sprintf("escrow:lock:%s", key) }
func productKey(productID string) string { return fmt.Sprintf("escrow:product:%s", productID) }
