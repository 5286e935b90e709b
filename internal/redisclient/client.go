package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/claim_redemption.lua
var claimRedemptionScript string

//go:embed scripts/release_claim.lua
var releaseClaimScript string

// inFlightMarker is stored under an idempotency key while the first request
// with that key is still being processed.
const inFlightMarker = "__IN_FLIGHT__"

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

	return &Client{
		rdb:           rdb,
		claimScript:   redis.NewScript(claimRedemptionScript),
		releaseScript: redis.NewScript(releaseClaimScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func redemptionKey(key string) string {
	return fmt.Sprintf("redemption:%s", key)
}

// ClaimRedemption atomically claims an idempotency key. It returns the cached
// response when a previous request with the same key already completed, or
// inFlight=true when another request with the key is still being processed.
// When both are zero the claim is held by this caller.
func (c *Client) ClaimRedemption(ctx context.Context, key string, ttl time.Duration) (cached []byte, inFlight bool, err error) {
	result, err := c.claimScript.Run(ctx, c.rdb,
		[]string{redemptionKey(key)}, inFlightMarker, ttl.Milliseconds()).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim redemption script failed: %w", err)
	}

	value, ok := result.(string)
	if !ok {
		return nil, false, fmt.Errorf("unexpected script result type %T", result)
	}

	switch value {
	case "":
		return nil, false, nil
	case inFlightMarker:
		return nil, true, nil
	default:
		return []byte(value), false, nil
	}
}

// StoreRedemptionResult replaces the in-flight marker with the final response
// so replays within the dedup window are served without touching the ledger.
func (c *Client) StoreRedemptionResult(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, redemptionKey(key), payload, ttl).Err()
}

// ReleaseRedemptionClaim drops the in-flight marker after a failed attempt so
// the client may retry. A stored response is left untouched.
func (c *Client) ReleaseRedemptionClaim(ctx context.Context, key string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb,
		[]string{redemptionKey(key)}, inFlightMarker).Result()
	if err != nil {
		return fmt.Errorf("release claim script failed: %w", err)
	}
	return nil
}

// GetRedemptionResult fetches the cached response for an idempotency key, if
// any. Used when polling for a concurrent duplicate to finish.
func (c *Client) GetRedemptionResult(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.rdb.Get(ctx, redemptionKey(key)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if value == inFlightMarker {
		return nil, true, nil
	}
	return []byte(value), false, nil
}
