// Package redisclaim implements triage.Claimer on Redis so that replicas
// sharing an intake queue do not run the same incident concurrently.
package redisclaim

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "arbiter:claim:"

// releaseScript deletes the claim only when the caller still owns it.
// KEYS[1] = claim key
// ARGV[1] = owner
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Claimer holds per-incident claims as expiring Redis keys.
type Claimer struct {
	client *redis.Client
	prefix string
}

// New creates a Claimer on an existing client. An empty prefix uses the default.
func New(client *redis.Client, prefix string) *Claimer {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Claimer{client: client, prefix: prefix}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// Claim takes the claim for incidentID if nobody holds it. The claim expires
// after ttl so a crashed replica cannot hold an incident forever.
func (c *Claimer) Claim(ctx context.Context, incidentID, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.key(incidentID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

// Release drops the claim if owner still holds it. Releasing a claim that
// expired or moved to another owner is not an error.
func (c *Claimer) Release(ctx context.Context, incidentID, owner string) error {
	if err := releaseScript.Run(ctx, c.client, []string{c.key(incidentID)}, owner).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

func (c *Claimer) key(incidentID string) string {
	return c.prefix + incidentID
}
