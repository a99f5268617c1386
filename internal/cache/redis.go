package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bigdegenenergy/open-cloud-ops/bulwark/pkg/models"
)

// Redis is a cache store backed by a shared Redis instance, so cache hits
// and budget spend are visible across gateway replicas. Expiry is delegated
// to Redis key TTLs.
type Redis struct {
	client *redis.Client

	hits   atomic.Int64
	misses atomic.Int64
}

// NewRedis connects to Redis at addr ("host:port") and verifies connectivity.
func NewRedis(ctx context.Context, addr, password string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cache: failed to connect to Redis at %s: %w", addr, err)
	}
	log.Printf("cache: connected to Redis at %s", addr)
	return &Redis{client: client}, nil
}

// Close shuts down the Redis client connection.
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func responseKey(fingerprint string) string {
	return "response:" + fingerprint
}

// Get retrieves the entry for the fingerprint. A missing key is a plain
// miss; transport errors are returned so the caller can fail open.
func (r *Redis) Get(ctx context.Context, fingerprint string) (Entry, bool, error) {
	val, err := r.client.Get(ctx, responseKey(fingerprint)).Result()
	if err == redis.Nil {
		r.misses.Add(1)
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: get %q: %w", FingerprintPrefix(fingerprint), err)
	}

	var e Entry
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return Entry{}, false, fmt.Errorf("cache: decode %q: %w", FingerprintPrefix(fingerprint), err)
	}
	r.hits.Add(1)
	return e, true, nil
}

// Put stores the entry with its TTL as the Redis key expiry.
func (r *Redis) Put(ctx context.Context, fingerprint string, e Entry) error {
	if e.TTL <= 0 {
		return nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode %q: %w", FingerprintPrefix(fingerprint), err)
	}
	if err := r.client.Set(ctx, responseKey(fingerprint), raw, e.TTL).Err(); err != nil {
		return fmt.Errorf("cache: set %q: %w", FingerprintPrefix(fingerprint), err)
	}
	return nil
}

// Stats reports hit/miss totals observed by this replica. Entry counts are
// not tracked against Redis to keep the hot path to a single round-trip.
func (r *Redis) Stats() models.CacheStats {
	return models.CacheStats{Hits: r.hits.Load(), Misses: r.misses.Load()}
}

func budgetKey(tenantID, period string) string {
	return fmt.Sprintf("budget:spend:%s:%s", tenantID, period)
}

// incrWithExpireLua atomically increments a key and sets TTL if the key has
// no expiry yet. A single script avoids a race between INCRBYFLOAT and
// EXPIRE under concurrent calls for the same tenant.
var incrWithExpireLua = redis.NewScript(`
	local newval = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
	if redis.call('TTL', KEYS[1]) == -1 then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	return newval
`)

// IncrBudgetSpend atomically adds amount to the tenant's mirrored spend for
// the billing period and returns the new total.
func (r *Redis) IncrBudgetSpend(ctx context.Context, tenantID, period string, amount float64) (float64, error) {
	key := budgetKey(tenantID, period)
	ttlSeconds := int(62 * 24 * time.Hour / time.Second) // two billing periods

	result, err := incrWithExpireLua.Run(ctx, r.client, []string{key},
		strconv.FormatFloat(amount, 'f', 10, 64), ttlSeconds).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: incr budget spend %q: %w", key, err)
	}

	// Lua returns INCRBYFLOAT results as strings.
	switch v := result.(type) {
	case string:
		newVal, parseErr := strconv.ParseFloat(v, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("cache: parse incr result %q: %w", v, parseErr)
		}
		return newVal, nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("cache: unexpected result type from Lua script")
	}
}

// GetBudgetSpend retrieves the mirrored spend for a tenant and period.
// Returns 0 if nothing has been recorded yet.
func (r *Redis) GetBudgetSpend(ctx context.Context, tenantID, period string) (float64, error) {
	val, err := r.client.Get(ctx, budgetKey(tenantID, period)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache: get budget spend: %w", err)
	}
	spend, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("cache: parse budget spend %q: %w", val, err)
	}
	return spend, nil
}

var _ Store = (*Redis)(nil)
