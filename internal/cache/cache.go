// Package cache is the single facade in front of the Redis key-value store.
//
// Every caching concern in the core goes through this facade: plain get/set,
// pattern invalidation, the sorted-set priority queues used by the background
// processor, rate-limit counters, distributed locks, and versioned namespace
// invalidation. The facade degrades gracefully — when Redis is unreachable,
// reads miss, writes report false, and rate limits allow — so the
// authoritative document store always remains the source of truth.
package cache

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatchSize = 100

// releaseScript is the atomic compare-and-delete used for lock release:
// the lock is deleted only when it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`)

// Config holds connection and reconnect parameters for the facade.
type Config struct {
	Addr                 string
	Password             string
	DB                   int
	KeyPrefix            string
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
}

func (c *Config) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "civicsafe:"
	}
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 500 * time.Millisecond
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
}

// ScoredMember is a member popped from a sorted-set priority queue.
type ScoredMember struct {
	Member string
	Score  float64
}

// Facade wraps go-redis v9 with the operations the core needs. It is a
// process-wide singleton with explicit Init/Shutdown — main wires exactly one.
type Facade struct {
	cfg Config

	mu           sync.RWMutex
	rdb          *redis.Client
	connected    bool
	reconnecting bool
	attempts     int
}

// New connects to Redis and returns the facade. A failed initial connection
// is not fatal: the facade starts disconnected and begins background
// reconnection, and all operations degrade until the store comes back.
func New(cfg Config) *Facade {
	cfg.applyDefaults()
	f := &Facade{cfg: cfg}
	f.rdb = redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := f.rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("cache: initial connection failed, starting degraded", "addr", cfg.Addr, "error", err)
		go f.reconnectLoop()
		return f
	}

	f.connected = true
	slog.Info("cache: connected", "addr", cfg.Addr, "db", cfg.DB)
	return f
}

// NewWithClient builds a facade around an existing client. Used by tests
// (miniredis) and by deployments that construct the client elsewhere.
func NewWithClient(rdb *redis.Client, keyPrefix string) *Facade {
	cfg := Config{KeyPrefix: keyPrefix}
	cfg.applyDefaults()
	return &Facade{cfg: cfg, rdb: rdb, connected: true}
}

// Shutdown closes the underlying client.
func (f *Facade) Shutdown() error {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
	return f.rdb.Close()
}

// Connected reports whether the facade currently considers Redis reachable.
func (f *Facade) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Reinitialize resets the retry budget and forces a reconnect attempt.
// After the retry ceiling is exhausted this is the only way back up.
func (f *Facade) Reinitialize() {
	f.mu.Lock()
	f.attempts = 0
	alreadyRunning := f.reconnecting
	f.mu.Unlock()
	if !alreadyRunning {
		go f.reconnectLoop()
	}
}

// markDown transitions to degraded mode and starts background recovery.
func (f *Facade) markDown(err error) {
	f.mu.Lock()
	wasConnected := f.connected
	f.connected = false
	alreadyRunning := f.reconnecting
	f.mu.Unlock()

	if wasConnected {
		slog.Warn("cache: connection lost, degrading", "error", err)
	}
	if !alreadyRunning {
		go f.reconnectLoop()
	}
}

// reconnectLoop retries with exponential backoff up to the configured
// ceiling, then gives up until Reinitialize is called.
func (f *Facade) reconnectLoop() {
	f.mu.Lock()
	if f.reconnecting {
		f.mu.Unlock()
		return
	}
	f.reconnecting = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.reconnecting = false
		f.mu.Unlock()
	}()

	delay := f.cfg.ReconnectBaseDelay
	for {
		f.mu.Lock()
		if f.attempts >= f.cfg.MaxReconnectAttempts {
			f.mu.Unlock()
			slog.Error("cache: reconnect ceiling reached, staying degraded until reinitialized",
				"attempts", f.cfg.MaxReconnectAttempts)
			return
		}
		f.attempts++
		attempt := f.attempts
		f.mu.Unlock()

		time.Sleep(delay)
		delay *= 2
		if delay > f.cfg.ReconnectMaxDelay {
			delay = f.cfg.ReconnectMaxDelay
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := f.rdb.Ping(ctx).Err()
		cancel()
		if err == nil {
			f.mu.Lock()
			f.connected = true
			f.attempts = 0
			f.mu.Unlock()
			slog.Info("cache: reconnected", "attempt", attempt)
			return
		}
		slog.Warn("cache: reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

func (f *Facade) key(k string) string {
	return f.cfg.KeyPrefix + k
}

// =============================================================================
// Strings
// =============================================================================

// Get returns the value for a key, or (nil, false) on miss or degraded mode.
func (f *Facade) Get(ctx context.Context, key string) ([]byte, bool) {
	if !f.Connected() {
		return nil, false
	}
	val, err := f.rdb.Get(ctx, f.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		f.markDown(err)
		return nil, false
	}
	return val, true
}

// Set stores a value with a TTL. Returns false when the store is down.
func (f *Facade) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	if !f.Connected() {
		return false
	}
	if err := f.rdb.Set(ctx, f.key(key), value, ttl).Err(); err != nil {
		f.markDown(err)
		return false
	}
	return true
}

// Delete removes keys. Returns false when the store is down.
func (f *Facade) Delete(ctx context.Context, keys ...string) bool {
	if !f.Connected() || len(keys) == 0 {
		return false
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = f.key(k)
	}
	if err := f.rdb.Del(ctx, prefixed...).Err(); err != nil {
		f.markDown(err)
		return false
	}
	return true
}

// GetJSON unmarshals a cached JSON value into dst.
func (f *Facade) GetJSON(ctx context.Context, key string, dst any) bool {
	data, ok := f.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		slog.Warn("cache: corrupt JSON entry, dropping", "key", key, "error", err)
		f.Delete(ctx, key)
		return false
	}
	return true
}

// SetJSON marshals v and stores it with a TTL.
func (f *Facade) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return f.Set(ctx, key, data, ttl)
}

// DeletePattern removes every key matching the pattern using non-blocking
// SCAN cursor iteration (batch size 100). Returns the number deleted.
func (f *Facade) DeletePattern(ctx context.Context, pattern string) int {
	if !f.Connected() {
		return 0
	}
	var cursor uint64
	deleted := 0
	for {
		keys, next, err := f.rdb.Scan(ctx, cursor, f.key(pattern), scanBatchSize).Result()
		if err != nil {
			f.markDown(err)
			return deleted
		}
		if len(keys) > 0 {
			if err := f.rdb.Del(ctx, keys...).Err(); err != nil {
				f.markDown(err)
				return deleted
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return deleted
		}
	}
}

// =============================================================================
// Sorted sets — priority queues
// =============================================================================

// ZAdd inserts a member with a score. Lower score pops first.
func (f *Facade) ZAdd(ctx context.Context, key, member string, score float64) bool {
	if !f.Connected() {
		return false
	}
	if err := f.rdb.ZAdd(ctx, f.key(key), redis.Z{Score: score, Member: member}).Err(); err != nil {
		f.markDown(err)
		return false
	}
	return true
}

// ZPopMin pops up to n lowest-score members.
func (f *Facade) ZPopMin(ctx context.Context, key string, n int64) []ScoredMember {
	if !f.Connected() {
		return nil
	}
	zs, err := f.rdb.ZPopMin(ctx, f.key(key), n).Result()
	if err != nil {
		f.markDown(err)
		return nil
	}
	out := make([]ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, ScoredMember{Member: member, Score: z.Score})
	}
	return out
}

// ZCard returns the cardinality of a sorted set.
func (f *Facade) ZCard(ctx context.Context, key string) int64 {
	if !f.Connected() {
		return 0
	}
	n, err := f.rdb.ZCard(ctx, f.key(key)).Result()
	if err != nil {
		f.markDown(err)
		return 0
	}
	return n
}

// =============================================================================
// Lists — dead-letter queues
// =============================================================================

// LPush prepends values to a list.
func (f *Facade) LPush(ctx context.Context, key string, values ...string) bool {
	if !f.Connected() || len(values) == 0 {
		return false
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := f.rdb.LPush(ctx, f.key(key), args...).Err(); err != nil {
		f.markDown(err)
		return false
	}
	return true
}

// LTrim keeps only the given range of a list.
func (f *Facade) LTrim(ctx context.Context, key string, start, stop int64) bool {
	if !f.Connected() {
		return false
	}
	if err := f.rdb.LTrim(ctx, f.key(key), start, stop).Err(); err != nil {
		f.markDown(err)
		return false
	}
	return true
}

// LRange returns the elements in the given range of a list.
func (f *Facade) LRange(ctx context.Context, key string, start, stop int64) []string {
	if !f.Connected() {
		return nil
	}
	vals, err := f.rdb.LRange(ctx, f.key(key), start, stop).Result()
	if err != nil {
		f.markDown(err)
		return nil
	}
	return vals
}

// LRem removes count occurrences of value from a list.
func (f *Facade) LRem(ctx context.Context, key string, count int64, value string) bool {
	if !f.Connected() {
		return false
	}
	if err := f.rdb.LRem(ctx, f.key(key), count, value).Err(); err != nil {
		f.markDown(err)
		return false
	}
	return true
}

// =============================================================================
// Rate limiting
// =============================================================================

// CheckRateLimit atomically increments the counter for key and reports
// whether the caller is still within max for the window. The TTL is set only
// when the counter is first created. Degraded mode always allows.
func (f *Facade) CheckRateLimit(ctx context.Context, key string, max int64, window time.Duration) (allowed bool, remaining int64) {
	if !f.Connected() {
		return true, max
	}
	k := f.key("ratelimit:" + key)
	n, err := f.rdb.Incr(ctx, k).Result()
	if err != nil {
		f.markDown(err)
		return true, max
	}
	if n == 1 {
		if err := f.rdb.Expire(ctx, k, window).Err(); err != nil {
			f.markDown(err)
			return true, max
		}
	}
	remaining = max - n
	if remaining < 0 {
		remaining = 0
	}
	return n <= max, remaining
}

// =============================================================================
// Distributed locks
// =============================================================================

// AcquireLock attempts SET NX with a random token, retrying up to maxRetries
// with a short pause. Returns the token to pass to ReleaseLock.
func (f *Facade) AcquireLock(ctx context.Context, key string, ttl time.Duration, maxRetries int) (string, bool) {
	if !f.Connected() {
		return "", false
	}
	token := newLockToken()
	k := f.key("lock:" + key)
	for i := 0; i <= maxRetries; i++ {
		ok, err := f.rdb.SetNX(ctx, k, token, ttl).Result()
		if err != nil {
			f.markDown(err)
			return "", false
		}
		if ok {
			return token, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(50 * time.Millisecond):
		}
	}
	return "", false
}

// ReleaseLock releases the lock only if it still holds the caller's token.
func (f *Facade) ReleaseLock(ctx context.Context, key, token string) bool {
	if !f.Connected() {
		return false
	}
	res, err := releaseScript.Run(ctx, f.rdb, []string{f.key("lock:" + key)}, token).Int64()
	if err != nil {
		f.markDown(err)
		return false
	}
	return res == 1
}

func newLockToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("tok-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// =============================================================================
// Versioned namespaces
// =============================================================================

// NamespaceVersion returns the current version of a namespace, initializing
// it to 1 on first use. Degraded mode reports version 0, which keeps
// VersionedKey stable but guarantees misses once the store returns.
func (f *Facade) NamespaceVersion(ctx context.Context, ns string) int64 {
	if !f.Connected() {
		return 0
	}
	k := f.key("ns_version:" + ns)
	v, err := f.rdb.Get(ctx, k).Int64()
	if err == redis.Nil {
		// SETNX so concurrent initializers agree on version 1.
		if err := f.rdb.SetNX(ctx, k, 1, 0).Err(); err != nil {
			f.markDown(err)
			return 0
		}
		return 1
	}
	if err != nil {
		f.markDown(err)
		return 0
	}
	return v
}

// BumpNamespace atomically increments the namespace version, logically
// invalidating every key written under prior versions without deleting them.
func (f *Facade) BumpNamespace(ctx context.Context, ns string) int64 {
	if !f.Connected() {
		return 0
	}
	v, err := f.rdb.Incr(ctx, f.key("ns_version:"+ns)).Result()
	if err != nil {
		f.markDown(err)
		return 0
	}
	return v
}

// VersionedKey embeds the namespace's current version into a cache key, so
// readers transparently miss after a bump.
func (f *Facade) VersionedKey(ctx context.Context, ns, key string) string {
	return fmt.Sprintf("%s:v%d:%s", ns, f.NamespaceVersion(ctx, ns), key)
}
