// Package cache is a cache-aside read path over Redis.
//
// Values are stored as JSON. A backing-store miss is remembered as an empty
// string with a short TTL so repeated lookups of missing ids stop at the
// cache. Two rebuild strategies guard against stampedes on hot keys:
// QueryWithMutex lets one caller rebuild while others wait, and
// QueryWithLogicalExpire serves the stale value while a single background
// task rebuilds it. Every physical TTL is jittered.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-flash-orders/internal/lock"
	"github.com/ariefcatur/go-flash-orders/internal/metrics"
	"github.com/ariefcatur/go-flash-orders/internal/redisx"
)

// ErrNotFound is returned when the backing store has no record for a key.
// Loaders return it (possibly wrapped) to have the miss cached.
var ErrNotFound = errors.New("cache: not found")

// ErrBusy means the mutex rebuild did not finish within the wait budget.
var ErrBusy = errors.New("cache: rebuild in progress")

const (
	StrategyPassThrough = "passthrough"
	StrategyMutex       = "mutex"
	StrategyLogical     = "logical"
)

// Loader reads one value from the backing store.
type Loader[T any] func(ctx context.Context) (T, error)

type Options struct {
	NullTTL        time.Duration
	LockTTL        time.Duration
	RetryInterval  time.Duration
	MaxRetries     int
	RebuildWorkers int
}

func (o Options) withDefaults() Options {
	if o.NullTTL <= 0 {
		o.NullTTL = redisx.TTLCacheNull
	}
	if o.LockTTL <= 0 {
		o.LockTTL = redisx.TTLLockShop
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 50 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 100
	}
	if o.RebuildWorkers <= 0 {
		o.RebuildWorkers = 10
	}
	return o
}

type Client struct {
	rdb     redis.Cmdable
	locker  *lock.Locker
	opts    Options
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	rebuild *errgroup.Group
}

func New(rdb redis.Cmdable, locker *lock.Locker, opts Options, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics) *Client {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	opts = opts.withDefaults()
	g := &errgroup.Group{}
	g.SetLimit(opts.RebuildWorkers)
	return &Client{
		rdb:     rdb,
		locker:  locker,
		opts:    opts,
		clock:   clk,
		logger:  logger.Named("cache"),
		metrics: m,
		rebuild: g,
	}
}

// Close waits for background rebuilds in flight.
func (c *Client) Close() error {
	return c.rebuild.Wait()
}

// Set stores v under key with a jittered physical TTL.
func (c *Client) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.rdb.Set(ctx, key, b, redisx.Jitter(ttl)).Err()
}

// logicalEntry wraps a value that is never evicted by the store; staleness
// is judged by ExpireTime.
type logicalEntry struct {
	Data       json.RawMessage `json:"data"`
	ExpireTime time.Time       `json:"expireTime"`
}

// SetWithLogicalExpire stores v without a physical TTL, marked stale after ttl.
func (c *Client) SetWithLogicalExpire(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	b, err := json.Marshal(logicalEntry{Data: data, ExpireTime: c.clock.Now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.rdb.Set(ctx, key, b, 0).Err()
}

func (c *Client) Delete(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, key).Err()
}

func (c *Client) setNull(ctx context.Context, key string) {
	if err := c.rdb.Set(ctx, key, "", redisx.Jitter(c.opts.NullTTL)).Err(); err != nil {
		c.logger.Warn("cache null marker", zap.String("key", key), zap.Error(err))
	}
}

// lookup reports hit=false on a plain miss. A cached null marker is a hit
// that yields ErrNotFound.
func lookup[T any](ctx context.Context, c *Client, key string) (v T, hit bool, err error) {
	s, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return v, false, nil
	}
	if err != nil {
		return v, false, fmt.Errorf("get %s: %w", key, err)
	}
	if s == "" {
		return v, true, ErrNotFound
	}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return v, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, true, nil
}

// loadAndStore runs load and writes its outcome to the cache.
func loadAndStore[T any](ctx context.Context, c *Client, key string, ttl time.Duration, strategy string, load Loader[T]) (T, error) {
	c.metrics.CacheRebuilds.WithLabelValues(strategy).Inc()
	v, err := load(ctx)
	if errors.Is(err, ErrNotFound) {
		c.setNull(ctx, key)
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if err := c.Set(ctx, key, v, ttl); err != nil {
		c.logger.Warn("cache write", zap.String("key", key), zap.Error(err))
	}
	return v, nil
}

// QueryWithPassThrough reads key, falling back to load on a miss.
func QueryWithPassThrough[T any](ctx context.Context, c *Client, key string, ttl time.Duration, load Loader[T]) (T, error) {
	v, hit, err := lookup[T](ctx, c, key)
	if hit {
		c.observe(StrategyPassThrough, err)
		return v, err
	}
	if err != nil {
		// The cache is a shortcut; fall through to the store.
		c.logger.Warn("cache read", zap.String("key", key), zap.Error(err))
	}
	c.metrics.CacheLookups.WithLabelValues(StrategyPassThrough, "miss").Inc()
	return loadAndStore(ctx, c, key, ttl, StrategyPassThrough, load)
}

// QueryWithMutex reads key; on a miss one caller takes the lock on resource
// and rebuilds while the others poll the cache until it is populated. It
// returns ErrBusy when the rebuild does not land within the retry budget.
func QueryWithMutex[T any](ctx context.Context, c *Client, key, resource string, ttl time.Duration, load Loader[T]) (T, error) {
	var out T
	first := true
	op := func() error {
		v, hit, err := lookup[T](ctx, c, key)
		if hit {
			if first {
				c.observe(StrategyMutex, err)
			}
			out = v
			return backoff.Permanent(err)
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		if first {
			c.metrics.CacheLookups.WithLabelValues(StrategyMutex, "miss").Inc()
			first = false
		}

		lease, err := c.locker.TryAcquire(ctx, resource, c.opts.LockTTL)
		if errors.Is(err, lock.ErrNotAcquired) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				c.logger.Warn("release rebuild lock", zap.String("key", lease.Key()), zap.Error(err))
			}
		}()

		// Someone may have rebuilt it between our miss and the lock.
		v, hit, err = lookup[T](ctx, c, key)
		if hit {
			out = v
			return backoff.Permanent(err)
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		out, err = loadAndStore(ctx, c, key, ttl, StrategyMutex, load)
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(c.opts.RetryInterval), uint64(c.opts.MaxRetries)), ctx)
	err := backoff.Retry(op, b)
	if errors.Is(err, lock.ErrNotAcquired) {
		return out, fmt.Errorf("%w: %s", ErrBusy, key)
	}
	return out, err
}

// QueryWithLogicalExpire returns the cached value even when it is stale.
// A stale read by the caller that wins the lock on resource schedules one
// rebuild on the background pool. A key that was never written returns
// ErrNotFound; hot keys are expected to be warmed ahead of time.
func QueryWithLogicalExpire[T any](ctx context.Context, c *Client, key, resource string, ttl time.Duration, load Loader[T]) (T, error) {
	var v T
	entry, err := c.getLogical(ctx, key)
	if errors.Is(err, redis.Nil) {
		c.metrics.CacheLookups.WithLabelValues(StrategyLogical, "miss").Inc()
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(entry.Data, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", key, err)
	}
	if c.clock.Now().Before(entry.ExpireTime) {
		c.metrics.CacheLookups.WithLabelValues(StrategyLogical, "hit").Inc()
		return v, nil
	}
	c.metrics.CacheLookups.WithLabelValues(StrategyLogical, "stale").Inc()

	lease, err := c.locker.TryAcquire(ctx, resource, c.opts.LockTTL)
	if err != nil {
		if !errors.Is(err, lock.ErrNotAcquired) {
			c.logger.Warn("rebuild lock", zap.String("key", key), zap.Error(err))
		}
		return v, nil
	}

	// Another caller may have finished a rebuild before we got the lock.
	if fresh, err := c.getLogical(ctx, key); err == nil && c.clock.Now().Before(fresh.ExpireTime) {
		c.releaseQuietly(lease)
		var fv T
		if err := json.Unmarshal(fresh.Data, &fv); err == nil {
			return fv, nil
		}
		return v, nil
	}

	started := c.rebuild.TryGo(func() error {
		defer c.releaseQuietly(lease)
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.LockTTL)
		defer cancel()

		c.metrics.CacheRebuilds.WithLabelValues(StrategyLogical).Inc()
		nv, err := load(rctx)
		if errors.Is(err, ErrNotFound) {
			if err := c.Delete(rctx, key); err != nil {
				c.logger.Warn("drop vanished entry", zap.String("key", key), zap.Error(err))
			}
			return nil
		}
		if err != nil {
			c.logger.Warn("logical rebuild failed", zap.String("key", key), zap.Error(err))
			return nil
		}
		if err := c.SetWithLogicalExpire(rctx, key, nv, ttl); err != nil {
			c.logger.Warn("logical rebuild write", zap.String("key", key), zap.Error(err))
		}
		return nil
	})
	if !started {
		c.releaseQuietly(lease)
		c.logger.Warn("rebuild pool saturated", zap.String("key", key))
	}
	return v, nil
}

func (c *Client) getLogical(ctx context.Context, key string) (logicalEntry, error) {
	var e logicalEntry
	b, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return e, err
	}
	if err := json.Unmarshal(b, &e); err != nil {
		return e, fmt.Errorf("decode %s: %w", key, err)
	}
	return e, nil
}

func (c *Client) releaseQuietly(lease *lock.Lease) {
	if err := lease.Release(context.Background()); err != nil {
		c.logger.Warn("release rebuild lock", zap.String("key", lease.Key()), zap.Error(err))
	}
}

func (c *Client) observe(strategy string, err error) {
	outcome := "hit"
	if errors.Is(err, ErrNotFound) {
		outcome = "null"
	}
	c.metrics.CacheLookups.WithLabelValues(strategy, outcome).Inc()
}
