// Package lock implements a lease-based mutex over Redis.
//
// Acquisition is a single SET NX PX. Every lease carries a random holder
// token, and release/refresh compare that token inside a Lua script, so a
// holder whose lease already expired can never delete or extend a lock that
// another process has since acquired.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-flash-orders/internal/redisx"
)

var (
	ErrNotAcquired = errors.New("lock not acquired")
	ErrNotHeld     = errors.New("lock not held")
)

var releaseScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('del', KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
	return redis.call('pexpire', KEYS[1], ARGV[2])
end
return 0
`)

type Locker struct {
	rdb   redis.Cmdable
	clock clock.Clock
}

// New returns a Locker. clk dates lease deadlines and defaults to the wall
// clock when nil.
func New(rdb redis.Cmdable, clk clock.Clock) *Locker {
	if clk == nil {
		clk = clock.New()
	}
	return &Locker{rdb: rdb, clock: clk}
}

// Lease is an acquired lock. It must be released by its holder.
type Lease struct {
	rdb      redis.Cmdable
	clock    clock.Clock
	key      string
	token    string
	deadline time.Time
}

func (l *Lease) Key() string         { return l.key }
func (l *Lease) Token() string       { return l.token }
func (l *Lease) Deadline() time.Time { return l.deadline }

// TryAcquire makes a single attempt. It returns ErrNotAcquired when the
// resource is held by someone else.
func (l *Locker) TryAcquire(ctx context.Context, resource string, ttl time.Duration) (*Lease, error) {
	key := fmt.Sprintf(redisx.KeyLock, resource)
	token := uuid.NewString()
	start := l.clock.Now()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{rdb: l.rdb, clock: l.clock, key: key, token: token, deadline: start.Add(ttl)}, nil
}

// Acquire retries TryAcquire on a constant interval, at most maxRetries
// extra times, and gives up early when ctx is done. A negative maxRetries
// means a single attempt.
func (l *Locker) Acquire(ctx context.Context, resource string, ttl, interval time.Duration, maxRetries int) (*Lease, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	var lease *Lease
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(maxRetries)), ctx)
	err := backoff.Retry(func() error {
		var err error
		lease, err = l.TryAcquire(ctx, resource, ttl)
		if err != nil && !errors.Is(err, ErrNotAcquired) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Release deletes the lock only if it is still owned by this lease.
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Refresh extends the lease to ttl from now if it is still owned.
func (l *Lease) Refresh(ctx context.Context, ttl time.Duration) error {
	start := l.clock.Now()
	n, err := refreshScript.Run(ctx, l.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	l.deadline = start.Add(ttl)
	return nil
}
