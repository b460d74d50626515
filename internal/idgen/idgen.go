// Package idgen allocates globally unique, time-ordered 64-bit ids.
//
// An id is (seconds since Epoch) << SeqBits | seq, where seq comes from a
// Redis INCR on a per-namespace, per-day counter. Ids from any number of
// processes are unique and ordered by second without a central sequencer.
package idgen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-flash-orders/internal/redisx"
)

const SeqBits = 32

// Epoch is 2022-01-01T00:00:00Z.
var Epoch = time.Unix(1640995200, 0).UTC()

var ErrSequenceExhausted = errors.New("id sequence exhausted")

type Allocator struct {
	rdb   redis.Cmdable
	clock clock.Clock
}

func New(rdb redis.Cmdable, clk clock.Clock) *Allocator {
	if clk == nil {
		clk = clock.New()
	}
	return &Allocator{rdb: rdb, clock: clk}
}

// NextID fails fast when the counter store is unreachable; it never issues
// an id without a successful increment.
func (a *Allocator) NextID(ctx context.Context, namespace string) (int64, error) {
	now := a.clock.Now().UTC()
	ts := now.Unix() - Epoch.Unix()

	key := fmt.Sprintf(redisx.KeyIDCounter, namespace, now.Format("2006:01:02"))
	pipe := a.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, redisx.TTLIDCounter)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	seq := incr.Val()
	if seq >= 1<<SeqBits {
		return 0, ErrSequenceExhausted
	}
	return ts<<SeqBits | seq, nil
}

// Time extracts the second an id was issued in.
func Time(id int64) time.Time {
	return time.Unix(Epoch.Unix()+id>>SeqBits, 0).UTC()
}
