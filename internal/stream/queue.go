// Package stream is the durable order queue: a Redis Stream read through a
// consumer group. An entry stays in the group's pending list from delivery
// until it is acknowledged, so entries handed to a consumer that crashed are
// replayed by ReadPending, or taken over by another consumer through Claim
// once they have sat idle long enough.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/go-flash-orders/internal/orders"
	"github.com/ariefcatur/go-flash-orders/internal/redisx"
)

// Flat field names of a queue entry.
const (
	FieldOrderID   = "id"
	FieldUserID    = "userId"
	FieldVoucherID = "voucherId"
	FieldCreatedAt = "createdAt"
)

var (
	ErrAlreadyEnqueued = errors.New("order already enqueued")
	ErrMalformedEntry  = errors.New("malformed queue entry")
)

// Entry is one delivered queue message.
type Entry struct {
	ID    string
	Order orders.VoucherOrder
}

// appendScript appends once per order id.
var appendScript = redis.NewScript(`
if redis.call('set', KEYS[2], '1', 'NX', 'EX', ARGV[5]) then
	return redis.call('xadd', KEYS[1], '*', 'id', ARGV[1], 'userId', ARGV[2], 'voucherId', ARGV[3], 'createdAt', ARGV[4])
end
return false
`)

const claimBatch = 100

type Queue struct {
	rdb    redis.Cmdable
	stream string
	group  string
}

func New(rdb redis.Cmdable, stream, group string) *Queue {
	return &Queue{rdb: rdb, stream: stream, group: group}
}

func (q *Queue) Stream() string { return q.stream }
func (q *Queue) Group() string  { return q.group }

// EnqueuedKey is the marker key that makes appends of orderID idempotent.
func (q *Queue) EnqueuedKey(orderID int64) string {
	return fmt.Sprintf(redisx.KeyEnqueued, q.stream, orderID)
}

// EnsureGroup creates the stream and the consumer group if they are missing.
func (q *Queue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s/%s: %w", q.stream, q.group, err)
	}
	return nil
}

// Append adds an order to the stream unless the same order id was already
// appended, in which case it returns ErrAlreadyEnqueued.
func (q *Queue) Append(ctx context.Context, o orders.VoucherOrder) (string, error) {
	keys := []string{q.stream, q.EnqueuedKey(o.ID)}
	id, err := appendScript.Run(ctx, q.rdb, keys,
		o.ID, o.UserID, o.VoucherID, o.CreatedAt.UnixMilli(), int64(redisx.TTLEnqueued/time.Second),
	).Text()
	if errors.Is(err, redis.Nil) {
		return "", ErrAlreadyEnqueued
	}
	if err != nil {
		return "", fmt.Errorf("append order %d: %w", o.ID, err)
	}
	return id, nil
}

// ReadNext blocks up to block for one new entry. It returns nil, nil when
// nothing arrived.
func (q *Queue) ReadNext(ctx context.Context, consumer string, block time.Duration) (*Entry, error) {
	return q.readOne(ctx, consumer, ">", block)
}

// ReadPending returns the oldest entry delivered to consumer but not yet
// acknowledged, or nil when the pending list is empty.
func (q *Queue) ReadPending(ctx context.Context, consumer string) (*Entry, error) {
	return q.readOne(ctx, consumer, "0", -1)
}

func (q *Queue) readOne(ctx context.Context, consumer, start string, block time.Duration) (*Entry, error) {
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: consumer,
		Streams:  []string{q.stream, start},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s %s: %w", q.stream, start, err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}
	msg := res[0].Messages[0]
	order, err := Decode(msg.Values)
	if err != nil {
		return &Entry{ID: msg.ID}, err
	}
	return &Entry{ID: msg.ID, Order: order}, nil
}

// Claim moves entries that have been pending for at least minIdle, under any
// consumer, into consumer's pending list, where ReadPending picks them up.
// It returns how many entries were moved.
func (q *Queue) Claim(ctx context.Context, consumer string, minIdle time.Duration) (int, error) {
	start, claimed := "0-0", 0
	for {
		msgs, next, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    start,
			Count:    claimBatch,
		}).Result()
		if err != nil {
			return claimed, fmt.Errorf("xautoclaim %s: %w", q.stream, err)
		}
		claimed += len(msgs)
		if next == "" || next == "0-0" {
			return claimed, nil
		}
		start = next
	}
}

// Ack removes an entry from the group's pending list.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if err := q.rdb.XAck(ctx, q.stream, q.group, id).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", id, err)
	}
	return nil
}

// Pending reports how many entries are delivered but unacknowledged.
func (q *Queue) Pending(ctx context.Context) (int64, error) {
	p, err := q.rdb.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending %s: %w", q.stream, err)
	}
	return p.Count, nil
}

// Decode parses the flat field map of an entry.
func Decode(values map[string]any) (orders.VoucherOrder, error) {
	var o orders.VoucherOrder
	var err error
	if o.ID, err = intField(values, FieldOrderID); err != nil {
		return o, err
	}
	if o.UserID, err = intField(values, FieldUserID); err != nil {
		return o, err
	}
	if o.VoucherID, err = intField(values, FieldVoucherID); err != nil {
		return o, err
	}
	ms, err := intField(values, FieldCreatedAt)
	if err != nil {
		return o, err
	}
	o.CreatedAt = time.UnixMilli(ms).UTC()
	return o, nil
}

func intField(values map[string]any, name string) (int64, error) {
	raw, ok := values[name]
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrMalformedEntry, name)
	}
	s, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("%w: %s is %T", ErrMalformedEntry, name, raw)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrMalformedEntry, name, s)
	}
	return n, nil
}
