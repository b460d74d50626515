package redisx

import "time"

const (
	// ID counter per namespace per day: icr:{namespace}:{yyyy:mm:dd} -> INCR
	KeyIDCounter = "icr:%s:%s"

	// Lease keys: lock:{resource} -> holder token
	KeyLock = "lock:%s"

	// Lock resources
	LockOrderUser = "order:%d" // persistence worker, per user
	LockShop      = "shop:%d"  // cache rebuild, per shop

	// Seckill admission state, mutated only by the admission script.
	KeySeckillStock  = "seckill:stock:%d"  // remaining stock (int)
	KeySeckillWindow = "seckill:window:%d" // hash begin/end (unix seconds)
	KeySeckillOrder  = "seckill:order:%d"  // set of user ids that already bought

	// Order stream append marker: {stream}:enqueued:{order_id}
	KeyEnqueued = "%s:enqueued:%d"

	// Shop cache: cache:shop:{id} -> JSON | "" (empty marker) | {"data":...,"expireTime":...}
	KeyCacheShop = "cache:shop:%d"

	// Shop type list cache: JSON array, read pass-through.
	KeyCacheShopTypes = "cache:shop-type:list"
)

var (
	TTLIDCounter = 48 * time.Hour
	TTLEnqueued  = 24 * time.Hour

	TTLCacheShop = 30 * time.Minute
	TTLCacheNull = 2 * time.Minute
	TTLLockShop  = 10 * time.Second
	TTLLockOrder = 10 * time.Second
)
