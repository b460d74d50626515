package redisx

import (
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Jitter returns ttl plus a random addend in [0, ttl/5], so keys written
// together do not expire together.
func Jitter(ttl time.Duration) time.Duration {
	spread := int64(ttl / 5)
	if spread <= 0 {
		return ttl
	}
	return ttl + time.Duration(rand.Int63n(spread+1))
}
