package config

import (
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	for _, k := range []string{"ORDER_BLOCK", "CACHE_STRATEGY", "ORDER_CONSUMER", "ORDER_LOCK_INTERVAL", "ORDER_CLAIM_IDLE"} {
		t.Setenv(k, "")
	}

	cfg := Load()
	assert.Equal(t, "stream.orders", cfg.OrderStream)
	assert.Equal(t, "g1", cfg.OrderGroup)
	assert.Equal(t, 2*time.Second, cfg.OrderBlock)
	assert.Equal(t, 30*time.Minute, cfg.CacheShopTTL)
	assert.Equal(t, 2*time.Minute, cfg.CacheNullTTL)
	assert.Equal(t, "mutex", cfg.CacheStrategy)
	assert.Equal(t, 50*time.Millisecond, cfg.OrderLockInterval)
	assert.Equal(t, 30*time.Second, cfg.OrderClaimIdle)
	assert.Contains(t, cfg.OrderConsumer, fmt.Sprintf("-%d", os.Getpid()))
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("ORDER_BLOCK", "500ms")
	t.Setenv("ORDER_LOCK_RETRIES", "3")
	t.Setenv("ORDER_LOCK_INTERVAL", "15ms")
	t.Setenv("ORDER_CLAIM_IDLE", "1m")
	t.Setenv("ORDER_CONSUMER", "pod-a")
	t.Setenv("REBUILD_WORKERS", "not-a-number")
	t.Setenv("RUN_WORKER", "true")

	cfg := Load()
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 500*time.Millisecond, cfg.OrderBlock)
	assert.Equal(t, 3, cfg.OrderLockRetries)
	assert.Equal(t, 15*time.Millisecond, cfg.OrderLockInterval)
	assert.Equal(t, time.Minute, cfg.OrderClaimIdle)
	assert.Equal(t, "pod-a", cfg.OrderConsumer)
	assert.Equal(t, 10, cfg.RebuildWorkers)
	assert.True(t, cfg.RunWorker)
}
