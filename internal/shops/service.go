// Package shops serves shop lookups through the cache-aside read path.
package shops

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-flash-orders/internal/cache"
	"github.com/ariefcatur/go-flash-orders/internal/redisx"
)

type Store interface {
	GetByID(ctx context.Context, id int64) (Shop, error)
	Update(ctx context.Context, s Shop) error
	ListTypes(ctx context.Context) ([]ShopType, error)
}

type Service struct {
	store    Store
	cache    *cache.Client
	strategy string
	ttl      time.Duration
	logger   *zap.Logger
}

func NewService(store Store, c *cache.Client, strategy string, ttl time.Duration, logger *zap.Logger) (*Service, error) {
	switch strategy {
	case cache.StrategyPassThrough, cache.StrategyMutex, cache.StrategyLogical:
	default:
		return nil, fmt.Errorf("unknown cache strategy %q", strategy)
	}
	if ttl <= 0 {
		ttl = redisx.TTLCacheShop
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, cache: c, strategy: strategy, ttl: ttl, logger: logger.Named("shops")}, nil
}

func key(id int64) string { return fmt.Sprintf(redisx.KeyCacheShop, id) }

// QueryByID returns ErrNotFound for an id the store does not know.
func (s *Service) QueryByID(ctx context.Context, id int64) (Shop, error) {
	load := func(ctx context.Context) (Shop, error) {
		sh, err := s.store.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return sh, cache.ErrNotFound
		}
		return sh, err
	}

	var (
		sh  Shop
		err error
	)
	switch s.strategy {
	case cache.StrategyPassThrough:
		sh, err = cache.QueryWithPassThrough(ctx, s.cache, key(id), s.ttl, load)
	case cache.StrategyMutex:
		sh, err = cache.QueryWithMutex(ctx, s.cache, key(id), fmt.Sprintf(redisx.LockShop, id), s.ttl, load)
	case cache.StrategyLogical:
		sh, err = cache.QueryWithLogicalExpire(ctx, s.cache, key(id), fmt.Sprintf(redisx.LockShop, id), s.ttl, load)
	}
	if errors.Is(err, cache.ErrNotFound) {
		return sh, ErrNotFound
	}
	return sh, err
}

// ListTypes returns every shop type ordered by sort. The list is read
// pass-through regardless of the shop strategy: it is small, always present
// and rarely changes.
func (s *Service) ListTypes(ctx context.Context) ([]ShopType, error) {
	return cache.QueryWithPassThrough(ctx, s.cache, redisx.KeyCacheShopTypes, s.ttl,
		func(ctx context.Context) ([]ShopType, error) {
			types, err := s.store.ListTypes(ctx)
			if err != nil {
				return nil, err
			}
			if types == nil {
				types = []ShopType{}
			}
			return types, nil
		})
}

// Update writes the store first and then drops the cached copy, so the next
// read repopulates it. Under logical expiration the entry is rewritten
// instead, since a deleted key would read as missing.
func (s *Service) Update(ctx context.Context, sh Shop) error {
	if sh.ID == 0 {
		return errors.New("shop id is required")
	}
	if err := s.store.Update(ctx, sh); err != nil {
		return err
	}
	if s.strategy == cache.StrategyLogical {
		return s.Warm(ctx, sh.ID)
	}
	if err := s.cache.Delete(ctx, key(sh.ID)); err != nil {
		return fmt.Errorf("invalidate shop %d: %w", sh.ID, err)
	}
	return nil
}

// Warm loads shops from the store into logically expiring cache entries.
func (s *Service) Warm(ctx context.Context, ids ...int64) error {
	for _, id := range ids {
		sh, err := s.store.GetByID(ctx, id)
		if err != nil {
			return fmt.Errorf("warm shop %d: %w", id, err)
		}
		if err := s.cache.SetWithLogicalExpire(ctx, key(id), sh, s.ttl); err != nil {
			return fmt.Errorf("warm shop %d: %w", id, err)
		}
		s.logger.Debug("shop warmed", zap.Int64("shop_id", id))
	}
	return nil
}
