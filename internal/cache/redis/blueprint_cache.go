package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Modulend/core-v1/internal/domain"
)

// CachedBlueprintStore puts a Redis read-through cache in front of a primary
// BlueprintStore. Entries are immutable, so a cached copy never goes stale;
// the TTL only bounds memory.
type CachedBlueprintStore struct {
	primary domain.BlueprintStore
	c       *Client
	ttl     time.Duration
}

// NewCachedBlueprintStore wraps primary.
func NewCachedBlueprintStore(primary domain.BlueprintStore, c *Client, ttl time.Duration) *CachedBlueprintStore {
	return &CachedBlueprintStore{primary: primary, c: c, ttl: ttl}
}

func (s *CachedBlueprintStore) key(hash common.Hash) string {
	return s.c.Key("blueprint", hash.Hex())
}

// Publish writes to the primary store and warms the cache.
func (s *CachedBlueprintStore) Publish(ctx context.Context, p domain.Published) error {
	if err := s.primary.Publish(ctx, p); err != nil {
		return err
	}
	s.cache(ctx, p)
	return nil
}

// Get reads Redis first and falls back to the primary store.
func (s *CachedBlueprintStore) Get(ctx context.Context, hash common.Hash) (domain.Published, error) {
	if data, err := s.c.rdb.Get(ctx, s.key(hash)).Bytes(); err == nil {
		var p domain.Published
		if json.Unmarshal(data, &p) == nil && p.Signed.BlueprintHash == hash {
			return p, nil
		}
	}

	p, err := s.primary.Get(ctx, hash)
	if err != nil {
		return domain.Published{}, err
	}
	s.cache(ctx, p)
	return p, nil
}

// List is not cached.
func (s *CachedBlueprintStore) List(ctx context.Context, kind domain.Kind, opts domain.ListOpts) ([]domain.Published, error) {
	return s.primary.List(ctx, kind, opts)
}

func (s *CachedBlueprintStore) cache(ctx context.Context, p domain.Published) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	_ = s.c.rdb.Set(ctx, s.key(p.Signed.BlueprintHash), data, s.ttl).Err()
}

// Compile-time interface check.
var _ domain.BlueprintStore = (*CachedBlueprintStore)(nil)
