// Package memory implements the domain store interfaces with in-memory maps.
// Used for tests and the sandbox mode. Nothing is persisted.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Modulend/core-v1/internal/domain"
)

// BlueprintStore is a write-once map from blueprint hash to entry.
type BlueprintStore struct {
	mu      sync.RWMutex
	entries map[common.Hash]domain.Published
	now     func() time.Time
}

// NewBlueprintStore creates an empty BlueprintStore.
func NewBlueprintStore() *BlueprintStore {
	return &BlueprintStore{
		entries: make(map[common.Hash]domain.Published),
		now:     time.Now,
	}
}

func (s *BlueprintStore) Publish(_ context.Context, p domain.Published) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := p.Signed.BlueprintHash
	if _, ok := s.entries[h]; ok {
		return domain.ErrAlreadyExists
	}
	if p.PublishedAt == 0 {
		p.PublishedAt = s.now().Unix()
	}
	s.entries[h] = clonePublished(p)
	return nil
}

func (s *BlueprintStore) Get(_ context.Context, hash common.Hash) (domain.Published, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.entries[hash]
	if !ok {
		return domain.Published{}, domain.ErrNotFound
	}
	return clonePublished(p), nil
}

func (s *BlueprintStore) List(_ context.Context, kind domain.Kind, opts domain.ListOpts) ([]domain.Published, error) {
	s.mu.RLock()
	out := make([]domain.Published, 0, len(s.entries))
	for _, p := range s.entries {
		if p.Kind != kind {
			continue
		}
		ts := time.Unix(p.PublishedAt, 0)
		if opts.Since != nil && ts.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && ts.After(*opts.Until) {
			continue
		}
		out = append(out, clonePublished(p))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].PublishedAt != out[j].PublishedAt {
			return out[i].PublishedAt > out[j].PublishedAt
		}
		return out[i].Signed.BlueprintHash.Hex() < out[j].Signed.BlueprintHash.Hex()
	})
	return paginate(out, opts), nil
}

// Len returns the number of published entries.
func (s *BlueprintStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// AuditStore keeps audit entries in a slice.
type AuditStore struct {
	mu      sync.RWMutex
	entries []domain.AuditEntry
}

// NewAuditStore creates an empty AuditStore.
func NewAuditStore() *AuditStore {
	return &AuditStore{}
}

func (s *AuditStore) Log(_ context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make(map[string]any, len(detail))
	for k, v := range detail {
		cp[k] = v
	}
	s.entries = append(s.entries, domain.AuditEntry{
		ID:        int64(len(s.entries) + 1),
		Event:     event,
		Detail:    cp,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *AuditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, e)
	}
	return paginate(out, opts), nil
}

// Events returns the event names logged so far, oldest first.
func (s *AuditStore) Events() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.entries))
	for i, e := range s.entries {
		names[i] = e.Event
	}
	return names
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return items[:0]
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(items) {
		items = items[:opts.Limit]
	}
	return items
}

func clonePublished(p domain.Published) domain.Published {
	p.Signed.Blueprint.Data = append([]byte(nil), p.Signed.Blueprint.Data...)
	p.Signed.Signature = append([]byte(nil), p.Signed.Signature...)
	return p
}

// Compile-time interface checks.
var (
	_ domain.BlueprintStore = (*BlueprintStore)(nil)
	_ domain.AuditStore     = (*AuditStore)(nil)
)
