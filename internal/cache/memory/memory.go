// Package memory implements the cache-side domain interfaces in process.
// Used for tests and single-replica sandbox deployments.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Modulend/core-v1/internal/domain"
)

// LockManager is a process-local domain.LockManager.
type LockManager struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLockManager creates an empty LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]time.Time), now: time.Now}
}

// Acquire takes key until unlock is called or ttl elapses.
func (l *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, domain.ErrLockHeld
	}
	exp := now.Add(ttl)
	l.held[key] = exp

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if cur, ok := l.held[key]; ok && cur.Equal(exp) {
				delete(l.held, key)
			}
		})
	}, nil
}

// SignalBus fans payloads out to in-process subscribers and keeps streams in
// memory.
type SignalBus struct {
	mu      sync.Mutex
	subs    map[string][]chan []byte
	streams map[string][]domain.StreamMessage
}

// NewSignalBus creates an empty SignalBus.
func NewSignalBus() *SignalBus {
	return &SignalBus{
		subs:    make(map[string][]chan []byte),
		streams: make(map[string][]domain.StreamMessage),
	}
}

// Publish delivers payload to current subscribers of channel. Slow
// subscribers drop messages rather than block the publisher.
func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- append([]byte(nil), payload...):
		default:
		}
	}
	return nil
}

// Subscribe registers a subscriber that lives until ctx is done.
func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subs[channel]
		for i, c := range subs {
			if c == ch {
				b.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// StreamAppend appends payload with a monotonically increasing id.
func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := strconv.Itoa(len(b.streams[stream]) + 1)
	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{
		ID:      id,
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

// StreamRead returns up to count entries with id greater than lastID.
func (b *SignalBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	after, _ := strconv.Atoi(lastID)
	msgs := b.streams[stream]
	if after >= len(msgs) {
		return nil, nil
	}
	msgs = msgs[after:]
	if count > 0 && count < len(msgs) {
		msgs = msgs[:count]
	}
	return append([]domain.StreamMessage(nil), msgs...), nil
}

type pricePoint struct {
	price decimal.Decimal
	ts    time.Time
}

// PriceCache is a map-backed domain.PriceCache.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]pricePoint
}

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]pricePoint)}
}

func (c *PriceCache) SetPrice(_ context.Context, oracleID string, price decimal.Decimal, ts time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices[oracleID] = pricePoint{price: price, ts: ts}
	return nil
}

func (c *PriceCache) GetPrice(_ context.Context, oracleID string) (decimal.Decimal, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[oracleID]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	return p.price, p.ts, nil
}

// RateLimiter is a fixed-window domain.RateLimiter.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	start time.Time
	count int
}

// NewRateLimiter creates an empty RateLimiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{windows: make(map[string]*window), now: time.Now}
}

func (r *RateLimiter) Allow(_ context.Context, key string, limit int, per time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	w, ok := r.windows[key]
	if !ok || now.Sub(w.start) >= per {
		w = &window{start: now}
		r.windows[key] = w
	}
	if w.count >= limit {
		return false, nil
	}
	w.count++
	return true, nil
}

// Compile-time interface checks.
var (
	_ domain.LockManager = (*LockManager)(nil)
	_ domain.SignalBus   = (*SignalBus)(nil)
	_ domain.PriceCache  = (*PriceCache)(nil)
	_ domain.RateLimiter = (*RateLimiter)(nil)
)
