package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/Modulend/core-v1/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per oracle:
//
//	price:{oracleID} -> {price: decimal string, ts: unix nanos}
type PriceCache struct {
	c *Client
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{c: c}
}

// SetPrice stores the latest price of oracleID.
func (pc *PriceCache) SetPrice(ctx context.Context, oracleID string, price decimal.Decimal, ts time.Time) error {
	err := pc.c.rdb.HSet(ctx, pc.c.Key("price", oracleID), map[string]any{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: set price %s: %w", oracleID, err)
	}
	return nil
}

// GetPrice returns the latest price of oracleID or domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, oracleID string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.c.Key("price", oracleID)).Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w", oracleID, err)
	}
	return parsePrice(oracleID, vals)
}

// GetPrices pipelines GetPrice for several oracles. Missing oracles are
// omitted from the result.
func (pc *PriceCache) GetPrices(ctx context.Context, oracleIDs []string) (map[string]decimal.Decimal, error) {
	if len(oracleIDs) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	pipe := pc.c.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(oracleIDs))
	for _, id := range oracleIDs {
		cmds[id] = pipe.HGetAll(ctx, pc.c.Key("price", id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis: get prices pipeline: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(oracleIDs))
	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if price, _, err := parsePrice(id, vals); err == nil {
			out[id] = price
		}
	}
	return out, nil
}

func parsePrice(oracleID string, vals map[string]string) (decimal.Decimal, time.Time, error) {
	priceStr, ok := vals["price"]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrNotFound
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse price %s: %w", oracleID, err)
	}
	tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", oracleID, err)
	}
	return price, time.Unix(0, tsNano), nil
}

// Compile-time interface check.
var _ domain.PriceCache = (*PriceCache)(nil)
