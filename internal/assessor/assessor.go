// Package assessor decides liquidation eligibility from oracle prices held in
// the price cache.
package assessor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/Modulend/core-v1/internal/domain"
)

// Config tunes the price assessor.
type Config struct {
	// LiquidationRatio is the minimum collateral/loan value ratio in
	// RatioFactor units (12000 = 120%).
	LiquidationRatio uint32
	// MaxPriceAge rejects prices older than this. Zero disables the check.
	MaxPriceAge time.Duration
}

// PriceAssessor implements domain.Assessor. A position is liquidatable when
// it has outlived deploymentTime+maxDuration, or when
//
//	collateralAmount * collateralPrice * RatioFactor < loanAmount * loanPrice * LiquidationRatio
type PriceAssessor struct {
	prices domain.PriceCache
	cfg    Config
	now    func() time.Time
}

// New creates a PriceAssessor reading from prices.
func New(prices domain.PriceCache, cfg Config) *PriceAssessor {
	return &PriceAssessor{prices: prices, cfg: cfg, now: time.Now}
}

// WithClock returns a copy of a that uses now.
func (a *PriceAssessor) WithClock(now func() time.Time) *PriceAssessor {
	cp := *a
	cp.now = now
	return &cp
}

// OracleID is the price cache key of an oracle reference.
func OracleID(ref domain.PluginRef) string {
	return ref.Addr.Hex()
}

// IsLiquidatable implements domain.Assessor.
func (a *PriceAssessor) IsLiquidatable(ctx context.Context, ag domain.Agreement) (bool, error) {
	now := a.now()
	if ag.MaxDuration > 0 {
		deadline := new(big.Int).Add(new(big.Int).SetUint64(ag.DeploymentTime), new(big.Int).SetUint64(ag.MaxDuration))
		if big.NewInt(now.Unix()).Cmp(deadline) > 0 {
			return true, nil
		}
	}

	loanPrice, err := a.price(ctx, ag.LoanOracle, now)
	if err != nil {
		return false, err
	}
	collateralPrice, err := a.price(ctx, ag.CollateralOracle, now)
	if err != nil {
		return false, err
	}

	collateralValue := decimal.NewFromBigInt(amount(ag.CollateralAmount), 0).
		Mul(collateralPrice).
		Mul(decimal.NewFromInt(domain.RatioFactor))
	debtValue := decimal.NewFromBigInt(amount(ag.LoanAmount), 0).
		Mul(loanPrice).
		Mul(decimal.NewFromInt(int64(a.cfg.LiquidationRatio)))

	return collateralValue.LessThan(debtValue), nil
}

func (a *PriceAssessor) price(ctx context.Context, oracle domain.PluginRef, now time.Time) (decimal.Decimal, error) {
	id := OracleID(oracle)
	p, ts, err := a.prices.GetPrice(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return decimal.Zero, domain.WrapError(domain.KindExternalCall, domain.ReasonAssessorFailed,
				"no price for oracle "+id, err)
		}
		return decimal.Zero, domain.WrapError(domain.KindExternalCall, domain.ReasonAssessorFailed,
			"read price for oracle "+id, err)
	}
	if a.cfg.MaxPriceAge > 0 && now.Sub(ts) > a.cfg.MaxPriceAge {
		return decimal.Zero, domain.WrapError(domain.KindExternalCall, domain.ReasonAssessorFailed,
			fmt.Sprintf("price for oracle %s is %s old", id, now.Sub(ts).Truncate(time.Second)), domain.ErrStalePrice)
	}
	if !p.IsPositive() {
		return decimal.Zero, domain.NewError(domain.KindExternalCall, domain.ReasonAssessorFailed,
			"non-positive price for oracle "+id)
	}
	return p, nil
}

func amount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Registry maps assessor addresses to implementations, with an optional
// fallback for addresses it does not know.
type Registry struct {
	mu       sync.RWMutex
	byAddr   map[common.Address]domain.Assessor
	fallback domain.Assessor
}

// NewRegistry creates a Registry. fallback may be nil.
func NewRegistry(fallback domain.Assessor) *Registry {
	return &Registry{byAddr: make(map[common.Address]domain.Assessor), fallback: fallback}
}

// Register binds addr to a.
func (r *Registry) Register(addr common.Address, a domain.Assessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAddr[addr] = a
}

// Assessor implements domain.AssessorRegistry.
func (r *Registry) Assessor(addr common.Address) (domain.Assessor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.byAddr[addr]; ok {
		return a, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("assessor: unknown assessor %s: %w", addr.Hex(), domain.ErrNotFound)
}

// Compile-time interface checks.
var (
	_ domain.Assessor         = (*PriceAssessor)(nil)
	_ domain.AssessorRegistry = (*Registry)(nil)
)
