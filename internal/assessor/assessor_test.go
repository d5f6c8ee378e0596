package assessor_test

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/Modulend/core-v1/internal/assessor"
	"github.com/Modulend/core-v1/internal/cache/memory"
	"github.com/Modulend/core-v1/internal/domain"
)

var (
	loanOracle       = domain.PluginRef{Addr: common.HexToAddress("0x11")}
	collateralOracle = domain.PluginRef{Addr: common.HexToAddress("0x22")}
	now              = time.Unix(1_700_000_000, 0)
)

func agreement() domain.Agreement {
	return domain.Agreement{
		LoanAmount:       big.NewInt(1000),
		LoanOracle:       loanOracle,
		CollateralAmount: big.NewInt(1500),
		CollateralOracle: collateralOracle,
		DeploymentTime:   uint64(now.Unix()) - 60,
		MaxDuration:      3600,
	}
}

func newAssessor(t *testing.T, loanPrice, collPrice string, age time.Duration) *assessor.PriceAssessor {
	t.Helper()
	ctx := context.Background()
	pc := memory.NewPriceCache()
	_ = pc.SetPrice(ctx, assessor.OracleID(loanOracle), decimal.RequireFromString(loanPrice), now.Add(-age))
	_ = pc.SetPrice(ctx, assessor.OracleID(collateralOracle), decimal.RequireFromString(collPrice), now.Add(-age))
	return assessor.New(pc, assessor.Config{LiquidationRatio: 12000, MaxPriceAge: time.Minute}).
		WithClock(func() time.Time { return now })
}

func TestIsLiquidatable_Health(t *testing.T) {
	tests := []struct {
		name      string
		collPrice string
		want      bool
	}{
		// 1500*1*10000 vs 1000*1*12000
		{"healthy", "1", false},
		// 1500*0.8 = 1200 -> exactly at the threshold
		{"at threshold", "0.8", false},
		{"under threshold", "0.79", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := newAssessor(t, "1", tc.collPrice, time.Second)
			got, err := a.IsLiquidatable(context.Background(), agreement())
			if err != nil {
				t.Fatalf("IsLiquidatable: %v", err)
			}
			if got != tc.want {
				t.Fatalf("liquidatable = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsLiquidatable_Expired(t *testing.T) {
	a := newAssessor(t, "1", "100", time.Second)
	ag := agreement()
	ag.DeploymentTime = uint64(now.Unix()) - 3601
	got, err := a.IsLiquidatable(context.Background(), ag)
	if err != nil || !got {
		t.Fatalf("overdue agreement: liquidatable = %v, err = %v", got, err)
	}
}

func TestIsLiquidatable_PriceProblems(t *testing.T) {
	stale := newAssessor(t, "1", "1", time.Hour)
	_, err := stale.IsLiquidatable(context.Background(), agreement())
	if !domain.IsKind(err, domain.KindExternalCall) || !errors.Is(err, domain.ErrStalePrice) {
		t.Fatalf("stale price: err = %v", err)
	}

	missing := assessor.New(memory.NewPriceCache(), assessor.Config{LiquidationRatio: 12000}).
		WithClock(func() time.Time { return now })
	_, err = missing.IsLiquidatable(context.Background(), agreement())
	if domain.ReasonOf(err) != domain.ReasonAssessorFailed {
		t.Fatalf("missing price: err = %v", err)
	}
}

func TestRegistry(t *testing.T) {
	fallback := newAssessor(t, "1", "1", 0)
	r := assessor.NewRegistry(nil)
	if _, err := r.Assessor(common.HexToAddress("0x01")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	r.Register(common.HexToAddress("0x01"), fallback)
	if got, err := r.Assessor(common.HexToAddress("0x01")); err != nil || got != fallback {
		t.Fatalf("Assessor = %v, %v", got, err)
	}
	if got, _ := assessor.NewRegistry(fallback).Assessor(common.HexToAddress("0x02")); got != fallback {
		t.Fatal("fallback not used")
	}
}
