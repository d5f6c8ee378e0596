// Package matching resolves an Order and a caller-supplied Fill into a draft
// Agreement. Everything here is pure: no clock, no capabilities, no I/O.
package matching

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Modulend/core-v1/internal/domain"
)

var ratioFactor = big.NewInt(domain.RatioFactor)

// CollateralAmount returns floor(loanAmount * ratio / RatioFactor). The
// result is truncated toward zero and never rounds up.
func CollateralAmount(loanAmount *big.Int, ratio uint32) *big.Int {
	if loanAmount == nil {
		return new(big.Int)
	}
	out := new(big.Int).Mul(loanAmount, new(big.Int).SetUint64(uint64(ratio)))
	return out.Quo(out, ratioFactor)
}

// Sides assigns lender and borrower accounts and picks the borrower config.
// An offer makes the filler the borrower, who brings their own risk
// parameters. A request makes the filler the lender and keeps the author's.
func Sides(order domain.Order, fill domain.Fill) (lender, borrower domain.PluginRef, cfg domain.BorrowerConfig) {
	if order.IsOffer {
		return order.Account, fill.Account, fill.BorrowerConfig
	}
	return fill.Account, order.Account, order.BorrowerConfig
}

// Resolve projects fill onto order and returns the draft Agreement. The draft
// has no PositionAddr or DeploymentTime yet. Every failure is a
// KindValidation error.
func Resolve(order domain.Order, fill domain.Fill, caller common.Address) (domain.Agreement, error) {
	if err := order.Validate(); err != nil {
		return domain.Agreement{}, err
	}
	if fill.LoanAmount == nil || fill.LoanAmount.Sign() <= 0 {
		return domain.Agreement{}, domain.NewError(domain.KindValidation, domain.ReasonInvalidFill, "loan amount must be positive")
	}

	if err := checkIndex("loanAssetIdx", fill.LoanAssetIdx, len(order.LoanAssets)); err != nil {
		return domain.Agreement{}, err
	}
	if err := checkIndex("loanOracleIdx", fill.LoanOracleIdx, len(order.LoanOracles)); err != nil {
		return domain.Agreement{}, err
	}
	if err := checkIndex("collateralAssetIdx", fill.CollateralAssetIdx, len(order.CollateralAssets)); err != nil {
		return domain.Agreement{}, err
	}
	if err := checkIndex("collateralOracleIdx", fill.CollateralOracleIdx, len(order.CollateralOracles)); err != nil {
		return domain.Agreement{}, err
	}
	if err := checkIndex("terminalIdx", fill.TerminalIdx, len(order.Terminals)); err != nil {
		return domain.Agreement{}, err
	}

	if minimum := order.MinLoanAmounts[fill.LoanAssetIdx]; fill.LoanAmount.Cmp(minimum) < 0 {
		return domain.Agreement{}, domain.NewError(domain.KindValidation, domain.ReasonBelowMinAmount,
			fmt.Sprintf("loan amount %s is below minimum %s", fill.LoanAmount, minimum))
	}

	if len(order.Takers) > 0 {
		if err := checkIndex("takerIdx", fill.TakerIdx, len(order.Takers)); err != nil {
			return domain.Agreement{}, err
		}
		if allowed := order.Takers[fill.TakerIdx]; allowed != caller {
			return domain.Agreement{}, domain.NewError(domain.KindValidation, domain.ReasonUnauthorizedTaker,
				fmt.Sprintf("caller %s is not taker %s", caller.Hex(), allowed.Hex()))
		}
	}

	lender, borrower, cfg := Sides(order, fill)
	loan := new(big.Int).Set(fill.LoanAmount)

	return domain.Agreement{
		LenderAccount:    cloneRef(lender),
		BorrowerAccount:  cloneRef(borrower),
		LoanAsset:        order.LoanAssets[fill.LoanAssetIdx],
		LoanAmount:       loan,
		LoanOracle:       cloneRef(order.LoanOracles[fill.LoanOracleIdx]),
		CollateralAsset:  order.CollateralAssets[fill.CollateralAssetIdx],
		CollateralAmount: CollateralAmount(loan, cfg.InitCollateralRatio),
		CollateralOracle: cloneRef(order.CollateralOracles[fill.CollateralOracleIdx]),
		Position: domain.PluginRef{
			Addr:       order.Terminals[fill.TerminalIdx],
			Parameters: cloneBytes(cfg.PositionParameters),
		},
		MaxDuration: order.MaxDuration,
		Assessor:    cloneRef(order.Assessor),
		Liquidator:  cloneRef(order.Liquidator),
	}, nil
}

func checkIndex(name string, idx, n int) error {
	if idx < 0 || idx >= n {
		return domain.NewError(domain.KindValidation, domain.ReasonIndexOutOfRange,
			fmt.Sprintf("%s %d out of range [0,%d)", name, idx, n))
	}
	return nil
}

func cloneRef(r domain.PluginRef) domain.PluginRef {
	return domain.PluginRef{Addr: r.Addr, Parameters: cloneBytes(r.Parameters)}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
