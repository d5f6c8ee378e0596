package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// RatioFactor is the fixed-point denominator for collateral ratios: a ratio
// of 15000 means 1.5x the loan amount.
const RatioFactor = 10000

// NativeAsset is the pseudo-address of the chain's native value type.
var NativeAsset = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

// PluginRef points at an external capability instance together with the
// opaque parameters that instance needs (account id, oracle config, ...).
type PluginRef struct {
	Addr       common.Address `json:"addr"`
	Parameters hexutil.Bytes  `json:"parameters"`
}

// BorrowerConfig carries the borrower-side risk parameters.
type BorrowerConfig struct {
	InitCollateralRatio uint32        `json:"initCollateralRatio"`
	PositionParameters  hexutil.Bytes `json:"positionParameters"`
}

// Order is a standing, reusable intent to take one side of a position.
// IsOffer is true when the author lends and false when the author borrows.
type Order struct {
	Account           PluginRef        `json:"account"`
	IsOffer           bool             `json:"isOffer"`
	Takers            []common.Address `json:"takers"`
	LoanAssets        []common.Address `json:"loanAssets"`
	MinLoanAmounts    []*big.Int       `json:"minLoanAmounts"`
	LoanOracles       []PluginRef      `json:"loanOracles"`
	CollateralAssets  []common.Address `json:"collateralAssets"`
	CollateralOracles []PluginRef      `json:"collateralOracles"`
	Terminals         []common.Address `json:"terminals"`
	BorrowerConfig    BorrowerConfig   `json:"borrowerConfig"`
	MaxDuration       uint64           `json:"maxDuration"`
	Assessor          PluginRef        `json:"assessor"`
	Liquidator        PluginRef        `json:"liquidator"`
}

// Kind implements Payload.
func (Order) Kind() Kind { return KindOrder }

// Validate checks the structural invariants of the order's selection axes.
func (o Order) Validate() error {
	if len(o.LoanAssets) == 0 {
		return NewError(KindValidation, ReasonInvalidOrder, "order has no loan assets")
	}
	if len(o.LoanAssets) != len(o.MinLoanAmounts) {
		return NewError(KindValidation, ReasonInvalidOrder, "loan assets and min loan amounts differ in length")
	}
	for _, amt := range o.MinLoanAmounts {
		if amt == nil || amt.Sign() < 0 {
			return NewError(KindValidation, ReasonInvalidOrder, "min loan amount must be a non-negative integer")
		}
	}
	if len(o.LoanOracles) == 0 || len(o.CollateralAssets) == 0 || len(o.CollateralOracles) == 0 {
		return NewError(KindValidation, ReasonInvalidOrder, "order must offer at least one oracle and collateral asset")
	}
	if len(o.Terminals) == 0 {
		return NewError(KindValidation, ReasonInvalidOrder, "order has no terminals")
	}
	return nil
}

// Fill is the caller-supplied selection that resolves an Order. It is never
// persisted. Account is the caller's own funding source.
type Fill struct {
	Account             PluginRef      `json:"account"`
	TakerIdx            int            `json:"takerIdx"`
	LoanAssetIdx        int            `json:"loanAssetIdx"`
	LoanOracleIdx       int            `json:"loanOracleIdx"`
	CollateralAssetIdx  int            `json:"collateralAssetIdx"`
	CollateralOracleIdx int            `json:"collateralOracleIdx"`
	TerminalIdx         int            `json:"terminalIdx"`
	LoanAmount          *big.Int       `json:"loanAmount"`
	BorrowerConfig      BorrowerConfig `json:"borrowerConfig"`
}

// Agreement is the resolved, durable record of a matched position.
// Position.Addr is the terminal; PositionAddr is the handle the terminal
// returned when the position was created.
type Agreement struct {
	LenderAccount    PluginRef      `json:"lenderAccount"`
	BorrowerAccount  PluginRef      `json:"borrowerAccount"`
	LoanAsset        common.Address `json:"loanAsset"`
	LoanAmount       *big.Int       `json:"loanAmount"`
	LoanOracle       PluginRef      `json:"loanOracle"`
	CollateralAsset  common.Address `json:"collateralAsset"`
	CollateralAmount *big.Int       `json:"collateralAmount"`
	CollateralOracle PluginRef      `json:"collateralOracle"`
	Position         PluginRef      `json:"position"`
	PositionAddr     common.Address `json:"positionAddr"`
	DeploymentTime   uint64         `json:"deploymentTime"`
	MaxDuration      uint64         `json:"maxDuration"`
	Assessor         PluginRef      `json:"assessor"`
	Liquidator       PluginRef      `json:"liquidator"`
}

// Kind implements Payload.
func (Agreement) Kind() Kind { return KindAgreement }

// Payload is the sum type carried by a blueprint: Order or Agreement.
type Payload interface {
	Kind() Kind
}

var (
	_ Payload = Order{}
	_ Payload = Agreement{}
)
