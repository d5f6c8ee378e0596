package domain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PositionRequest is what a Terminal needs to open a position for an
// Agreement. Funding fields let the terminal pull the loan from the lender and
// the collateral from the borrower through their accounts.
type PositionRequest struct {
	Terminal         common.Address
	LoanAsset        common.Address
	LoanAmount       *big.Int
	Parameters       []byte
	LenderAccount    PluginRef
	BorrowerAccount  PluginRef
	CollateralAsset  common.Address
	CollateralAmount *big.Int
}

// ExitSettlement names who covers an exit shortfall and where it is paid.
// A Terminal moves the shortfall from Payer into Account through the account
// capability and commits the exit in the same step: either both happen or
// neither does.
type ExitSettlement struct {
	Payer   common.Address
	Account PluginRef
	Asset   common.Address
}

// Value is the native value attached to a shortfall payment of amount:
// amount itself for the native asset, zero for tokens.
func (s ExitSettlement) Value(amount *big.Int) *big.Int {
	if s.Asset == NativeAsset && amount != nil {
		return new(big.Int).Set(amount)
	}
	return new(big.Int)
}

// Terminal creates and manages positions. Every method is a blocking call
// whose failure leaves the position unchanged.
type Terminal interface {
	CreatePosition(ctx context.Context, req PositionRequest) (common.Address, error)
	// Exit unwinds the position and pays any shortfall per settlement. It
	// returns the shortfall paid. A failure leaves the position open and moves
	// no funds; a failed payment is reported as ErrSettlementFailed.
	Exit(ctx context.Context, position common.Address, agreement Agreement, settlement ExitSettlement) (*big.Int, error)
	HasControllingRole(ctx context.Context, position common.Address) (bool, error)
	TransferCustody(ctx context.Context, position, newOwner common.Address) error
}

// PositionAborter is implemented by terminals that can undo a freshly created
// position when the Agreement for it could not be published.
type PositionAborter interface {
	AbortPosition(ctx context.Context, position common.Address) error
}

// TerminalRegistry resolves a terminal address to its capability.
type TerminalRegistry interface {
	Terminal(addr common.Address) (Terminal, error)
}

// Account is a funding source capability. params identifies the account
// inside the capability instance.
type Account interface {
	GetOwner(ctx context.Context, params []byte) (common.Address, error)
	// AddAsset moves amount of asset from payer into the account identified by
	// params. value is the native value attached to the call and must equal
	// amount when asset is NativeAsset.
	AddAsset(ctx context.Context, payer, asset common.Address, amount *big.Int, params []byte, value *big.Int) error
}

// AccountRegistry resolves an account capability address.
type AccountRegistry interface {
	Account(addr common.Address) (Account, error)
}

// Assessor decides whether an Agreement's position may be liquidated.
type Assessor interface {
	IsLiquidatable(ctx context.Context, agreement Agreement) (bool, error)
}

// AssessorRegistry resolves the assessor named by an Agreement.
type AssessorRegistry interface {
	Assessor(addr common.Address) (Assessor, error)
}
