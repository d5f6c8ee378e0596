// Package ledger is an in-memory custody ledger. It implements the Terminal,
// PositionAborter and Account capabilities against balances it holds itself,
// for sandbox deployments and as the test double of the agreement service.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Modulend/core-v1/internal/domain"
)

var (
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrUnknownPosition     = errors.New("ledger: unknown position")
	ErrNotController       = fmt.Errorf("ledger: protocol does not control position: %w", domain.ErrCustodyLost)
	ErrValueMismatch       = errors.New("ledger: attached value does not match amount")
	ErrUnknownAccount      = errors.New("ledger: unknown account")
)

// PositionState is the lifecycle state of a sandbox position.
type PositionState string

const (
	PositionOpen       PositionState = "open"
	PositionLiquidated PositionState = "liquidated"
	PositionExited     PositionState = "exited"
	PositionAborted    PositionState = "aborted"
)

// Position is a sandbox position record.
type Position struct {
	Addr             common.Address
	Owner            common.Address
	State            PositionState
	LoanAsset        common.Address
	LoanAmount       *big.Int
	CollateralAsset  common.Address
	CollateralAmount *big.Int
	Lender           domain.PluginRef
	Borrower         domain.PluginRef
	// Recovered is what the position returns to the lender on exit. Tests set
	// it below LoanAmount to produce a shortfall.
	Recovered *big.Int
}

type balanceKey struct {
	account string
	asset   common.Address
}

// Ledger holds account balances and positions. All operations are atomic
// under one mutex: a failed call leaves no trace.
type Ledger struct {
	mu        sync.Mutex
	protocol  common.Address
	owners    map[string]common.Address
	balances  map[balanceKey]*big.Int
	wallets   map[balanceKey]*big.Int
	positions map[common.Address]*Position
	nonce     uint64

	// FailCreate, when set, makes CreatePosition fail with this error.
	FailCreate error
}

// New creates a ledger whose positions start under protocol custody.
func New(protocol common.Address) *Ledger {
	return &Ledger{
		protocol:  protocol,
		owners:    make(map[string]common.Address),
		balances:  make(map[balanceKey]*big.Int),
		wallets:   make(map[balanceKey]*big.Int),
		positions: make(map[common.Address]*Position),
	}
}

// --------------------------------------------------------------------------
// Setup helpers
// --------------------------------------------------------------------------

// OpenAccount registers an account id owned by owner.
func (l *Ledger) OpenAccount(params []byte, owner common.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owners[string(params)] = owner
}

// Deposit credits an account balance.
func (l *Ledger) Deposit(params []byte, asset common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	credit(l.balances, balanceKey{string(params), asset}, amount)
}

// Fund credits an external wallet (the payer side of AddAsset).
func (l *Ledger) Fund(wallet, asset common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	credit(l.wallets, balanceKey{wallet.Hex(), asset}, amount)
}

// Balance returns an account balance.
func (l *Ledger) Balance(params []byte, asset common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return get(l.balances, balanceKey{string(params), asset})
}

// WalletBalance returns an external wallet balance.
func (l *Ledger) WalletBalance(wallet, asset common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return get(l.wallets, balanceKey{wallet.Hex(), asset})
}

// Position returns a copy of the position at addr.
func (l *Ledger) Position(addr common.Address) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.positions[addr]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// SetRecovered sets how much the position returns to the lender on exit.
func (l *Ledger) SetRecovered(addr common.Address, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.positions[addr]; ok {
		p.Recovered = new(big.Int).Set(amount)
	}
}

// Positions returns the number of positions ever created.
func (l *Ledger) Positions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}

// --------------------------------------------------------------------------
// domain.Terminal
// --------------------------------------------------------------------------

// CreatePosition moves the loan out of the lender account and the collateral
// out of the borrower account into a new position under protocol custody.
func (l *Ledger) CreatePosition(_ context.Context, req domain.PositionRequest) (common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.FailCreate != nil {
		return common.Address{}, l.FailCreate
	}

	lenderKey := balanceKey{string(req.LenderAccount.Parameters), req.LoanAsset}
	borrowerKey := balanceKey{string(req.BorrowerAccount.Parameters), req.CollateralAsset}
	if get(l.balances, lenderKey).Cmp(amountOf(req.LoanAmount)) < 0 {
		return common.Address{}, fmt.Errorf("%w: lender %s", ErrInsufficientBalance, req.LoanAsset.Hex())
	}
	if get(l.balances, borrowerKey).Cmp(amountOf(req.CollateralAmount)) < 0 {
		return common.Address{}, fmt.Errorf("%w: borrower %s", ErrInsufficientBalance, req.CollateralAsset.Hex())
	}

	debit(l.balances, lenderKey, amountOf(req.LoanAmount))
	debit(l.balances, borrowerKey, amountOf(req.CollateralAmount))

	l.nonce++
	addr := common.BytesToAddress(crypto.Keccak256(req.Terminal.Bytes(), new(big.Int).SetUint64(l.nonce).Bytes()))
	l.positions[addr] = &Position{
		Addr:             addr,
		Owner:            l.protocol,
		State:            PositionOpen,
		LoanAsset:        req.LoanAsset,
		LoanAmount:       new(big.Int).Set(amountOf(req.LoanAmount)),
		CollateralAsset:  req.CollateralAsset,
		CollateralAmount: new(big.Int).Set(amountOf(req.CollateralAmount)),
		Lender:           req.LenderAccount,
		Borrower:         req.BorrowerAccount,
		Recovered:        new(big.Int).Set(amountOf(req.LoanAmount)),
	}
	return addr, nil
}

// AbortPosition reverses CreatePosition for a position that was never
// published.
func (l *Ledger) AbortPosition(_ context.Context, position common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[position]
	if !ok {
		return ErrUnknownPosition
	}
	if p.State != PositionOpen || p.Owner != l.protocol {
		return ErrNotController
	}
	credit(l.balances, balanceKey{string(p.Lender.Parameters), p.LoanAsset}, p.LoanAmount)
	credit(l.balances, balanceKey{string(p.Borrower.Parameters), p.CollateralAsset}, p.CollateralAmount)
	p.State = PositionAborted
	p.Owner = common.Address{}
	return nil
}

// HasControllingRole reports whether the protocol still holds custody.
func (l *Ledger) HasControllingRole(_ context.Context, position common.Address) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[position]
	if !ok {
		return false, ErrUnknownPosition
	}
	return p.State == PositionOpen && p.Owner == l.protocol, nil
}

// TransferCustody hands the position to newOwner. It only succeeds while the
// protocol still controls the position, so two racing transfers cannot both
// win.
func (l *Ledger) TransferCustody(_ context.Context, position, newOwner common.Address) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[position]
	if !ok {
		return ErrUnknownPosition
	}
	if p.State != PositionOpen || p.Owner != l.protocol {
		return ErrNotController
	}
	p.Owner = newOwner
	p.State = PositionLiquidated
	return nil
}

// Exit unwinds the position: the lender receives what the position recovers
// plus the shortfall paid by settlement.Payer, the borrower gets the
// collateral back. Payment and exit happen under one lock, so a failed exit
// moves nothing and no transfer can slip in between.
func (l *Ledger) Exit(_ context.Context, position common.Address, _ domain.Agreement, settlement domain.ExitSettlement) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[position]
	if !ok {
		return nil, ErrUnknownPosition
	}
	if p.State != PositionOpen || p.Owner != l.protocol {
		return nil, ErrNotController
	}
	recovered := new(big.Int).Set(p.Recovered)
	if recovered.Cmp(p.LoanAmount) > 0 {
		recovered.Set(p.LoanAmount)
	}
	unpaid := new(big.Int).Sub(p.LoanAmount, recovered)

	if unpaid.Sign() > 0 {
		if settlement.Asset != p.LoanAsset {
			return nil, fmt.Errorf("%w: shortfall is in %s, settlement offers %s",
				domain.ErrSettlementFailed, p.LoanAsset.Hex(), settlement.Asset.Hex())
		}
		if err := l.addAsset(settlement.Payer, settlement.Asset, unpaid, settlement.Account.Parameters, settlement.Value(unpaid)); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrSettlementFailed, err)
		}
	}

	credit(l.balances, balanceKey{string(p.Lender.Parameters), p.LoanAsset}, recovered)
	credit(l.balances, balanceKey{string(p.Borrower.Parameters), p.CollateralAsset}, p.CollateralAmount)
	p.State = PositionExited
	p.Owner = common.Address{}
	return unpaid, nil
}

// --------------------------------------------------------------------------
// domain.Account
// --------------------------------------------------------------------------

// GetOwner returns the owner of the account identified by params.
func (l *Ledger) GetOwner(_ context.Context, params []byte) (common.Address, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	owner, ok := l.owners[string(params)]
	if !ok {
		return common.Address{}, ErrUnknownAccount
	}
	return owner, nil
}

// AddAsset moves amount of asset from payer's wallet into the account. For
// the native asset value must equal amount; for tokens value must be zero.
func (l *Ledger) AddAsset(_ context.Context, payer, asset common.Address, amount *big.Int, params []byte, value *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addAsset(payer, asset, amount, params, value)
}

// addAsset is AddAsset with l.mu held. It checks everything before moving
// anything.
func (l *Ledger) addAsset(payer, asset common.Address, amount *big.Int, params []byte, value *big.Int) error {
	amt := amountOf(amount)
	want := new(big.Int)
	if asset == domain.NativeAsset {
		want = amt
	}
	if amountOf(value).Cmp(want) != 0 {
		return fmt.Errorf("%w: value %s, amount %s", ErrValueMismatch, amountOf(value), amt)
	}
	if _, ok := l.owners[string(params)]; !ok {
		return ErrUnknownAccount
	}

	wk := balanceKey{payer.Hex(), asset}
	if get(l.wallets, wk).Cmp(amt) < 0 {
		return fmt.Errorf("%w: payer %s", ErrInsufficientBalance, payer.Hex())
	}
	debit(l.wallets, wk, amt)
	credit(l.balances, balanceKey{string(params), asset}, amt)
	return nil
}

// --------------------------------------------------------------------------
// Registries
// --------------------------------------------------------------------------

// Terminal implements domain.TerminalRegistry: every address resolves to the
// ledger.
func (l *Ledger) Terminal(common.Address) (domain.Terminal, error) {
	return l, nil
}

// Account implements domain.AccountRegistry.
func (l *Ledger) Account(common.Address) (domain.Account, error) {
	return l, nil
}

func amountOf(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func get(m map[balanceKey]*big.Int, k balanceKey) *big.Int {
	if v, ok := m[k]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

func credit(m map[balanceKey]*big.Int, k balanceKey, amount *big.Int) {
	m[k] = new(big.Int).Add(get(m, k), amount)
}

func debit(m map[balanceKey]*big.Int, k balanceKey, amount *big.Int) {
	m[k] = new(big.Int).Sub(get(m, k), amount)
}

// Compile-time interface checks.
var (
	_ domain.Terminal         = (*Ledger)(nil)
	_ domain.PositionAborter  = (*Ledger)(nil)
	_ domain.Account          = (*Ledger)(nil)
	_ domain.TerminalRegistry = (*Ledger)(nil)
	_ domain.AccountRegistry  = (*Ledger)(nil)
)
