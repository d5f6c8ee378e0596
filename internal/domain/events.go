package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventOrderFilled       EventType = "order_filled"
	EventLiquidationKicked EventType = "liquidation_kicked"
	EventPositionExited    EventType = "position_exited"
)

// EventsChannel is the SignalBus channel and stream that carries lifecycle
// events.
const EventsChannel = "agreements"

// OrderFilled is emitted once per successful fill.
type OrderFilled struct {
	Agreement     Agreement      `json:"agreement"`
	AgreementHash common.Hash    `json:"agreementHash"`
	OrderHash     common.Hash    `json:"orderHash"`
	Caller        common.Address `json:"caller"`
}

// LiquidationKicked is emitted when custody of a position moves to its
// liquidator.
type LiquidationKicked struct {
	Liquidator    common.Address `json:"liquidator"`
	Position      common.Address `json:"position"`
	AgreementHash common.Hash    `json:"agreementHash"`
	Caller        common.Address `json:"caller"`
}

// PositionExited is emitted when a borrower unwinds a position.
type PositionExited struct {
	Position      common.Address `json:"position"`
	AgreementHash common.Hash    `json:"agreementHash"`
	Borrower      common.Address `json:"borrower"`
	Unpaid        *big.Int       `json:"unpaid"`
}

// Event is the envelope published on the signal bus. Exactly one of the
// typed fields is set, matching Type.
type Event struct {
	ID                string             `json:"id"`
	Type              EventType          `json:"type"`
	OccurredAt        time.Time          `json:"occurredAt"`
	OrderFilled       *OrderFilled       `json:"orderFilled,omitempty"`
	LiquidationKicked *LiquidationKicked `json:"liquidationKicked,omitempty"`
	PositionExited    *PositionExited    `json:"positionExited,omitempty"`
}
