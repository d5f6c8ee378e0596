// Package blueprint implements the signed-intent envelope: the tagged payload
// codec, the EIP-712 blueprint hash and the authentication every entry point
// runs before it looks at business fields.
package blueprint

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Modulend/core-v1/internal/domain"
)

// ErrMalformed is returned for data that does not decode, or that decodes
// but is not in canonical form.
var ErrMalformed = errors.New("blueprint: malformed data")

var (
	pluginRefComponents = []abi.ArgumentMarshaling{
		{Name: "addr", Type: "address"},
		{Name: "parameters", Type: "bytes"},
	}
	borrowerConfigComponents = []abi.ArgumentMarshaling{
		{Name: "initCollateralRatio", Type: "uint32"},
		{Name: "positionParameters", Type: "bytes"},
	}

	orderType = mustType("tuple", []abi.ArgumentMarshaling{
		{Name: "account", Type: "tuple", Components: pluginRefComponents},
		{Name: "isOffer", Type: "bool"},
		{Name: "takers", Type: "address[]"},
		{Name: "loanAssets", Type: "address[]"},
		{Name: "minLoanAmounts", Type: "uint256[]"},
		{Name: "loanOracles", Type: "tuple[]", Components: pluginRefComponents},
		{Name: "collateralAssets", Type: "address[]"},
		{Name: "collateralOracles", Type: "tuple[]", Components: pluginRefComponents},
		{Name: "terminals", Type: "address[]"},
		{Name: "borrowerConfig", Type: "tuple", Components: borrowerConfigComponents},
		{Name: "maxDuration", Type: "uint64"},
		{Name: "assessor", Type: "tuple", Components: pluginRefComponents},
		{Name: "liquidator", Type: "tuple", Components: pluginRefComponents},
	})

	agreementType = mustType("tuple", []abi.ArgumentMarshaling{
		{Name: "lenderAccount", Type: "tuple", Components: pluginRefComponents},
		{Name: "borrowerAccount", Type: "tuple", Components: pluginRefComponents},
		{Name: "loanAsset", Type: "address"},
		{Name: "loanAmount", Type: "uint256"},
		{Name: "loanOracle", Type: "tuple", Components: pluginRefComponents},
		{Name: "collateralAsset", Type: "address"},
		{Name: "collateralAmount", Type: "uint256"},
		{Name: "collateralOracle", Type: "tuple", Components: pluginRefComponents},
		{Name: "position", Type: "tuple", Components: pluginRefComponents},
		{Name: "positionAddr", Type: "address"},
		{Name: "deploymentTime", Type: "uint64"},
		{Name: "maxDuration", Type: "uint64"},
		{Name: "assessor", Type: "tuple", Components: pluginRefComponents},
		{Name: "liquidator", Type: "tuple", Components: pluginRefComponents},
	})

	envelopeArgs = abi.Arguments{
		{Name: "kind", Type: mustType("uint8", nil)},
		{Name: "payload", Type: mustType("bytes", nil)},
	}
	orderArgs     = abi.Arguments{{Name: "order", Type: orderType}}
	agreementArgs = abi.Arguments{{Name: "agreement", Type: agreementType}}
)

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(fmt.Sprintf("blueprint: abi type %s: %v", t, err))
	}
	return typ
}

// ABI mirrors. Field order must follow the tuple components above: decoded
// tuples are copied field by field.

type pluginRefABI struct {
	Addr       common.Address `abi:"addr"`
	Parameters []byte         `abi:"parameters"`
}

type borrowerConfigABI struct {
	InitCollateralRatio uint32 `abi:"initCollateralRatio"`
	PositionParameters  []byte `abi:"positionParameters"`
}

type orderABI struct {
	Account           pluginRefABI      `abi:"account"`
	IsOffer           bool              `abi:"isOffer"`
	Takers            []common.Address  `abi:"takers"`
	LoanAssets        []common.Address  `abi:"loanAssets"`
	MinLoanAmounts    []*big.Int        `abi:"minLoanAmounts"`
	LoanOracles       []pluginRefABI    `abi:"loanOracles"`
	CollateralAssets  []common.Address  `abi:"collateralAssets"`
	CollateralOracles []pluginRefABI    `abi:"collateralOracles"`
	Terminals         []common.Address  `abi:"terminals"`
	BorrowerConfig    borrowerConfigABI `abi:"borrowerConfig"`
	MaxDuration       uint64            `abi:"maxDuration"`
	Assessor          pluginRefABI      `abi:"assessor"`
	Liquidator        pluginRefABI      `abi:"liquidator"`
}

type agreementABI struct {
	LenderAccount    pluginRefABI   `abi:"lenderAccount"`
	BorrowerAccount  pluginRefABI   `abi:"borrowerAccount"`
	LoanAsset        common.Address `abi:"loanAsset"`
	LoanAmount       *big.Int       `abi:"loanAmount"`
	LoanOracle       pluginRefABI   `abi:"loanOracle"`
	CollateralAsset  common.Address `abi:"collateralAsset"`
	CollateralAmount *big.Int       `abi:"collateralAmount"`
	CollateralOracle pluginRefABI   `abi:"collateralOracle"`
	Position         pluginRefABI   `abi:"position"`
	PositionAddr     common.Address `abi:"positionAddr"`
	DeploymentTime   uint64         `abi:"deploymentTime"`
	MaxDuration      uint64         `abi:"maxDuration"`
	Assessor         pluginRefABI   `abi:"assessor"`
	Liquidator       pluginRefABI   `abi:"liquidator"`
}

// --------------------------------------------------------------------------
// Envelope
// --------------------------------------------------------------------------

// EncodeData wraps payload with its kind tag: abi.encode(uint8 kind, bytes payload).
func EncodeData(kind domain.Kind, payload []byte) ([]byte, error) {
	if payload == nil {
		payload = []byte{}
	}
	out, err := envelopeArgs.Pack(uint8(kind), payload)
	if err != nil {
		return nil, fmt.Errorf("blueprint: encode data: %w", err)
	}
	return out, nil
}

// DecodeData splits tagged data into its kind and payload. Only canonical
// encodings are accepted.
func DecodeData(raw []byte) (kind domain.Kind, payload []byte, err error) {
	defer recoverMalformed(&err)

	vals, err := envelopeArgs.Unpack(raw)
	if err != nil {
		return domain.KindUnknown, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	tag, ok := vals[0].(uint8)
	if !ok {
		return domain.KindUnknown, nil, fmt.Errorf("%w: kind tag", ErrMalformed)
	}
	payload, ok = vals[1].([]byte)
	if !ok {
		return domain.KindUnknown, nil, fmt.Errorf("%w: payload", ErrMalformed)
	}
	if err := requireCanonical(raw, func() ([]byte, error) { return EncodeData(domain.Kind(tag), payload) }); err != nil {
		return domain.KindUnknown, nil, err
	}
	return domain.Kind(tag), payload, nil
}

// --------------------------------------------------------------------------
// Order
// --------------------------------------------------------------------------

// EncodeOrder returns the canonical payload bytes of o.
func EncodeOrder(o domain.Order) ([]byte, error) {
	out, err := orderArgs.Pack(orderToABI(o))
	if err != nil {
		return nil, fmt.Errorf("blueprint: encode order: %w", err)
	}
	return out, nil
}

// DecodeOrder parses order payload bytes.
func DecodeOrder(payload []byte) (o domain.Order, err error) {
	defer recoverMalformed(&err)

	vals, err := orderArgs.Unpack(payload)
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: order: %v", ErrMalformed, err)
	}
	mirror := abi.ConvertType(vals[0], new(orderABI)).(*orderABI)
	o = orderFromABI(*mirror)
	if err := requireCanonical(payload, func() ([]byte, error) { return EncodeOrder(o) }); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// --------------------------------------------------------------------------
// Agreement
// --------------------------------------------------------------------------

// EncodeAgreement returns the canonical payload bytes of a.
func EncodeAgreement(a domain.Agreement) ([]byte, error) {
	out, err := agreementArgs.Pack(agreementToABI(a))
	if err != nil {
		return nil, fmt.Errorf("blueprint: encode agreement: %w", err)
	}
	return out, nil
}

// DecodeAgreement parses agreement payload bytes.
func DecodeAgreement(payload []byte) (a domain.Agreement, err error) {
	defer recoverMalformed(&err)

	vals, err := agreementArgs.Unpack(payload)
	if err != nil {
		return domain.Agreement{}, fmt.Errorf("%w: agreement: %v", ErrMalformed, err)
	}
	mirror := abi.ConvertType(vals[0], new(agreementABI)).(*agreementABI)
	a = agreementFromABI(*mirror)
	if err := requireCanonical(payload, func() ([]byte, error) { return EncodeAgreement(a) }); err != nil {
		return domain.Agreement{}, err
	}
	return a, nil
}

// EncodeOrderData is EncodeOrder followed by EncodeData(KindOrder, ...).
func EncodeOrderData(o domain.Order) ([]byte, error) {
	payload, err := EncodeOrder(o)
	if err != nil {
		return nil, err
	}
	return EncodeData(domain.KindOrder, payload)
}

// EncodeAgreementData is EncodeAgreement followed by EncodeData(KindAgreement, ...).
func EncodeAgreementData(a domain.Agreement) ([]byte, error) {
	payload, err := EncodeAgreement(a)
	if err != nil {
		return nil, err
	}
	return EncodeData(domain.KindAgreement, payload)
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func requireCanonical(raw []byte, reencode func() ([]byte, error)) error {
	again, err := reencode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !bytes.Equal(raw, again) {
		return fmt.Errorf("%w: non-canonical encoding", ErrMalformed)
	}
	return nil
}

func recoverMalformed(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %v", ErrMalformed, r)
	}
}

func amount(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func refToABI(r domain.PluginRef) pluginRefABI {
	return pluginRefABI{Addr: r.Addr, Parameters: nonNil(r.Parameters)}
}

func refFromABI(r pluginRefABI) domain.PluginRef {
	return domain.PluginRef{Addr: r.Addr, Parameters: r.Parameters}
}

func refsToABI(refs []domain.PluginRef) []pluginRefABI {
	out := make([]pluginRefABI, len(refs))
	for i, r := range refs {
		out[i] = refToABI(r)
	}
	return out
}

func refsFromABI(refs []pluginRefABI) []domain.PluginRef {
	out := make([]domain.PluginRef, len(refs))
	for i, r := range refs {
		out[i] = refFromABI(r)
	}
	return out
}

func addrs(in []common.Address) []common.Address {
	if in == nil {
		return []common.Address{}
	}
	return in
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func orderToABI(o domain.Order) orderABI {
	mins := make([]*big.Int, len(o.MinLoanAmounts))
	for i, m := range o.MinLoanAmounts {
		mins[i] = amount(m)
	}
	return orderABI{
		Account:           refToABI(o.Account),
		IsOffer:           o.IsOffer,
		Takers:            addrs(o.Takers),
		LoanAssets:        addrs(o.LoanAssets),
		MinLoanAmounts:    mins,
		LoanOracles:       refsToABI(o.LoanOracles),
		CollateralAssets:  addrs(o.CollateralAssets),
		CollateralOracles: refsToABI(o.CollateralOracles),
		Terminals:         addrs(o.Terminals),
		BorrowerConfig: borrowerConfigABI{
			InitCollateralRatio: o.BorrowerConfig.InitCollateralRatio,
			PositionParameters:  nonNil(o.BorrowerConfig.PositionParameters),
		},
		MaxDuration: o.MaxDuration,
		Assessor:    refToABI(o.Assessor),
		Liquidator:  refToABI(o.Liquidator),
	}
}

func orderFromABI(m orderABI) domain.Order {
	return domain.Order{
		Account:           refFromABI(m.Account),
		IsOffer:           m.IsOffer,
		Takers:            m.Takers,
		LoanAssets:        m.LoanAssets,
		MinLoanAmounts:    m.MinLoanAmounts,
		LoanOracles:       refsFromABI(m.LoanOracles),
		CollateralAssets:  m.CollateralAssets,
		CollateralOracles: refsFromABI(m.CollateralOracles),
		Terminals:         m.Terminals,
		BorrowerConfig: domain.BorrowerConfig{
			InitCollateralRatio: m.BorrowerConfig.InitCollateralRatio,
			PositionParameters:  m.BorrowerConfig.PositionParameters,
		},
		MaxDuration: m.MaxDuration,
		Assessor:    refFromABI(m.Assessor),
		Liquidator:  refFromABI(m.Liquidator),
	}
}

func agreementToABI(a domain.Agreement) agreementABI {
	return agreementABI{
		LenderAccount:    refToABI(a.LenderAccount),
		BorrowerAccount:  refToABI(a.BorrowerAccount),
		LoanAsset:        a.LoanAsset,
		LoanAmount:       amount(a.LoanAmount),
		LoanOracle:       refToABI(a.LoanOracle),
		CollateralAsset:  a.CollateralAsset,
		CollateralAmount: amount(a.CollateralAmount),
		CollateralOracle: refToABI(a.CollateralOracle),
		Position:         refToABI(a.Position),
		PositionAddr:     a.PositionAddr,
		DeploymentTime:   a.DeploymentTime,
		MaxDuration:      a.MaxDuration,
		Assessor:         refToABI(a.Assessor),
		Liquidator:       refToABI(a.Liquidator),
	}
}

func agreementFromABI(m agreementABI) domain.Agreement {
	return domain.Agreement{
		LenderAccount:    refFromABI(m.LenderAccount),
		BorrowerAccount:  refFromABI(m.BorrowerAccount),
		LoanAsset:        m.LoanAsset,
		LoanAmount:       m.LoanAmount,
		LoanOracle:       refFromABI(m.LoanOracle),
		CollateralAsset:  m.CollateralAsset,
		CollateralAmount: m.CollateralAmount,
		CollateralOracle: refFromABI(m.CollateralOracle),
		Position:         refFromABI(m.Position),
		PositionAddr:     m.PositionAddr,
		DeploymentTime:   m.DeploymentTime,
		MaxDuration:      m.MaxDuration,
		Assessor:         refFromABI(m.Assessor),
		Liquidator:       refFromABI(m.Liquidator),
	}
}
