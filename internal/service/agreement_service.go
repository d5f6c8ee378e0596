package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Modulend/core-v1/internal/blueprint"
	"github.com/Modulend/core-v1/internal/crypto"
	"github.com/Modulend/core-v1/internal/domain"
	"github.com/Modulend/core-v1/internal/matching"
	"github.com/Modulend/core-v1/internal/metrics"
)

// DefaultLockTTL bounds how long a kick or exit may hold a position lock.
const DefaultLockTTL = 30 * time.Second

// Notifier forwards lifecycle events to human channels (Telegram, Discord).
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// AgreementDeps bundles the collaborators of an AgreementService.
type AgreementDeps struct {
	Auth      *blueprint.Authenticator
	Signer    *crypto.Signer
	Log       domain.BlueprintStore
	Terminals domain.TerminalRegistry
	Accounts  domain.AccountRegistry
	Assessors domain.AssessorRegistry
	Locks     domain.LockManager
	Bus       domain.SignalBus
	Audit     domain.AuditStore
	Notifier  Notifier // optional
	Logger    *slog.Logger
	LockTTL   time.Duration
	Now       func() time.Time
}

// AgreementService drives the Agreement lifecycle: it turns signed Orders
// into published Agreements and gates liquidation and exit of the positions
// those Agreements describe.
type AgreementService struct {
	auth      *blueprint.Authenticator
	signer    *crypto.Signer
	log       domain.BlueprintStore
	terminals domain.TerminalRegistry
	accounts  domain.AccountRegistry
	assessors domain.AssessorRegistry
	locks     domain.LockManager
	bus       domain.SignalBus
	audit     domain.AuditStore
	notifier  Notifier
	logger    *slog.Logger
	lockTTL   time.Duration
	now       func() time.Time
}

// NewAgreementService creates an AgreementService. The signer is the
// protocol key; it must be the verifying address of deps.Auth's domain.
func NewAgreementService(deps AgreementDeps) *AgreementService {
	s := &AgreementService{
		auth:      deps.Auth,
		signer:    deps.Signer,
		log:       deps.Log,
		terminals: deps.Terminals,
		accounts:  deps.Accounts,
		assessors: deps.Assessors,
		locks:     deps.Locks,
		bus:       deps.Bus,
		audit:     deps.Audit,
		notifier:  deps.Notifier,
		logger:    deps.Logger,
		lockTTL:   deps.LockTTL,
		now:       deps.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "agreement_service"))
	if s.lockTTL <= 0 {
		s.lockTTL = DefaultLockTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Protocol returns the address that publishes Agreements.
func (s *AgreementService) Protocol() common.Address {
	return s.signer.Address()
}

// FillResult is the outcome of a successful fill.
type FillResult struct {
	OrderHash     common.Hash            `json:"orderHash"`
	AgreementHash common.Hash            `json:"agreementHash"`
	Agreement     domain.Agreement       `json:"agreement"`
	Signed        domain.SignedBlueprint `json:"signed"`
}

// --------------------------------------------------------------------------
// Fill
// --------------------------------------------------------------------------

// FillOrder redeems a signed Order with the caller's Fill. On success a new
// position exists and exactly one Agreement describing it has been published.
// On failure nothing is published and any position created on the way is
// aborted.
func (s *AgreementService) FillOrder(ctx context.Context, caller common.Address, sb domain.SignedBlueprint, fill domain.Fill) (res FillResult, err error) {
	started := time.Now()
	defer func() { s.observe(ctx, "fill", started, err) }()

	order, err := s.auth.AuthenticateOrder(sb)
	if err != nil {
		return FillResult{}, err
	}
	if err := s.requireOwner(ctx, order.Account, sb.Blueprint.Publisher, "order account"); err != nil {
		return FillResult{}, err
	}
	if err := s.requireOwner(ctx, fill.Account, caller, "fill account"); err != nil {
		return FillResult{}, err
	}

	ag, err := matching.Resolve(order, fill, caller)
	if err != nil {
		return FillResult{}, err
	}
	ag.DeploymentTime = uint64(s.now().Unix())

	terminal, err := s.terminals.Terminal(ag.Position.Addr)
	if err != nil {
		return FillResult{}, domain.WrapError(domain.KindExternalCall, domain.ReasonTerminalFailed,
			"resolve terminal "+ag.Position.Addr.Hex(), err)
	}
	posAddr, err := terminal.CreatePosition(ctx, domain.PositionRequest{
		Terminal:         ag.Position.Addr,
		LoanAsset:        ag.LoanAsset,
		LoanAmount:       ag.LoanAmount,
		Parameters:       ag.Position.Parameters,
		LenderAccount:    ag.LenderAccount,
		BorrowerAccount:  ag.BorrowerAccount,
		CollateralAsset:  ag.CollateralAsset,
		CollateralAmount: ag.CollateralAmount,
	})
	if err != nil {
		return FillResult{}, domain.WrapError(domain.KindExternalCall, domain.ReasonTerminalFailed, "create position", err)
	}
	ag.PositionAddr = posAddr

	signed, err := s.publish(ctx, ag)
	if err != nil {
		s.abort(ctx, terminal, posAddr, err)
		return FillResult{}, err
	}
	metrics.AgreementsPublished.Inc()

	res = FillResult{
		OrderHash:     sb.BlueprintHash,
		AgreementHash: signed.BlueprintHash,
		Agreement:     ag,
		Signed:        signed,
	}

	s.logger.InfoContext(ctx, "order filled",
		slog.String("order_hash", res.OrderHash.Hex()),
		slog.String("agreement_hash", res.AgreementHash.Hex()),
		slog.String("position", posAddr.Hex()),
		slog.String("caller", caller.Hex()),
		slog.String("loan_amount", ag.LoanAmount.String()),
		slog.String("collateral_amount", ag.CollateralAmount.String()),
	)
	s.emit(ctx, domain.Event{
		Type: domain.EventOrderFilled,
		OrderFilled: &domain.OrderFilled{
			Agreement:     ag,
			AgreementHash: res.AgreementHash,
			OrderHash:     res.OrderHash,
			Caller:        caller,
		},
	}, map[string]any{
		"order_hash":     res.OrderHash.Hex(),
		"agreement_hash": res.AgreementHash.Hex(),
		"position":       posAddr.Hex(),
		"caller":         caller.Hex(),
	}, fmt.Sprintf("Agreement %s\nposition %s\nloan %s of %s\ncollateral %s of %s",
		res.AgreementHash.Hex(), posAddr.Hex(),
		ag.LoanAmount, ag.LoanAsset.Hex(), ag.CollateralAmount, ag.CollateralAsset.Hex()))

	return res, nil
}

// publish self-signs ag and appends it to the publication log.
func (s *AgreementService) publish(ctx context.Context, ag domain.Agreement) (domain.SignedBlueprint, error) {
	data, err := blueprint.EncodeAgreementData(ag)
	if err != nil {
		return domain.SignedBlueprint{}, domain.WrapError(domain.KindInternal, domain.ReasonMalformed, "encode agreement", err)
	}
	signed, err := s.auth.Hasher().Sign(s.signer, domain.Blueprint{
		Publisher: s.signer.Address(),
		Data:      data,
		Expiry:    domain.NoExpiry,
	})
	if err != nil {
		return domain.SignedBlueprint{}, err
	}
	if err := s.log.Publish(ctx, domain.Published{
		Signed:      signed,
		Kind:        domain.KindAgreement,
		PublishedAt: s.now().Unix(),
	}); err != nil {
		return domain.SignedBlueprint{}, domain.WrapError(domain.KindInternal, domain.ReasonStorage, "publish agreement", err)
	}
	return signed, nil
}

// abort unwinds a position whose Agreement could not be published. It runs
// even when ctx is already cancelled.
func (s *AgreementService) abort(ctx context.Context, terminal domain.Terminal, position common.Address, cause error) {
	aborter, ok := terminal.(domain.PositionAborter)
	if !ok {
		s.logger.ErrorContext(ctx, "terminal cannot abort unpublished position",
			slog.String("position", position.Hex()),
			slog.String("cause", cause.Error()),
		)
		return
	}
	if err := aborter.AbortPosition(context.WithoutCancel(ctx), position); err != nil {
		s.logger.ErrorContext(ctx, "abort unpublished position failed",
			slog.String("position", position.Hex()),
			slog.String("cause", cause.Error()),
			slog.String("error", err.Error()),
		)
		return
	}
	metrics.PositionsAborted.Inc()
	s.logger.WarnContext(ctx, "aborted unpublished position",
		slog.String("position", position.Hex()),
		slog.String("cause", cause.Error()),
	)
}

// --------------------------------------------------------------------------
// Kick
// --------------------------------------------------------------------------

// Kick transfers custody of a liquidatable position to its Agreement's
// liquidator. Of any number of concurrent kicks against one Agreement at most
// one succeeds; the others fail with a state conflict.
func (s *AgreementService) Kick(ctx context.Context, caller common.Address, sb domain.SignedBlueprint) (err error) {
	started := time.Now()
	defer func() { s.observe(ctx, "kick", started, err) }()

	ag, err := s.loadAgreement(ctx, sb)
	if err != nil {
		return err
	}
	terminal, err := s.terminals.Terminal(ag.Position.Addr)
	if err != nil {
		return domain.WrapError(domain.KindExternalCall, domain.ReasonTerminalFailed,
			"resolve terminal "+ag.Position.Addr.Hex(), err)
	}

	unlock, err := s.lockPosition(ctx, ag.PositionAddr)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.requireControl(ctx, terminal, ag.PositionAddr); err != nil {
		return err
	}

	assessor, err := s.assessors.Assessor(ag.Assessor.Addr)
	if err != nil {
		return domain.WrapError(domain.KindExternalCall, domain.ReasonAssessorFailed,
			"resolve assessor "+ag.Assessor.Addr.Hex(), err)
	}
	liquidatable, err := assessor.IsLiquidatable(ctx, ag)
	if err != nil {
		var derr *domain.Error
		if errors.As(err, &derr) {
			return err
		}
		return domain.WrapError(domain.KindExternalCall, domain.ReasonAssessorFailed, "assess position", err)
	}
	if !liquidatable {
		return domain.NewError(domain.KindStateConflict, domain.ReasonNotLiquidatable,
			"position "+ag.PositionAddr.Hex()+" is not liquidatable")
	}

	if err := terminal.TransferCustody(ctx, ag.PositionAddr, ag.Liquidator.Addr); err != nil {
		return custodyError("transfer custody", err)
	}

	s.logger.InfoContext(ctx, "liquidation kicked",
		slog.String("agreement_hash", sb.BlueprintHash.Hex()),
		slog.String("position", ag.PositionAddr.Hex()),
		slog.String("liquidator", ag.Liquidator.Addr.Hex()),
		slog.String("caller", caller.Hex()),
	)
	s.emit(ctx, domain.Event{
		Type: domain.EventLiquidationKicked,
		LiquidationKicked: &domain.LiquidationKicked{
			Liquidator:    ag.Liquidator.Addr,
			Position:      ag.PositionAddr,
			AgreementHash: sb.BlueprintHash,
			Caller:        caller,
		},
	}, map[string]any{
		"agreement_hash": sb.BlueprintHash.Hex(),
		"position":       ag.PositionAddr.Hex(),
		"liquidator":     ag.Liquidator.Addr.Hex(),
		"caller":         caller.Hex(),
	}, fmt.Sprintf("Agreement %s\nposition %s handed to %s",
		sb.BlueprintHash.Hex(), ag.PositionAddr.Hex(), ag.Liquidator.Addr.Hex()))

	return nil
}

// KickByHash kicks the published Agreement stored under hash.
func (s *AgreementService) KickByHash(ctx context.Context, caller common.Address, hash common.Hash) error {
	p, err := s.lookup(ctx, hash)
	if err != nil {
		return err
	}
	return s.Kick(ctx, caller, p.Signed)
}

// --------------------------------------------------------------------------
// Exit
// --------------------------------------------------------------------------

// Exit lets the borrower unwind a position. Any shortfall the position cannot
// cover is paid by the caller into the lender account as part of the
// terminal's exit; if either fails the position stays as it was and nothing
// is paid. Exit returns the shortfall paid.
func (s *AgreementService) Exit(ctx context.Context, caller common.Address, sb domain.SignedBlueprint) (unpaid *big.Int, err error) {
	started := time.Now()
	defer func() { s.observe(ctx, "exit", started, err) }()

	ag, err := s.loadAgreement(ctx, sb)
	if err != nil {
		return nil, err
	}
	if err := s.requireOwner(ctx, ag.BorrowerAccount, caller, "borrower account"); err != nil {
		return nil, err
	}
	terminal, err := s.terminals.Terminal(ag.Position.Addr)
	if err != nil {
		return nil, domain.WrapError(domain.KindExternalCall, domain.ReasonTerminalFailed,
			"resolve terminal "+ag.Position.Addr.Hex(), err)
	}
	unlock, err := s.lockPosition(ctx, ag.PositionAddr)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.requireControl(ctx, terminal, ag.PositionAddr); err != nil {
		return nil, err
	}

	unpaid, err = terminal.Exit(ctx, ag.PositionAddr, ag, domain.ExitSettlement{
		Payer:   caller,
		Account: ag.LenderAccount,
		Asset:   ag.LoanAsset,
	})
	if err != nil {
		if errors.Is(err, domain.ErrSettlementFailed) {
			return nil, domain.WrapError(domain.KindExternalCall, domain.ReasonAccountFailed, "cover exit shortfall", err)
		}
		return nil, custodyError("exit position", err)
	}
	if unpaid == nil {
		unpaid = new(big.Int)
	}

	s.logger.InfoContext(ctx, "position exited",
		slog.String("agreement_hash", sb.BlueprintHash.Hex()),
		slog.String("position", ag.PositionAddr.Hex()),
		slog.String("borrower", caller.Hex()),
		slog.String("unpaid", unpaid.String()),
	)
	s.emit(ctx, domain.Event{
		Type: domain.EventPositionExited,
		PositionExited: &domain.PositionExited{
			Position:      ag.PositionAddr,
			AgreementHash: sb.BlueprintHash,
			Borrower:      caller,
			Unpaid:        unpaid,
		},
	}, map[string]any{
		"agreement_hash": sb.BlueprintHash.Hex(),
		"position":       ag.PositionAddr.Hex(),
		"borrower":       caller.Hex(),
		"unpaid":         unpaid.String(),
	}, fmt.Sprintf("Agreement %s\nposition %s exited, shortfall %s",
		sb.BlueprintHash.Hex(), ag.PositionAddr.Hex(), unpaid))

	return unpaid, nil
}

// ExitByHash exits the published Agreement stored under hash.
func (s *AgreementService) ExitByHash(ctx context.Context, caller common.Address, hash common.Hash) (*big.Int, error) {
	p, err := s.lookup(ctx, hash)
	if err != nil {
		return nil, err
	}
	return s.Exit(ctx, caller, p.Signed)
}

// --------------------------------------------------------------------------
// Queries
// --------------------------------------------------------------------------

// Agreement returns the published Agreement stored under hash together with
// its log entry.
func (s *AgreementService) Agreement(ctx context.Context, hash common.Hash) (domain.Agreement, domain.Published, error) {
	p, err := s.lookup(ctx, hash)
	if err != nil {
		return domain.Agreement{}, domain.Published{}, err
	}
	_, payload, err := blueprint.DecodeData(p.Signed.Blueprint.Data)
	if err != nil {
		return domain.Agreement{}, domain.Published{}, domain.WrapError(domain.KindInternal, domain.ReasonMalformed, "decode stored agreement", err)
	}
	ag, err := blueprint.DecodeAgreement(payload)
	if err != nil {
		return domain.Agreement{}, domain.Published{}, domain.WrapError(domain.KindInternal, domain.ReasonMalformed, "decode stored agreement", err)
	}
	return ag, p, nil
}

// ListAgreements returns published Agreements, newest first.
func (s *AgreementService) ListAgreements(ctx context.Context, opts domain.ListOpts) ([]domain.Published, error) {
	out, err := s.log.List(ctx, domain.KindAgreement, opts)
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, domain.ReasonStorage, "list agreements", err)
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Helpers
// --------------------------------------------------------------------------

// lookup fetches the Agreement entry stored under hash.
func (s *AgreementService) lookup(ctx context.Context, hash common.Hash) (domain.Published, error) {
	p, err := s.log.Get(ctx, hash)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Published{}, domain.WrapError(domain.KindAuthentication, domain.ReasonNotPublished,
			"no agreement published under "+hash.Hex(), err)
	}
	if err != nil {
		return domain.Published{}, domain.WrapError(domain.KindInternal, domain.ReasonStorage, "load agreement", err)
	}
	if p.Kind != domain.KindAgreement {
		return domain.Published{}, domain.NewError(domain.KindAuthentication, domain.ReasonKindMismatch,
			hash.Hex()+" is not an agreement")
	}
	return p, nil
}

// loadAgreement authenticates sb as an Agreement the protocol published and
// that is present, unchanged, in the publication log.
func (s *AgreementService) loadAgreement(ctx context.Context, sb domain.SignedBlueprint) (domain.Agreement, error) {
	ag, err := s.auth.AuthenticateAgreement(sb)
	if err != nil {
		return domain.Agreement{}, err
	}
	if sb.Blueprint.Publisher != s.signer.Address() {
		return domain.Agreement{}, domain.NewError(domain.KindAuthentication, domain.ReasonNotProtocolPublished,
			"agreement published by "+sb.Blueprint.Publisher.Hex())
	}
	p, err := s.lookup(ctx, sb.BlueprintHash)
	if err != nil {
		return domain.Agreement{}, err
	}
	stored := p.Signed.Blueprint
	if stored.Publisher != sb.Blueprint.Publisher ||
		stored.Expiry != sb.Blueprint.Expiry ||
		!bytes.Equal(stored.Data, sb.Blueprint.Data) {
		return domain.Agreement{}, domain.NewError(domain.KindAuthentication, domain.ReasonNotPublished,
			"agreement differs from the published record "+sb.BlueprintHash.Hex())
	}
	return ag, nil
}

// requireOwner checks that ref's account is owned by want.
func (s *AgreementService) requireOwner(ctx context.Context, ref domain.PluginRef, want common.Address, what string) error {
	acct, err := s.accounts.Account(ref.Addr)
	if err != nil {
		return domain.WrapError(domain.KindExternalCall, domain.ReasonAccountFailed,
			"resolve "+what+" "+ref.Addr.Hex(), err)
	}
	owner, err := acct.GetOwner(ctx, ref.Parameters)
	if err != nil {
		return domain.WrapError(domain.KindExternalCall, domain.ReasonAccountFailed, "owner of "+what, err)
	}
	if owner != want {
		return domain.NewError(domain.KindValidation, domain.ReasonUnauthorizedCaller,
			fmt.Sprintf("%s is owned by %s, not %s", what, owner.Hex(), want.Hex()))
	}
	return nil
}

// lockPosition serialises kick and exit on one position.
func (s *AgreementService) lockPosition(ctx context.Context, position common.Address) (func(), error) {
	unlock, err := s.locks.Acquire(ctx, "position:"+position.Hex(), s.lockTTL)
	if errors.Is(err, domain.ErrLockHeld) {
		return nil, domain.WrapError(domain.KindStateConflict, domain.ReasonBusy,
			"position "+position.Hex()+" is being kicked or exited", err)
	}
	if err != nil {
		return nil, domain.WrapError(domain.KindInternal, domain.ReasonStorage, "lock position", err)
	}
	return unlock, nil
}

// requireControl fails with a state conflict once the protocol has handed the
// position on.
func (s *AgreementService) requireControl(ctx context.Context, terminal domain.Terminal, position common.Address) error {
	ok, err := terminal.HasControllingRole(ctx, position)
	if err != nil {
		return domain.WrapError(domain.KindExternalCall, domain.ReasonCustodyFailed, "check custody", err)
	}
	if !ok {
		return domain.NewError(domain.KindStateConflict, domain.ReasonCustodyTransferred,
			"protocol no longer controls position "+position.Hex())
	}
	return nil
}

func custodyError(op string, err error) error {
	if errors.Is(err, domain.ErrCustodyLost) {
		return domain.WrapError(domain.KindStateConflict, domain.ReasonCustodyTransferred, op, err)
	}
	return domain.WrapError(domain.KindExternalCall, domain.ReasonTerminalFailed, op, err)
}

// emit publishes evt on the signal bus and its stream, writes the audit entry
// and notifies. The operation has already succeeded, so failures here are
// logged only.
func (s *AgreementService) emit(ctx context.Context, evt domain.Event, audit map[string]any, message string) {
	evt.ID = uuid.NewString()
	evt.OccurredAt = s.now().UTC()

	payload, err := json.Marshal(evt)
	if err != nil {
		s.logger.ErrorContext(ctx, "marshal event failed", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, domain.EventsChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish event failed",
			slog.String("event", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, domain.EventsChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "append event to stream failed",
			slog.String("event", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}

	audit["event_id"] = evt.ID
	if err := s.audit.Log(ctx, string(evt.Type), audit); err != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", string(evt.Type)),
			slog.String("error", err.Error()),
		)
	}

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, string(evt.Type), eventTitle(evt.Type), message); err != nil {
			s.logger.WarnContext(ctx, "notify failed",
				slog.String("event", string(evt.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
}

func eventTitle(t domain.EventType) string {
	switch t {
	case domain.EventOrderFilled:
		return "Order filled"
	case domain.EventLiquidationKicked:
		return "Liquidation kicked"
	case domain.EventPositionExited:
		return "Position exited"
	default:
		return string(t)
	}
}

func (s *AgreementService) observe(ctx context.Context, op string, started time.Time, err error) {
	if err == nil {
		metrics.ObserveOperation(op, "ok", "", started)
		return
	}
	kind, reason := domain.KindOf(err), domain.ReasonOf(err)
	metrics.ObserveOperation(op, string(kind), reason, started)

	level := slog.LevelWarn
	if kind == domain.KindInternal {
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, op+" failed",
		slog.String("kind", string(kind)),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
}
