package blueprint

import (
	"errors"
	"fmt"
	"time"

	"github.com/Modulend/core-v1/internal/crypto"
	"github.com/Modulend/core-v1/internal/domain"
)

// Authenticator verifies signed blueprints before any business field is
// read. Checks run in a fixed order: hash, signature, expiry, kind.
type Authenticator struct {
	hasher *Hasher
	now    func() time.Time
}

// AuthOption configures an Authenticator.
type AuthOption func(*Authenticator)

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) AuthOption {
	return func(a *Authenticator) { a.now = now }
}

// NewAuthenticator creates an Authenticator that hashes with h.
func NewAuthenticator(h *Hasher, opts ...AuthOption) *Authenticator {
	a := &Authenticator{hasher: h, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Hasher returns the hasher used for verification.
func (a *Authenticator) Hasher() *Hasher {
	return a.hasher
}

// Authenticate verifies sb and returns its payload bytes if the tagged data
// carries the wanted kind. Every failure is a KindAuthentication error.
func (a *Authenticator) Authenticate(sb domain.SignedBlueprint, want domain.Kind) ([]byte, error) {
	bp := sb.Blueprint

	if got := a.hasher.Hash(bp); got != sb.BlueprintHash {
		return nil, domain.NewError(domain.KindAuthentication, domain.ReasonHashMismatch,
			fmt.Sprintf("blueprint hash %s does not match contents (%s)", sb.BlueprintHash.Hex(), got.Hex()))
	}

	signer, err := crypto.RecoverAddress(sb.BlueprintHash, sb.Signature)
	if err != nil {
		return nil, domain.WrapError(domain.KindAuthentication, domain.ReasonBadSignature, "signature does not recover", err)
	}
	if signer != bp.Publisher {
		return nil, domain.NewError(domain.KindAuthentication, domain.ReasonBadSignature,
			fmt.Sprintf("signed by %s, publisher is %s", signer.Hex(), bp.Publisher.Hex()))
	}

	if bp.Expiry != domain.NoExpiry {
		now := a.now().Unix()
		if now < 0 || uint64(now) >= bp.Expiry {
			return nil, domain.NewError(domain.KindAuthentication, domain.ReasonExpired,
				fmt.Sprintf("blueprint expired at %d", bp.Expiry))
		}
	}

	kind, payload, err := DecodeData(bp.Data)
	if err != nil {
		return nil, domain.WrapError(domain.KindAuthentication, domain.ReasonMalformed, "decode blueprint data", err)
	}
	if kind != want {
		return nil, domain.NewError(domain.KindAuthentication, domain.ReasonKindMismatch,
			fmt.Sprintf("expected %s blueprint, got %s", want, kind))
	}
	return payload, nil
}

// AuthenticateOrder authenticates sb as an Order blueprint and decodes it.
func (a *Authenticator) AuthenticateOrder(sb domain.SignedBlueprint) (domain.Order, error) {
	payload, err := a.Authenticate(sb, domain.KindOrder)
	if err != nil {
		return domain.Order{}, err
	}
	order, err := DecodeOrder(payload)
	if err != nil {
		return domain.Order{}, malformed("order", err)
	}
	return order, nil
}

// AuthenticateAgreement authenticates sb as an Agreement blueprint and
// decodes it.
func (a *Authenticator) AuthenticateAgreement(sb domain.SignedBlueprint) (domain.Agreement, error) {
	payload, err := a.Authenticate(sb, domain.KindAgreement)
	if err != nil {
		return domain.Agreement{}, err
	}
	agreement, err := DecodeAgreement(payload)
	if err != nil {
		return domain.Agreement{}, malformed("agreement", err)
	}
	return agreement, nil
}

func malformed(what string, err error) error {
	if errors.Is(err, ErrMalformed) {
		return domain.WrapError(domain.KindAuthentication, domain.ReasonMalformed, "decode "+what, err)
	}
	return domain.WrapError(domain.KindInternal, domain.ReasonMalformed, "decode "+what, err)
}
