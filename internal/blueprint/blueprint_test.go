package blueprint_test

import (
	"bytes"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Modulend/core-v1/internal/blueprint"
	"github.com/Modulend/core-v1/internal/crypto"
	"github.com/Modulend/core-v1/internal/domain"
)

var (
	protocolAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	usdc         = common.HexToAddress("0x0000000000000000000000000000000000000001")
	weth         = common.HexToAddress("0x0000000000000000000000000000000000000002")
	terminal     = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

func ref(last byte, params ...byte) domain.PluginRef {
	return domain.PluginRef{Addr: common.BytesToAddress([]byte{0x10, last}), Parameters: params}
}

func sampleOrder() domain.Order {
	return domain.Order{
		Account:           ref(1, 0xde, 0xad),
		IsOffer:           true,
		LoanAssets:        []common.Address{usdc},
		MinLoanAmounts:    []*big.Int{big.NewInt(100)},
		LoanOracles:       []domain.PluginRef{ref(2)},
		CollateralAssets:  []common.Address{weth},
		CollateralOracles: []domain.PluginRef{ref(3, 0x01)},
		Terminals:         []common.Address{terminal},
		BorrowerConfig:    domain.BorrowerConfig{InitCollateralRatio: 15000, PositionParameters: []byte{0x42}},
		MaxDuration:       86400,
		Assessor:          ref(4),
		Liquidator:        ref(5),
	}
}

func sampleAgreement() domain.Agreement {
	return domain.Agreement{
		LenderAccount:    ref(1),
		BorrowerAccount:  ref(6, 0x07),
		LoanAsset:        usdc,
		LoanAmount:       big.NewInt(150),
		LoanOracle:       ref(2),
		CollateralAsset:  weth,
		CollateralAmount: big.NewInt(225),
		CollateralOracle: ref(3),
		Position:         domain.PluginRef{Addr: terminal, Parameters: []byte{0x42}},
		PositionAddr:     common.HexToAddress("0x00000000000000000000000000000000000000f0"),
		DeploymentTime:   1_700_000_000,
		MaxDuration:      86400,
		Assessor:         ref(4),
		Liquidator:       ref(5),
	}
}

func mustSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.GenerateSigner()
	if err != nil {
		t.Fatalf("GenerateSigner: %v", err)
	}
	return s
}

func signOrder(t *testing.T, h *blueprint.Hasher, s *crypto.Signer, o domain.Order, expiry uint64) domain.SignedBlueprint {
	t.Helper()
	data, err := blueprint.EncodeOrderData(o)
	if err != nil {
		t.Fatalf("EncodeOrderData: %v", err)
	}
	sb, err := h.Sign(s, domain.Blueprint{Publisher: s.Address(), Data: data, Expiry: expiry})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return sb
}

func signAgreement(t *testing.T, h *blueprint.Hasher, s *crypto.Signer, a domain.Agreement) domain.SignedBlueprint {
	t.Helper()
	data, err := blueprint.EncodeAgreementData(a)
	if err != nil {
		t.Fatalf("EncodeAgreementData: %v", err)
	}
	sb, err := h.Sign(s, domain.Blueprint{Publisher: s.Address(), Data: data, Expiry: domain.NoExpiry})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return sb
}

func fixedClock(unix int64) blueprint.AuthOption {
	return blueprint.WithClock(func() time.Time { return time.Unix(unix, 0) })
}

// --- Codec ---

func TestOrderCodec_RoundTrip(t *testing.T) {
	o := sampleOrder()
	o.Takers = []common.Address{common.HexToAddress("0xbeef")}

	payload, err := blueprint.EncodeOrder(o)
	if err != nil {
		t.Fatalf("EncodeOrder: %v", err)
	}
	got, err := blueprint.DecodeOrder(payload)
	if err != nil {
		t.Fatalf("DecodeOrder: %v", err)
	}

	if got.Account.Addr != o.Account.Addr || !bytes.Equal(got.Account.Parameters, o.Account.Parameters) {
		t.Errorf("account = %+v", got.Account)
	}
	if !got.IsOffer || len(got.Takers) != 1 || got.Takers[0] != o.Takers[0] {
		t.Errorf("isOffer/takers = %v %v", got.IsOffer, got.Takers)
	}
	if got.MinLoanAmounts[0].Cmp(big.NewInt(100)) != 0 {
		t.Errorf("minLoanAmounts = %v", got.MinLoanAmounts)
	}
	if got.CollateralOracles[0].Addr != o.CollateralOracles[0].Addr {
		t.Errorf("collateral oracle = %+v", got.CollateralOracles[0])
	}
	if got.BorrowerConfig.InitCollateralRatio != 15000 || !bytes.Equal(got.BorrowerConfig.PositionParameters, []byte{0x42}) {
		t.Errorf("borrower config = %+v", got.BorrowerConfig)
	}
	if got.MaxDuration != 86400 || got.Liquidator.Addr != o.Liquidator.Addr {
		t.Errorf("maxDuration/liquidator = %d %s", got.MaxDuration, got.Liquidator.Addr.Hex())
	}

	again, err := blueprint.EncodeOrder(got)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(payload, again) {
		t.Fatal("encoding is not deterministic")
	}
}

func TestAgreementCodec_RoundTrip(t *testing.T) {
	a := sampleAgreement()
	payload, err := blueprint.EncodeAgreement(a)
	if err != nil {
		t.Fatalf("EncodeAgreement: %v", err)
	}
	got, err := blueprint.DecodeAgreement(payload)
	if err != nil {
		t.Fatalf("DecodeAgreement: %v", err)
	}
	if got.LoanAmount.Cmp(a.LoanAmount) != 0 || got.CollateralAmount.Cmp(a.CollateralAmount) != 0 {
		t.Errorf("amounts = %v / %v", got.LoanAmount, got.CollateralAmount)
	}
	if got.PositionAddr != a.PositionAddr || got.DeploymentTime != a.DeploymentTime {
		t.Errorf("position = %s at %d", got.PositionAddr.Hex(), got.DeploymentTime)
	}
	if got.BorrowerAccount.Addr != a.BorrowerAccount.Addr || !bytes.Equal(got.BorrowerAccount.Parameters, []byte{0x07}) {
		t.Errorf("borrower account = %+v", got.BorrowerAccount)
	}
}

func TestEncodeAgreement_NilAmountsEncodeAsZero(t *testing.T) {
	a := sampleAgreement()
	a.CollateralAmount = nil
	payload, err := blueprint.EncodeAgreement(a)
	if err != nil {
		t.Fatalf("EncodeAgreement: %v", err)
	}
	got, err := blueprint.DecodeAgreement(payload)
	if err != nil {
		t.Fatalf("DecodeAgreement: %v", err)
	}
	if got.CollateralAmount.Sign() != 0 {
		t.Fatalf("collateral = %v, want 0", got.CollateralAmount)
	}
}

func TestDecodeData(t *testing.T) {
	payload := []byte{1, 2, 3}
	raw, err := blueprint.EncodeData(domain.KindAgreement, payload)
	if err != nil {
		t.Fatalf("EncodeData: %v", err)
	}

	kind, got, err := blueprint.DecodeData(raw)
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if kind != domain.KindAgreement || !bytes.Equal(got, payload) {
		t.Fatalf("decoded %s %x", kind, got)
	}

	tests := []struct {
		name string
		raw  []byte
	}{
		{"empty", nil},
		{"truncated", raw[:40]},
		{"trailing bytes", append(append([]byte(nil), raw...), make([]byte, 32)...)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := blueprint.DecodeData(tc.raw); !errors.Is(err, blueprint.ErrMalformed) {
				t.Fatalf("err = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestDecodeOrder_RejectsGarbage(t *testing.T) {
	if _, err := blueprint.DecodeOrder([]byte{0x01, 0x02}); !errors.Is(err, blueprint.ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

// --- Hash ---

func TestHasher_DomainBinding(t *testing.T) {
	bp := domain.Blueprint{Publisher: usdc, Data: []byte{1}, Expiry: 10}

	a := blueprint.NewHasher(1, protocolAddr).Hash(bp)
	if a != blueprint.NewHasher(1, protocolAddr).Hash(bp) {
		t.Fatal("hash is not deterministic")
	}
	if a == blueprint.NewHasher(2, protocolAddr).Hash(bp) {
		t.Error("chain id does not affect the hash")
	}
	if a == blueprint.NewHasher(1, weth).Hash(bp) {
		t.Error("protocol address does not affect the hash")
	}

	changed := bp
	changed.Expiry = 11
	if a == blueprint.NewHasher(1, protocolAddr).Hash(changed) {
		t.Error("expiry does not affect the hash")
	}
}

func TestHasher_SignRequiresPublisher(t *testing.T) {
	h := blueprint.NewHasher(1, protocolAddr)
	s := mustSigner(t)
	_, err := h.Sign(s, domain.Blueprint{Publisher: usdc})
	if domain.KindOf(err) != domain.KindInternal {
		t.Fatalf("err = %v, want internal signing error", err)
	}
}

// --- Authentication ---

func TestAuthenticateOrder_Valid(t *testing.T) {
	h := blueprint.NewHasher(1, protocolAddr)
	s := mustSigner(t)
	sb := signOrder(t, h, s, sampleOrder(), 2_000)

	auth := blueprint.NewAuthenticator(h, fixedClock(1_000))
	o, err := auth.AuthenticateOrder(sb)
	if err != nil {
		t.Fatalf("AuthenticateOrder: %v", err)
	}
	if o.Account.Addr != sampleOrder().Account.Addr {
		t.Fatalf("account = %s", o.Account.Addr.Hex())
	}
}

func TestAuthenticate_Failures(t *testing.T) {
	h := blueprint.NewHasher(1, protocolAddr)
	s := mustSigner(t)
	other := mustSigner(t)
	auth := blueprint.NewAuthenticator(h, fixedClock(1_000))

	tests := []struct {
		name   string
		mutate func() domain.SignedBlueprint
		reason string
	}{
		{
			name: "hash mismatch",
			mutate: func() domain.SignedBlueprint {
				sb := signOrder(t, h, s, sampleOrder(), 2_000)
				sb.Blueprint.Expiry = 3_000
				return sb
			},
			reason: domain.ReasonHashMismatch,
		},
		{
			name: "wrong signer",
			mutate: func() domain.SignedBlueprint {
				sb := signOrder(t, h, s, sampleOrder(), 2_000)
				sig, err := other.SignDigest(sb.BlueprintHash)
				if err != nil {
					t.Fatalf("SignDigest: %v", err)
				}
				sb.Signature = sig
				return sb
			},
			reason: domain.ReasonBadSignature,
		},
		{
			name: "truncated signature",
			mutate: func() domain.SignedBlueprint {
				sb := signOrder(t, h, s, sampleOrder(), 2_000)
				sb.Signature = sb.Signature[:64]
				return sb
			},
			reason: domain.ReasonBadSignature,
		},
		{
			name: "expired",
			mutate: func() domain.SignedBlueprint {
				return signOrder(t, h, s, sampleOrder(), 999)
			},
			reason: domain.ReasonExpired,
		},
		{
			name: "expires now",
			mutate: func() domain.SignedBlueprint {
				return signOrder(t, h, s, sampleOrder(), 1_000)
			},
			reason: domain.ReasonExpired,
		},
		{
			name: "agreement presented as order",
			mutate: func() domain.SignedBlueprint {
				return signAgreement(t, h, s, sampleAgreement())
			},
			reason: domain.ReasonKindMismatch,
		},
		{
			name: "signed for another deployment",
			mutate: func() domain.SignedBlueprint {
				return signOrder(t, blueprint.NewHasher(5, protocolAddr), s, sampleOrder(), 2_000)
			},
			reason: domain.ReasonHashMismatch,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := auth.AuthenticateOrder(tc.mutate())
			if !domain.IsKind(err, domain.KindAuthentication) {
				t.Fatalf("err = %v, want authentication failure", err)
			}
			if got := domain.ReasonOf(err); got != tc.reason {
				t.Fatalf("reason = %q, want %q", got, tc.reason)
			}
		})
	}
}

func TestAuthenticateAgreement_RejectsOrder(t *testing.T) {
	h := blueprint.NewHasher(1, protocolAddr)
	s := mustSigner(t)
	auth := blueprint.NewAuthenticator(h, fixedClock(1_000))

	_, err := auth.AuthenticateAgreement(signOrder(t, h, s, sampleOrder(), domain.NoExpiry))
	if domain.ReasonOf(err) != domain.ReasonKindMismatch {
		t.Fatalf("err = %v, want kind mismatch", err)
	}
}

func TestAuthenticateAgreement_NoExpiryNeverExpires(t *testing.T) {
	h := blueprint.NewHasher(1, protocolAddr)
	s := mustSigner(t)
	auth := blueprint.NewAuthenticator(h, blueprint.WithClock(func() time.Time {
		return time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
	}))

	a, err := auth.AuthenticateAgreement(signAgreement(t, h, s, sampleAgreement()))
	if err != nil {
		t.Fatalf("AuthenticateAgreement: %v", err)
	}
	if a.CollateralAmount.Cmp(big.NewInt(225)) != 0 {
		t.Fatalf("collateral = %v", a.CollateralAmount)
	}
}
