package matching_test

import (
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Modulend/core-v1/internal/domain"
	"github.com/Modulend/core-v1/internal/matching"
)

var (
	lenderAcct   = domain.PluginRef{Addr: common.HexToAddress("0xa1"), Parameters: []byte("lender")}
	borrowerAcct = domain.PluginRef{Addr: common.HexToAddress("0xa1"), Parameters: []byte("borrower")}
	caller       = common.HexToAddress("0xc0ffee")
)

func offer() domain.Order {
	return domain.Order{
		Account:           lenderAcct,
		IsOffer:           true,
		LoanAssets:        []common.Address{common.HexToAddress("0x01"), common.HexToAddress("0x02")},
		MinLoanAmounts:    []*big.Int{big.NewInt(100), big.NewInt(1000)},
		LoanOracles:       []domain.PluginRef{{Addr: common.HexToAddress("0x11")}},
		CollateralAssets:  []common.Address{common.HexToAddress("0x21")},
		CollateralOracles: []domain.PluginRef{{Addr: common.HexToAddress("0x31")}},
		Terminals:         []common.Address{common.HexToAddress("0x41")},
		BorrowerConfig:    domain.BorrowerConfig{InitCollateralRatio: 20000, PositionParameters: []byte("author")},
		MaxDuration:       3600,
		Assessor:          domain.PluginRef{Addr: common.HexToAddress("0x51")},
		Liquidator:        domain.PluginRef{Addr: common.HexToAddress("0x61")},
	}
}

func fill(amount int64) domain.Fill {
	return domain.Fill{
		Account:        borrowerAcct,
		LoanAmount:     big.NewInt(amount),
		BorrowerConfig: domain.BorrowerConfig{InitCollateralRatio: 15000, PositionParameters: []byte("filler")},
	}
}

func TestResolve_OfferScenario(t *testing.T) {
	a, err := matching.Resolve(offer(), fill(150), caller)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if a.CollateralAmount.Cmp(big.NewInt(225)) != 0 {
		t.Errorf("collateral = %v, want 225", a.CollateralAmount)
	}
	if string(a.BorrowerAccount.Parameters) != "borrower" || string(a.LenderAccount.Parameters) != "lender" {
		t.Errorf("roles: lender=%s borrower=%s", a.LenderAccount.Parameters, a.BorrowerAccount.Parameters)
	}
	if string(a.Position.Parameters) != "filler" || a.Position.Addr != common.HexToAddress("0x41") {
		t.Errorf("position = %+v", a.Position)
	}
	if a.MaxDuration != 3600 || a.Assessor.Addr != common.HexToAddress("0x51") || a.Liquidator.Addr != common.HexToAddress("0x61") {
		t.Errorf("invariant terms not copied: %+v", a)
	}
	if a.PositionAddr != (common.Address{}) || a.DeploymentTime != 0 {
		t.Errorf("draft carries deployment metadata: %s %d", a.PositionAddr.Hex(), a.DeploymentTime)
	}
}

func TestResolve_RequestUsesAuthorConfig(t *testing.T) {
	o := offer()
	o.IsOffer = false
	o.Account = borrowerAcct

	f := fill(150)
	f.Account = lenderAcct

	a, err := matching.Resolve(o, f, caller)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if string(a.BorrowerAccount.Parameters) != "borrower" || string(a.LenderAccount.Parameters) != "lender" {
		t.Errorf("roles: lender=%s borrower=%s", a.LenderAccount.Parameters, a.BorrowerAccount.Parameters)
	}
	// 150 * 20000 / 10000
	if a.CollateralAmount.Cmp(big.NewInt(300)) != 0 {
		t.Errorf("collateral = %v, want 300", a.CollateralAmount)
	}
	if string(a.Position.Parameters) != "author" {
		t.Errorf("position parameters = %s", a.Position.Parameters)
	}
}

func TestResolve_MinAmount(t *testing.T) {
	tests := []struct {
		name   string
		idx    int
		amount int64
		ok     bool
	}{
		{"below minimum", 0, 50, false},
		{"exactly minimum", 0, 100, true},
		{"second asset below its minimum", 1, 999, false},
		{"second asset at its minimum", 1, 1000, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := fill(tc.amount)
			f.LoanAssetIdx = tc.idx
			a, err := matching.Resolve(offer(), f, caller)
			if tc.ok {
				if err != nil {
					t.Fatalf("Resolve: %v", err)
				}
				if a.LoanAsset != offer().LoanAssets[tc.idx] {
					t.Fatalf("loan asset = %s", a.LoanAsset.Hex())
				}
				return
			}
			if domain.ReasonOf(err) != domain.ReasonBelowMinAmount || !domain.IsKind(err, domain.KindValidation) {
				t.Fatalf("err = %v, want below_min_amount validation failure", err)
			}
		})
	}
}

func TestResolve_IndexOutOfRange(t *testing.T) {
	tests := []struct {
		name  string
		apply func(*domain.Fill)
	}{
		{"loan asset past end", func(f *domain.Fill) { f.LoanAssetIdx = 2 }},
		{"negative loan asset", func(f *domain.Fill) { f.LoanAssetIdx = -1 }},
		{"loan oracle", func(f *domain.Fill) { f.LoanOracleIdx = 1 }},
		{"collateral asset", func(f *domain.Fill) { f.CollateralAssetIdx = 1 }},
		{"collateral oracle", func(f *domain.Fill) { f.CollateralOracleIdx = 7 }},
		{"terminal", func(f *domain.Fill) { f.TerminalIdx = 1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := fill(150)
			tc.apply(&f)
			_, err := matching.Resolve(offer(), f, caller)
			if domain.ReasonOf(err) != domain.ReasonIndexOutOfRange {
				t.Fatalf("err = %v, want index_out_of_range", err)
			}
		})
	}
}

func TestResolve_Takers(t *testing.T) {
	allowed := common.HexToAddress("0xbeef")
	o := offer()
	o.Takers = []common.Address{common.HexToAddress("0xdead"), allowed}

	f := fill(150)
	f.TakerIdx = 1
	if _, err := matching.Resolve(o, f, allowed); err != nil {
		t.Fatalf("allowed taker rejected: %v", err)
	}

	if _, err := matching.Resolve(o, f, caller); domain.ReasonOf(err) != domain.ReasonUnauthorizedTaker {
		t.Fatalf("err = %v, want unauthorized_taker", err)
	}

	// Pointing at a different slot does not help a stranger.
	f.TakerIdx = 0
	if _, err := matching.Resolve(o, f, allowed); domain.ReasonOf(err) != domain.ReasonUnauthorizedTaker {
		t.Fatalf("err = %v, want unauthorized_taker", err)
	}

	f.TakerIdx = 2
	if _, err := matching.Resolve(o, f, allowed); domain.ReasonOf(err) != domain.ReasonIndexOutOfRange {
		t.Fatalf("err = %v, want index_out_of_range", err)
	}
}

func TestResolve_OpenOrderAcceptsAnyCaller(t *testing.T) {
	for _, who := range []common.Address{caller, common.HexToAddress("0x1234"), {}} {
		if _, err := matching.Resolve(offer(), fill(150), who); err != nil {
			t.Fatalf("caller %s rejected: %v", who.Hex(), err)
		}
	}
}

func TestResolve_RejectsInvalidInput(t *testing.T) {
	bad := offer()
	bad.MinLoanAmounts = bad.MinLoanAmounts[:1]
	if _, err := matching.Resolve(bad, fill(150), caller); domain.ReasonOf(err) != domain.ReasonInvalidOrder {
		t.Fatalf("err = %v, want invalid_order", err)
	}

	for _, amt := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5)} {
		f := fill(0)
		f.LoanAmount = amt
		if _, err := matching.Resolve(offer(), f, caller); domain.ReasonOf(err) != domain.ReasonInvalidFill {
			t.Fatalf("amount %v: err = %v, want invalid_fill", amt, err)
		}
	}
}

func TestResolve_DraftDoesNotAliasInputs(t *testing.T) {
	f := fill(150)
	a, err := matching.Resolve(offer(), f, caller)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	f.LoanAmount.SetInt64(1)
	f.BorrowerConfig.PositionParameters[0] = 'X'
	if a.LoanAmount.Int64() != 150 || string(a.Position.Parameters) != "filler" {
		t.Fatalf("draft changed with fill: %v %s", a.LoanAmount, a.Position.Parameters)
	}
}

func TestCollateralAmount_Truncates(t *testing.T) {
	tests := []struct {
		loan  int64
		ratio uint32
		want  int64
	}{
		{150, 15000, 225},
		{1, 15000, 1},
		{1, 9999, 0},
		{3, 3333, 0},
		{10000, 1, 1},
		{0, 15000, 0},
		{7, 0, 0},
	}
	for _, tc := range tests {
		if got := matching.CollateralAmount(big.NewInt(tc.loan), tc.ratio); got.Int64() != tc.want {
			t.Errorf("CollateralAmount(%d, %d) = %v, want %d", tc.loan, tc.ratio, got, tc.want)
		}
	}
}

func TestCollateralAmount_NeverRoundsUp(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	factor := big.NewInt(domain.RatioFactor)
	for i := 0; i < 2000; i++ {
		loan := new(big.Int).Rand(rng, new(big.Int).Lsh(big.NewInt(1), 200))
		ratio := rng.Uint32()

		got := matching.CollateralAmount(loan, ratio)
		exact := new(big.Int).Mul(loan, new(big.Int).SetUint64(uint64(ratio)))

		// got*F <= loan*ratio < (got+1)*F
		lo := new(big.Int).Mul(got, factor)
		hi := new(big.Int).Mul(new(big.Int).Add(got, big.NewInt(1)), factor)
		if lo.Cmp(exact) > 0 || hi.Cmp(exact) <= 0 {
			t.Fatalf("CollateralAmount(%v, %d) = %v is not the floor", loan, ratio, got)
		}
	}
}
