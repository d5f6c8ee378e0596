package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Modulend/core-v1/internal/blueprint"
	cachemem "github.com/Modulend/core-v1/internal/cache/memory"
	"github.com/Modulend/core-v1/internal/crypto"
	"github.com/Modulend/core-v1/internal/domain"
	"github.com/Modulend/core-v1/internal/ledger"
	"github.com/Modulend/core-v1/internal/server"
	"github.com/Modulend/core-v1/internal/server/handler"
	"github.com/Modulend/core-v1/internal/service"
	storemem "github.com/Modulend/core-v1/internal/store/memory"
)

var (
	accountCap   = common.HexToAddress("0xacc0")
	terminalAddr = common.HexToAddress("0x7e51")
	liquidator   = common.HexToAddress("0x1d0")
	usdc         = common.HexToAddress("0x10")
	weth         = common.HexToAddress("0x20")
)

type liquidatable bool

func (l liquidatable) IsLiquidatable(context.Context, domain.Agreement) (bool, error) {
	return bool(l), nil
}

type assessors struct{ a domain.Assessor }

func (r assessors) Assessor(common.Address) (domain.Assessor, error) { return r.a, nil }

type apiEnv struct {
	srv      *httptest.Server
	hasher   *blueprint.Hasher
	lender   *crypto.Signer
	borrower *crypto.Signer
	keeper   *crypto.Signer
	ledger   *ledger.Ledger
}

func newAPI(t *testing.T) *apiEnv {
	t.Helper()
	protocol, _ := crypto.GenerateSigner()
	lender, _ := crypto.GenerateSigner()
	borrower, _ := crypto.GenerateSigner()
	keeper, _ := crypto.GenerateSigner()

	hasher := blueprint.NewHasher(31337, protocol.Address())
	l := ledger.New(protocol.Address())
	l.OpenAccount([]byte("lender"), lender.Address())
	l.OpenAccount([]byte("borrower"), borrower.Address())
	l.Deposit([]byte("lender"), usdc, big.NewInt(1000))
	l.Deposit([]byte("borrower"), weth, big.NewInt(500))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := service.NewAgreementService(service.AgreementDeps{
		Auth:      blueprint.NewAuthenticator(hasher),
		Signer:    protocol,
		Log:       storemem.NewBlueprintStore(),
		Terminals: l,
		Accounts:  l,
		Assessors: assessors{a: liquidatable(true)},
		Locks:     cachemem.NewLockManager(),
		Bus:       cachemem.NewSignalBus(),
		Audit:     storemem.NewAuditStore(),
		Logger:    logger,
	})

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(protocol.Address(), "test", nil, logger),
		Agreements: handler.NewAgreementHandler(svc, logger),
	}
	router := server.NewRouter(server.Config{}, handlers, nil, cachemem.NewRateLimiter(), logger)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &apiEnv{srv: srv, hasher: hasher, lender: lender, borrower: borrower, keeper: keeper, ledger: l}
}

func (e *apiEnv) signedOrder(t *testing.T) domain.SignedBlueprint {
	t.Helper()
	data, err := blueprint.EncodeOrderData(domain.Order{
		Account:           domain.PluginRef{Addr: accountCap, Parameters: []byte("lender")},
		IsOffer:           true,
		LoanAssets:        []common.Address{usdc},
		MinLoanAmounts:    []*big.Int{big.NewInt(100)},
		LoanOracles:       []domain.PluginRef{{Addr: common.HexToAddress("0x0a")}},
		CollateralAssets:  []common.Address{weth},
		CollateralOracles: []domain.PluginRef{{Addr: common.HexToAddress("0x0b")}},
		Terminals:         []common.Address{terminalAddr},
		MaxDuration:       3600,
		Assessor:          domain.PluginRef{Addr: common.HexToAddress("0xa55e")},
		Liquidator:        domain.PluginRef{Addr: liquidator},
	})
	if err != nil {
		t.Fatalf("EncodeOrderData: %v", err)
	}
	sb, err := e.hasher.Sign(e.lender, domain.Blueprint{
		Publisher: e.lender.Address(),
		Data:      data,
		Expiry:    uint64(time.Now().Add(time.Hour).Unix()),
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return sb
}

// call sends a JSON request, signed by signer when it is non-nil, and
// decodes the response into out.
func (e *apiEnv) call(t *testing.T, signer *crypto.Signer, method, path string, body, out any) int {
	t.Helper()
	var raw []byte
	if body != nil {
		var err error
		if raw, err = json.Marshal(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.srv.URL+path, bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if signer != nil {
		headers, err := signer.RequestHeaders(method, path, string(raw))
		if err != nil {
			t.Fatal(err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

type fillResponse struct {
	AgreementHash common.Hash            `json:"agreementHash"`
	Agreement     domain.Agreement       `json:"agreement"`
	Signed        domain.SignedBlueprint `json:"signed"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

func (e *apiEnv) fill(t *testing.T) fillResponse {
	t.Helper()
	var res fillResponse
	status := e.call(t, e.borrower, http.MethodPost, "/api/v1/orders/fill", map[string]any{
		"order": e.signedOrder(t),
		"fill": domain.Fill{
			Account:        domain.PluginRef{Addr: accountCap, Parameters: []byte("borrower")},
			LoanAmount:     big.NewInt(150),
			BorrowerConfig: domain.BorrowerConfig{InitCollateralRatio: 15000},
		},
	}, &res)
	if status != http.StatusCreated {
		t.Fatalf("fill status = %d", status)
	}
	return res
}

func TestAPI_FillKickLifecycle(t *testing.T) {
	e := newAPI(t)
	res := e.fill(t)

	if res.Agreement.LoanAmount.Int64() != 150 || res.Signed.BlueprintHash != res.AgreementHash {
		t.Fatalf("fill response = %+v", res)
	}
	if got := e.ledger.Balance([]byte("borrower"), usdc).Int64(); got != 150 {
		t.Fatalf("borrower usdc = %d, want 150", got)
	}

	var view struct {
		Hash      common.Hash      `json:"hash"`
		Agreement domain.Agreement `json:"agreement"`
	}
	if status := e.call(t, nil, http.MethodGet, "/api/v1/agreements/"+res.AgreementHash.Hex(), nil, &view); status != http.StatusOK {
		t.Fatalf("get status = %d", status)
	}
	if view.Agreement.PositionAddr != res.Agreement.PositionAddr {
		t.Fatalf("get returned position %s, want %s", view.Agreement.PositionAddr.Hex(), res.Agreement.PositionAddr.Hex())
	}

	var list struct {
		Agreements []domain.Published `json:"agreements"`
	}
	e.call(t, nil, http.MethodGet, "/api/v1/agreements?limit=10", nil, &list)
	if len(list.Agreements) != 1 {
		t.Fatalf("list = %d agreements, want 1", len(list.Agreements))
	}

	// Kick by the full signed blueprint from any caller.
	if status := e.call(t, e.keeper, http.MethodPost, "/api/v1/agreements/kick", map[string]any{"agreement": res.Signed}, nil); status != http.StatusOK {
		t.Fatalf("kick status = %d", status)
	}

	var conflict errorResponse
	status := e.call(t, e.keeper, http.MethodPost, "/api/v1/agreements/kick", map[string]any{"hash": res.AgreementHash}, &conflict)
	if status != http.StatusConflict || conflict.Reason != domain.ReasonCustodyTransferred {
		t.Fatalf("second kick = %d %+v", status, conflict)
	}
}

func TestAPI_Exit(t *testing.T) {
	e := newAPI(t)
	res := e.fill(t)

	var denied errorResponse
	status := e.call(t, e.keeper, http.MethodPost, "/api/v1/agreements/exit", map[string]any{"hash": res.AgreementHash}, &denied)
	if status != http.StatusUnprocessableEntity || denied.Reason != domain.ReasonUnauthorizedCaller {
		t.Fatalf("exit by stranger = %d %+v", status, denied)
	}

	var out struct {
		Status string `json:"status"`
		Unpaid string `json:"unpaid"`
	}
	status = e.call(t, e.borrower, http.MethodPost, "/api/v1/agreements/exit", map[string]any{"hash": res.AgreementHash}, &out)
	if status != http.StatusOK || out.Status != "exited" || out.Unpaid != "0" {
		t.Fatalf("exit = %d %+v", status, out)
	}
}

func TestAPI_Rejections(t *testing.T) {
	e := newAPI(t)
	order := e.signedOrder(t)

	tests := []struct {
		name   string
		signer *crypto.Signer
		path   string
		body   any
		status int
		reason string
	}{
		{
			name:   "unsigned fill",
			path:   "/api/v1/orders/fill",
			body:   map[string]any{"order": order},
			status: http.StatusUnauthorized,
		},
		{
			name:   "missing loan amount",
			signer: e.borrower,
			path:   "/api/v1/orders/fill",
			body:   map[string]any{"order": order, "fill": map[string]any{}},
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown field",
			signer: e.borrower,
			path:   "/api/v1/agreements/kick",
			body:   map[string]any{"hash": common.Hash{}, "extra": 1},
			status: http.StatusBadRequest,
		},
		{
			name:   "both agreement and hash",
			signer: e.keeper,
			path:   "/api/v1/agreements/kick",
			body:   map[string]any{"hash": common.Hash{}, "agreement": order},
			status: http.StatusBadRequest,
		},
		{
			name:   "kick with an order",
			signer: e.keeper,
			path:   "/api/v1/agreements/kick",
			body:   map[string]any{"agreement": order},
			status: http.StatusUnauthorized,
			reason: domain.ReasonKindMismatch,
		},
		{
			name:   "kick unknown hash",
			signer: e.keeper,
			path:   "/api/v1/agreements/kick",
			body:   map[string]any{"hash": common.HexToHash("0x01")},
			status: http.StatusUnauthorized,
			reason: domain.ReasonNotPublished,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out errorResponse
			status := e.call(t, tt.signer, http.MethodPost, tt.path, tt.body, &out)
			if status != tt.status {
				t.Fatalf("status = %d, want %d (%+v)", status, tt.status, out)
			}
			if tt.reason != "" && out.Reason != tt.reason {
				t.Fatalf("reason = %q, want %q", out.Reason, tt.reason)
			}
		})
	}
}

func TestAPI_GetAgreement(t *testing.T) {
	e := newAPI(t)

	if status := e.call(t, nil, http.MethodGet, "/api/v1/agreements/not-a-hash", nil, nil); status != http.StatusBadRequest {
		t.Fatalf("bad hash status = %d", status)
	}
	if status := e.call(t, nil, http.MethodGet, "/api/v1/agreements/"+common.HexToHash("0x01").Hex(), nil, nil); status != http.StatusNotFound {
		t.Fatalf("unknown hash status = %d", status)
	}
	if status := e.call(t, nil, http.MethodGet, "/api/v1/agreements?since=yesterday", nil, nil); status != http.StatusBadRequest {
		t.Fatalf("bad since status = %d", status)
	}
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	e := newAPI(t)

	var health struct {
		Status string `json:"status"`
		Mode   string `json:"mode"`
	}
	if status := e.call(t, nil, http.MethodGet, "/api/health", nil, &health); status != http.StatusOK || health.Status != "ok" {
		t.Fatalf("health = %d %+v", status, health)
	}

	resp, err := http.Get(e.srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}
