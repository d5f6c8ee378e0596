// Package custody is the REST client for a remote custody service that hosts
// the Terminal and Account capabilities. Every request is signed with the
// protocol key.
package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Modulend/core-v1/internal/crypto"
	"github.com/Modulend/core-v1/internal/domain"
)

// Client talks to the custody service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
}

// NewClient creates a custody client.
//
// baseURL is the service root, e.g. "https://custody.internal:8443".
// signer authenticates requests; nil sends them unsigned.
func NewClient(baseURL string, signer *crypto.Signer, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		signer:     signer,
	}
}

// Terminal implements domain.TerminalRegistry.
func (c *Client) Terminal(addr common.Address) (domain.Terminal, error) {
	return &Terminal{c: c, addr: addr}, nil
}

// Account implements domain.AccountRegistry.
func (c *Client) Account(addr common.Address) (domain.Account, error) {
	return &Account{c: c, addr: addr}, nil
}

// --------------------------------------------------------------------------
// Terminal
// --------------------------------------------------------------------------

// Terminal is one terminal instance hosted by the custody service.
type Terminal struct {
	c    *Client
	addr common.Address
}

type refJSON struct {
	Addr       common.Address `json:"addr"`
	Parameters hexutil.Bytes  `json:"parameters"`
}

func toRef(r domain.PluginRef) refJSON {
	return refJSON{Addr: r.Addr, Parameters: r.Parameters}
}

type createPositionRequest struct {
	LoanAsset        common.Address `json:"loanAsset"`
	LoanAmount       *hexutil.Big   `json:"loanAmount"`
	Parameters       hexutil.Bytes  `json:"parameters"`
	LenderAccount    refJSON        `json:"lenderAccount"`
	BorrowerAccount  refJSON        `json:"borrowerAccount"`
	CollateralAsset  common.Address `json:"collateralAsset"`
	CollateralAmount *hexutil.Big   `json:"collateralAmount"`
}

// CreatePosition opens a position and returns its handle.
func (t *Terminal) CreatePosition(ctx context.Context, req domain.PositionRequest) (common.Address, error) {
	body := createPositionRequest{
		LoanAsset:        req.LoanAsset,
		LoanAmount:       bigOf(req.LoanAmount),
		Parameters:       req.Parameters,
		LenderAccount:    toRef(req.LenderAccount),
		BorrowerAccount:  toRef(req.BorrowerAccount),
		CollateralAsset:  req.CollateralAsset,
		CollateralAmount: bigOf(req.CollateralAmount),
	}
	var out struct {
		Position common.Address `json:"position"`
	}
	if err := t.c.do(ctx, http.MethodPost, t.path("positions"), body, &out); err != nil {
		return common.Address{}, fmt.Errorf("custody: create position: %w", err)
	}
	if out.Position == (common.Address{}) {
		return common.Address{}, fmt.Errorf("custody: create position: empty position handle")
	}
	return out.Position, nil
}

// AbortPosition implements domain.PositionAborter.
func (t *Terminal) AbortPosition(ctx context.Context, position common.Address) error {
	if err := t.c.do(ctx, http.MethodPost, t.path("positions", position.Hex(), "abort"), nil, nil); err != nil {
		return fmt.Errorf("custody: abort position %s: %w", position.Hex(), err)
	}
	return nil
}

// HasControllingRole reports whether the protocol still controls position.
func (t *Terminal) HasControllingRole(ctx context.Context, position common.Address) (bool, error) {
	var out struct {
		Controlled bool `json:"controlled"`
	}
	if err := t.c.do(ctx, http.MethodGet, t.path("positions", position.Hex(), "custody"), nil, &out); err != nil {
		return false, fmt.Errorf("custody: check custody of %s: %w", position.Hex(), err)
	}
	return out.Controlled, nil
}

// TransferCustody hands position to newOwner. The service answers 409 when
// the protocol no longer controls it.
func (t *Terminal) TransferCustody(ctx context.Context, position, newOwner common.Address) error {
	body := map[string]any{"newOwner": newOwner}
	if err := t.c.do(ctx, http.MethodPost, t.path("positions", position.Hex(), "custody"), body, nil); err != nil {
		return fmt.Errorf("custody: transfer %s to %s: %w", position.Hex(), newOwner.Hex(), err)
	}
	return nil
}

type exitRequest struct {
	Unpaid  *hexutil.Big   `json:"unpaid"`
	Payer   common.Address `json:"payer"`
	Account refJSON        `json:"account"`
	Asset   common.Address `json:"asset"`
	Value   *hexutil.Big   `json:"value"`
}

// Exit quotes the shortfall and commits the exit with the settlement
// attached. The custody service pulls the shortfall from the payer and exits
// the position in one step, or does neither: it answers 409 when custody was
// lost and 402 when the payment could not be made.
func (t *Terminal) Exit(ctx context.Context, position common.Address, _ domain.Agreement, settlement domain.ExitSettlement) (*big.Int, error) {
	var quote struct {
		Unpaid *hexutil.Big `json:"unpaid"`
	}
	if err := t.c.do(ctx, http.MethodGet, t.path("positions", position.Hex(), "exit"), nil, &quote); err != nil {
		return nil, fmt.Errorf("custody: quote exit of %s: %w", position.Hex(), err)
	}
	unpaid := new(big.Int)
	if quote.Unpaid != nil {
		unpaid = quote.Unpaid.ToInt()
	}

	body := exitRequest{
		Unpaid:  (*hexutil.Big)(unpaid),
		Payer:   settlement.Payer,
		Account: toRef(settlement.Account),
		Asset:   settlement.Asset,
		Value:   (*hexutil.Big)(settlement.Value(unpaid)),
	}
	if err := t.c.do(ctx, http.MethodPost, t.path("positions", position.Hex(), "exit"), body, nil); err != nil {
		return nil, fmt.Errorf("custody: exit %s: %w", position.Hex(), err)
	}
	return unpaid, nil
}

func (t *Terminal) path(parts ...string) string {
	return "/v1/terminals/" + t.addr.Hex() + "/" + strings.Join(parts, "/")
}

// --------------------------------------------------------------------------
// Account
// --------------------------------------------------------------------------

// Account is one account capability instance hosted by the custody service.
type Account struct {
	c    *Client
	addr common.Address
}

// GetOwner resolves the owner of the account identified by params.
func (a *Account) GetOwner(ctx context.Context, params []byte) (common.Address, error) {
	var out struct {
		Owner common.Address `json:"owner"`
	}
	path := "/v1/accounts/" + a.addr.Hex() + "/owner?params=" + url.QueryEscape(hexutil.Encode(params))
	if err := a.c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return common.Address{}, fmt.Errorf("custody: owner of account: %w", err)
	}
	return out.Owner, nil
}

type addAssetRequest struct {
	Payer      common.Address `json:"payer"`
	Asset      common.Address `json:"asset"`
	Amount     *hexutil.Big   `json:"amount"`
	Parameters hexutil.Bytes  `json:"parameters"`
	Value      *hexutil.Big   `json:"value"`
}

// AddAsset moves amount of asset from payer into the account.
func (a *Account) AddAsset(ctx context.Context, payer, asset common.Address, amount *big.Int, params []byte, value *big.Int) error {
	body := addAssetRequest{
		Payer:      payer,
		Asset:      asset,
		Amount:     bigOf(amount),
		Parameters: params,
		Value:      bigOf(value),
	}
	if err := a.c.do(ctx, http.MethodPost, "/v1/accounts/"+a.addr.Hex()+"/assets", body, nil); err != nil {
		return fmt.Errorf("custody: add asset: %w", err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// do sends a signed JSON request and decodes the response into out when out
// is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var (
		bodyReader io.Reader
		bodyStr    string
	)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(raw)
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.signer != nil {
		headers, err := c.signer.RequestHeaders(method, req.URL.Path, bodyStr)
		if err != nil {
			return fmt.Errorf("sign request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := strings.TrimSpace(string(body))
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrCustodyLost, bodyStr)
	case http.StatusPaymentRequired:
		return fmt.Errorf("%w: %s", domain.ErrSettlementFailed, bodyStr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

func bigOf(v *big.Int) *hexutil.Big {
	if v == nil {
		return (*hexutil.Big)(new(big.Int))
	}
	return (*hexutil.Big)(v)
}

// Compile-time interface checks.
var (
	_ domain.TerminalRegistry = (*Client)(nil)
	_ domain.AccountRegistry  = (*Client)(nil)
	_ domain.Terminal         = (*Terminal)(nil)
	_ domain.PositionAborter  = (*Terminal)(nil)
	_ domain.Account          = (*Account)(nil)
)
