package handler

import (
	"context"
	"log/slog"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Modulend/core-v1/internal/domain"
	"github.com/Modulend/core-v1/internal/server/middleware"
	"github.com/Modulend/core-v1/internal/service"
)

// AgreementService is the brokering surface the HTTP API exposes.
type AgreementService interface {
	FillOrder(ctx context.Context, caller common.Address, sb domain.SignedBlueprint, fill domain.Fill) (service.FillResult, error)
	Kick(ctx context.Context, caller common.Address, sb domain.SignedBlueprint) error
	KickByHash(ctx context.Context, caller common.Address, hash common.Hash) error
	Exit(ctx context.Context, caller common.Address, sb domain.SignedBlueprint) (*big.Int, error)
	ExitByHash(ctx context.Context, caller common.Address, hash common.Hash) (*big.Int, error)
	Agreement(ctx context.Context, hash common.Hash) (domain.Agreement, domain.Published, error)
	ListAgreements(ctx context.Context, opts domain.ListOpts) ([]domain.Published, error)
}

// AgreementHandler serves the fill, kick and exit operations and the
// Agreement queries.
type AgreementHandler struct {
	svc    AgreementService
	logger *slog.Logger
}

// NewAgreementHandler creates an AgreementHandler.
func NewAgreementHandler(svc AgreementService, logger *slog.Logger) *AgreementHandler {
	return &AgreementHandler{svc: svc, logger: logHandler(logger, "agreements")}
}

// fillRequest is the body of POST /api/v1/orders/fill.
type fillRequest struct {
	Order domain.SignedBlueprint `json:"order"`
	Fill  domain.Fill            `json:"fill"`
}

// agreementRef names an Agreement either by its full signed blueprint or by
// the hash it was published under.
type agreementRef struct {
	Agreement *domain.SignedBlueprint `json:"agreement,omitempty"`
	Hash      *common.Hash            `json:"hash,omitempty"`
}

func (ref agreementRef) hash() common.Hash {
	if ref.Agreement != nil {
		return ref.Agreement.BlueprintHash
	}
	return *ref.Hash
}

type agreementView struct {
	Hash        common.Hash            `json:"hash"`
	Agreement   domain.Agreement       `json:"agreement"`
	Signed      domain.SignedBlueprint `json:"signed"`
	PublishedAt int64                  `json:"publishedAt"`
}

// FillOrder redeems a signed Order.
// POST /api/v1/orders/fill
func (h *AgreementHandler) FillOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	var req fillRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Fill.LoanAmount == nil {
		writeError(w, http.StatusBadRequest, "fill.loanAmount is required")
		return
	}

	res, err := h.svc.FillOrder(r.Context(), caller, req.Order, req.Fill)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// Kick hands a liquidatable position to its liquidator.
// POST /api/v1/agreements/kick
func (h *AgreementHandler) Kick(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	ref, ok := h.decodeRef(w, r)
	if !ok {
		return
	}

	var err error
	if ref.Agreement != nil {
		err = h.svc.Kick(r.Context(), caller, *ref.Agreement)
	} else {
		err = h.svc.KickByHash(r.Context(), caller, *ref.Hash)
	}
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "kicked",
		"agreementHash": ref.hash(),
	})
}

// Exit unwinds a position on behalf of its borrower.
// POST /api/v1/agreements/exit
func (h *AgreementHandler) Exit(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	ref, ok := h.decodeRef(w, r)
	if !ok {
		return
	}

	var (
		unpaid *big.Int
		err    error
	)
	if ref.Agreement != nil {
		unpaid, err = h.svc.Exit(r.Context(), caller, *ref.Agreement)
	} else {
		unpaid, err = h.svc.ExitByHash(r.Context(), caller, *ref.Hash)
	}
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	if unpaid == nil {
		unpaid = new(big.Int)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "exited",
		"agreementHash": ref.hash(),
		"unpaid":        unpaid.String(),
	})
}

// GetAgreement returns one published Agreement.
// GET /api/v1/agreements/{hash}
func (h *AgreementHandler) GetAgreement(w http.ResponseWriter, r *http.Request) {
	raw := pathParam(r, "hash")
	var hash common.Hash
	if err := hash.UnmarshalText([]byte(raw)); err != nil {
		writeError(w, http.StatusBadRequest, "invalid agreement hash")
		return
	}

	ag, p, err := h.svc.Agreement(r.Context(), hash)
	if err != nil {
		if domain.ReasonOf(err) == domain.ReasonNotPublished {
			writeError(w, http.StatusNotFound, "agreement not found")
			return
		}
		writeDomainError(w, h.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agreementView{
		Hash:        hash,
		Agreement:   ag,
		Signed:      p.Signed,
		PublishedAt: p.PublishedAt,
	})
}

// ListAgreements returns published Agreements, newest first.
// GET /api/v1/agreements?limit=&offset=&since=
func (h *AgreementHandler) ListAgreements(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.svc.ListAgreements(r.Context(), opts)
	if err != nil {
		writeDomainError(w, h.logger, r, err)
		return
	}
	if out == nil {
		out = []domain.Published{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"agreements": out,
		"limit":      opts.Limit,
		"offset":     opts.Offset,
	})
}

func (h *AgreementHandler) caller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	caller, ok := middleware.CallerFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated request")
		return common.Address{}, false
	}
	return caller, true
}

func (h *AgreementHandler) decodeRef(w http.ResponseWriter, r *http.Request) (agreementRef, bool) {
	var ref agreementRef
	if err := decodeJSON(r, &ref); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return agreementRef{}, false
	}
	if (ref.Agreement == nil) == (ref.Hash == nil) {
		writeError(w, http.StatusBadRequest, "exactly one of agreement or hash is required")
		return agreementRef{}, false
	}
	return ref, true
}
