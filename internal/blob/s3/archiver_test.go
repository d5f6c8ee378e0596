package s3blob_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/Modulend/core-v1/internal/blob/s3"
	"github.com/Modulend/core-v1/internal/blueprint"
	"github.com/Modulend/core-v1/internal/crypto"
	"github.com/Modulend/core-v1/internal/domain"
	"github.com/Modulend/core-v1/internal/store/memory"
)

// memBlob is an in-memory bucket.
type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemBlob() *memBlob { return &memBlob{objects: make(map[string][]byte)} }

func (b *memBlob) Put(_ context.Context, path string, data io.Reader, _ string) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = raw
	return nil
}

func (b *memBlob) PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, _ int64) error {
	return b.Put(ctx, path, data, contentType)
}

func (b *memBlob) Get(_ context.Context, path string) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw, ok := b.objects[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (b *memBlob) List(_ context.Context, prefix string) ([]domain.BlobInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.BlobInfo
	for p, raw := range b.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, domain.BlobInfo{Path: p, Size: int64(len(raw))})
		}
	}
	return out, nil
}

func (b *memBlob) Exists(_ context.Context, path string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[path]
	return ok, nil
}

func publish(t *testing.T, log *memory.BlueprintStore, signer *crypto.Signer, h *blueprint.Hasher, loan int64, at time.Time) common.Hash {
	t.Helper()
	data, err := blueprint.EncodeAgreementData(domain.Agreement{
		LoanAsset:        common.HexToAddress("0x10"),
		LoanAmount:       big.NewInt(loan),
		CollateralAmount: big.NewInt(loan * 2),
		PositionAddr:     common.BigToAddress(big.NewInt(loan)),
	})
	if err != nil {
		t.Fatalf("EncodeAgreementData: %v", err)
	}
	sb, err := h.Sign(signer, domain.Blueprint{Publisher: signer.Address(), Data: data, Expiry: domain.NoExpiry})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := log.Publish(context.Background(), domain.Published{Signed: sb, Kind: domain.KindAgreement, PublishedAt: at.Unix()}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	return sb.BlueprintHash
}

func TestArchiveAgreements(t *testing.T) {
	ctx := context.Background()
	signer, _ := crypto.GenerateSigner()
	h := blueprint.NewHasher(1, signer.Address())
	log := memory.NewBlueprintStore()
	audit := memory.NewAuditStore()
	blob := newMemBlob()

	base := time.Unix(1_700_000_000, 0)
	old := publish(t, log, signer, h, 100, base.Add(-time.Hour))
	first := publish(t, log, signer, h, 200, base)
	second := publish(t, log, signer, h, 300, base.Add(time.Minute))

	arch := s3blob.NewArchiver(blob, blob, log, audit, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n, err := arch.ArchiveAgreements(ctx, base)
	if err != nil {
		t.Fatalf("ArchiveAgreements: %v", err)
	}
	if n != 2 {
		t.Fatalf("archived %d, want 2", n)
	}
	for _, hash := range []common.Hash{first, second} {
		if ok, _ := blob.Exists(ctx, s3blob.AgreementPath(hash)); !ok {
			t.Fatalf("%s not archived", hash.Hex())
		}
	}
	if ok, _ := blob.Exists(ctx, s3blob.AgreementPath(old)); ok {
		t.Fatal("agreement before the cutoff was archived")
	}
	manifests, _ := blob.List(ctx, "archive/agreements/")
	if len(manifests) != 1 {
		t.Fatalf("manifests = %d, want 1", len(manifests))
	}
	if got := audit.Events(); len(got) != 1 || got[0] != "archive.agreements" {
		t.Fatalf("audit = %v", got)
	}

	// A second run finds everything archived.
	n, err = arch.ArchiveAgreements(ctx, base)
	if err != nil || n != 0 {
		t.Fatalf("second run archived %d, err %v", n, err)
	}
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	signer, _ := crypto.GenerateSigner()
	h := blueprint.NewHasher(1, signer.Address())
	log := memory.NewBlueprintStore()
	blob := newMemBlob()
	hash := publish(t, log, signer, h, 150, time.Unix(1_700_000_000, 0))

	arch := s3blob.NewArchiver(blob, blob, log, memory.NewAuditStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := arch.ArchiveAgreements(ctx, time.Unix(0, 0)); err != nil {
		t.Fatalf("ArchiveAgreements: %v", err)
	}

	doc, err := arch.Load(ctx, hash)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Agreement.LoanAmount.Int64() != 150 || doc.Published.Signed.BlueprintHash != hash {
		t.Fatalf("doc = %+v", doc)
	}

	if _, err := arch.Load(ctx, common.HexToHash("0x01")); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("missing archive: err = %v", err)
	}

	// An object stored under the wrong hash is rejected.
	raw, _ := blob.Get(ctx, s3blob.AgreementPath(hash))
	body, _ := io.ReadAll(raw)
	other := common.HexToHash("0x02")
	_ = blob.Put(ctx, s3blob.AgreementPath(other), bytes.NewReader(body), "application/json")
	if _, err := arch.Load(ctx, other); err == nil {
		t.Fatal("mismatched archive accepted")
	}
}
