package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Modulend/core-v1/internal/blueprint"
	"github.com/Modulend/core-v1/internal/domain"
	"github.com/Modulend/core-v1/internal/metrics"
)

const defaultBatchSize = 500

// ArchiveWriter is the upload surface the archiver needs: single objects
// for each Agreement, multipart for the batch manifest.
type ArchiveWriter interface {
	domain.BlobWriter
	PutMultipart(ctx context.Context, path string, data io.Reader, contentType string, partSize int64) error
}

// ArchivedAgreement is the document stored for each published Agreement.
// Published is the exact log entry; Agreement is its decoded payload for
// readers that do not speak the blueprint codec.
type ArchivedAgreement struct {
	Hash       common.Hash      `json:"hash"`
	Published  domain.Published `json:"published"`
	Agreement  domain.Agreement `json:"agreement"`
	ArchivedAt time.Time        `json:"archivedAt"`
}

type manifestLine struct {
	Hash        common.Hash `json:"hash"`
	Path        string      `json:"path"`
	PublishedAt int64       `json:"publishedAt"`
}

// Archiver implements domain.Archiver. It copies published Agreements into
// object storage, one JSON document per hash, and skips hashes that are
// already archived so repeated runs are cheap.
type Archiver struct {
	writer    ArchiveWriter
	reader    domain.BlobReader
	log       domain.BlueprintStore
	audit     domain.AuditStore
	logger    *slog.Logger
	batchSize int
	now       func() time.Time
}

// NewArchiver creates an Archiver reading from the publication log.
func NewArchiver(
	writer ArchiveWriter,
	reader domain.BlobReader,
	log domain.BlueprintStore,
	audit domain.AuditStore,
	logger *slog.Logger,
) *Archiver {
	return &Archiver{
		writer:    writer,
		reader:    reader,
		log:       log,
		audit:     audit,
		logger:    logger.With(slog.String("component", "archiver")),
		batchSize: defaultBatchSize,
		now:       time.Now,
	}
}

// AgreementPath is the object path of an archived Agreement.
//
//	agreements/0x<hash>.json
func AgreementPath(hash common.Hash) string {
	return "agreements/" + hash.Hex() + ".json"
}

// ArchiveAgreements archives every Agreement published at or after since and
// returns how many new objects were written. A manifest of the batch is
// uploaded under archive/agreements/ and the run is recorded in the audit
// log.
func (a *Archiver) ArchiveAgreements(ctx context.Context, since time.Time) (int64, error) {
	var (
		manifest []manifestLine
		offset   int
	)
	for {
		page, err := a.log.List(ctx, domain.KindAgreement, domain.ListOpts{
			Limit:  a.batchSize,
			Offset: offset,
			Since:  &since,
		})
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive agreements query: %w", err)
		}

		for _, p := range page {
			line, written, err := a.archiveOne(ctx, p)
			if err != nil {
				return int64(len(manifest)), err
			}
			if written {
				manifest = append(manifest, line)
			}
		}

		if len(page) < a.batchSize {
			break
		}
		offset += len(page)
	}

	count := int64(len(manifest))
	if count == 0 {
		return 0, nil
	}
	metrics.ArchivedAgreements.Add(float64(count))

	buf, err := marshalJSONL(manifest)
	if err != nil {
		return count, fmt.Errorf("s3blob: archive manifest marshal: %w", err)
	}
	path := manifestPath(since, a.now())
	if err := a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), "application/x-ndjson", 0); err != nil {
		return count, fmt.Errorf("s3blob: archive manifest upload: %w", err)
	}

	if err := a.audit.Log(ctx, "archive.agreements", map[string]any{
		"manifest": path,
		"count":    count,
		"since":    since.UTC().Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive agreements audit log: %w", err)
	}

	a.logger.InfoContext(ctx, "agreements archived",
		slog.Int64("count", count),
		slog.String("manifest", path),
	)
	return count, nil
}

func (a *Archiver) archiveOne(ctx context.Context, p domain.Published) (manifestLine, bool, error) {
	hash := p.Signed.BlueprintHash
	path := AgreementPath(hash)

	exists, err := a.reader.Exists(ctx, path)
	if err != nil {
		return manifestLine{}, false, fmt.Errorf("s3blob: archive check %s: %w", path, err)
	}
	if exists {
		return manifestLine{}, false, nil
	}

	ag, err := decodeAgreement(p)
	if err != nil {
		return manifestLine{}, false, fmt.Errorf("s3blob: archive decode %s: %w", hash.Hex(), err)
	}
	doc, err := json.MarshalIndent(ArchivedAgreement{
		Hash:       hash,
		Published:  p,
		Agreement:  ag,
		ArchivedAt: a.now().UTC(),
	}, "", "  ")
	if err != nil {
		return manifestLine{}, false, fmt.Errorf("s3blob: archive marshal %s: %w", hash.Hex(), err)
	}
	if err := a.writer.Put(ctx, path, bytes.NewReader(doc), "application/json"); err != nil {
		return manifestLine{}, false, fmt.Errorf("s3blob: archive upload: %w", err)
	}
	return manifestLine{Hash: hash, Path: path, PublishedAt: p.PublishedAt}, true, nil
}

// Load reads an archived Agreement back. The stored log entry must still
// decode to the stored Agreement under its hash.
func (a *Archiver) Load(ctx context.Context, hash common.Hash) (ArchivedAgreement, error) {
	rc, err := a.reader.Get(ctx, AgreementPath(hash))
	if err != nil {
		return ArchivedAgreement{}, err
	}
	defer rc.Close()

	var doc ArchivedAgreement
	if err := json.NewDecoder(rc).Decode(&doc); err != nil {
		return ArchivedAgreement{}, fmt.Errorf("s3blob: decode archived %s: %w", hash.Hex(), err)
	}
	if doc.Hash != hash || doc.Published.Signed.BlueprintHash != hash {
		return ArchivedAgreement{}, fmt.Errorf("s3blob: archived %s holds %s", hash.Hex(), doc.Published.Signed.BlueprintHash.Hex())
	}
	if _, err := decodeAgreement(doc.Published); err != nil {
		return ArchivedAgreement{}, fmt.Errorf("s3blob: archived %s: %w", hash.Hex(), err)
	}
	return doc, nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

func decodeAgreement(p domain.Published) (domain.Agreement, error) {
	kind, payload, err := blueprint.DecodeData(p.Signed.Blueprint.Data)
	if err != nil {
		return domain.Agreement{}, err
	}
	if kind != domain.KindAgreement {
		return domain.Agreement{}, fmt.Errorf("%w: kind %s", blueprint.ErrMalformed, kind)
	}
	return blueprint.DecodeAgreement(payload)
}

// manifestPath builds the key of a batch manifest, partitioned by the day of
// the cutoff.
//
//	archive/agreements/2025-01-31/1738281600.jsonl
func manifestPath(since, now time.Time) string {
	return fmt.Sprintf("archive/agreements/%s/%d.jsonl", since.UTC().Format("2006-01-02"), now.Unix())
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*Archiver)(nil)
