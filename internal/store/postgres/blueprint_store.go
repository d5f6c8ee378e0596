package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Modulend/core-v1/internal/domain"
)

// BlueprintStore implements domain.BlueprintStore on the published_blueprints
// table. The table rejects UPDATE and DELETE, so a row is immutable once
// written.
type BlueprintStore struct {
	pool *pgxpool.Pool
}

// NewBlueprintStore creates a new BlueprintStore backed by the given pool.
func NewBlueprintStore(pool *pgxpool.Pool) *BlueprintStore {
	return &BlueprintStore{pool: pool}
}

const blueprintColumns = `hash, kind, publisher, data, expiry::text, signature, published_at`

// Publish inserts p. A second publication of the same hash returns
// domain.ErrAlreadyExists and leaves the first row untouched.
func (s *BlueprintStore) Publish(ctx context.Context, p domain.Published) error {
	publishedAt := time.Now().UTC()
	if p.PublishedAt > 0 {
		publishedAt = time.Unix(p.PublishedAt, 0).UTC()
	}

	const query = `
		INSERT INTO published_blueprints (
			hash, kind, publisher, data, expiry, signature, published_at
		) VALUES (
			$1, $2, $3, $4, $5::text::numeric, $6, $7
		)
		ON CONFLICT (hash) DO NOTHING`

	sb := p.Signed
	tag, err := s.pool.Exec(ctx, query,
		sb.BlueprintHash.Hex(),
		int16(p.Kind),
		sb.Blueprint.Publisher.Hex(),
		[]byte(sb.Blueprint.Data),
		strconv.FormatUint(sb.Blueprint.Expiry, 10),
		[]byte(sb.Signature),
		publishedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: publish blueprint %s: %w", sb.BlueprintHash.Hex(), err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAlreadyExists
	}
	return nil
}

// Get returns the published entry for hash, or domain.ErrNotFound.
func (s *BlueprintStore) Get(ctx context.Context, hash common.Hash) (domain.Published, error) {
	query := `SELECT ` + blueprintColumns + ` FROM published_blueprints WHERE hash = $1`

	p, err := scanPublished(s.pool.QueryRow(ctx, query, hash.Hex()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Published{}, domain.ErrNotFound
		}
		return domain.Published{}, fmt.Errorf("postgres: get blueprint %s: %w", hash.Hex(), err)
	}
	return p, nil
}

// List returns published entries of kind, newest first.
func (s *BlueprintStore) List(ctx context.Context, kind domain.Kind, opts domain.ListOpts) ([]domain.Published, error) {
	query := `SELECT ` + blueprintColumns + ` FROM published_blueprints WHERE kind = $1`
	args := []any{int16(kind)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND published_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND published_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY published_at DESC, hash"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list blueprints: %w", err)
	}
	defer rows.Close()

	var out []domain.Published
	for rows.Next() {
		p, err := scanPublished(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan blueprint: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list blueprints rows: %w", err)
	}
	return out, nil
}

func scanPublished(row pgx.Row) (domain.Published, error) {
	var (
		hashHex, publisherHex, expiryStr string
		kind                             int16
		data, signature                  []byte
		publishedAt                      time.Time
	)
	if err := row.Scan(&hashHex, &kind, &publisherHex, &data, &expiryStr, &signature, &publishedAt); err != nil {
		return domain.Published{}, err
	}
	expiry, err := strconv.ParseUint(expiryStr, 10, 64)
	if err != nil {
		return domain.Published{}, fmt.Errorf("parse expiry %q: %w", expiryStr, err)
	}

	return domain.Published{
		Signed: domain.SignedBlueprint{
			Blueprint: domain.Blueprint{
				Publisher: common.HexToAddress(publisherHex),
				Data:      data,
				Expiry:    expiry,
			},
			BlueprintHash: common.HexToHash(hashHex),
			Signature:     signature,
		},
		Kind:        domain.Kind(kind),
		PublishedAt: publishedAt.Unix(),
	}, nil
}

// Compile-time interface check.
var _ domain.BlueprintStore = (*BlueprintStore)(nil)
