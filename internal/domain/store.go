package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// BlueprintStore is the append-only publication log. Entries are keyed by
// blueprint hash and are never updated or deleted.
type BlueprintStore interface {
	// Publish appends p. It returns ErrAlreadyExists if the hash is present.
	Publish(ctx context.Context, p Published) error
	// Get returns the entry for hash or ErrNotFound.
	Get(ctx context.Context, hash common.Hash) (Published, error)
	// List returns entries of the given kind, newest first.
	List(ctx context.Context, kind Kind, opts ListOpts) ([]Published, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
