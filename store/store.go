// Package store defines the persistence boundary of the engine. Services
// never hold entity state themselves; every read and write goes through a
// Tx obtained from a Store, so the caller owns the storage lifecycle and
// tests can swap in the in-memory implementation.
package store

import (
	"context"

	"f0oster/viewsync/model"

	"github.com/google/uuid"
)

// Store runs units of work. InTx commits when fn returns nil and rolls
// back otherwise.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is one unit of work. Lock* methods return the row and hold it until
// the transaction ends, serializing concurrent writers of that row.
//
// Lookups of missing rows return a model.KindNotFound error.
type Tx interface {
	InsertTemplate(ctx context.Context, t *model.Template) error
	GetTemplate(ctx context.Context, id uuid.UUID) (*model.Template, error)
	LockTemplate(ctx context.Context, id uuid.UUID) (*model.Template, error)
	UpdateTemplate(ctx context.Context, t *model.Template) error

	// MaxVersionNumber returns 0 for a template without versions.
	MaxVersionNumber(ctx context.Context, templateID uuid.UUID) (int, error)
	// InsertVersion fails with model.KindConcurrentModification when the
	// (template, number) pair is already taken.
	InsertVersion(ctx context.Context, v *model.Version) error
	GetVersion(ctx context.Context, id uuid.UUID) (*model.Version, error)
	ListVersions(ctx context.Context, templateID uuid.UUID) ([]*model.Version, error)

	InsertInstance(ctx context.Context, i *model.Instance) error
	GetInstance(ctx context.Context, id uuid.UUID) (*model.Instance, error)
	LockInstance(ctx context.Context, id uuid.UUID) (*model.Instance, error)
	// UpdateInstance writes i if the stored revision still equals
	// i.Revision, then increments i.Revision. A stale revision fails with
	// model.KindConcurrentModification.
	UpdateInstance(ctx context.Context, i *model.Instance) error
	ListInstances(ctx context.Context, f model.InstanceFilter) ([]*model.Instance, error)

	InsertRollout(ctx context.Context, r *model.Rollout) error
	GetRollout(ctx context.Context, id uuid.UUID) (*model.Rollout, error)
	LockRollout(ctx context.Context, id uuid.UUID) (*model.Rollout, error)
	UpdateRollout(ctx context.Context, r *model.Rollout) error

	InsertReceipt(ctx context.Context, r *model.Receipt) error
	GetReceipt(ctx context.Context, id uuid.UUID) (*model.Receipt, error)
	LockReceipt(ctx context.Context, id uuid.UUID) (*model.Receipt, error)
	UpdateReceipt(ctx context.Context, r *model.Receipt) error
	ListReceipts(ctx context.Context, f model.ReceiptFilter) ([]*model.Receipt, error)

	InsertResolution(ctx context.Context, r *model.ConflictResolution) error
	GetResolution(ctx context.Context, receiptID uuid.UUID) (*model.ConflictResolution, error)

	AppendAudit(ctx context.Context, e *model.AuditEntry) error
	ListAudit(ctx context.Context, f model.AuditFilter) ([]*model.AuditEntry, error)
}

// DefaultAttempts bounds Run when the caller passes a non-positive count.
const DefaultAttempts = 5

// Run executes fn in a transaction and repeats it while it fails with
// model.KindConcurrentModification, up to attempts times. Each attempt
// re-reads current state, so the loser of a race works against the
// winner's result.
func Run(ctx context.Context, s Store, attempts int, fn func(tx Tx) error) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = s.InTx(ctx, fn); err == nil || !model.Retryable(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}
