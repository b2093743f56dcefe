// Package conflict settles receipts left in conflict by a safe rollout.
package conflict

import (
	"context"
	"fmt"

	"f0oster/viewsync/audit"
	"f0oster/viewsync/clock"
	"f0oster/viewsync/metrics"
	"f0oster/viewsync/model"
	"f0oster/viewsync/registry"
	"f0oster/viewsync/store"
	"f0oster/viewsync/versioning"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Resolver struct {
	store    store.Store
	registry *registry.Service
	audit    *audit.Log
	clock    clock.Clock
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	retries  int
}

func NewResolver(
	st store.Store,
	reg *registry.Service,
	auditLog *audit.Log,
	clk clock.Clock,
	logger zerolog.Logger,
	m *metrics.Metrics,
	retries int,
) *Resolver {
	return &Resolver{
		store:    st,
		registry: reg,
		audit:    auditLog,
		clock:    clk,
		logger:   logger,
		metrics:  m,
		retries:  retries,
	}
}

// ResolveConflict applies resolution to a receipt in conflict:
//
//	keep_local  instance untouched, receipt rejected
//	apply_new   force path on the instance, receipt applied
//	fork        instance becomes independent as-is and a managed sibling
//	            is created on the target version; receipt applied to it
func (r *Resolver) ResolveConflict(
	ctx context.Context,
	receiptID uuid.UUID,
	resolution model.Resolution,
	actor model.Actor,
) (*model.Receipt, error) {
	const op = "ResolveConflict"
	if !resolution.Valid() {
		return nil, model.Validation(op, "unknown resolution %q", resolution)
	}

	var (
		receipt *model.Receipt
		mode    model.RolloutMode
	)
	err := store.Run(ctx, r.store, r.retries, func(tx store.Tx) error {
		var err error
		receipt, err = tx.LockReceipt(ctx, receiptID)
		if err != nil {
			return err
		}
		inst, err := tx.LockInstance(ctx, receipt.InstanceID)
		if err != nil {
			return err
		}
		if !actor.CanManage(inst.OrgID, inst.OwnerID) {
			return model.PermissionDenied(op, "actor %s may not resolve conflicts on instance %s", actor.ID, inst.ID)
		}
		if receipt.Status != model.ReceiptConflict {
			return model.InvalidState(op, "receipt %s is %s, not %s", receipt.ID, receipt.Status, model.ReceiptConflict)
		}
		rollout, err := tx.GetRollout(ctx, receipt.RolloutID)
		if err != nil {
			return err
		}
		mode = rollout.Mode

		now := r.clock.Now()
		var newInstanceID *uuid.UUID
		switch resolution {
		case model.ResolutionKeepLocal:
			receipt.Status = model.ReceiptRejected
			receipt.RejectedAt = &now

		case model.ResolutionApplyNew:
			_, version, err := versioning.TargetVersion(ctx, tx, rollout.TemplateID, rollout.ToVersionID)
			if err != nil {
				return err
			}
			if err := r.registry.Apply(ctx, tx, inst, version); err != nil {
				return err
			}
			receipt.Status = model.ReceiptApplied
			receipt.AppliedAt = &now
			receipt.AppliedInstanceID = model.Ref(inst.ID)

		case model.ResolutionFork:
			_, version, err := versioning.TargetVersion(ctx, tx, rollout.TemplateID, rollout.ToVersionID)
			if err != nil {
				return err
			}
			if inst.Managed() {
				if err := r.registry.Fork(ctx, tx, inst, actor.ID, receipt.ID); err != nil {
					return err
				}
			}
			spawned, err := r.registry.Spawn(ctx, tx, inst, version, actor.ID)
			if err != nil {
				return err
			}
			newInstanceID = model.Ref(spawned.ID)
			receipt.Status = model.ReceiptApplied
			receipt.AppliedAt = &now
			receipt.AppliedInstanceID = newInstanceID
		}

		receipt.UpdatedAt = now
		if err := tx.UpdateReceipt(ctx, receipt); err != nil {
			return err
		}
		err = tx.InsertResolution(ctx, &model.ConflictResolution{
			ReceiptID:     receipt.ID,
			Resolution:    resolution,
			ResolvedBy:    actor.ID,
			ResolvedAt:    now,
			NewInstanceID: newInstanceID,
		})
		if err != nil {
			return err
		}
		details := model.AuditDetails{
			RolloutID:  receipt.RolloutID,
			InstanceID: receipt.InstanceID,
			VersionID:  rollout.ToVersionID,
			Resolution: resolution,
			Status:     string(receipt.Status),
		}
		if newInstanceID != nil {
			details.NewInstanceID = *newInstanceID
		}
		return r.audit.Append(ctx, tx, model.AuditConflictResolved, receipt.ID, actor.ID, details)
	})
	if err != nil {
		return nil, fmt.Errorf("resolve conflict on receipt %s: %w", receiptID, err)
	}

	r.metrics.ConflictResolved(string(resolution))
	r.metrics.Receipt(string(mode), string(receipt.Status))
	r.logger.Info().
		Stringer("receipt_id", receipt.ID).
		Stringer("instance_id", receipt.InstanceID).
		Str("resolution", string(resolution)).
		Msg("conflict resolved")
	return receipt, nil
}
