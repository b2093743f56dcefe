package rollout

import (
	"context"

	"f0oster/viewsync/model"
	"f0oster/viewsync/store"
	"f0oster/viewsync/versioning"

	"github.com/google/uuid"
)

// process applies r to the instance behind one pending receipt. The receipt
// and instance rows stay locked for the whole decision, so the outcome
// reflects the instance state it is written against.
func (o *Orchestrator) process(ctx context.Context, r *model.Rollout, receiptID uuid.UUID) {
	var (
		outcome    model.ReceiptStatus
		instanceID uuid.UUID
	)
	err := store.Run(ctx, o.store, o.cfg.Retries, func(tx store.Tx) error {
		outcome = ""
		rc, err := tx.LockReceipt(ctx, receiptID)
		if err != nil {
			return err
		}
		instanceID = rc.InstanceID
		if rc.Status != model.ReceiptPending {
			return nil
		}
		_, version, err := versioning.TargetVersion(ctx, tx, r.TemplateID, r.ToVersionID)
		if err != nil {
			return err
		}
		inst, err := tx.LockInstance(ctx, rc.InstanceID)
		if err != nil {
			return err
		}

		now := o.clock.Now()
		details := model.AuditDetails{
			RolloutID:     r.ID,
			InstanceID:    inst.ID,
			VersionID:     version.ID,
			VersionNumber: version.VersionNumber,
			Mode:          r.Mode,
		}
		var action model.AuditAction
		switch {
		case !inst.Tracks(r.TemplateID):
			rc.Status = model.ReceiptCancelled
			rc.CancelledAt = &now
			details.UpdateMode = inst.UpdateMode
			action = model.AuditReceiptSkipped

		case r.Mode == model.RolloutModeForce,
			r.Mode == model.RolloutModeSafe && !inst.HasLocalEdits:
			if err := o.registry.Apply(ctx, tx, inst, version); err != nil {
				return err
			}
			rc.Status = model.ReceiptApplied
			rc.AppliedAt = &now
			rc.AppliedInstanceID = model.Ref(inst.ID)
			action = model.AuditReceiptApplied

		case r.Mode == model.RolloutModeSafe:
			rc.Status = model.ReceiptConflict
			rc.ConflictDetectedAt = &now
			details.Summary = inst.LocalEditsSummary
			action = model.AuditReceiptConflict

		default:
			rc.OfferedAt = &now
			action = model.AuditReceiptPending
		}

		rc.LastError = ""
		rc.UpdatedAt = now
		if err := tx.UpdateReceipt(ctx, rc); err != nil {
			return err
		}
		outcome = rc.Status
		return o.audit.Append(ctx, tx, action, rc.ID, model.SystemActorID, details)
	})
	if err != nil {
		o.recordFailure(ctx, r, receiptID, instanceID, err)
		return
	}
	if outcome == "" {
		return
	}
	o.metrics.Receipt(string(r.Mode), string(outcome))
	o.logger.Debug().
		Stringer("rollout_id", r.ID).
		Stringer("receipt_id", receiptID).
		Stringer("instance_id", instanceID).
		Str("status", string(outcome)).
		Msg("receipt processed")
}

// recordFailure leaves the receipt pending with the error attached so a
// retry pass picks it up again.
func (o *Orchestrator) recordFailure(ctx context.Context, r *model.Rollout, receiptID, instanceID uuid.UUID, cause error) {
	o.metrics.InstanceFailure()
	o.logger.Error().
		Err(cause).
		Stringer("rollout_id", r.ID).
		Stringer("receipt_id", receiptID).
		Stringer("instance_id", instanceID).
		Msg("rollout instance failed")

	err := o.store.InTx(ctx, func(tx store.Tx) error {
		rc, err := tx.LockReceipt(ctx, receiptID)
		if err != nil {
			return err
		}
		if rc.Status != model.ReceiptPending {
			return nil
		}
		rc.LastError = cause.Error()
		rc.UpdatedAt = o.clock.Now()
		if err := tx.UpdateReceipt(ctx, rc); err != nil {
			return err
		}
		return o.audit.Append(ctx, tx, model.AuditRolloutInstanceFailed, r.ID, model.SystemActorID, model.AuditDetails{
			ReceiptID:  rc.ID,
			InstanceID: rc.InstanceID,
			VersionID:  r.ToVersionID,
			Error:      cause.Error(),
		})
	})
	if err != nil {
		// The receipt is still pending without an error mark, which also
		// keeps force and safe rollouts executing until a retry.
		o.logger.Error().Err(err).Stringer("receipt_id", receiptID).Msg("recording instance failure")
	}
}
