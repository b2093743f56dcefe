package rollout

import (
	"context"
	"fmt"

	"f0oster/viewsync/model"
	"f0oster/viewsync/store"
	"f0oster/viewsync/versioning"

	"github.com/google/uuid"
)

// AcceptPendingUpdate applies an opt_in receipt's version to its instance,
// discarding local edits.
func (o *Orchestrator) AcceptPendingUpdate(ctx context.Context, receiptID uuid.UUID, actor model.Actor) (*model.Receipt, error) {
	return o.answer(ctx, "AcceptPendingUpdate", receiptID, actor, true)
}

// RejectPendingUpdate declines an opt_in receipt; the instance is untouched.
func (o *Orchestrator) RejectPendingUpdate(ctx context.Context, receiptID uuid.UUID, actor model.Actor) (*model.Receipt, error) {
	return o.answer(ctx, "RejectPendingUpdate", receiptID, actor, false)
}

func (o *Orchestrator) answer(ctx context.Context, op string, receiptID uuid.UUID, actor model.Actor, accept bool) (*model.Receipt, error) {
	var (
		receipt *model.Receipt
		rollout *model.Rollout
	)
	err := store.Run(ctx, o.store, o.cfg.Retries, func(tx store.Tx) error {
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
			return model.PermissionDenied(op, "actor %s may not answer updates for instance %s", actor.ID, inst.ID)
		}
		if receipt.Status != model.ReceiptPending {
			return model.InvalidState(op, "receipt %s is %s, not %s", receipt.ID, receipt.Status, model.ReceiptPending)
		}
		rollout, err = tx.GetRollout(ctx, receipt.RolloutID)
		if err != nil {
			return err
		}
		if !inst.Tracks(rollout.TemplateID) {
			return model.InvalidState(op, "instance %s is no longer managed by template %s", inst.ID, rollout.TemplateID)
		}

		now := o.clock.Now()
		details := model.AuditDetails{RolloutID: rollout.ID, InstanceID: inst.ID, VersionID: rollout.ToVersionID}
		action := model.AuditPendingUpdateRejected
		if accept {
			_, version, err := versioning.TargetVersion(ctx, tx, rollout.TemplateID, rollout.ToVersionID)
			if err != nil {
				return err
			}
			if err := o.registry.Apply(ctx, tx, inst, version); err != nil {
				return err
			}
			receipt.Status = model.ReceiptApplied
			receipt.AppliedAt = &now
			receipt.AppliedInstanceID = model.Ref(inst.ID)
			details.VersionNumber = version.VersionNumber
			action = model.AuditPendingUpdateAccepted
		} else {
			receipt.Status = model.ReceiptRejected
			receipt.RejectedAt = &now
		}
		receipt.LastError = ""
		receipt.UpdatedAt = now
		if err := tx.UpdateReceipt(ctx, receipt); err != nil {
			return err
		}
		return o.audit.Append(ctx, tx, action, receipt.ID, actor.ID, details)
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, receiptID, err)
	}

	o.metrics.Receipt(string(rollout.Mode), string(receipt.Status))
	o.logger.Info().
		Stringer("receipt_id", receipt.ID).
		Stringer("instance_id", receipt.InstanceID).
		Str("status", string(receipt.Status)).
		Msg("pending update answered")

	// The answer is committed; a later answer or RetryRollout settles the
	// rollout if this pass cannot.
	if _, err := o.settle(ctx, rollout.ID, 0); err != nil {
		o.logger.Error().Err(err).Stringer("rollout_id", rollout.ID).Stringer("receipt_id", receipt.ID).Msg("settling rollout after answer")
	}
	return receipt, nil
}

// ListPendingUpdatesForInstance returns the updates waiting on the
// instance's owner: opt_in receipts still pending and safe receipts in
// conflict, oldest first.
func (o *Orchestrator) ListPendingUpdatesForInstance(ctx context.Context, instanceID uuid.UUID, actor model.Actor) ([]PendingUpdate, error) {
	const op = "ListPendingUpdatesForInstance"
	var updates []PendingUpdate
	err := o.store.InTx(ctx, func(tx store.Tx) error {
		inst, err := tx.GetInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if !actor.CanManage(inst.OrgID, inst.OwnerID) {
			return model.PermissionDenied(op, "actor %s may not view updates for instance %s", actor.ID, inst.ID)
		}
		receipts, err := tx.ListReceipts(ctx, model.ReceiptFilter{
			InstanceID: inst.ID,
			Statuses:   []model.ReceiptStatus{model.ReceiptPending, model.ReceiptConflict},
		})
		if err != nil {
			return err
		}
		for _, rc := range receipts {
			if rc.LastError != "" {
				continue
			}
			r, err := tx.GetRollout(ctx, rc.RolloutID)
			if err != nil {
				return err
			}
			// A receipt still pending has to be offered by the walk before
			// it is the user's to answer.
			if rc.Status == model.ReceiptPending && (r.Mode != model.RolloutModeOptIn || rc.OfferedAt == nil) {
				continue
			}
			v, err := tx.GetVersion(ctx, r.ToVersionID)
			if err != nil {
				return err
			}
			updates = append(updates, PendingUpdate{Receipt: rc, Rollout: r, Version: v})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list pending updates for %s: %w", instanceID, err)
	}
	return updates, nil
}
