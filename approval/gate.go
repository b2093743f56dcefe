// Package approval decides whether a rollout may run without an admin's
// sign-off, and records that sign-off.
package approval

import (
	"context"
	"fmt"
	"strings"

	"f0oster/viewsync/audit"
	"f0oster/viewsync/clock"
	"f0oster/viewsync/model"
	"f0oster/viewsync/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Gate struct {
	store  store.Store
	audit  *audit.Log
	clock  clock.Clock
	logger zerolog.Logger
}

func NewGate(st store.Store, auditLog *audit.Log, clk clock.Clock, logger zerolog.Logger) *Gate {
	return &Gate{store: st, audit: auditLog, clock: clk, logger: logger}
}

// Evaluate returns the initial status of a draft rollout. Admins are
// trusted outright; a member may only push to instances they own, named
// one by one. targets are the instances a selected_instances rollout names.
func (g *Gate) Evaluate(draft *model.Rollout, targets []*model.Instance) model.RolloutStatus {
	if draft.CreatedByRole == model.RoleAdmin {
		return model.RolloutApproved
	}
	if draft.Scope != model.ScopeSelectedInstances || len(targets) == 0 {
		return model.RolloutPendingApproval
	}
	for _, inst := range targets {
		if inst.OwnerID != draft.CreatedBy {
			return model.RolloutPendingApproval
		}
	}
	return model.RolloutApproved
}

// Approve moves a pending rollout to approved on behalf of an admin of the
// rollout's organization.
func (g *Gate) Approve(ctx context.Context, rolloutID uuid.UUID, approver model.Actor, notes string) (*model.Rollout, error) {
	const op = "ApproveRollout"
	notes = strings.TrimSpace(notes)

	var r *model.Rollout
	err := g.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.LockRollout(ctx, rolloutID)
		if err != nil {
			return err
		}
		if !approver.IsAdmin() || approver.OrgID != r.OrgID {
			return model.PermissionDenied(op, "only an admin of the organization may approve rollout %s", r.ID)
		}
		if r.Status != model.RolloutPendingApproval {
			return model.InvalidState(op, "rollout %s is %s, not %s", r.ID, r.Status, model.RolloutPendingApproval)
		}
		now := g.clock.Now()
		r.Status = model.RolloutApproved
		r.ApprovedBy = model.Ref(approver.ID)
		r.ApprovedAt = &now
		r.ApprovalNotes = notes
		if err := tx.UpdateRollout(ctx, r); err != nil {
			return err
		}
		return g.audit.Append(ctx, tx, model.AuditRolloutApproved, r.ID, approver.ID, model.AuditDetails{
			TemplateID: r.TemplateID,
			VersionID:  r.ToVersionID,
			Notes:      notes,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("approve rollout %s: %w", rolloutID, err)
	}

	g.logger.Info().
		Stringer("rollout_id", r.ID).
		Stringer("approved_by", approver.ID).
		Msg("rollout approved")
	return r, nil
}
