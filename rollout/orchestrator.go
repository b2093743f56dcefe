// Package rollout distributes a template version to the instances that
// track the template, one receipt per instance.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"f0oster/viewsync/approval"
	"f0oster/viewsync/audit"
	"f0oster/viewsync/clock"
	"f0oster/viewsync/metrics"
	"f0oster/viewsync/model"
	"f0oster/viewsync/registry"
	"f0oster/viewsync/store"
	"f0oster/viewsync/versioning"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type Orchestrator struct {
	store    store.Store
	registry *registry.Service
	gate     *approval.Gate
	audit    *audit.Log
	clock    clock.Clock
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	cfg      Config
}

func NewOrchestrator(
	st store.Store,
	reg *registry.Service,
	gate *approval.Gate,
	auditLog *audit.Log,
	clk clock.Clock,
	logger zerolog.Logger,
	m *metrics.Metrics,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		store:    st,
		registry: reg,
		gate:     gate,
		audit:    auditLog,
		clock:    clk,
		logger:   logger,
		metrics:  m,
		cfg:      cfg.withDefaults(),
	}
}

// CreateRollout validates req and records the rollout with the status the
// approval gate assigns.
func (o *Orchestrator) CreateRollout(ctx context.Context, req Request, creator model.Actor) (*model.Rollout, error) {
	const op = "CreateRollout"
	if err := validateRequest(op, req); err != nil {
		return nil, err
	}

	var r *model.Rollout
	err := o.store.InTx(ctx, func(tx store.Tx) error {
		tpl, err := tx.GetTemplate(ctx, req.TemplateID)
		if err != nil {
			return err
		}
		if tpl.OrgID != creator.OrgID {
			return model.PermissionDenied(op, "template %s belongs to another organization", tpl.ID)
		}
		if tpl.Retired() {
			return model.InvalidState(op, "template %s is retired", tpl.ID)
		}
		version, err := tx.GetVersion(ctx, req.ToVersionID)
		if err != nil && model.KindOf(err) != model.KindNotFound {
			return err
		}
		if version == nil || version.TemplateID != tpl.ID {
			return model.Validation(op, "version %s is not a version of template %s", req.ToVersionID, tpl.ID)
		}

		var targets []*model.Instance
		if req.Scope == model.ScopeSelectedInstances {
			for _, id := range req.TargetIDs {
				inst, err := tx.GetInstance(ctx, id)
				if err != nil {
					return err
				}
				if inst.OrgID != creator.OrgID {
					return model.PermissionDenied(op, "instance %s belongs to another organization", id)
				}
				targets = append(targets, inst)
			}
		}

		r = &model.Rollout{
			ID:            uuid.New(),
			OrgID:         tpl.OrgID,
			TemplateID:    tpl.ID,
			ToVersionID:   version.ID,
			Mode:          req.Mode,
			Scope:         req.Scope,
			TargetIDs:     append([]uuid.UUID(nil), req.TargetIDs...),
			CreatedBy:     creator.ID,
			CreatedByRole: creator.Role,
			CreatedAt:     o.clock.Now(),
		}
		r.Status = o.gate.Evaluate(r, targets)
		if err := tx.InsertRollout(ctx, r); err != nil {
			return err
		}
		return o.audit.Append(ctx, tx, model.AuditRolloutCreated, r.ID, creator.ID, model.AuditDetails{
			TemplateID:    r.TemplateID,
			VersionID:     r.ToVersionID,
			VersionNumber: version.VersionNumber,
			Mode:          r.Mode,
			Scope:         r.Scope,
			Targets:       r.TargetIDs,
			Status:        string(r.Status),
			Role:          r.CreatedByRole,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("create rollout: %w", err)
	}

	o.metrics.RolloutCreated(string(r.Mode), string(r.Status))
	o.logger.Info().
		Stringer("rollout_id", r.ID).
		Stringer("template_id", r.TemplateID).
		Str("mode", string(r.Mode)).
		Str("scope", string(r.Scope)).
		Str("status", string(r.Status)).
		Msg("rollout created")
	return r, nil
}

func validateRequest(op string, req Request) error {
	if !req.Mode.Valid() {
		return model.Validation(op, "unknown mode %q", req.Mode)
	}
	if !req.Scope.Valid() {
		return model.Validation(op, "unknown scope %q", req.Scope)
	}
	if !req.Scope.NeedsTargets() {
		if len(req.TargetIDs) > 0 {
			return model.Validation(op, "scope %s takes no targets", req.Scope)
		}
		return nil
	}
	if len(req.TargetIDs) == 0 {
		return model.Validation(op, "scope %s needs at least one target", req.Scope)
	}
	seen := make(map[uuid.UUID]struct{}, len(req.TargetIDs))
	for _, id := range req.TargetIDs {
		if _, dup := seen[id]; dup {
			return model.Validation(op, "target %s is listed twice", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// ExecuteRollout runs an approved rollout: it resolves the instance set,
// creates one pending receipt per managed instance, then processes each
// receipt in its own transaction. Per-instance failures are recorded on the
// receipt and never fail the call.
func (o *Orchestrator) ExecuteRollout(ctx context.Context, rolloutID uuid.UUID) (*Summary, error) {
	const op = "ExecuteRollout"
	started := time.Now()
	defer func() { o.metrics.ObserveExecute(time.Since(started)) }()

	var (
		r        *model.Rollout
		receipts []uuid.UUID
		skipped  int
		aborted  bool
	)
	err := o.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.LockRollout(ctx, rolloutID)
		if err != nil {
			return err
		}
		if r.Status != model.RolloutApproved {
			return model.InvalidState(op, "rollout %s is %s, not %s", r.ID, r.Status, model.RolloutApproved)
		}
		if _, _, err := versioning.TargetVersion(ctx, tx, r.TemplateID, r.ToVersionID); err != nil {
			if !abortable(err) {
				return err
			}
			aborted = true
			return o.abort(ctx, tx, r, err)
		}

		instances, err := tx.ListInstances(ctx, scopeFilter(r))
		if err != nil {
			return err
		}
		now := o.clock.Now()
		for _, inst := range instances {
			if !inst.Tracks(r.TemplateID) {
				skipped++
				o.logger.Info().
					Stringer("rollout_id", r.ID).
					Stringer("instance_id", inst.ID).
					Str("update_mode", string(inst.UpdateMode)).
					Msg("instance not managed by template, skipped")
				continue
			}
			receipt := &model.Receipt{
				ID:         uuid.New(),
				RolloutID:  r.ID,
				InstanceID: inst.ID,
				Status:     model.ReceiptPending,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.InsertReceipt(ctx, receipt); err != nil {
				return err
			}
			receipts = append(receipts, receipt.ID)
		}

		r.Status = model.RolloutExecuting
		r.StartedAt = &now
		if err := tx.UpdateRollout(ctx, r); err != nil {
			return err
		}
		return o.audit.Append(ctx, tx, model.AuditRolloutStarted, r.ID, model.SystemActorID, model.AuditDetails{
			TemplateID: r.TemplateID,
			VersionID:  r.ToVersionID,
			Mode:       r.Mode,
			Scope:      r.Scope,
			Count:      len(receipts),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("execute rollout %s: %w", rolloutID, err)
	}
	if aborted {
		return o.summarize(ctx, rolloutID, 0)
	}

	o.logger.Info().
		Stringer("rollout_id", r.ID).
		Int("receipts", len(receipts)).
		Int("skipped", skipped).
		Msg("rollout executing")

	o.processAll(ctx, r, receipts)
	return o.settle(ctx, r.ID, skipped)
}

// RetryRollout re-processes the receipts an earlier pass left owed.
func (o *Orchestrator) RetryRollout(ctx context.Context, rolloutID uuid.UUID) (*Summary, error) {
	const op = "RetryRollout"
	started := time.Now()
	defer func() { o.metrics.ObserveExecute(time.Since(started)) }()

	var (
		r       *model.Rollout
		owed    []uuid.UUID
		aborted bool
	)
	err := o.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.LockRollout(ctx, rolloutID)
		if err != nil {
			return err
		}
		if r.Status != model.RolloutExecuting {
			return model.InvalidState(op, "rollout %s is %s, not %s", r.ID, r.Status, model.RolloutExecuting)
		}
		if _, _, err := versioning.TargetVersion(ctx, tx, r.TemplateID, r.ToVersionID); err != nil {
			if !abortable(err) {
				return err
			}
			aborted = true
			return o.abort(ctx, tx, r, err)
		}
		receipts, err := tx.ListReceipts(ctx, model.ReceiptFilter{RolloutID: r.ID, Statuses: []model.ReceiptStatus{model.ReceiptPending}})
		if err != nil {
			return err
		}
		for _, rc := range receipts {
			if !rc.Settled(r.Mode) {
				owed = append(owed, rc.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retry rollout %s: %w", rolloutID, err)
	}
	if aborted {
		return o.summarize(ctx, rolloutID, 0)
	}

	o.logger.Info().Stringer("rollout_id", r.ID).Int("receipts", len(owed)).Msg("retrying rollout")
	o.processAll(ctx, r, owed)
	return o.settle(ctx, r.ID, 0)
}

// CancelRollout stops an executing rollout. Receipts still pending or in
// conflict are cancelled; applied instances are left as they are.
func (o *Orchestrator) CancelRollout(ctx context.Context, rolloutID uuid.UUID, actor model.Actor) (*model.Rollout, error) {
	const op = "CancelRollout"
	var (
		r         *model.Rollout
		cancelled int
	)
	err := o.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.LockRollout(ctx, rolloutID)
		if err != nil {
			return err
		}
		if actor.OrgID != r.OrgID || (actor.ID != r.CreatedBy && !actor.IsAdmin()) {
			return model.PermissionDenied(op, "actor %s may not cancel rollout %s", actor.ID, r.ID)
		}
		if r.Status != model.RolloutExecuting {
			return model.InvalidState(op, "rollout %s is %s, not %s", r.ID, r.Status, model.RolloutExecuting)
		}
		cancelled, err = o.cancelReceipts(ctx, tx, r)
		if err != nil {
			return err
		}
		now := o.clock.Now()
		r.Status = model.RolloutCancelled
		r.FinishedAt = &now
		if err := tx.UpdateRollout(ctx, r); err != nil {
			return err
		}
		return o.audit.Append(ctx, tx, model.AuditRolloutCancelled, r.ID, actor.ID, model.AuditDetails{Count: cancelled})
	})
	if err != nil {
		return nil, fmt.Errorf("cancel rollout %s: %w", rolloutID, err)
	}

	for i := 0; i < cancelled; i++ {
		o.metrics.Receipt(string(r.Mode), string(model.ReceiptCancelled))
	}
	o.logger.Info().Stringer("rollout_id", r.ID).Int("receipts_cancelled", cancelled).Msg("rollout cancelled")
	return r, nil
}

func (o *Orchestrator) GetRollout(ctx context.Context, rolloutID uuid.UUID) (*model.Rollout, error) {
	var r *model.Rollout
	err := o.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		r, err = tx.GetRollout(ctx, rolloutID)
		return err
	})
	return r, err
}

func (o *Orchestrator) ListReceipts(ctx context.Context, rolloutID uuid.UUID) ([]*model.Receipt, error) {
	var receipts []*model.Receipt
	err := o.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetRollout(ctx, rolloutID); err != nil {
			return err
		}
		var err error
		receipts, err = tx.ListReceipts(ctx, model.ReceiptFilter{RolloutID: rolloutID})
		return err
	})
	return receipts, err
}

func scopeFilter(r *model.Rollout) model.InstanceFilter {
	f := model.InstanceFilter{OrgID: r.OrgID}
	switch r.Scope {
	case model.ScopeOrgWide:
		f.SourceTemplateID = &r.TemplateID
	case model.ScopeSelectedWorkspaces:
		f.SourceTemplateID = &r.TemplateID
		f.WorkspaceIDs = r.TargetIDs
	case model.ScopeSelectedInstances:
		// Listed instances are resolved as given so that those no longer
		// tracking the template are reported as skipped.
		f.IDs = r.TargetIDs
	}
	return f
}

// abortable reports whether err means the rollout's target is gone: the
// template retired or the version missing.
func abortable(err error) bool {
	return errors.Is(err, model.ErrInvalidState) || errors.Is(err, model.ErrNotFound)
}

// abort cancels r and its open receipts inside tx because its target can no
// longer be applied.
func (o *Orchestrator) abort(ctx context.Context, tx store.Tx, r *model.Rollout, cause error) error {
	cancelled, err := o.cancelReceipts(ctx, tx, r)
	if err != nil {
		return err
	}
	now := o.clock.Now()
	r.Status = model.RolloutCancelled
	r.FinishedAt = &now
	if err := tx.UpdateRollout(ctx, r); err != nil {
		return err
	}
	o.logger.Warn().Stringer("rollout_id", r.ID).Err(cause).Msg("rollout target unavailable, cancelling")
	return o.audit.Append(ctx, tx, model.AuditRolloutCancelled, r.ID, model.SystemActorID, model.AuditDetails{
		TemplateID: r.TemplateID,
		VersionID:  r.ToVersionID,
		Error:      cause.Error(),
		Count:      cancelled,
	})
}

func (o *Orchestrator) cancelReceipts(ctx context.Context, tx store.Tx, r *model.Rollout) (int, error) {
	open, err := tx.ListReceipts(ctx, model.ReceiptFilter{
		RolloutID: r.ID,
		Statuses:  []model.ReceiptStatus{model.ReceiptPending, model.ReceiptConflict},
	})
	if err != nil {
		return 0, err
	}
	now := o.clock.Now()
	for _, listed := range open {
		rc, err := tx.LockReceipt(ctx, listed.ID)
		if err != nil {
			return 0, err
		}
		rc.Status = model.ReceiptCancelled
		rc.CancelledAt = &now
		rc.UpdatedAt = now
		if err := tx.UpdateReceipt(ctx, rc); err != nil {
			return 0, err
		}
	}
	return len(open), nil
}

// settle completes an executing rollout once no receipt is owed, or
// cancels it when the template was retired under it. It reports the receipt
// counts either way.
func (o *Orchestrator) settle(ctx context.Context, rolloutID uuid.UUID, skipped int) (*Summary, error) {
	var summary *Summary
	err := o.store.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.LockRollout(ctx, rolloutID)
		if err != nil {
			return err
		}
		receipts, err := tx.ListReceipts(ctx, model.ReceiptFilter{RolloutID: r.ID})
		if err != nil {
			return err
		}
		if r.Status != model.RolloutExecuting {
			summary = count(r, receipts, skipped)
			return nil
		}
		if _, _, cause := versioning.TargetVersion(ctx, tx, r.TemplateID, r.ToVersionID); cause != nil {
			if !abortable(cause) {
				return cause
			}
			if err := o.abort(ctx, tx, r, cause); err != nil {
				return err
			}
			receipts, err = tx.ListReceipts(ctx, model.ReceiptFilter{RolloutID: r.ID})
			if err != nil {
				return err
			}
			summary = count(r, receipts, skipped)
			return nil
		}
		summary = count(r, receipts, skipped)
		for _, rc := range receipts {
			if !rc.Settled(r.Mode) {
				return nil
			}
		}
		now := o.clock.Now()
		r.Status = model.RolloutCompleted
		r.FinishedAt = &now
		if err := tx.UpdateRollout(ctx, r); err != nil {
			return err
		}
		summary.Status = r.Status
		details := model.AuditDetails{
			TemplateID: r.TemplateID,
			VersionID:  r.ToVersionID,
			Count:      len(receipts),
		}
		if r.StartedAt != nil {
			details.Elapsed = now.Sub(*r.StartedAt)
		}
		return o.audit.Append(ctx, tx, model.AuditRolloutCompleted, r.ID, model.SystemActorID, details)
	})
	if err != nil {
		return nil, fmt.Errorf("settle rollout %s: %w", rolloutID, err)
	}
	o.logger.Info().
		Stringer("rollout_id", rolloutID).
		Str("status", string(summary.Status)).
		Int("applied", summary.Applied).
		Int("conflicts", summary.Conflicts).
		Int("pending", summary.Pending).
		Int("failed", summary.Failed).
		Msg("rollout pass finished")
	return summary, nil
}

func (o *Orchestrator) summarize(ctx context.Context, rolloutID uuid.UUID, skipped int) (*Summary, error) {
	var summary *Summary
	err := o.store.InTx(ctx, func(tx store.Tx) error {
		r, err := tx.GetRollout(ctx, rolloutID)
		if err != nil {
			return err
		}
		receipts, err := tx.ListReceipts(ctx, model.ReceiptFilter{RolloutID: r.ID})
		if err != nil {
			return err
		}
		summary = count(r, receipts, skipped)
		return nil
	})
	return summary, err
}

func count(r *model.Rollout, receipts []*model.Receipt, skipped int) *Summary {
	s := &Summary{RolloutID: r.ID, Status: r.Status, Targeted: len(receipts), Skipped: skipped}
	for _, rc := range receipts {
		switch rc.Status {
		case model.ReceiptApplied:
			s.Applied++
		case model.ReceiptConflict:
			s.Conflicts++
		case model.ReceiptRejected:
			s.Rejected++
		case model.ReceiptCancelled:
			s.Cancelled++
		case model.ReceiptPending:
			if rc.LastError != "" {
				s.Failed++
			} else {
				s.Pending++
			}
		}
	}
	return s
}

// processAll walks receipts with bounded concurrency. Outcomes are written
// to the store; nothing is returned because no single instance may fail
// the batch.
func (o *Orchestrator) processAll(ctx context.Context, r *model.Rollout, receipts []uuid.UUID) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.Workers)
	for _, id := range receipts {
		g.Go(func() error {
			o.process(gctx, r, id)
			return nil
		})
	}
	_ = g.Wait()
}
