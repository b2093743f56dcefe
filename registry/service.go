// Package registry manages view instances: their sync pointer to a
// template version, the local-edit flag and the one-way move from managed
// to independent.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"f0oster/viewsync/audit"
	"f0oster/viewsync/clock"
	"f0oster/viewsync/definition"
	"f0oster/viewsync/model"
	"f0oster/viewsync/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ForkSuffix is appended to the name of the managed copy created when a
// conflict is resolved by forking.
const ForkSuffix = " (updated)"

// InstanceSpec describes a new instance. A managed instance needs
// SourceTemplateID and copies the template's current definition when
// Definition is nil; an independent instance needs Definition and keeps
// SourceTemplateID for provenance only.
type InstanceSpec struct {
	SourceTemplateID *uuid.UUID
	Definition       *definition.Definition
	UpdateMode       model.UpdateMode
	WorkspaceID      uuid.UUID
	Name             string
}

type Service struct {
	store   store.Store
	audit   *audit.Log
	clock   clock.Clock
	logger  zerolog.Logger
	retries int
}

func NewService(st store.Store, auditLog *audit.Log, clk clock.Clock, logger zerolog.Logger, retries int) *Service {
	return &Service{store: st, audit: auditLog, clock: clk, logger: logger, retries: retries}
}

func (s *Service) CreateInstance(ctx context.Context, spec InstanceSpec, owner model.Actor) (*model.Instance, error) {
	const op = "CreateInstance"
	name := strings.TrimSpace(spec.Name)
	switch {
	case name == "":
		return nil, model.Validation(op, "instance name is required")
	case !spec.UpdateMode.Valid():
		return nil, model.Validation(op, "unknown update mode %q", spec.UpdateMode)
	case spec.WorkspaceID == uuid.Nil:
		return nil, model.Validation(op, "workspace is required")
	case spec.UpdateMode == model.UpdateModeManaged && spec.SourceTemplateID == nil:
		return nil, model.Validation(op, "a managed instance needs a source template")
	case spec.UpdateMode == model.UpdateModeIndependent && spec.Definition == nil:
		return nil, model.Validation(op, "an independent instance needs a definition")
	}
	if spec.Definition != nil {
		if err := definition.Validate(*spec.Definition); err != nil {
			return nil, model.Wrap(model.KindValidation, op, err)
		}
	}

	now := s.clock.Now()
	inst := &model.Instance{
		ID:          uuid.New(),
		OrgID:       owner.OrgID,
		OwnerID:     owner.ID,
		WorkspaceID: spec.WorkspaceID,
		Name:        name,
		UpdateMode:  spec.UpdateMode,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if spec.Definition != nil {
		inst.Definition = spec.Definition.Clone()
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		details := model.AuditDetails{Name: inst.Name, UpdateMode: inst.UpdateMode}
		if spec.SourceTemplateID != nil {
			tpl, err := tx.GetTemplate(ctx, *spec.SourceTemplateID)
			if err != nil {
				return err
			}
			if tpl.OrgID != owner.OrgID {
				return model.PermissionDenied(op, "template %s belongs to another organization", tpl.ID)
			}
			inst.SourceTemplateID = model.Ref(tpl.ID)
			details.TemplateID = tpl.ID

			if inst.Managed() {
				if tpl.Retired() {
					return model.InvalidState(op, "template %s is retired", tpl.ID)
				}
				current, err := tx.GetVersion(ctx, tpl.CurrentVersionID)
				if err != nil {
					return err
				}
				inst.SyncedVersionID = model.Ref(current.ID)
				details.VersionID = current.ID
				details.VersionNumber = current.VersionNumber
				if spec.Definition == nil {
					inst.Definition = current.Definition.Clone()
				}
			}
		}
		if err := tx.InsertInstance(ctx, inst); err != nil {
			return err
		}
		return s.audit.Append(ctx, tx, model.AuditInstanceCreated, inst.ID, owner.ID, details)
	})
	if err != nil {
		return nil, fmt.Errorf("create instance %q: %w", name, err)
	}

	s.logger.Info().
		Stringer("instance_id", inst.ID).
		Str("update_mode", string(inst.UpdateMode)).
		Msg("instance created")
	return inst, nil
}

// MarkLocalEdit flags the instance as locally edited. Repeating it only
// replaces the summary.
func (s *Service) MarkLocalEdit(ctx context.Context, instanceID uuid.UUID, summary string, actor model.Actor) (*model.Instance, error) {
	const op = "MarkLocalEdit"
	summary = strings.TrimSpace(summary)
	return s.mutate(ctx, op, instanceID, actor, func(tx store.Tx, inst *model.Instance) error {
		inst.HasLocalEdits = true
		inst.LocalEditsSummary = summary
		inst.UpdatedAt = s.clock.Now()
		if err := tx.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		return s.audit.Append(ctx, tx, model.AuditInstanceLocalEdit, inst.ID, actor.ID, model.AuditDetails{Summary: summary})
	})
}

// EditInstance replaces the definition and marks the local edit in the
// same write.
func (s *Service) EditInstance(
	ctx context.Context,
	instanceID uuid.UUID,
	def definition.Definition,
	summary string,
	actor model.Actor,
) (*model.Instance, error) {
	const op = "EditInstance"
	if err := definition.Validate(def); err != nil {
		return nil, model.Wrap(model.KindValidation, op, err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		summary = "definition edited"
	}
	return s.mutate(ctx, op, instanceID, actor, func(tx store.Tx, inst *model.Instance) error {
		inst.Definition = def.Clone()
		inst.HasLocalEdits = true
		inst.LocalEditsSummary = summary
		inst.UpdatedAt = s.clock.Now()
		if err := tx.UpdateInstance(ctx, inst); err != nil {
			return err
		}
		return s.audit.Append(ctx, tx, model.AuditInstanceEdited, inst.ID, actor.ID, model.AuditDetails{Summary: summary})
	})
}

// ForkInstance detaches the instance from its template for good. Forking an
// independent instance changes nothing and writes no audit entry.
func (s *Service) ForkInstance(ctx context.Context, instanceID uuid.UUID, actor model.Actor) (*model.Instance, error) {
	return s.mutate(ctx, "ForkInstance", instanceID, actor, func(tx store.Tx, inst *model.Instance) error {
		if !inst.Managed() {
			return nil
		}
		return s.Fork(ctx, tx, inst, actor.ID, uuid.Nil)
	})
}

func (s *Service) GetInstance(ctx context.Context, instanceID uuid.UUID) (*model.Instance, error) {
	var inst *model.Instance
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		inst, err = tx.GetInstance(ctx, instanceID)
		return err
	})
	return inst, err
}

// mutate locks the instance, checks that actor may manage it and runs fn,
// retrying on a lost revision race.
func (s *Service) mutate(
	ctx context.Context,
	op string,
	instanceID uuid.UUID,
	actor model.Actor,
	fn func(tx store.Tx, inst *model.Instance) error,
) (*model.Instance, error) {
	var inst *model.Instance
	err := store.Run(ctx, s.store, s.retries, func(tx store.Tx) error {
		var err error
		inst, err = tx.LockInstance(ctx, instanceID)
		if err != nil {
			return err
		}
		if !actor.CanManage(inst.OrgID, inst.OwnerID) {
			return model.PermissionDenied(op, "actor %s may not change instance %s", actor.ID, inst.ID)
		}
		return fn(tx, inst)
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", op, instanceID, err)
	}
	return inst, nil
}

// ApplyVersion is the force path: the instance takes the version's
// definition and sync pointer, and its local edits are discarded.
func ApplyVersion(inst *model.Instance, v *model.Version, now time.Time) {
	inst.Definition = v.Definition.Clone()
	inst.SyncedVersionID = model.Ref(v.ID)
	inst.HasLocalEdits = false
	inst.LocalEditsSummary = ""
	inst.UpdatedAt = now
}

// Apply runs the force path on a locked instance inside tx. The caller
// audits the outcome on its receipt.
func (s *Service) Apply(ctx context.Context, tx store.Tx, inst *model.Instance, v *model.Version) error {
	const op = "ApplyVersion"
	if !inst.Tracks(v.TemplateID) {
		return model.InvalidState(op, "instance %s is not managed by template %s", inst.ID, v.TemplateID)
	}
	ApplyVersion(inst, v, s.clock.Now())
	return tx.UpdateInstance(ctx, inst)
}

// Fork turns a locked managed instance independent inside tx. Definition
// and local edits are kept. receiptID links the audit entry to a conflict
// resolution when set.
func (s *Service) Fork(ctx context.Context, tx store.Tx, inst *model.Instance, actorID, receiptID uuid.UUID) error {
	inst.UpdateMode = model.UpdateModeIndependent
	inst.UpdatedAt = s.clock.Now()
	if err := tx.UpdateInstance(ctx, inst); err != nil {
		return err
	}
	details := model.AuditDetails{ReceiptID: receiptID}
	if inst.SourceTemplateID != nil {
		details.TemplateID = *inst.SourceTemplateID
	}
	if inst.SyncedVersionID != nil {
		details.VersionID = *inst.SyncedVersionID
	}
	s.logger.Info().Stringer("instance_id", inst.ID).Msg("instance forked")
	return s.audit.Append(ctx, tx, model.AuditInstanceForked, inst.ID, actorID, details)
}

// Spawn creates a managed sibling of from, synced to v, inside tx.
func (s *Service) Spawn(
	ctx context.Context,
	tx store.Tx,
	from *model.Instance,
	v *model.Version,
	actorID uuid.UUID,
) (*model.Instance, error) {
	now := s.clock.Now()
	inst := &model.Instance{
		ID:               uuid.New(),
		OrgID:            from.OrgID,
		OwnerID:          from.OwnerID,
		WorkspaceID:      from.WorkspaceID,
		Name:             from.Name + ForkSuffix,
		UpdateMode:       model.UpdateModeManaged,
		SourceTemplateID: model.Ref(v.TemplateID),
		SyncedVersionID:  model.Ref(v.ID),
		Definition:       v.Definition.Clone(),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.InsertInstance(ctx, inst); err != nil {
		return nil, err
	}
	err := s.audit.Append(ctx, tx, model.AuditInstanceCreated, inst.ID, actorID, model.AuditDetails{
		Name:          inst.Name,
		UpdateMode:    inst.UpdateMode,
		TemplateID:    v.TemplateID,
		VersionID:     v.ID,
		VersionNumber: v.VersionNumber,
		InstanceID:    from.ID,
	})
	if err != nil {
		return nil, err
	}
	return inst, nil
}
