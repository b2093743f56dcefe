package database

import (
	"context"
	"encoding/json"
	"fmt"

	"f0oster/viewsync/model"
	"f0oster/viewsync/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

type pgTx struct {
	tx pgx.Tx
}

var _ store.Tx = (*pgTx)(nil)

func (t *pgTx) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, mapError(op, err)
	}
	return tag.RowsAffected(), nil
}

// execOne runs a single-row UPDATE and reports a missing row as NotFound.
func (t *pgTx) execOne(ctx context.Context, op string, id uuid.UUID, query string, args ...any) error {
	n, err := t.exec(ctx, op, query, args...)
	if err != nil {
		return err
	}
	if n == 0 {
		return model.NotFound(op, "%s", id)
	}
	return nil
}

func queryOne[T any](ctx context.Context, t *pgTx, op, query string, scan func(rowScanner) (*T, error), args ...any) (*T, error) {
	v, err := scan(t.tx.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, mapError(op, err)
	}
	return v, nil
}

func queryAll[T any](ctx context.Context, t *pgTx, op, query string, scan func(rowScanner) (*T, error), args ...any) ([]*T, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*T, error) { return scan(row) })
	if err != nil {
		return nil, mapError(op, err)
	}
	return out, nil
}

// Templates

func (t *pgTx) InsertTemplate(ctx context.Context, tpl *model.Template) error {
	_, err := t.exec(ctx, "InsertTemplate", InsertTemplate,
		uuidToPgtype(tpl.ID), tpl.Name, uuidToPgtype(tpl.OrgID), uuidToPgtype(tpl.OwnerID),
		optionalUUID(tpl.CurrentVersionID), tpl.CreatedAt, tpl.UpdatedAt, timeToPgtype(tpl.RetiredAt))
	return err
}

func (t *pgTx) GetTemplate(ctx context.Context, id uuid.UUID) (*model.Template, error) {
	return queryOne(ctx, t, "GetTemplate", GetTemplate, scanTemplate, uuidToPgtype(id))
}

func (t *pgTx) LockTemplate(ctx context.Context, id uuid.UUID) (*model.Template, error) {
	return queryOne(ctx, t, "LockTemplate", LockTemplate, scanTemplate, uuidToPgtype(id))
}

func (t *pgTx) UpdateTemplate(ctx context.Context, tpl *model.Template) error {
	return t.execOne(ctx, "UpdateTemplate", tpl.ID, UpdateTemplate,
		uuidToPgtype(tpl.ID), tpl.Name, uuidToPgtype(tpl.OwnerID), optionalUUID(tpl.CurrentVersionID),
		tpl.UpdatedAt, timeToPgtype(tpl.RetiredAt))
}

// Versions

func (t *pgTx) MaxVersionNumber(ctx context.Context, templateID uuid.UUID) (int, error) {
	var n int
	if err := t.tx.QueryRow(ctx, MaxVersionNumber, uuidToPgtype(templateID)).Scan(&n); err != nil {
		return 0, mapError("MaxVersionNumber", err)
	}
	return n, nil
}

func (t *pgTx) InsertVersion(ctx context.Context, v *model.Version) error {
	raw, err := encodeDefinition(v.Definition)
	if err != nil {
		return fmt.Errorf("InsertVersion: %w", err)
	}
	_, err = t.exec(ctx, "InsertVersion", InsertVersion,
		uuidToPgtype(v.ID), uuidToPgtype(v.TemplateID), v.VersionNumber, raw, v.Changelog,
		uuidToPgtype(v.CreatedBy), v.CreatedAt)
	return err
}

func (t *pgTx) GetVersion(ctx context.Context, id uuid.UUID) (*model.Version, error) {
	return queryOne(ctx, t, "GetVersion", GetVersion, scanVersion, uuidToPgtype(id))
}

func (t *pgTx) ListVersions(ctx context.Context, templateID uuid.UUID) ([]*model.Version, error) {
	return queryAll(ctx, t, "ListVersions", ListVersions, scanVersion, uuidToPgtype(templateID))
}

// Instances

func (t *pgTx) InsertInstance(ctx context.Context, i *model.Instance) error {
	raw, err := encodeDefinition(i.Definition)
	if err != nil {
		return fmt.Errorf("InsertInstance: %w", err)
	}
	_, err = t.exec(ctx, "InsertInstance", InsertInstance,
		uuidToPgtype(i.ID), uuidToPgtype(i.OrgID), uuidToPgtype(i.OwnerID), uuidToPgtype(i.WorkspaceID),
		i.Name, string(i.UpdateMode), uuidPtrToPgtype(i.SourceTemplateID), uuidPtrToPgtype(i.SyncedVersionID),
		i.HasLocalEdits, i.LocalEditsSummary, raw, i.Revision, i.CreatedAt, i.UpdatedAt)
	return err
}

func (t *pgTx) GetInstance(ctx context.Context, id uuid.UUID) (*model.Instance, error) {
	return queryOne(ctx, t, "GetInstance", GetInstance, scanInstance, uuidToPgtype(id))
}

func (t *pgTx) LockInstance(ctx context.Context, id uuid.UUID) (*model.Instance, error) {
	return queryOne(ctx, t, "LockInstance", LockInstance, scanInstance, uuidToPgtype(id))
}

func (t *pgTx) UpdateInstance(ctx context.Context, i *model.Instance) error {
	raw, err := encodeDefinition(i.Definition)
	if err != nil {
		return fmt.Errorf("UpdateInstance: %w", err)
	}
	n, err := t.exec(ctx, "UpdateInstance", UpdateInstance,
		uuidToPgtype(i.ID), i.Revision, uuidToPgtype(i.OwnerID), uuidToPgtype(i.WorkspaceID), i.Name,
		string(i.UpdateMode), uuidPtrToPgtype(i.SourceTemplateID), uuidPtrToPgtype(i.SyncedVersionID),
		i.HasLocalEdits, i.LocalEditsSummary, raw, i.UpdatedAt)
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := t.tx.QueryRow(ctx, InstanceExists, uuidToPgtype(i.ID)).Scan(&exists); err != nil {
			return mapError("UpdateInstance", err)
		}
		if !exists {
			return model.NotFound("UpdateInstance", "instance %s", i.ID)
		}
		return model.ConcurrentModification("UpdateInstance", "instance %s changed since revision %d", i.ID, i.Revision)
	}
	i.Revision++
	return nil
}

func (t *pgTx) ListInstances(ctx context.Context, f model.InstanceFilter) ([]*model.Instance, error) {
	return queryAll(ctx, t, "ListInstances", ListInstances, scanInstance,
		uuidToPgtype(f.OrgID), uuidPtrToPgtype(f.SourceTemplateID), uuidArray(f.WorkspaceIDs), uuidArray(f.IDs), f.ManagedOnly)
}

// Rollouts

func (t *pgTx) InsertRollout(ctx context.Context, r *model.Rollout) error {
	targets := uuidArray(r.TargetIDs)
	if targets == nil {
		targets = []pgtype.UUID{}
	}
	_, err := t.exec(ctx, "InsertRollout", InsertRollout,
		uuidToPgtype(r.ID), uuidToPgtype(r.OrgID), uuidToPgtype(r.TemplateID), uuidToPgtype(r.ToVersionID),
		string(r.Mode), string(r.Scope), targets, string(r.Status), uuidToPgtype(r.CreatedBy),
		string(r.CreatedByRole), uuidPtrToPgtype(r.ApprovedBy), timeToPgtype(r.ApprovedAt), r.ApprovalNotes,
		r.CreatedAt, timeToPgtype(r.StartedAt), timeToPgtype(r.FinishedAt))
	return err
}

func (t *pgTx) GetRollout(ctx context.Context, id uuid.UUID) (*model.Rollout, error) {
	return queryOne(ctx, t, "GetRollout", GetRollout, scanRollout, uuidToPgtype(id))
}

func (t *pgTx) LockRollout(ctx context.Context, id uuid.UUID) (*model.Rollout, error) {
	return queryOne(ctx, t, "LockRollout", LockRollout, scanRollout, uuidToPgtype(id))
}

func (t *pgTx) UpdateRollout(ctx context.Context, r *model.Rollout) error {
	return t.execOne(ctx, "UpdateRollout", r.ID, UpdateRollout,
		uuidToPgtype(r.ID), string(r.Status), uuidPtrToPgtype(r.ApprovedBy), timeToPgtype(r.ApprovedAt),
		r.ApprovalNotes, timeToPgtype(r.StartedAt), timeToPgtype(r.FinishedAt))
}

// Receipts

func (t *pgTx) InsertReceipt(ctx context.Context, r *model.Receipt) error {
	_, err := t.exec(ctx, "InsertReceipt", InsertReceipt,
		uuidToPgtype(r.ID), uuidToPgtype(r.RolloutID), uuidToPgtype(r.InstanceID), string(r.Status),
		uuidPtrToPgtype(r.AppliedInstanceID), r.LastError, timeToPgtype(r.AppliedAt),
		timeToPgtype(r.ConflictDetectedAt), timeToPgtype(r.OfferedAt), timeToPgtype(r.RejectedAt),
		timeToPgtype(r.CancelledAt), r.CreatedAt, r.UpdatedAt)
	return err
}

func (t *pgTx) GetReceipt(ctx context.Context, id uuid.UUID) (*model.Receipt, error) {
	return queryOne(ctx, t, "GetReceipt", GetReceipt, scanReceipt, uuidToPgtype(id))
}

func (t *pgTx) LockReceipt(ctx context.Context, id uuid.UUID) (*model.Receipt, error) {
	return queryOne(ctx, t, "LockReceipt", LockReceipt, scanReceipt, uuidToPgtype(id))
}

func (t *pgTx) UpdateReceipt(ctx context.Context, r *model.Receipt) error {
	return t.execOne(ctx, "UpdateReceipt", r.ID, UpdateReceipt,
		uuidToPgtype(r.ID), string(r.Status), uuidPtrToPgtype(r.AppliedInstanceID), r.LastError,
		timeToPgtype(r.AppliedAt), timeToPgtype(r.ConflictDetectedAt), timeToPgtype(r.OfferedAt),
		timeToPgtype(r.RejectedAt), timeToPgtype(r.CancelledAt), r.UpdatedAt)
}

func (t *pgTx) ListReceipts(ctx context.Context, f model.ReceiptFilter) ([]*model.Receipt, error) {
	var statuses []string
	for _, s := range f.Statuses {
		statuses = append(statuses, string(s))
	}
	return queryAll(ctx, t, "ListReceipts", ListReceipts, scanReceipt,
		optionalUUID(f.RolloutID), optionalUUID(f.InstanceID), statuses)
}

// Conflict resolutions

func (t *pgTx) InsertResolution(ctx context.Context, c *model.ConflictResolution) error {
	_, err := t.exec(ctx, "InsertResolution", InsertResolution,
		uuidToPgtype(c.ReceiptID), string(c.Resolution), uuidToPgtype(c.ResolvedBy), c.ResolvedAt,
		uuidPtrToPgtype(c.NewInstanceID))
	return err
}

func (t *pgTx) GetResolution(ctx context.Context, receiptID uuid.UUID) (*model.ConflictResolution, error) {
	return queryOne(ctx, t, "GetResolution", GetResolution, scanResolution, uuidToPgtype(receiptID))
}

// Audit

func (t *pgTx) AppendAudit(ctx context.Context, e *model.AuditEntry) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("AppendAudit: encode details: %w", err)
	}
	_, err = t.exec(ctx, "AppendAudit", AppendAudit,
		uuidToPgtype(e.ID), string(e.Action), uuidToPgtype(e.EntityID), uuidToPgtype(e.ActorID), e.CreatedAt, details)
	return err
}

func (t *pgTx) ListAudit(ctx context.Context, f model.AuditFilter) ([]*model.AuditEntry, error) {
	return queryAll(ctx, t, "ListAudit", ListAudit, scanAudit,
		optionalUUID(f.EntityID), optionalUUID(f.ActorID), string(f.Action), f.Limit)
}
