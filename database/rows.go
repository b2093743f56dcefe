package database

import (
	"encoding/json"
	"fmt"

	"f0oster/viewsync/definition"
	"f0oster/viewsync/model"

	"github.com/jackc/pgx/v5/pgtype"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (*model.Template, error) {
	var (
		t              model.Template
		id, org, owner pgtype.UUID
		current        pgtype.UUID
		retired        pgtype.Timestamptz
	)
	if err := row.Scan(&id, &t.Name, &org, &owner, &current, &t.CreatedAt, &t.UpdatedAt, &retired); err != nil {
		return nil, err
	}
	t.ID = pgtypeToUUIDValue(id)
	t.OrgID = pgtypeToUUIDValue(org)
	t.OwnerID = pgtypeToUUIDValue(owner)
	t.CurrentVersionID = pgtypeToUUIDValue(current)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.RetiredAt = pgtypeToTime(retired)
	return &t, nil
}

func scanVersion(row rowScanner) (*model.Version, error) {
	var (
		v                       model.Version
		id, template, createdBy pgtype.UUID
		raw                     []byte
	)
	if err := row.Scan(&id, &template, &v.VersionNumber, &raw, &v.Changelog, &createdBy, &v.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &v.Definition); err != nil {
		return nil, fmt.Errorf("decode definition of version %x: %w", id.Bytes, err)
	}
	v.ID = pgtypeToUUIDValue(id)
	v.TemplateID = pgtypeToUUIDValue(template)
	v.CreatedBy = pgtypeToUUIDValue(createdBy)
	v.CreatedAt = v.CreatedAt.UTC()
	return &v, nil
}

func scanInstance(row rowScanner) (*model.Instance, error) {
	var (
		i                         model.Instance
		id, org, owner, workspace pgtype.UUID
		source, synced            pgtype.UUID
		mode                      string
		raw                       []byte
	)
	err := row.Scan(&id, &org, &owner, &workspace, &i.Name, &mode, &source, &synced,
		&i.HasLocalEdits, &i.LocalEditsSummary, &raw, &i.Revision, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &i.Definition); err != nil {
		return nil, fmt.Errorf("decode definition of instance %x: %w", id.Bytes, err)
	}
	i.ID = pgtypeToUUIDValue(id)
	i.OrgID = pgtypeToUUIDValue(org)
	i.OwnerID = pgtypeToUUIDValue(owner)
	i.WorkspaceID = pgtypeToUUIDValue(workspace)
	i.UpdateMode = model.UpdateMode(mode)
	i.SourceTemplateID = pgtypeToUUID(source)
	i.SyncedVersionID = pgtypeToUUID(synced)
	i.CreatedAt = i.CreatedAt.UTC()
	i.UpdatedAt = i.UpdatedAt.UTC()
	return &i, nil
}

func scanRollout(row rowScanner) (*model.Rollout, error) {
	var (
		r                                 model.Rollout
		id, org, template, version, by    pgtype.UUID
		approvedBy                        pgtype.UUID
		mode, scope, status, role         string
		targets                           []pgtype.UUID
		approvedAt, startedAt, finishedAt pgtype.Timestamptz
	)
	err := row.Scan(&id, &org, &template, &version, &mode, &scope, &targets, &status, &by,
		&role, &approvedBy, &approvedAt, &r.ApprovalNotes, &r.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	r.ID = pgtypeToUUIDValue(id)
	r.OrgID = pgtypeToUUIDValue(org)
	r.TemplateID = pgtypeToUUIDValue(template)
	r.ToVersionID = pgtypeToUUIDValue(version)
	r.Mode = model.RolloutMode(mode)
	r.Scope = model.Scope(scope)
	r.TargetIDs = pgtypeToUUIDs(targets)
	r.Status = model.RolloutStatus(status)
	r.CreatedBy = pgtypeToUUIDValue(by)
	r.CreatedByRole = model.Role(role)
	r.ApprovedBy = pgtypeToUUID(approvedBy)
	r.ApprovedAt = pgtypeToTime(approvedAt)
	r.CreatedAt = r.CreatedAt.UTC()
	r.StartedAt = pgtypeToTime(startedAt)
	r.FinishedAt = pgtypeToTime(finishedAt)
	return &r, nil
}

func scanReceipt(row rowScanner) (*model.Receipt, error) {
	var (
		r                                               model.Receipt
		id, rollout, instance, appliedInstance          pgtype.UUID
		status                                          string
		applied, conflict, offered, rejected, cancelled pgtype.Timestamptz
	)
	err := row.Scan(&id, &rollout, &instance, &status, &appliedInstance, &r.LastError, &applied,
		&conflict, &offered, &rejected, &cancelled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.ID = pgtypeToUUIDValue(id)
	r.RolloutID = pgtypeToUUIDValue(rollout)
	r.InstanceID = pgtypeToUUIDValue(instance)
	r.Status = model.ReceiptStatus(status)
	r.AppliedInstanceID = pgtypeToUUID(appliedInstance)
	r.AppliedAt = pgtypeToTime(applied)
	r.ConflictDetectedAt = pgtypeToTime(conflict)
	r.OfferedAt = pgtypeToTime(offered)
	r.RejectedAt = pgtypeToTime(rejected)
	r.CancelledAt = pgtypeToTime(cancelled)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

func scanResolution(row rowScanner) (*model.ConflictResolution, error) {
	var (
		c                    model.ConflictResolution
		receipt, by, newInst pgtype.UUID
		resolution           string
	)
	if err := row.Scan(&receipt, &resolution, &by, &c.ResolvedAt, &newInst); err != nil {
		return nil, err
	}
	c.ReceiptID = pgtypeToUUIDValue(receipt)
	c.Resolution = model.Resolution(resolution)
	c.ResolvedBy = pgtypeToUUIDValue(by)
	c.ResolvedAt = c.ResolvedAt.UTC()
	c.NewInstanceID = pgtypeToUUID(newInst)
	return &c, nil
}

func scanAudit(row rowScanner) (*model.AuditEntry, error) {
	var (
		e                 model.AuditEntry
		id, entity, actor pgtype.UUID
		action            string
		details           []byte
	)
	if err := row.Scan(&id, &action, &entity, &actor, &e.CreatedAt, &details); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(details, &e.Details); err != nil {
		return nil, fmt.Errorf("decode audit details: %w", err)
	}
	e.ID = pgtypeToUUIDValue(id)
	e.Action = model.AuditAction(action)
	e.EntityID = pgtypeToUUIDValue(entity)
	e.ActorID = pgtypeToUUIDValue(actor)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

func encodeDefinition(d definition.Definition) ([]byte, error) {
	return d.Marshal()
}
