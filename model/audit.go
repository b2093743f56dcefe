package model

import (
	"time"

	"github.com/google/uuid"
)

type AuditAction string

const (
	AuditTemplateCreated       AuditAction = "template_created"
	AuditTemplateRetired       AuditAction = "template_retired"
	AuditVersionPublished      AuditAction = "version_published"
	AuditInstanceCreated       AuditAction = "instance_created"
	AuditInstanceEdited        AuditAction = "instance_edited"
	AuditInstanceLocalEdit     AuditAction = "instance_local_edit_marked"
	AuditInstanceForked        AuditAction = "instance_forked"
	AuditRolloutCreated        AuditAction = "rollout_created"
	AuditRolloutApproved       AuditAction = "rollout_approved"
	AuditRolloutStarted        AuditAction = "rollout_started"
	AuditReceiptApplied        AuditAction = "receipt_applied"
	AuditReceiptConflict       AuditAction = "receipt_conflict"
	AuditReceiptPending        AuditAction = "receipt_pending"
	AuditReceiptSkipped        AuditAction = "receipt_skipped"
	AuditRolloutInstanceFailed AuditAction = "rollout_instance_failed"
	AuditRolloutCompleted      AuditAction = "rollout_completed"
	AuditRolloutCancelled      AuditAction = "rollout_cancelled"
	AuditPendingUpdateAccepted AuditAction = "pending_update_accepted"
	AuditPendingUpdateRejected AuditAction = "pending_update_rejected"
	AuditConflictResolved      AuditAction = "conflict_resolved"
)

// AuditDetails is the typed payload of an audit entry. Unset fields are
// omitted from the stored JSON.
type AuditDetails struct {
	TemplateID    uuid.UUID     `json:"template_id,omitzero"`
	VersionID     uuid.UUID     `json:"version_id,omitzero"`
	VersionNumber int           `json:"version_number,omitempty"`
	RolloutID     uuid.UUID     `json:"rollout_id,omitzero"`
	ReceiptID     uuid.UUID     `json:"receipt_id,omitzero"`
	InstanceID    uuid.UUID     `json:"instance_id,omitzero"`
	NewInstanceID uuid.UUID     `json:"new_instance_id,omitzero"`
	Name          string        `json:"name,omitempty"`
	Mode          RolloutMode   `json:"mode,omitempty"`
	Scope         Scope         `json:"scope,omitempty"`
	Status        string        `json:"status,omitempty"`
	Resolution    Resolution    `json:"resolution,omitempty"`
	Summary       string        `json:"summary,omitempty"`
	Notes         string        `json:"notes,omitempty"`
	Error         string        `json:"error,omitempty"`
	Count         int           `json:"count,omitempty"`
	UpdateMode    UpdateMode    `json:"update_mode,omitempty"`
	Changelog     string        `json:"changelog,omitempty"`
	Role          Role          `json:"role,omitempty"`
	Targets       []uuid.UUID   `json:"targets,omitempty"`
	Elapsed       time.Duration `json:"elapsed_ns,omitempty"`
}

// AuditEntry is an immutable audit record.
type AuditEntry struct {
	ID        uuid.UUID
	Action    AuditAction
	EntityID  uuid.UUID
	ActorID   uuid.UUID
	CreatedAt time.Time
	Details   AuditDetails
}

func (e *AuditEntry) Clone() *AuditEntry {
	c := *e
	if e.Details.Targets != nil {
		c.Details.Targets = append([]uuid.UUID(nil), e.Details.Targets...)
	}
	return &c
}

// SystemActorID attributes audit entries the engine writes on its own behalf.
var SystemActorID = uuid.Nil

// AuditFilter selects audit entries. Zero fields match everything; a zero
// Limit returns every match.
type AuditFilter struct {
	EntityID uuid.UUID
	ActorID  uuid.UUID
	Action   AuditAction
	Limit    int
}

// InstanceFilter selects instances within one organization. Empty slices
// and nil pointers do not restrict.
type InstanceFilter struct {
	OrgID            uuid.UUID
	SourceTemplateID *uuid.UUID
	WorkspaceIDs     []uuid.UUID
	IDs              []uuid.UUID
	ManagedOnly      bool
}

// ReceiptFilter selects receipts. Zero ids and an empty Statuses do not restrict.
type ReceiptFilter struct {
	RolloutID  uuid.UUID
	InstanceID uuid.UUID
	Statuses   []ReceiptStatus
}
