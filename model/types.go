package model

import (
	"time"

	"f0oster/viewsync/definition"

	"github.com/google/uuid"
)

// Role is the role an authenticated actor holds in its organization.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

func (r Role) Valid() bool { return r == RoleAdmin || r == RoleMember }

// Actor is the caller identity handed to the engine by the auth layer.
type Actor struct {
	ID    uuid.UUID
	OrgID uuid.UUID
	Role  Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// CanManage reports whether a may act on something owned by ownerID in orgID:
// the owner, or an admin of the same organization.
func (a Actor) CanManage(orgID, ownerID uuid.UUID) bool {
	if a.OrgID != orgID {
		return false
	}
	return a.IsAdmin() || a.ID == ownerID
}

type UpdateMode string

const (
	UpdateModeManaged     UpdateMode = "managed"
	UpdateModeIndependent UpdateMode = "independent"
)

func (m UpdateMode) Valid() bool { return m == UpdateModeManaged || m == UpdateModeIndependent }

type RolloutMode string

const (
	RolloutModeForce RolloutMode = "force"
	RolloutModeSafe  RolloutMode = "safe"
	RolloutModeOptIn RolloutMode = "opt_in"
)

func (m RolloutMode) Valid() bool {
	switch m {
	case RolloutModeForce, RolloutModeSafe, RolloutModeOptIn:
		return true
	}
	return false
}

type Scope string

const (
	ScopeOrgWide            Scope = "org_wide"
	ScopeSelectedWorkspaces Scope = "selected_workspaces"
	ScopeSelectedInstances  Scope = "selected_instances"
)

func (s Scope) Valid() bool {
	switch s {
	case ScopeOrgWide, ScopeSelectedWorkspaces, ScopeSelectedInstances:
		return true
	}
	return false
}

// NeedsTargets reports whether the scope is defined by an explicit id list.
func (s Scope) NeedsTargets() bool { return s != ScopeOrgWide }

type RolloutStatus string

const (
	RolloutPendingApproval RolloutStatus = "pending_approval"
	RolloutApproved        RolloutStatus = "approved"
	RolloutExecuting       RolloutStatus = "executing"
	RolloutCompleted       RolloutStatus = "completed"
	RolloutCancelled       RolloutStatus = "cancelled"
)

type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptApplied   ReceiptStatus = "applied"
	ReceiptConflict  ReceiptStatus = "conflict"
	ReceiptRejected  ReceiptStatus = "rejected"
	ReceiptCancelled ReceiptStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ReceiptStatus) Terminal() bool {
	return s == ReceiptApplied || s == ReceiptRejected || s == ReceiptCancelled
}

type Resolution string

const (
	ResolutionKeepLocal Resolution = "keep_local"
	ResolutionApplyNew  Resolution = "apply_new"
	ResolutionFork      Resolution = "fork"
)

func (r Resolution) Valid() bool {
	switch r {
	case ResolutionKeepLocal, ResolutionApplyNew, ResolutionFork:
		return true
	}
	return false
}

// Template is an organization-owned, versioned view definition.
type Template struct {
	ID               uuid.UUID
	Name             string
	OrgID            uuid.UUID
	OwnerID          uuid.UUID
	CurrentVersionID uuid.UUID // zero only while Version #1 is being created
	CreatedAt        time.Time
	UpdatedAt        time.Time
	RetiredAt        *time.Time
}

func (t *Template) Retired() bool { return t.RetiredAt != nil }

func (t *Template) Clone() *Template {
	c := *t
	c.RetiredAt = clonePtr(t.RetiredAt)
	return &c
}

// Version is one immutable, numbered snapshot of a template's definition.
type Version struct {
	ID            uuid.UUID
	TemplateID    uuid.UUID
	VersionNumber int
	Definition    definition.Definition
	Changelog     string
	CreatedBy     uuid.UUID
	CreatedAt     time.Time
}

func (v *Version) Clone() *Version {
	c := *v
	c.Definition = v.Definition.Clone()
	return &c
}

// Instance is a tenant's own copy of a view.
type Instance struct {
	ID                uuid.UUID
	OrgID             uuid.UUID
	OwnerID           uuid.UUID
	WorkspaceID       uuid.UUID
	Name              string
	UpdateMode        UpdateMode
	SourceTemplateID  *uuid.UUID
	SyncedVersionID   *uuid.UUID
	HasLocalEdits     bool
	LocalEditsSummary string
	Definition        definition.Definition
	Revision          int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (i *Instance) Managed() bool { return i.UpdateMode == UpdateModeManaged }

// Tracks reports whether the instance is managed by templateID.
func (i *Instance) Tracks(templateID uuid.UUID) bool {
	return i.Managed() && i.SourceTemplateID != nil && *i.SourceTemplateID == templateID
}

func (i *Instance) Clone() *Instance {
	c := *i
	c.SourceTemplateID = clonePtr(i.SourceTemplateID)
	c.SyncedVersionID = clonePtr(i.SyncedVersionID)
	c.Definition = i.Definition.Clone()
	return &c
}

// Rollout is a request to move a set of managed instances to ToVersionID.
type Rollout struct {
	ID            uuid.UUID
	OrgID         uuid.UUID
	TemplateID    uuid.UUID
	ToVersionID   uuid.UUID
	Mode          RolloutMode
	Scope         Scope
	TargetIDs     []uuid.UUID
	Status        RolloutStatus
	CreatedBy     uuid.UUID
	CreatedByRole Role
	ApprovedBy    *uuid.UUID
	ApprovedAt    *time.Time
	ApprovalNotes string
	CreatedAt     time.Time
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

func (r *Rollout) Clone() *Rollout {
	c := *r
	if r.TargetIDs != nil {
		c.TargetIDs = append([]uuid.UUID(nil), r.TargetIDs...)
	}
	c.ApprovedBy = clonePtr(r.ApprovedBy)
	c.ApprovedAt = clonePtr(r.ApprovedAt)
	c.StartedAt = clonePtr(r.StartedAt)
	c.FinishedAt = clonePtr(r.FinishedAt)
	return &c
}

// Receipt records how one rollout was applied to one instance.
type Receipt struct {
	ID                 uuid.UUID
	RolloutID          uuid.UUID
	InstanceID         uuid.UUID
	Status             ReceiptStatus
	AppliedInstanceID  *uuid.UUID
	LastError          string
	AppliedAt          *time.Time
	ConflictDetectedAt *time.Time
	OfferedAt          *time.Time
	RejectedAt         *time.Time
	CancelledAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Settled reports whether the receipt no longer needs the orchestrator:
// terminal, waiting on a conflict resolution, or waiting on the user. A
// pending receipt is only settled under opt_in, once it has been offered to
// the owner and carries no LastError; under force and safe it means the
// instance was never processed.
func (r *Receipt) Settled(mode RolloutMode) bool {
	if r.Status == ReceiptPending {
		return mode == RolloutModeOptIn && r.OfferedAt != nil && r.LastError == ""
	}
	return true
}

func (r *Receipt) Clone() *Receipt {
	c := *r
	c.AppliedInstanceID = clonePtr(r.AppliedInstanceID)
	c.AppliedAt = clonePtr(r.AppliedAt)
	c.ConflictDetectedAt = clonePtr(r.ConflictDetectedAt)
	c.OfferedAt = clonePtr(r.OfferedAt)
	c.RejectedAt = clonePtr(r.RejectedAt)
	c.CancelledAt = clonePtr(r.CancelledAt)
	return &c
}

// ConflictResolution records how a conflict receipt was settled.
type ConflictResolution struct {
	ReceiptID     uuid.UUID
	Resolution    Resolution
	ResolvedBy    uuid.UUID
	ResolvedAt    time.Time
	NewInstanceID *uuid.UUID
}

func (c *ConflictResolution) Clone() *ConflictResolution {
	out := *c
	out.NewInstanceID = clonePtr(c.NewInstanceID)
	return &out
}

// Ref returns a pointer to a copy of v.
func Ref[T any](v T) *T { return &v }

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
