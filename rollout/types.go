package rollout

import (
	"f0oster/viewsync/model"

	"github.com/google/uuid"
)

// Config tunes execution. Zero values take the defaults.
type Config struct {
	// Workers bounds how many instances are processed concurrently.
	Workers int
	// Retries bounds attempts of a single instance write that lost an
	// optimistic-concurrency race.
	Retries int
}

const (
	DefaultWorkers = 4
	DefaultRetries = 5
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.Retries <= 0 {
		c.Retries = DefaultRetries
	}
	return c
}

// Request describes a rollout to create.
type Request struct {
	TemplateID  uuid.UUID
	ToVersionID uuid.UUID
	Mode        model.RolloutMode
	Scope       model.Scope
	// TargetIDs are workspace ids for selected_workspaces and instance ids
	// for selected_instances. Must be empty for org_wide.
	TargetIDs []uuid.UUID
}

// Summary counts receipt outcomes of a rollout after an execution pass.
type Summary struct {
	RolloutID uuid.UUID
	Status    model.RolloutStatus
	Targeted  int // receipts
	Skipped   int // resolved instances not managed by the template; no receipt
	Applied   int
	Conflicts int
	Pending   int // awaiting accept/reject
	Failed    int // pending with LastError, owed a retry
	Rejected  int
	Cancelled int
}

// PendingUpdate is a receipt awaiting its instance owner, with the rollout
// and version it would bring in.
type PendingUpdate struct {
	Receipt *model.Receipt
	Rollout *model.Rollout
	Version *model.Version
}
