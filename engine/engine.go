// Package engine wires the template, instance, rollout and conflict
// services over one store and exposes them as a single command/query
// surface. Callers authenticate actors before calling in; the engine only
// authorizes them.
package engine

import (
	"context"

	"f0oster/viewsync/approval"
	"f0oster/viewsync/audit"
	"f0oster/viewsync/clock"
	"f0oster/viewsync/conflict"
	"f0oster/viewsync/definition"
	"f0oster/viewsync/logging"
	"f0oster/viewsync/metrics"
	"f0oster/viewsync/model"
	"f0oster/viewsync/registry"
	"f0oster/viewsync/rollout"
	"f0oster/viewsync/store"
	"f0oster/viewsync/versioning"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options configures New. Zero values fall back to the wall clock, a
// disabled logger, unregistered metrics and the rollout defaults.
type Options struct {
	Clock   clock.Clock
	Logger  *zerolog.Logger
	Metrics *metrics.Metrics
	// Workers bounds concurrent instance processing in ExecuteRollout.
	Workers int
	// Retries bounds attempts of writes that lose a concurrency race.
	Retries int
}

type Engine struct {
	versions *versioning.Service
	registry *registry.Service
	gate     *approval.Gate
	rollouts *rollout.Orchestrator
	resolver *conflict.Resolver
	audit    *audit.Log
}

func New(st store.Store, opts Options) *Engine {
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	retries := opts.Retries
	if retries <= 0 {
		retries = store.DefaultAttempts
	}

	auditLog := audit.NewLog(st, clk, logging.Component(logger, "audit"))
	reg := registry.NewService(st, auditLog, clk, logging.Component(logger, "registry"), retries)
	gate := approval.NewGate(st, auditLog, clk, logging.Component(logger, "approval"))
	return &Engine{
		versions: versioning.NewService(st, auditLog, clk, logging.Component(logger, "versioning"), opts.Metrics, retries),
		registry: reg,
		gate:     gate,
		rollouts: rollout.NewOrchestrator(st, reg, gate, auditLog, clk, logging.Component(logger, "rollout"), opts.Metrics, rollout.Config{
			Workers: opts.Workers,
			Retries: retries,
		}),
		resolver: conflict.NewResolver(st, reg, auditLog, clk, logging.Component(logger, "conflict"), opts.Metrics, retries),
		audit:    auditLog,
	}
}

// Templates

func (e *Engine) CreateTemplate(ctx context.Context, name string, initial definition.Definition, owner model.Actor) (*model.Template, error) {
	return e.versions.CreateTemplate(ctx, name, initial, owner)
}

func (e *Engine) PublishVersion(ctx context.Context, templateID uuid.UUID, def definition.Definition, changelog string, actor model.Actor) (*model.Version, error) {
	return e.versions.PublishVersion(ctx, templateID, def, changelog, actor)
}

func (e *Engine) RetireTemplate(ctx context.Context, templateID uuid.UUID, actor model.Actor) (*model.Template, error) {
	return e.versions.RetireTemplate(ctx, templateID, actor)
}

func (e *Engine) GetTemplate(ctx context.Context, templateID uuid.UUID) (*model.Template, error) {
	return e.versions.GetTemplate(ctx, templateID)
}

func (e *Engine) ListVersions(ctx context.Context, templateID uuid.UUID) ([]*model.Version, error) {
	return e.versions.ListVersions(ctx, templateID)
}

// Instances

func (e *Engine) CreateInstance(ctx context.Context, spec registry.InstanceSpec, owner model.Actor) (*model.Instance, error) {
	return e.registry.CreateInstance(ctx, spec, owner)
}

func (e *Engine) MarkLocalEdit(ctx context.Context, instanceID uuid.UUID, summary string, actor model.Actor) (*model.Instance, error) {
	return e.registry.MarkLocalEdit(ctx, instanceID, summary, actor)
}

func (e *Engine) EditInstance(ctx context.Context, instanceID uuid.UUID, def definition.Definition, summary string, actor model.Actor) (*model.Instance, error) {
	return e.registry.EditInstance(ctx, instanceID, def, summary, actor)
}

func (e *Engine) ForkInstance(ctx context.Context, instanceID uuid.UUID, actor model.Actor) (*model.Instance, error) {
	return e.registry.ForkInstance(ctx, instanceID, actor)
}

func (e *Engine) GetInstance(ctx context.Context, instanceID uuid.UUID) (*model.Instance, error) {
	return e.registry.GetInstance(ctx, instanceID)
}

// Rollouts

func (e *Engine) CreateRollout(ctx context.Context, req rollout.Request, creator model.Actor) (*model.Rollout, error) {
	return e.rollouts.CreateRollout(ctx, req, creator)
}

func (e *Engine) ApproveRollout(ctx context.Context, rolloutID uuid.UUID, approver model.Actor, notes string) (*model.Rollout, error) {
	return e.gate.Approve(ctx, rolloutID, approver, notes)
}

func (e *Engine) ExecuteRollout(ctx context.Context, rolloutID uuid.UUID) (*rollout.Summary, error) {
	return e.rollouts.ExecuteRollout(ctx, rolloutID)
}

func (e *Engine) RetryRollout(ctx context.Context, rolloutID uuid.UUID) (*rollout.Summary, error) {
	return e.rollouts.RetryRollout(ctx, rolloutID)
}

func (e *Engine) CancelRollout(ctx context.Context, rolloutID uuid.UUID, actor model.Actor) (*model.Rollout, error) {
	return e.rollouts.CancelRollout(ctx, rolloutID, actor)
}

func (e *Engine) GetRollout(ctx context.Context, rolloutID uuid.UUID) (*model.Rollout, error) {
	return e.rollouts.GetRollout(ctx, rolloutID)
}

func (e *Engine) ListReceipts(ctx context.Context, rolloutID uuid.UUID) ([]*model.Receipt, error) {
	return e.rollouts.ListReceipts(ctx, rolloutID)
}

// Pending updates and conflicts

func (e *Engine) AcceptPendingUpdate(ctx context.Context, receiptID uuid.UUID, actor model.Actor) (*model.Receipt, error) {
	return e.rollouts.AcceptPendingUpdate(ctx, receiptID, actor)
}

func (e *Engine) RejectPendingUpdate(ctx context.Context, receiptID uuid.UUID, actor model.Actor) (*model.Receipt, error) {
	return e.rollouts.RejectPendingUpdate(ctx, receiptID, actor)
}

func (e *Engine) ListPendingUpdatesForInstance(ctx context.Context, instanceID uuid.UUID, actor model.Actor) ([]rollout.PendingUpdate, error) {
	return e.rollouts.ListPendingUpdatesForInstance(ctx, instanceID, actor)
}

func (e *Engine) ResolveConflict(ctx context.Context, receiptID uuid.UUID, resolution model.Resolution, actor model.Actor) (*model.Receipt, error) {
	return e.resolver.ResolveConflict(ctx, receiptID, resolution, actor)
}

// Audit

func (e *Engine) GetAuditLog(ctx context.Context, filter model.AuditFilter) ([]*model.AuditEntry, error) {
	return e.audit.List(ctx, filter)
}
