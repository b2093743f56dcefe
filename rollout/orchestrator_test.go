package rollout_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"f0oster/viewsync/approval"
	"f0oster/viewsync/audit"
	"f0oster/viewsync/clock"
	"f0oster/viewsync/definition"
	"f0oster/viewsync/metrics"
	"f0oster/viewsync/model"
	"f0oster/viewsync/registry"
	"f0oster/viewsync/rollout"
	"f0oster/viewsync/store/memstore"
	"f0oster/viewsync/versioning"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func tableDef(keys ...string) definition.Definition {
	d := definition.Definition{Layout: definition.LayoutTable}
	for _, k := range keys {
		d.Columns = append(d.Columns, definition.Column{Key: k})
	}
	return d
}

var (
	v1Def = tableDef("title")
	v2Def = tableDef("title", "quarter")
	local = tableDef("title", "team")
)

type fixture struct {
	st       *memstore.Store
	clock    *clock.Fake
	log      *audit.Log
	versions *versioning.Service
	registry *registry.Service
	gate     *approval.Gate
	orch     *rollout.Orchestrator
	metrics  *metrics.Metrics

	admin  model.Actor
	owner  model.Actor
	member model.Actor

	tpl *model.Template
	v2  *model.Version
}

// newFixture publishes a template at Version #2 with no instances yet.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	clk := clock.NewFake(time.Date(2026, 8, 3, 9, 0, 0, 0, time.UTC))
	log := audit.NewLog(st, clk, zerolog.Nop())
	m := metrics.New(prometheus.NewRegistry())
	reg := registry.NewService(st, log, clk, zerolog.Nop(), 5)
	gate := approval.NewGate(st, log, clk, zerolog.Nop())
	org := uuid.New()

	f := &fixture{
		st:       st,
		clock:    clk,
		log:      log,
		versions: versioning.NewService(st, log, clk, zerolog.Nop(), m, 5),
		registry: reg,
		gate:     gate,
		orch:     rollout.NewOrchestrator(st, reg, gate, log, clk, zerolog.Nop(), m, rollout.Config{Workers: 3}),
		metrics:  m,
		admin:    model.Actor{ID: uuid.New(), OrgID: org, Role: model.RoleAdmin},
		owner:    model.Actor{ID: uuid.New(), OrgID: org, Role: model.RoleMember},
		member:   model.Actor{ID: uuid.New(), OrgID: org, Role: model.RoleMember},
	}
	var err error
	f.tpl, err = f.versions.CreateTemplate(ctx, "Sprint board", v1Def, f.admin)
	require.NoError(t, err)
	return f
}

func (f *fixture) publish(t *testing.T) {
	t.Helper()
	var err error
	f.v2, err = f.versions.PublishVersion(context.Background(), f.tpl.ID, v2Def, "Add quarter", f.admin)
	require.NoError(t, err)
}

func (f *fixture) managed(t *testing.T, workspace uuid.UUID, edited bool) *model.Instance {
	t.Helper()
	ctx := context.Background()
	inst, err := f.registry.CreateInstance(ctx, registry.InstanceSpec{
		SourceTemplateID: &f.tpl.ID,
		UpdateMode:       model.UpdateModeManaged,
		WorkspaceID:      workspace,
		Name:             "board",
	}, f.owner)
	require.NoError(t, err)
	if edited {
		inst, err = f.registry.EditInstance(ctx, inst.ID, local, "added team", f.owner)
		require.NoError(t, err)
	}
	return inst
}

func (f *fixture) independent(t *testing.T, workspace uuid.UUID) *model.Instance {
	t.Helper()
	def := v1Def
	inst, err := f.registry.CreateInstance(context.Background(), registry.InstanceSpec{
		SourceTemplateID: &f.tpl.ID,
		Definition:       &def,
		UpdateMode:       model.UpdateModeIndependent,
		WorkspaceID:      workspace,
		Name:             "my own board",
	}, f.owner)
	require.NoError(t, err)
	return inst
}

func (f *fixture) instance(t *testing.T, id uuid.UUID) *model.Instance {
	t.Helper()
	inst, err := f.registry.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func (f *fixture) create(t *testing.T, mode model.RolloutMode, scope model.Scope, targets ...uuid.UUID) *model.Rollout {
	t.Helper()
	r, err := f.orch.CreateRollout(context.Background(), rollout.Request{
		TemplateID:  f.tpl.ID,
		ToVersionID: f.v2.ID,
		Mode:        mode,
		Scope:       scope,
		TargetIDs:   targets,
	}, f.admin)
	require.NoError(t, err)
	require.Equal(t, model.RolloutApproved, r.Status)
	return r
}

func (f *fixture) receiptFor(t *testing.T, rolloutID, instanceID uuid.UUID) *model.Receipt {
	t.Helper()
	receipts, err := f.orch.ListReceipts(context.Background(), rolloutID)
	require.NoError(t, err)
	for _, rc := range receipts {
		if rc.InstanceID == instanceID {
			return rc
		}
	}
	t.Fatalf("no receipt for instance %s", instanceID)
	return nil
}

func (f *fixture) actions(t *testing.T, entityID uuid.UUID) []model.AuditAction {
	t.Helper()
	entries, err := f.log.List(context.Background(), model.AuditFilter{EntityID: entityID})
	require.NoError(t, err)
	out := make([]model.AuditAction, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

// failUpdates makes every write to the given instances fail.
func (f *fixture) failUpdates(ids ...uuid.UUID) {
	f.st.SetFault(func(op string, id uuid.UUID) error {
		if op != "UpdateInstance" {
			return nil
		}
		for _, bad := range ids {
			if id == bad {
				return errors.New("disk full")
			}
		}
		return nil
	})
}

func TestForceOverwritesLocalEdits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ws := uuid.New()
	clean := f.managed(t, ws, false)
	edited := f.managed(t, ws, true)
	indep := f.independent(t, ws)
	f.publish(t)

	r := f.create(t, model.RolloutModeForce, model.ScopeOrgWide)
	summary, err := f.orch.ExecuteRollout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, rollout.Summary{
		RolloutID: r.ID,
		Status:    model.RolloutCompleted,
		Targeted:  2,
		Skipped:   1,
		Applied:   2,
	}, *summary)

	for _, id := range []uuid.UUID{clean.ID, edited.ID} {
		inst := f.instance(t, id)
		assert.Equal(t, v2Def, inst.Definition)
		assert.Equal(t, f.v2.ID, *inst.SyncedVersionID)
		assert.False(t, inst.HasLocalEdits)
		assert.Empty(t, inst.LocalEditsSummary)

		rc := f.receiptFor(t, r.ID, id)
		assert.Equal(t, model.ReceiptApplied, rc.Status)
		assert.Equal(t, id, *rc.AppliedInstanceID)
		assert.NotNil(t, rc.AppliedAt)
	}
	assert.Equal(t, v1Def, f.instance(t, indep.ID).Definition, "independent instances are never touched")

	got, err := f.orch.GetRollout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RolloutCompleted, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)
	assert.Equal(t, []model.AuditAction{
		model.AuditRolloutCreated,
		model.AuditRolloutStarted,
		model.AuditRolloutCompleted,
	}, f.actions(t, r.ID))
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.Receipts.WithLabelValues("force", "applied")))

	_, err = f.orch.ExecuteRollout(ctx, r.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState, "a completed rollout cannot run again")
}

func TestSafeConflictsOnLocalEdits(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ws := uuid.New()
	clean := f.managed(t, ws, false)
	edited := f.managed(t, ws, true)
	f.publish(t)

	r := f.create(t, model.RolloutModeSafe, model.ScopeOrgWide)
	summary, err := f.orch.ExecuteRollout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RolloutCompleted, summary.Status)
	assert.Equal(t, 1, summary.Applied)
	assert.Equal(t, 1, summary.Conflicts)

	assert.Equal(t, v2Def, f.instance(t, clean.ID).Definition)

	untouched := f.instance(t, edited.ID)
	assert.Equal(t, local, untouched.Definition)
	assert.True(t, untouched.HasLocalEdits)
	assert.Equal(t, f.tpl.CurrentVersionID, *untouched.SyncedVersionID)

	rc := f.receiptFor(t, r.ID, edited.ID)
	assert.Equal(t, model.ReceiptConflict, rc.Status)
	assert.NotNil(t, rc.ConflictDetectedAt)
	assert.Equal(t, []model.AuditAction{model.AuditReceiptConflict}, f.actions(t, rc.ID))

	updates, err := f.orch.ListPendingUpdatesForInstance(ctx, edited.ID, f.owner)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, rc.ID, updates[0].Receipt.ID)
	assert.Equal(t, r.ID, updates[0].Rollout.ID)
	assert.Equal(t, 2, updates[0].Version.VersionNumber)

	_, err = f.orch.AcceptPendingUpdate(ctx, rc.ID, f.owner)
	assert.ErrorIs(t, err, model.ErrInvalidState, "conflicts go through the resolver")
}

func TestOptInWaitsForOwner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ws := uuid.New()
	a := f.managed(t, ws, true)
	b := f.managed(t, ws, false)
	f.publish(t)

	r := f.create(t, model.RolloutModeOptIn, model.ScopeOrgWide)
	summary, err := f.orch.ExecuteRollout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RolloutCompleted, summary.Status, "receipts awaiting the user do not hold the rollout open")
	assert.Equal(t, 2, summary.Pending)
	assert.Equal(t, local, f.instance(t, a.ID).Definition)
	assert.Equal(t, v1Def, f.instance(t, b.ID).Definition)

	ra := f.receiptFor(t, r.ID, a.ID)
	rb := f.receiptFor(t, r.ID, b.ID)

	updates, err := f.orch.ListPendingUpdatesForInstance(ctx, a.ID, f.owner)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, ra.ID, updates[0].Receipt.ID)

	_, err = f.orch.ListPendingUpdatesForInstance(ctx, a.ID, f.member)
	assert.ErrorIs(t, err, model.ErrPermissionDenied)
	_, err = f.orch.AcceptPendingUpdate(ctx, ra.ID, f.member)
	assert.ErrorIs(t, err, model.ErrPermissionDenied)
	_, err = f.orch.RejectPendingUpdate(ctx, ra.ID, f.member)
	assert.ErrorIs(t, err, model.ErrPermissionDenied)
	_, err = f.orch.AcceptPendingUpdate(ctx, uuid.New(), f.owner)
	assert.ErrorIs(t, err, model.ErrNotFound)

	accepted, err := f.orch.AcceptPendingUpdate(ctx, ra.ID, f.owner)
	require.NoError(t, err)
	assert.Equal(t, model.ReceiptApplied, accepted.Status)
	inst := f.instance(t, a.ID)
	assert.Equal(t, v2Def, inst.Definition, "accept applies regardless of local edits")
	assert.False(t, inst.HasLocalEdits)
	assert.Equal(t, f.v2.ID, *inst.SyncedVersionID)

	rejected, err := f.orch.RejectPendingUpdate(ctx, rb.ID, f.admin)
	require.NoError(t, err)
	assert.Equal(t, model.ReceiptRejected, rejected.Status)
	assert.NotNil(t, rejected.RejectedAt)
	assert.Equal(t, v1Def, f.instance(t, b.ID).Definition)

	_, err = f.orch.AcceptPendingUpdate(ctx, ra.ID, f.owner)
	assert.ErrorIs(t, err, model.ErrInvalidState)
	_, err = f.orch.AcceptPendingUpdate(ctx, rb.ID, f.owner)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	assert.Equal(t, []model.AuditAction{model.AuditReceiptPending, model.AuditPendingUpdateAccepted}, f.actions(t, ra.ID))
	assert.Equal(t, []model.AuditAction{model.AuditReceiptPending, model.AuditPendingUpdateRejected}, f.actions(t, rb.ID))
}

func TestAcceptAfterForkIsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.managed(t, uuid.New(), false)
	f.publish(t)

	r := f.create(t, model.RolloutModeOptIn, model.ScopeOrgWide)
	_, err := f.orch.ExecuteRollout(ctx, r.ID)
	require.NoError(t, err)
	_, err = f.registry.ForkInstance(ctx, inst.ID, f.owner)
	require.NoError(t, err)

	_, err = f.orch.AcceptPendingUpdate(ctx, f.receiptFor(t, r.ID, inst.ID).ID, f.owner)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestScopes(t *testing.T) {
	ctx := context.Background()

	t.Run("selected workspaces", func(t *testing.T) {
		f := newFixture(t)
		wsA, wsB, wsC := uuid.New(), uuid.New(), uuid.New()
		inA := f.managed(t, wsA, false)
		inB := f.managed(t, wsB, false)
		outC := f.managed(t, wsC, false)
		f.independent(t, wsA)
		f.publish(t)

		r := f.create(t, model.RolloutModeForce, model.ScopeSelectedWorkspaces, wsA, wsB)
		summary, err := f.orch.ExecuteRollout(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, summary.Applied)
		assert.Equal(t, 1, summary.Skipped)
		assert.Equal(t, v2Def, f.instance(t, inA.ID).Definition)
		assert.Equal(t, v2Def, f.instance(t, inB.ID).Definition)
		assert.Equal(t, v1Def, f.instance(t, outC.ID).Definition)
	})

	t.Run("selected instances", func(t *testing.T) {
		f := newFixture(t)
		ws := uuid.New()
		picked := f.managed(t, ws, false)
		other := f.managed(t, ws, false)
		indep := f.independent(t, ws)
		f.publish(t)

		r := f.create(t, model.RolloutModeForce, model.ScopeSelectedInstances, picked.ID, indep.ID)
		summary, err := f.orch.ExecuteRollout(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Targeted)
		assert.Equal(t, 1, summary.Applied)
		assert.Equal(t, 1, summary.Skipped)
		assert.Equal(t, v2Def, f.instance(t, picked.ID).Definition)
		assert.Equal(t, v1Def, f.instance(t, other.ID).Definition)

		receipts, err := f.orch.ListReceipts(ctx, r.ID)
		require.NoError(t, err)
		require.Len(t, receipts, 1, "independent instances get no receipt")
	})

	t.Run("other templates are out of scope", func(t *testing.T) {
		f := newFixture(t)
		ws := uuid.New()
		mine := f.managed(t, ws, false)
		otherTpl, err := f.versions.CreateTemplate(ctx, "Other", v1Def, f.admin)
		require.NoError(t, err)
		foreign, err := f.registry.CreateInstance(ctx, registry.InstanceSpec{
			SourceTemplateID: &otherTpl.ID,
			UpdateMode:       model.UpdateModeManaged,
			WorkspaceID:      ws,
			Name:             "other board",
		}, f.owner)
		require.NoError(t, err)
		f.publish(t)

		r := f.create(t, model.RolloutModeForce, model.ScopeOrgWide)
		summary, err := f.orch.ExecuteRollout(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Applied)
		assert.Equal(t, v2Def, f.instance(t, mine.ID).Definition)
		assert.Equal(t, v1Def, f.instance(t, foreign.ID).Definition)
	})
}

func TestMemberRolloutNeedsApproval(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	mine := f.managed(t, uuid.New(), false)
	f.publish(t)

	own, err := f.orch.CreateRollout(ctx, rollout.Request{
		TemplateID:  f.tpl.ID,
		ToVersionID: f.v2.ID,
		Mode:        model.RolloutModeForce,
		Scope:       model.ScopeSelectedInstances,
		TargetIDs:   []uuid.UUID{mine.ID},
	}, f.owner)
	require.NoError(t, err)
	assert.Equal(t, model.RolloutApproved, own.Status, "a member may push to their own instances")
	assert.Nil(t, own.ApprovedBy)

	wide, err := f.orch.CreateRollout(ctx, rollout.Request{
		TemplateID:  f.tpl.ID,
		ToVersionID: f.v2.ID,
		Mode:        model.RolloutModeSafe,
		Scope:       model.ScopeOrgWide,
	}, f.member)
	require.NoError(t, err)
	assert.Equal(t, model.RolloutPendingApproval, wide.Status)

	_, err = f.orch.ExecuteRollout(ctx, wide.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	_, err = f.gate.Approve(ctx, wide.ID, f.admin, "ok")
	require.NoError(t, err)
	summary, err := f.orch.ExecuteRollout(ctx, wide.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RolloutCompleted, summary.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RolloutsCreated.WithLabelValues("safe", "pending_approval")))
}

func TestCreateRolloutValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.managed(t, uuid.New(), false)
	f.publish(t)
	other, err := f.versions.CreateTemplate(ctx, "Other", v1Def, f.admin)
	require.NoError(t, err)
	stranger := model.Actor{ID: uuid.New(), OrgID: uuid.New(), Role: model.RoleAdmin}

	base := rollout.Request{TemplateID: f.tpl.ID, ToVersionID: f.v2.ID, Mode: model.RolloutModeForce, Scope: model.ScopeOrgWide}
	with := func(fn func(*rollout.Request)) rollout.Request {
		r := base
		fn(&r)
		return r
	}

	tests := []struct {
		name  string
		req   rollout.Request
		actor model.Actor
		want  error
	}{
		{"unknown mode", with(func(r *rollout.Request) { r.Mode = "eventually" }), f.admin, model.ErrValidation},
		{"unknown scope", with(func(r *rollout.Request) { r.Scope = "galaxy" }), f.admin, model.ErrValidation},
		{"org wide with targets", with(func(r *rollout.Request) { r.TargetIDs = []uuid.UUID{inst.ID} }), f.admin, model.ErrValidation},
		{"no targets", with(func(r *rollout.Request) { r.Scope = model.ScopeSelectedWorkspaces }), f.admin, model.ErrValidation},
		{"duplicate targets", with(func(r *rollout.Request) {
			r.Scope = model.ScopeSelectedInstances
			r.TargetIDs = []uuid.UUID{inst.ID, inst.ID}
		}), f.admin, model.ErrValidation},
		{"version of another template", with(func(r *rollout.Request) { r.ToVersionID = other.CurrentVersionID }), f.admin, model.ErrValidation},
		{"unknown version", with(func(r *rollout.Request) { r.ToVersionID = uuid.New() }), f.admin, model.ErrValidation},
		{"unknown template", with(func(r *rollout.Request) { r.TemplateID = uuid.New() }), f.admin, model.ErrNotFound},
		{"unknown target", with(func(r *rollout.Request) {
			r.Scope = model.ScopeSelectedInstances
			r.TargetIDs = []uuid.UUID{uuid.New()}
		}), f.admin, model.ErrNotFound},
		{"foreign organization", base, stranger, model.ErrPermissionDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.CreateRollout(ctx, tt.req, tt.actor)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err = f.versions.RetireTemplate(ctx, f.tpl.ID, f.admin)
	require.NoError(t, err)
	_, err = f.orch.CreateRollout(ctx, base, f.admin)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestFailedInstanceIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ws := uuid.New()
	good := f.managed(t, ws, false)
	bad := f.managed(t, ws, false)
	f.publish(t)

	r := f.create(t, model.RolloutModeForce, model.ScopeOrgWide)
	f.failUpdates(bad.ID)
	summary, err := f.orch.ExecuteRollout(ctx, r.ID)
	require.NoError(t, err, "per-instance failures do not fail the batch")
	assert.Equal(t, model.RolloutExecuting, summary.Status)
	assert.Equal(t, 1, summary.Applied)
	assert.Equal(t, 1, summary.Failed)

	assert.Equal(t, v2Def, f.instance(t, good.ID).Definition)
	assert.Equal(t, v1Def, f.instance(t, bad.ID).Definition)
	rc := f.receiptFor(t, r.ID, bad.ID)
	assert.Equal(t, model.ReceiptPending, rc.Status)
	assert.Contains(t, rc.LastError, "disk full")

	entries, err := f.log.List(ctx, model.AuditFilter{EntityID: r.ID, Action: model.AuditRolloutInstanceFailed})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, bad.ID, entries[0].Details.InstanceID)
	assert.Equal(t, rc.ID, entries[0].Details.ReceiptID)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.InstanceFailures))

	f.st.SetFault(nil)
	f.clock.Advance(90 * time.Minute)
	summary, err = f.orch.RetryRollout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RolloutCompleted, summary.Status)
	assert.Equal(t, 2, summary.Applied)
	assert.Zero(t, summary.Failed)
	assert.Empty(t, f.receiptFor(t, r.ID, bad.ID).LastError)
	assert.Equal(t, v2Def, f.instance(t, bad.ID).Definition)

	completed, err := f.log.List(ctx, model.AuditFilter{EntityID: r.ID, Action: model.AuditRolloutCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, 90*time.Minute, completed[0].Details.Elapsed)
	assert.Equal(t, 2, completed[0].Details.Count)

	_, err = f.orch.RetryRollout(ctx, r.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)
}

func TestRetrySkipsInstanceForkedInBetween(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.managed(t, uuid.New(), true)
	f.publish(t)

	r := f.create(t, model.RolloutModeForce, model.ScopeOrgWide)
	f.failUpdates(inst.ID)
	_, err := f.orch.ExecuteRollout(ctx, r.ID)
	require.NoError(t, err)
	f.st.SetFault(nil)

	_, err = f.registry.ForkInstance(ctx, inst.ID, f.owner)
	require.NoError(t, err)
	summary, err := f.orch.RetryRollout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RolloutCompleted, summary.Status)
	assert.Equal(t, 1, summary.Cancelled)

	rc := f.receiptFor(t, r.ID, inst.ID)
	assert.Equal(t, model.ReceiptCancelled, rc.Status)
	assert.Contains(t, f.actions(t, rc.ID), model.AuditReceiptSkipped)
	assert.Equal(t, local, f.instance(t, inst.ID).Definition)
}

func TestCancelRollout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ws := uuid.New()
	failing := f.managed(t, ws, false)
	edited := f.managed(t, ws, true)
	clean := f.managed(t, ws, false)
	f.publish(t)

	r := f.create(t, model.RolloutModeSafe, model.ScopeOrgWide)
	_, err := f.orch.CancelRollout(ctx, r.ID, f.admin)
	assert.ErrorIs(t, err, model.ErrInvalidState, "only executing rollouts can be cancelled")

	f.failUpdates(failing.ID)
	summary, err := f.orch.ExecuteRollout(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, model.RolloutExecuting, summary.Status)
	f.st.SetFault(nil)

	_, err = f.orch.CancelRollout(ctx, r.ID, f.member)
	assert.ErrorIs(t, err, model.ErrPermissionDenied)

	cancelled, err := f.orch.CancelRollout(ctx, r.ID, f.admin)
	require.NoError(t, err)
	assert.Equal(t, model.RolloutCancelled, cancelled.Status)
	assert.NotNil(t, cancelled.FinishedAt)

	assert.Equal(t, model.ReceiptCancelled, f.receiptFor(t, r.ID, failing.ID).Status)
	assert.Equal(t, model.ReceiptCancelled, f.receiptFor(t, r.ID, edited.ID).Status)
	assert.Equal(t, model.ReceiptApplied, f.receiptFor(t, r.ID, clean.ID).Status)
	assert.Equal(t, v2Def, f.instance(t, clean.ID).Definition, "applied instances are not reverted")

	_, err = f.orch.CancelRollout(ctx, r.ID, f.admin)
	assert.ErrorIs(t, err, model.ErrInvalidState)
	_, err = f.orch.RetryRollout(ctx, r.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	entries, err := f.log.List(ctx, model.AuditFilter{EntityID: r.ID, Action: model.AuditRolloutCancelled})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, f.admin.ID, entries[0].ActorID)
	assert.Equal(t, 2, entries[0].Details.Count)
}

func TestRetiredTemplateCancelsRollout(t *testing.T) {
	ctx := context.Background()

	t.Run("before execution", func(t *testing.T) {
		f := newFixture(t)
		inst := f.managed(t, uuid.New(), false)
		f.publish(t)
		r := f.create(t, model.RolloutModeForce, model.ScopeOrgWide)

		_, err := f.versions.RetireTemplate(ctx, f.tpl.ID, f.admin)
		require.NoError(t, err)
		summary, err := f.orch.ExecuteRollout(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RolloutCancelled, summary.Status)
		assert.Zero(t, summary.Targeted)
		assert.Equal(t, v1Def, f.instance(t, inst.ID).Definition)

		entries, err := f.log.List(ctx, model.AuditFilter{EntityID: r.ID, Action: model.AuditRolloutCancelled})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, model.SystemActorID, entries[0].ActorID)
		assert.NotEmpty(t, entries[0].Details.Error)
	})

	t.Run("during execution", func(t *testing.T) {
		f := newFixture(t)
		ws := uuid.New()
		done := f.managed(t, ws, false)
		owed := f.managed(t, ws, false)
		f.publish(t)
		r := f.create(t, model.RolloutModeForce, model.ScopeOrgWide)

		f.failUpdates(owed.ID)
		_, err := f.orch.ExecuteRollout(ctx, r.ID)
		require.NoError(t, err)
		f.st.SetFault(nil)

		_, err = f.versions.RetireTemplate(ctx, f.tpl.ID, f.admin)
		require.NoError(t, err)
		summary, err := f.orch.RetryRollout(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, model.RolloutCancelled, summary.Status)
		assert.Equal(t, 1, summary.Applied)
		assert.Equal(t, 1, summary.Cancelled)

		assert.Equal(t, v2Def, f.instance(t, done.ID).Definition)
		untouched := f.instance(t, owed.ID)
		assert.Equal(t, v1Def, untouched.Definition)
		assert.Equal(t, f.tpl.CurrentVersionID, *untouched.SyncedVersionID)
	})
}

func TestManyInstancesWithBoundedWorkers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ws := uuid.New()
	ids := make([]uuid.UUID, 0, 25)
	for i := 0; i < 25; i++ {
		ids = append(ids, f.managed(t, ws, i%5 == 0).ID)
	}
	f.publish(t)

	r := f.create(t, model.RolloutModeSafe, model.ScopeOrgWide)
	summary, err := f.orch.ExecuteRollout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, summary.Targeted)
	assert.Equal(t, 20, summary.Applied)
	assert.Equal(t, 5, summary.Conflicts)

	for i, id := range ids {
		want := v2Def
		if i%5 == 0 {
			want = local
		}
		assert.Equal(t, want, f.instance(t, id).Definition, fmt.Sprintf("instance %d", i))
	}
}

func TestListReceiptsUnknownRollout(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.ListReceipts(context.Background(), uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestAnswerSurvivesFailedSettle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	inst := f.managed(t, uuid.New(), false)
	f.publish(t)

	r := f.create(t, model.RolloutModeForce, model.ScopeOrgWide)
	f.failUpdates(inst.ID)
	_, err := f.orch.ExecuteRollout(ctx, r.ID)
	require.NoError(t, err)
	rc := f.receiptFor(t, r.ID, inst.ID)
	require.NotEmpty(t, rc.LastError)

	f.st.SetFault(func(op string, id uuid.UUID) error {
		if op == "UpdateRollout" {
			return errors.New("transient")
		}
		return nil
	})
	accepted, err := f.orch.AcceptPendingUpdate(ctx, rc.ID, f.owner)
	require.NoError(t, err, "the answer is committed even when the rollout cannot be settled")
	require.NotNil(t, accepted)
	assert.Equal(t, model.ReceiptApplied, accepted.Status)
	assert.Equal(t, f.v2.ID, *f.instance(t, inst.ID).SyncedVersionID)

	got, err := f.orch.GetRollout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RolloutExecuting, got.Status)

	f.st.SetFault(nil)
	summary, err := f.orch.RetryRollout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RolloutCompleted, summary.Status)
	assert.Equal(t, 1, summary.Applied)
}

func TestOptInCompletesOnlyOnceEveryReceiptIsOffered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ws := uuid.New()
	offered := f.managed(t, ws, false)
	skipped := f.managed(t, ws, false)
	f.publish(t)
	orch := rollout.NewOrchestrator(f.st, f.registry, f.gate, f.log, f.clock, zerolog.Nop(), f.metrics, rollout.Config{Workers: 1})

	// The walk stops short of one instance without marking its receipt, as
	// if it had not reached it yet.
	var dropNextReceiptWrite atomic.Bool
	f.st.SetFault(func(op string, id uuid.UUID) error {
		switch {
		case op == "LockInstance" && id == skipped.ID:
			dropNextReceiptWrite.Store(true)
			return errors.New("connection reset")
		case op == "UpdateReceipt" && dropNextReceiptWrite.CompareAndSwap(true, false):
			return errors.New("connection reset")
		}
		return nil
	})

	r := f.create(t, model.RolloutModeOptIn, model.ScopeOrgWide)
	summary, err := orch.ExecuteRollout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RolloutExecuting, summary.Status)
	f.st.SetFault(nil)

	unreached := f.receiptFor(t, r.ID, skipped.ID)
	assert.Equal(t, model.ReceiptPending, unreached.Status)
	assert.Nil(t, unreached.OfferedAt)
	assert.Empty(t, unreached.LastError)
	updates, err := orch.ListPendingUpdatesForInstance(ctx, skipped.ID, f.owner)
	require.NoError(t, err)
	assert.Empty(t, updates, "nothing is offered before the walk reaches the instance")

	rc := f.receiptFor(t, r.ID, offered.ID)
	require.NotNil(t, rc.OfferedAt)
	_, err = orch.RejectPendingUpdate(ctx, rc.ID, f.owner)
	require.NoError(t, err)
	got, err := orch.GetRollout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RolloutExecuting, got.Status, "an answer does not complete a walk that is still owed receipts")

	summary, err = orch.RetryRollout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RolloutCompleted, summary.Status)
	assert.Equal(t, 1, summary.Pending)
	assert.Equal(t, 1, summary.Rejected)
	assert.NotNil(t, f.receiptFor(t, r.ID, skipped.ID).OfferedAt)
}

func TestLocalEditsRaceSafeRollout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ws := uuid.New()
	const instances = 20
	ids := make([]uuid.UUID, 0, instances)
	for i := 0; i < instances; i++ {
		ids = append(ids, f.managed(t, ws, false).ID)
	}
	f.publish(t)
	r := f.create(t, model.RolloutModeSafe, model.ScopeOrgWide)

	var g errgroup.Group
	g.Go(func() error {
		_, err := f.orch.ExecuteRollout(ctx, r.ID)
		return err
	})
	for _, id := range ids {
		g.Go(func() error {
			_, err := f.registry.MarkLocalEdit(ctx, id, "renamed a column", f.owner)
			return err
		})
	}
	require.NoError(t, g.Wait())

	for i, id := range ids {
		inst := f.instance(t, id)
		rc := f.receiptFor(t, r.ID, id)
		assert.True(t, inst.HasLocalEdits, "instance %d keeps its edit mark", i)
		switch rc.Status {
		case model.ReceiptApplied:
			assert.Equal(t, v2Def, inst.Definition, "instance %d", i)
			assert.Equal(t, f.v2.ID, *inst.SyncedVersionID, "instance %d", i)
		case model.ReceiptConflict:
			assert.Equal(t, v1Def, inst.Definition, "instance %d", i)
			assert.Equal(t, f.tpl.CurrentVersionID, *inst.SyncedVersionID, "instance %d", i)
		default:
			t.Errorf("instance %d: unexpected receipt status %s", i, rc.Status)
		}
	}
	got, err := f.orch.GetRollout(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RolloutCompleted, got.Status)
}
