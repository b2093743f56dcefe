// Package storetest is a conformance suite for store.Store implementations.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"f0oster/viewsync/definition"
	"f0oster/viewsync/model"
	"f0oster/viewsync/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises every store.Tx method against stores built by newStore.
// Each subtest gets a fresh store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("TemplateAndVersions", func(t *testing.T) { testTemplateAndVersions(t, newStore(t)) })
	t.Run("DuplicateVersionNumber", func(t *testing.T) { testDuplicateVersionNumber(t, newStore(t)) })
	t.Run("DuplicateTemplateName", func(t *testing.T) { testDuplicateTemplateName(t, newStore(t)) })
	t.Run("InstanceRevision", func(t *testing.T) { testInstanceRevision(t, newStore(t)) })
	t.Run("ListInstances", func(t *testing.T) { testListInstances(t, newStore(t)) })
	t.Run("Receipts", func(t *testing.T) { testReceipts(t, newStore(t)) })
	t.Run("Resolutions", func(t *testing.T) { testResolutions(t, newStore(t)) })
	t.Run("AuditOrderAndFilter", func(t *testing.T) { testAudit(t, newStore(t)) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
}

var epoch = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func sampleDefinition(key string) definition.Definition {
	return definition.Definition{
		Layout:  definition.LayoutTable,
		Columns: []definition.Column{{Key: key, Label: key}},
	}
}

// seedTemplate inserts a template with version 1 and returns both.
func seedTemplate(t *testing.T, s store.Store, orgID uuid.UUID, name string) (*model.Template, *model.Version) {
	t.Helper()
	ctx := context.Background()
	tpl := &model.Template{ID: uuid.New(), Name: name, OrgID: orgID, OwnerID: uuid.New(), CreatedAt: epoch, UpdatedAt: epoch}
	v := &model.Version{ID: uuid.New(), TemplateID: tpl.ID, VersionNumber: 1, Definition: sampleDefinition("a"), Changelog: "Initial version", CreatedBy: tpl.OwnerID, CreatedAt: epoch}
	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertTemplate(ctx, tpl); err != nil {
			return err
		}
		if err := tx.InsertVersion(ctx, v); err != nil {
			return err
		}
		tpl.CurrentVersionID = v.ID
		return tx.UpdateTemplate(ctx, tpl)
	})
	require.NoError(t, err)
	return tpl, v
}

func seedInstance(t *testing.T, s store.Store, tpl *model.Template, v *model.Version, workspace uuid.UUID, mode model.UpdateMode) *model.Instance {
	t.Helper()
	ctx := context.Background()
	inst := &model.Instance{
		ID:               uuid.New(),
		OrgID:            tpl.OrgID,
		OwnerID:          uuid.New(),
		WorkspaceID:      workspace,
		Name:             "instance",
		UpdateMode:       mode,
		SourceTemplateID: model.Ref(tpl.ID),
		SyncedVersionID:  model.Ref(v.ID),
		Definition:       v.Definition.Clone(),
		CreatedAt:        epoch,
		UpdatedAt:        epoch,
	}
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error { return tx.InsertInstance(ctx, inst) }))
	return inst
}

func testTemplateAndVersions(t *testing.T, s store.Store) {
	ctx := context.Background()
	tpl, v1 := seedTemplate(t, s, uuid.New(), "Pipeline")

	v2 := &model.Version{ID: uuid.New(), TemplateID: tpl.ID, VersionNumber: 2, Definition: sampleDefinition("b"), Changelog: "Add b", CreatedBy: tpl.OwnerID, CreatedAt: epoch.Add(time.Minute)}
	err := s.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockTemplate(ctx, tpl.ID)
		if err != nil {
			return err
		}
		max, err := tx.MaxVersionNumber(ctx, tpl.ID)
		if err != nil {
			return err
		}
		assert.Equal(t, 1, max)
		if err := tx.InsertVersion(ctx, v2); err != nil {
			return err
		}
		locked.CurrentVersionID = v2.ID
		locked.UpdatedAt = v2.CreatedAt
		return tx.UpdateTemplate(ctx, locked)
	})
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx store.Tx) error {
		got, err := tx.GetTemplate(ctx, tpl.ID)
		require.NoError(t, err)
		assert.Equal(t, v2.ID, got.CurrentVersionID)
		assert.Equal(t, "Pipeline", got.Name)
		assert.False(t, got.Retired())

		versions, err := tx.ListVersions(ctx, tpl.ID)
		require.NoError(t, err)
		require.Len(t, versions, 2)
		assert.Equal(t, v1.ID, versions[0].ID)
		assert.Equal(t, 2, versions[1].VersionNumber)
		assert.Equal(t, sampleDefinition("b"), versions[1].Definition)
		assert.Equal(t, "Add b", versions[1].Changelog)
		assert.True(t, versions[1].CreatedAt.Equal(v2.CreatedAt))
		return nil
	})
	require.NoError(t, err)
}

func testDuplicateVersionNumber(t *testing.T, s store.Store) {
	ctx := context.Background()
	tpl, _ := seedTemplate(t, s, uuid.New(), "Dup")

	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertVersion(ctx, &model.Version{ID: uuid.New(), TemplateID: tpl.ID, VersionNumber: 1, Definition: sampleDefinition("x"), Changelog: "again", CreatedBy: tpl.OwnerID, CreatedAt: epoch})
	})
	require.Error(t, err)
	assert.Equal(t, model.KindConcurrentModification, model.KindOf(err))
}

func testDuplicateTemplateName(t *testing.T, s store.Store) {
	ctx := context.Background()
	org := uuid.New()
	seedTemplate(t, s, org, "Same")

	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertTemplate(ctx, &model.Template{ID: uuid.New(), Name: "Same", OrgID: org, OwnerID: uuid.New(), CreatedAt: epoch, UpdatedAt: epoch})
	})
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))

	// Another organization may reuse the name.
	seedTemplate(t, s, uuid.New(), "Same")
}

func testInstanceRevision(t *testing.T, s store.Store) {
	ctx := context.Background()
	tpl, v := seedTemplate(t, s, uuid.New(), "Rev")
	inst := seedInstance(t, s, tpl, v, uuid.New(), model.UpdateModeManaged)

	var stale *model.Instance
	err := s.InTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockInstance(ctx, inst.ID)
		if err != nil {
			return err
		}
		stale = locked.Clone()
		locked.HasLocalEdits = true
		locked.LocalEditsSummary = "renamed column"
		return tx.UpdateInstance(ctx, locked)
	})
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx store.Tx) error {
		stale.Name = "lost update"
		return tx.UpdateInstance(ctx, stale)
	})
	require.Error(t, err)
	assert.Equal(t, model.KindConcurrentModification, model.KindOf(err))

	err = s.InTx(ctx, func(tx store.Tx) error {
		got, err := tx.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.Revision)
		assert.True(t, got.HasLocalEdits)
		assert.Equal(t, "renamed column", got.LocalEditsSummary)
		assert.Equal(t, "instance", got.Name)
		require.NotNil(t, got.SyncedVersionID)
		assert.Equal(t, v.ID, *got.SyncedVersionID)
		return nil
	})
	require.NoError(t, err)
}

func testListInstances(t *testing.T, s store.Store) {
	ctx := context.Background()
	tpl, v := seedTemplate(t, s, uuid.New(), "List")
	wsA, wsB := uuid.New(), uuid.New()
	a := seedInstance(t, s, tpl, v, wsA, model.UpdateModeManaged)
	b := seedInstance(t, s, tpl, v, wsB, model.UpdateModeManaged)
	c := seedInstance(t, s, tpl, v, wsA, model.UpdateModeIndependent)
	otherTpl, otherV := seedTemplate(t, s, tpl.OrgID, "Other")
	seedInstance(t, s, otherTpl, otherV, wsA, model.UpdateModeManaged)

	list := func(f model.InstanceFilter) []uuid.UUID {
		var ids []uuid.UUID
		require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
			got, err := tx.ListInstances(ctx, f)
			for _, i := range got {
				ids = append(ids, i.ID)
			}
			return err
		}))
		return ids
	}

	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, list(model.InstanceFilter{OrgID: tpl.OrgID, SourceTemplateID: &tpl.ID, ManagedOnly: true}))
	assert.Contains(t, list(model.InstanceFilter{OrgID: tpl.OrgID, SourceTemplateID: &tpl.ID}), c.ID)
	assert.Equal(t, []uuid.UUID{b.ID}, list(model.InstanceFilter{OrgID: tpl.OrgID, SourceTemplateID: &tpl.ID, WorkspaceIDs: []uuid.UUID{wsB}}))
	assert.Equal(t, []uuid.UUID{a.ID, c.ID}, list(model.InstanceFilter{OrgID: tpl.OrgID, IDs: []uuid.UUID{c.ID, a.ID}}))
	assert.Empty(t, list(model.InstanceFilter{OrgID: uuid.New()}))
}

func testReceipts(t *testing.T, s store.Store) {
	ctx := context.Background()
	tpl, v := seedTemplate(t, s, uuid.New(), "Receipts")
	inst := seedInstance(t, s, tpl, v, uuid.New(), model.UpdateModeManaged)
	other := seedInstance(t, s, tpl, v, uuid.New(), model.UpdateModeManaged)

	r := &model.Rollout{ID: uuid.New(), OrgID: tpl.OrgID, TemplateID: tpl.ID, ToVersionID: v.ID, Mode: model.RolloutModeSafe, Scope: model.ScopeSelectedInstances, TargetIDs: []uuid.UUID{inst.ID, other.ID}, Status: model.RolloutApproved, CreatedBy: uuid.New(), CreatedByRole: model.RoleAdmin, CreatedAt: epoch}
	first := &model.Receipt{ID: uuid.New(), RolloutID: r.ID, InstanceID: inst.ID, Status: model.ReceiptPending, CreatedAt: epoch, UpdatedAt: epoch}
	second := &model.Receipt{ID: uuid.New(), RolloutID: r.ID, InstanceID: other.ID, Status: model.ReceiptPending, CreatedAt: epoch, UpdatedAt: epoch}

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertRollout(ctx, r); err != nil {
			return err
		}
		if err := tx.InsertReceipt(ctx, first); err != nil {
			return err
		}
		return tx.InsertReceipt(ctx, second)
	}))

	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.InsertReceipt(ctx, &model.Receipt{ID: uuid.New(), RolloutID: r.ID, InstanceID: inst.ID, Status: model.ReceiptPending, CreatedAt: epoch, UpdatedAt: epoch})
	})
	require.Error(t, err, "one receipt per rollout and instance")

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		rec, err := tx.LockReceipt(ctx, second.ID)
		if err != nil {
			return err
		}
		rec.Status = model.ReceiptConflict
		rec.ConflictDetectedAt = model.Ref(epoch.Add(time.Second))
		rec.UpdatedAt = epoch.Add(time.Second)
		if err := tx.UpdateReceipt(ctx, rec); err != nil {
			return err
		}
		offered, err := tx.LockReceipt(ctx, first.ID)
		if err != nil {
			return err
		}
		offered.OfferedAt = model.Ref(epoch.Add(2 * time.Second))
		return tx.UpdateReceipt(ctx, offered)
	}))

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		all, err := tx.ListReceipts(ctx, model.ReceiptFilter{RolloutID: r.ID})
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, first.ID, all[0].ID)

		conflicts, err := tx.ListReceipts(ctx, model.ReceiptFilter{RolloutID: r.ID, Statuses: []model.ReceiptStatus{model.ReceiptConflict}})
		require.NoError(t, err)
		require.Len(t, conflicts, 1)
		assert.Equal(t, second.ID, conflicts[0].ID)
		require.NotNil(t, conflicts[0].ConflictDetectedAt)

		byInstance, err := tx.ListReceipts(ctx, model.ReceiptFilter{InstanceID: inst.ID})
		require.NoError(t, err)
		require.Len(t, byInstance, 1)
		assert.Equal(t, model.ReceiptPending, byInstance[0].Status)
		require.NotNil(t, byInstance[0].OfferedAt)
		assert.True(t, epoch.Add(2*time.Second).Equal(*byInstance[0].OfferedAt))

		got, err := tx.GetRollout(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{inst.ID, other.ID}, got.TargetIDs)
		return nil
	}))
}

func testResolutions(t *testing.T, s store.Store) {
	ctx := context.Background()
	tpl, v := seedTemplate(t, s, uuid.New(), "Resolutions")
	inst := seedInstance(t, s, tpl, v, uuid.New(), model.UpdateModeManaged)
	r := &model.Rollout{ID: uuid.New(), OrgID: tpl.OrgID, TemplateID: tpl.ID, ToVersionID: v.ID, Mode: model.RolloutModeSafe, Scope: model.ScopeOrgWide, Status: model.RolloutCompleted, CreatedBy: uuid.New(), CreatedByRole: model.RoleAdmin, CreatedAt: epoch}
	rec := &model.Receipt{ID: uuid.New(), RolloutID: r.ID, InstanceID: inst.ID, Status: model.ReceiptConflict, CreatedAt: epoch, UpdatedAt: epoch}
	newID := uuid.New()

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertRollout(ctx, r); err != nil {
			return err
		}
		if err := tx.InsertReceipt(ctx, rec); err != nil {
			return err
		}
		return tx.InsertResolution(ctx, &model.ConflictResolution{ReceiptID: rec.ID, Resolution: model.ResolutionFork, ResolvedBy: inst.OwnerID, ResolvedAt: epoch, NewInstanceID: &newID})
	}))

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		got, err := tx.GetResolution(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.ResolutionFork, got.Resolution)
		require.NotNil(t, got.NewInstanceID)
		assert.Equal(t, newID, *got.NewInstanceID)
		return nil
	}))
}

func testAudit(t *testing.T, s store.Store) {
	ctx := context.Background()
	entity, actor := uuid.New(), uuid.New()

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		for i, action := range []model.AuditAction{model.AuditTemplateCreated, model.AuditVersionPublished, model.AuditVersionPublished} {
			err := tx.AppendAudit(ctx, &model.AuditEntry{
				ID:        uuid.New(),
				Action:    action,
				EntityID:  entity,
				ActorID:   actor,
				CreatedAt: epoch,
				Details:   model.AuditDetails{VersionNumber: i + 1, Targets: []uuid.UUID{entity}},
			})
			if err != nil {
				return err
			}
		}
		return tx.AppendAudit(ctx, &model.AuditEntry{ID: uuid.New(), Action: model.AuditInstanceCreated, EntityID: uuid.New(), ActorID: uuid.New(), CreatedAt: epoch})
	}))

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		byEntity, err := tx.ListAudit(ctx, model.AuditFilter{EntityID: entity})
		require.NoError(t, err)
		require.Len(t, byEntity, 3)
		for i, e := range byEntity {
			assert.Equal(t, i+1, e.Details.VersionNumber, "entries come back in append order")
			assert.Equal(t, []uuid.UUID{entity}, e.Details.Targets)
		}

		published, err := tx.ListAudit(ctx, model.AuditFilter{ActorID: actor, Action: model.AuditVersionPublished, Limit: 1})
		require.NoError(t, err)
		require.Len(t, published, 1)
		assert.Equal(t, 2, published[0].Details.VersionNumber)

		all, err := tx.ListAudit(ctx, model.AuditFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 4)
		return nil
	}))
}

func testRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	boom := errors.New("boom")
	tplID := uuid.New()

	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertTemplate(ctx, &model.Template{ID: tplID, Name: "Rolled back", OrgID: uuid.New(), OwnerID: uuid.New(), CreatedAt: epoch, UpdatedAt: epoch}); err != nil {
			return err
		}
		if err := tx.AppendAudit(ctx, &model.AuditEntry{ID: uuid.New(), Action: model.AuditTemplateCreated, EntityID: tplID, CreatedAt: epoch}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetTemplate(ctx, tplID)
		assert.Equal(t, model.KindNotFound, model.KindOf(err))
		entries, err := tx.ListAudit(ctx, model.AuditFilter{EntityID: tplID})
		require.NoError(t, err)
		assert.Empty(t, entries)
		return nil
	}))
}

func testNotFound(t *testing.T, s store.Store) {
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetTemplate(ctx, id)
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = tx.GetVersion(ctx, id)
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = tx.LockInstance(ctx, id)
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = tx.LockRollout(ctx, id)
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = tx.LockReceipt(ctx, id)
		assert.ErrorIs(t, err, model.ErrNotFound)
		_, err = tx.GetResolution(ctx, id)
		assert.ErrorIs(t, err, model.ErrNotFound)
		return nil
	}))
}
