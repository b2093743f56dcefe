package memstore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"f0oster/viewsync/model"
	"f0oster/viewsync/store"
	"f0oster/viewsync/store/memstore"
	"f0oster/viewsync/store/storetest"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return memstore.New() })
}

func TestFaultFailsWriteAndRollsBack(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	boom := errors.New("disk full")
	tpl := &model.Template{ID: uuid.New(), Name: "Faulty", OrgID: uuid.New(), OwnerID: uuid.New(), CreatedAt: time.Now(), UpdatedAt: time.Now()}

	s.SetFault(func(op string, id uuid.UUID) error {
		if op == "AppendAudit" {
			return boom
		}
		return nil
	})
	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertTemplate(ctx, tpl); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, &model.AuditEntry{ID: uuid.New(), Action: model.AuditTemplateCreated, EntityID: tpl.ID})
	})
	require.ErrorIs(t, err, boom)

	s.SetFault(nil)
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetTemplate(ctx, tpl.ID)
		assert.ErrorIs(t, err, model.ErrNotFound)
		return nil
	}))
}

func TestValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	tpl := &model.Template{ID: uuid.New(), Name: "Copy", OrgID: uuid.New(), OwnerID: uuid.New()}
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error { return tx.InsertTemplate(ctx, tpl) }))

	tpl.Name = "mutated after insert"
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		got, err := tx.GetTemplate(ctx, tpl.ID)
		require.NoError(t, err)
		assert.Equal(t, "Copy", got.Name)
		got.Name = "mutated after read"
		again, err := tx.GetTemplate(ctx, tpl.ID)
		require.NoError(t, err)
		assert.Equal(t, "Copy", again.Name)
		return nil
	}))
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := memstore.New().InTx(ctx, func(store.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestRunRetriesConcurrentModification(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	attempts := 0
	err := store.Run(ctx, s, 3, func(tx store.Tx) error {
		attempts++
		if attempts < 3 {
			return model.ConcurrentModification("test", "lost race")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)

	attempts = 0
	err = store.Run(ctx, s, 2, func(tx store.Tx) error {
		attempts++
		return model.ConcurrentModification("test", "always losing")
	})
	assert.ErrorIs(t, err, model.ErrConcurrentModification)
	assert.Equal(t, 2, attempts)

	attempts = 0
	err = store.Run(ctx, s, 5, func(tx store.Tx) error {
		attempts++
		return model.Validation("test", "bad input")
	})
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Equal(t, 1, attempts)
}
