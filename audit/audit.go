// Package audit is the append-only record of every engine mutation.
// Entries are written through the caller's transaction, so an entry
// commits if and only if the change it describes commits.
package audit

import (
	"context"
	"fmt"

	"f0oster/viewsync/clock"
	"f0oster/viewsync/model"
	"f0oster/viewsync/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Log struct {
	store  store.Store
	clock  clock.Clock
	logger zerolog.Logger
}

func NewLog(st store.Store, clk clock.Clock, logger zerolog.Logger) *Log {
	return &Log{store: st, clock: clk, logger: logger}
}

// Append stages an entry in tx.
func (l *Log) Append(
	ctx context.Context,
	tx store.Tx,
	action model.AuditAction,
	entityID uuid.UUID,
	actorID uuid.UUID,
	details model.AuditDetails,
) error {
	entry := &model.AuditEntry{
		ID:        uuid.New(),
		Action:    action,
		EntityID:  entityID,
		ActorID:   actorID,
		CreatedAt: l.clock.Now(),
		Details:   details,
	}
	if err := tx.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry %s: %w", action, err)
	}
	l.logger.Debug().
		Str("action", string(action)).
		Stringer("entity_id", entityID).
		Stringer("actor_id", actorID).
		Msg("audit entry staged")
	return nil
}

// List returns matching entries, oldest first.
func (l *Log) List(ctx context.Context, f model.AuditFilter) ([]*model.AuditEntry, error) {
	if f.Limit < 0 {
		return nil, model.Validation("GetAuditLog", "limit must not be negative")
	}
	var entries []*model.AuditEntry
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		entries, err = tx.ListAudit(ctx, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	return entries, nil
}
