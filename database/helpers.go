package database

import (
	"errors"
	"fmt"
	"time"

	"f0oster/viewsync/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

// Helper functions for UUID and nullable conversion

func uuidToPgtype(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

// optionalUUID maps uuid.Nil to SQL NULL.
func optionalUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: id != uuid.Nil}
}

func uuidPtrToPgtype(id *uuid.UUID) pgtype.UUID {
	if id == nil {
		return pgtype.UUID{}
	}
	return uuidToPgtype(*id)
}

func pgtypeToUUID(id pgtype.UUID) *uuid.UUID {
	if !id.Valid {
		return nil
	}
	result := uuid.UUID(id.Bytes)
	return &result
}

func pgtypeToUUIDValue(id pgtype.UUID) uuid.UUID {
	if !id.Valid {
		return uuid.Nil
	}
	return uuid.UUID(id.Bytes)
}

// uuidArray returns nil for an empty list so the query sees NULL.
func uuidArray(ids []uuid.UUID) []pgtype.UUID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]pgtype.UUID, len(ids))
	for i, id := range ids {
		out[i] = uuidToPgtype(id)
	}
	return out
}

func pgtypeToUUIDs(ids []pgtype.UUID) []uuid.UUID {
	if len(ids) == 0 {
		return nil
	}
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id.Valid {
			out = append(out, uuid.UUID(id.Bytes))
		}
	}
	return out
}

func timeToPgtype(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func pgtypeToTime(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

// Constraint names from schema.sql that carry domain meaning.
const (
	constraintTemplateName    = "templates_org_name_key"
	constraintVersionNumber   = "template_versions_number_key"
	constraintReceiptInstance = "receipts_rollout_instance_key"
	constraintResolution      = "conflict_resolutions_pkey"
)

// mapError translates pgx and Postgres failures into model errors so the
// services see the same kinds the in-memory store produces.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Wrap(model.KindNotFound, op, err)
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		switch pgErr.ConstraintName {
		case constraintTemplateName:
			return model.Validation(op, "template name is already used in this organization")
		case constraintResolution:
			return model.Wrap(model.KindInvalidState, op, err)
		default:
			return model.Wrap(model.KindConcurrentModification, op, err)
		}
	case "23503": // foreign_key_violation
		return model.Wrap(model.KindNotFound, op, err)
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return model.Wrap(model.KindConcurrentModification, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
