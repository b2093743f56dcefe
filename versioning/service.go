package versioning

import (
	"context"
	"fmt"
	"strings"

	"f0oster/viewsync/audit"
	"f0oster/viewsync/clock"
	"f0oster/viewsync/definition"
	"f0oster/viewsync/metrics"
	"f0oster/viewsync/model"
	"f0oster/viewsync/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service owns templates and their version chains. Version numbers are
// allocated under the template row lock and protected by the store's
// (template, number) uniqueness; a collision is retried up to retries times.
type Service struct {
	store   store.Store
	audit   *audit.Log
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *metrics.Metrics
	retries int
}

func NewService(
	st store.Store,
	auditLog *audit.Log,
	clk clock.Clock,
	logger zerolog.Logger,
	m *metrics.Metrics,
	retries int,
) *Service {
	if retries <= 0 {
		retries = store.DefaultAttempts
	}
	return &Service{
		store:   st,
		audit:   auditLog,
		clock:   clk,
		logger:  logger,
		metrics: m,
		retries: retries,
	}
}

// CreateTemplate creates a template together with Version #1.
func (s *Service) CreateTemplate(
	ctx context.Context,
	name string,
	initial definition.Definition,
	owner model.Actor,
) (*model.Template, error) {
	const op = "CreateTemplate"
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, model.Validation(op, "template name is required")
	}
	if err := definition.Validate(initial); err != nil {
		return nil, model.Wrap(model.KindValidation, op, err)
	}

	now := s.clock.Now()
	tpl := &model.Template{
		ID:        uuid.New(),
		Name:      name,
		OrgID:     owner.OrgID,
		OwnerID:   owner.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	version := &model.Version{
		ID:            uuid.New(),
		TemplateID:    tpl.ID,
		VersionNumber: FirstVersionNumber,
		Definition:    initial.Clone(),
		Changelog:     InitialChangelog,
		CreatedBy:     owner.ID,
		CreatedAt:     now,
	}

	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertTemplate(ctx, tpl); err != nil {
			return err
		}
		if err := tx.InsertVersion(ctx, version); err != nil {
			return err
		}
		tpl.CurrentVersionID = version.ID
		if err := tx.UpdateTemplate(ctx, tpl); err != nil {
			return err
		}
		if err := s.audit.Append(ctx, tx, model.AuditTemplateCreated, tpl.ID, owner.ID, model.AuditDetails{
			Name:      tpl.Name,
			VersionID: version.ID,
		}); err != nil {
			return err
		}
		return s.audit.Append(ctx, tx, model.AuditVersionPublished, version.ID, owner.ID, publishedDetails(version))
	})
	if err != nil {
		return nil, fmt.Errorf("create template %q: %w", name, err)
	}

	s.metrics.VersionPublished()
	s.logger.Info().
		Stringer("template_id", tpl.ID).
		Str("name", tpl.Name).
		Msg("template created")
	return tpl, nil
}

// PublishVersion appends a new version and advances the current pointer.
func (s *Service) PublishVersion(
	ctx context.Context,
	templateID uuid.UUID,
	def definition.Definition,
	changelog string,
	actor model.Actor,
) (*model.Version, error) {
	const op = "PublishVersion"
	changelog = strings.TrimSpace(changelog)

	var version *model.Version
	attempt := 0
	err := store.Run(ctx, s.store, s.retries, func(tx store.Tx) error {
		attempt++
		tpl, err := tx.LockTemplate(ctx, templateID)
		if err != nil {
			return err
		}
		if !actor.CanManage(tpl.OrgID, tpl.OwnerID) {
			return model.PermissionDenied(op, "actor %s may not publish template %s", actor.ID, tpl.ID)
		}
		if tpl.Retired() {
			return model.InvalidState(op, "template %s is retired", tpl.ID)
		}
		if changelog == "" {
			return model.Validation(op, "changelog is required")
		}
		if err := definition.Validate(def); err != nil {
			return model.Wrap(model.KindValidation, op, err)
		}

		current, err := tx.MaxVersionNumber(ctx, tpl.ID)
		if err != nil {
			return err
		}
		now := s.clock.Now()
		version = &model.Version{
			ID:            uuid.New(),
			TemplateID:    tpl.ID,
			VersionNumber: current + 1,
			Definition:    def.Clone(),
			Changelog:     changelog,
			CreatedBy:     actor.ID,
			CreatedAt:     now,
		}
		if err := tx.InsertVersion(ctx, version); err != nil {
			return err
		}
		tpl.CurrentVersionID = version.ID
		tpl.UpdatedAt = now
		if err := tx.UpdateTemplate(ctx, tpl); err != nil {
			return err
		}
		return s.audit.Append(ctx, tx, model.AuditVersionPublished, version.ID, actor.ID, publishedDetails(version))
	})
	if err != nil {
		return nil, fmt.Errorf("publish version of template %s: %w", templateID, err)
	}

	s.metrics.VersionPublished()
	s.logger.Info().
		Stringer("template_id", templateID).
		Int("version_number", version.VersionNumber).
		Int("attempts", attempt).
		Msg("version published")
	return version, nil
}

// RetireTemplate soft-retires a template. Retiring twice is a no-op.
func (s *Service) RetireTemplate(ctx context.Context, templateID uuid.UUID, actor model.Actor) (*model.Template, error) {
	const op = "RetireTemplate"
	var tpl *model.Template
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		tpl, err = tx.LockTemplate(ctx, templateID)
		if err != nil {
			return err
		}
		if !actor.CanManage(tpl.OrgID, tpl.OwnerID) {
			return model.PermissionDenied(op, "actor %s may not retire template %s", actor.ID, tpl.ID)
		}
		if tpl.Retired() {
			return nil
		}
		now := s.clock.Now()
		tpl.RetiredAt = &now
		tpl.UpdatedAt = now
		if err := tx.UpdateTemplate(ctx, tpl); err != nil {
			return err
		}
		return s.audit.Append(ctx, tx, model.AuditTemplateRetired, tpl.ID, actor.ID, model.AuditDetails{Name: tpl.Name})
	})
	if err != nil {
		return nil, fmt.Errorf("retire template %s: %w", templateID, err)
	}
	return tpl, nil
}

func (s *Service) GetTemplate(ctx context.Context, templateID uuid.UUID) (*model.Template, error) {
	var tpl *model.Template
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		tpl, err = tx.GetTemplate(ctx, templateID)
		return err
	})
	return tpl, err
}

func (s *Service) GetVersion(ctx context.Context, versionID uuid.UUID) (*model.Version, error) {
	var v *model.Version
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		v, err = tx.GetVersion(ctx, versionID)
		return err
	})
	return v, err
}

// ListVersions returns the version chain, oldest first.
func (s *Service) ListVersions(ctx context.Context, templateID uuid.UUID) ([]*model.Version, error) {
	var versions []*model.Version
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetTemplate(ctx, templateID); err != nil {
			return err
		}
		var err error
		versions, err = tx.ListVersions(ctx, templateID)
		return err
	})
	return versions, err
}

// TargetVersion loads a live template and one of its versions inside tx.
func TargetVersion(ctx context.Context, tx store.Tx, templateID, versionID uuid.UUID) (*model.Template, *model.Version, error) {
	const op = "TargetVersion"
	tpl, err := tx.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, nil, err
	}
	if tpl.Retired() {
		return nil, nil, model.InvalidState(op, "template %s is retired", tpl.ID)
	}
	v, err := tx.GetVersion(ctx, versionID)
	if err != nil {
		return nil, nil, err
	}
	if v.TemplateID != tpl.ID {
		return nil, nil, model.Validation(op, "version %s does not belong to template %s", v.ID, tpl.ID)
	}
	return tpl, v, nil
}

func publishedDetails(v *model.Version) model.AuditDetails {
	return model.AuditDetails{
		TemplateID:    v.TemplateID,
		VersionID:     v.ID,
		VersionNumber: v.VersionNumber,
		Changelog:     v.Changelog,
	}
}
