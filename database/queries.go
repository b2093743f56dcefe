package database

// SQL used by the pgx store. Column order in every SELECT matches the
// matching scan* helper in rows.go.

const (
	templateColumns = `id, name, org_id, owner_id, current_version_id, created_at, updated_at, retired_at`

	InsertTemplate = `
		INSERT INTO templates (id, name, org_id, owner_id, current_version_id, created_at, updated_at, retired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	GetTemplate = `SELECT ` + templateColumns + ` FROM templates WHERE id = $1`

	LockTemplate = GetTemplate + ` FOR UPDATE`

	UpdateTemplate = `
		UPDATE templates
		SET name = $2, owner_id = $3, current_version_id = $4, updated_at = $5, retired_at = $6
		WHERE id = $1`
)

const (
	versionColumns = `id, template_id, version_number, definition, changelog, created_by, created_at`

	MaxVersionNumber = `
		SELECT COALESCE(MAX(version_number), 0)
		FROM template_versions
		WHERE template_id = $1`

	InsertVersion = `
		INSERT INTO template_versions (id, template_id, version_number, definition, changelog, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	GetVersion = `SELECT ` + versionColumns + ` FROM template_versions WHERE id = $1`

	ListVersions = `
		SELECT ` + versionColumns + `
		FROM template_versions
		WHERE template_id = $1
		ORDER BY version_number`
)

const (
	instanceColumns = `id, org_id, owner_id, workspace_id, name, update_mode, source_template_id, synced_version_id,
		has_local_edits, local_edits_summary, definition, revision, created_at, updated_at`

	InsertInstance = `
		INSERT INTO instances (id, org_id, owner_id, workspace_id, name, update_mode, source_template_id, synced_version_id,
			has_local_edits, local_edits_summary, definition, revision, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	GetInstance = `SELECT ` + instanceColumns + ` FROM instances WHERE id = $1`

	LockInstance = GetInstance + ` FOR UPDATE`

	// Compare-and-swap on revision; zero rows affected means the caller
	// held a stale copy or the row is gone.
	UpdateInstance = `
		UPDATE instances
		SET owner_id = $3, workspace_id = $4, name = $5, update_mode = $6, source_template_id = $7,
			synced_version_id = $8, has_local_edits = $9, local_edits_summary = $10, definition = $11,
			updated_at = $12, revision = revision + 1
		WHERE id = $1 AND revision = $2`

	InstanceExists = `SELECT EXISTS (SELECT 1 FROM instances WHERE id = $1)`

	ListInstances = `
		SELECT ` + instanceColumns + `
		FROM instances
		WHERE org_id = $1
			AND ($2::uuid IS NULL OR source_template_id = $2)
			AND ($3::uuid[] IS NULL OR workspace_id = ANY($3::uuid[]))
			AND ($4::uuid[] IS NULL OR id = ANY($4::uuid[]))
			AND (NOT $5::boolean OR update_mode = 'managed')
		ORDER BY seq`
)

const (
	rolloutColumns = `id, org_id, template_id, to_version_id, mode, scope, target_ids, status, created_by,
		created_by_role, approved_by, approved_at, approval_notes, created_at, started_at, finished_at`

	InsertRollout = `
		INSERT INTO rollouts (id, org_id, template_id, to_version_id, mode, scope, target_ids, status, created_by,
			created_by_role, approved_by, approved_at, approval_notes, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	GetRollout = `SELECT ` + rolloutColumns + ` FROM rollouts WHERE id = $1`

	LockRollout = GetRollout + ` FOR UPDATE`

	UpdateRollout = `
		UPDATE rollouts
		SET status = $2, approved_by = $3, approved_at = $4, approval_notes = $5, started_at = $6, finished_at = $7
		WHERE id = $1`
)

const (
	receiptColumns = `id, rollout_id, instance_id, status, applied_instance_id, last_error, applied_at,
		conflict_detected_at, offered_at, rejected_at, cancelled_at, created_at, updated_at`

	InsertReceipt = `
		INSERT INTO receipts (id, rollout_id, instance_id, status, applied_instance_id, last_error, applied_at,
			conflict_detected_at, offered_at, rejected_at, cancelled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	GetReceipt = `SELECT ` + receiptColumns + ` FROM receipts WHERE id = $1`

	LockReceipt = GetReceipt + ` FOR UPDATE`

	UpdateReceipt = `
		UPDATE receipts
		SET status = $2, applied_instance_id = $3, last_error = $4, applied_at = $5, conflict_detected_at = $6,
			offered_at = $7, rejected_at = $8, cancelled_at = $9, updated_at = $10
		WHERE id = $1`

	ListReceipts = `
		SELECT ` + receiptColumns + `
		FROM receipts
		WHERE ($1::uuid IS NULL OR rollout_id = $1)
			AND ($2::uuid IS NULL OR instance_id = $2)
			AND ($3::text[] IS NULL OR status = ANY($3::text[]))
		ORDER BY seq`
)

const (
	InsertResolution = `
		INSERT INTO conflict_resolutions (receipt_id, resolution, resolved_by, resolved_at, new_instance_id)
		VALUES ($1, $2, $3, $4, $5)`

	GetResolution = `
		SELECT receipt_id, resolution, resolved_by, resolved_at, new_instance_id
		FROM conflict_resolutions
		WHERE receipt_id = $1`
)

const (
	AppendAudit = `
		INSERT INTO audit_log (id, action, entity_id, actor_id, created_at, details)
		VALUES ($1, $2, $3, $4, $5, $6)`

	ListAudit = `
		SELECT id, action, entity_id, actor_id, created_at, details
		FROM audit_log
		WHERE ($1::uuid IS NULL OR entity_id = $1)
			AND ($2::uuid IS NULL OR actor_id = $2)
			AND ($3::text = '' OR action = $3)
		ORDER BY seq
		LIMIT NULLIF($4::integer, 0)`
)
