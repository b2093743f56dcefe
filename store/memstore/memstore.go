// Package memstore is an in-memory store.Store. Transactions are
// serialized by a single mutex, which trivially satisfies the row-lock
// contract of store.Tx; a failed transaction is undone from an undo log.
// Every value crosses the boundary as a copy.
package memstore

import (
	"context"
	"sort"
	"sync"

	"f0oster/viewsync/model"
	"f0oster/viewsync/store"

	"github.com/google/uuid"
)

// Fault lets tests inject storage failures. It is consulted before every
// write with the operation name ("UpdateInstance", "UpdateReceipt", ...)
// and the row id; a non-nil result fails that write.
type Fault func(op string, id uuid.UUID) error

type Store struct {
	mu sync.Mutex

	templates   map[uuid.UUID]*model.Template
	versions    map[uuid.UUID]*model.Version
	instances   map[uuid.UUID]*model.Instance
	rollouts    map[uuid.UUID]*model.Rollout
	receipts    map[uuid.UUID]*model.Receipt
	resolutions map[uuid.UUID]*model.ConflictResolution
	audit       []*model.AuditEntry

	// order records insertion sequence so listings are stable.
	order map[uuid.UUID]uint64
	seq   uint64

	faultMu sync.RWMutex
	fault   Fault
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		templates:   make(map[uuid.UUID]*model.Template),
		versions:    make(map[uuid.UUID]*model.Version),
		instances:   make(map[uuid.UUID]*model.Instance),
		rollouts:    make(map[uuid.UUID]*model.Rollout),
		receipts:    make(map[uuid.UUID]*model.Receipt),
		resolutions: make(map[uuid.UUID]*model.ConflictResolution),
		order:       make(map[uuid.UUID]uint64),
	}
}

// SetFault installs f; nil clears it.
func (s *Store) SetFault(f Fault) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	s.fault = f
}

func (s *Store) checkFault(op string, id uuid.UUID) error {
	s.faultMu.RLock()
	defer s.faultMu.RUnlock()
	if s.fault == nil {
		return nil
	}
	return s.fault(op, id)
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type memTx struct {
	s    *Store
	undo []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func put[V any](tx *memTx, m map[uuid.UUID]V, id uuid.UUID, v V) {
	prev, existed := m[id]
	tx.undo = append(tx.undo, func() {
		if existed {
			m[id] = prev
		} else {
			delete(m, id)
		}
	})
	m[id] = v
}

func (tx *memTx) recordOrder(id uuid.UUID) {
	if _, ok := tx.s.order[id]; ok {
		return
	}
	tx.s.seq++
	tx.s.order[id] = tx.s.seq
	tx.undo = append(tx.undo, func() { delete(tx.s.order, id) })
}

func (tx *memTx) sortByOrder(ids []uuid.UUID) {
	sort.Slice(ids, func(a, b int) bool { return tx.s.order[ids[a]] < tx.s.order[ids[b]] })
}

// Templates

func (tx *memTx) InsertTemplate(_ context.Context, t *model.Template) error {
	if err := tx.s.checkFault("InsertTemplate", t.ID); err != nil {
		return err
	}
	if _, ok := tx.s.templates[t.ID]; ok {
		return model.ConcurrentModification("InsertTemplate", "template %s already exists", t.ID)
	}
	for _, existing := range tx.s.templates {
		if existing.OrgID == t.OrgID && existing.Name == t.Name {
			return model.Validation("InsertTemplate", "template name %q is already used in this organization", t.Name)
		}
	}
	put(tx, tx.s.templates, t.ID, t.Clone())
	tx.recordOrder(t.ID)
	return nil
}

func (tx *memTx) GetTemplate(_ context.Context, id uuid.UUID) (*model.Template, error) {
	t, ok := tx.s.templates[id]
	if !ok {
		return nil, model.NotFound("GetTemplate", "template %s", id)
	}
	return t.Clone(), nil
}

func (tx *memTx) LockTemplate(ctx context.Context, id uuid.UUID) (*model.Template, error) {
	return tx.GetTemplate(ctx, id)
}

func (tx *memTx) UpdateTemplate(_ context.Context, t *model.Template) error {
	if err := tx.s.checkFault("UpdateTemplate", t.ID); err != nil {
		return err
	}
	if _, ok := tx.s.templates[t.ID]; !ok {
		return model.NotFound("UpdateTemplate", "template %s", t.ID)
	}
	put(tx, tx.s.templates, t.ID, t.Clone())
	return nil
}

// Versions

func (tx *memTx) MaxVersionNumber(_ context.Context, templateID uuid.UUID) (int, error) {
	max := 0
	for _, v := range tx.s.versions {
		if v.TemplateID == templateID && v.VersionNumber > max {
			max = v.VersionNumber
		}
	}
	return max, nil
}

func (tx *memTx) InsertVersion(_ context.Context, v *model.Version) error {
	if err := tx.s.checkFault("InsertVersion", v.ID); err != nil {
		return err
	}
	if _, ok := tx.s.templates[v.TemplateID]; !ok {
		return model.NotFound("InsertVersion", "template %s", v.TemplateID)
	}
	for _, existing := range tx.s.versions {
		if existing.TemplateID == v.TemplateID && existing.VersionNumber == v.VersionNumber {
			return model.ConcurrentModification("InsertVersion", "version number %d of template %s is taken", v.VersionNumber, v.TemplateID)
		}
	}
	put(tx, tx.s.versions, v.ID, v.Clone())
	tx.recordOrder(v.ID)
	return nil
}

func (tx *memTx) GetVersion(_ context.Context, id uuid.UUID) (*model.Version, error) {
	v, ok := tx.s.versions[id]
	if !ok {
		return nil, model.NotFound("GetVersion", "version %s", id)
	}
	return v.Clone(), nil
}

func (tx *memTx) ListVersions(_ context.Context, templateID uuid.UUID) ([]*model.Version, error) {
	var out []*model.Version
	for _, v := range tx.s.versions {
		if v.TemplateID == templateID {
			out = append(out, v.Clone())
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].VersionNumber < out[b].VersionNumber })
	return out, nil
}

// Instances

func (tx *memTx) InsertInstance(_ context.Context, i *model.Instance) error {
	if err := tx.s.checkFault("InsertInstance", i.ID); err != nil {
		return err
	}
	if _, ok := tx.s.instances[i.ID]; ok {
		return model.ConcurrentModification("InsertInstance", "instance %s already exists", i.ID)
	}
	put(tx, tx.s.instances, i.ID, i.Clone())
	tx.recordOrder(i.ID)
	return nil
}

func (tx *memTx) GetInstance(_ context.Context, id uuid.UUID) (*model.Instance, error) {
	i, ok := tx.s.instances[id]
	if !ok {
		return nil, model.NotFound("GetInstance", "instance %s", id)
	}
	return i.Clone(), nil
}

func (tx *memTx) LockInstance(ctx context.Context, id uuid.UUID) (*model.Instance, error) {
	if err := tx.s.checkFault("LockInstance", id); err != nil {
		return nil, err
	}
	return tx.GetInstance(ctx, id)
}

func (tx *memTx) UpdateInstance(_ context.Context, i *model.Instance) error {
	if err := tx.s.checkFault("UpdateInstance", i.ID); err != nil {
		return err
	}
	stored, ok := tx.s.instances[i.ID]
	if !ok {
		return model.NotFound("UpdateInstance", "instance %s", i.ID)
	}
	if stored.Revision != i.Revision {
		return model.ConcurrentModification("UpdateInstance", "instance %s changed (revision %d, have %d)", i.ID, stored.Revision, i.Revision)
	}
	i.Revision++
	put(tx, tx.s.instances, i.ID, i.Clone())
	return nil
}

func (tx *memTx) ListInstances(_ context.Context, f model.InstanceFilter) ([]*model.Instance, error) {
	ids := make([]uuid.UUID, 0)
	for id, i := range tx.s.instances {
		if matchInstance(i, f) {
			ids = append(ids, id)
		}
	}
	tx.sortByOrder(ids)
	out := make([]*model.Instance, 0, len(ids))
	for _, id := range ids {
		out = append(out, tx.s.instances[id].Clone())
	}
	return out, nil
}

func matchInstance(i *model.Instance, f model.InstanceFilter) bool {
	if i.OrgID != f.OrgID {
		return false
	}
	if f.ManagedOnly && !i.Managed() {
		return false
	}
	if f.SourceTemplateID != nil && (i.SourceTemplateID == nil || *i.SourceTemplateID != *f.SourceTemplateID) {
		return false
	}
	if len(f.WorkspaceIDs) > 0 && !containsID(f.WorkspaceIDs, i.WorkspaceID) {
		return false
	}
	if len(f.IDs) > 0 && !containsID(f.IDs, i.ID) {
		return false
	}
	return true
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

// Rollouts

func (tx *memTx) InsertRollout(_ context.Context, r *model.Rollout) error {
	if err := tx.s.checkFault("InsertRollout", r.ID); err != nil {
		return err
	}
	if _, ok := tx.s.rollouts[r.ID]; ok {
		return model.ConcurrentModification("InsertRollout", "rollout %s already exists", r.ID)
	}
	put(tx, tx.s.rollouts, r.ID, r.Clone())
	tx.recordOrder(r.ID)
	return nil
}

func (tx *memTx) GetRollout(_ context.Context, id uuid.UUID) (*model.Rollout, error) {
	r, ok := tx.s.rollouts[id]
	if !ok {
		return nil, model.NotFound("GetRollout", "rollout %s", id)
	}
	return r.Clone(), nil
}

func (tx *memTx) LockRollout(ctx context.Context, id uuid.UUID) (*model.Rollout, error) {
	return tx.GetRollout(ctx, id)
}

func (tx *memTx) UpdateRollout(_ context.Context, r *model.Rollout) error {
	if err := tx.s.checkFault("UpdateRollout", r.ID); err != nil {
		return err
	}
	if _, ok := tx.s.rollouts[r.ID]; !ok {
		return model.NotFound("UpdateRollout", "rollout %s", r.ID)
	}
	put(tx, tx.s.rollouts, r.ID, r.Clone())
	return nil
}

// Receipts

func (tx *memTx) InsertReceipt(_ context.Context, r *model.Receipt) error {
	if err := tx.s.checkFault("InsertReceipt", r.ID); err != nil {
		return err
	}
	for _, existing := range tx.s.receipts {
		if existing.ID == r.ID || (existing.RolloutID == r.RolloutID && existing.InstanceID == r.InstanceID) {
			return model.ConcurrentModification("InsertReceipt", "receipt for rollout %s and instance %s already exists", r.RolloutID, r.InstanceID)
		}
	}
	put(tx, tx.s.receipts, r.ID, r.Clone())
	tx.recordOrder(r.ID)
	return nil
}

func (tx *memTx) GetReceipt(_ context.Context, id uuid.UUID) (*model.Receipt, error) {
	r, ok := tx.s.receipts[id]
	if !ok {
		return nil, model.NotFound("GetReceipt", "receipt %s", id)
	}
	return r.Clone(), nil
}

func (tx *memTx) LockReceipt(ctx context.Context, id uuid.UUID) (*model.Receipt, error) {
	return tx.GetReceipt(ctx, id)
}

func (tx *memTx) UpdateReceipt(_ context.Context, r *model.Receipt) error {
	if err := tx.s.checkFault("UpdateReceipt", r.ID); err != nil {
		return err
	}
	if _, ok := tx.s.receipts[r.ID]; !ok {
		return model.NotFound("UpdateReceipt", "receipt %s", r.ID)
	}
	put(tx, tx.s.receipts, r.ID, r.Clone())
	return nil
}

func (tx *memTx) ListReceipts(_ context.Context, f model.ReceiptFilter) ([]*model.Receipt, error) {
	ids := make([]uuid.UUID, 0)
	for id, r := range tx.s.receipts {
		if f.RolloutID != uuid.Nil && r.RolloutID != f.RolloutID {
			continue
		}
		if f.InstanceID != uuid.Nil && r.InstanceID != f.InstanceID {
			continue
		}
		if len(f.Statuses) > 0 && !containsStatus(f.Statuses, r.Status) {
			continue
		}
		ids = append(ids, id)
	}
	tx.sortByOrder(ids)
	out := make([]*model.Receipt, 0, len(ids))
	for _, id := range ids {
		out = append(out, tx.s.receipts[id].Clone())
	}
	return out, nil
}

func containsStatus(statuses []model.ReceiptStatus, s model.ReceiptStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// Conflict resolutions

func (tx *memTx) InsertResolution(_ context.Context, r *model.ConflictResolution) error {
	if err := tx.s.checkFault("InsertResolution", r.ReceiptID); err != nil {
		return err
	}
	if _, ok := tx.s.resolutions[r.ReceiptID]; ok {
		return model.InvalidState("InsertResolution", "receipt %s is already resolved", r.ReceiptID)
	}
	put(tx, tx.s.resolutions, r.ReceiptID, r.Clone())
	return nil
}

func (tx *memTx) GetResolution(_ context.Context, receiptID uuid.UUID) (*model.ConflictResolution, error) {
	r, ok := tx.s.resolutions[receiptID]
	if !ok {
		return nil, model.NotFound("GetResolution", "resolution for receipt %s", receiptID)
	}
	return r.Clone(), nil
}

// Audit

func (tx *memTx) AppendAudit(_ context.Context, e *model.AuditEntry) error {
	if err := tx.s.checkFault("AppendAudit", e.EntityID); err != nil {
		return err
	}
	n := len(tx.s.audit)
	tx.undo = append(tx.undo, func() { tx.s.audit = tx.s.audit[:n] })
	tx.s.audit = append(tx.s.audit, e.Clone())
	return nil
}

func (tx *memTx) ListAudit(_ context.Context, f model.AuditFilter) ([]*model.AuditEntry, error) {
	var out []*model.AuditEntry
	for _, e := range tx.s.audit {
		if f.EntityID != uuid.Nil && e.EntityID != f.EntityID {
			continue
		}
		if f.ActorID != uuid.Nil && e.ActorID != f.ActorID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		out = append(out, e.Clone())
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}
