package tracking

import (
	"context"
	"sync"

	"github.com/openjuris/docket-harvester/internal/harvest"
)

// MemoryRepo keeps tracking rows in memory. Used for tests and dry
// runs; the audit log is held as a plain slice.
type MemoryRepo struct {
	mu    sync.Mutex
	cases map[string]harvest.CaseRecord
	audit []AuditEntry
}

// NewMemoryRepo returns an empty in-memory repo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{cases: make(map[string]harvest.CaseRecord)}
}

// GetCase returns the row for id or ErrNotFound.
func (m *MemoryRepo) GetCase(_ context.Context, id harvest.CaseID) (harvest.CaseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.cases[id.String()]
	if !ok {
		return harvest.CaseRecord{}, ErrNotFound
	}
	return rec, nil
}

// UpsertCase stores the row, replacing any previous state for the id.
func (m *MemoryRepo) UpsertCase(_ context.Context, rec harvest.CaseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cases[rec.ID.String()] = rec
	return nil
}

// AppendAudit appends to the in-memory processing log.
func (m *MemoryRepo) AppendAudit(_ context.Context, entry AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	return nil
}

// PurgeYear drops every row matching the prefix/year scope.
func (m *MemoryRepo) PurgeYear(_ context.Context, prefix string, year int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var purged int64
	for key, rec := range m.cases {
		if rec.ID.Prefix == prefix && rec.ID.Year%100 == year%100 {
			delete(m.cases, key)
			purged++
		}
	}
	return purged, nil
}

// AuditLen reports the number of audit entries recorded.
func (m *MemoryRepo) AuditLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.audit)
}
