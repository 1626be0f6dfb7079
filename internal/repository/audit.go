package repository

import (
	"context"
	"sync"
	"time"

	"rollgate/internal/model"

	"gorm.io/gorm"
)

// AuditInterface persists the flag audit trail.
type AuditInterface interface {
	Create(ctx context.Context, audit *model.FlagAudit) error
	ListByKey(ctx context.Context, namespace, key string) ([]model.FlagAudit, error)
}

type AuditRepository struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

func (r *AuditRepository) Create(ctx context.Context, audit *model.FlagAudit) error {
	return r.db.WithContext(ctx).Create(audit).Error
}

func (r *AuditRepository) ListByKey(ctx context.Context, namespace, key string) ([]model.FlagAudit, error) {
	var audits []model.FlagAudit
	err := r.db.WithContext(ctx).
		Where("namespace = ? AND flag_key = ?", namespace, key).
		Order("id DESC").
		Find(&audits).Error
	return audits, err
}

// MemoryAudit keeps the most recent audit rows in memory, for deployments
// without a database.
type MemoryAudit struct {
	mu     sync.RWMutex
	rows   []model.FlagAudit
	limit  int
	nextID int64
}

func NewMemoryAudit(limit int) *MemoryAudit {
	if limit <= 0 {
		limit = 1000
	}
	return &MemoryAudit{limit: limit}
}

func (m *MemoryAudit) Create(_ context.Context, audit *model.FlagAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	audit.ID = m.nextID
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}
	if len(m.rows) >= m.limit {
		m.rows = m.rows[1:]
	}
	m.rows = append(m.rows, *audit)
	return nil
}

func (m *MemoryAudit) ListByKey(_ context.Context, namespace, key string) ([]model.FlagAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.FlagAudit
	for i := len(m.rows) - 1; i >= 0; i-- {
		if r := m.rows[i]; r.Namespace == namespace && r.Key == key {
			out = append(out, r)
		}
	}
	return out, nil
}
