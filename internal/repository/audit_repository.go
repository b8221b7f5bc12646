package repository

import (
	"context"
	"fmt"

	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"gorm.io/gorm"
)

// AuditRepository handles build audit database operations
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Create creates a new build audit entry
func (r *AuditRepository) Create(ctx context.Context, audit *models.BuildAudit) error {
	if err := r.db.WithContext(ctx).Create(audit).Error; err != nil {
		return fmt.Errorf("failed to create build audit: %w", err)
	}
	return nil
}

// List retrieves the latest build audits
func (r *AuditRepository) List(ctx context.Context, limit, offset int) ([]models.BuildAudit, error) {
	var audits []models.BuildAudit
	query := r.db.WithContext(ctx).Order("created_at DESC")

	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	if err := query.Find(&audits).Error; err != nil {
		return nil, fmt.Errorf("failed to get build audits: %w", err)
	}
	return audits, nil
}

// GetByFingerprint retrieves the builds of one fingerprint, latest first
func (r *AuditRepository) GetByFingerprint(ctx context.Context, fingerprint string) ([]models.BuildAudit, error) {
	var audits []models.BuildAudit
	if err := r.db.WithContext(ctx).
		Where("fingerprint = ?", fingerprint).
		Order("created_at DESC").
		Find(&audits).Error; err != nil {
		return nil, fmt.Errorf("failed to get build audits: %w", err)
	}
	return audits, nil
}
