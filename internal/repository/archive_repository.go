package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/nroduit/viewer-hub-sub002/internal/models"
	"gorm.io/gorm"
)

// ArchiveRepository reads archive configurations from the archive_configs
// table. The table is managed outside this service.
type ArchiveRepository struct {
	db *gorm.DB
}

// NewArchiveRepository creates a new archive repository
func NewArchiveRepository(db *gorm.DB) *ArchiveRepository {
	return &ArchiveRepository{db: db}
}

// List retrieves the enabled archives
func (r *ArchiveRepository) List(ctx context.Context) ([]models.ArchiveConfig, error) {
	var archives []models.ArchiveConfig
	if err := r.db.WithContext(ctx).
		Where("disabled = ?", false).
		Order("priority DESC, name ASC").
		Find(&archives).Error; err != nil {
		return nil, fmt.Errorf("failed to get archive configs: %w", err)
	}
	return archives, nil
}

// Get retrieves one enabled archive by name
func (r *ArchiveRepository) Get(ctx context.Context, name string) (models.ArchiveConfig, error) {
	var archive models.ArchiveConfig
	err := r.db.WithContext(ctx).
		Where("name = ? AND disabled = ?", name, false).
		First(&archive).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.ArchiveConfig{}, fmt.Errorf("%w: %s", ErrArchiveNotFound, name)
	}
	if err != nil {
		return models.ArchiveConfig{}, fmt.Errorf("failed to get archive config: %w", err)
	}
	return archive, nil
}
