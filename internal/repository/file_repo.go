package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"codecollab/internal/models"

	"gorm.io/gorm"
)

// FileRepositoryImpl stores file records and their durable lock columns.
// Learning: the coordinator holds the live lock; this table is what REST
// readers and a restarted process see.
type FileRepositoryImpl struct {
	db *gorm.DB
}

// NewFileRepository creates a new file repository
func NewFileRepository(db *gorm.DB) *FileRepositoryImpl {
	return &FileRepositoryImpl{db: db}
}

// Create inserts a file record.
func (r *FileRepositoryImpl) Create(ctx context.Context, file *models.File) error {
	if err := r.db.WithContext(ctx).Create(file).Error; err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	return nil
}

// GetByID retrieves a file by its KSUID.
func (r *FileRepositoryImpl) GetByID(ctx context.Context, id string) (*models.File, error) {
	var file models.File

	err := r.db.WithContext(ctx).First(&file, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("file %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file: %w", err)
	}

	return &file, nil
}

// PersistLock writes the lock owner and expiry onto the file record.
func (r *FileRepositoryImpl) PersistLock(ctx context.Context, fileID, owner string, expiresAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id = ?", fileID).
		Updates(map[string]interface{}{
			"locked_by":       owner,
			"lock_expires_at": expiresAt,
		})

	if result.Error != nil {
		return fmt.Errorf("failed to persist lock: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("file %s: %w", fileID, models.ErrNotFound)
	}

	return nil
}

// ClearLock removes the lock columns. Clearing an unlocked file is a no-op.
func (r *FileRepositoryImpl) ClearLock(ctx context.Context, fileID string) error {
	result := r.db.WithContext(ctx).
		Model(&models.File{}).
		Where("id = ?", fileID).
		Updates(map[string]interface{}{
			"locked_by":       nil,
			"lock_expires_at": nil,
		})

	if result.Error != nil {
		return fmt.Errorf("failed to clear lock: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("file %s: %w", fileID, models.ErrNotFound)
	}

	return nil
}

// ClearExpiredLocks drops every persisted lock whose expiry is not after now.
// Returns the number of files unlocked.
func (r *FileRepositoryImpl) ClearExpiredLocks(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.File{}).
		Where("lock_expires_at IS NOT NULL AND lock_expires_at <= ?", now).
		Updates(map[string]interface{}{
			"locked_by":       nil,
			"lock_expires_at": nil,
		})

	if result.Error != nil {
		return 0, fmt.Errorf("failed to clear expired locks: %w", result.Error)
	}

	return result.RowsAffected, nil
}

// ActiveLocks lists persisted locks that are still valid at now.
func (r *FileRepositoryImpl) ActiveLocks(ctx context.Context, now time.Time) ([]models.FileLock, error) {
	var files []*models.File

	err := r.db.WithContext(ctx).
		Where("locked_by IS NOT NULL AND lock_expires_at > ?", now).
		Order("id ASC").
		Find(&files).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active locks: %w", err)
	}

	locks := make([]models.FileLock, 0, len(files))
	for _, f := range files {
		if lock, ok := f.Lock(); ok {
			locks = append(locks, lock)
		}
	}
	return locks, nil
}
