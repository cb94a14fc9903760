package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// File is the durable file record. The lock columns mirror the in-memory soft
// lock so REST readers see the same owner and expiry.
type File struct {
	ID            string     `json:"id" gorm:"type:varchar(27);primaryKey"`
	ProjectID     string     `json:"project_id" gorm:"type:varchar(27);not null;index"`
	Path          string     `json:"path" gorm:"type:text;not null"`
	LockedBy      *string    `json:"locked_by,omitempty" gorm:"type:varchar(64)"`
	LockExpiresAt *time.Time `json:"lock_expires_at,omitempty" gorm:"index"`
	CreatedAt     time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt     time.Time  `json:"updated_at" gorm:"autoUpdateTime"`
}

func (f *File) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = ksuid.New().String()
	}
	return nil
}

// Lock returns the persisted lock, if any.
func (f *File) Lock() (FileLock, bool) {
	if f.LockedBy == nil || f.LockExpiresAt == nil {
		return FileLock{}, false
	}
	return FileLock{FileID: f.ID, Owner: *f.LockedBy, ExpiresAt: *f.LockExpiresAt}, true
}
