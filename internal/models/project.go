package models

import (
	"errors"
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// ErrNotFound is returned by repositories when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Role is a collaborator's role inside a project.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Action is what a user wants to do with a resource.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
)

// Allows reports whether the role permits the action.
func (r Role) Allows(action Action) bool {
	switch r {
	case RoleOwner, RoleEditor:
		return true
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// ResourceKind tags the entity a room refers to.
type ResourceKind string

const (
	ResourceProject ResourceKind = "project"
	ResourceFile    ResourceKind = "file"
	ResourceChat    ResourceKind = "chat"
)

// Project groups files and chat threads; access is granted per project.
type Project struct {
	ID        string    `json:"id" gorm:"type:varchar(27);primaryKey"`
	Name      string    `json:"name" gorm:"type:text;not null"`
	OwnerID   string    `json:"owner_id" gorm:"type:varchar(64);not null;index"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = ksuid.New().String()
	}
	return nil
}

// ProjectMember is a collaborator grant on a project.
type ProjectMember struct {
	ProjectID string    `json:"project_id" gorm:"type:varchar(27);primaryKey"`
	UserID    string    `json:"user_id" gorm:"type:varchar(64);primaryKey"`
	Role      Role      `json:"role" gorm:"type:varchar(16);not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}
