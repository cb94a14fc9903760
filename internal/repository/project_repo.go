package repository

import (
	"context"
	"errors"
	"fmt"

	"codecollab/internal/models"

	"gorm.io/gorm"
)

// ProjectRepositoryImpl answers ownership and collaborator-role questions.
// It is the access-control collaborator used by the coordinator.
type ProjectRepositoryImpl struct {
	db *gorm.DB
}

// NewProjectRepository creates a new project repository
func NewProjectRepository(db *gorm.DB) *ProjectRepositoryImpl {
	return &ProjectRepositoryImpl{db: db}
}

// Create inserts a project owned by project.OwnerID.
func (r *ProjectRepositoryImpl) Create(ctx context.Context, project *models.Project) error {
	if err := r.db.WithContext(ctx).Create(project).Error; err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}
	return nil
}

// AddMember grants a role on a project, replacing any previous grant.
func (r *ProjectRepositoryImpl) AddMember(ctx context.Context, projectID, userID string, role models.Role) error {
	member := &models.ProjectMember{ProjectID: projectID, UserID: userID, Role: role}
	if err := r.db.WithContext(ctx).Save(member).Error; err != nil {
		return fmt.Errorf("failed to add project member: %w", err)
	}
	return nil
}

// CreateThread inserts a chat thread.
func (r *ProjectRepositoryImpl) CreateThread(ctx context.Context, thread *models.ChatThread) error {
	if err := r.db.WithContext(ctx).Create(thread).Error; err != nil {
		return fmt.Errorf("failed to create chat thread: %w", err)
	}
	return nil
}

// CanAccess reports whether userID may perform action on the resource.
// Files and chat threads inherit the permissions of their project.
// A missing resource yields models.ErrNotFound.
func (r *ProjectRepositoryImpl) CanAccess(ctx context.Context, userID string, kind models.ResourceKind, resourceID string, action models.Action) (bool, error) {
	projectID, err := r.projectOf(ctx, kind, resourceID)
	if err != nil {
		return false, err
	}

	role, err := r.roleIn(ctx, projectID, userID)
	if err != nil {
		return false, err
	}

	return role.Allows(action), nil
}

func (r *ProjectRepositoryImpl) projectOf(ctx context.Context, kind models.ResourceKind, id string) (string, error) {
	var (
		projectID string
		err       error
	)

	switch kind {
	case models.ResourceProject:
		var p models.Project
		err = r.db.WithContext(ctx).Select("id").First(&p, "id = ?", id).Error
		projectID = p.ID
	case models.ResourceFile:
		var f models.File
		err = r.db.WithContext(ctx).Select("project_id").First(&f, "id = ?", id).Error
		projectID = f.ProjectID
	case models.ResourceChat:
		var t models.ChatThread
		err = r.db.WithContext(ctx).Select("project_id").First(&t, "id = ?", id).Error
		projectID = t.ProjectID
	default:
		return "", fmt.Errorf("unknown resource kind %q", kind)
	}

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%s %s: %w", kind, id, models.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s %s: %w", kind, id, err)
	}
	return projectID, nil
}

// roleIn returns the empty role when the user has no grant.
func (r *ProjectRepositoryImpl) roleIn(ctx context.Context, projectID, userID string) (models.Role, error) {
	var project models.Project
	if err := r.db.WithContext(ctx).Select("owner_id").First(&project, "id = ?", projectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("project %s: %w", projectID, models.ErrNotFound)
		}
		return "", fmt.Errorf("failed to load project: %w", err)
	}
	if project.OwnerID == userID {
		return models.RoleOwner, nil
	}

	var member models.ProjectMember
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND user_id = ?", projectID, userID).
		First(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to load project member: %w", err)
	}

	return member.Role, nil
}
