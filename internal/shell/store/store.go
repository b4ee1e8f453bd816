package store

import (
	"context"

	"github.com/artpar/deployforge/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for users, projects, deployments
// and their status history.
type Store interface {
	// User operations
	CreateUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserByGithubID(ctx context.Context, githubID string) (*domain.User, error)
	FirstUser(ctx context.Context) (*domain.User, error)

	// Project operations
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	GetProjectForUser(ctx context.Context, id, userID string) (*domain.Project, error)
	GetProjectByName(ctx context.Context, userID, name string) (*domain.Project, error)
	ListProjectsByUser(ctx context.Context, userID string, opts ListOptions) ([]domain.Project, error)

	// Deployment operations
	//
	// CreateDeployment inserts the deployment and its creation event.
	// AdmitDeployment does the same only if the owner has fewer than
	// maxActive deployments in an active status; the count and the insert
	// are atomic with respect to other admissions for that user.
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	AdmitDeployment(ctx context.Context, deployment *domain.Deployment, maxActive int) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	GetDeploymentForUser(ctx context.Context, id, userID string) (*domain.Deployment, error)
	ListDeploymentsByUser(ctx context.Context, userID string, opts ListOptions) ([]domain.Deployment, error)
	ListDeploymentsByStatus(ctx context.Context, statuses []domain.DeploymentStatus, opts ListOptions) ([]domain.Deployment, error)
	CountActiveDeployments(ctx context.Context, userID string) (int, error)

	// UpdateDeploymentStatus persists deployment if the stored row is still
	// in status from, and appends a status event carrying message. A row in
	// any other status yields ErrStatusConflict and nothing is written.
	UpdateDeploymentStatus(ctx context.Context, deployment *domain.Deployment, from domain.DeploymentStatus, message string) error
	ListDeploymentEvents(ctx context.Context, deploymentID string) ([]domain.DeploymentEvent, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
