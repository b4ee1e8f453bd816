// Package domain holds the deployment, project and user types, the status
// state machine and the error taxonomy. It performs no I/O.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Status
// =============================================================================

type DeploymentStatus string

const (
	StatusQueued     DeploymentStatus = "queued"
	StatusCloning    DeploymentStatus = "cloning"
	StatusInstalling DeploymentStatus = "installing"
	StatusBuilding   DeploymentStatus = "building"
	StatusUploading  DeploymentStatus = "uploading"
	StatusDeployed   DeploymentStatus = "deployed"
	StatusFailed     DeploymentStatus = "failed"
	StatusCancelled  DeploymentStatus = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []DeploymentStatus{
	StatusQueued,
	StatusCloning,
	StatusInstalling,
	StatusBuilding,
	StatusUploading,
	StatusDeployed,
	StatusFailed,
	StatusCancelled,
}

// ParseStatus converts a stored value into a DeploymentStatus.
// Unknown values are a consistency violation and are never coerced.
func ParseStatus(s string) (DeploymentStatus, error) {
	status := DeploymentStatus(s)
	if !status.Valid() {
		return "", NewError("parse status", "unknown deployment status "+s, ErrConsistencyViolation)
	}
	return status, nil
}

// Valid reports whether s is one of the known statuses.
func (s DeploymentStatus) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal reports whether no further transitions are possible.
func (s DeploymentStatus) IsTerminal() bool {
	return s == StatusDeployed || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether a deployment in this status counts against the
// per-user concurrency cap.
func (s DeploymentStatus) IsActive() bool {
	return s.Valid() && !s.IsTerminal()
}

// IsInProgress reports whether a worker has started executing stages.
func (s DeploymentStatus) IsInProgress() bool {
	return s.IsActive() && s != StatusQueued
}

// ActiveStatuses returns the statuses counted against the concurrency cap,
// derived from the enum so that new stages are picked up automatically.
func ActiveStatuses() []DeploymentStatus {
	var active []DeploymentStatus
	for _, s := range AllStatuses {
		if s.IsActive() {
			active = append(active, s)
		}
	}
	return active
}

// InProgressStatuses returns the stage statuses a worker may be interrupted in.
func InProgressStatuses() []DeploymentStatus {
	var stages []DeploymentStatus
	for _, s := range AllStatuses {
		if s.IsInProgress() {
			stages = append(stages, s)
		}
	}
	return stages
}

// =============================================================================
// Deployment
// =============================================================================

// Deployment is a single request to build and publish a project.
type Deployment struct {
	ID           string           `json:"id"`
	UserID       string           `json:"user_id"`
	ProjectID    string           `json:"project_id"`
	Status       DeploymentStatus `json:"status"`
	CommitSHA    string           `json:"commit_sha,omitempty"`
	ArtifactPath string           `json:"artifact_path,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
	CompletedAt  *time.Time       `json:"completed_at,omitempty"`
}

// NewDeployment creates a queued deployment for a project the user owns.
func NewDeployment(project Project, userID string) (*Deployment, error) {
	if userID == "" {
		return nil, NewError("new deployment", "user id is required", ErrValidation)
	}
	if project.UserID != userID {
		return nil, NewError("new deployment", "project not found", ErrNotFound)
	}

	now := time.Now().UTC()
	return &Deployment{
		ID:        uuid.New().String(),
		UserID:    userID,
		ProjectID: project.ID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// Transition moves the deployment to a new status.
func (d *Deployment) Transition(to DeploymentStatus) error {
	if err := ValidateTransition(d.Status, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	d.Status = to
	d.UpdatedAt = now

	if to == StatusDeployed {
		d.CompletedAt = &now
		d.ErrorMessage = ""
	}

	return nil
}

// TransitionToFailed records a failure. The completion timestamp stays unset;
// it only marks successful deployments.
func (d *Deployment) TransitionToFailed(errorMessage string) error {
	if err := ValidateTransition(d.Status, StatusFailed); err != nil {
		return err
	}
	d.Status = StatusFailed
	d.ErrorMessage = errorMessage
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// =============================================================================
// State Machine
// =============================================================================

// validTransitions defines the allowed state transitions.
var validTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusQueued:     {StatusCloning, StatusFailed, StatusCancelled},
	StatusCloning:    {StatusInstalling, StatusFailed, StatusCancelled},
	StatusInstalling: {StatusBuilding, StatusFailed, StatusCancelled},
	StatusBuilding:   {StatusUploading, StatusFailed, StatusCancelled},
	StatusUploading:  {StatusDeployed, StatusFailed, StatusCancelled},
	StatusDeployed:   {}, // Terminal states
	StatusFailed:     {},
	StatusCancelled:  {},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to DeploymentStatus) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return NewError("transition", "unknown status "+string(from), ErrInvalidTransition)
	}

	for _, s := range allowed {
		if s == to {
			return nil
		}
	}

	return NewError("transition", string(from)+" -> "+string(to), ErrInvalidTransition)
}

// =============================================================================
// Status History
// =============================================================================

// DeploymentEvent is one persisted status change.
type DeploymentEvent struct {
	Seq          int64            `json:"seq"`
	DeploymentID string           `json:"deployment_id"`
	FromStatus   DeploymentStatus `json:"from_status,omitempty"`
	ToStatus     DeploymentStatus `json:"to_status"`
	Message      string           `json:"message,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}
