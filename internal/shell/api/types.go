package api

import (
	"time"

	"github.com/artpar/deployforge/internal/core/domain"
)

// =============================================================================
// Request Types
// =============================================================================

// CreateDeploymentRequest is the request body for requesting a deployment.
type CreateDeploymentRequest struct {
	ProjectID string `json:"projectId"`
}

// =============================================================================
// Response Types
// =============================================================================

// AdmissionResponse is returned when a deployment is accepted.
type AdmissionResponse struct {
	DeploymentID string `json:"deploymentId"`
	Status       string `json:"status"`
}

// DeploymentResponse is the public view of a deployment.
type DeploymentResponse struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"projectId"`
	Status       string     `json:"status"`
	ErrorMessage *string    `json:"errorMessage"`
	ArtifactPath *string    `json:"artifactPath"`
	CommitSHA    *string    `json:"commitSha"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	CompletedAt  *time.Time `json:"completedAt"`
}

// DeploymentListResponse is a page of deployments.
type DeploymentListResponse struct {
	Deployments []DeploymentResponse `json:"deployments"`
	Limit       int                  `json:"limit"`
	Offset      int                  `json:"offset"`
}

// EventResponse is one entry of a deployment's status history.
type EventResponse struct {
	Seq       int64     `json:"seq"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// EventListResponse wraps a status history.
type EventListResponse struct {
	Events []EventResponse `json:"events"`
}

// HealthResponse is the response for health check.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response for readiness check.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// =============================================================================
// Conversion
// =============================================================================

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deploymentToResponse(d *domain.Deployment) DeploymentResponse {
	return DeploymentResponse{
		ID:           d.ID,
		ProjectID:    d.ProjectID,
		Status:       string(d.Status),
		ErrorMessage: optional(d.ErrorMessage),
		ArtifactPath: optional(d.ArtifactPath),
		CommitSHA:    optional(d.CommitSHA),
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		CompletedAt:  d.CompletedAt,
	}
}

func eventToResponse(e domain.DeploymentEvent) EventResponse {
	return EventResponse{
		Seq:       e.Seq,
		From:      string(e.FromStatus),
		To:        string(e.ToStatus),
		Message:   e.Message,
		CreatedAt: e.CreatedAt,
	}
}
