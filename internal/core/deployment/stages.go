package deployment

import (
	"github.com/artpar/deployforge/internal/core/domain"
)

// =============================================================================
// Stage Sequence
// =============================================================================

// stages is the fixed execution order. Each entry is the status a deployment
// holds while that stage's handler runs.
var stages = []domain.DeploymentStatus{
	domain.StatusCloning,
	domain.StatusInstalling,
	domain.StatusBuilding,
	domain.StatusUploading,
}

// Stages returns the stage statuses in execution order.
func Stages() []domain.DeploymentStatus {
	return append([]domain.DeploymentStatus(nil), stages...)
}

// IsStage reports whether status is one of the executable stages.
func IsStage(status domain.DeploymentStatus) bool {
	return stageIndex(status) >= 0
}

// NextStage returns the status that follows status in the lifecycle.
// After the last stage it returns StatusDeployed. ok is false for statuses
// that have no successor.
func NextStage(status domain.DeploymentStatus) (next domain.DeploymentStatus, ok bool) {
	if status == domain.StatusQueued {
		return stages[0], true
	}
	i := stageIndex(status)
	switch {
	case i < 0:
		return "", false
	case i == len(stages)-1:
		return domain.StatusDeployed, true
	default:
		return stages[i+1], true
	}
}

// Plan returns the stages a freshly queued deployment runs.
func Plan() []domain.DeploymentStatus {
	return Stages()
}

// ResumePlan returns the stages to run for a deployment interrupted while in
// status, starting with status itself. It returns nil when status is not a
// stage.
//
// Example:
//
//	ResumePlan(domain.StatusBuilding) // [building uploading]
func ResumePlan(status domain.DeploymentStatus) []domain.DeploymentStatus {
	i := stageIndex(status)
	if i < 0 {
		return nil
	}
	return append([]domain.DeploymentStatus(nil), stages[i:]...)
}

func stageIndex(status domain.DeploymentStatus) int {
	for i, s := range stages {
		if s == status {
			return i
		}
	}
	return -1
}
