package auth

import (
	"github.com/artpar/deployforge/internal/core/domain"
)

// =============================================================================
// Deployment Authorization
// =============================================================================

// CanViewDeployment checks if the user can view a deployment.
// Only the deployment's owner can view it.
func CanViewDeployment(ctx Context, deployment domain.Deployment) bool {
	return ctx.Authenticated && ctx.UserID == deployment.UserID
}

// CanCancelDeployment checks if the user can cancel a deployment.
func CanCancelDeployment(ctx Context, deployment domain.Deployment) bool {
	return CanViewDeployment(ctx, deployment) && !deployment.Status.IsTerminal()
}

// CanDeployProject checks if the user may request a deployment of a project.
func CanDeployProject(ctx Context, project domain.Project) bool {
	return ctx.Authenticated && ctx.UserID == project.UserID
}

// CanReceiveEvent reports whether an event about ownerID may be streamed to
// the caller.
func CanReceiveEvent(ctx Context, ownerID string) bool {
	return ctx.Authenticated && ctx.UserID == ownerID
}
