// Package deployment provides pure functions for deployment execution planning.
//
// All functions are pure (no I/O, no side effects).
//
// # Functions
//
//   - Naming: consistent resource names (WorkspaceName, BuildContainerName, ArtifactPrefix)
//   - Stages: the fixed stage sequence (Stages, NextStage, Plan, ResumePlan)
//
// # Usage
//
// The lifecycle worker (internal/shell/workers) walks a plan and persists
// each status before running the stage handler for it.
//
//	for _, stage := range deployment.Plan() {
//	    // persist stage, then run handler
//	}
package deployment
