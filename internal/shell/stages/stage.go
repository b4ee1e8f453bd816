// Package stages implements the work performed while a deployment is in each
// lifecycle stage.
package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	coredeployment "github.com/artpar/deployforge/internal/core/deployment"
	"github.com/artpar/deployforge/internal/core/domain"
)

// =============================================================================
// Handler Interface
// =============================================================================

// Input is everything a stage handler may read.
type Input struct {
	Deployment domain.Deployment
	Project    domain.Project
	Workspace  string
}

// Output carries values a stage produced that are persisted on the deployment.
type Output struct {
	CommitSHA    string
	ArtifactPath string
}

// Handler performs one stage. Handlers must be safe to run again for the same
// deployment after an interruption.
type Handler interface {
	Run(ctx context.Context, in Input) (Output, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, in Input) (Output, error)

func (f HandlerFunc) Run(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline binds a handler to each stage status.
type Pipeline struct {
	Clone   Handler
	Install Handler
	Build   Handler
	Upload  Handler
}

// Handler returns the handler for a stage status.
func (p Pipeline) Handler(stage domain.DeploymentStatus) (Handler, error) {
	var h Handler
	switch stage {
	case domain.StatusCloning:
		h = p.Clone
	case domain.StatusInstalling:
		h = p.Install
	case domain.StatusBuilding:
		h = p.Build
	case domain.StatusUploading:
		h = p.Upload
	default:
		return nil, fmt.Errorf("%s is not an executable stage", stage)
	}
	if h == nil {
		return nil, fmt.Errorf("no handler configured for stage %s", stage)
	}
	return h, nil
}

// Validate checks that every stage has a handler.
func (p Pipeline) Validate() error {
	for _, stage := range coredeployment.Stages() {
		if _, err := p.Handler(stage); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Workspaces
// =============================================================================

// Workspaces allocates one working directory per deployment under Root.
type Workspaces struct {
	Root string
}

// NewWorkspaces creates the root directory if needed.
func NewWorkspaces(root string) (*Workspaces, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Workspaces{Root: abs}, nil
}

// Path returns the working directory for a deployment.
func (w *Workspaces) Path(deploymentID string) string {
	return filepath.Join(w.Root, coredeployment.WorkspaceName(deploymentID))
}

// Remove deletes a deployment's working directory.
func (w *Workspaces) Remove(deploymentID string) error {
	return os.RemoveAll(w.Path(deploymentID))
}
