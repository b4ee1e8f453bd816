package stages

import (
	"context"
	"path/filepath"

	coredeployment "github.com/artpar/deployforge/internal/core/deployment"
	"github.com/artpar/deployforge/internal/shell/artifacts"
)

// Upload publishes the build output directory to an artifact store.
type Upload struct {
	Store artifacts.Store
	// Prefix is prepended to every deployment's key space.
	Prefix string
}

func (u Upload) Run(ctx context.Context, in Input) (Output, error) {
	plan, err := LoadBuildPlan(in.Workspace, in.Project)
	if err != nil {
		return Output{}, err
	}

	prefix := coredeployment.ArtifactPrefix(u.Prefix, in.Deployment.ID)
	location, err := artifacts.UploadDir(ctx, u.Store, filepath.Join(in.Workspace, plan.OutputDir), prefix)
	if err != nil {
		return Output{}, err
	}
	return Output{ArtifactPath: location}, nil
}
