package stages

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	coredeployment "github.com/artpar/deployforge/internal/core/deployment"
	"github.com/artpar/deployforge/internal/core/domain"
)

// =============================================================================
// Runner
// =============================================================================

// Command is a shell command to run inside a workspace.
type Command struct {
	// Name identifies the run, e.g. for container naming.
	Name    string
	Dir     string
	Command string
	Env     map[string]string
}

// Runner executes a Command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, cmd Command) (string, error)
}

// HostRunner runs commands with sh on the local machine.
type HostRunner struct{}

func (HostRunner) Run(ctx context.Context, c Command) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", c.Command)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), coredeployment.EnvList(c.Env)...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			return out.String(), ctx.Err()
		}
		return out.String(), fmt.Errorf("%s: %w: %s", c.Command, err, tail(out.Bytes()))
	}
	return out.String(), nil
}

// =============================================================================
// Install and Build Stages
// =============================================================================

// Step selects which command of the build plan a CommandStage runs.
type Step string

const (
	StepInstall Step = "install"
	StepBuild   Step = "build"
)

// CommandStage resolves the build plan from the project and the repository
// manifest and runs one of its commands.
type CommandStage struct {
	Step   Step
	Runner Runner
}

func (s CommandStage) Run(ctx context.Context, in Input) (Output, error) {
	plan, err := LoadBuildPlan(in.Workspace, in.Project)
	if err != nil {
		return Output{}, err
	}

	command := plan.InstallCommand
	if s.Step == StepBuild {
		command = plan.BuildCommand
	}
	if command == "" {
		return Output{}, nil
	}

	_, err = s.Runner.Run(ctx, Command{
		Name:    coredeployment.BuildContainerName(in.Deployment.ID, string(s.Step)),
		Dir:     in.Workspace,
		Command: command,
		Env:     coredeployment.ResolveEnv(plan.Env, coredeployment.BuildVariables(in.Deployment, in.Project)),
	})
	return Output{}, err
}

// LoadBuildPlan reads the optional manifest from the workspace and merges it
// over the project configuration.
func LoadBuildPlan(workspace string, project domain.Project) (domain.BuildPlan, error) {
	data, err := os.ReadFile(filepath.Join(workspace, domain.ManifestFile))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return domain.BuildPlan{}, fmt.Errorf("read %s: %w", domain.ManifestFile, err)
	}
	manifest, err := domain.ParseManifest(data)
	if err != nil {
		return domain.BuildPlan{}, err
	}
	return domain.ResolveBuildPlan(project, manifest), nil
}
