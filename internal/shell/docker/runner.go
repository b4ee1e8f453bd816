package docker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/deployforge/internal/shell/stages"
)

// WorkspaceMount is where the deployment workspace appears inside the container.
const WorkspaceMount = "/workspace"

// CommandRunner runs stage commands in a fresh container with the workspace
// bind-mounted. It implements stages.Runner.
type CommandRunner struct {
	client Client
	image  string
	logger *slog.Logger
}

func NewCommandRunner(client Client, image string, logger *slog.Logger) *CommandRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRunner{
		client: client,
		image:  image,
		logger: logger.With("component", "docker_runner"),
	}
}

func (r *CommandRunner) Run(ctx context.Context, cmd stages.Command) (string, error) {
	if err := r.ensureImage(ctx); err != nil {
		return "", err
	}

	// A short suffix keeps a retried stage from colliding with a container
	// left behind by an interrupted run.
	name := cmd.Name
	if name == "" {
		name = "deployforge"
	}
	name = fmt.Sprintf("%s_%s", name, uuid.NewString()[:8])

	id, err := r.client.CreateContainer(ctx, ContainerSpec{
		Name:       name,
		Image:      r.image,
		Command:    []string{"sh", "-c", cmd.Command},
		WorkingDir: WorkspaceMount,
		Env:        cmd.Env,
		Labels:     map[string]string{LabelManaged: "true"},
		Mounts:     []Mount{{Source: cmd.Dir, Target: WorkspaceMount}},
	})
	if err != nil {
		return "", err
	}
	defer r.remove(id)

	if err := r.client.StartContainer(ctx, id); err != nil {
		return "", err
	}

	code, err := r.client.WaitContainer(ctx, id)
	if err != nil {
		return "", err
	}

	output, outErr := r.client.ContainerOutput(ctx, id)
	if outErr != nil {
		r.logger.Warn("failed to read container output", "container", name, "error", outErr)
	}
	if code != 0 {
		return output, commandError(name, cmd.Command, code, output)
	}
	return output, nil
}

func (r *CommandRunner) ensureImage(ctx context.Context) error {
	exists, err := r.client.ImageExists(ctx, r.image)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	r.logger.Info("pulling build image", "image", r.image)
	return r.client.PullImage(ctx, r.image)
}

// remove runs detached from the stage context, which may already be done.
func (r *CommandRunner) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.client.RemoveContainer(ctx, id, RemoveOptions{Force: true}); err != nil {
		r.logger.Warn("failed to remove build container", "container", id, "error", err)
	}
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
