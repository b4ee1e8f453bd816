// Package workers contains the background workers that drive deployments
// through their lifecycle.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	coredeployment "github.com/artpar/deployforge/internal/core/deployment"
	"github.com/artpar/deployforge/internal/core/domain"
	"github.com/artpar/deployforge/internal/shell/events"
	"github.com/artpar/deployforge/internal/shell/stages"
	"github.com/artpar/deployforge/internal/shell/store"
)

// Notifier receives every status change the worker persists.
type Notifier interface {
	Publish(evt events.Event)
}

// WorkerConfig configures the lifecycle worker.
type WorkerConfig struct {
	// StageTimeout bounds a single stage handler.
	// Default: 10 minutes.
	StageTimeout time.Duration

	// KeepWorkspace leaves the working directory in place after a
	// deployment finishes.
	KeepWorkspace bool
}

// DefaultWorkerConfig returns the default configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		StageTimeout: 10 * time.Minute,
	}
}

// Worker advances deployments through the stage sequence, persisting each
// transition before the stage's work begins.
type Worker struct {
	store      store.Store
	pipeline   stages.Pipeline
	workspaces *stages.Workspaces
	notifier   Notifier
	config     WorkerConfig
	logger     *slog.Logger
}

// NewWorker creates a lifecycle worker. notifier may be nil.
func NewWorker(
	s store.Store,
	pipeline stages.Pipeline,
	workspaces *stages.Workspaces,
	notifier Notifier,
	config WorkerConfig,
	logger *slog.Logger,
) *Worker {
	if config.StageTimeout <= 0 {
		config.StageTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:      s,
		pipeline:   pipeline,
		workspaces: workspaces,
		notifier:   notifier,
		config:     config,
		logger:     logger.With("component", "lifecycle_worker"),
	}
}

// Process runs a queued deployment to completion. Deployments that are
// missing or no longer queued are left untouched, so processing the same id
// twice is harmless.
func (w *Worker) Process(ctx context.Context, deploymentID string) error {
	d, err := w.load(ctx, deploymentID)
	if err != nil || d == nil {
		return err
	}
	if d.Status != domain.StatusQueued {
		w.logger.Info("skipping deployment, not queued",
			"deployment_id", d.ID, "status", d.Status)
		return nil
	}
	project, err := w.project(ctx, d)
	if err != nil || project == nil {
		return err
	}
	return w.run(ctx, d, project, coredeployment.Plan(), false)
}

// Resume continues a deployment interrupted while in a stage. The stage it
// was in is run again from the start.
func (w *Worker) Resume(ctx context.Context, deploymentID string) error {
	d, err := w.load(ctx, deploymentID)
	if err != nil || d == nil {
		return err
	}
	plan := coredeployment.ResumePlan(d.Status)
	if plan == nil {
		w.logger.Info("skipping resume, not in a stage",
			"deployment_id", d.ID, "status", d.Status)
		return nil
	}
	project, err := w.project(ctx, d)
	if err != nil || project == nil {
		return err
	}
	w.logger.Info("resuming deployment", "deployment_id", d.ID, "stage", d.Status)
	return w.run(ctx, d, project, plan, true)
}

func (w *Worker) load(ctx context.Context, deploymentID string) (*domain.Deployment, error) {
	d, err := w.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.logger.Warn("deployment not found", "deployment_id", deploymentID)
			return nil, nil
		}
		if errors.Is(err, domain.ErrConsistencyViolation) {
			w.logger.Error("deployment has unknown status", "deployment_id", deploymentID, "error", err)
		}
		return nil, err
	}
	return d, nil
}

// project loads d's project. If it cannot be loaded d is failed, since its id
// has left the queue and nothing would pick it up again. A nil project with
// a nil error means d was failed.
func (w *Worker) project(ctx context.Context, d *domain.Deployment) (*domain.Project, error) {
	project, err := w.store.GetProject(ctx, d.ProjectID)
	if err == nil {
		return project, nil
	}
	cause := fmt.Errorf("load project %s: %w", d.ProjectID, err)
	w.logger.Error("failed to load project", "deployment_id", d.ID, "error", err)
	if ferr := w.fail(ctx, d, cause); ferr != nil {
		return nil, errors.Join(cause, ferr)
	}
	return nil, nil
}

// run executes plan. When entered is true the deployment already holds the
// first stage's status and that transition is not written again.
func (w *Worker) run(ctx context.Context, d *domain.Deployment, project *domain.Project, plan []domain.DeploymentStatus, entered bool) error {
	in := stages.Input{Project: *project, Workspace: w.workspaces.Path(d.ID)}
	logger := w.logger.With("deployment_id", d.ID, "user_id", d.UserID)

	for i, stage := range plan {
		if !entered || i > 0 {
			ok, err := w.advance(ctx, d, stage)
			if err != nil || !ok {
				return err
			}
		}

		handler, err := w.pipeline.Handler(stage)
		if err != nil {
			return w.fail(ctx, d, domain.StageError(stage, err))
		}

		in.Deployment = *d
		started := time.Now()
		out, err := w.runStage(ctx, handler, stage, in)
		if ctx.Err() != nil {
			// Shutdown. The deployment stays in this stage for recovery.
			logger.Warn("stage interrupted", "stage", stage)
			return ctx.Err()
		}
		if err != nil {
			serr := domain.StageError(stage, err)
			logger.Warn("stage failed", "stage", stage, "error", serr)
			return w.fail(ctx, d, serr)
		}
		logger.Info("stage completed", "stage", stage, "duration", time.Since(started))

		if out.CommitSHA != "" {
			d.CommitSHA = out.CommitSHA
		}
		if out.ArtifactPath != "" {
			d.ArtifactPath = out.ArtifactPath
		}
	}

	ok, err := w.advance(ctx, d, domain.StatusDeployed)
	if err != nil || !ok {
		return err
	}
	logger.Info("deployment deployed", "artifact_path", d.ArtifactPath, "commit_sha", d.CommitSHA)
	w.cleanup(d)
	return nil
}

type stageResult struct {
	out stages.Output
	err error
}

// runStage runs handler under the stage timeout. A handler that ignores its
// context is abandoned when the timeout fires and its result discarded.
func (w *Worker) runStage(ctx context.Context, handler stages.Handler, stage domain.DeploymentStatus, in stages.Input) (stages.Output, error) {
	stageCtx, cancel := context.WithTimeout(ctx, w.config.StageTimeout)
	defer cancel()

	done := make(chan stageResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stageResult{err: fmt.Errorf("stage %s panicked: %v", stage, r)}
			}
		}()
		out, err := handler.Run(stageCtx, in)
		done <- stageResult{out: out, err: err}
	}()

	timedOut := func() bool {
		return ctx.Err() == nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded)
	}

	select {
	case r := <-done:
		if r.err != nil && timedOut() {
			return stages.Output{}, w.timeoutError(stage)
		}
		return r.out, r.err
	case <-stageCtx.Done():
		if timedOut() {
			return stages.Output{}, w.timeoutError(stage)
		}
		return stages.Output{}, ctx.Err()
	}
}

func (w *Worker) timeoutError(stage domain.DeploymentStatus) error {
	return fmt.Errorf("stage %s timed out after %s", stage, w.config.StageTimeout)
}

// advance persists the transition of d to status. It returns false without
// error when the stored deployment has moved on, e.g. it was cancelled.
func (w *Worker) advance(ctx context.Context, d *domain.Deployment, status domain.DeploymentStatus) (bool, error) {
	next := *d
	if err := next.Transition(status); err != nil {
		return false, err
	}
	return w.persist(ctx, d, &next, "")
}

// fail records cause as the deployment's error and ends it.
func (w *Worker) fail(ctx context.Context, d *domain.Deployment, cause error) error {
	next := *d
	if err := next.TransitionToFailed(domain.Message(cause)); err != nil {
		return err
	}
	ok, err := w.persist(ctx, d, &next, next.ErrorMessage)
	if err != nil || !ok {
		return err
	}
	w.cleanup(d)
	return nil
}

func (w *Worker) persist(ctx context.Context, d, next *domain.Deployment, message string) (bool, error) {
	from := d.Status
	err := w.store.UpdateDeploymentStatus(ctx, next, from, message)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrNotFound):
		w.logger.Info("deployment changed elsewhere, stopping",
			"deployment_id", d.ID, "expected", from, "error", err)
		w.cleanupIfFinished(ctx, d.ID)
		return false, nil
	default:
		return false, fmt.Errorf("persist %s -> %s for deployment %s: %w", from, next.Status, d.ID, err)
	}

	*d = *next
	w.logger.Debug("status changed", "deployment_id", d.ID, "from", from, "status", d.Status)
	if w.notifier != nil {
		w.notifier.Publish(events.StatusEvent(*d, from, message))
	}
	return true, nil
}

func (w *Worker) cleanupIfFinished(ctx context.Context, deploymentID string) {
	current, err := w.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			w.cleanup(&domain.Deployment{ID: deploymentID})
		}
		return
	}
	if current.Status.IsTerminal() {
		w.cleanup(current)
	}
}

func (w *Worker) cleanup(d *domain.Deployment) {
	if w.config.KeepWorkspace {
		return
	}
	if err := w.workspaces.Remove(d.ID); err != nil {
		w.logger.Warn("failed to remove workspace", "deployment_id", d.ID, "error", err)
	}
}
