// Package admission accepts deployment requests, enforces the per-user
// active deployment cap and hands admitted deployments to the work queue.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/deployforge/internal/core/auth"
	"github.com/artpar/deployforge/internal/core/domain"
	"github.com/artpar/deployforge/internal/core/limits"
	"github.com/artpar/deployforge/internal/shell/events"
	"github.com/artpar/deployforge/internal/shell/queue"
	"github.com/artpar/deployforge/internal/shell/store"
)

// CancelMessage is recorded on the event of a user cancellation.
const CancelMessage = "cancelled by user"

const abandonTimeout = 10 * time.Second

// Config configures admission.
type Config struct {
	// MaxActivePerUser caps deployments per user in an active status.
	// Default: 2.
	MaxActivePerUser int
}

// Admission is the result of an accepted request.
type Admission struct {
	DeploymentID string                  `json:"deploymentId"`
	Status       domain.DeploymentStatus `json:"status"`
}

// Notifier receives status changes made by the controller.
type Notifier interface {
	Publish(evt events.Event)
}

// Controller is the entry point for deployment requests and queries. All
// operations are scoped to the calling user; other users' records are
// reported as not found.
type Controller struct {
	store    store.Store
	producer queue.Producer
	notifier Notifier
	config   Config
	logger   *slog.Logger
}

func NewController(s store.Store, producer queue.Producer, notifier Notifier, config Config, logger *slog.Logger) *Controller {
	if config.MaxActivePerUser <= 0 {
		config.MaxActivePerUser = limits.DefaultMaxActive
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:    s,
		producer: producer,
		notifier: notifier,
		config:   config,
		logger:   logger.With("component", "admission"),
	}
}

// RequestDeployment admits a new deployment of projectID for userID and
// enqueues it.
func (c *Controller) RequestDeployment(ctx context.Context, projectID, userID string) (Admission, error) {
	const op = "request deployment"
	if projectID == "" {
		return Admission{}, domain.NewError(op, "projectId is required", domain.ErrValidation)
	}
	if userID == "" {
		return Admission{}, domain.NewError(op, "user id is required", domain.ErrValidation)
	}

	project, err := c.store.GetProjectForUser(ctx, projectID, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Admission{}, domain.NewError(op, "project not found", domain.ErrNotFound)
		}
		return Admission{}, fmt.Errorf("%s: %w", op, err)
	}
	if !auth.CanDeployProject(auth.Context{UserID: userID, Authenticated: true}, *project) {
		return Admission{}, domain.NewError(op, "project not found", domain.ErrNotFound)
	}

	d, err := domain.NewDeployment(*project, userID)
	if err != nil {
		return Admission{}, err
	}

	if err := c.store.AdmitDeployment(ctx, d, c.config.MaxActivePerUser); err != nil {
		if errors.Is(err, store.ErrLimitReached) {
			c.logger.Info("deployment rejected, limit reached", "user_id", userID, "project_id", projectID)
			return Admission{}, domain.NewError(op, storeMessage(err), domain.ErrResourceExhausted)
		}
		return Admission{}, fmt.Errorf("%s: %w", op, err)
	}
	c.publish(*d, "", "admitted")

	if err := c.producer.Enqueue(ctx, d.ID); err != nil {
		c.logger.Error("enqueue failed", "deployment_id", d.ID, "error", err)
		c.abandon(ctx, d, err)
		return Admission{}, domain.NewError(op, "deployment queue unavailable", errors.Join(domain.ErrQueueUnavailable, err))
	}

	c.logger.Info("deployment admitted", "deployment_id", d.ID, "user_id", userID, "project_id", projectID)
	return Admission{DeploymentID: d.ID, Status: d.Status}, nil
}

// abandon fails a deployment that could not be enqueued so it does not hold
// a cap slot forever. The update runs even if the request was cancelled.
func (c *Controller) abandon(ctx context.Context, d *domain.Deployment, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abandonTimeout)
	defer cancel()

	next := *d
	msg := fmt.Sprintf("enqueue failed: %v", cause)
	if err := next.TransitionToFailed(msg); err != nil {
		return
	}
	if err := c.store.UpdateDeploymentStatus(ctx, &next, d.Status, msg); err != nil {
		c.logger.Error("failed to mark unqueued deployment failed", "deployment_id", d.ID, "error", err)
		return
	}
	c.publish(next, d.Status, msg)
}

// GetDeployment returns one of the caller's deployments.
func (c *Controller) GetDeployment(ctx context.Context, id, userID string) (*domain.Deployment, error) {
	const op = "get deployment"
	if id == "" || userID == "" {
		return nil, domain.NewError(op, "deployment id and user id are required", domain.ErrValidation)
	}
	d, err := c.store.GetDeploymentForUser(ctx, id, userID)
	if err != nil {
		return nil, c.mapLookupError(op, id, err)
	}
	return d, nil
}

// ListDeployments returns the caller's deployments, newest first.
func (c *Controller) ListDeployments(ctx context.Context, userID string, opts store.ListOptions) ([]domain.Deployment, error) {
	if userID == "" {
		return nil, domain.NewError("list deployments", "user id is required", domain.ErrValidation)
	}
	deployments, err := c.store.ListDeploymentsByUser(ctx, userID, opts.Normalize())
	if err != nil {
		return nil, c.mapLookupError("list deployments", "", err)
	}
	return deployments, nil
}

// ListEvents returns the status history of one of the caller's deployments.
func (c *Controller) ListEvents(ctx context.Context, id, userID string) ([]domain.DeploymentEvent, error) {
	if _, err := c.GetDeployment(ctx, id, userID); err != nil {
		return nil, err
	}
	evts, err := c.store.ListDeploymentEvents(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return evts, nil
}

// CancelDeployment moves a non-terminal deployment to cancelled. A worker
// running it stops before its next stage.
func (c *Controller) CancelDeployment(ctx context.Context, id, userID string) (*domain.Deployment, error) {
	const op = "cancel deployment"
	for {
		d, err := c.GetDeployment(ctx, id, userID)
		if err != nil {
			return nil, err
		}
		if !auth.CanCancelDeployment(auth.Context{UserID: userID, Authenticated: true}, *d) {
			return nil, domain.NewError(op, "deployment already finished", domain.ErrValidation)
		}

		from := d.Status
		if err := d.Transition(domain.StatusCancelled); err != nil {
			return nil, err
		}
		err = c.store.UpdateDeploymentStatus(ctx, d, from, CancelMessage)
		if errors.Is(err, store.ErrStatusConflict) {
			// The worker advanced it meanwhile; try again from the new status.
			continue
		}
		if err != nil {
			return nil, c.mapLookupError(op, id, err)
		}

		c.logger.Info("deployment cancelled", "deployment_id", id, "user_id", userID, "from", from)
		c.publish(*d, from, CancelMessage)
		return d, nil
	}
}

func (c *Controller) publish(d domain.Deployment, from domain.DeploymentStatus, message string) {
	if c.notifier != nil {
		c.notifier.Publish(events.StatusEvent(d, from, message))
	}
}

func (c *Controller) mapLookupError(op, id string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.NewError(op, "deployment not found", domain.ErrNotFound)
	case errors.Is(err, domain.ErrConsistencyViolation):
		c.logger.Error("stored deployment is inconsistent", "deployment_id", id, "error", err)
		return domain.NewError(op, "deployment record is inconsistent", err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func storeMessage(err error) string {
	var se *store.StoreError
	if errors.As(err, &se) && se.Message != "" {
		return se.Message
	}
	return err.Error()
}
