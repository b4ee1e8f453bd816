package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/artpar/deployforge/internal/core/domain"
	"github.com/artpar/deployforge/internal/shell/queue"
	"github.com/artpar/deployforge/internal/shell/store"
)

// RecoveryPolicy decides what happens to deployments found mid-stage at startup.
type RecoveryPolicy string

const (
	// RecoveryResume re-runs the interrupted stage and continues.
	RecoveryResume RecoveryPolicy = "resume"
	// RecoveryFail marks interrupted deployments failed.
	RecoveryFail RecoveryPolicy = "fail"
)

// InterruptedMessage is the error recorded under RecoveryFail.
const InterruptedMessage = "interrupted by restart"

// ParseRecoveryPolicy validates a configured policy. Empty means resume.
func ParseRecoveryPolicy(s string) (RecoveryPolicy, error) {
	switch RecoveryPolicy(s) {
	case "", RecoveryResume:
		return RecoveryResume, nil
	case RecoveryFail:
		return RecoveryFail, nil
	default:
		return "", fmt.Errorf("unknown recovery policy %q (want resume or fail)", s)
	}
}

// RecoveryReport summarizes one sweep.
type RecoveryReport struct {
	Requeued int
	Resumed  int
	Failed   int
}

// Recovery restores in-flight work after a restart. The in-memory queue is
// empty at startup, so deployments that were mid-stage and queued
// deployments are enqueued again, oldest first. Interrupted deployments are
// resumed or failed by policy.
//
// Resumed deployments travel through the queue like any other, so the pool's
// concurrency bound covers them. Process is the pool's ProcessFunc.
type Recovery struct {
	store    store.Store
	producer queue.Producer
	worker   *Worker
	policy   RecoveryPolicy
	logger   *slog.Logger

	mu      sync.Mutex
	resumes map[string]struct{}
}

func NewRecovery(s store.Store, producer queue.Producer, worker *Worker, policy RecoveryPolicy, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.Default()
	}
	if policy == "" {
		policy = RecoveryResume
	}
	return &Recovery{
		store:    s,
		producer: producer,
		worker:   worker,
		policy:   policy,
		logger:   logger.With("component", "recovery"),
		resumes:  make(map[string]struct{}),
	}
}

// Run performs the sweep. It must complete before the pool starts.
func (r *Recovery) Run(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport

	interrupted, err := r.listAll(ctx, domain.InProgressStatuses())
	if err != nil {
		return report, err
	}
	for _, d := range interrupted {
		if r.policy == RecoveryFail {
			if err := r.worker.fail(ctx, &d, domain.NewError("recovery", InterruptedMessage, domain.ErrStageFailure)); err != nil {
				return report, err
			}
			report.Failed++
			continue
		}
		ok, err := r.requeue(ctx, &d)
		if err != nil {
			return report, err
		}
		if !ok {
			report.Failed++
			continue
		}
		r.mu.Lock()
		r.resumes[d.ID] = struct{}{}
		r.mu.Unlock()
		report.Resumed++
	}

	queued, err := r.listAll(ctx, []domain.DeploymentStatus{domain.StatusQueued})
	if err != nil {
		return report, err
	}
	for _, d := range queued {
		ok, err := r.requeue(ctx, &d)
		if err != nil {
			return report, err
		}
		if !ok {
			report.Failed++
			continue
		}
		report.Requeued++
	}

	r.logger.Info("recovery complete",
		"requeued", report.Requeued, "resumed", report.Resumed, "failed", report.Failed, "policy", r.policy)
	return report, nil
}

// requeue enqueues d, failing it when the queue refuses. It reports whether
// d was enqueued.
func (r *Recovery) requeue(ctx context.Context, d *domain.Deployment) (bool, error) {
	err := r.producer.Enqueue(ctx, d.ID)
	if err == nil {
		return true, nil
	}
	r.logger.Error("failed to requeue deployment", "deployment_id", d.ID, "error", err)
	msg := fmt.Sprintf("enqueue failed: %v", err)
	if ferr := r.worker.fail(ctx, d, domain.NewError("recovery", msg, domain.ErrQueueUnavailable)); ferr != nil {
		return false, ferr
	}
	return false, nil
}

// Process runs one dequeued deployment, resuming it if the sweep found it
// mid-stage.
func (r *Recovery) Process(ctx context.Context, deploymentID string) error {
	r.mu.Lock()
	_, resume := r.resumes[deploymentID]
	delete(r.resumes, deploymentID)
	r.mu.Unlock()

	if resume {
		return r.worker.Resume(ctx, deploymentID)
	}
	return r.worker.Process(ctx, deploymentID)
}

func (r *Recovery) listAll(ctx context.Context, statuses []domain.DeploymentStatus) ([]domain.Deployment, error) {
	const page = 500
	var all []domain.Deployment
	for offset := 0; ; offset += page {
		batch, err := r.store.ListDeploymentsByStatus(ctx, statuses, store.ListOptions{Limit: page, Offset: offset})
		if err != nil {
			return nil, fmt.Errorf("list deployments for recovery: %w", err)
		}
		all = append(all, batch...)
		if len(batch) < page {
			return all, nil
		}
	}
}
