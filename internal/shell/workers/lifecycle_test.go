package workers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/deployforge/internal/core/domain"
	"github.com/artpar/deployforge/internal/shell/admission"
	"github.com/artpar/deployforge/internal/shell/events"
	"github.com/artpar/deployforge/internal/shell/queue"
	"github.com/artpar/deployforge/internal/shell/stages"
	"github.com/artpar/deployforge/internal/shell/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fixture struct {
	store      *store.SQLStore
	project    *domain.Project
	workspaces *stages.Workspaces
	notifier   *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	user, err := domain.NewUser("test-github-123", "testuser", "test@example.com")
	require.NoError(t, err)
	require.NoError(t, s.CreateUser(ctx, user))

	project, err := domain.NewProject(user.ID, "test-project", "https://github.com/test/repo")
	require.NoError(t, err)
	project.BuildCommand = "npm run build"
	require.NoError(t, s.CreateProject(ctx, project))

	ws, err := stages.NewWorkspaces(t.TempDir())
	require.NoError(t, err)

	return &fixture{store: s, project: project, workspaces: ws, notifier: &recordingNotifier{}}
}

func (f *fixture) queued(t *testing.T) *domain.Deployment {
	t.Helper()
	d, err := domain.NewDeployment(*f.project, f.project.UserID)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateDeployment(context.Background(), d))
	return d
}

func (f *fixture) worker(pipeline stages.Pipeline, cfg WorkerConfig) *Worker {
	return NewWorker(f.store, pipeline, f.workspaces, f.notifier, cfg, nil)
}

func (f *fixture) get(t *testing.T, id string) *domain.Deployment {
	t.Helper()
	d, err := f.store.GetDeployment(context.Background(), id)
	require.NoError(t, err)
	return d
}

func (f *fixture) history(t *testing.T, id string) []domain.DeploymentStatus {
	t.Helper()
	evts, err := f.store.ListDeploymentEvents(context.Background(), id)
	require.NoError(t, err)
	var out []domain.DeploymentStatus
	for _, e := range evts {
		out = append(out, e.ToStatus)
	}
	return out
}

// moveTo persists a transition as another actor would.
func (f *fixture) moveTo(t *testing.T, id string, to domain.DeploymentStatus) {
	t.Helper()
	d := f.get(t, id)
	from := d.Status
	require.NoError(t, d.Transition(to))
	require.NoError(t, f.store.UpdateDeploymentStatus(context.Background(), d, from, ""))
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []events.Event
}

func (n *recordingNotifier) Publish(evt events.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *recordingNotifier) recorded() []events.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]events.Event(nil), n.events...)
}

// recorder is a stage handler that logs which status the deployment held
// when it ran.
type recorder struct {
	mu   sync.Mutex
	seen []domain.DeploymentStatus
}

func (r *recorder) handler(out stages.Output, err error) stages.Handler {
	return stages.HandlerFunc(func(ctx context.Context, in stages.Input) (stages.Output, error) {
		r.mu.Lock()
		r.seen = append(r.seen, in.Deployment.Status)
		r.mu.Unlock()
		return out, err
	})
}

func (r *recorder) calls() []domain.DeploymentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.DeploymentStatus(nil), r.seen...)
}

func (r *recorder) pipeline() stages.Pipeline {
	return stages.Pipeline{
		Clone:   r.handler(stages.Output{CommitSHA: "abc123"}, nil),
		Install: r.handler(stages.Output{}, nil),
		Build:   r.handler(stages.Output{}, nil),
		Upload:  r.handler(stages.Output{ArtifactPath: "file:///artifacts/deployments/x"}, nil),
	}
}

var fullHistory = []domain.DeploymentStatus{
	domain.StatusQueued,
	domain.StatusCloning,
	domain.StatusInstalling,
	domain.StatusBuilding,
	domain.StatusUploading,
	domain.StatusDeployed,
}

// =============================================================================
// Process
// =============================================================================

func TestProcess_EndToEnd(t *testing.T) {
	f := newFixture(t)
	d := f.queued(t)
	rec := &recorder{}

	err := f.worker(rec.pipeline(), DefaultWorkerConfig()).Process(context.Background(), d.ID)
	require.NoError(t, err)

	got := f.get(t, d.ID)
	assert.Equal(t, domain.StatusDeployed, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "abc123", got.CommitSHA)
	assert.Equal(t, "file:///artifacts/deployments/x", got.ArtifactPath)
	assert.Empty(t, got.ErrorMessage)

	// Each stage is persisted before its handler runs.
	assert.Equal(t, []domain.DeploymentStatus{
		domain.StatusCloning, domain.StatusInstalling, domain.StatusBuilding, domain.StatusUploading,
	}, rec.calls())
	assert.Equal(t, fullHistory, f.history(t, d.ID))

	published := f.notifier.recorded()
	require.Len(t, published, 5)
	assert.Equal(t, domain.StatusQueued, published[0].From)
	assert.Equal(t, domain.StatusDeployed, published[4].To)
	assert.Equal(t, f.project.UserID, published[4].UserID)
}

func TestProcess_AdmittedThroughPool(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := queue.NewMemoryQueue(10)
	controller := admission.NewController(f.store, q, f.notifier, admission.Config{MaxActivePerUser: 2}, nil)

	adm, err := controller.RequestDeployment(ctx, f.project.ID, f.project.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, adm.Status)

	w := f.worker((&recorder{}).pipeline(), DefaultWorkerConfig())
	pool := queue.NewPool(q, w.Process, queue.PoolConfig{Size: 1, Interval: 2 * time.Millisecond}, nil)
	pool.Start()
	defer pool.Stop()

	var got *domain.Deployment
	require.Eventually(t, func() bool {
		got, err = controller.GetDeployment(ctx, adm.DeploymentID, f.project.UserID)
		return err == nil && got.Status.IsTerminal()
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, domain.StatusDeployed, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, fullHistory, f.history(t, adm.DeploymentID))
	assert.Equal(t, 0, q.Len())
}

func TestProcess_StageFailure(t *testing.T) {
	f := newFixture(t)
	d := f.queued(t)
	rec := &recorder{}
	pipeline := rec.pipeline()
	pipeline.Build = rec.handler(stages.Output{}, errors.New("disk full"))

	err := f.worker(pipeline, DefaultWorkerConfig()).Process(context.Background(), d.ID)
	require.NoError(t, err, "stage failures are recorded, not returned")

	got := f.get(t, d.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "disk full", got.ErrorMessage)
	assert.Nil(t, got.CompletedAt)

	assert.NotContains(t, rec.calls(), domain.StatusUploading)
	assert.Equal(t, []domain.DeploymentStatus{
		domain.StatusQueued, domain.StatusCloning, domain.StatusInstalling, domain.StatusBuilding, domain.StatusFailed,
	}, f.history(t, d.ID))
}

func TestProcess_Idempotent(t *testing.T) {
	f := newFixture(t)
	d := f.queued(t)
	rec := &recorder{}
	w := f.worker(rec.pipeline(), DefaultWorkerConfig())

	require.NoError(t, w.Process(context.Background(), d.ID))
	before := f.history(t, d.ID)

	require.NoError(t, w.Process(context.Background(), d.ID))
	assert.Equal(t, before, f.history(t, d.ID), "second run must not add events")
	assert.Len(t, rec.calls(), 4)
}

func TestProcess_MissingDeployment(t *testing.T) {
	f := newFixture(t)
	err := f.worker((&recorder{}).pipeline(), DefaultWorkerConfig()).Process(context.Background(), "does-not-exist")
	assert.NoError(t, err)
}

// projectlessStore fails every project lookup.
type projectlessStore struct {
	store.Store
}

func (projectlessStore) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	return nil, errors.New("database is locked")
}

func TestProcess_ProjectLookupFailureFailsDeployment(t *testing.T) {
	f := newFixture(t)
	d := f.queued(t)
	rec := &recorder{}

	w := NewWorker(projectlessStore{f.store}, rec.pipeline(), f.workspaces, f.notifier, DefaultWorkerConfig(), nil)
	require.NoError(t, w.Process(context.Background(), d.ID))

	got := f.get(t, d.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "load project")
	assert.Contains(t, got.ErrorMessage, "database is locked")
	assert.Empty(t, rec.calls())
}

func TestProcess_SkipsInterruptedStage(t *testing.T) {
	f := newFixture(t)
	d := f.queued(t)
	f.moveTo(t, d.ID, domain.StatusCloning)
	rec := &recorder{}

	require.NoError(t, f.worker(rec.pipeline(), DefaultWorkerConfig()).Process(context.Background(), d.ID))
	assert.Empty(t, rec.calls())
	assert.Equal(t, domain.StatusCloning, f.get(t, d.ID).Status)
}

func TestProcess_SkipsCancelled(t *testing.T) {
	f := newFixture(t)
	d := f.queued(t)
	f.moveTo(t, d.ID, domain.StatusCancelled)
	rec := &recorder{}

	require.NoError(t, f.worker(rec.pipeline(), DefaultWorkerConfig()).Process(context.Background(), d.ID))
	assert.Empty(t, rec.calls())
	assert.Equal(t, []domain.DeploymentStatus{domain.StatusQueued, domain.StatusCancelled}, f.history(t, d.ID))
}

func TestProcess_CancelledMidStage(t *testing.T) {
	f := newFixture(t)
	d := f.queued(t)
	rec := &recorder{}
	pipeline := rec.pipeline()
	pipeline.Clone = stages.HandlerFunc(func(ctx context.Context, in stages.Input) (stages.Output, error) {
		f.moveTo(t, in.Deployment.ID, domain.StatusCancelled)
		return stages.Output{CommitSHA: "abc123"}, nil
	})

	require.NoError(t, f.worker(pipeline, DefaultWorkerConfig()).Process(context.Background(), d.ID))

	got := f.get(t, d.ID)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Empty(t, got.CommitSHA, "result of the cancelled stage is discarded")
	assert.Empty(t, rec.calls(), "no stage runs after cancellation")
	assert.Equal(t, []domain.DeploymentStatus{
		domain.StatusQueued, domain.StatusCloning, domain.StatusCancelled,
	}, f.history(t, d.ID))
}

func TestProcess_StageTimeout(t *testing.T) {
	f := newFixture(t)
	d := f.queued(t)
	pipeline := (&recorder{}).pipeline()
	pipeline.Build = stages.Simulated{Delay: time.Minute}

	cfg := WorkerConfig{StageTimeout: 20 * time.Millisecond}
	require.NoError(t, f.worker(pipeline, cfg).Process(context.Background(), d.ID))

	got := f.get(t, d.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "stage building timed out after 20ms", got.ErrorMessage)
}

func TestProcess_StageTimeoutIgnoringContext(t *testing.T) {
	f := newFixture(t)
	d := f.queued(t)
	release := make(chan struct{})
	defer close(release)

	pipeline := (&recorder{}).pipeline()
	pipeline.Install = stages.HandlerFunc(func(ctx context.Context, in stages.Input) (stages.Output, error) {
		<-release
		return stages.Output{}, nil
	})

	cfg := WorkerConfig{StageTimeout: 20 * time.Millisecond}
	start := time.Now()
	require.NoError(t, f.worker(pipeline, cfg).Process(context.Background(), d.ID))
	assert.Less(t, time.Since(start), 5*time.Second)

	got := f.get(t, d.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "timed out")
}

func TestProcess_StagePanic(t *testing.T) {
	f := newFixture(t)
	d := f.queued(t)
	pipeline := (&recorder{}).pipeline()
	pipeline.Upload = stages.HandlerFunc(func(ctx context.Context, in stages.Input) (stages.Output, error) {
		panic("bucket exploded")
	})

	require.NoError(t, f.worker(pipeline, DefaultWorkerConfig()).Process(context.Background(), d.ID))

	got := f.get(t, d.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "stage uploading panicked: bucket exploded", got.ErrorMessage)
}

func TestProcess_ShutdownLeavesStage(t *testing.T) {
	f := newFixture(t)
	d := f.queued(t)
	ctx, cancel := context.WithCancel(context.Background())
	pipeline := (&recorder{}).pipeline()
	pipeline.Install = stages.HandlerFunc(func(hctx context.Context, in stages.Input) (stages.Output, error) {
		cancel()
		<-hctx.Done()
		return stages.Output{}, hctx.Err()
	})

	err := f.worker(pipeline, DefaultWorkerConfig()).Process(ctx, d.ID)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.StatusInstalling, f.get(t, d.ID).Status)
}

func TestProcess_WorkspaceCleanup(t *testing.T) {
	f := newFixture(t)
	touch := stages.HandlerFunc(func(ctx context.Context, in stages.Input) (stages.Output, error) {
		return stages.Output{}, os.MkdirAll(filepath.Join(in.Workspace, "dist"), 0o755)
	})
	pipeline := (&recorder{}).pipeline()
	pipeline.Clone = touch

	d := f.queued(t)
	require.NoError(t, f.worker(pipeline, DefaultWorkerConfig()).Process(context.Background(), d.ID))
	assert.NoDirExists(t, f.workspaces.Path(d.ID))

	kept := f.queued(t)
	require.NoError(t, f.worker(pipeline, WorkerConfig{KeepWorkspace: true}).Process(context.Background(), kept.ID))
	assert.DirExists(t, f.workspaces.Path(kept.ID))
}

// =============================================================================
// Resume
// =============================================================================

func TestResume_RerunsInterruptedStage(t *testing.T) {
	f := newFixture(t)
	d := f.queued(t)
	f.moveTo(t, d.ID, domain.StatusCloning)
	rec := &recorder{}

	require.NoError(t, f.worker(rec.pipeline(), DefaultWorkerConfig()).Resume(context.Background(), d.ID))

	assert.Equal(t, []domain.DeploymentStatus{
		domain.StatusCloning, domain.StatusInstalling, domain.StatusBuilding, domain.StatusUploading,
	}, rec.calls())
	assert.Equal(t, domain.StatusDeployed, f.get(t, d.ID).Status)
	// cloning is not entered twice.
	assert.Equal(t, fullHistory, f.history(t, d.ID))
}

func TestResume_FromBuilding(t *testing.T) {
	f := newFixture(t)
	d := f.queued(t)
	for _, s := range []domain.DeploymentStatus{domain.StatusCloning, domain.StatusInstalling, domain.StatusBuilding} {
		f.moveTo(t, d.ID, s)
	}
	rec := &recorder{}

	require.NoError(t, f.worker(rec.pipeline(), DefaultWorkerConfig()).Resume(context.Background(), d.ID))
	assert.Equal(t, []domain.DeploymentStatus{domain.StatusBuilding, domain.StatusUploading}, rec.calls())
	assert.Equal(t, domain.StatusDeployed, f.get(t, d.ID).Status)
}

func TestResume_IgnoresQueuedAndTerminal(t *testing.T) {
	f := newFixture(t)
	rec := &recorder{}
	w := f.worker(rec.pipeline(), DefaultWorkerConfig())

	queued := f.queued(t)
	require.NoError(t, w.Resume(context.Background(), queued.ID))

	failed := f.queued(t)
	f.moveTo(t, failed.ID, domain.StatusCancelled)
	require.NoError(t, w.Resume(context.Background(), failed.ID))

	assert.Empty(t, rec.calls())
	assert.Equal(t, domain.StatusQueued, f.get(t, queued.ID).Status)
}
