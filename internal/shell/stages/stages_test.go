package stages

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coredeployment "github.com/artpar/deployforge/internal/core/deployment"
	"github.com/artpar/deployforge/internal/core/domain"
	"github.com/artpar/deployforge/internal/shell/artifacts"
)

func testProject() domain.Project {
	return domain.Project{
		ID:             "proj-1",
		UserID:         "user-1",
		Name:           "site",
		RepoURL:        "https://github.com/test/repo",
		Branch:         "main",
		InstallCommand: "echo installed > installed.txt",
		BuildCommand:   "mkdir -p dist && echo '<h1>hi</h1>' > dist/index.html",
		OutputDir:      "dist",
	}
}

func testInput(t *testing.T) Input {
	t.Helper()
	return Input{
		Deployment: domain.Deployment{ID: "dep-1", UserID: "user-1", ProjectID: "proj-1", Status: domain.StatusInstalling},
		Project:    testProject(),
		Workspace:  t.TempDir(),
	}
}

// =============================================================================
// Pipeline
// =============================================================================

func TestPipeline_Handler(t *testing.T) {
	p := SimulatedPipeline(0)
	require.NoError(t, p.Validate())

	for _, stage := range []domain.DeploymentStatus{
		domain.StatusCloning, domain.StatusInstalling, domain.StatusBuilding, domain.StatusUploading,
	} {
		h, err := p.Handler(stage)
		require.NoError(t, err, stage)
		assert.NotNil(t, h)
	}

	_, err := p.Handler(domain.StatusQueued)
	assert.Error(t, err)
	_, err = p.Handler(domain.StatusDeployed)
	assert.Error(t, err)
}

func TestPipeline_ValidateMissingHandler(t *testing.T) {
	p := SimulatedPipeline(0)
	p.Build = nil
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "building")
}

// =============================================================================
// Workspaces
// =============================================================================

func TestWorkspaces_PathAndRemove(t *testing.T) {
	ws, err := NewWorkspaces(filepath.Join(t.TempDir(), "work"))
	require.NoError(t, err)

	path := ws.Path("dep-1")
	assert.Equal(t, filepath.Join(ws.Root, "deployforge_dep-1"), path)

	require.NoError(t, os.MkdirAll(filepath.Join(path, "node_modules"), 0o755))
	require.NoError(t, ws.Remove("dep-1"))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Removing an absent workspace is fine.
	assert.NoError(t, ws.Remove("dep-1"))
}

// =============================================================================
// Simulated
// =============================================================================

func TestSimulated_RespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Simulated{Delay: time.Minute}.Run(ctx, Input{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSimulated_Completes(t *testing.T) {
	out, err := Simulated{Delay: time.Millisecond}.Run(context.Background(), Input{})
	require.NoError(t, err)
	assert.Equal(t, Output{}, out)
}

// =============================================================================
// Commands
// =============================================================================

func TestHostRunner_Output(t *testing.T) {
	out, err := HostRunner{}.Run(context.Background(), Command{
		Dir:     t.TempDir(),
		Command: "echo $GREETING",
		Env:     map[string]string{"GREETING": "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestHostRunner_Failure(t *testing.T) {
	_, err := HostRunner{}.Run(context.Background(), Command{Dir: t.TempDir(), Command: "echo disk full >&2; exit 1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestCommandStage_InstallAndBuild(t *testing.T) {
	in := testInput(t)

	_, err := CommandStage{Step: StepInstall, Runner: HostRunner{}}.Run(context.Background(), in)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(in.Workspace, "installed.txt"))

	_, err = CommandStage{Step: StepBuild, Runner: HostRunner{}}.Run(context.Background(), in)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(in.Workspace, "dist", "index.html"))
}

type recordingRunner struct {
	commands []Command
}

func (r *recordingRunner) Run(ctx context.Context, c Command) (string, error) {
	r.commands = append(r.commands, c)
	return "", nil
}

func TestCommandStage_ManifestOverrides(t *testing.T) {
	in := testInput(t)
	manifest := "install: pnpm install\nbuild: pnpm build\nenv:\n  NODE_ENV: production\n"
	require.NoError(t, os.WriteFile(filepath.Join(in.Workspace, domain.ManifestFile), []byte(manifest), 0o644))

	rr := &recordingRunner{}
	_, err := CommandStage{Step: StepInstall, Runner: rr}.Run(context.Background(), in)
	require.NoError(t, err)
	_, err = CommandStage{Step: StepBuild, Runner: rr}.Run(context.Background(), in)
	require.NoError(t, err)

	require.Len(t, rr.commands, 2)
	assert.Equal(t, "pnpm install", rr.commands[0].Command)
	assert.Equal(t, "pnpm build", rr.commands[1].Command)
	assert.Equal(t, "production", rr.commands[1].Env["NODE_ENV"])
	assert.Equal(t, "dep-1", rr.commands[1].Env[coredeployment.VarDeploymentID])
	assert.Equal(t, in.Workspace, rr.commands[1].Dir)
	assert.Equal(t, "deployforge_dep-1_build", rr.commands[1].Name)
}

func TestCommandStage_EmptyBuildSkips(t *testing.T) {
	in := testInput(t)
	in.Project.BuildCommand = ""

	rr := &recordingRunner{}
	_, err := CommandStage{Step: StepBuild, Runner: rr}.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, rr.commands)
}

func TestCommandStage_InvalidManifest(t *testing.T) {
	in := testInput(t)
	require.NoError(t, os.WriteFile(filepath.Join(in.Workspace, domain.ManifestFile), []byte("output: ../../etc\n"), 0o644))

	_, err := CommandStage{Step: StepInstall, Runner: &recordingRunner{}}.Run(context.Background(), in)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

// =============================================================================
// Upload
// =============================================================================

func TestUpload_PublishesOutput(t *testing.T) {
	in := testInput(t)
	require.NoError(t, os.MkdirAll(filepath.Join(in.Workspace, "dist"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(in.Workspace, "dist", "index.html"), []byte("hi"), 0o644))

	store, err := artifacts.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	out, err := Upload{Store: store, Prefix: "sites"}.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "file://"+filepath.Join(store.Root, "sites", "deployments", "dep-1"), out.ArtifactPath)
	assert.FileExists(t, filepath.Join(store.Root, "sites", "deployments", "dep-1", "index.html"))
}

func TestUpload_MissingOutput(t *testing.T) {
	in := testInput(t)
	store, err := artifacts.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	_, err = Upload{Store: store}.Run(context.Background(), in)
	assert.Error(t, err)
}

// =============================================================================
// Clone
// =============================================================================

func gitRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-q", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644))
	run("add", ".")
	run("commit", "-q", "-m", "init")
	return dir
}

func TestGitClone_RecordsCommit(t *testing.T) {
	repo := gitRepo(t)
	in := testInput(t)
	in.Project.RepoURL = "file://" + repo
	in.Workspace = filepath.Join(t.TempDir(), "ws")

	// Leftovers from an interrupted attempt are discarded.
	require.NoError(t, os.MkdirAll(in.Workspace, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(in.Workspace, "stale"), nil, 0o644))

	out, err := GitClone{}.Run(context.Background(), in)
	require.NoError(t, err)
	assert.Len(t, strings.TrimSpace(out.CommitSHA), 40)
	assert.FileExists(t, filepath.Join(in.Workspace, "package.json"))
	assert.NoFileExists(t, filepath.Join(in.Workspace, "stale"))
}

func TestGitClone_UnknownBranch(t *testing.T) {
	repo := gitRepo(t)
	in := testInput(t)
	in.Project.RepoURL = "file://" + repo
	in.Project.Branch = "nope"
	in.Workspace = filepath.Join(t.TempDir(), "ws")

	_, err := GitClone{}.Run(context.Background(), in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git clone")
}

func TestGitClone_AskpassReturnsTokenVerbatim(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not installed")
	}
	token := `ghp_it's"$(touch pwned)`
	env, cleanup, err := GitClone{Token: token}.gitEnv("https://github.com/test/repo")
	require.NoError(t, err)
	defer cleanup()

	vars := map[string]string{}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		vars[k] = v
	}
	askpass := vars["GIT_ASKPASS"]
	require.NotEmpty(t, askpass)
	assert.Equal(t, token, vars[tokenEnv])

	script, err := os.ReadFile(askpass)
	require.NoError(t, err)
	assert.NotContains(t, string(script), "ghp_")

	dir := t.TempDir()
	cmd := exec.Command(askpass, "Password for 'https://github.com': ")
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), tokenEnv+"="+token)
	out, err := cmd.Output()
	require.NoError(t, err)
	assert.Equal(t, token+"\n", string(out))
	assert.NoFileExists(t, filepath.Join(dir, "pwned"))

	cleanup()
	assert.NoFileExists(t, askpass)
}

func TestGitClone_AskpassWriteFailure(t *testing.T) {
	in := testInput(t)
	in.Workspace = filepath.Join(t.TempDir(), "ws")
	t.Setenv("TMPDIR", filepath.Join(t.TempDir(), "missing"))

	_, err := GitClone{Token: "secret"}.Run(context.Background(), in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "git credentials")
	assert.NotContains(t, err.Error(), "secret")
}

func TestGitClone_EnvWithoutCredentials(t *testing.T) {
	env, cleanup, err := GitClone{}.gitEnv("https://github.com/test/repo")
	require.NoError(t, err)
	cleanup()
	assert.Equal(t, []string{"GIT_TERMINAL_PROMPT=0"}, env)

	env, _, err = GitClone{SSHKey: "/keys/id"}.gitEnv("git@github.com:test/repo.git")
	require.NoError(t, err)
	require.Len(t, env, 1)
	assert.Contains(t, env[0], "GIT_SSH_COMMAND=ssh -i /keys/id")
}
