package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest_Full(t *testing.T) {
	data := []byte(`
install: pnpm install --frozen-lockfile
build: pnpm build
output: build/site/
env:
  NODE_ENV: production
`)

	m, err := ParseManifest(data)
	require.NoError(t, err)
	assert.Equal(t, "pnpm install --frozen-lockfile", m.Install)
	assert.Equal(t, "pnpm build", m.Build)
	assert.Equal(t, "build/site", m.Output)
	assert.Equal(t, "production", m.Env["NODE_ENV"])
}

func TestParseManifest_Empty(t *testing.T) {
	m, err := ParseManifest([]byte("  \n"))
	require.NoError(t, err)
	assert.Equal(t, Manifest{}, m)
}

func TestParseManifest_Invalid(t *testing.T) {
	_, err := ParseManifest([]byte("build: [unterminated"))
	assert.ErrorIs(t, err, ErrValidation)
}

func TestParseManifest_OutputEscapes(t *testing.T) {
	for _, out := range []string{"../secrets", "/etc", "a/../../b"} {
		_, err := ParseManifest([]byte("output: " + out))
		assert.ErrorIs(t, err, ErrValidation, out)
	}
}

func TestResolveBuildPlan(t *testing.T) {
	project := createTestProject("user-1")

	t.Run("project defaults", func(t *testing.T) {
		plan := ResolveBuildPlan(project, Manifest{})
		assert.Equal(t, DefaultInstallCommand, plan.InstallCommand)
		assert.Equal(t, "npm run build", plan.BuildCommand)
		assert.Equal(t, "dist", plan.OutputDir)
	})

	t.Run("manifest overrides", func(t *testing.T) {
		plan := ResolveBuildPlan(project, Manifest{Install: "yarn", Build: "yarn build", Output: "out"})
		assert.Equal(t, "yarn", plan.InstallCommand)
		assert.Equal(t, "yarn build", plan.BuildCommand)
		assert.Equal(t, "out", plan.OutputDir)
	})

	t.Run("project install command", func(t *testing.T) {
		p := project
		p.InstallCommand = "npm install"
		plan := ResolveBuildPlan(p, Manifest{})
		assert.Equal(t, "npm install", plan.InstallCommand)
	})
}

func TestNewProject_Defaults(t *testing.T) {
	p, err := NewProject("user-1", " site ", "https://github.com/test/repo")
	require.NoError(t, err)
	assert.Equal(t, "site", p.Name)
	assert.Equal(t, "main", p.Branch)
	assert.Equal(t, "dist", p.OutputDir)
	assert.NotEmpty(t, p.ID)
}

func TestNewProject_MissingRepo(t *testing.T) {
	_, err := NewProject("user-1", "site", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestNewUser_Validation(t *testing.T) {
	_, err := NewUser("", "testuser", "test@example.com")
	assert.ErrorIs(t, err, ErrValidation)

	u, err := NewUser("test-github-123", "testuser", "test@example.com")
	require.NoError(t, err)
	assert.NotEmpty(t, u.ID)
}
