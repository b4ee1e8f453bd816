package deployment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// WorkspaceName Tests
// =============================================================================

func TestWorkspaceName_Simple(t *testing.T) {
	assert.Equal(t, "deployforge_abc123", WorkspaceName("abc123"))
}

func TestWorkspaceName_UUID(t *testing.T) {
	got := WorkspaceName("550e8400-e29b-41d4-a716-446655440000")
	assert.Equal(t, "deployforge_550e8400-e29b-41d4-a716-446655440000", got)
}

// =============================================================================
// BuildContainerName Tests
// =============================================================================

func TestBuildContainerName(t *testing.T) {
	assert.Equal(t, "deployforge_abc123_building", BuildContainerName("abc123", "building"))
}

// =============================================================================
// Artifact Naming Tests
// =============================================================================

func TestArtifactPrefix(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "deployments/abc123"},
		{"sites", "sites/deployments/abc123"},
		{"/sites/", "sites/deployments/abc123"},
		{"a/b", "a/b/deployments/abc123"},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			assert.Equal(t, tt.want, ArtifactPrefix(tt.prefix, "abc123"))
		})
	}
}

func TestArtifactKey(t *testing.T) {
	assert.Equal(t, "deployments/abc123/index.html", ArtifactKey("deployments/abc123", "index.html"))
	assert.Equal(t, "deployments/abc123/assets/app.js", ArtifactKey("deployments/abc123", `assets\app.js`))
}
