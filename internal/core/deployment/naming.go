package deployment

import (
	"fmt"
	"path"
	"strings"
)

// =============================================================================
// Resource Naming Functions
// =============================================================================

// WorkspaceName generates the working directory name for a deployment.
// Pattern: deployforge_{deploymentID}
//
// Example:
//
//	WorkspaceName("abc123") // returns "deployforge_abc123"
func WorkspaceName(deploymentID string) string {
	return fmt.Sprintf("deployforge_%s", deploymentID)
}

// BuildContainerName generates the container name for a stage run.
// Pattern: deployforge_{deploymentID}_{stage}
//
// Example:
//
//	BuildContainerName("abc123", "building") // returns "deployforge_abc123_building"
func BuildContainerName(deploymentID, stage string) string {
	return fmt.Sprintf("deployforge_%s_%s", deploymentID, stage)
}

// ArtifactPrefix generates the object key prefix for a deployment's artifacts.
// Pattern: {prefix}/deployments/{deploymentID}
//
// Example:
//
//	ArtifactPrefix("sites", "abc123") // returns "sites/deployments/abc123"
//	ArtifactPrefix("", "abc123")      // returns "deployments/abc123"
func ArtifactPrefix(prefix, deploymentID string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return path.Join("deployments", deploymentID)
	}
	return path.Join(prefix, "deployments", deploymentID)
}

// ArtifactKey joins a file path relative to the output directory onto the
// deployment's artifact prefix, always using forward slashes.
//
// Example:
//
//	ArtifactKey("deployments/abc123", "assets/app.js") // "deployments/abc123/assets/app.js"
func ArtifactKey(artifactPrefix, relPath string) string {
	return path.Join(artifactPrefix, strings.ReplaceAll(relPath, "\\", "/"))
}
