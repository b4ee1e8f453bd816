package deployment

import (
	"regexp"
	"sort"

	"github.com/artpar/deployforge/internal/core/domain"
)

// =============================================================================
// Build Variables
// =============================================================================

// Variables every install and build command sees.
const (
	VarDeploymentID = "DEPLOYFORGE_DEPLOYMENT_ID"
	VarProjectID    = "DEPLOYFORGE_PROJECT_ID"
	VarProjectName  = "DEPLOYFORGE_PROJECT_NAME"
	VarBranch       = "DEPLOYFORGE_BRANCH"
	VarCommitSHA    = "DEPLOYFORGE_COMMIT_SHA"
)

// varPlaceholderRegex matches ${VAR} and ${VAR:-default}.
// Group 1 is the name, group 2 the default, group 3 is ":-" when present.
var varPlaceholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:-)([^}]*))?\}`)

// BuildVariables returns the built-in variables for a deployment.
// CommitSHA is omitted until the clone stage has resolved it.
func BuildVariables(d domain.Deployment, p domain.Project) map[string]string {
	vars := map[string]string{
		VarDeploymentID: d.ID,
		VarProjectID:    p.ID,
		VarProjectName:  p.Name,
		VarBranch:       p.Branch,
	}
	if d.CommitSHA != "" {
		vars[VarCommitSHA] = d.CommitSHA
	}
	return vars
}

// SubstituteVariables replaces ${VAR} and ${VAR:-default} placeholders.
//
//	SubstituteVariables("${PORT:-8080}", nil)                        // "8080"
//	SubstituteVariables("${MISSING}", nil)                           // "${MISSING}"
//	SubstituteVariables("v-${SHA}", map[string]string{"SHA": "abc"}) // "v-abc"
func SubstituteVariables(value string, variables map[string]string) string {
	return varPlaceholderRegex.ReplaceAllStringFunc(value, func(match string) string {
		sub := varPlaceholderRegex.FindStringSubmatch(match)
		if val, ok := variables[sub[1]]; ok {
			return val
		}
		if sub[2] != "" {
			return sub[3]
		}
		return match
	})
}

// ResolveEnv expands manifest env values against the built-in variables and
// returns the union, built-ins winning on conflict.
func ResolveEnv(env map[string]string, builtins map[string]string) map[string]string {
	out := make(map[string]string, len(env)+len(builtins))
	for k, v := range env {
		out[k] = SubstituteVariables(v, builtins)
	}
	for k, v := range builtins {
		out[k] = v
	}
	return out
}

// EnvList flattens env into sorted KEY=value pairs.
func EnvList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}
