package domain

import (
	"path"
	"strings"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the repository file that may override project build settings.
const ManifestFile = "deployforge.yaml"

// Manifest is the optional per-repository build description.
//
//	install: pnpm install --frozen-lockfile
//	build: pnpm build
//	output: build
//	env:
//	  NODE_ENV: production
type Manifest struct {
	Install string            `yaml:"install"`
	Build   string            `yaml:"build"`
	Output  string            `yaml:"output"`
	Env     map[string]string `yaml:"env"`
}

// ParseManifest decodes a manifest. Empty input yields an empty manifest.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if len(strings.TrimSpace(string(data))) == 0 {
		return m, nil
	}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, NewError("parse manifest", "invalid "+ManifestFile+": "+err.Error(), ErrValidation)
	}
	if m.Output != "" {
		clean := path.Clean(m.Output)
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return Manifest{}, NewError("parse manifest", "output must stay inside the repository", ErrValidation)
		}
		m.Output = clean
	}
	return m, nil
}

// BuildPlan is the resolved set of commands a deployment runs.
type BuildPlan struct {
	InstallCommand string
	BuildCommand   string
	OutputDir      string
	Env            map[string]string
}

// ResolveBuildPlan merges the manifest over the project configuration.
func ResolveBuildPlan(p Project, m Manifest) BuildPlan {
	plan := BuildPlan{
		InstallCommand: p.InstallCommand,
		BuildCommand:   p.BuildCommand,
		OutputDir:      p.OutputDir,
		Env:            m.Env,
	}
	if m.Install != "" {
		plan.InstallCommand = m.Install
	}
	if m.Build != "" {
		plan.BuildCommand = m.Build
	}
	if m.Output != "" {
		plan.OutputDir = m.Output
	}
	if plan.InstallCommand == "" {
		plan.InstallCommand = DefaultInstallCommand
	}
	if plan.OutputDir == "" {
		plan.OutputDir = "."
	}
	return plan
}
