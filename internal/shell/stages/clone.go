package stages

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitClone checks out the project's branch into the workspace and records
// the resolved commit.
type GitClone struct {
	// Token authenticates HTTPS clones through GIT_ASKPASS.
	Token string

	// SSHKey is used for git@ and ssh:// URLs.
	SSHKey string
}

func (g GitClone) Run(ctx context.Context, in Input) (Output, error) {
	// A previous attempt may have left a partial checkout.
	if err := os.RemoveAll(in.Workspace); err != nil {
		return Output{}, fmt.Errorf("clean workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(in.Workspace), 0o755); err != nil {
		return Output{}, fmt.Errorf("create workspace: %w", err)
	}

	args := []string{"clone", "--depth", "1", "--branch", in.Project.Branch, in.Project.RepoURL, in.Workspace}
	cmd := exec.CommandContext(ctx, "git", args...)
	gitEnv, cleanup, err := g.gitEnv(in.Project.RepoURL)
	if err != nil {
		return Output{}, fmt.Errorf("git credentials: %w", err)
	}
	defer cleanup()
	cmd.Env = append(os.Environ(), gitEnv...)

	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return Output{}, ctx.Err()
		}
		return Output{}, fmt.Errorf("git clone: %s", tail(out))
	}

	revCmd := exec.CommandContext(ctx, "git", "-C", in.Workspace, "rev-parse", "HEAD")
	sha, err := revCmd.Output()
	if err != nil {
		return Output{}, fmt.Errorf("git rev-parse: %w", err)
	}

	return Output{CommitSHA: strings.TrimSpace(string(sha))}, nil
}

// tokenEnv carries the token to the askpass helper so it never appears in
// the script itself.
const tokenEnv = "DEPLOYFORGE_GIT_TOKEN"

const askpassScript = "#!/bin/sh\nprintf '%s\\n' \"$" + tokenEnv + "\"\n"

func (g GitClone) gitEnv(url string) (env []string, cleanup func(), err error) {
	noop := func() {}
	if isSSHURL(url) && g.SSHKey != "" {
		return []string{
			fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o StrictHostKeyChecking=accept-new", g.SSHKey),
		}, noop, nil
	}
	if isSSHURL(url) || g.Token == "" {
		return []string{"GIT_TERMINAL_PROMPT=0"}, noop, nil
	}

	path, err := writeAskpass()
	if err != nil {
		return nil, noop, err
	}
	return []string{
		"GIT_ASKPASS=" + path,
		"GIT_TERMINAL_PROMPT=0",
		tokenEnv + "=" + g.Token,
	}, func() { os.Remove(path) }, nil
}

func writeAskpass() (string, error) {
	script, err := os.CreateTemp("", "deployforge-askpass-*")
	if err != nil {
		return "", fmt.Errorf("create askpass script: %w", err)
	}
	path := script.Name()
	_, werr := script.WriteString(askpassScript)
	cerr := script.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write askpass script: %w", err)
	}
	if err := os.Chmod(path, 0o700); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("chmod askpass script: %w", err)
	}
	return path, nil
}

func isSSHURL(url string) bool {
	return strings.HasPrefix(url, "git@") || strings.HasPrefix(url, "ssh://")
}

// tail keeps the end of command output, where the error usually is.
func tail(out []byte) string {
	const max = 2048
	s := strings.TrimSpace(string(out))
	if len(s) > max {
		s = "..." + s[len(s)-max:]
	}
	return s
}
