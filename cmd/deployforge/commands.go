package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/artpar/deployforge/internal/core/domain"
	apimw "github.com/artpar/deployforge/internal/shell/api/middleware"
	"github.com/artpar/deployforge/internal/shell/store"
)

// Seed fixtures for local development.
const (
	seedGithubID    = "test-github-123"
	seedUsername    = "testuser"
	seedEmail       = "test@example.com"
	seedProjectName = "test-project"
	seedRepoURL     = "https://github.com/test/repo"
	seedBuild       = "npm run build"
)

// ensureParentDir creates the directory holding a file-backed SQLite database.
func ensureParentDir(dsn string) error {
	path := dsn
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	path = strings.TrimPrefix(path, "file:")
	if path == "" || strings.HasPrefix(path, ":memory:") {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}

// seed creates the development user and project if they do not already exist
// and prints a request that deploys the project.
func seed(ctx context.Context, cfg *Config, out io.Writer) error {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return &ServerError{Op: "seed", Err: err, ExitCode: ExitDatabaseError}
	}
	defer s.Close()

	user, project, err := seedFixtures(ctx, s)
	if err != nil {
		return &ServerError{Op: "seed", Err: err, ExitCode: ExitDatabaseError}
	}

	fmt.Fprintf(out, "user:    %s (%s)\n", user.ID, user.Username)
	fmt.Fprintf(out, "project: %s (%s)\n", project.ID, project.Name)
	fmt.Fprintf(out, "\ncurl -X POST http://localhost:%d/api/deployments \\\n", cfg.Server.Port)
	fmt.Fprintf(out, "  -H 'Content-Type: application/json' \\\n")
	if cfg.Auth.Mode == apimw.ModeHeader {
		fmt.Fprintf(out, "  -H 'X-User-ID: %s' \\\n", user.ID)
	}
	fmt.Fprintf(out, "  -d '{\"projectId\":\"%s\"}'\n", project.ID)
	return nil
}

func seedFixtures(ctx context.Context, s store.Store) (*domain.User, *domain.Project, error) {
	user, err := s.GetUserByGithubID(ctx, seedGithubID)
	if errors.Is(err, store.ErrNotFound) {
		user, err = domain.NewUser(seedGithubID, seedUsername, seedEmail)
		if err != nil {
			return nil, nil, err
		}
		err = s.CreateUser(ctx, user)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("seed user: %w", err)
	}

	project, err := s.GetProjectByName(ctx, user.ID, seedProjectName)
	if errors.Is(err, store.ErrNotFound) {
		project, err = domain.NewProject(user.ID, seedProjectName, seedRepoURL)
		if err != nil {
			return nil, nil, err
		}
		project.BuildCommand = seedBuild
		err = s.CreateProject(ctx, project)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("seed project: %w", err)
	}

	return user, project, nil
}

// printProjectID writes the first user's first project id.
func printProjectID(ctx context.Context, cfg *Config, out io.Writer) error {
	s, err := openStore(ctx, cfg)
	if err != nil {
		return &ServerError{Op: "project-id", Err: err, ExitCode: ExitDatabaseError}
	}
	defer s.Close()

	id, err := firstProjectID(ctx, s)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, id)
	return nil
}

func firstProjectID(ctx context.Context, s store.Store) (string, error) {
	user, err := s.FirstUser(ctx)
	if err != nil {
		return "", fmt.Errorf("no users found, run seed first: %w", err)
	}
	projects, err := s.ListProjectsByUser(ctx, user.ID, store.ListOptions{Limit: 1})
	if err != nil {
		return "", err
	}
	if len(projects) == 0 {
		return "", fmt.Errorf("user %s has no projects", user.ID)
	}
	return projects[0].ID, nil
}
