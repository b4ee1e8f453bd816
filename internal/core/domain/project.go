package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultInstallCommand is used when neither the project nor the repository
// manifest names one.
const DefaultInstallCommand = "npm ci"

// User owns projects and deployments.
type User struct {
	ID        string    `json:"id"`
	GithubID  string    `json:"github_id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// NewUser creates a user.
func NewUser(githubID, username, email string) (*User, error) {
	if strings.TrimSpace(githubID) == "" || strings.TrimSpace(username) == "" {
		return nil, NewError("new user", "github id and username are required", ErrValidation)
	}
	return &User{
		ID:        uuid.New().String(),
		GithubID:  githubID,
		Username:  username,
		Email:     email,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Project is a repository plus the build configuration used by the stages.
type Project struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Name           string    `json:"name"`
	RepoURL        string    `json:"repo_url"`
	Branch         string    `json:"branch"`
	InstallCommand string    `json:"install_command,omitempty"`
	BuildCommand   string    `json:"build_command"`
	OutputDir      string    `json:"output_dir"`
	CreatedAt      time.Time `json:"created_at"`
}

// NewProject creates a project, filling in branch and output defaults.
func NewProject(userID, name, repoURL string) (*Project, error) {
	p := &Project{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		RepoURL:   strings.TrimSpace(repoURL),
		Branch:    "main",
		OutputDir: "dist",
		CreatedAt: time.Now().UTC(),
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the fields required to run the stages.
func (p *Project) Validate() error {
	switch {
	case p.UserID == "":
		return NewError("validate project", "user id is required", ErrValidation)
	case p.Name == "":
		return NewError("validate project", "name is required", ErrValidation)
	case p.RepoURL == "":
		return NewError("validate project", "repo url is required", ErrValidation)
	case p.Branch == "":
		return NewError("validate project", "branch is required", ErrValidation)
	}
	return nil
}
