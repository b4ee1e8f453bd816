package store

import (
	"time"

	"github.com/artpar/deployforge/internal/core/domain"
)

// =============================================================================
// Row Types
// =============================================================================

type userRow struct {
	ID        string `db:"id"`
	GithubID  string `db:"github_id"`
	Username  string `db:"username"`
	Email     string `db:"email"`
	CreatedAt string `db:"created_at"`
}

type projectRow struct {
	ID             string `db:"id"`
	UserID         string `db:"user_id"`
	Name           string `db:"name"`
	RepoURL        string `db:"repo_url"`
	Branch         string `db:"branch"`
	InstallCommand string `db:"install_command"`
	BuildCommand   string `db:"build_command"`
	OutputDir      string `db:"output_dir"`
	CreatedAt      string `db:"created_at"`
}

type deploymentRow struct {
	ID           string  `db:"id"`
	UserID       string  `db:"user_id"`
	ProjectID    string  `db:"project_id"`
	Status       string  `db:"status"`
	CommitSHA    *string `db:"commit_sha"`
	ArtifactPath *string `db:"artifact_path"`
	ErrorMessage *string `db:"error_message"`
	CreatedAt    string  `db:"created_at"`
	UpdatedAt    string  `db:"updated_at"`
	CompletedAt  *string `db:"completed_at"`
}

type eventRow struct {
	Seq          int64  `db:"seq"`
	DeploymentID string `db:"deployment_id"`
	FromStatus   string `db:"from_status"`
	ToStatus     string `db:"to_status"`
	Message      string `db:"message"`
	CreatedAt    string `db:"created_at"`
}

// =============================================================================
// Row Conversion
// =============================================================================

func parseTime(op, entity, id, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, NewStoreError(op, entity, id, "invalid timestamp "+value, ErrInvalidData)
	}
	return t, nil
}

func rowToUser(row *userRow) (*domain.User, error) {
	createdAt, err := parseTime("GetUser", "user", row.ID, row.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &domain.User{
		ID:        row.ID,
		GithubID:  row.GithubID,
		Username:  row.Username,
		Email:     row.Email,
		CreatedAt: createdAt,
	}, nil
}

func rowToProject(row *projectRow) (*domain.Project, error) {
	createdAt, err := parseTime("GetProject", "project", row.ID, row.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &domain.Project{
		ID:             row.ID,
		UserID:         row.UserID,
		Name:           row.Name,
		RepoURL:        row.RepoURL,
		Branch:         row.Branch,
		InstallCommand: row.InstallCommand,
		BuildCommand:   row.BuildCommand,
		OutputDir:      row.OutputDir,
		CreatedAt:      createdAt,
	}, nil
}

func rowToDeployment(row *deploymentRow) (*domain.Deployment, error) {
	status, err := domain.ParseStatus(row.Status)
	if err != nil {
		// Surface the consistency violation; never coerce an unknown status.
		return nil, NewStoreError("GetDeployment", "deployment", row.ID, err.Error(), err)
	}

	createdAt, err := parseTime("GetDeployment", "deployment", row.ID, row.CreatedAt)
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseTime("GetDeployment", "deployment", row.ID, row.UpdatedAt)
	if err != nil {
		return nil, err
	}

	d := &domain.Deployment{
		ID:        row.ID,
		UserID:    row.UserID,
		ProjectID: row.ProjectID,
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	if row.CommitSHA != nil {
		d.CommitSHA = *row.CommitSHA
	}
	if row.ArtifactPath != nil {
		d.ArtifactPath = *row.ArtifactPath
	}
	if row.ErrorMessage != nil {
		d.ErrorMessage = *row.ErrorMessage
	}
	if row.CompletedAt != nil {
		completedAt, err := parseTime("GetDeployment", "deployment", row.ID, *row.CompletedAt)
		if err != nil {
			return nil, err
		}
		d.CompletedAt = &completedAt
	}
	return d, nil
}

func rowsToDeployments(rows []deploymentRow) ([]domain.Deployment, error) {
	deployments := make([]domain.Deployment, 0, len(rows))
	for i := range rows {
		d, err := rowToDeployment(&rows[i])
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, nil
}

func rowToEvent(row *eventRow) (*domain.DeploymentEvent, error) {
	createdAt, err := parseTime("ListDeploymentEvents", "deployment", row.DeploymentID, row.CreatedAt)
	if err != nil {
		return nil, err
	}
	event := &domain.DeploymentEvent{
		Seq:          row.Seq,
		DeploymentID: row.DeploymentID,
		ToStatus:     domain.DeploymentStatus(row.ToStatus),
		Message:      row.Message,
		CreatedAt:    createdAt,
	}
	if row.FromStatus != "" {
		event.FromStatus = domain.DeploymentStatus(row.FromStatus)
	}
	return event, nil
}
