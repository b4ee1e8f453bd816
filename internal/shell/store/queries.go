package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/deployforge/internal/core/domain"
	"github.com/artpar/deployforge/internal/core/limits"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// =============================================================================
// Constraint Errors
// =============================================================================

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// =============================================================================
// Users
// =============================================================================

const userColumns = `id, github_id, username, email, created_at`

func createUser(ctx context.Context, exec executor, user *domain.User) error {
	query := `
		INSERT INTO users (id, github_id, username, email, created_at)
		VALUES (:id, :github_id, :username, :email, :created_at)`

	_, err := exec.NamedExecContext(ctx, query, userRow{
		ID:        user.ID,
		GithubID:  user.GithubID,
		Username:  user.Username,
		Email:     user.Email,
		CreatedAt: formatTime(user.CreatedAt),
	})
	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "github_id") {
				return NewStoreError("CreateUser", "user", user.ID, "github id already registered", ErrDuplicateName)
			}
			return NewStoreError("CreateUser", "user", user.ID, "user already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateUser", "user", user.ID, err.Error(), err)
	}
	return nil
}

func getUser(ctx context.Context, exec executor, column, value string) (*domain.User, error) {
	query := exec.Rebind(`SELECT ` + userColumns + ` FROM users WHERE ` + column + ` = ?`)

	var row userRow
	if err := exec.GetContext(ctx, &row, query, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetUser", "user", value, "user not found", ErrNotFound)
		}
		return nil, NewStoreError("GetUser", "user", value, err.Error(), err)
	}
	return rowToUser(&row)
}

func firstUser(ctx context.Context, exec executor) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users ORDER BY created_at, id LIMIT 1`

	var row userRow
	if err := exec.GetContext(ctx, &row, query); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("FirstUser", "user", "", "no users exist", ErrNotFound)
		}
		return nil, NewStoreError("FirstUser", "user", "", err.Error(), err)
	}
	return rowToUser(&row)
}

// =============================================================================
// Projects
// =============================================================================

const projectColumns = `id, user_id, name, repo_url, branch, install_command, build_command, output_dir, created_at`

func createProject(ctx context.Context, exec executor, project *domain.Project) error {
	query := `
		INSERT INTO projects (
			id, user_id, name, repo_url, branch,
			install_command, build_command, output_dir, created_at
		) VALUES (
			:id, :user_id, :name, :repo_url, :branch,
			:install_command, :build_command, :output_dir, :created_at
		)`

	_, err := exec.NamedExecContext(ctx, query, projectRow{
		ID:             project.ID,
		UserID:         project.UserID,
		Name:           project.Name,
		RepoURL:        project.RepoURL,
		Branch:         project.Branch,
		InstallCommand: project.InstallCommand,
		BuildCommand:   project.BuildCommand,
		OutputDir:      project.OutputDir,
		CreatedAt:      formatTime(project.CreatedAt),
	})
	if err != nil {
		switch {
		case isForeignKeyViolation(err):
			return NewStoreError("CreateProject", "project", project.ID, "user does not exist", ErrForeignKey)
		case isUniqueViolation(err) && strings.Contains(err.Error(), "name"):
			return NewStoreError("CreateProject", "project", project.ID, "project name already used", ErrDuplicateName)
		case isUniqueViolation(err):
			return NewStoreError("CreateProject", "project", project.ID, "project already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateProject", "project", project.ID, err.Error(), err)
	}
	return nil
}

// getProject loads a project. A non-empty userID restricts the lookup to that
// owner; projects of other users are reported as not found.
func getProject(ctx context.Context, exec executor, id, userID string) (*domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE id = ?`
	args := []any{id}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}

	var row projectRow
	if err := exec.GetContext(ctx, &row, exec.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetProject", "project", id, "project not found", ErrNotFound)
		}
		return nil, NewStoreError("GetProject", "project", id, err.Error(), err)
	}
	return rowToProject(&row)
}

func getProjectByName(ctx context.Context, exec executor, userID, name string) (*domain.Project, error) {
	query := exec.Rebind(`SELECT ` + projectColumns + ` FROM projects WHERE user_id = ? AND name = ?`)

	var row projectRow
	if err := exec.GetContext(ctx, &row, query, userID, name); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetProjectByName", "project", name, "project not found", ErrNotFound)
		}
		return nil, NewStoreError("GetProjectByName", "project", name, err.Error(), err)
	}
	return rowToProject(&row)
}

func listProjectsByUser(ctx context.Context, exec executor, userID string, opts ListOptions) ([]domain.Project, error) {
	opts = opts.Normalize()
	query := exec.Rebind(`SELECT ` + projectColumns + ` FROM projects WHERE user_id = ? ORDER BY created_at, id LIMIT ? OFFSET ?`)

	var rows []projectRow
	if err := exec.SelectContext(ctx, &rows, query, userID, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListProjectsByUser", "project", "", err.Error(), err)
	}

	projects := make([]domain.Project, 0, len(rows))
	for i := range rows {
		p, err := rowToProject(&rows[i])
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, nil
}

// =============================================================================
// Deployments
// =============================================================================

const deploymentColumns = `id, user_id, project_id, status, commit_sha, artifact_path, error_message, created_at, updated_at, completed_at`

func deploymentToRow(d *domain.Deployment) deploymentRow {
	return deploymentRow{
		ID:           d.ID,
		UserID:       d.UserID,
		ProjectID:    d.ProjectID,
		Status:       string(d.Status),
		CommitSHA:    nullString(d.CommitSHA),
		ArtifactPath: nullString(d.ArtifactPath),
		ErrorMessage: nullString(d.ErrorMessage),
		CreatedAt:    formatTime(d.CreatedAt),
		UpdatedAt:    formatTime(d.UpdatedAt),
		CompletedAt:  formatTimePtr(d.CompletedAt),
	}
}

func createDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	if !deployment.Status.Valid() {
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, "invalid status "+string(deployment.Status), ErrInvalidData)
	}

	query := `
		INSERT INTO deployments (
			id, user_id, project_id, status, commit_sha, artifact_path,
			error_message, created_at, updated_at, completed_at
		) VALUES (
			:id, :user_id, :project_id, :status, :commit_sha, :artifact_path,
			:error_message, :created_at, :updated_at, :completed_at
		)`

	_, err := exec.NamedExecContext(ctx, query, deploymentToRow(deployment))
	if err != nil {
		switch {
		case isUniqueViolation(err):
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "deployment already exists", ErrDuplicateID)
		case isForeignKeyViolation(err):
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "user or project does not exist", ErrForeignKey)
		}
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, err.Error(), err)
	}
	return nil
}

// admitDeployment must run inside a transaction that already serializes
// admissions for the deployment's owner.
func admitDeployment(ctx context.Context, exec executor, deployment *domain.Deployment, maxActive int) error {
	active, err := countActiveDeployments(ctx, exec, deployment.UserID)
	if err != nil {
		return err
	}

	if result := limits.ValidateAdmission(maxActive, active); !result.Ok() {
		return NewStoreError("AdmitDeployment", "deployment", deployment.ID, result.Reason, ErrLimitReached)
	}

	if err := createDeployment(ctx, exec, deployment); err != nil {
		return err
	}
	return appendDeploymentEvent(ctx, exec, deployment.ID, "", deployment.Status, "admitted", deployment.CreatedAt)
}

// getDeployment loads a deployment. A non-empty userID restricts the lookup to
// that owner.
func getDeployment(ctx context.Context, exec executor, id, userID string) (*domain.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = ?`
	args := []any{id}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}

	var row deploymentRow
	if err := exec.GetContext(ctx, &row, exec.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetDeployment", "deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError("GetDeployment", "deployment", id, err.Error(), err)
	}
	return rowToDeployment(&row)
}

func listDeploymentsByUser(ctx context.Context, exec executor, userID string, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	query := exec.Rebind(`SELECT ` + deploymentColumns + ` FROM deployments WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`)

	var rows []deploymentRow
	if err := exec.SelectContext(ctx, &rows, query, userID, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListDeploymentsByUser", "deployment", "", err.Error(), err)
	}
	return rowsToDeployments(rows)
}

// listDeploymentsByStatus returns matching deployments oldest first.
func listDeploymentsByStatus(ctx context.Context, exec executor, statuses []domain.DeploymentStatus, opts ListOptions) ([]domain.Deployment, error) {
	if len(statuses) == 0 {
		return []domain.Deployment{}, nil
	}
	opts = opts.Normalize()

	query, args, err := sqlx.In(
		`SELECT `+deploymentColumns+` FROM deployments WHERE status IN (?) ORDER BY created_at, id LIMIT ? OFFSET ?`,
		statusArgs(statuses), opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, NewStoreError("ListDeploymentsByStatus", "deployment", "", err.Error(), err)
	}

	var rows []deploymentRow
	if err := exec.SelectContext(ctx, &rows, exec.Rebind(query), args...); err != nil {
		return nil, NewStoreError("ListDeploymentsByStatus", "deployment", "", err.Error(), err)
	}
	return rowsToDeployments(rows)
}

func countActiveDeployments(ctx context.Context, exec executor, userID string) (int, error) {
	query, args, err := sqlx.In(
		`SELECT COUNT(*) FROM deployments WHERE user_id = ? AND status IN (?)`,
		userID, statusArgs(domain.ActiveStatuses()),
	)
	if err != nil {
		return 0, NewStoreError("CountActiveDeployments", "deployment", "", err.Error(), err)
	}

	var count int
	if err := exec.GetContext(ctx, &count, exec.Rebind(query), args...); err != nil {
		return 0, NewStoreError("CountActiveDeployments", "deployment", "", err.Error(), err)
	}
	return count, nil
}

// updateDeploymentStatus writes the mutable deployment fields guarded by a
// compare-and-set on the previous status.
func updateDeploymentStatus(ctx context.Context, exec executor, deployment *domain.Deployment, from domain.DeploymentStatus) error {
	row := deploymentToRow(deployment)
	query := exec.Rebind(`
		UPDATE deployments SET
			status = ?,
			commit_sha = ?,
			artifact_path = ?,
			error_message = ?,
			updated_at = ?,
			completed_at = ?
		WHERE id = ? AND status = ?`)

	result, err := exec.ExecContext(ctx, query,
		row.Status, row.CommitSHA, row.ArtifactPath, row.ErrorMessage, row.UpdatedAt, row.CompletedAt,
		row.ID, string(from),
	)
	if err != nil {
		return NewStoreError("UpdateDeploymentStatus", "deployment", deployment.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		current, err := getDeployment(ctx, exec, deployment.ID, "")
		if err != nil {
			return err
		}
		return NewStoreError("UpdateDeploymentStatus", "deployment", deployment.ID,
			fmt.Sprintf("expected status %s, found %s", from, current.Status), ErrStatusConflict)
	}
	return nil
}

// =============================================================================
// Deployment Events
// =============================================================================

func appendDeploymentEvent(ctx context.Context, exec executor, deploymentID string, from, to domain.DeploymentStatus, message string, at time.Time) error {
	query := exec.Rebind(`
		INSERT INTO deployment_events (deployment_id, from_status, to_status, message, created_at)
		VALUES (?, ?, ?, ?, ?)`)

	if _, err := exec.ExecContext(ctx, query, deploymentID, string(from), string(to), message, formatTime(at)); err != nil {
		return NewStoreError("AppendDeploymentEvent", "deployment", deploymentID, err.Error(), err)
	}
	return nil
}

func listDeploymentEvents(ctx context.Context, exec executor, deploymentID string) ([]domain.DeploymentEvent, error) {
	query := exec.Rebind(`
		SELECT seq, deployment_id, from_status, to_status, message, created_at
		FROM deployment_events WHERE deployment_id = ? ORDER BY seq`)

	var rows []eventRow
	if err := exec.SelectContext(ctx, &rows, query, deploymentID); err != nil {
		return nil, NewStoreError("ListDeploymentEvents", "deployment", deploymentID, err.Error(), err)
	}

	events := make([]domain.DeploymentEvent, 0, len(rows))
	for i := range rows {
		e, err := rowToEvent(&rows[i])
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, nil
}

func statusArgs(statuses []domain.DeploymentStatus) []string {
	args := make([]string, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return args
}
