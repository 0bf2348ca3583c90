package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/procurement-api/internal/models"
)

var (
	// ErrDuplicateProject is returned when the project number is already taken.
	ErrDuplicateProject = errors.New("project already exists")
	// ErrBudgetBounds means a ledger write would push available above default budget.
	ErrBudgetBounds = errors.New("available budget would exceed default budget")
)

const uniqueViolation = "23505"

const projectColumns = `project_number, sponsor_name, project_name, member_emails, default_budget, available_budget,
       pending_budget, status, created_at, updated_at`

// ProjectRepository persists projects and their manual cost ledger.
type ProjectRepository struct {
	db *sqlx.DB
}

// NewProjectRepository constructs the repository.
func NewProjectRepository(db *sqlx.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// Create inserts a project. Budget fields start equal to the default budget.
func (r *ProjectRepository) Create(ctx context.Context, project *models.Project) error {
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now
	if project.Status == "" {
		project.Status = models.ProjectStatusActive
	}
	const query = `INSERT INTO projects
	(project_number, sponsor_name, project_name, member_emails, default_budget, available_budget, pending_budget, status, created_at, updated_at)
	VALUES (:project_number, :sponsor_name, :project_name, :member_emails, :default_budget, :available_budget, :pending_budget, :status, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, project); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrDuplicateProject
		}
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

// GetByNumber fetches a project. Missing rows surface as sql.ErrNoRows.
func (r *ProjectRepository) GetByNumber(ctx context.Context, number int64) (*models.Project, error) {
	var project models.Project
	query := fmt.Sprintf("SELECT %s FROM projects WHERE project_number = $1", projectColumns)
	if err := r.db.GetContext(ctx, &project, query, number); err != nil {
		return nil, err
	}
	return &project, nil
}

// List returns projects matching the filter ordered by number.
func (r *ProjectRepository) List(ctx context.Context, filter models.ProjectFilter) ([]models.Project, error) {
	builder := strings.Builder{}
	args := make([]interface{}, 0, 3)
	builder.WriteString(fmt.Sprintf("SELECT %s FROM projects", projectColumns))

	conditions := make([]string, 0, 3)
	if len(filter.ProjectNumbers) > 0 {
		args = append(args, pq.Array(filter.ProjectNumbers))
		conditions = append(conditions, fmt.Sprintf("project_number = ANY($%d)", len(args)))
	}
	if filter.MemberEmail != "" {
		args = append(args, models.NormalizeEmail(filter.MemberEmail))
		conditions = append(conditions, fmt.Sprintf("$%d = ANY(member_emails)", len(args)))
	}
	if !filter.IncludeInactive {
		args = append(args, models.ProjectStatusActive)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}
	builder.WriteString(" ORDER BY project_number")

	projects := make([]models.Project, 0)
	if err := r.db.SelectContext(ctx, &projects, builder.String(), args...); err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// Update replaces the names and roster of a project and returns the stored row.
// Budget fields and status are left alone.
func (r *ProjectRepository) Update(ctx context.Context, project *models.Project) (*models.Project, error) {
	query := fmt.Sprintf(`UPDATE projects SET sponsor_name = $1, project_name = $2, member_emails = $3, updated_at = $4
	WHERE project_number = $5 RETURNING %s`, projectColumns)
	var stored models.Project
	err := r.db.GetContext(ctx, &stored, query,
		project.SponsorName, project.ProjectName, project.MemberEmails, time.Now().UTC(), project.ProjectNumber,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("update project: %w", err)
	}
	return &stored, nil
}

// SetStatus changes the project status. Returns ErrProjectNotFound for unknown numbers.
func (r *ProjectRepository) SetStatus(ctx context.Context, number int64, status models.ProjectStatus) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE projects SET status = $1, updated_at = $2 WHERE project_number = $3",
		status, time.Now().UTC(), number,
	)
	if err != nil {
		return fmt.Errorf("update project status: %w", err)
	}
	return expectOneRow(result, ErrProjectNotFound)
}

// CostEffect derives the budget change of a cost from the current project row.
// It returns the delta applied to both budget fields and the resulting default budget.
type CostEffect func(project *models.Project) (models.LedgerDelta, int64, error)

// AppendCost records a cost and shifts the budget fields in one transaction.
// The project row is locked before effect runs, so the delta is computed from
// the budget the update applies to. The update is still guarded so
// availableBudget never exceeds the resulting default budget.
func (r *ProjectRepository) AppendCost(ctx context.Context, cost *models.Cost, effect CostEffect) (models.LedgerDelta, error) {
	if cost.ID == "" {
		cost.ID = uuid.NewString()
	}
	if cost.CreatedAt.IsZero() {
		cost.CreatedAt = time.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.LedgerDelta{}, fmt.Errorf("begin append cost tx: %w", err)
	}

	var project models.Project
	lock := fmt.Sprintf("SELECT %s FROM projects WHERE project_number = $1 FOR UPDATE", projectColumns)
	if err := tx.GetContext(ctx, &project, lock, cost.ProjectNumber); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.LedgerDelta{}, rollback(tx, ErrProjectNotFound)
		}
		return models.LedgerDelta{}, rollback(tx, fmt.Errorf("lock project: %w", err))
	}
	delta, newDefault, err := effect(&project)
	if err != nil {
		return models.LedgerDelta{}, rollback(tx, err)
	}

	const insert = `INSERT INTO costs (id, project_number, type, amount, comment, actor, created_at)
	VALUES (:id, :project_number, :type, :amount, :comment, :actor, :created_at)`
	if _, err := tx.NamedExecContext(ctx, insert, cost); err != nil {
		return models.LedgerDelta{}, rollback(tx, fmt.Errorf("insert cost: %w", err))
	}

	const update = `UPDATE projects SET default_budget = $1, available_budget = available_budget + $2,
	pending_budget = pending_budget + $3, updated_at = $4
	WHERE project_number = $5 AND available_budget + $2 <= $1`
	result, err := tx.ExecContext(ctx, update, newDefault, delta.Available, delta.Pending, cost.CreatedAt, cost.ProjectNumber)
	if err != nil {
		return models.LedgerDelta{}, rollback(tx, fmt.Errorf("apply cost to project: %w", err))
	}
	if err := expectOneRow(result, ErrBudgetBounds); err != nil {
		return models.LedgerDelta{}, rollback(tx, err)
	}

	if err := tx.Commit(); err != nil {
		return models.LedgerDelta{}, fmt.Errorf("commit append cost tx: %w", err)
	}
	return delta, nil
}

// ListCosts returns costs for the given projects, oldest first. An empty list returns every cost.
func (r *ProjectRepository) ListCosts(ctx context.Context, projectNumbers []int64) ([]models.Cost, error) {
	query := "SELECT id, project_number, type, amount, comment, actor, created_at FROM costs"
	args := make([]interface{}, 0, 1)
	if len(projectNumbers) > 0 {
		query += " WHERE project_number = ANY($1)"
		args = append(args, pq.Array(projectNumbers))
	}
	query += " ORDER BY created_at, id"

	costs := make([]models.Cost, 0)
	if err := r.db.SelectContext(ctx, &costs, query, args...); err != nil {
		return nil, fmt.Errorf("list costs: %w", err)
	}
	return costs, nil
}

// SetBudgets overwrites both budget fields, used by ledger recalculation.
func (r *ProjectRepository) SetBudgets(ctx context.Context, number int64, available, pending int64) error {
	result, err := r.db.ExecContext(ctx,
		"UPDATE projects SET available_budget = $1, pending_budget = $2, updated_at = $3 WHERE project_number = $4",
		available, pending, time.Now().UTC(), number,
	)
	if err != nil {
		return fmt.Errorf("set project budgets: %w", err)
	}
	return expectOneRow(result, ErrProjectNotFound)
}

type rowsAffected interface {
	RowsAffected() (int64, error)
}

func expectOneRow(result rowsAffected, none error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check affected rows: %w", err)
	}
	if rows == 0 {
		return none
	}
	return nil
}
