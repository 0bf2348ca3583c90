package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/procurement-api/internal/dto"
	"github.com/noah-isme/procurement-api/internal/models"
	"github.com/noah-isme/procurement-api/internal/repository"
	appErrors "github.com/noah-isme/procurement-api/pkg/errors"
	"github.com/noah-isme/procurement-api/pkg/money"
)

type projectStore interface {
	Create(ctx context.Context, project *models.Project) error
	GetByNumber(ctx context.Context, number int64) (*models.Project, error)
	List(ctx context.Context, filter models.ProjectFilter) ([]models.Project, error)
	SetStatus(ctx context.Context, number int64, status models.ProjectStatus) error
	Update(ctx context.Context, project *models.Project) (*models.Project, error)
	AppendCost(ctx context.Context, cost *models.Cost, effect repository.CostEffect) (models.LedgerDelta, error)
	ListCosts(ctx context.Context, projectNumbers []int64) ([]models.Cost, error)
	SetBudgets(ctx context.Context, number int64, available, pending int64) error
}

type ledgerTotalsReader interface {
	LedgerTotals(ctx context.Context, projectNumber int64, committed, spent []models.RequestStatus) (models.LedgerTotals, error)
}

type projectEditListener interface {
	ProjectEdited(evt ProjectEditEvent)
}

// ProjectService administers projects and their manual cost ledger.
type ProjectService struct {
	store             projectStore
	totals            ledgerTotalsReader
	ledger            *LedgerPolicy
	metrics           *MetricsService
	validator         *validator.Validate
	logger            *zap.Logger
	enforceMembership bool
	edits             projectEditListener
	now               func() time.Time
}

// ProjectServiceOption customises the service.
type ProjectServiceOption func(*ProjectService)

// WithProjectEditListener tells listener about every project edit.
func WithProjectEditListener(listener projectEditListener) ProjectServiceOption {
	return func(s *ProjectService) { s.edits = listener }
}

// NewProjectService constructs the project service.
func NewProjectService(store projectStore, totals ledgerTotalsReader, ledger *LedgerPolicy, metrics *MetricsService, logger *zap.Logger, enforceMembership bool, opts ...ProjectServiceOption) *ProjectService {
	if ledger == nil {
		ledger = NewLedgerPolicy(nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &ProjectService{
		store:             store,
		totals:            totals,
		ledger:            ledger,
		metrics:           metrics,
		validator:         validator.New(),
		logger:            logger,
		enforceMembership: enforceMembership,
		now:               func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateProject registers a project with every budget field at the default budget.
func (s *ProjectService) CreateProject(ctx context.Context, req dto.CreateProjectRequest, actor models.Actor) (*models.Project, error) {
	if actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid project payload")
	}
	budget, err := money.ParseCents(req.DefaultBudget)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid defaultBudget")
	}

	project := &models.Project{
		ProjectNumber:   req.ProjectNumber,
		SponsorName:     strings.TrimSpace(req.SponsorName),
		ProjectName:     strings.TrimSpace(req.ProjectName),
		MemberEmails:    dedupeEmails(req.MemberEmails),
		DefaultBudget:   budget,
		AvailableBudget: budget,
		PendingBudget:   budget,
		Status:          models.ProjectStatusActive,
	}
	if err := s.store.Create(ctx, project); err != nil {
		if errors.Is(err, repository.ErrDuplicateProject) {
			return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("project %d already exists", req.ProjectNumber))
		}
		s.logger.Error("create project failed", zap.Int64("project_number", req.ProjectNumber), zap.Error(err))
		return nil, appErrors.Persistence(err, "failed to create project")
	}
	return project, nil
}

// GetProject returns one project.
func (s *ProjectService) GetProject(ctx context.Context, number int64, actor models.Actor) (*models.Project, error) {
	project, err := s.load(ctx, number)
	if err != nil {
		return nil, err
	}
	if s.scoped(actor) && !project.HasMember(actor.Email) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not a member of this project")
	}
	return project, nil
}

// ListProjects returns active projects. Admins may include inactive ones;
// everyone else only sees projects they belong to.
func (s *ProjectService) ListProjects(ctx context.Context, filter models.ProjectFilter, actor models.Actor) ([]models.Project, error) {
	if s.scoped(actor) {
		filter.MemberEmail = models.NormalizeEmail(actor.Email)
		filter.IncludeInactive = false
	}
	projects, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, appErrors.Persistence(err, "failed to list projects")
	}
	return projects, nil
}

// EditProject replaces the sponsor, project name and member roster of a
// project. The project number and budget are unchanged. Members are notified.
func (s *ProjectService) EditProject(ctx context.Context, number int64, req dto.EditProjectRequest, actor models.Actor) (*models.Project, error) {
	if actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid project payload")
	}

	stored, err := s.store.Update(ctx, &models.Project{
		ProjectNumber: number,
		SponsorName:   strings.TrimSpace(req.SponsorName),
		ProjectName:   strings.TrimSpace(req.ProjectName),
		MemberEmails:  dedupeEmails(req.MemberEmails),
	})
	if err != nil {
		if errors.Is(err, repository.ErrProjectNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("project %d not found", number))
		}
		s.logger.Error("edit project failed", zap.Int64("project_number", number), zap.Error(err))
		return nil, appErrors.Persistence(err, "failed to update project")
	}

	s.logger.Info("project edited",
		zap.Int64("project_number", number),
		zap.Int("members", len(stored.MemberEmails)),
		zap.String("actor", actor.Email),
	)
	if s.edits != nil {
		s.edits.ProjectEdited(ProjectEditEvent{
			ProjectNumber: stored.ProjectNumber,
			ProjectName:   stored.ProjectName,
			SponsorName:   stored.SponsorName,
			MemberEmails:  append([]string(nil), stored.MemberEmails...),
			Actor:         actor.Email,
			EditedAt:      s.now(),
		})
	}
	return stored, nil
}

// InactivateProject stops a project from accepting new requests.
func (s *ProjectService) InactivateProject(ctx context.Context, number int64, actor models.Actor) error {
	if actor.Role != models.RoleAdmin {
		return appErrors.ErrForbidden
	}
	if err := s.store.SetStatus(ctx, number, models.ProjectStatusInactive); err != nil {
		if errors.Is(err, repository.ErrProjectNotFound) {
			return appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("project %d not found", number))
		}
		return appErrors.Persistence(err, "failed to inactivate project")
	}
	s.logger.Info("project inactivated", zap.Int64("project_number", number), zap.String("actor", actor.Email))
	return nil
}

// AddCost records a manual ledger entry and applies it to the project budget.
func (s *ProjectService) AddCost(ctx context.Context, req dto.AddCostRequest, actor models.Actor) (*models.Cost, error) {
	if actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid cost payload")
	}
	if !s.ledger.IsCostType(req.Type) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown cost type "+string(req.Type))
	}
	amount, err := money.ParseCents(req.Amount)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid amount")
	}
	cost := &models.Cost{
		ProjectNumber: req.ProjectNumber,
		Type:          req.Type,
		Amount:        amount,
		Comment:       strings.TrimSpace(req.Comment),
		Actor:         actor.Email,
	}
	delta, err := s.store.AppendCost(ctx, cost, func(project *models.Project) (models.LedgerDelta, int64, error) {
		return s.ledger.CostEffect(project, cost)
	})
	if err != nil {
		var appErr *appErrors.Error
		switch {
		case errors.As(err, &appErr):
			return nil, appErr
		case errors.Is(err, repository.ErrProjectNotFound):
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("project %d not found", req.ProjectNumber))
		case errors.Is(err, repository.ErrBudgetBounds):
			return nil, appErrors.Clone(appErrors.ErrValidation, "cost would raise available budget above the default budget")
		}
		s.logger.Error("append cost failed", zap.Int64("project_number", req.ProjectNumber), zap.Error(err))
		return nil, appErrors.Persistence(err, "failed to record cost")
	}
	s.metrics.ObserveBudgetAdjustment(delta)
	s.logger.Info("cost recorded",
		zap.Int64("project_number", cost.ProjectNumber),
		zap.String("type", string(cost.Type)),
		zap.Int64("amount", cost.Amount),
		zap.String("actor", actor.Email),
	)
	return cost, nil
}

// ListCosts returns costs for the given projects, limited to the caller's projects for non-admins.
func (s *ProjectService) ListCosts(ctx context.Context, projectNumbers []int64, actor models.Actor) ([]models.Cost, error) {
	if s.scoped(actor) {
		projects, err := s.store.List(ctx, models.ProjectFilter{MemberEmail: models.NormalizeEmail(actor.Email), IncludeInactive: true})
		if err != nil {
			return nil, appErrors.Persistence(err, "failed to load member projects")
		}
		allowed := make([]int64, len(projects))
		for i, p := range projects {
			allowed[i] = p.ProjectNumber
		}
		projectNumbers = scopeProjects(projectNumbers, allowed)
		if len(projectNumbers) == 0 {
			return []models.Cost{}, nil
		}
	}
	costs, err := s.store.ListCosts(ctx, projectNumbers)
	if err != nil {
		return nil, appErrors.Persistence(err, "failed to list costs")
	}
	return costs, nil
}

// RecalculateBudget rebuilds both budget fields from stored requests and costs.
func (s *ProjectService) RecalculateBudget(ctx context.Context, number int64, actor models.Actor) (*dto.BudgetSummary, error) {
	if actor.Role != models.RoleAdmin {
		return nil, appErrors.ErrForbidden
	}
	project, err := s.load(ctx, number)
	if err != nil {
		return nil, err
	}
	totals, err := s.totals.LedgerTotals(ctx, number, CommittedStatuses(), SpentStatuses())
	if err != nil {
		return nil, appErrors.Persistence(err, "failed to sum request totals")
	}
	costs, err := s.store.ListCosts(ctx, []int64{number})
	if err != nil {
		return nil, appErrors.Persistence(err, "failed to list costs")
	}
	available, pending := s.ledger.Recompute(project, totals, costs)
	if err := s.store.SetBudgets(ctx, number, available, pending); err != nil {
		return nil, appErrors.Persistence(err, "failed to store recalculated budget")
	}
	if available != project.AvailableBudget || pending != project.PendingBudget {
		s.logger.Warn("project budget drift repaired",
			zap.Int64("project_number", number),
			zap.Int64("available_before", project.AvailableBudget),
			zap.Int64("available_after", available),
			zap.Int64("pending_before", project.PendingBudget),
			zap.Int64("pending_after", pending),
		)
	}
	return &dto.BudgetSummary{
		ProjectNumber:   number,
		DefaultBudget:   project.DefaultBudget,
		AvailableBudget: available,
		PendingBudget:   pending,
	}, nil
}

func (s *ProjectService) load(ctx context.Context, number int64) (*models.Project, error) {
	project, err := s.store.GetByNumber(ctx, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("project %d not found", number))
		}
		return nil, appErrors.Persistence(err, "failed to load project")
	}
	return project, nil
}

func (s *ProjectService) scoped(actor models.Actor) bool {
	return s.enforceMembership && actor.Role != models.RoleAdmin
}
