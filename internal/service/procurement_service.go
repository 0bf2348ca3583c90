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

const requestCachePrefix = "requests"

type procurementStore interface {
	Create(ctx context.Context, req *models.ProcurementRequest, entry *models.HistoryEntry) error
	GetByID(ctx context.Context, id string) (*models.ProcurementRequest, error)
	History(ctx context.Context, requestID string) ([]models.HistoryEntry, error)
	List(ctx context.Context, filter models.RequestFilter) ([]models.ProcurementRequest, error)
	Save(ctx context.Context, params repository.SaveRequestParams) error
}

type projectReader interface {
	GetByNumber(ctx context.Context, number int64) (*models.Project, error)
	List(ctx context.Context, filter models.ProjectFilter) ([]models.Project, error)
}

// ProcurementService drives procurement requests through the approval workflow
// and keeps project budgets in step with every committed transition.
type ProcurementService struct {
	store             procurementStore
	projects          projectReader
	ledger            *LedgerPolicy
	bus               *EventBus
	cache             *CacheService
	cacheTTL          time.Duration
	metrics           *MetricsService
	validator         *validator.Validate
	logger            *zap.Logger
	enforceMembership bool
	now               func() time.Time
}

// ProcurementServiceOption customises the service.
type ProcurementServiceOption func(*ProcurementService)

// WithEventBus publishes committed transitions on bus.
func WithEventBus(bus *EventBus) ProcurementServiceOption {
	return func(s *ProcurementService) { s.bus = bus }
}

// WithRequestCache serves list reads from cache for ttl.
func WithRequestCache(cache *CacheService, ttl time.Duration) ProcurementServiceOption {
	return func(s *ProcurementService) {
		s.cache = cache
		s.cacheTTL = ttl
	}
}

// WithProcurementMetrics records transition and ledger metrics.
func WithProcurementMetrics(metrics *MetricsService) ProcurementServiceOption {
	return func(s *ProcurementService) { s.metrics = metrics }
}

// WithMembershipEnforcement restricts students and managers to their own projects.
func WithMembershipEnforcement(enabled bool) ProcurementServiceOption {
	return func(s *ProcurementService) { s.enforceMembership = enabled }
}

// WithProcurementLogger overrides the logger.
func WithProcurementLogger(logger *zap.Logger) ProcurementServiceOption {
	return func(s *ProcurementService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock overrides the time source for history timestamps.
func WithClock(now func() time.Time) ProcurementServiceOption {
	return func(s *ProcurementService) { s.now = now }
}

// NewProcurementService constructs the workflow engine.
func NewProcurementService(store procurementStore, projects projectReader, ledger *LedgerPolicy, opts ...ProcurementServiceOption) *ProcurementService {
	if ledger == nil {
		ledger = NewLedgerPolicy(nil)
	}
	svc := &ProcurementService{
		store:     store,
		projects:  projects,
		ledger:    ledger,
		validator: validator.New(),
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// CreateRequest stores a new request in saved, or in pending when req.Submit is set.
func (s *ProcurementService) CreateRequest(ctx context.Context, req dto.CreateProcurementRequest, actor models.Actor) (*models.ProcurementRequest, error) {
	if actor.Role != models.RoleStudent {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only students create requests")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid procurement request")
	}
	items, err := buildItems(req.Items)
	if err != nil {
		return nil, err
	}
	project, err := s.loadProject(ctx, req.ProjectNumber)
	if err != nil {
		return nil, err
	}
	if project.Status != models.ProjectStatusActive {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("project %d is inactive", project.ProjectNumber))
	}
	if s.enforceMembership && !project.HasMember(actor.Email) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "not a member of this project")
	}

	request := &models.ProcurementRequest{
		Status:         models.StatusSaved,
		ProjectNumber:  req.ProjectNumber,
		StudentEmail:   models.NormalizeEmail(actor.Email),
		ManagerEmail:   models.NormalizeEmail(req.ManagerEmail),
		Vendor:         strings.TrimSpace(req.Vendor),
		URL:            strings.TrimSpace(req.URL),
		Justification:  strings.TrimSpace(req.Justification),
		AdditionalInfo: strings.TrimSpace(req.AdditionalInfo),
		Items:          items,
	}
	if err := recalculate(request); err != nil {
		return nil, err
	}

	var (
		entry *models.HistoryEntry
		plan  *TransitionPlan
	)
	if req.Submit {
		plan, err = PlanTransition(request.Status, models.ActionSubmit, actor, "")
		if err != nil {
			return nil, err
		}
		entry = s.historyEntry(plan, actor)
		request.Status = plan.To
	}

	if err := s.store.Create(ctx, request, entry); err != nil {
		return nil, s.storeError(err, "failed to create procurement request")
	}
	s.logger.Info("procurement request created",
		zap.String("request_id", request.ID),
		zap.Int64("request_number", request.RequestNumber),
		zap.String("status", string(request.Status)),
	)
	s.cache.Invalidate(ctx, requestCachePrefix+":*")
	if plan != nil {
		s.metrics.ObserveTransition(models.ActionSubmit, "ok")
		s.publish(request, plan, actor)
	}
	return request, nil
}

// EditRequest replaces the editable fields and items of a request the student
// still owns. With req.Submit the edit and the submit transition commit together.
func (s *ProcurementService) EditRequest(ctx context.Context, id string, req dto.EditProcurementRequest, actor models.Actor) (*models.ProcurementRequest, error) {
	if actor.Role != models.RoleStudent {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "only students edit requests")
	}
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid procurement request")
	}
	items, err := buildItems(req.Items)
	if err != nil {
		return nil, err
	}
	current, err := s.loadRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, current, actor); err != nil {
		return nil, err
	}
	if !current.Status.Editable() {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition, "request cannot be edited while "+string(current.Status))
	}

	updated := current.Clone()
	updated.ManagerEmail = models.NormalizeEmail(req.ManagerEmail)
	updated.Vendor = strings.TrimSpace(req.Vendor)
	updated.URL = strings.TrimSpace(req.URL)
	updated.Justification = strings.TrimSpace(req.Justification)
	updated.AdditionalInfo = strings.TrimSpace(req.AdditionalInfo)
	updated.Items = items
	if err := recalculate(updated); err != nil {
		return nil, err
	}

	params := repository.SaveRequestParams{Request: updated, ExpectedStatus: current.Status, ReplaceItems: true}
	var plan *TransitionPlan
	if req.Submit {
		plan, err = PlanTransition(current.Status, models.ActionSubmit, actor, req.Comment)
		if err != nil {
			return nil, err
		}
		updated.Status = plan.To
		params.Entry = s.historyEntry(plan, actor)
		params.Ledger = s.ledger.TransitionDelta(current.ProjectNumber, current.Status, current.RequestTotal, updated.Status, updated.RequestTotal)
	}

	if err := s.store.Save(ctx, params); err != nil {
		if plan != nil {
			s.metrics.ObserveTransition(plan.Action, errorCode(err))
		}
		return nil, s.storeError(err, "failed to save procurement request")
	}
	s.cache.Invalidate(ctx, requestCachePrefix+":*")
	if plan != nil {
		s.metrics.ObserveTransition(plan.Action, "ok")
		s.metrics.ObserveBudgetAdjustment(params.Ledger)
		s.publish(updated, plan, actor)
	}
	return updated, nil
}

// SubmitRequest moves a saved or returned request back into review.
func (s *ProcurementService) SubmitRequest(ctx context.Context, id string, actor models.Actor, comment string) (*models.ProcurementRequest, error) {
	return s.Transition(ctx, id, actor, dto.TransitionRequest{Action: models.ActionSubmit, Comment: comment})
}

// Transition applies one workflow action. The status change, its history entry
// and the budget delta are written atomically, guarded by the status and
// version that were read. Nothing changes when an error is returned.
func (s *ProcurementService) Transition(ctx context.Context, id string, actor models.Actor, req dto.TransitionRequest) (*models.ProcurementRequest, error) {
	label := req.Action
	if _, known := transitionRules[label]; !known {
		label = "unknown"
	}
	updated, err := s.transition(ctx, id, actor, req)
	if err != nil {
		s.metrics.ObserveTransition(label, errorCode(err))
		return nil, err
	}
	s.metrics.ObserveTransition(label, "ok")
	return updated, nil
}

func (s *ProcurementService) transition(ctx context.Context, id string, actor models.Actor, req dto.TransitionRequest) (*models.ProcurementRequest, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid transition")
	}
	current, err := s.loadRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, current, actor); err != nil {
		return nil, err
	}
	plan, err := PlanTransition(current.Status, req.Action, actor, req.Comment)
	if err != nil {
		return nil, err
	}

	updated := current.Clone()
	updated.Status = plan.To
	shipping := strings.TrimSpace(req.ShippingCost)
	switch {
	case RequiresShipping(plan.Action):
		if shipping == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, "shippingCost is required to order")
		}
		cents, err := money.ParseCents(shipping)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid shippingCost")
		}
		updated.ShippingCost = &cents
	case shipping != "":
		return nil, appErrors.Clone(appErrors.ErrValidation, "shippingCost only applies to order")
	}
	if err := recalculate(updated); err != nil {
		return nil, err
	}

	delta := s.ledger.TransitionDelta(current.ProjectNumber, current.Status, current.RequestTotal, updated.Status, updated.RequestTotal)
	params := repository.SaveRequestParams{
		Request:        updated,
		ExpectedStatus: current.Status,
		Entry:          s.historyEntry(plan, actor),
		Ledger:         delta,
	}
	if err := s.store.Save(ctx, params); err != nil {
		return nil, s.storeError(err, "failed to apply transition")
	}

	s.logger.Info("procurement request transitioned",
		zap.String("request_id", updated.ID),
		zap.String("action", string(plan.Action)),
		zap.String("from", string(plan.From)),
		zap.String("to", string(plan.To)),
		zap.String("actor", actor.Email),
		zap.Int64("available_delta", delta.Available),
		zap.Int64("pending_delta", delta.Pending),
	)
	s.metrics.ObserveBudgetAdjustment(delta)
	s.cache.Invalidate(ctx, requestCachePrefix+":*")
	s.publish(updated, plan, actor)
	return updated, nil
}

// GetRequest returns one request with its items and history.
func (s *ProcurementService) GetRequest(ctx context.Context, id string, actor models.Actor) (*models.ProcurementRequest, error) {
	req, err := s.loadRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.authorize(ctx, req, actor); err != nil {
		return nil, err
	}
	return req, nil
}

// GetHistory returns the append-only transition log of a request.
func (s *ProcurementService) GetHistory(ctx context.Context, id string, actor models.Actor) ([]models.HistoryEntry, error) {
	req, err := s.GetRequest(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	history, err := s.store.History(ctx, req.ID)
	if err != nil {
		return nil, s.storeError(err, "failed to load request history")
	}
	return history, nil
}

// ListRequests returns requests matching query, limited to the caller's projects
// for non-admins. Managers never see saved or cancelled requests.
func (s *ProcurementService) ListRequests(ctx context.Context, query dto.RequestQuery, actor models.Actor) ([]models.ProcurementRequest, error) {
	for _, status := range query.Statuses {
		if !status.Valid() {
			return nil, appErrors.Clone(appErrors.ErrValidation, "unknown status "+string(status))
		}
	}
	filter := models.RequestFilter{
		ProjectNumbers: query.ProjectNumbers,
		Vendor:         strings.TrimSpace(query.Vendor),
		URL:            strings.TrimSpace(query.URL),
		Statuses:       query.Statuses,
		Limit:          query.Limit,
		Offset:         query.Offset,
	}

	if actor.Role != models.RoleAdmin && s.enforceMembership {
		allowed, err := s.memberProjects(ctx, actor.Email)
		if err != nil {
			return nil, err
		}
		filter.ProjectNumbers = scopeProjects(query.ProjectNumbers, allowed)
		if len(filter.ProjectNumbers) == 0 {
			return []models.ProcurementRequest{}, nil
		}
	}
	if actor.Role == models.RoleManager {
		filter.Statuses = managerVisible(filter.Statuses)
		if len(filter.Statuses) == 0 {
			return []models.ProcurementRequest{}, nil
		}
	}

	key := cacheKey(requestCachePrefix+":list", filter)
	var cached []models.ProcurementRequest
	if s.cache.Get(ctx, key, &cached) {
		return cached, nil
	}
	requests, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, s.storeError(err, "failed to list procurement requests")
	}
	s.cache.Set(ctx, key, requests, s.cacheTTL)
	return requests, nil
}

// AllowedActions lists what actor may do next with req.
func (s *ProcurementService) AllowedActions(req *models.ProcurementRequest, actor models.Actor) []models.Action {
	return AllowedActions(req.Status, actor.Role)
}

func (s *ProcurementService) loadRequest(ctx context.Context, id string) (*models.ProcurementRequest, error) {
	if strings.TrimSpace(id) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "request id is required")
	}
	req, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "procurement request not found")
		}
		return nil, s.storeError(err, "failed to load procurement request")
	}
	return req, nil
}

func (s *ProcurementService) loadProject(ctx context.Context, number int64) (*models.Project, error) {
	project, err := s.projects.GetByNumber(ctx, number)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("project %d not found", number))
		}
		return nil, s.storeError(err, "failed to load project")
	}
	return project, nil
}

// authorize limits non-admins to requests of projects they belong to. Students
// always reach their own requests and managers the ones assigned to them.
func (s *ProcurementService) authorize(ctx context.Context, req *models.ProcurementRequest, actor models.Actor) error {
	if !s.enforceMembership || actor.Role == models.RoleAdmin {
		return nil
	}
	if actor.Role == models.RoleStudent && models.SameEmail(req.StudentEmail, actor.Email) {
		return nil
	}
	if actor.Role == models.RoleManager && models.SameEmail(req.ManagerEmail, actor.Email) {
		return nil
	}
	project, err := s.loadProject(ctx, req.ProjectNumber)
	if err != nil {
		return err
	}
	if !project.HasMember(actor.Email) {
		return appErrors.Clone(appErrors.ErrForbidden, "not a member of this project")
	}
	return nil
}

func (s *ProcurementService) memberProjects(ctx context.Context, email string) ([]int64, error) {
	projects, err := s.projects.List(ctx, models.ProjectFilter{MemberEmail: models.NormalizeEmail(email), IncludeInactive: true})
	if err != nil {
		return nil, s.storeError(err, "failed to load member projects")
	}
	numbers := make([]int64, len(projects))
	for i, p := range projects {
		numbers[i] = p.ProjectNumber
	}
	return numbers, nil
}

func (s *ProcurementService) historyEntry(plan *TransitionPlan, actor models.Actor) *models.HistoryEntry {
	return &models.HistoryEntry{
		Actor:     actor.Email,
		Timestamp: s.now(),
		Comment:   plan.Comment,
		OldState:  plan.From,
		NewState:  plan.To,
	}
}

func (s *ProcurementService) publish(req *models.ProcurementRequest, plan *TransitionPlan, actor models.Actor) {
	s.bus.Publish(TransitionEvent{
		RequestID:     req.ID,
		RequestNumber: req.RequestNumber,
		ProjectNumber: req.ProjectNumber,
		Action:        plan.Action,
		OldState:      plan.From,
		NewState:      plan.To,
		Actor:         actor.Email,
		Comment:       plan.Comment,
		StudentEmail:  req.StudentEmail,
		ManagerEmail:  req.ManagerEmail,
		RequestTotal:  req.RequestTotal,
		OccurredAt:    s.now(),
	})
}

func (s *ProcurementService) storeError(err error, message string) error {
	switch {
	case errors.Is(err, repository.ErrStaleRequest):
		return appErrors.Clone(appErrors.ErrConcurrentModification, "")
	case errors.Is(err, repository.ErrProjectNotFound):
		return appErrors.Clone(appErrors.ErrNotFound, "project not found")
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	s.logger.Error(message, zap.Error(err))
	return appErrors.Persistence(err, message)
}

// maxQuantity caps a single line item quantity.
const maxQuantity = 1_000_000

func recalculate(req *models.ProcurementRequest) error {
	if err := req.Recalculate(); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "request total is out of range")
	}
	return nil
}

func buildItems(inputs []dto.LineItemInput) ([]models.LineItem, error) {
	items := make([]models.LineItem, 0, len(inputs))
	for i, in := range inputs {
		if in.Quantity <= 0 || in.Quantity > maxQuantity {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("items[%d].quantity must be between 1 and %d", i, maxQuantity))
		}
		cents, err := money.ParseCents(in.UnitCost)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status,
				fmt.Sprintf("items[%d].unitCost is invalid", i))
		}
		description := strings.TrimSpace(in.Description)
		partNumber := strings.TrimSpace(in.PartNumber)
		if description == "" || partNumber == "" {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("items[%d] needs a description and part number", i))
		}
		items = append(items, models.LineItem{
			Description: description,
			PartNumber:  partNumber,
			ItemURL:     strings.TrimSpace(in.ItemURL),
			Quantity:    in.Quantity,
			UnitCost:    cents,
		})
	}
	return items, nil
}

func scopeProjects(requested, allowed []int64) []int64 {
	if len(requested) == 0 {
		return allowed
	}
	set := make(map[int64]struct{}, len(allowed))
	for _, n := range allowed {
		set[n] = struct{}{}
	}
	out := make([]int64, 0, len(requested))
	for _, n := range requested {
		if _, ok := set[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

func managerVisible(statuses []models.RequestStatus) []models.RequestStatus {
	if len(statuses) == 0 {
		statuses = models.AllStatuses
	}
	out := make([]models.RequestStatus, 0, len(statuses))
	for _, status := range statuses {
		if status != models.StatusSaved && status != models.StatusCancelled {
			out = append(out, status)
		}
	}
	return out
}

func errorCode(err error) string {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return strings.ToLower(appErr.Code)
	}
	return "error"
}
