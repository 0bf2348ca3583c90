package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/noah-isme/procurement-api/internal/models"
	"github.com/noah-isme/procurement-api/internal/repository"
)

// memoryBackend is an in-memory stand-in for the PostgreSQL repositories that
// honours the same status and version guard as the real Save.
type memoryBackend struct {
	mu       sync.Mutex
	requests map[string]*models.ProcurementRequest
	projects map[int64]*models.Project
	costs    []models.Cost
	seq      int64
	saveErr  error
	listErr  error
	lists    int

	// beforeSave runs under the lock ahead of the version check.
	beforeSave func(stored *models.ProcurementRequest)
	// beforeCost runs under the lock before the cost effect reads the project.
	beforeCost func(stored *models.Project)
}

func newMemoryBackend(projects ...models.Project) *memoryBackend {
	b := &memoryBackend{
		requests: map[string]*models.ProcurementRequest{},
		projects: map[int64]*models.Project{},
	}
	for i := range projects {
		p := projects[i]
		b.projects[p.ProjectNumber] = &p
	}
	return b
}

func (b *memoryBackend) project(number int64) models.Project {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.projects[number]
}

func (b *memoryBackend) Create(ctx context.Context, req *models.ProcurementRequest, entry *models.HistoryEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	b.seq++
	req.ID = fmt.Sprintf("req-%d", b.seq)
	req.RequestNumber = b.seq
	if entry != nil {
		entry.ID = b.seq
		entry.RequestID = req.ID
		req.History = append(req.History, *entry)
	}
	b.requests[req.ID] = req.Clone()
	return nil
}

func (b *memoryBackend) GetByID(ctx context.Context, id string) (*models.ProcurementRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.requests[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return req.Clone(), nil
}

func (b *memoryBackend) History(ctx context.Context, requestID string) ([]models.HistoryEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.requests[requestID]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return append([]models.HistoryEntry(nil), req.History...), nil
}

func (b *memoryBackend) List(ctx context.Context, filter models.RequestFilter) ([]models.ProcurementRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lists++
	if b.listErr != nil {
		return nil, b.listErr
	}
	out := make([]models.ProcurementRequest, 0)
	for _, req := range b.requests {
		if len(filter.ProjectNumbers) > 0 && !containsInt64(filter.ProjectNumbers, req.ProjectNumber) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, req.Status) {
			continue
		}
		if filter.Vendor != "" && !strings.Contains(strings.ToLower(req.Vendor), strings.ToLower(filter.Vendor)) {
			continue
		}
		if filter.URL != "" && req.URL != filter.URL {
			continue
		}
		if filter.StudentEmail != "" && !models.SameEmail(req.StudentEmail, filter.StudentEmail) {
			continue
		}
		if filter.ManagerEmail != "" && !models.SameEmail(req.ManagerEmail, filter.ManagerEmail) {
			continue
		}
		out = append(out, *req.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestNumber > out[j].RequestNumber })
	return out, nil
}

func (b *memoryBackend) Save(ctx context.Context, params repository.SaveRequestParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return b.saveErr
	}
	req := params.Request
	stored, ok := b.requests[req.ID]
	if ok && b.beforeSave != nil {
		b.beforeSave(stored)
	}
	if !ok || stored.Status != params.ExpectedStatus || stored.Version != req.Version {
		return repository.ErrStaleRequest
	}
	if !params.Ledger.IsZero() {
		project, ok := b.projects[params.Ledger.ProjectNumber]
		if !ok {
			return repository.ErrProjectNotFound
		}
		project.AvailableBudget += params.Ledger.Available
		project.PendingBudget += params.Ledger.Pending
	}
	req.Version++
	if params.Entry != nil {
		params.Entry.RequestID = req.ID
		req.History = append(req.History, *params.Entry)
	}
	b.requests[req.ID] = req.Clone()
	return nil
}

// projectReader and projectStore

func (b *memoryBackend) GetByNumber(ctx context.Context, number int64) (*models.Project, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.projects[number]
	if !ok {
		return nil, sql.ErrNoRows
	}
	clone := *p
	return &clone, nil
}

func (b *memoryBackend) projectList(filter models.ProjectFilter) []models.Project {
	out := make([]models.Project, 0)
	for _, p := range b.projects {
		if !filter.IncludeInactive && p.Status != models.ProjectStatusActive {
			continue
		}
		if filter.MemberEmail != "" && !p.HasMember(filter.MemberEmail) {
			continue
		}
		if len(filter.ProjectNumbers) > 0 && !containsInt64(filter.ProjectNumbers, p.ProjectNumber) {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectNumber < out[j].ProjectNumber })
	return out
}

// projectsView exposes the project side of the backend under the List name the services expect.
type projectsView struct{ *memoryBackend }

func (v projectsView) List(ctx context.Context, filter models.ProjectFilter) ([]models.Project, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.projectList(filter), nil
}

func (v projectsView) Create(ctx context.Context, project *models.Project) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, exists := v.projects[project.ProjectNumber]; exists {
		return repository.ErrDuplicateProject
	}
	clone := *project
	v.projects[project.ProjectNumber] = &clone
	return nil
}

func (v projectsView) SetStatus(ctx context.Context, number int64, status models.ProjectStatus) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.projects[number]
	if !ok {
		return repository.ErrProjectNotFound
	}
	p.Status = status
	return nil
}

func (v projectsView) Update(ctx context.Context, project *models.Project) (*models.Project, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.projects[project.ProjectNumber]
	if !ok {
		return nil, repository.ErrProjectNotFound
	}
	p.SponsorName = project.SponsorName
	p.ProjectName = project.ProjectName
	p.MemberEmails = append(p.MemberEmails[:0:0], project.MemberEmails...)
	clone := *p
	return &clone, nil
}

func (v projectsView) AppendCost(ctx context.Context, cost *models.Cost, effect repository.CostEffect) (models.LedgerDelta, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.projects[cost.ProjectNumber]
	if !ok {
		return models.LedgerDelta{}, repository.ErrProjectNotFound
	}
	if v.beforeCost != nil {
		v.beforeCost(p)
	}
	locked := *p
	delta, newDefault, err := effect(&locked)
	if err != nil {
		return models.LedgerDelta{}, err
	}
	if p.AvailableBudget+delta.Available > newDefault {
		return models.LedgerDelta{}, repository.ErrBudgetBounds
	}
	p.DefaultBudget = newDefault
	p.AvailableBudget += delta.Available
	p.PendingBudget += delta.Pending
	cost.ID = fmt.Sprintf("cost-%d", len(v.costs)+1)
	v.costs = append(v.costs, *cost)
	return delta, nil
}

func (v projectsView) ListCosts(ctx context.Context, projectNumbers []int64) ([]models.Cost, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]models.Cost, 0)
	for _, c := range v.costs {
		if len(projectNumbers) == 0 || containsInt64(projectNumbers, c.ProjectNumber) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (v projectsView) SetBudgets(ctx context.Context, number int64, available, pending int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	p, ok := v.projects[number]
	if !ok {
		return repository.ErrProjectNotFound
	}
	p.AvailableBudget = available
	p.PendingBudget = pending
	return nil
}

func (v projectsView) LedgerTotals(ctx context.Context, projectNumber int64, committed, spent []models.RequestStatus) (models.LedgerTotals, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var totals models.LedgerTotals
	for _, req := range v.requests {
		if req.ProjectNumber != projectNumber {
			continue
		}
		if containsStatus(committed, req.Status) {
			totals.Committed += req.RequestTotal
		}
		if containsStatus(spent, req.Status) {
			totals.Spent += req.RequestTotal
		}
	}
	return totals, nil
}

func containsInt64(list []int64, v int64) bool {
	for _, n := range list {
		if n == v {
			return true
		}
	}
	return false
}

var errBackendDown = errors.New("connection reset by peer")
