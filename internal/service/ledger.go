package service

import (
	"github.com/noah-isme/procurement-api/internal/models"
	appErrors "github.com/noah-isme/procurement-api/pkg/errors"
)

// committedStatuses hold budget against pendingBudget.
var committedStatuses = map[models.RequestStatus]bool{
	models.StatusManagerApproved: true,
	models.StatusAdminApproved:   true,
	models.StatusOrdered:         true,
	models.StatusReadyForPickup:  true,
	models.StatusComplete:        true,
}

// spentStatuses hold budget against availableBudget.
var spentStatuses = map[models.RequestStatus]bool{
	models.StatusOrdered:        true,
	models.StatusReadyForPickup: true,
	models.StatusComplete:       true,
}

// CommittedStatuses returns the statuses whose totals are debited from pendingBudget.
func CommittedStatuses() []models.RequestStatus {
	return statusKeys(committedStatuses)
}

// SpentStatuses returns the statuses whose totals are debited from availableBudget.
func SpentStatuses() []models.RequestStatus {
	return statusKeys(spentStatuses)
}

func statusKeys(set map[models.RequestStatus]bool) []models.RequestStatus {
	out := make([]models.RequestStatus, 0, len(set))
	for _, status := range models.AllStatuses {
		if set[status] {
			out = append(out, status)
		}
	}
	return out
}

// LedgerPolicy maps request movements and manual costs onto project budget deltas.
type LedgerPolicy struct {
	signs map[models.CostType]int64
}

// DefaultCostSigns credits refunds and debits every other cost type.
func DefaultCostSigns() map[string]int {
	return map[string]int{
		string(models.CostTypeRefund):        1,
		string(models.CostTypeReimbursement): -1,
		string(models.CostTypeFunding):       -1,
		string(models.CostTypeCut):           -1,
	}
}

// NewLedgerPolicy builds a policy from a cost-type to sign table. Missing
// entries fall back to DefaultCostSigns.
func NewLedgerPolicy(signs map[string]int) *LedgerPolicy {
	table := make(map[models.CostType]int64, 4)
	for costType, sign := range DefaultCostSigns() {
		table[models.CostType(costType)] = int64(sign)
	}
	for costType, sign := range signs {
		if sign == 1 || sign == -1 {
			table[models.CostType(costType)] = int64(sign)
		}
	}
	return &LedgerPolicy{signs: table}
}

// TransitionDelta returns the budget change for a request moving from
// oldStatus at oldTotal to newStatus at newTotal. Reversing a move yields the
// exact negation, which keeps the ledger conserved across round trips.
func (p *LedgerPolicy) TransitionDelta(projectNumber int64, oldStatus models.RequestStatus, oldTotal int64, newStatus models.RequestStatus, newTotal int64) models.LedgerDelta {
	return models.LedgerDelta{
		ProjectNumber: projectNumber,
		Pending:       weight(committedStatuses, oldStatus, oldTotal) - weight(committedStatuses, newStatus, newTotal),
		Available:     weight(spentStatuses, oldStatus, oldTotal) - weight(spentStatuses, newStatus, newTotal),
	}
}

func weight(set map[models.RequestStatus]bool, status models.RequestStatus, total int64) int64 {
	if set[status] {
		return total
	}
	return 0
}

// IsCostType reports whether t is accepted by AddCost.
func (p *LedgerPolicy) IsCostType(t models.CostType) bool {
	if t == models.CostTypeNewBudget {
		return true
	}
	_, ok := p.signs[t]
	return ok
}

// CostEffect returns the delta and resulting default budget for recording cost
// against project. It rejects costs that would push availableBudget above defaultBudget.
func (p *LedgerPolicy) CostEffect(project *models.Project, cost *models.Cost) (models.LedgerDelta, int64, error) {
	if cost.Amount <= 0 {
		return models.LedgerDelta{}, 0, appErrors.Clone(appErrors.ErrValidation, "amount must be greater than zero")
	}

	newDefault := project.DefaultBudget
	var shift int64
	switch cost.Type {
	case models.CostTypeNewBudget:
		newDefault = cost.Amount
		shift = cost.Amount - project.DefaultBudget
	default:
		sign, ok := p.signs[cost.Type]
		if !ok {
			return models.LedgerDelta{}, 0, appErrors.Clone(appErrors.ErrValidation, "unknown cost type "+string(cost.Type))
		}
		shift = sign * cost.Amount
	}

	if project.AvailableBudget+shift > newDefault {
		return models.LedgerDelta{}, 0, appErrors.Clone(appErrors.ErrValidation, "cost would raise available budget above the default budget")
	}
	return models.LedgerDelta{ProjectNumber: project.ProjectNumber, Available: shift, Pending: shift}, newDefault, nil
}

// Recompute derives both budget fields from the stored request totals and costs.
func (p *LedgerPolicy) Recompute(project *models.Project, totals models.LedgerTotals, costs []models.Cost) (available, pending int64) {
	var misc int64
	for _, cost := range costs {
		if cost.Type == models.CostTypeNewBudget {
			continue
		}
		misc += p.signs[cost.Type] * cost.Amount
	}
	available = project.DefaultBudget - totals.Spent + misc
	pending = project.DefaultBudget - totals.Committed + misc
	return available, pending
}
