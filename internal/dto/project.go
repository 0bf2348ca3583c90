package dto

import "github.com/noah-isme/procurement-api/internal/models"

// CreateProjectRequest captures POST /projects payload.
type CreateProjectRequest struct {
	ProjectNumber int64    `json:"projectNumber" validate:"required,min=1"`
	SponsorName   string   `json:"sponsorName" validate:"required"`
	ProjectName   string   `json:"projectName" validate:"required"`
	MemberEmails  []string `json:"membersEmails" validate:"omitempty,dive,email"`
	DefaultBudget string   `json:"defaultBudget" validate:"required"`
}

// EditProjectRequest captures PUT /projects/:number payload. The member list
// replaces the roster; send an empty list to clear it.
type EditProjectRequest struct {
	SponsorName  string   `json:"sponsorName" validate:"required"`
	ProjectName  string   `json:"projectName" validate:"required"`
	MemberEmails []string `json:"membersEmails" validate:"required,dive,email"`
}

// AddCostRequest captures POST /costs payload.
type AddCostRequest struct {
	ProjectNumber int64           `json:"projectNumber" validate:"required,min=1"`
	Type          models.CostType `json:"type" validate:"required"`
	Amount        string          `json:"amount" validate:"required"`
	Comment       string          `json:"comment" validate:"required"`
}

// BudgetSummary reports a project's ledger after a change.
type BudgetSummary struct {
	ProjectNumber   int64 `json:"projectNumber"`
	DefaultBudget   int64 `json:"defaultBudget"`
	AvailableBudget int64 `json:"availableBudget"`
	PendingBudget   int64 `json:"pendingBudget"`
}
