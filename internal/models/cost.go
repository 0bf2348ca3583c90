package models

import "time"

// CostType classifies manual budget adjustments.
type CostType string

const (
	CostTypeRefund        CostType = "refund"
	CostTypeReimbursement CostType = "reimbursement"
	CostTypeFunding       CostType = "funding"
	CostTypeCut           CostType = "cut"
	// CostTypeNewBudget replaces the project's default budget with Amount.
	CostTypeNewBudget CostType = "new budget"
)

// Cost is an out-of-workflow ledger entry recorded by an admin.
type Cost struct {
	ID            string    `db:"id" json:"id"`
	ProjectNumber int64     `db:"project_number" json:"projectNumber"`
	Type          CostType  `db:"type" json:"type"`
	Amount        int64     `db:"amount" json:"amount"`
	Comment       string    `db:"comment" json:"comment"`
	Actor         string    `db:"actor" json:"actor"`
	CreatedAt     time.Time `db:"created_at" json:"timestamp"`
}
