package models

import (
	"time"

	"github.com/lib/pq"
)

// ProjectStatus marks whether a project accepts new requests.
type ProjectStatus string

const (
	ProjectStatusActive   ProjectStatus = "active"
	ProjectStatusInactive ProjectStatus = "inactive"
)

// Project holds a sponsor engagement and its budget ledger. Money is in cents.
type Project struct {
	ProjectNumber   int64          `db:"project_number" json:"projectNumber"`
	SponsorName     string         `db:"sponsor_name" json:"sponsorName"`
	ProjectName     string         `db:"project_name" json:"projectName"`
	MemberEmails    pq.StringArray `db:"member_emails" json:"membersEmails"`
	DefaultBudget   int64          `db:"default_budget" json:"defaultBudget"`
	AvailableBudget int64          `db:"available_budget" json:"availableBudget"`
	PendingBudget   int64          `db:"pending_budget" json:"pendingBudget"`
	Status          ProjectStatus  `db:"status" json:"status"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updatedAt"`
}

// HasMember reports whether email belongs to the project roster.
func (p *Project) HasMember(email string) bool {
	for _, member := range p.MemberEmails {
		if SameEmail(member, email) {
			return true
		}
	}
	return false
}

// ProjectFilter constrains project listings.
type ProjectFilter struct {
	ProjectNumbers  []int64
	MemberEmail     string
	IncludeInactive bool
}

// LedgerDelta is a relative adjustment applied to a project's budget fields.
type LedgerDelta struct {
	ProjectNumber int64 `json:"projectNumber"`
	Available     int64 `json:"available"`
	Pending       int64 `json:"pending"`
}

// IsZero reports whether applying the delta would change nothing.
func (d LedgerDelta) IsZero() bool {
	return d.Available == 0 && d.Pending == 0
}

// LedgerTotals aggregates request totals per ledger bucket for one project.
type LedgerTotals struct {
	Committed int64 `db:"committed"`
	Spent     int64 `db:"spent"`
}
