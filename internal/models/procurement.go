package models

import (
	"fmt"
	"time"

	"github.com/noah-isme/procurement-api/pkg/money"
)

// RequestStatus is the workflow state of a procurement request.
type RequestStatus string

const (
	StatusSaved             RequestStatus = "saved"
	StatusPending           RequestStatus = "pending"
	StatusManagerApproved   RequestStatus = "manager approved"
	StatusAdminApproved     RequestStatus = "admin approved"
	StatusRejected          RequestStatus = "rejected"
	StatusUpdatesForManager RequestStatus = "updates for manager"
	StatusUpdatesForAdmin   RequestStatus = "updates for admin"
	StatusCancelled         RequestStatus = "cancelled"
	StatusOrdered           RequestStatus = "ordered"
	StatusReadyForPickup    RequestStatus = "ready for pickup"
	StatusComplete          RequestStatus = "complete"
)

// AllStatuses lists every workflow state in lifecycle order.
var AllStatuses = []RequestStatus{
	StatusSaved,
	StatusPending,
	StatusManagerApproved,
	StatusAdminApproved,
	StatusUpdatesForManager,
	StatusUpdatesForAdmin,
	StatusOrdered,
	StatusReadyForPickup,
	StatusComplete,
	StatusRejected,
	StatusCancelled,
}

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s RequestStatus) Terminal() bool {
	return s == StatusRejected || s == StatusCancelled || s == StatusComplete
}

// Editable reports whether the owning student may change items and fields.
func (s RequestStatus) Editable() bool {
	return s == StatusSaved || s == StatusUpdatesForManager || s == StatusUpdatesForAdmin
}

// Action names a workflow move requested by an actor.
type Action string

const (
	ActionSubmit             Action = "submit"
	ActionCancel             Action = "cancel"
	ActionApproveManager     Action = "approveManager"
	ActionRejectManager      Action = "rejectManager"
	ActionUpdateManager      Action = "updateManager"
	ActionApproveAdmin       Action = "approveAdmin"
	ActionRejectAdmin        Action = "rejectAdmin"
	ActionUpdateAdmin        Action = "updateAdmin"
	ActionUpdateManagerAdmin Action = "updateManagerAdmin"
	ActionOrder              Action = "order"
	ActionReadyForPickup     Action = "readyForPickup"
	ActionComplete           Action = "complete"
)

// LineItem is a single purchasable entry. Money is in cents.
type LineItem struct {
	RequestID   string `db:"request_id" json:"-"`
	Position    int    `db:"position" json:"-"`
	Description string `db:"description" json:"description"`
	PartNumber  string `db:"part_number" json:"partNumber"`
	ItemURL     string `db:"item_url" json:"itemURL,omitempty"`
	Quantity    int    `db:"quantity" json:"quantity"`
	UnitCost    int64  `db:"unit_cost" json:"unitCost"`
	TotalCost   int64  `db:"total_cost" json:"totalCost"`
}

// HistoryEntry records one transition. Entries are never updated or deleted.
type HistoryEntry struct {
	ID        int64         `db:"id" json:"-"`
	RequestID string        `db:"request_id" json:"-"`
	Actor     string        `db:"actor" json:"actor"`
	Timestamp time.Time     `db:"created_at" json:"timestamp"`
	Comment   string        `db:"comment" json:"comment"`
	OldState  RequestStatus `db:"old_state" json:"oldState"`
	NewState  RequestStatus `db:"new_state" json:"newState"`
}

// ProcurementRequest is a student's purchase submission against a project.
type ProcurementRequest struct {
	ID              string         `db:"id" json:"id"`
	RequestNumber   int64          `db:"request_number" json:"requestNumber"`
	Status          RequestStatus  `db:"status" json:"status"`
	ProjectNumber   int64          `db:"project_number" json:"projectNumber"`
	StudentEmail    string         `db:"student_email" json:"studentEmail"`
	ManagerEmail    string         `db:"manager_email" json:"manager"`
	Vendor          string         `db:"vendor" json:"vendor"`
	URL             string         `db:"url" json:"URL"`
	Justification   string         `db:"justification" json:"justification"`
	AdditionalInfo  string         `db:"additional_info" json:"additionalInfo"`
	Items           []LineItem     `db:"-" json:"items"`
	RequestSubtotal int64          `db:"request_subtotal" json:"requestSubtotal"`
	ShippingCost    *int64         `db:"shipping_cost" json:"shippingCost,omitempty"`
	RequestTotal    int64          `db:"request_total" json:"requestTotal"`
	Version         int            `db:"version" json:"version"`
	History         []HistoryEntry `db:"-" json:"history,omitempty"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updatedAt"`
}

// Recalculate derives every line total, the subtotal and the request total.
// It fails with money.ErrTooLarge or money.ErrNegative instead of wrapping, and
// leaves the request untouched on error.
func (r *ProcurementRequest) Recalculate() error {
	totals := make([]int64, len(r.Items))
	var subtotal int64
	for i, item := range r.Items {
		line, err := money.MulCents(int64(item.Quantity), item.UnitCost)
		if err != nil {
			return fmt.Errorf("items[%d]: %w", i, err)
		}
		if subtotal, err = money.AddCents(subtotal, line); err != nil {
			return fmt.Errorf("subtotal: %w", err)
		}
		totals[i] = line
	}
	total := subtotal
	if r.ShippingCost != nil {
		var err error
		if total, err = money.AddCents(subtotal, *r.ShippingCost); err != nil {
			return fmt.Errorf("total: %w", err)
		}
	}

	for i := range r.Items {
		r.Items[i].TotalCost = totals[i]
	}
	r.RequestSubtotal = subtotal
	r.RequestTotal = total
	return nil
}

// Clone returns a deep copy safe to mutate.
func (r *ProcurementRequest) Clone() *ProcurementRequest {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Items = append([]LineItem(nil), r.Items...)
	clone.History = append([]HistoryEntry(nil), r.History...)
	if r.ShippingCost != nil {
		shipping := *r.ShippingCost
		clone.ShippingCost = &shipping
	}
	return &clone
}

// RequestFilter constrains request listings.
type RequestFilter struct {
	ProjectNumbers []int64
	Vendor         string
	URL            string
	Statuses       []RequestStatus
	StudentEmail   string
	ManagerEmail   string
	Limit          int
	Offset         int
}
