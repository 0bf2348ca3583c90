package dto

import "github.com/noah-isme/procurement-api/internal/models"

// LineItemInput is a line item as submitted by a student. UnitCost is a
// decimal dollar string such as "6.42".
type LineItemInput struct {
	Description string `json:"description" validate:"required,max=500"`
	PartNumber  string `json:"partNumber" validate:"required,max=120"`
	ItemURL     string `json:"itemURL" validate:"omitempty,url"`
	Quantity    int    `json:"quantity" validate:"required,min=1,max=1000000"`
	UnitCost    string `json:"unitCost" validate:"required"`
}

// CreateProcurementRequest captures POST /requests payload.
type CreateProcurementRequest struct {
	ProjectNumber  int64           `json:"projectNumber" validate:"required,min=1"`
	ManagerEmail   string          `json:"manager" validate:"required,email"`
	Vendor         string          `json:"vendor" validate:"required,max=200"`
	URL            string          `json:"URL" validate:"omitempty,url"`
	Justification  string          `json:"justification" validate:"required"`
	AdditionalInfo string          `json:"additionalInfo"`
	Items          []LineItemInput `json:"items" validate:"required,min=1,dive"`
	// Submit creates the request directly in pending.
	Submit bool `json:"submit"`
}

// EditProcurementRequest captures PUT /requests/:id payload.
type EditProcurementRequest struct {
	ManagerEmail   string          `json:"manager" validate:"required,email"`
	Vendor         string          `json:"vendor" validate:"required,max=200"`
	URL            string          `json:"URL" validate:"omitempty,url"`
	Justification  string          `json:"justification" validate:"required"`
	AdditionalInfo string          `json:"additionalInfo"`
	Items          []LineItemInput `json:"items" validate:"required,min=1,dive"`
	Submit         bool            `json:"submit"`
	Comment        string          `json:"comment"`
}

// TransitionRequest captures POST /requests/:id/transitions payload.
type TransitionRequest struct {
	Action       models.Action `json:"action" validate:"required"`
	Comment      string        `json:"comment"`
	ShippingCost string        `json:"shippingCost"`
}

// SubmitRequest captures the optional body of POST /requests/:id/submit.
type SubmitRequest struct {
	Comment string `json:"comment"`
}

// RequestQuery mirrors supported listing filters.
type RequestQuery struct {
	ProjectNumbers []int64
	Vendor         string
	URL            string
	Statuses       []models.RequestStatus
	Limit          int
	Offset         int
}

// RequestDetail wraps a request with the actions the caller may take next.
type RequestDetail struct {
	*models.ProcurementRequest
	AllowedActions []models.Action `json:"allowedActions"`
}
