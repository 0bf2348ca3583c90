package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/procurement-api/internal/dto"
	"github.com/noah-isme/procurement-api/internal/models"
	appErrors "github.com/noah-isme/procurement-api/pkg/errors"
	"github.com/noah-isme/procurement-api/pkg/response"
)

type procurementService interface {
	CreateRequest(ctx context.Context, req dto.CreateProcurementRequest, actor models.Actor) (*models.ProcurementRequest, error)
	EditRequest(ctx context.Context, id string, req dto.EditProcurementRequest, actor models.Actor) (*models.ProcurementRequest, error)
	SubmitRequest(ctx context.Context, id string, actor models.Actor, comment string) (*models.ProcurementRequest, error)
	Transition(ctx context.Context, id string, actor models.Actor, req dto.TransitionRequest) (*models.ProcurementRequest, error)
	GetRequest(ctx context.Context, id string, actor models.Actor) (*models.ProcurementRequest, error)
	GetHistory(ctx context.Context, id string, actor models.Actor) ([]models.HistoryEntry, error)
	ListRequests(ctx context.Context, query dto.RequestQuery, actor models.Actor) ([]models.ProcurementRequest, error)
	AllowedActions(req *models.ProcurementRequest, actor models.Actor) []models.Action
}

// ProcurementHandler exposes the request lifecycle endpoints.
type ProcurementHandler struct {
	service procurementService
}

// NewProcurementHandler builds a new handler.
func NewProcurementHandler(service procurementService) *ProcurementHandler {
	return &ProcurementHandler{service: service}
}

// Create godoc
// @Summary Create a procurement request
// @Description Saves a draft, or submits it immediately when submit is true.
// @Tags Requests
// @Accept json
// @Produce json
// @Param payload body dto.CreateProcurementRequest true "Request payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Router /requests [post]
func (h *ProcurementHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.CreateProcurementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid request payload"))
		return
	}
	created, err := h.service.CreateRequest(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, created)
}

// List godoc
// @Summary List procurement requests
// @Tags Requests
// @Produce json
// @Param projectNumbers query string false "Comma separated project numbers"
// @Param vendor query string false "Vendor substring"
// @Param url query string false "Exact order URL"
// @Param status query string false "Comma separated statuses"
// @Param limit query int false "Page size (max 500)"
// @Param offset query int false "Offset"
// @Success 200 {object} response.Envelope
// @Router /requests [get]
func (h *ProcurementHandler) List(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	projects, err := queryInt64List(c, "projectNumbers")
	if err != nil {
		response.Error(c, err)
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		response.Error(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		response.Error(c, err)
		return
	}
	query := dto.RequestQuery{
		ProjectNumbers: projects,
		Vendor:         c.Query("vendor"),
		URL:            c.Query("url"),
		Limit:          limit,
		Offset:         offset,
	}
	for _, status := range queryList(c, "status") {
		query.Statuses = append(query.Statuses, models.RequestStatus(status))
	}
	items, err := h.service.ListRequests(c.Request.Context(), query, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil, map[string]interface{}{"count": len(items)})
}

// Get godoc
// @Summary Get a procurement request
// @Description Includes items, history and the actions the caller may take next.
// @Tags Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /requests/{id} [get]
func (h *ProcurementHandler) Get(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	req, err := h.service.GetRequest(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.RequestDetail{
		ProcurementRequest: req,
		AllowedActions:     h.service.AllowedActions(req, actor),
	}, nil)
}

// History godoc
// @Summary List the status history of a request
// @Tags Requests
// @Produce json
// @Param id path string true "Request ID"
// @Success 200 {object} response.Envelope
// @Router /requests/{id}/history [get]
func (h *ProcurementHandler) History(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	history, err := h.service.GetHistory(c.Request.Context(), c.Param("id"), actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, history, nil)
}

// Edit godoc
// @Summary Edit a saved or returned request
// @Tags Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.EditProcurementRequest true "Edit payload"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /requests/{id} [put]
func (h *ProcurementHandler) Edit(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.EditProcurementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid edit payload"))
		return
	}
	updated, err := h.service.EditRequest(c.Request.Context(), c.Param("id"), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, updated, nil)
}

// Submit godoc
// @Summary Submit a request for approval
// @Tags Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param payload body dto.SubmitRequest false "Optional comment"
// @Success 200 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /requests/{id}/submit [post]
func (h *ProcurementHandler) Submit(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.SubmitRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid submit payload"))
			return
		}
	}
	updated, err := h.service.SubmitRequest(c.Request.Context(), c.Param("id"), actor, req.Comment)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, updated, nil)
}

// Transition godoc
// @Summary Apply a workflow action to a request
// @Description The caller's role must match the action. Reject and update actions require a comment; order requires shippingCost.
// @Tags Requests
// @Accept json
// @Produce json
// @Param id path string true "Request ID"
// @Param Idempotency-Key header string false "Replay protection key"
// @Param payload body dto.TransitionRequest true "Transition payload"
// @Success 200 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Failure 403 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /requests/{id}/transitions [post]
func (h *ProcurementHandler) Transition(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.TransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid transition payload"))
		return
	}
	updated, err := h.service.Transition(c.Request.Context(), c.Param("id"), actor, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, updated, nil)
}
