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

type projectService interface {
	CreateProject(ctx context.Context, req dto.CreateProjectRequest, actor models.Actor) (*models.Project, error)
	GetProject(ctx context.Context, number int64, actor models.Actor) (*models.Project, error)
	ListProjects(ctx context.Context, filter models.ProjectFilter, actor models.Actor) ([]models.Project, error)
	EditProject(ctx context.Context, number int64, req dto.EditProjectRequest, actor models.Actor) (*models.Project, error)
	InactivateProject(ctx context.Context, number int64, actor models.Actor) error
	AddCost(ctx context.Context, req dto.AddCostRequest, actor models.Actor) (*models.Cost, error)
	ListCosts(ctx context.Context, projectNumbers []int64, actor models.Actor) ([]models.Cost, error)
	RecalculateBudget(ctx context.Context, number int64, actor models.Actor) (*dto.BudgetSummary, error)
}

// ProjectHandler exposes project and cost ledger endpoints.
type ProjectHandler struct {
	service projectService
}

// NewProjectHandler builds a new handler.
func NewProjectHandler(service projectService) *ProjectHandler {
	return &ProjectHandler{service: service}
}

// Create godoc
// @Summary Register a project
// @Tags Projects
// @Accept json
// @Produce json
// @Param payload body dto.CreateProjectRequest true "Project payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /projects [post]
func (h *ProjectHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid project payload"))
		return
	}
	project, err := h.service.CreateProject(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, project)
}

// List godoc
// @Summary List projects
// @Tags Projects
// @Produce json
// @Param projectNumbers query string false "Comma separated project numbers"
// @Param includeInactive query bool false "Admins only"
// @Success 200 {object} response.Envelope
// @Router /projects [get]
func (h *ProjectHandler) List(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	numbers, err := queryInt64List(c, "projectNumbers")
	if err != nil {
		response.Error(c, err)
		return
	}
	filter := models.ProjectFilter{
		ProjectNumbers:  numbers,
		IncludeInactive: c.Query("includeInactive") == "true",
	}
	projects, err := h.service.ListProjects(c.Request.Context(), filter, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, projects, nil)
}

// Get godoc
// @Summary Get a project and its budget
// @Tags Projects
// @Produce json
// @Param number path int true "Project number"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /projects/{number} [get]
func (h *ProjectHandler) Get(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	number, err := projectNumberParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	project, err := h.service.GetProject(c.Request.Context(), number, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, project, nil)
}

// Edit godoc
// @Summary Change a project's sponsor, name and members
// @Description The member list replaces the roster. Members of the edited project are notified.
// @Tags Projects
// @Accept json
// @Produce json
// @Param number path int true "Project number"
// @Param payload body dto.EditProjectRequest true "Project changes"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /projects/{number} [put]
func (h *ProjectHandler) Edit(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	number, err := projectNumberParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	var req dto.EditProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid project payload"))
		return
	}
	project, err := h.service.EditProject(c.Request.Context(), number, req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, project, nil)
}

// Inactivate godoc
// @Summary Stop a project from accepting new requests
// @Tags Projects
// @Param number path int true "Project number"
// @Success 204
// @Router /projects/{number}/inactivate [patch]
func (h *ProjectHandler) Inactivate(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	number, err := projectNumberParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	if err := h.service.InactivateProject(c.Request.Context(), number, actor); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Recalculate godoc
// @Summary Rebuild a project's budget from requests and costs
// @Tags Projects
// @Produce json
// @Param number path int true "Project number"
// @Success 200 {object} response.Envelope
// @Router /projects/{number}/recalculate [post]
func (h *ProjectHandler) Recalculate(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	number, err := projectNumberParam(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	summary, err := h.service.RecalculateBudget(c.Request.Context(), number, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// AddCost godoc
// @Summary Record a manual budget adjustment
// @Tags Costs
// @Accept json
// @Produce json
// @Param payload body dto.AddCostRequest true "Cost payload"
// @Success 201 {object} response.Envelope
// @Failure 400 {object} response.Envelope
// @Router /costs [post]
func (h *ProjectHandler) AddCost(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.AddCostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid cost payload"))
		return
	}
	cost, err := h.service.AddCost(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, cost)
}

// ListCosts godoc
// @Summary List manual budget adjustments
// @Tags Costs
// @Produce json
// @Param projectNumbers query string false "Comma separated project numbers"
// @Success 200 {object} response.Envelope
// @Router /costs [get]
func (h *ProjectHandler) ListCosts(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	numbers, err := queryInt64List(c, "projectNumbers")
	if err != nil {
		response.Error(c, err)
		return
	}
	costs, err := h.service.ListCosts(c.Request.Context(), numbers, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, costs, nil)
}
