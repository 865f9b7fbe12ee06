// Package web provides HTTP handlers and REST API endpoints for flow management and
// execution control.
package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/chatflow/pkg/engine"
	"github.com/dukex/chatflow/pkg/models"
	"github.com/dukex/chatflow/pkg/registry"
	"github.com/dukex/chatflow/pkg/services"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/google/uuid"
)

const defaultExecutionLimit = 50

type APIHandlers struct {
	flowService *services.Flow
	engine      *engine.Engine
	validator   *validator.Validate
	registry    *registry.Registry
}

func NewAPIHandlers(
	flowService *services.Flow,
	engine *engine.Engine,
	validator *validator.Validate,
	registry *registry.Registry,
) *APIHandlers {
	return &APIHandlers{
		flowService: flowService,
		engine:      engine,
		validator:   validator,
		registry:    registry,
	}
}

// RegisterRoutes mounts every endpoint on router.
func (h *APIHandlers) RegisterRoutes(router fiber.Router) {
	router.Get("/node-types", h.GetNodeTypes)

	flows := router.Group("/flows")
	flows.Get("/", h.GetFlows)
	flows.Post("/", h.CreateFlow)
	flows.Get("/:id", h.GetFlow)
	flows.Put("/:id", h.UpdateFlow)
	flows.Get("/:id/versions", h.GetFlowVersions)
	flows.Post("/:id/versions", h.CreateFlowVersion)
	flows.Post("/:id/validate", h.ValidateFlow)
	flows.Post("/:id/activate", h.ActivateFlow)
	flows.Post("/:id/pause", h.PauseFlow)
	flows.Post("/:id/archive", h.ArchiveFlow)
	flows.Get("/:id/executions", h.GetFlowExecutions)
	flows.Post("/:id/executions", h.StartExecution)

	executions := router.Group("/executions")
	executions.Get("/:id", h.GetExecution)
	executions.Post("/:id/resume", h.ResumeExecution)
	executions.Post("/:id/cancel", h.CancelExecution)

	router.Post("/events", h.HandleInboundEvent)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registryCheck, regOk := h.registry.HealthCheck()
	repositoryCheck, repOk := h.flowService.HealthCheck(c.Context())

	status := "unhealthy"
	message := "Chatflow API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if regOk && repOk {
		status = "healthy"
		message = "Chatflow API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry":   registryCheck,
			"repository": repositoryCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) GetNodeTypes(c fiber.Ctx) error {
	factories := h.registry.GetAvailableNodes()

	nodeTypes := make([]NodeTypeResponse, 0, len(factories))
	for _, factory := range factories {
		nodeTypes = append(nodeTypes, TransformNodeType(factory))
	}

	return c.JSON(nodeTypes)
}

func (h *APIHandlers) GetFlows(c fiber.Ctx) error {
	req := services.ListFlowsRequest{
		TenantID:  c.Query("tenant_id"),
		LineageID: c.Query("lineage_id"),
		Status:    models.FlowStatus(c.Query("status")),
	}

	var err error

	if req.Limit, err = queryInt(c, "limit"); err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	if req.Offset, err = queryInt(c, "offset"); err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	flows, err := h.flowService.List(c.Context(), req)
	if err != nil {
		return handleServiceError(c, err)
	}

	if flows == nil {
		flows = []*models.FlowDefinition{}
	}

	return c.JSON(fiber.Map{
		"flows": flows,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
	})
}

func queryInt(c fiber.Ctx, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}

	return strconv.Atoi(raw)
}

func (h *APIHandlers) GetFlow(c fiber.Ctx) error {
	flow, err := h.flowService.Get(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) CreateFlow(c fiber.Ctx) error {
	var req CreateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	created, err := h.flowService.Create(c.Context(), req.toModel(req.TenantID))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) UpdateFlow(c fiber.Ctx) error {
	var req UpdateFlowRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	updated, err := h.flowService.Update(c.Context(), c.Params("id"), req.toModel(""))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(updated)
}

func (h *APIHandlers) GetFlowVersions(c fiber.Ctx) error {
	versions, err := h.flowService.Versions(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(versions)
}

func (h *APIHandlers) CreateFlowVersion(c fiber.Ctx) error {
	draft, err := h.flowService.NewVersion(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(draft)
}

func (h *APIHandlers) ValidateFlow(c fiber.Ctx) error {
	if err := h.flowService.Validate(c.Context(), c.Params("id")); err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"valid": true})
}

func (h *APIHandlers) ActivateFlow(c fiber.Ctx) error {
	return h.transition(c, h.flowService.Activate)
}

func (h *APIHandlers) PauseFlow(c fiber.Ctx) error {
	return h.transition(c, h.flowService.Pause)
}

func (h *APIHandlers) ArchiveFlow(c fiber.Ctx) error {
	return h.transition(c, h.flowService.Archive)
}

func (h *APIHandlers) transition(
	c fiber.Ctx,
	apply func(ctx context.Context, id string) (*models.FlowDefinition, error),
) error {
	flow, err := apply(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(flow)
}

func (h *APIHandlers) GetFlowExecutions(c fiber.Ctx) error {
	flowID := c.Params("id")

	if _, err := h.flowService.Get(c.Context(), flowID); err != nil {
		return handleServiceError(c, err)
	}

	limit, err := queryInt(c, "limit")
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	if limit <= 0 {
		limit = defaultExecutionLimit
	}

	executions, err := h.engine.ListExecutions(c.Context(), flowID, limit)
	if err != nil {
		return handleServiceError(c, err)
	}

	if executions == nil {
		executions = []*models.Execution{}
	}

	return c.JSON(fiber.Map{"executions": executions})
}

func (h *APIHandlers) StartExecution(c fiber.Ctx) error {
	var req StartExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	result, err := h.engine.StartExecution(c.Context(), engine.StartRequest{
		TenantID:       req.TenantID,
		FlowID:         c.Params("id"),
		ConversationID: req.ConversationID,
		ContactID:      req.ContactID,
		InitialContext: req.Context,
	})
	if err != nil {
		return handleServiceError(c, err)
	}

	status := fiber.StatusAccepted
	if result.Disposition == engine.DispositionSkipped {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(result)
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	exec, err := h.engine.GetExecution(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(exec)
}

func (h *APIHandlers) ResumeExecution(c fiber.Ctx) error {
	var req ResumeExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	id := c.Params("id")

	if err := h.engine.ResumeExecution(c.Context(), id, req.toWakeEvent()); err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"execution_id": id})
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	exec, err := h.engine.CancelExecution(c.Context(), c.Params("id"))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(exec)
}

func (h *APIHandlers) HandleInboundEvent(c fiber.Ctx) error {
	var event models.InboundEvent
	if err := c.Bind().JSON(&event); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(event); err != nil {
		return badRequest(c, err.Error())
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	result, err := h.engine.HandleInboundEvent(c.Context(), event)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(result)
}
