package web

import (
	"errors"

	"github.com/dukex/chatflow/pkg/engine"
	"github.com/dukex/chatflow/pkg/persistence"
	"github.com/dukex/chatflow/pkg/services"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

// validationProblem carries every problem found by graph validation.
type validationProblem struct {
	*problems.DefaultProblem
	Errors []string `json:"errors,omitempty"`
}

func problem(c fiber.Ctx, status int, problemType, detail string) error {
	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(status).JSON(p)
}

func badRequest(c fiber.Ctx, detail string) error {
	return problem(c, fiber.StatusBadRequest, "validation_error", detail)
}

func internalError(c fiber.Ctx, err error) error {
	p := problems.NewStatusProblem(fiber.StatusInternalServerError).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(p)
}

// handleServiceError maps service, engine and persistence errors to problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, services.ErrInvalidGraph):
		p := &validationProblem{
			DefaultProblem: problems.NewStatusProblem(fiber.StatusBadRequest).
				WithInstance(c.Path()).
				WithType("invalid_graph").
				WithDetail("flow graph is not valid"),
			Errors: services.Problems(err),
		}

		return c.Status(fiber.StatusBadRequest).JSON(p)

	case services.IsValidationError(err), errors.Is(err, engine.ErrInvalidInboundEvent):
		return problem(c, fiber.StatusBadRequest, "validation_error", err.Error())

	case services.IsConflictError(err):
		return problem(c, fiber.StatusConflict, "conflict", err.Error())

	case errors.Is(err, engine.ErrFlowNotActive):
		return problem(c, fiber.StatusConflict, "flow_not_active", err.Error())

	case errors.Is(err, engine.ErrExecutionNotWaiting):
		return problem(c, fiber.StatusConflict, "execution_not_waiting", err.Error())

	case errors.Is(err, engine.ErrWakeEventMismatch):
		return problem(c, fiber.StatusUnprocessableEntity, "wake_event_mismatch", err.Error())

	case persistence.IsFlowNotFound(err), errors.Is(err, engine.ErrTenantMismatch):
		return problem(c, fiber.StatusNotFound, "flow_not_found", "flow not found")

	case persistence.IsExecutionNotFound(err):
		return problem(c, fiber.StatusNotFound, "execution_not_found", "execution not found")

	default:
		return internalError(c, err)
	}
}
