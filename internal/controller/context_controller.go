package controller

import (
	"errors"

	"ai-coach-context/internal/dto"
	"ai-coach-context/internal/pkg/serverutils"
	"ai-coach-context/internal/service"

	"github.com/gofiber/fiber/v2"
)

type IContextController interface {
	RegisterRoutes(r fiber.Router)
	Health(ctx *fiber.Ctx) error
	Stats(ctx *fiber.Ctx) error
	BuildContext(ctx *fiber.Ctx) error
	Reindex(ctx *fiber.Ctx) error
}

type contextController struct {
	service service.IContextService
}

func NewContextController(service service.IContextService) IContextController {
	return &contextController{service: service}
}

func (c *contextController) RegisterRoutes(r fiber.Router) {
	r.Get("/health", c.Health)
	r.Get("/stats", c.Stats)
	r.Post("/context", c.BuildContext)
	r.Post("/index", c.Reindex)
}

func (c *contextController) Health(ctx *fiber.Ctx) error {
	res := c.service.Health(ctx.UserContext())
	status := fiber.StatusOK
	if res.Status != "ok" {
		status = fiber.StatusServiceUnavailable
	}
	return ctx.Status(status).JSON(serverutils.SuccessResponse(res.Status, res))
}

func (c *contextController) Stats(ctx *fiber.Ctx) error {
	return ctx.JSON(serverutils.SuccessResponse("Index stats", c.service.Stats()))
}

func (c *contextController) BuildContext(ctx *fiber.Ctx) error {
	var req dto.ContextRequest
	if err := ctx.BodyParser(&req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(serverutils.ErrorResponse(400, "invalid request body"))
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return ctx.Status(fiber.StatusBadRequest).JSON(serverutils.ErrorResponse(400, err.Error()))
	}

	res, err := c.service.BuildContext(ctx.UserContext(), &req)
	if err != nil {
		return ctx.Status(fiber.StatusInternalServerError).JSON(serverutils.ErrorResponse(500, err.Error()))
	}
	return ctx.JSON(serverutils.SuccessResponse("Conversation context", res))
}

func (c *contextController) Reindex(ctx *fiber.Ctx) error {
	wait := ctx.QueryBool("wait", false)
	res, err := c.service.Reindex(ctx.UserContext(), wait)
	if errors.Is(err, service.ErrIndexRunning) {
		return ctx.Status(fiber.StatusConflict).JSON(serverutils.ErrorResponse(409, err.Error()))
	}
	if err != nil {
		return ctx.Status(fiber.StatusInternalServerError).JSON(serverutils.ErrorResponse(500, err.Error()))
	}
	status := fiber.StatusOK
	if !wait {
		status = fiber.StatusAccepted
	}
	return ctx.Status(status).JSON(serverutils.SuccessResponse("Reindex", res))
}
