package controller

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"

	"studyroom-sync-be/internal/dto"
	"studyroom-sync-be/internal/pkg/logger"
	"studyroom-sync-be/internal/pkg/serverutils"
	"studyroom-sync-be/internal/realtime"
	"studyroom-sync-be/internal/service"
	"studyroom-sync-be/pkg/llm"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

type ISessionController interface {
	RegisterRoutes(r fiber.Router, auth fiber.Handler)
	Create(ctx *fiber.Ctx) error
	Show(ctx *fiber.Ctx) error
	GetMessages(ctx *fiber.Ctx) error
	PostMessage(ctx *fiber.Ctx) error
	GetRoster(ctx *fiber.Ctx) error
	GetTimer(ctx *fiber.Ctx) error
	ControlTimer(ctx *fiber.Ctx) error
	SetTyping(ctx *fiber.Ctx) error
	StreamCompletion(ctx *fiber.Ctx) error
}

type sessionController struct {
	service service.ISessionService
	logger  logger.ILogger
}

func NewSessionController(service service.ISessionService, log logger.ILogger) ISessionController {
	return &sessionController{service: service, logger: log}
}

func (c *sessionController) RegisterRoutes(r fiber.Router, auth fiber.Handler) {
	h := r.Group("/sessions")
	h.Use(auth)
	h.Post("", c.Create)
	h.Get(":id", c.Show)
	h.Get(":id/messages", c.GetMessages)
	h.Post(":id/messages", c.PostMessage)
	h.Get(":id/roster", c.GetRoster)
	h.Get(":id/timer", c.GetTimer)
	h.Post(":id/timer", c.ControlTimer)
	h.Post(":id/typing", c.SetTyping)
	h.Post(":id/completions", c.StreamCompletion)
}

func (c *sessionController) Create(ctx *fiber.Ctx) error {
	var req dto.CreateRoomRequest
	if len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.service.CreateRoom(ctx.UserContext(), &req)
	if err != nil {
		return err
	}

	return ctx.Status(fiber.StatusCreated).JSON(serverutils.SuccessResponse("Success create session", res))
}

func (c *sessionController) Show(ctx *fiber.Ctx) error {
	res, err := c.service.GetRoom(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success get session", res))
}

func (c *sessionController) GetMessages(ctx *fiber.Ctx) error {
	since := ctx.QueryInt("since", 0)
	if since < 0 {
		return fiber.NewError(fiber.StatusBadRequest, "since must not be negative")
	}
	limit := ctx.QueryInt("limit", 100)

	res, err := c.service.GetMessages(ctx.UserContext(), ctx.Params("id"), int64(since), limit)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success get messages", res))
}

func (c *sessionController) PostMessage(ctx *fiber.Ctx) error {
	userId := ctx.Locals("user_id").(string)

	var req dto.PostMessageRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.service.PostMessage(ctx.UserContext(), ctx.Params("id"), userId, &req)
	if err != nil {
		return err
	}

	status := fiber.StatusCreated
	if res.Duplicate {
		status = fiber.StatusOK
	}
	return ctx.Status(status).JSON(serverutils.SuccessResponse("Success send message", res))
}

func (c *sessionController) GetRoster(ctx *fiber.Ctx) error {
	res, err := c.service.GetRoster(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success get roster", res))
}

func (c *sessionController) GetTimer(ctx *fiber.Ctx) error {
	res, err := c.service.GetTimer(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success get timer", res))
}

// SetTyping lets a participant who is present over a socket flag typing
// from a plain HTTP client.
func (c *sessionController) SetTyping(ctx *fiber.Ctx) error {
	userId := ctx.Locals("user_id").(string)

	var req dto.TypingRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}

	if err := c.service.SetTyping(ctx.UserContext(), ctx.Params("id"), userId, req.Typing); err != nil {
		return err
	}
	return ctx.Status(fiber.StatusNoContent).Send(nil)
}

func (c *sessionController) ControlTimer(ctx *fiber.Ctx) error {
	var req dto.TimerControlRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}

	res, err := c.service.ControlTimer(ctx.UserContext(), ctx.Params("id"), &req)
	if err != nil {
		return err
	}
	return ctx.JSON(serverutils.SuccessResponse("Success update timer", res))
}

// StreamCompletion answers with Server-Sent Events. Every frame is
// `data: {"type":"chunk"|"final","content":...}`; failures after the
// headers are sent become an `event: error` frame.
func (c *sessionController) StreamCompletion(ctx *fiber.Ctx) error {
	userId := ctx.Locals("user_id").(string)
	sessionID := ctx.Params("id")

	var req dto.CompletionRequest
	if err := ctx.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	}
	if err := serverutils.ValidateRequest(req); err != nil {
		return err
	}
	if _, err := c.service.GetRoom(ctx.UserContext(), sessionID); err != nil {
		return err
	}

	ctx.Set("Content-Type", "text/event-stream")
	ctx.Set("Cache-Control", "no-cache")
	ctx.Set("Connection", "keep-alive")
	ctx.Set("X-Accel-Buffering", "no")

	// The stream writer runs after this handler returns, so it cannot use
	// the request context.
	ctx.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		streamCtx, cancel := context.WithCancel(context.Background())
		defer cancel()

		_, err := c.service.StreamCompletion(streamCtx, sessionID, userId, &req, func(e llm.CompletionEvent) error {
			return writeSSE(w, "", e)
		})
		if err != nil {
			c.logger.Warn("SessionController", "Completion stream ended with error", map[string]interface{}{
				"session_id": sessionID,
				"error":      err.Error(),
			})
			writeSSE(w, "error", serverutils.ErrorResponse(serverutils.StatusFor(err), realtime.ErrorCode(err)))
		}
	}))
	return nil
}

func writeSSE(w *bufio.Writer, event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", raw); err != nil {
		return err
	}
	// Flush fails once the client has gone away, which stops the stream.
	return w.Flush()
}
