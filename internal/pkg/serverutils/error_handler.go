package serverutils

import (
	"errors"

	"studyroom-sync-be/internal/realtime"

	"github.com/gofiber/fiber/v2"
)

// StatusFor maps an error returned by a handler to an HTTP status.
func StatusFor(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return fiber.StatusBadRequest
	}
	switch {
	case errors.Is(err, realtime.ErrAuthRejected):
		return fiber.StatusUnauthorized
	case errors.Is(err, realtime.ErrIdentityMismatch):
		return fiber.StatusForbidden
	case errors.Is(err, realtime.ErrRoomNotFound), errors.Is(err, realtime.ErrUnknownExchange):
		return fiber.StatusNotFound
	case errors.Is(err, realtime.ErrRoomExists), errors.Is(err, realtime.ErrExchangeExists):
		return fiber.StatusConflict
	case errors.Is(err, realtime.ErrSessionClosed):
		return fiber.StatusServiceUnavailable
	}
	switch realtime.CategoryOf(err) {
	case realtime.CategoryProtocol:
		return fiber.StatusBadRequest
	case realtime.CategoryUpstream:
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

func ErrorHandlerMiddleware() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		err := ctx.Next()
		if err == nil {
			return nil
		}
		status := StatusFor(err)
		return ctx.Status(status).JSON(ErrorResponse(status, err.Error()))
	}
}
