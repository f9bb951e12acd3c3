package http

import (
	"github.com/cristianortiz/liveauction/internal/auction/application"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

var statusByCode = map[string]int{
	application.CodeValidation:       fiber.StatusBadRequest,
	application.CodeBidTooLow:        fiber.StatusBadRequest,
	application.CodeNotFound:         fiber.StatusNotFound,
	application.CodeAlreadyExists:    fiber.StatusConflict,
	application.CodeNotOpen:          fiber.StatusConflict,
	application.CodeExpired:          fiber.StatusConflict,
	application.CodeStoreUnavailable: fiber.StatusServiceUnavailable,
	application.CodeForbidden:        fiber.StatusForbidden,
}

// MapError translates an application error into a status and body.
func MapError(err error) (int, ErrorResponse) {
	code := application.ErrorCode(err)
	status, ok := statusByCode[code]
	if !ok {
		log.Error("Unexpected error", zap.Error(err))
		return fiber.StatusInternalServerError, ErrorResponse{Error: application.CodeInternal, Message: "internal server error"}
	}
	body := ErrorResponse{Error: code, Message: err.Error()}
	if minimum, ok := application.MinimumBid(err); ok {
		body.MinimumBid = minimum
	}
	return status, body
}

func writeError(c *fiber.Ctx, err error) error {
	status, body := MapError(err)
	return c.Status(status).JSON(body)
}
