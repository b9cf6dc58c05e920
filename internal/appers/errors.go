package appers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

const ReasonReconnectRequired = "reconnect_required"

type ErrorResp struct {
	StatusCode int    `json:"statusCode,omitempty"`
	Reason     string `json:"reason,omitempty"`
	StatusDesc string `json:"statusDesc,omitempty"`
}

func (e ErrorResp) Error() string {
	return e.StatusDesc
}

var (
	ErrConnectionNotFound = ErrorResp{
		StatusCode: http.StatusNotFound,
		StatusDesc: "connection not found",
	}
	ErrConnectionNotActive = ErrorResp{
		StatusCode: http.StatusConflict,
		Reason:     ReasonReconnectRequired,
		StatusDesc: "connection is not active",
	}
	ErrTokenExpired = ErrorResp{
		StatusCode: http.StatusConflict,
		Reason:     ReasonReconnectRequired,
		StatusDesc: "token expired and cannot be refreshed",
	}
	ErrForbidden = ErrorResp{
		StatusCode: http.StatusForbidden,
		StatusDesc: "resource belongs to another user",
	}
	ErrIntegrationNotFound = ErrorResp{
		StatusCode: http.StatusNotFound,
		StatusDesc: "integration not found",
	}
	ErrIntegrationInactive = ErrorResp{
		StatusCode: http.StatusConflict,
		StatusDesc: "integration is not active",
	}
	ErrInvalidOAuthState = ErrorResp{
		StatusCode: http.StatusBadRequest,
		StatusDesc: "oauth state is invalid or expired",
	}
	ErrUnknownProvider = ErrorResp{
		StatusCode: http.StatusBadRequest,
		StatusDesc: "unknown provider",
	}
	ErrProviderNotConfigured = ErrorResp{
		StatusCode: http.StatusServiceUnavailable,
		StatusDesc: "provider credentials are not configured",
	}
	ErrValidation = ErrorResp{
		StatusCode: http.StatusBadRequest,
		StatusDesc: "validation failed",
	}
	ErrUnsupportedOperation = ErrorResp{
		StatusCode: http.StatusUnprocessableEntity,
		StatusDesc: "operation is not supported by the platform",
	}
)

func SanitizeError(c *fiber.Ctx, err error) error {
	var errResp ErrorResp

	if ok := errors.As(err, &errResp); ok {
		body := fiber.Map{"message": err.Error()}
		if errResp.Reason != "" {
			body["reason"] = errResp.Reason
		}
		return c.Status(errResp.StatusCode).JSON(body)
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		return NewErr(c, http.StatusBadGateway, err)
	}
	return NewErr(c, http.StatusInternalServerError, err)
}

func NewErr(ctx *fiber.Ctx, status int, err error) error {
	return ctx.Status(status).JSON(fiber.Map{
		"message": err.Error(),
	})
}
