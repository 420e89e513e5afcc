package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/moondream/internal/errdefs"
)

var ErrInvalidRequest = errors.New("invalid_request")

type invalidRequestError struct {
	msg string
}

func (e invalidRequestError) Error() string {
	return e.msg
}

func (e invalidRequestError) Unwrap() error {
	return ErrInvalidRequest
}

func newInvalidRequest(msg string) error {
	return invalidRequestError{msg: msg}
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{Message: msg, Type: errType},
	})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

// writeErr maps err onto a status code by its kind.
func writeErr(c *echo.Context, err error) error {
	if errors.Is(err, ErrInvalidRequest) {
		return writeBadRequest(c, err.Error())
	}
	switch errdefs.KindOf(err) {
	case errdefs.KindInput, errdefs.KindDecode:
		return writeBadRequest(c, err.Error())
	case errdefs.KindLockContention:
		return writeError(c, http.StatusServiceUnavailable, "busy", err.Error())
	case errdefs.KindIO:
		return writeError(c, http.StatusUnprocessableEntity, "io_error", err.Error())
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
}
