package server

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

type apiError struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func errorBody(msg string) apiError {
	return apiError{Success: false, Error: msg}
}

// callbackAck is the envelope the gateway expects back from the callback URL.
type callbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// errorHandler renders every unhandled error as JSON and logs server-side failures.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	msg := "Internal server error"

	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	}

	ctx := c.Request().Context()
	if code >= http.StatusInternalServerError {
		s.logger.ErrorContext(ctx, "Unhandled error", "error", err, "path", c.Path())
	} else {
		s.logger.DebugContext(ctx, "Request rejected", "status", code, "error", err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, errorBody(msg))
	}
	if err != nil {
		s.logger.ErrorContext(ctx, "Error writing error response", "error", err)
	}
}
