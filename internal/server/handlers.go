package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"mpesa-service/internal/broadcast"
	"mpesa-service/internal/callback"
	"mpesa-service/internal/mpesa"
	"mpesa-service/internal/service"
	"mpesa-service/internal/transaction"
)

const gatewayFailureMessage = "M-PESA request failed, please try again."

type initiateResponse struct {
	Success bool            `json:"success"`
	Mpesa   json.RawMessage `json:"mpesa"`
}

func (s *Server) initiate(c echo.Context) error {
	var req service.InitiateRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("phone and a numeric amount are required"))
	}

	resp, err := s.payments.Initiate(c.Request().Context(), req)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, initiateResponse{Success: true, Mpesa: resp.Raw})
	case mpesa.IsValidation(err):
		return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
	case errors.Is(err, service.ErrGateway):
		return c.JSON(http.StatusBadGateway, errorBody(gatewayFailureMessage))
	default:
		return err
	}
}

func (s *Server) status(c echo.Context) error {
	rec, err := s.payments.Status(c.Request().Context(), c.Param("id"))
	if errors.Is(err, transaction.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]transaction.Status{"status": transaction.StatusUnknown})
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

func (s *Server) callback(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "callback body too large")
	}

	_, err = s.receiver.Receive(c.Request().Context(), raw, c.QueryParam(callback.TokenParam))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, callbackAck{ResultCode: 0, ResultDesc: "Accepted"})
	case errors.Is(err, callback.ErrMalformed):
		return c.JSON(http.StatusBadRequest, callbackAck{ResultCode: 1, ResultDesc: "Rejected: malformed callback"})
	case errors.Is(err, callback.ErrUnauthorized):
		return c.JSON(http.StatusUnauthorized, callbackAck{ResultCode: 1, ResultDesc: "Rejected: invalid callback token"})
	case errors.Is(err, transaction.ErrNotFound):
		return c.JSON(http.StatusNotFound, callbackAck{ResultCode: 1, ResultDesc: "Rejected: unknown checkout"})
	default:
		return err
	}
}

// events streams every broadcast to the client until it disconnects.
func (s *Server) events(c echo.Context) error {
	sub := s.hub.Subscribe()
	defer s.hub.Unsubscribe(sub.ID)

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set("X-Accel-Buffering", "no")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	ctx := c.Request().Context()
	s.logger.DebugContext(ctx, "Live-update subscriber connected", "subscriber", sub.ID, "subscribers", s.hub.Len())

	if err := broadcast.StreamSSE(ctx, res, res.Flush, sub, s.opts.Retry, s.opts.Heartbeat); err != nil {
		s.logger.DebugContext(ctx, "Live-update stream closed", "subscriber", sub.ID, "error", err)
	}
	return nil
}
