// Package server exposes the payment endpoints over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"mpesa-service/internal/broadcast"
	"mpesa-service/internal/callback"
	"mpesa-service/internal/config"
	"mpesa-service/internal/logcontext"
	"mpesa-service/internal/metrics"
	"mpesa-service/internal/mpesa"
	"mpesa-service/internal/service"
	"mpesa-service/internal/transaction"
)

type Payments interface {
	Initiate(ctx context.Context, req service.InitiateRequest) (*mpesa.PushResponse, error)
	Status(ctx context.Context, checkoutID string) (transaction.Record, error)
}

type CallbackReceiver interface {
	Receive(ctx context.Context, raw []byte, token string) (*callback.Result, error)
}

type Options struct {
	StaticDir    string
	BodyLimit    string
	AllowOrigins []string
	Retry        time.Duration
	Heartbeat    time.Duration
}

func OptionsFrom(srv config.Server, events config.Events) Options {
	var origins []string
	for _, o := range strings.Split(srv.AllowOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return Options{
		StaticDir:    srv.StaticDir,
		BodyLimit:    srv.BodyLimit,
		AllowOrigins: origins,
		Retry:        time.Duration(events.RetryMs) * time.Millisecond,
		Heartbeat:    time.Duration(events.HeartbeatMs) * time.Millisecond,
	}
}

type Server struct {
	echo     *echo.Echo
	payments Payments
	receiver CallbackReceiver
	hub      *broadcast.Hub
	opts     Options
	logger   *slog.Logger
}

// New builds the router. limiter guards the public payment endpoints and may be nil.
func New(payments Payments, receiver CallbackReceiver, hub *broadcast.Hub, opts Options, limiter echo.MiddlewareFunc, logger *slog.Logger) *Server {
	s := &Server{
		echo:     echo.New(),
		payments: payments,
		receiver: receiver,
		hub:      hub,
		opts:     opts,
		logger:   logger,
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.errorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestContext)
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			if v.Error != nil || v.Status >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			s.logger.LogAttrs(c.Request().Context(), level, "Request handled",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("remoteIp", v.RemoteIP),
			)
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: opts.AllowOrigins}))
	e.Use(middleware.Secure())
	if opts.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opts.BodyLimit))
	}

	if limiter == nil {
		limiter = func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}

	e.GET("/liveness", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	e.POST("/stkpush", s.initiate, limiter)
	e.GET("/transaction-status/:id", s.status, limiter)
	e.POST("/callback", s.callback)
	e.GET("/events", s.events)

	if opts.StaticDir != "" {
		e.Static("/", opts.StaticDir)
	} else {
		e.GET("/", func(c echo.Context) error { return c.String(http.StatusOK, "MPESA STK Sandbox Server running") })
	}

	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown. http.ErrServerClosed is not reported as an error.
func (s *Server) Start(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("HTTP server listening", "addr", addr)
	if err := s.echo.StartServer(srv); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// requestContext puts the request id into the log context of every handler.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Response().Header().Get(echo.HeaderXRequestID)
		if id != "" {
			req := c.Request()
			c.SetRequest(req.WithContext(logcontext.AppendCtx(req.Context(), slog.String("requestId", id))))
		}
		return next(c)
	}
}
