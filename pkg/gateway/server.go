// Package gateway is the HTTP surface of the bridge. External applications
// post outbound messages per session and receive inbound messages, binding
// invalidations and state changes over a websocket or a Server-Sent Events
// stream.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"go.uber.org/zap"

	"livechat/pkg/bridge"
	"livechat/pkg/bus"
	"livechat/pkg/config"
	"livechat/pkg/logger"
	"livechat/pkg/version"
)

// Bridge is the part of the session registry the API needs.
type Bridge interface {
	Send(ctx context.Context, cmd bridge.Command) (bridge.Ack, error)
	Info(name string) (bridge.Info, error)
	Infos() []bridge.Info
}

// Server is the HTTP API server.
type Server struct {
	echo        *echo.Echo
	httpServer  *http.Server
	config      *config.Config
	logger      *logger.Logger
	bridge      Bridge
	bus         bus.Bus
	sendTimeout time.Duration
	startedAt   time.Time

	mu      sync.Mutex
	streams map[string]*bus.Subscription
}

// NewServer creates the API server for the registry.
func NewServer(cfg *config.Config, log *logger.Logger, reg *bridge.Registry, eventBus bus.Bus) *Server {
	return newServer(cfg, log, reg, eventBus)
}

func newServer(cfg *config.Config, log *logger.Logger, b Bridge, eventBus bus.Bus) *Server {
	s := &Server{
		config:      cfg,
		logger:      log,
		bridge:      b,
		bus:         eventBus,
		sendTimeout: cfg.Bridge.SendTimeout(),
		startedAt:   time.Now(),
		streams:     make(map[string]*bus.Subscription),
	}
	s.setup()
	return s
}

func (s *Server) setup() {
	e := echo.New()

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost},
	}))
	e.Use(s.logRequests)

	e.GET("/health", s.handleHealth)
	e.GET("/status", s.handleStatus)

	e.GET("/sessions", s.handleListSessions)
	e.GET("/sessions/:name", s.handleGetSession)
	e.POST("/sessions/:name/messages", s.handleSendMessage)
	e.GET("/sessions/:name/events", s.handleSessionEvents)
	e.GET("/events", s.handleAllEvents)

	s.echo = e
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.config.Address, strconv.Itoa(s.config.Port))
}

// Start binds the listener and serves in the background. A port that cannot
// be bound fails Start.
func (s *Server) Start() error {
	addr := s.Addr()
	s.logger.Info("API server starting", zap.String("addr", addr))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	// http.Server is used directly so fx owns shutdown.
	s.httpServer = &http.Server{
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop closes every open event stream and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("API server stopping")

	s.mu.Lock()
	for id, sub := range s.streams {
		sub.Close()
		delete(s.streams, id)
	}
	s.mu.Unlock()

	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) logRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c *echo.Context) error {
		start := time.Now()
		err := next(c)
		req := c.Request()
		s.logger.Debug("HTTP request",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Duration("took", time.Since(start)),
			zap.Error(err))
		return err
	}
}

// --- REST Handlers ---

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(c *echo.Context) error {
	infos := s.bridge.Infos()
	states := make(map[bridge.State]int)
	for _, info := range infos {
		states[info.State]++
	}

	s.mu.Lock()
	streams := len(s.streams)
	s.mu.Unlock()

	uptime := time.Since(s.startedAt)
	status := map[string]interface{}{
		"version":        version.GetVersion(),
		"commit":         version.GitCommit,
		"uptime":         uptime.Round(time.Second).String(),
		"uptime_seconds": int64(uptime.Seconds()),
		"sessions":       len(infos),
		"states":         states,
		"streams":        streams,
	}
	if s.bus != nil {
		status["bus_metrics"] = s.bus.GetMetrics()
	}
	return c.JSON(http.StatusOK, status)
}

func (s *Server) handleListSessions(c *echo.Context) error {
	return c.JSON(http.StatusOK, s.bridge.Infos())
}

func (s *Server) handleGetSession(c *echo.Context) error {
	info, err := s.bridge.Info(c.Param("name"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

type sendRequest struct {
	BindingID string `json:"binding_id"`
	Author    string `json:"author_display_name"`
	Content   string `json:"content"`
}

// handleSendMessage posts one message to a bound channel. The response is
// 200 with the Discord message id once delivered, or 202 with queued set
// when the send timeout passes first; a queued command is still delivered
// at most once.
func (s *Server) handleSendMessage(c *echo.Context) error {
	var body sendRequest
	if err := c.Bind(&body); err != nil {
		return errorJSON(c, http.StatusBadRequest, bridge.CodeInvalidRequest, "invalid request body")
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.sendTimeout)
	defer cancel()

	ack, err := s.bridge.Send(ctx, bridge.Command{
		Session:   c.Param("name"),
		BindingID: body.BindingID,
		Author:    body.Author,
		Content:   body.Content,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) && c.Request().Context().Err() != nil {
			s.logger.Debug("Client went away during send",
				zap.String("session", c.Param("name")),
				zap.String("binding_id", body.BindingID))
			return c.NoContent(statusClientClosedRequest)
		}
		return writeError(c, err)
	}
	if ack.Queued {
		return c.JSON(http.StatusAccepted, ack)
	}
	return c.JSON(http.StatusOK, ack)
}

// --- Errors ---

// codeInternal is reported for failures that have no stable code.
const codeInternal bridge.Code = "Internal"

// statusClientClosedRequest marks sends abandoned by the caller in the
// request log. Nothing reaches the client.
const statusClientClosedRequest = 499

type errorResponse struct {
	Error   bridge.Code `json:"error"`
	Message string      `json:"message"`
}

func errorJSON(c *echo.Context, status int, code bridge.Code, message string) error {
	return c.JSON(status, errorResponse{Error: code, Message: message})
}

func writeError(c *echo.Context, err error) error {
	status, code := statusOf(err)
	return errorJSON(c, status, code, err.Error())
}

func statusOf(err error) (int, bridge.Code) {
	switch code := bridge.CodeOf(err); code {
	case bridge.CodeInvalidRequest:
		return http.StatusBadRequest, code
	case bridge.CodeSessionNotFound:
		return http.StatusNotFound, code
	case bridge.CodeBindingUnusable:
		return http.StatusConflict, code
	case bridge.CodeRateLimited:
		return http.StatusTooManyRequests, code
	case bridge.CodeSessionClosed:
		return http.StatusServiceUnavailable, code
	}
	// The session did not take the command before the deadline.
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusTooManyRequests, bridge.CodeRateLimited
	}
	return http.StatusInternalServerError, codeInternal
}
