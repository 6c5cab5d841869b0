package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v5"
	"go.uber.org/zap"

	"livechat/pkg/bus"
	"livechat/pkg/logger"
)

const (
	pingInterval      = 30 * time.Second
	readTimeout       = 60 * time.Second
	writeTimeout      = 10 * time.Second
	keepaliveInterval = 15 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleSessionEvents streams the events of one session.
func (s *Server) handleSessionEvents(c *echo.Context) error {
	name := c.Param("name")
	if _, err := s.bridge.Info(name); err != nil {
		return writeError(c, err)
	}
	return s.stream(c, name)
}

// handleAllEvents streams the events of every session.
func (s *Server) handleAllEvents(c *echo.Context) error {
	return s.stream(c, bus.AllSessions)
}

// stream serves a websocket when the client asks for an upgrade and
// Server-Sent Events otherwise. Every stream has its own subscription;
// closing it never affects the session or other subscribers.
func (s *Server) stream(c *echo.Context, session string) error {
	if s.bus == nil {
		return errorJSON(c, http.StatusServiceUnavailable, codeInternal, "event bus not available")
	}

	sub := s.bus.Subscribe(session, bus.DefaultSubscriptionBuffer)
	s.mu.Lock()
	s.streams[sub.ID] = sub
	s.mu.Unlock()
	defer s.closeStream(sub)

	log := s.logger.WithFields(zap.String("subscription", sub.ID), zap.String("session", session))
	if websocket.IsWebSocketUpgrade(c.Request()) {
		return s.streamWebSocket(c, sub, log)
	}
	return s.streamSSE(c, sub, log)
}

func (s *Server) closeStream(sub *bus.Subscription) {
	s.mu.Lock()
	delete(s.streams, sub.ID)
	s.mu.Unlock()
	sub.Close()

	if dropped := sub.Dropped(); dropped > 0 {
		s.logger.Warn("Slow subscriber dropped events",
			zap.String("subscription", sub.ID),
			zap.Uint64("dropped", dropped))
	}
}

func (s *Server) streamWebSocket(c *echo.Context, sub *bus.Subscription, log *logger.Logger) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		log.Warn("WebSocket upgrade failed", zap.Error(err))
		return nil
	}
	defer conn.Close()
	log.Info("WebSocket subscriber connected")

	// The read side only detects closure and answers pongs; all writes
	// happen on this goroutine.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(4096)
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(readTimeout))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn("WebSocket read error", zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "stream closed"))
				return nil
			}
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		case <-gone:
			log.Info("WebSocket subscriber disconnected")
			return nil
		}
	}
}

func (s *Server) streamSSE(c *echo.Context, sub *bus.Subscription, log *logger.Logger) error {
	w := c.Response()
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		log.Warn("Streaming not supported by connection", zap.Error(err))
		return nil
	}
	log.Info("SSE subscriber connected")

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	done := c.Request().Context().Done()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return nil
			}
			if err := writeSSE(w, ev); err != nil {
				return nil
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return nil
			}
		case <-done:
			log.Info("SSE subscriber disconnected")
			return nil
		}
		if err := rc.Flush(); err != nil {
			return nil
		}
	}
}

func writeSSE(w http.ResponseWriter, ev *bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, data)
	return err
}
