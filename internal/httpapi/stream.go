package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/septivank/lorawan-telemetry-hub/internal/logging"
	"github.com/septivank/lorawan-telemetry-hub/internal/stream"
	"go.uber.org/zap"
)

const wsWriteWait = 10 * time.Second

type sseSink struct {
	c *gin.Context
}

func (s *sseSink) WriteEvent(ev stream.Event) error {
	before := len(s.c.Errors)
	s.c.SSEvent("message", string(ev.Data))
	if len(s.c.Errors) > before {
		return s.c.Errors.Last().Err
	}
	s.c.Writer.Flush()
	return nil
}

func (s *sseSink) WriteHeartbeat() error {
	if _, err := s.c.Writer.WriteString(": ping\n\n"); err != nil {
		return err
	}
	s.c.Writer.Flush()
	return nil
}

func (s *Server) handleSSE(c *gin.Context) {
	deviceID := c.Param("device_id")
	logger := logging.WithDeviceID(logging.FromContext(c.Request.Context(), s.logger), deviceID)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	session := stream.NewSession(s.registry, deviceID, &sseSink{c: c}, s.cfg.Stream.HeartbeatInterval, logger)
	s.runSession(c.Request.Context(), session, logger)
}

type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) WriteEvent(ev stream.Event) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, ev.Data)
}

func (s *wsSink) WriteHeartbeat() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (s *Server) handleWebSocket(c *gin.Context) {
	deviceID := c.Param("device_id")
	logger := logging.WithDeviceID(logging.FromContext(c.Request.Context(), s.logger), deviceID)

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already replied
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Viewers never send data; reading is only needed to process control
	// frames and notice the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	session := stream.NewSession(s.registry, deviceID, &wsSink{conn: conn}, s.cfg.Stream.HeartbeatInterval, logger)
	err = s.runSession(ctx, session, logger)

	code := websocket.CloseNormalClosure
	switch {
	case errors.Is(err, stream.ErrSubscriptionClosed):
		code = websocket.CloseGoingAway
	case errors.Is(err, stream.ErrSubscriberBackpressure):
		code = websocket.ClosePolicyViolation
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(time.Second))
}

// runSession blocks until the viewer leaves or the session is ended
func (s *Server) runSession(ctx context.Context, session *stream.Session, logger *zap.Logger) error {
	err := session.Run(ctx)
	switch {
	case err == nil, errors.Is(err, stream.ErrSubscriptionClosed):
	case errors.Is(err, stream.ErrSubscriberBackpressure):
		logger.Warn("live stream disconnected, viewer too slow", zap.Uint64("sent", session.Sent()))
	default:
		logger.Warn("live stream write failed", zap.Error(err), zap.Uint64("sent", session.Sent()))
	}
	return err
}
