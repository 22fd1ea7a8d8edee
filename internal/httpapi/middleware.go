package httpapi

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/septivank/lorawan-telemetry-hub/internal/auth"
	"github.com/septivank/lorawan-telemetry-hub/internal/logging"
	"go.uber.org/zap"
)

const (
	requestIDHeader = "X-Request-ID"
	sessionCookie   = "session"
)

// requestLogger assigns a request id and stores a request scoped logger
// in the request context.
func requestLogger(base *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		logger := logging.WithRequestID(base, requestID)
		c.Request = c.Request.WithContext(logging.NewContext(c.Request.Context(), logger))

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

func (s *Server) requireSession(c *gin.Context) {
	token, err := c.Cookie(sessionCookie)
	if err != nil {
		_ = c.Error(auth.ErrUnauthorized)
		c.Abort()
		return
	}
	claims, err := s.sessions.Validate(token)
	if err != nil {
		_ = c.Error(err)
		c.Abort()
		return
	}
	c.Set("session_user", claims.Subject)
	c.Next()
}
