package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/septivank/lorawan-telemetry-hub/internal/auth"
	"github.com/septivank/lorawan-telemetry-hub/internal/db"
	"github.com/septivank/lorawan-telemetry-hub/internal/downlink"
	"github.com/septivank/lorawan-telemetry-hub/internal/repository"
	"github.com/septivank/lorawan-telemetry-hub/internal/uplink"
)

const maxUplinkBytes = 1 << 20

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleUplink answers duplicates exactly like new readings
func (s *Server) handleUplink(c *gin.Context) {
	if err := auth.CheckBearer(c.GetHeader("Authorization"), s.cfg.Auth.WebhookSecret); err != nil {
		_ = c.Error(err)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxUplinkBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			_ = c.Error(uplink.ErrMalformedEvent)
			return
		}
		_ = c.Error(badRequest("unable to read request body"))
		return
	}

	if _, err := s.ingest.Ingest(c.Request.Context(), body); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleDevices(c *gin.Context) {
	devices, err := s.store.ListDevices(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		return
	}
	if devices == nil {
		devices = []db.Device{}
	}
	c.JSON(http.StatusOK, devices)
}

func (s *Server) handleReadings(c *gin.Context) {
	deviceID := c.Query("device_id")
	if deviceID == "" {
		_ = c.Error(badRequest("device_id is required"))
		return
	}

	limit := repository.DefaultReadingsLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > repository.MaxReadingsLimit {
			_ = c.Error(badRequest("limit must be between 1 and 1000"))
			return
		}
		limit = n
	}

	readings, err := s.store.ListReadings(c.Request.Context(), deviceID, limit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if readings == nil {
		readings = []db.Reading{}
	}
	c.JSON(http.StatusOK, readings)
}

func (s *Server) handleLatestReading(c *gin.Context) {
	deviceID := c.Query("device_id")
	if deviceID == "" {
		_ = c.Error(badRequest("device_id is required"))
		return
	}

	reading, err := s.store.LatestReading(c.Request.Context(), deviceID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, reading)
}

func (s *Server) handleGateways(c *gin.Context) {
	gateways, err := s.store.ListGateways(c.Request.Context(), repository.DefaultGatewaysLimit)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if gateways == nil {
		gateways = []db.Gateway{}
	}
	c.JSON(http.StatusOK, gateways)
}

type loginRequest struct {
	User string `json:"user"`
	Pass string `json:"pass"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(badRequest("unable to parse JSON body"))
		return
	}

	if err := auth.CheckCredentials(req.User, req.Pass, s.cfg.Auth.AdminUser, s.cfg.Auth.AdminPass); err != nil {
		_ = c.Error(err)
		return
	}

	token, _, err := s.sessions.Issue(req.User)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, token, int(s.sessions.TTL().Seconds()), "/", "", s.cfg.Auth.SecureCookie, true)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleLogout(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookie, "", -1, "/", "", s.cfg.Auth.SecureCookie, true)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleDownlink(c *gin.Context) {
	var req downlink.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(badRequest("unable to parse JSON body"))
		return
	}

	if err := s.downlink.Replace(c.Request.Context(), req); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
