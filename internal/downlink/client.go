// Package downlink queues downlinks on The Things Stack application server.
package downlink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/septivank/lorawan-telemetry-hub/internal/config"
	"go.uber.org/zap"
)

// DefaultFPort is used when a request does not name a port
const DefaultFPort = 10

// ErrInvalidRequest is returned before any remote call is made
var ErrInvalidRequest = errors.New("invalid downlink request")

// ErrNotConfigured means TTN_APP_ID or TTN_API_KEY is missing
var ErrNotConfigured = errors.New("downlink proxy not configured")

// Request is one downlink to replace the device queue with
type Request struct {
	DeviceID   string `json:"device_id"`
	FRMPayload string `json:"frm_payload_b64"`
	Confirmed  bool   `json:"confirmed"`
	FPort      int    `json:"f_port"`
}

// RemoteError carries a non-success response from the network server verbatim
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("network server returned %d: %s", e.StatusCode, e.Body)
}

type queuedDownlink struct {
	FPort      int    `json:"f_port"`
	FRMPayload string `json:"frm_payload"`
	Confirmed  bool   `json:"confirmed"`
	Priority   string `json:"priority"`
}

type replaceBody struct {
	Downlinks []queuedDownlink `json:"downlinks"`
}

// Client talks to the application server API
type Client struct {
	baseURL    string
	appID      string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a downlink client from TTN settings
func NewClient(cfg config.TTNConfig, logger *zap.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.cloud.thethings.network", cfg.Region)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		appID:   cfg.AppID,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Replace replaces the device downlink queue with a single message
func (c *Client) Replace(ctx context.Context, req Request) error {
	if req.DeviceID == "" || req.FRMPayload == "" {
		return fmt.Errorf("%w: device_id and frm_payload_b64 are required", ErrInvalidRequest)
	}
	if c.appID == "" || c.apiKey == "" {
		return ErrNotConfigured
	}
	fPort := req.FPort
	if fPort == 0 {
		fPort = DefaultFPort
	}

	body, err := json.Marshal(replaceBody{Downlinks: []queuedDownlink{{
		FPort:      fPort,
		FRMPayload: req.FRMPayload,
		Confirmed:  req.Confirmed,
		Priority:   "NORMAL",
	}}})
	if err != nil {
		return fmt.Errorf("marshal downlink: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v3/as/applications/%s/devices/%s/down/replace",
		c.baseURL, url.PathEscape(c.appID), url.PathEscape(req.DeviceID))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build downlink request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send downlink: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		c.logger.Warn("downlink rejected by network server",
			zap.String("device_id", req.DeviceID),
			zap.Int("status", resp.StatusCode),
		)
		return &RemoteError{StatusCode: resp.StatusCode, Body: string(text)}
	}

	c.logger.Info("downlink queued",
		zap.String("device_id", req.DeviceID),
		zap.Int("f_port", fPort),
		zap.Bool("confirmed", req.Confirmed),
	)
	return nil
}
