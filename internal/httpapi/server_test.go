package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/septivank/lorawan-telemetry-hub/internal/auth"
	"github.com/septivank/lorawan-telemetry-hub/internal/config"
	"github.com/septivank/lorawan-telemetry-hub/internal/db"
	"github.com/septivank/lorawan-telemetry-hub/internal/downlink"
	"github.com/septivank/lorawan-telemetry-hub/internal/repository"
	"github.com/septivank/lorawan-telemetry-hub/internal/service"
	"github.com/septivank/lorawan-telemetry-hub/internal/stream"
	"github.com/septivank/lorawan-telemetry-hub/internal/uplink"
)

const (
	testSecret = "webhook-secret"

	exampleUplink = `{
  "end_device_ids": {"device_id": "sensor-1"},
  "uplink_message": {
    "f_cnt": 42,
    "received_at": "2024-05-01T10:00:00Z",
    "decoded_payload": {"temperature_c": 21.5, "pressure_bar": 1.02},
    "rx_metadata": [{"gateway_ids": {"gateway_id": "gw-1"}, "rssi": -80, "snr": 7.5,
      "location": {"latitude": 52.1, "longitude": 4.3}}]
  }
}`
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

type fakeDownlink struct {
	mu   sync.Mutex
	reqs []downlink.Request
	err  error
}

func (f *fakeDownlink) Replace(_ context.Context, req downlink.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.err
}

type fakeIngester struct {
	err error
}

func (f *fakeIngester) Ingest(context.Context, []byte) (service.Result, error) {
	return service.Result{}, f.err
}

type testEnv struct {
	cfg      *config.Config
	store    *repository.SQLiteStore
	registry *stream.Registry
	downlink *fakeDownlink
	server   *Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	store := repository.NewSQLiteStore(sqlDB)
	require.NoError(t, store.Migrate(context.Background()))

	cfg := &config.Config{
		HTTPAddr: "127.0.0.1:0",
		Auth: config.AuthConfig{
			WebhookSecret: testSecret,
			SessionSecret: "session-secret",
			SessionTTL:    time.Hour,
			AdminUser:     "admin",
			AdminPass:     "hunter2",
		},
		Stream: config.StreamConfig{
			BufferSize:        8,
			OverflowPolicy:    "drop_oldest",
			HeartbeatInterval: time.Minute,
		},
	}

	logger := zap.NewNop()
	registry := stream.NewRegistry(cfg.Stream.BufferSize, stream.OverflowDropOldest, logger)
	t.Cleanup(registry.Close)

	ingest := service.NewIngestService(
		store,
		uplink.NewDecoder(time.Now),
		service.NewDispatcher(registry, nil, 0, 1, logger),
		logger,
	)

	fd := &fakeDownlink{}
	server := NewServer(Deps{
		Config:   cfg,
		Ingest:   ingest,
		Store:    store,
		Registry: registry,
		Sessions: auth.NewSessions(cfg.Auth.SessionSecret, cfg.Auth.SessionTTL),
		Downlink: fd,
		Logger:   logger,
	})

	return &testEnv{cfg: cfg, store: store, registry: registry, downlink: fd, server: server}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func uplinkRequest(body, token string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/ttn/uplink", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestUplink_RejectsBadToken(t *testing.T) {
	env := newTestEnv(t)

	for _, token := range []string{"", "wrong", testSecret + "x"} {
		w := env.do(uplinkRequest(exampleUplink, token))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "unauthorized", decodeError(t, w).Code)
	}

	devices, err := env.store.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestUplink_RejectsMalformed(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(uplinkRequest(`{"end_device_ids":{}}`, testSecret))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "malformed_event", decodeError(t, w).Code)
}

func TestUplink_DuplicateLooksLikeSuccess(t *testing.T) {
	env := newTestEnv(t)

	first := env.do(uplinkRequest(exampleUplink, testSecret))
	second := env.do(uplinkRequest(exampleUplink, testSecret))

	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.JSONEq(t, `{"status":"ok"}`, first.Body.String())
	assert.Equal(t, first.Body.String(), second.Body.String())

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/readings?device_id=sensor-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var readings []db.Reading
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &readings))
	require.Len(t, readings, 1)
	assert.Equal(t, int64(42), readings[0].FCnt)
}

func TestUplink_StorageUnavailableIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.server.ingest = &fakeIngester{err: errors.Join(repository.ErrStorageUnavailable, errors.New("db down"))}

	w := env.do(uplinkRequest(exampleUplink, testSecret))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "storage_unavailable", decodeError(t, w).Code)
}

func TestRequestIDIsEchoed(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-123")
	w := env.do(req)
	assert.Equal(t, "req-123", w.Header().Get(requestIDHeader))

	w = env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestReady(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHistoryEndpoints(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusOK, env.do(uplinkRequest(exampleUplink, testSecret)).Code)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/devices", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[{"device_id":"sensor-1"}]`, w.Body.String())

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/readings", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/readings?device_id=sensor-1&limit=5000", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/readings/latest?device_id=sensor-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	var latest db.Reading
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &latest))
	assert.Equal(t, int64(42), latest.FCnt)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/readings/latest?device_id=unknown", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", w.Body.String())

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/gateway", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	var gateways []db.Gateway
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &gateways))
	require.Len(t, gateways, 1)
	assert.Equal(t, "gw-1", gateways[0].GatewayID)
}

func login(t *testing.T, env *testEnv, user, pass string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(loginRequest{User: user, Pass: pass})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	return env.do(req)
}

func sessionCookieFrom(w *httptest.ResponseRecorder) *http.Cookie {
	for _, c := range w.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	return nil
}

func downlinkRequest(body string, cookie *http.Cookie) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/downlink", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}
	return req
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t)

	w := login(t, env, "admin", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, sessionCookieFrom(w))

	w = login(t, env, "admin", "hunter2")
	require.Equal(t, http.StatusOK, w.Code)
	cookie := sessionCookieFrom(w)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, cookie.SameSite)

	w = env.do(httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil))
	require.Equal(t, http.StatusOK, w.Code)
	cleared := sessionCookieFrom(w)
	require.NotNil(t, cleared)
	assert.Empty(t, cleared.Value)
}

func TestDownlink_RequiresSession(t *testing.T) {
	env := newTestEnv(t)
	body := `{"device_id":"sensor-1","frm_payload_b64":"AQI="}`

	w := env.do(downlinkRequest(body, nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(downlinkRequest(body, &http.Cookie{Name: sessionCookie, Value: "forged"}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, env.downlink.reqs)
}

func TestDownlink_Forwards(t *testing.T) {
	env := newTestEnv(t)
	cookie := sessionCookieFrom(login(t, env, "admin", "hunter2"))
	require.NotNil(t, cookie)

	w := env.do(downlinkRequest(`{"device_id":"sensor-1","frm_payload_b64":"AQI=","confirmed":true,"f_port":3}`, cookie))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())
	require.Len(t, env.downlink.reqs, 1)
	assert.Equal(t, downlink.Request{DeviceID: "sensor-1", FRMPayload: "AQI=", Confirmed: true, FPort: 3}, env.downlink.reqs[0])
}

func TestDownlink_RemoteStatusPassesThrough(t *testing.T) {
	env := newTestEnv(t)
	cookie := sessionCookieFrom(login(t, env, "admin", "hunter2"))
	env.downlink.err = &downlink.RemoteError{StatusCode: http.StatusNotFound, Body: "device not found"}

	w := env.do(downlinkRequest(`{"device_id":"ghost","frm_payload_b64":"AQI="}`, cookie))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "TTN error: device not found", decodeError(t, w).Message)
}

func TestSSE_StreamsReadings(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream/sensor-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.registry.Count("sensor-1") == 1 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, env.do(uplinkRequest(exampleUplink, testSecret)).Code)
	}

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	data := nextData(t, lines)
	var ev service.ReadingEvent
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	assert.Equal(t, "sensor-1", ev.DeviceID)
	assert.Equal(t, int64(42), ev.FCnt)

	cancel()
	require.Eventually(t, func() bool { return env.registry.Count("sensor-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSSE_EndsOnRegistryClose(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/stream/sensor-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return env.registry.Count("sensor-1") == 1 }, 2*time.Second, 10*time.Millisecond)

	env.registry.Close()

	done := make(chan struct{})
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after registry close")
	}
	assert.Equal(t, 0, env.registry.Count("sensor-1"))
}

func nextData(t *testing.T, lines <-chan string) string {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before a data frame arrived")
			}
			if strings.HasPrefix(line, "data:") {
				return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			}
		case <-timeout:
			t.Fatal("timed out waiting for data frame")
		}
	}
}

func TestWebSocket_DeliversAndUnsubscribes(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/ws/sensor-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return env.registry.Count("sensor-1") == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, http.StatusOK, env.do(uplinkRequest(exampleUplink, testSecret)).Code)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)

	var ev service.ReadingEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, int64(42), ev.FCnt)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return env.registry.Count("sensor-1") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClassify(t *testing.T) {
	status, body := classify(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "internal", body.Code)

	status, _ = classify(downlink.ErrNotConfigured)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}
