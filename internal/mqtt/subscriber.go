// Package mqtt receives uplinks from The Things Stack MQTT integration.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/septivank/lorawan-telemetry-hub/internal/config"
	"github.com/septivank/lorawan-telemetry-hub/internal/repository"
	"github.com/septivank/lorawan-telemetry-hub/internal/uplink"
	"go.uber.org/zap"
)

const connectTimeout = 10 * time.Second

// Handler processes one uplink body
type Handler func(ctx context.Context, body []byte) error

// Subscriber feeds MQTT uplinks into the ingest handler
type Subscriber struct {
	cfg    config.MQTTConfig
	handle Handler
	logger *zap.Logger
	client paho.Client

	ctx    context.Context
	cancel context.CancelFunc
}

// NewSubscriber creates a subscriber. Nothing connects until Start.
func NewSubscriber(cfg config.MQTTConfig, handle Handler, logger *zap.Logger) *Subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	return &Subscriber{
		cfg:    cfg,
		handle: handle,
		logger: logger.With(zap.String("broker", cfg.Broker)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start connects to the broker. Subscription happens in the connect
// handler so it is restored after every reconnect.
func (s *Subscriber) Start() error {
	opts := paho.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetUsername(s.cfg.Username).
		SetPassword(s.cfg.Password).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetCleanSession(false).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)

	s.client = paho.NewClient(opts)
	s.logger.Info("connecting to mqtt broker", zap.String("client_id", s.cfg.ClientID))

	token := s.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return errors.New("mqtt connect timed out")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// Stop cancels in-flight handlers and disconnects
func (s *Subscriber) Stop() {
	s.cancel()
	if s.client == nil {
		return
	}
	if token := s.client.Unsubscribe(s.cfg.Topic); token.WaitTimeout(time.Second) && token.Error() != nil {
		s.logger.Warn("mqtt unsubscribe failed", zap.Error(token.Error()))
	}
	s.client.Disconnect(250)
	s.logger.Info("mqtt subscriber stopped")
}

func (s *Subscriber) onConnect(client paho.Client) {
	s.logger.Info("connected to mqtt broker, subscribing", zap.String("topic", s.cfg.Topic))
	token := client.Subscribe(s.cfg.Topic, s.cfg.QoS, s.handleMessage)
	if token.Wait() && token.Error() != nil {
		s.logger.Error("mqtt subscribe failed", zap.Error(token.Error()), zap.String("topic", s.cfg.Topic))
	}
}

func (s *Subscriber) onConnectionLost(_ paho.Client, err error) {
	s.logger.Warn("mqtt connection lost", zap.Error(err))
}

func (s *Subscriber) handleMessage(_ paho.Client, msg paho.Message) {
	logger := s.logger.With(
		zap.String("topic", msg.Topic()),
		zap.String("topic_device_id", deviceFromTopic(msg.Topic())),
	)

	err := s.handle(s.ctx, msg.Payload())
	switch {
	case err == nil:
		logger.Debug("mqtt uplink processed")
	case errors.Is(err, uplink.ErrMalformedEvent):
		logger.Warn("dropping malformed mqtt uplink", zap.Error(err))
	case errors.Is(err, repository.ErrStorageUnavailable):
		logger.Error("mqtt uplink not stored", zap.Error(err))
	default:
		logger.Error("mqtt uplink failed", zap.Error(err))
	}
}

// deviceFromTopic extracts the device id from v3/{app}@{tenant}/devices/{device}/up
func deviceFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) == 5 && parts[0] == "v3" && parts[2] == "devices" {
		return parts[3]
	}
	return ""
}
