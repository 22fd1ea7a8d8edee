package stream

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sink writes frames to one connected viewer
type Sink interface {
	// WriteEvent sends ev as exactly one frame
	WriteEvent(ev Event) error
	// WriteHeartbeat keeps an idle connection alive
	WriteHeartbeat() error
}

// State is a Session's lifecycle phase
type State int32

const (
	StateInit State = iota
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Session relays one device's events to one Sink
type Session struct {
	registry  *Registry
	deviceID  string
	sink      Sink
	heartbeat time.Duration
	logger    *zap.Logger

	state atomic.Int32
	sent  atomic.Uint64
}

// NewSession creates a session in StateInit. A heartbeat of zero disables
// keep-alive frames.
func NewSession(registry *Registry, deviceID string, sink Sink, heartbeat time.Duration, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		registry:  registry,
		deviceID:  deviceID,
		sink:      sink,
		heartbeat: heartbeat,
		logger:    logger.With(zap.String("device_id", deviceID)),
	}
}

// State reports the current phase
func (s *Session) State() State { return State(s.state.Load()) }

// Sent is the number of event frames written so far
func (s *Session) Sent() uint64 { return s.sent.Load() }

// Run streams until ctx is cancelled, the sink fails, the handle overflows
// or the subscription is revoked. The handle is always unsubscribed before
// Run returns. Cancellation is a normal exit and returns nil.
func (s *Session) Run(ctx context.Context) error {
	h := s.registry.Subscribe(s.deviceID)
	defer func() {
		s.registry.Unsubscribe(s.deviceID, h)
		s.state.Store(int32(StateClosed))
		s.logger.Info("stream session closed",
			zap.String("handle_id", h.ID().String()),
			zap.Uint64("sent", s.sent.Load()),
			zap.Uint64("dropped", h.Dropped()),
		)
	}()

	s.state.Store(int32(StateStreaming))
	s.logger.Info("stream session started", zap.String("handle_id", h.ID().String()))

	var heartbeat <-chan time.Time
	if s.heartbeat > 0 {
		ticker := time.NewTicker(s.heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}

	for {
		// exit conditions win over pending events
		select {
		case <-ctx.Done():
			return nil
		case <-h.Overflowed():
			return ErrSubscriberBackpressure
		case <-h.Done():
			return ErrSubscriptionClosed
		default:
		}

		select {
		case <-ctx.Done():
			return nil
		case <-h.Overflowed():
			return ErrSubscriberBackpressure
		case <-h.Done():
			return ErrSubscriptionClosed
		case ev := <-h.Events():
			if err := s.sink.WriteEvent(ev); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
			s.sent.Add(1)
		case <-heartbeat:
			if err := s.sink.WriteHeartbeat(); err != nil {
				return fmt.Errorf("write heartbeat: %w", err)
			}
		}
	}
}
