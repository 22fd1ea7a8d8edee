package stream

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrSubscriberBackpressure ends a session whose consumer could not keep up
// under the OverflowDisconnect policy. It never reaches the ingest path.
var ErrSubscriberBackpressure = errors.New("subscriber backpressure")

// ErrSubscriptionClosed ends a session whose handle was revoked, for
// example when the registry closes on shutdown
var ErrSubscriptionClosed = errors.New("subscription closed")

// OverflowPolicy decides what happens when a handle's buffer is full
type OverflowPolicy string

const (
	// OverflowDropOldest evicts the oldest buffered event to make room
	OverflowDropOldest OverflowPolicy = "drop_oldest"
	// OverflowDisconnect marks the handle overflowed so its session ends
	OverflowDisconnect OverflowPolicy = "disconnect"
)

// ParseOverflowPolicy validates a configured policy name
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(s); p {
	case OverflowDropOldest, OverflowDisconnect:
		return p, nil
	case "":
		return OverflowDropOldest, nil
	default:
		return "", fmt.Errorf("unknown overflow policy %q", s)
	}
}

// Event is one reading already serialised to the wire format. Data is
// shared between handles and must not be modified.
type Event struct {
	DeviceID string
	FCnt     int64
	Data     []byte
}

// PublishStats reports what happened to one Publish call
type PublishStats struct {
	Delivered int
	Dropped   int
	Overflow  int
}

// Registry is the process-wide map of device id to subscriber handles.
// The zero value is not usable; create one with NewRegistry.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]map[uuid.UUID]*Handle
	closed  bool

	bufferSize int
	policy     OverflowPolicy
	logger     *zap.Logger
}

// NewRegistry creates an empty registry. bufferSize bounds every handle.
func NewRegistry(bufferSize int, policy OverflowPolicy, logger *zap.Logger) *Registry {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	if policy == "" {
		policy = OverflowDropOldest
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		devices:    make(map[string]map[uuid.UUID]*Handle),
		bufferSize: bufferSize,
		policy:     policy,
		logger:     logger,
	}
}

// Subscribe adds a new handle for deviceID. On a closed registry the
// returned handle is already closed.
func (r *Registry) Subscribe(deviceID string) *Handle {
	h := newHandle(deviceID, r.bufferSize)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		h.close()
		return h
	}

	set, ok := r.devices[deviceID]
	if !ok {
		set = make(map[uuid.UUID]*Handle)
		r.devices[deviceID] = set
	}
	set[h.id] = h

	r.logger.Debug("subscriber registered",
		zap.String("device_id", deviceID),
		zap.String("handle_id", h.id.String()),
		zap.Int("subscribers", len(set)),
	)
	return h
}

// Unsubscribe removes h. Empty device entries are pruned. Calling it more
// than once is harmless.
func (r *Registry) Unsubscribe(deviceID string, h *Handle) {
	if h == nil {
		return
	}

	r.mu.Lock()
	if set, ok := r.devices[deviceID]; ok {
		delete(set, h.id)
		if len(set) == 0 {
			delete(r.devices, deviceID)
		}
	}
	r.mu.Unlock()

	h.close()

	r.logger.Debug("subscriber removed",
		zap.String("device_id", deviceID),
		zap.String("handle_id", h.id.String()),
	)
}

// Publish offers ev to every handle registered for deviceID when the call
// starts. It never blocks on a slow handle.
func (r *Registry) Publish(deviceID string, ev Event) PublishStats {
	r.mu.RLock()
	set := r.devices[deviceID]
	handles := make([]*Handle, 0, len(set))
	for _, h := range set {
		handles = append(handles, h)
	}
	r.mu.RUnlock()

	var stats PublishStats
	for _, h := range handles {
		switch h.offer(ev, r.policy) {
		case offerDelivered:
			stats.Delivered++
		case offerDroppedOldest:
			stats.Delivered++
			stats.Dropped++
		case offerOverflow:
			stats.Overflow++
		}
	}

	if stats.Dropped > 0 || stats.Overflow > 0 {
		r.logger.Warn("slow subscribers on publish",
			zap.String("device_id", deviceID),
			zap.Int64("f_cnt", ev.FCnt),
			zap.Int("dropped", stats.Dropped),
			zap.Int("overflowed", stats.Overflow),
		)
	}
	return stats
}

// Count returns the number of handles registered for deviceID
func (r *Registry) Count(deviceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices[deviceID])
}

// Devices returns the number of devices with at least one subscriber
func (r *Registry) Devices() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Close closes every handle so their sessions end, and rejects new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	devices := r.devices
	r.devices = make(map[string]map[uuid.UUID]*Handle)
	r.mu.Unlock()

	n := 0
	for _, set := range devices {
		for _, h := range set {
			h.close()
			n++
		}
	}
	r.logger.Info("subscriber registry closed", zap.Int("handles", n))
}
