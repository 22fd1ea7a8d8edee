package stream

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type offerResult int

const (
	offerDelivered offerResult = iota
	offerDroppedOldest
	offerOverflow
	offerClosed
)

// Handle is one subscriber's revocable membership in a Registry
type Handle struct {
	id       uuid.UUID
	deviceID string
	events   chan Event

	// delivery is serialised per handle so drop-oldest cannot interleave
	sendMu sync.Mutex

	overflow     chan struct{}
	overflowOnce sync.Once
	done         chan struct{}
	doneOnce     sync.Once

	dropped atomic.Uint64
}

func newHandle(deviceID string, size int) *Handle {
	return &Handle{
		id:       uuid.New(),
		deviceID: deviceID,
		events:   make(chan Event, size),
		overflow: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ID identifies the handle within its device entry
func (h *Handle) ID() uuid.UUID { return h.id }

// DeviceID is the device this handle watches
func (h *Handle) DeviceID() string { return h.deviceID }

// Events yields published events. The channel is never closed; watch Done
// and Overflowed instead.
func (h *Handle) Events() <-chan Event { return h.events }

// Done is closed when the handle is unsubscribed or the registry closes
func (h *Handle) Done() <-chan struct{} { return h.done }

// Overflowed is closed when the disconnect policy gave up on this handle
func (h *Handle) Overflowed() <-chan struct{} { return h.overflow }

// Dropped counts events evicted by the drop-oldest policy
func (h *Handle) Dropped() uint64 { return h.dropped.Load() }

func (h *Handle) close() {
	h.doneOnce.Do(func() { close(h.done) })
}

func (h *Handle) offer(ev Event, policy OverflowPolicy) offerResult {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()

	select {
	case <-h.done:
		return offerClosed
	case <-h.overflow:
		return offerOverflow
	default:
	}

	select {
	case h.events <- ev:
		return offerDelivered
	default:
	}

	if policy == OverflowDisconnect {
		h.overflowOnce.Do(func() { close(h.overflow) })
		return offerOverflow
	}

	// sendMu makes this the only sender, so one eviction always frees a slot
	evicted := false
	select {
	case <-h.events:
		evicted = true
		h.dropped.Add(1)
	default:
	}
	select {
	case h.events <- ev:
	default:
		h.dropped.Add(1)
		return offerDroppedOldest
	}
	if evicted {
		return offerDroppedOldest
	}
	return offerDelivered
}
