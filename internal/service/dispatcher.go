package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/septivank/lorawan-telemetry-hub/internal/db"
	"github.com/septivank/lorawan-telemetry-hub/internal/logging"
	"github.com/septivank/lorawan-telemetry-hub/internal/stream"
	"go.uber.org/zap"
)

// ReadingEvent is the wire shape delivered to live viewers and mirrored to the broker
type ReadingEvent struct {
	DeviceID     string   `json:"device_id"`
	Ts           string   `json:"ts"`
	FCnt         int64    `json:"f_cnt"`
	TemperatureC *float64 `json:"temperature_c"`
	PressureBar  *float64 `json:"pressure_bar"`
	RSSI         *float64 `json:"rssi"`
	SNR          *float64 `json:"snr"`
	GatewayID    *string  `json:"gateway_id"`
}

// NewReadingEvent converts a stored reading to its wire shape
func NewReadingEvent(r *db.Reading) ReadingEvent {
	return ReadingEvent{
		DeviceID:     r.DeviceID,
		Ts:           r.Ts.UTC().Format(time.RFC3339Nano),
		FCnt:         r.FCnt,
		TemperatureC: r.TemperatureC,
		PressureBar:  r.PressureBar,
		RSSI:         r.RSSI,
		SNR:          r.SNR,
		GatewayID:    r.GatewayID,
	}
}

// Broadcaster delivers an event to the live subscribers of a device
type Broadcaster interface {
	Publish(deviceID string, ev stream.Event) stream.PublishStats
}

// Mirror forwards accepted readings to downstream consumers
type Mirror interface {
	PublishReading(ctx context.Context, deviceID string, body []byte) error
}

// Dispatcher fans newly stored readings out. Nothing it does can fail or
// stall the ingest request: live subscribers get a non-blocking offer and
// the mirror is fed through a bounded queue drained by its own goroutine.
type Dispatcher struct {
	broadcaster   Broadcaster
	mirror        Mirror
	mirrorTimeout time.Duration
	logger        *zap.Logger

	jobs      chan mirrorJob
	quit      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
}

type mirrorJob struct {
	deviceID string
	fCnt     int64
	body     []byte
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. mirror may be nil; otherwise at most
// mirrorBuffer readings wait for it and Start must be called.
func NewDispatcher(broadcaster Broadcaster, mirror Mirror, mirrorTimeout time.Duration, mirrorBuffer int, logger *zap.Logger) *Dispatcher {
	if mirrorBuffer <= 0 {
		mirrorBuffer = 1
	}
	return &Dispatcher{
		broadcaster:   broadcaster,
		mirror:        mirror,
		mirrorTimeout: mirrorTimeout,
		logger:        logger,
		jobs:          make(chan mirrorJob, mirrorBuffer),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the mirror worker. It is a no-op without a mirror.
func (d *Dispatcher) Start() {
	if d.mirror == nil {
		return
	}
	d.startOnce.Do(func() {
		d.started = true
		go d.runMirror()
	})
}

// Stop flushes queued readings to the mirror and waits for the worker,
// giving up when ctx ends.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.stopOnce.Do(func() { close(d.quit) })
	if !d.started {
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("mirror worker did not stop: %w", ctx.Err())
	}
}

// Dispatch must only be called for readings that were newly written
func (d *Dispatcher) Dispatch(ctx context.Context, reading *db.Reading) {
	logger := logging.FromContext(ctx, d.logger)

	body, err := encodeReading(reading)
	if err != nil {
		logger.Error("failed to encode reading event", zap.Error(err))
		return
	}

	stats := d.broadcaster.Publish(reading.DeviceID, stream.Event{
		DeviceID: reading.DeviceID,
		FCnt:     reading.FCnt,
		Data:     body,
	})
	logger.Debug("reading published to live subscribers",
		zap.Int64("f_cnt", reading.FCnt),
		zap.Int("delivered", stats.Delivered),
		zap.Int("dropped", stats.Dropped),
		zap.Int("overflowed", stats.Overflow),
	)

	if d.mirror == nil {
		return
	}

	select {
	case d.jobs <- mirrorJob{deviceID: reading.DeviceID, fCnt: reading.FCnt, body: body, logger: logger}:
	default:
		logger.Warn("mirror queue full, reading not mirrored", zap.Int64("f_cnt", reading.FCnt))
	}
}

func (d *Dispatcher) runMirror() {
	defer close(d.done)
	for {
		select {
		case job := <-d.jobs:
			d.publishMirror(job)
		case <-d.quit:
			for {
				select {
				case job := <-d.jobs:
					d.publishMirror(job)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) publishMirror(job mirrorJob) {
	ctx := context.Background()
	if d.mirrorTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.mirrorTimeout)
		defer cancel()
	}
	if err := d.mirror.PublishReading(ctx, job.deviceID, job.body); err != nil {
		job.logger.Error("failed to mirror reading event",
			zap.Error(err),
			zap.Int64("f_cnt", job.fCnt),
		)
	}
}

func encodeReading(reading *db.Reading) ([]byte, error) {
	body, err := json.Marshal(NewReadingEvent(reading))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return body, nil
}
