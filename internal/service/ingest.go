package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/septivank/lorawan-telemetry-hub/internal/logging"
	"github.com/septivank/lorawan-telemetry-hub/internal/repository"
	"github.com/septivank/lorawan-telemetry-hub/internal/uplink"
	"go.uber.org/zap"
)

// Result describes the outcome of a successful ingest
type Result struct {
	DeviceID  string
	FCnt      int64
	Duplicate bool
}

// IngestService stores uplinks exactly once and fans out the new ones
type IngestService struct {
	store      repository.Store
	decoder    *uplink.Decoder
	dispatcher *Dispatcher
	locks      *keyedMutex
	now        func() time.Time
	logger     *zap.Logger
}

// NewIngestService creates a new ingest service
func NewIngestService(
	store repository.Store,
	decoder *uplink.Decoder,
	dispatcher *Dispatcher,
	logger *zap.Logger,
) *IngestService {
	return &IngestService{
		store:      store,
		decoder:    decoder,
		dispatcher: dispatcher,
		locks:      newKeyedMutex(),
		now:        time.Now,
		logger:     logger,
	}
}

// Ingest decodes a raw uplink body and processes it. Errors wrap
// uplink.ErrMalformedEvent or repository.ErrStorageUnavailable.
func (s *IngestService) Ingest(ctx context.Context, body []byte) (Result, error) {
	up, err := s.decoder.Decode(body)
	if err != nil {
		logging.FromContext(ctx, s.logger).Warn("rejected malformed uplink", zap.Error(err))
		return Result{}, err
	}
	return s.IngestUplink(ctx, up)
}

// IngestUplink runs the storage unit of work for an already decoded uplink
// and dispatches the reading only if it was new. Commit and dispatch happen
// under a per-device lock so that subscribers see a device's readings in
// commit order.
func (s *IngestService) IngestUplink(ctx context.Context, up *uplink.Uplink) (Result, error) {
	reading := &up.Reading
	result := Result{DeviceID: reading.DeviceID, FCnt: reading.FCnt}
	logger := logging.WithDeviceID(logging.FromContext(ctx, s.logger), reading.DeviceID)

	unlock := s.locks.Lock(reading.DeviceID)
	defer unlock()

	var inserted bool
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		if err := tx.EnsureDevice(ctx, reading.DeviceID); err != nil {
			return err
		}
		if gw := up.Gateway; gw != nil {
			lat, lon := gw.Lat, gw.Lon
			if err := tx.UpsertGatewayPosition(ctx, gw.GatewayID, &lat, &lon, s.now().UTC()); err != nil {
				return err
			}
		}
		var err error
		inserted, err = tx.InsertReadingIfNew(ctx, reading)
		return err
	})
	if err != nil {
		logger.Error("failed to store uplink", zap.Error(err), zap.Int64("f_cnt", reading.FCnt))
		if !errors.Is(err, repository.ErrStorageUnavailable) {
			err = fmt.Errorf("%w: %w", repository.ErrStorageUnavailable, err)
		}
		return result, err
	}

	if !inserted {
		logger.Info("duplicate uplink ignored", zap.Int64("f_cnt", reading.FCnt))
		result.Duplicate = true
		return result, nil
	}

	logger.Info("reading stored", zap.Int64("f_cnt", reading.FCnt))
	s.dispatcher.Dispatch(logging.NewContext(ctx, logger), reading)
	return result, nil
}
