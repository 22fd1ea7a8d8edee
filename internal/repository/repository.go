package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/septivank/lorawan-telemetry-hub/internal/db"
)

// ErrStorageUnavailable marks a failed unit of work. It is retryable: every
// write in the unit is idempotent, so the whole event can be replayed.
var ErrStorageUnavailable = errors.New("storage unavailable")

const (
	DefaultReadingsLimit = 200
	MaxReadingsLimit     = 1000
	DefaultGatewaysLimit = 10
)

// Tx is the set of writes performed for one uplink. All of them commit or
// roll back together.
type Tx interface {
	// EnsureDevice inserts the device if it is not known yet
	EnsureDevice(ctx context.Context, deviceID string) error
	// UpsertGatewayPosition stores the latest gateway position. It is a
	// no-op when gatewayID is empty or either coordinate is nil.
	UpsertGatewayPosition(ctx context.Context, gatewayID string, lat, lon *float64, at time.Time) error
	// InsertReadingIfNew inserts the reading unless (device_id, f_cnt)
	// already exists and reports whether a row was written.
	InsertReadingIfNew(ctx context.Context, reading *db.Reading) (bool, error)
}

// Store is implemented by the Postgres and SQLite backends
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	ListDevices(ctx context.Context) ([]db.Device, error)
	ListReadings(ctx context.Context, deviceID string, limit int) ([]db.Reading, error)
	LatestReading(ctx context.Context, deviceID string) (*db.Reading, error)
	ListGateways(ctx context.Context, limit int) ([]db.Gateway, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorageUnavailable, op, err)
}

func hasPosition(gatewayID string, lat, lon *float64) bool {
	return gatewayID != "" && lat != nil && lon != nil
}

// ClampLimit applies the default and upper bound used by the readings query
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultReadingsLimit
	}
	if limit > MaxReadingsLimit {
		return MaxReadingsLimit
	}
	return limit
}
