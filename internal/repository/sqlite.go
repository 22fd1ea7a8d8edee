package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/septivank/lorawan-telemetry-hub/internal/db"
	"github.com/septivank/lorawan-telemetry-hub/tools/timeparser"
)

// SQLiteStore is the embedded single-node backend
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an opened sqlite handle (see db.OpenSQLite)
func NewSQLiteStore(sqlDB *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: sqlDB}
}

// InTx runs fn inside a single transaction
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit transaction", err)
	}
	return nil
}

// Migrate applies db.SQLiteSchema
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	for _, stmt := range db.SQLiteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return unavailable("apply schema", err)
		}
	}
	return nil
}

// Ping checks that the database file is usable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) EnsureDevice(ctx context.Context, deviceID string) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO devices (device_id) VALUES (?) ON CONFLICT DO NOTHING;`,
		deviceID,
	)
	if err != nil {
		return unavailable("ensure device", err)
	}
	return nil
}

func (t *sqliteTx) UpsertGatewayPosition(ctx context.Context, gatewayID string, lat, lon *float64, at time.Time) error {
	if !hasPosition(gatewayID, lat, lon) {
		return nil
	}

	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO gateways (gateway_id, lat, lon, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (gateway_id) DO UPDATE
		SET lat = excluded.lat, lon = excluded.lon, updated_at = excluded.updated_at;`,
		gatewayID, *lat, *lon, timeparser.FormatStorage(at),
	)
	if err != nil {
		return unavailable("upsert gateway", err)
	}
	return nil
}

func (t *sqliteTx) InsertReadingIfNew(ctx context.Context, reading *db.Reading) (bool, error) {
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO readings (device_id, f_cnt, ts, temperature_c, pressure_bar, rssi, snr, gateway_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id, f_cnt) DO NOTHING;`,
		reading.DeviceID,
		reading.FCnt,
		timeparser.FormatStorage(reading.Ts),
		reading.TemperatureC,
		reading.PressureBar,
		reading.RSSI,
		reading.SNR,
		reading.GatewayID,
	)
	if err != nil {
		return false, unavailable("insert reading", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("insert reading", err)
	}
	return n == 1, nil
}

// ListDevices returns all known devices ordered by id
func (s *SQLiteStore) ListDevices(ctx context.Context) ([]db.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id FROM devices ORDER BY device_id;`)
	if err != nil {
		return nil, unavailable("query devices", err)
	}
	defer rows.Close()

	devices := []db.Device{}
	for rows.Next() {
		var d db.Device
		if err := rows.Scan(&d.DeviceID); err != nil {
			return nil, unavailable("scan device", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("rows iteration", err)
	}
	return devices, nil
}

const sqliteReadingColumns = `device_id, f_cnt, ts, temperature_c, pressure_bar, rssi, snr, gateway_id`

// ListReadings returns the newest readings of a device first
func (s *SQLiteStore) ListReadings(ctx context.Context, deviceID string, limit int) ([]db.Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteReadingColumns+` FROM readings WHERE device_id = ? ORDER BY ts DESC, f_cnt DESC LIMIT ?;`,
		deviceID, ClampLimit(limit),
	)
	if err != nil {
		return nil, unavailable("query readings", err)
	}
	defer rows.Close()

	readings := []db.Reading{}
	for rows.Next() {
		reading, err := scanSQLiteReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, *reading)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("rows iteration", err)
	}
	return readings, nil
}

// LatestReading returns the newest reading of a device or nil when it has none
func (s *SQLiteStore) LatestReading(ctx context.Context, deviceID string) (*db.Reading, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteReadingColumns+` FROM readings WHERE device_id = ? ORDER BY ts DESC, f_cnt DESC LIMIT 1;`,
		deviceID,
	)

	reading, err := scanSQLiteReading(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return reading, err
}

// ListGateways returns up to limit gateways
func (s *SQLiteStore) ListGateways(ctx context.Context, limit int) ([]db.Gateway, error) {
	if limit <= 0 {
		limit = DefaultGatewaysLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT gateway_id, lat, lon, updated_at FROM gateways ORDER BY gateway_id LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, unavailable("query gateways", err)
	}
	defer rows.Close()

	gateways := []db.Gateway{}
	for rows.Next() {
		var (
			g         db.Gateway
			updatedAt string
		)
		if err := rows.Scan(&g.GatewayID, &g.Lat, &g.Lon, &updatedAt); err != nil {
			return nil, unavailable("scan gateway", err)
		}
		if g.UpdatedAt, err = timeparser.ParseStorage(updatedAt); err != nil {
			return nil, unavailable("parse gateway updated_at", err)
		}
		gateways = append(gateways, g)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("rows iteration", err)
	}
	return gateways, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteReading(row rowScanner) (*db.Reading, error) {
	var (
		reading db.Reading
		ts      string
	)
	err := row.Scan(
		&reading.DeviceID,
		&reading.FCnt,
		&ts,
		&reading.TemperatureC,
		&reading.PressureBar,
		&reading.RSSI,
		&reading.SNR,
		&reading.GatewayID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, unavailable("scan reading", err)
	}

	if reading.Ts, err = timeparser.ParseStorage(ts); err != nil {
		return nil, unavailable("parse reading ts", err)
	}
	return &reading, nil
}
