package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/lorawan-telemetry-hub/internal/db"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	sqlDB, err := db.OpenSQLite(filepath.Join(t.TempDir(), "telemetry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	store := NewSQLiteStore(sqlDB)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func ptr[T any](v T) *T { return &v }

func testReading(deviceID string, fCnt int64, ts time.Time) *db.Reading {
	return &db.Reading{
		DeviceID:     deviceID,
		FCnt:         fCnt,
		Ts:           ts,
		TemperatureC: ptr(21.5),
		RSSI:         ptr(-80.0),
		SNR:          ptr(7.0),
		GatewayID:    ptr("gw-1"),
	}
}

func countReadings(t *testing.T, s *SQLiteStore, deviceID string) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM readings WHERE device_id = ?`, deviceID).Scan(&n))
	return n
}

func TestInsertReadingIfNew_SuppressesDuplicates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	var inserted []bool
	for i := 0; i < 5; i++ {
		err := store.InTx(ctx, func(tx Tx) error {
			if err := tx.EnsureDevice(ctx, "sensor-1"); err != nil {
				return err
			}
			ok, err := tx.InsertReadingIfNew(ctx, testReading("sensor-1", 42, ts))
			inserted = append(inserted, ok)
			return err
		})
		require.NoError(t, err)
	}

	assert.Equal(t, []bool{true, false, false, false, false}, inserted)
	assert.Equal(t, 1, countReadings(t, store, "sensor-1"))
}

func TestInsertReadingIfNew_DuplicateDoesNotUpdate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	first := testReading("sensor-1", 7, ts)
	second := testReading("sensor-1", 7, ts.Add(time.Minute))
	second.TemperatureC = ptr(99.0)

	for _, r := range []*db.Reading{first, second} {
		require.NoError(t, store.InTx(ctx, func(tx Tx) error {
			require.NoError(t, tx.EnsureDevice(ctx, r.DeviceID))
			_, err := tx.InsertReadingIfNew(ctx, r)
			return err
		}))
	}

	latest, err := store.LatestReading(ctx, "sensor-1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 21.5, *latest.TemperatureC)
	assert.True(t, latest.Ts.Equal(ts))
}

func TestEnsureDevice_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.InTx(ctx, func(tx Tx) error {
			return tx.EnsureDevice(ctx, "sensor-1")
		}))
	}
	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		return tx.EnsureDevice(ctx, "sensor-0")
	}))

	devices, err := store.ListDevices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []db.Device{{DeviceID: "sensor-0"}, {DeviceID: "sensor-1"}}, devices)
}

func TestUpsertGatewayPosition_LatestWins(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		return tx.UpsertGatewayPosition(ctx, "gw-1", ptr(10.0), ptr(-70.0), t0)
	}))
	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		return tx.UpsertGatewayPosition(ctx, "gw-1", ptr(11.5), ptr(-71.25), t0.Add(time.Hour))
	}))

	gateways, err := store.ListGateways(ctx, 0)
	require.NoError(t, err)
	require.Len(t, gateways, 1)
	assert.Equal(t, "gw-1", gateways[0].GatewayID)
	assert.Equal(t, 11.5, gateways[0].Lat)
	assert.Equal(t, -71.25, gateways[0].Lon)
	assert.True(t, gateways[0].UpdatedAt.Equal(t0.Add(time.Hour)))
}

func TestUpsertGatewayPosition_NoopWithoutPosition(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	now := time.Now()

	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		if err := tx.UpsertGatewayPosition(ctx, "", ptr(1.0), ptr(2.0), now); err != nil {
			return err
		}
		if err := tx.UpsertGatewayPosition(ctx, "gw-1", nil, ptr(2.0), now); err != nil {
			return err
		}
		return tx.UpsertGatewayPosition(ctx, "gw-1", ptr(1.0), nil, now)
	}))

	gateways, err := store.ListGateways(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, gateways)
}

func TestInTx_RollsBackWholeUnitOnError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	boom := errors.New("boom")

	err := store.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.EnsureDevice(ctx, "sensor-1"))
		require.NoError(t, tx.UpsertGatewayPosition(ctx, "gw-1", ptr(1.0), ptr(2.0), time.Now()))
		_, err := tx.InsertReadingIfNew(ctx, testReading("sensor-1", 1, time.Now()))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	devices, err := store.ListDevices(ctx)
	require.NoError(t, err)
	assert.Empty(t, devices)

	gateways, err := store.ListGateways(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, gateways)
	assert.Equal(t, 0, countReadings(t, store, "sensor-1"))
}

func TestInsertReadingIfNew_StorageFailureIsUnavailable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// no EnsureDevice: the foreign key rejects the insert
	err := store.InTx(ctx, func(tx Tx) error {
		_, err := tx.InsertReadingIfNew(ctx, testReading("ghost", 1, time.Now()))
		return err
	})
	assert.ErrorIs(t, err, ErrStorageUnavailable)
}

func TestListReadings_NewestFirstWithLimit(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.InTx(ctx, func(tx Tx) error {
		require.NoError(t, tx.EnsureDevice(ctx, "sensor-1"))
		require.NoError(t, tx.EnsureDevice(ctx, "sensor-2"))
		for i := int64(1); i <= 5; i++ {
			if _, err := tx.InsertReadingIfNew(ctx, testReading("sensor-1", i, base.Add(time.Duration(i)*time.Second))); err != nil {
				return err
			}
		}
		_, err := tx.InsertReadingIfNew(ctx, testReading("sensor-2", 1, base.Add(time.Hour)))
		return err
	}))

	readings, err := store.ListReadings(ctx, "sensor-1", 3)
	require.NoError(t, err)
	require.Len(t, readings, 3)
	assert.Equal(t, []int64{5, 4, 3}, []int64{readings[0].FCnt, readings[1].FCnt, readings[2].FCnt})

	latest, err := store.LatestReading(ctx, "sensor-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), latest.FCnt)
	assert.Equal(t, "gw-1", *latest.GatewayID)
	assert.Nil(t, latest.PressureBar)
}

func TestLatestReading_NoneReturnsNil(t *testing.T) {
	store := newTestStore(t)

	latest, err := store.LatestReading(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultReadingsLimit, ClampLimit(0))
	assert.Equal(t, DefaultReadingsLimit, ClampLimit(-3))
	assert.Equal(t, 50, ClampLimit(50))
	assert.Equal(t, MaxReadingsLimit, ClampLimit(5000))
}
