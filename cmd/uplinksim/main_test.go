package main

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/septivank/lorawan-telemetry-hub/internal/uplink"
)

func TestNewUplinkDecodes(t *testing.T) {
	body, err := json.Marshal(newUplink(1, 7))
	require.NoError(t, err)

	up, err := uplink.NewDecoder(time.Now).Decode(body)
	require.NoError(t, err)

	assert.Equal(t, "sim-sensor-1", up.Reading.DeviceID)
	assert.Equal(t, int64(7), up.Reading.FCnt)
	require.NotNil(t, up.Gateway)
	assert.Equal(t, "sim-gw-1", up.Gateway.GatewayID)
}
