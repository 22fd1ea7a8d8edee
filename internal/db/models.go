package db

import (
	"time"
)

// Device represents a field sensor known to the system
type Device struct {
	DeviceID string `json:"device_id"`
}

// Gateway represents the last reported position of a LoRaWAN gateway
type Gateway struct {
	GatewayID string    `json:"gateway_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Reading represents one uplink, unique per (DeviceID, FCnt)
type Reading struct {
	DeviceID     string    `json:"device_id"`
	FCnt         int64     `json:"f_cnt"`
	Ts           time.Time `json:"ts"`
	TemperatureC *float64  `json:"temperature_c"`
	PressureBar  *float64  `json:"pressure_bar"`
	RSSI         *float64  `json:"rssi"`
	SNR          *float64  `json:"snr"`
	GatewayID    *string   `json:"gateway_id"`
}
