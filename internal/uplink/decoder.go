// Package uplink turns network server webhook bodies into readings.
package uplink

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/septivank/lorawan-telemetry-hub/internal/db"
	"github.com/septivank/lorawan-telemetry-hub/tools/timeparser"
)

// ErrMalformedEvent is returned for bodies that cannot be stored safely
var ErrMalformedEvent = errors.New("malformed uplink event")

// GatewayPosition is the reporting gateway's location, present only when
// the gateway id and both coordinates were received.
type GatewayPosition struct {
	GatewayID string
	Lat       float64
	Lon       float64
}

// Uplink is the normalised form of one webhook call
type Uplink struct {
	Reading db.Reading
	Gateway *GatewayPosition
}

type envelope struct {
	EndDeviceIDs struct {
		DeviceID string `mapstructure:"device_id"`
	} `mapstructure:"end_device_ids"`
	UplinkMessage map[string]interface{} `mapstructure:"uplink_message"`
}

type uplinkMessage struct {
	FCnt           interface{}            `mapstructure:"f_cnt"`
	ReceivedAt     string                 `mapstructure:"received_at"`
	DecodedPayload map[string]interface{} `mapstructure:"decoded_payload"`
	RxMetadata     []rxMetadata           `mapstructure:"rx_metadata"`
}

// rxMetadata keeps radio values untyped: a bad one is dropped, not fatal.
type rxMetadata struct {
	RSSI       interface{} `mapstructure:"rssi"`
	SNR        interface{} `mapstructure:"snr"`
	GatewayIDs struct {
		GatewayID string `mapstructure:"gateway_id"`
	} `mapstructure:"gateway_ids"`
	Location interface{} `mapstructure:"location"`
}

// maxFCnt is 2^63, the first float64 outside int64
const maxFCnt = float64(math.MaxInt64)

// Decoder validates and normalises uplink webhook bodies
type Decoder struct {
	now func() time.Time
}

// NewDecoder creates a decoder. now supplies the receipt time for uplinks
// that carry no received_at; nil means time.Now.
func NewDecoder(now func() time.Time) *Decoder {
	if now == nil {
		now = time.Now
	}
	return &Decoder{now: now}
}

// Decode parses body. It has no side effects.
func (d *Decoder) Decode(body []byte) (*Uplink, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrMalformedEvent, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: body is not an object", ErrMalformedEvent)
	}

	var env envelope
	if err := decodeInto(doc, &env); err != nil {
		return nil, err
	}
	if env.EndDeviceIDs.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing end_device_ids.device_id", ErrMalformedEvent)
	}
	if len(env.UplinkMessage) == 0 {
		return nil, fmt.Errorf("%w: missing uplink_message", ErrMalformedEvent)
	}

	var msg uplinkMessage
	if err := decodeInto(env.UplinkMessage, &msg); err != nil {
		return nil, err
	}
	fCnt, err := frameCounter(msg.FCnt)
	if err != nil {
		return nil, err
	}

	reading := db.Reading{
		DeviceID:     env.EndDeviceIDs.DeviceID,
		FCnt:         fCnt,
		TemperatureC: number(msg.DecodedPayload, "temperature_c"),
		PressureBar:  number(msg.DecodedPayload, "pressure_bar"),
	}
	if msg.ReceivedAt != "" {
		ts, err := timeparser.ParseReceivedAt(msg.ReceivedAt)
		if err != nil {
			return nil, fmt.Errorf("%w: received_at: %v", ErrMalformedEvent, err)
		}
		reading.Ts = ts
	} else {
		reading.Ts = d.now().UTC()
	}

	up := &Uplink{}

	// Only the first reception is attributed, even when several gateways
	// heard the same uplink.
	if len(msg.RxMetadata) > 0 {
		meta := msg.RxMetadata[0]
		reading.RSSI = numberValue(meta.RSSI)
		reading.SNR = numberValue(meta.SNR)
		if gw := meta.GatewayIDs.GatewayID; gw != "" {
			reading.GatewayID = &gw
			loc, _ := meta.Location.(map[string]interface{})
			lat, lon := number(loc, "latitude"), number(loc, "longitude")
			if lat != nil && lon != nil {
				up.Gateway = &GatewayPosition{
					GatewayID: gw,
					Lat:       *lat,
					Lon:       *lon,
				}
			}
		}
	}

	up.Reading = reading
	return up, nil
}

func decodeInto(input interface{}, out interface{}) error {
	if err := mapstructure.Decode(input, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// frameCounter accepts only a non-negative integral JSON number that fits
// in int64. f_cnt is the dedup key, so it is never rounded.
func frameCounter(v interface{}) (int64, error) {
	if v == nil {
		return 0, fmt.Errorf("%w: missing uplink_message.f_cnt", ErrMalformedEvent)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%w: f_cnt is %T, not a number", ErrMalformedEvent, v)
	}
	if f < 0 {
		return 0, fmt.Errorf("%w: negative f_cnt %v", ErrMalformedEvent, f)
	}
	if math.Trunc(f) != f || f >= maxFCnt {
		return 0, fmt.Errorf("%w: f_cnt %v is not a valid frame counter", ErrMalformedEvent, f)
	}
	return int64(f), nil
}

// number returns m[key] when it is a JSON number. Anything else is null:
// sensor value ranges are the firmware's business.
func number(m map[string]interface{}, key string) *float64 {
	return numberValue(m[key])
}

func numberValue(v interface{}) *float64 {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	return &f
}
