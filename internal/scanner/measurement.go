// Package scanner holds the per-access-point synthetic Bluetooth
// scanners and the manager that owns them. Each access point that
// reports over the webhook is modeled as one [Scanner] that replays
// the reported peer observations into the discovery pipeline and
// keeps its own display identity fresh with synthetic self
// advertisements.
package scanner

import (
	"math"
	"strconv"
	"strings"
)

// WebhookPayload is the JSON body a LANCOM access point posts to the
// webhook: the reporting AP's MAC plus a batch of peer observations.
type WebhookPayload struct {
	DeviceMac    string        `json:"deviceMac"`
	Measurements []Measurement `json:"measurements"`
}

// Measurement is one peer observation inside a webhook report. RSSI
// is left untyped because firmware versions disagree on whether it is
// an integer, a float, or numeric text; [CoerceRSSI] settles it.
type Measurement struct {
	DeviceAddress   string `json:"deviceAddress"`
	RSSI            any    `json:"rssi"`
	Name            string `json:"name"`
	AdvertisingData string `json:"advertisingData,omitempty"`
}

// CoerceRSSI converts a decoded JSON rssi value to an int. Integers
// pass through, floats are rounded, numeric text is parsed (integer
// first, then float); anything else yields def.
func CoerceRSSI(v any, def int) int {
	switch n := v.(type) {
	case nil:
		return def
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(math.Round(n))
	case string:
		t := strings.TrimSpace(n)
		if i, err := strconv.Atoi(t); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return int(math.Round(f))
		}
		return def
	default:
		return def
	}
}
