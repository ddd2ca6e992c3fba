package mqtt

import (
	"github.com/nugget/lancom-ble/internal/devreg"
)

// DeviceInfo holds the Home Assistant device registry fields shared by
// all discovery payloads of one access point. The four sensors of an
// AP reference the same device block so HA groups them under a single
// device page.
type DeviceInfo struct {
	Identifiers  []string   `json:"identifiers"`
	Connections  [][]string `json:"connections,omitempty"`
	Name         string     `json:"name"`
	Manufacturer string     `json:"manufacturer"`
	Model        string     `json:"model"`
	SWVersion    string     `json:"sw_version"`
}

// SensorConfig is the JSON payload for an HA MQTT sensor discovery
// message. It is published (retained) to the discovery topic on every
// broker (re-)connect.
type SensorConfig struct {
	Name                string     `json:"name"`
	ObjectID            string     `json:"object_id,omitempty"`
	HasEntityName       bool       `json:"has_entity_name,omitempty"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	JSONAttributesTopic string     `json:"json_attributes_topic,omitempty"`
	AvailabilityTopic   string     `json:"availability_topic"`
	Device              DeviceInfo `json:"device"`
	Icon                string     `json:"icon,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
}

// NewAPDeviceInfo builds the device block for one access point from
// its registry entry. The registry identifier is the HA device
// identifier, and the entry's mac connection carries over so HA can
// merge with devices discovered through other integrations.
func NewAPDeviceInfo(e devreg.Entry) DeviceInfo {
	info := DeviceInfo{
		Identifiers:  []string{e.Identifier},
		Name:         e.Name,
		Manufacturer: e.Manufacturer,
		Model:        e.Model,
		SWVersion:    e.SWVersion,
	}
	if info.Manufacturer == "" {
		info.Manufacturer = devreg.Manufacturer
	}
	if info.Model == "" {
		info.Model = devreg.Model
	}
	if info.SWVersion == "" {
		info.SWVersion = devreg.SWVersion
	}
	for _, c := range e.Connections {
		info.Connections = append(info.Connections, []string{c.Kind, c.Value})
	}
	return info
}
