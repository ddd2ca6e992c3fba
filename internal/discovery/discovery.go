// Package discovery models the host side of passive Bluetooth
// discovery: scanners register themselves with a pipeline and push
// advertisements into it, and downstream consumers (the MQTT bridge,
// the HTTP API) subscribe to the resulting stream. The in-process
// implementation is [Hub].
package discovery

import "time"

// Kind classifies an advertisement by how it was produced.
type Kind string

const (
	// KindPeer is a real peer observation relayed by an access point.
	KindPeer Kind = "peer"
	// KindSelf is the synthetic advertisement an access point injects
	// under its own MAC to keep its display name fresh.
	KindSelf Kind = "self"
	// KindRename is a self advertisement fired after a name change.
	KindRename Kind = "rename"
	// KindRefresh is a delayed self advertisement from the refresh
	// timer.
	KindRefresh Kind = "refresh"
)

// RSSI values for the synthetic self advertisements.
const (
	RSSISelf    = -55
	RSSIRename  = -54
	RSSIRefresh = -58
)

// DefaultRSSI replaces missing or unusable signal strength readings.
// -127 is the sentinel some firmware versions report for "no reading"
// and is mapped to DefaultRSSI as well.
const (
	DefaultRSSI  = -70
	SentinelRSSI = -127
)

// Advertisement is one observed or synthesized BLE advertisement.
type Advertisement struct {
	// Address is the canonical MAC of the advertising peer.
	Address string `json:"address"`
	// Name is the local name carried by the advertisement.
	Name string `json:"name"`
	// RSSI is the received signal strength in dBm.
	RSSI int `json:"rssi"`
	// Kind tells peer observations and the synthetic self
	// advertisements apart.
	Kind Kind `json:"kind"`
	// Scanner is the canonical MAC of the access point that produced
	// the advertisement.
	Scanner string `json:"scanner"`
	// Time is when the advertisement entered the pipeline.
	Time time.Time `json:"ts"`
}

// Source describes a scanner to the pipeline.
type Source struct {
	// MAC is the access point's canonical MAC.
	MAC string `json:"mac"`
	// Name is the display name the scanner was registered under.
	Name string `json:"name"`
}

// Pipeline is the discovery capability scanners depend on. Register
// announces a scanner and returns a handle that withdraws the
// registration; Advertise pushes one advertisement downstream.
type Pipeline interface {
	Register(src Source) (cancel func(), err error)
	Advertise(adv Advertisement) error
}
