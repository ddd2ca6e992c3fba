// Package mqtt bridges the scanner fleet onto an MQTT broker. Each
// access point appears in Home Assistant as a native device with four
// telemetry sensors (published via MQTT discovery), and every
// advertisement that enters the discovery pipeline is forwarded to a
// per-pair topic for the platform's Bluetooth-over-MQTT ingestion.
//
// The bridge uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect it
// publishes retained discovery config payloads for each scanner's
// sensors and a birth message ("online") to the availability topic.
// A will message ensures the availability topic transitions to
// "offline" on unexpected disconnects.
package mqtt
