package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/lancom-ble/internal/config"
	"github.com/nugget/lancom-ble/internal/devreg"
	"github.com/nugget/lancom-ble/internal/discovery"
	"github.com/nugget/lancom-ble/internal/mac"
	"github.com/nugget/lancom-ble/internal/names"
	"github.com/nugget/lancom-ble/internal/scanner"
)

// Bridge owns the broker connection. It publishes retained discovery
// configs for every scanner's telemetry sensors, forwards each
// advertisement from the discovery pipeline to its per-pair topic, and
// runs a periodic loop pushing sensor states.
type Bridge struct {
	cfg        config.MQTTConfig
	instanceID string
	manager    *scanner.Manager
	hub        *discovery.Hub
	store      devreg.Store
	logger     *slog.Logger

	cm      *autopaho.ConnectionManager
	cancels []func()
}

// NewBridge creates a Bridge but does not connect. Call [Bridge.Start]
// to begin the connection and publish loop.
func NewBridge(cfg config.MQTTConfig, instanceID string, manager *scanner.Manager, hub *discovery.Hub, store devreg.Store, logger *slog.Logger) *Bridge {
	return &Bridge{
		cfg:        cfg,
		instanceID: instanceID,
		manager:    manager,
		hub:        hub,
		store:      store,
		logger:     logger,
	}
}

// Start connects to the broker and blocks until ctx is cancelled. On
// every (re-)connect it publishes discovery configs for all current
// scanners, their states, and a birth message.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := b.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.Broker)
			for _, s := range b.manager.Scanners() {
				b.publishScannerDiscovery(ctx, cm, s)
			}
			b.publishAvailability(ctx, cm, "online")
			b.publishStates(ctx)
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "lancom-ble-" + b.instanceID,
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	// Every advertisement the pipeline carries goes out to the broker,
	// and scanners added at runtime get their discovery configs right
	// away instead of waiting for the next reconnect.
	cancelAdvert := b.hub.OnAdvertisement(func(adv discovery.Advertisement) {
		b.publishAdvert(ctx, adv)
	})
	cancelCreated := b.manager.OnScannerCreated(func(s *scanner.Scanner) {
		b.publishScannerDiscovery(ctx, cm, s)
		b.publishScannerStates(ctx, s)
	})
	b.cancels = append(b.cancels, cancelAdvert, cancelCreated)

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// Log but don't fail — autopaho will keep retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	b.runLoop(ctx)
	return nil
}

// Stop detaches from the pipeline, publishes an "offline" availability
// message, and closes the connection. The provided context controls
// how long to wait for the publish and disconnect to complete.
func (b *Bridge) Stop(ctx context.Context) error {
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil

	if b.cm == nil {
		return nil
	}
	b.publishAvailability(ctx, b.cm, "offline")
	return b.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is established or
// ctx expires.
func (b *Bridge) AwaitConnection(ctx context.Context) error {
	if b.cm == nil {
		return fmt.Errorf("mqtt bridge not started")
	}
	return b.cm.AwaitConnection(ctx)
}

// RemoveScanner retracts the retained discovery configs for an access
// point that was removed from the fleet, so HA drops its sensors.
func (b *Bridge) RemoveScanner(ctx context.Context, macUpper string) {
	if b.cm == nil {
		return
	}
	ident := mac.IdentifierFor(macUpper)
	for _, def := range sensorDefinitions() {
		// Empty retained payloads clear both the discovery config and
		// the retained attributes.
		for _, topic := range []string{
			b.discoveryTopic(ident, def.suffix),
			b.attributesTopic(ident, def.suffix),
		} {
			if _, err := b.cm.Publish(ctx, &paho.Publish{
				Topic:   topic,
				Payload: []byte{},
				QoS:     1,
				Retain:  true,
			}); err != nil {
				b.logger.Warn("mqtt discovery removal failed",
					"topic", topic, "error", err)
			}
		}
	}
}

// --- Topic helpers ---

func (b *Bridge) baseTopic() string {
	return b.cfg.TopicPrefix + "/" + b.instanceID
}

func (b *Bridge) availabilityTopic() string {
	return b.baseTopic() + "/status"
}

func (b *Bridge) stateTopic(identifier, suffix string) string {
	return b.baseTopic() + "/" + identifier + "/" + suffix + "/state"
}

func (b *Bridge) attributesTopic(identifier, suffix string) string {
	return b.baseTopic() + "/" + identifier + "/" + suffix + "/attributes"
}

func (b *Bridge) advertTopic(adv discovery.Advertisement) string {
	return b.baseTopic() + "/advert/" + topicMAC(adv.Scanner) + "/" + topicMAC(adv.Address)
}

func (b *Bridge) discoveryTopic(identifier, suffix string) string {
	return b.cfg.DiscoveryPrefix + "/sensor/" + b.instanceID + "/" + identifier + "_" + suffix + "/config"
}

// topicMAC renders a MAC as a topic segment: lowercase, separators
// stripped.
func topicMAC(m string) string {
	return strings.ToLower(strings.ReplaceAll(m, ":", ""))
}

// --- Discovery ---

// sensorDef describes one of the four telemetry sensors every access
// point carries.
type sensorDef struct {
	suffix     string
	name       string
	icon       string
	stateClass string
	unit       string
	scope      string
	value      func(*scanner.Scanner) string
}

func sensorDefinitions() []sensorDef {
	return []sensorDef{
		{
			suffix:     "packets_today",
			name:       "Pakete heute",
			icon:       "mdi:counter",
			stateClass: "total_increasing",
			unit:       "packets",
			scope:      "today",
			value: func(s *scanner.Scanner) string {
				return strconv.Itoa(s.PacketsToday())
			},
		},
		{
			suffix:     "packets_last_minute",
			name:       "Pakete letzte Minute",
			icon:       "mdi:bluetooth-audio",
			stateClass: "measurement",
			unit:       "packets",
			scope:      "last_minute",
			value: func(s *scanner.Scanner) string {
				return strconv.Itoa(s.PacketsLastMinute())
			},
		},
		{
			suffix:     "packets_last_hour",
			name:       "Pakete letzte Stunde",
			icon:       "mdi:bluetooth-audio",
			stateClass: "measurement",
			unit:       "packets",
			scope:      "last_hour",
			value: func(s *scanner.Scanner) string {
				return strconv.Itoa(s.PacketsLastHour())
			},
		},
		{
			suffix:     "packets_per_minute",
			name:       "Pakete pro Minute",
			icon:       "mdi:speedometer",
			stateClass: "measurement",
			unit:       "packets/minute",
			scope:      "per_minute",
			value: func(s *scanner.Scanner) string {
				return strconv.FormatFloat(s.PacketsPerMinute(), 'f', -1, 64)
			},
		},
	}
}

// deviceInfoFor builds the device block for an AP from its registry
// entry. When the entry is missing (removed mid-flight) a synthetic
// block with the default name keeps the publish going.
func (b *Bridge) deviceInfoFor(macUpper, ident string) DeviceInfo {
	entry, err := b.store.GetByIdentifier(ident)
	if err != nil {
		if !errors.Is(err, devreg.ErrNotFound) {
			b.logger.Warn("registry lookup for device block failed",
				"identifier", ident, "error", err)
		}
		kind, value := mac.ConnectionKey(macUpper)
		return DeviceInfo{
			Identifiers:  []string{ident},
			Connections:  [][]string{{kind, value}},
			Name:         names.DefaultName(macUpper),
			Manufacturer: devreg.Manufacturer,
			Model:        devreg.Model,
			SWVersion:    devreg.SWVersion,
		}
	}
	return NewAPDeviceInfo(entry)
}

func (b *Bridge) publishScannerDiscovery(ctx context.Context, cm *autopaho.ConnectionManager, s *scanner.Scanner) {
	ident := mac.IdentifierFor(s.MAC)
	device := b.deviceInfoFor(s.MAC, ident)
	avail := b.availabilityTopic()

	for _, def := range sensorDefinitions() {
		cfg := SensorConfig{
			Name:                def.name,
			UniqueID:            b.instanceID + "_" + ident + "_" + def.suffix,
			StateTopic:          b.stateTopic(ident, def.suffix),
			JSONAttributesTopic: b.attributesTopic(ident, def.suffix),
			AvailabilityTopic:   avail,
			Device:              device,
			Icon:                def.icon,
			UnitOfMeasurement:   def.unit,
			StateClass:          def.stateClass,
		}

		topic := b.discoveryTopic(ident, def.suffix)
		payload, err := json.Marshal(cfg)
		if err != nil {
			b.logger.Error("mqtt marshal discovery payload",
				"entity", def.suffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			b.logger.Warn("mqtt discovery publish failed",
				"entity", def.suffix, "topic", topic, "error", err)
		} else {
			b.logger.Debug("mqtt discovery published",
				"entity", def.suffix, "topic", topic)
		}

		b.publishSensorAttributes(ctx, cm, s, def)
	}
}

// publishSensorAttributes publishes the static attribute payload for
// one sensor, retained. The attributes identify the AP and the counting
// window for automations that read the sensor generically.
func (b *Bridge) publishSensorAttributes(ctx context.Context, cm *autopaho.ConnectionManager, s *scanner.Scanner, def sensorDef) {
	ident := mac.IdentifierFor(s.MAC)
	payload, err := json.Marshal(map[string]string{
		"ap_mac": s.MAC,
		"scope":  def.scope,
	})
	if err != nil {
		b.logger.Error("mqtt marshal attributes payload",
			"entity", def.suffix, "error", err)
		return
	}

	topic := b.attributesTopic(ident, def.suffix)
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt attributes publish failed",
			"entity", def.suffix, "topic", topic, "error", err)
	}
}

func (b *Bridge) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   b.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		b.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Advertisement forwarding ---

// publishAdvert forwards one advertisement, best effort. Errors never
// reach the scanner that produced it.
func (b *Bridge) publishAdvert(ctx context.Context, adv discovery.Advertisement) {
	if b.cm == nil {
		return
	}

	payload, err := json.Marshal(adv)
	if err != nil {
		b.logger.Error("mqtt marshal advert", "error", err)
		return
	}

	topic := b.advertTopic(adv)
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
	}); err != nil {
		b.logger.Debug("mqtt advert publish failed",
			"topic", topic, "error", err)
	}
}

// --- Periodic state loop ---

func (b *Bridge) runLoop(ctx context.Context) {
	interval := time.Duration(b.cfg.PublishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publishStates(ctx)
		}
	}
}

func (b *Bridge) publishStates(ctx context.Context) {
	if b.cm == nil {
		return
	}

	scanners := b.manager.Scanners()
	for _, s := range scanners {
		b.publishScannerStates(ctx, s)
	}

	b.logger.Debug("mqtt sensor states published", "scanners", len(scanners))
}

func (b *Bridge) publishScannerStates(ctx context.Context, s *scanner.Scanner) {
	if b.cm == nil {
		return
	}

	ident := mac.IdentifierFor(s.MAC)
	for _, def := range sensorDefinitions() {
		if _, err := b.cm.Publish(ctx, &paho.Publish{
			Topic:   b.stateTopic(ident, def.suffix),
			Payload: []byte(def.value(s)),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			b.logger.Debug("mqtt state publish failed",
				"entity", def.suffix, "scanner", s.MAC, "error", err)
		}
	}
}
