package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/lancom-ble/internal/devreg"
	"github.com/nugget/lancom-ble/internal/mac"
)

// Domain is the integration domain our devices carry in Home
// Assistant's identifier pairs.
const Domain = "lancom_ble"

// registryUpdatedEvent is the HA event fired on any device registry
// mutation.
const registryUpdatedEvent = "device_registry_updated"

// Mirror copies Home Assistant device renames into the local device
// registry. When a user renames one of our access points in the HA UI,
// the resulting registry-updated event leads the Mirror to fetch the
// device and write its name_by_user into the local store. The local
// store's own update event then drives the scanner manager's
// alignment and re-registration path, exactly as a local rename would.
type Mirror struct {
	ws     *WSClient
	store  devreg.Store
	logger *slog.Logger
}

// NewMirror creates a Mirror. Call [Mirror.Subscribe] after the
// WebSocket is connected, then [Mirror.Run] in its own goroutine.
func NewMirror(ws *WSClient, store devreg.Store, logger *slog.Logger) *Mirror {
	return &Mirror{ws: ws, store: store, logger: logger}
}

// Subscribe registers for device registry events. The subscription is
// restored automatically on WebSocket reconnect.
func (m *Mirror) Subscribe(ctx context.Context) error {
	return m.ws.Subscribe(ctx, registryUpdatedEvent)
}

// Run consumes registry events until ctx is cancelled or the event
// channel closes.
func (m *Mirror) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.ws.Events():
			if !ok {
				return
			}
			m.handle(ctx, ev)
		}
	}
}

// handle processes one event. Anything that is not an identity
// preserving update of one of our devices is a silent no-op.
func (m *Mirror) handle(ctx context.Context, ev Event) {
	if ev.Type != registryUpdatedEvent {
		return
	}

	var data RegistryUpdatedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		m.logger.Debug("unparseable registry event", "error", err)
		return
	}
	if data.Action != "update" || data.DeviceID == "" {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	devices, err := m.ws.GetDeviceRegistry(fetchCtx)
	if err != nil {
		m.logger.Warn("device registry fetch failed", "error", err)
		return
	}

	for _, d := range devices {
		if d.ID != data.DeviceID {
			continue
		}
		m.mirrorDevice(d)
		return
	}
}

// mirrorDevice writes the HA-side user name into the local registry
// entry when it differs. Devices outside our domain are ignored.
func (m *Mirror) mirrorDevice(d Device) {
	ident := d.IdentifierFor(Domain)
	if ident == "" {
		return
	}
	macUpper, ok := mac.FromIdentifier(ident)
	if !ok {
		return
	}

	entry, err := m.store.GetByIdentifier(ident)
	if err != nil {
		if !errors.Is(err, devreg.ErrNotFound) {
			m.logger.Warn("local registry lookup failed", "identifier", ident, "error", err)
		}
		return
	}

	if entry.NameByUser == d.NameByUser {
		return
	}

	if _, err := m.store.Update(entry.ID, devreg.Changes{NameByUser: devreg.StringPtr(d.NameByUser)}); err != nil {
		m.logger.Warn("mirroring user name failed", "mac", macUpper, "error", err)
		return
	}
	m.logger.Info("mirrored user name from Home Assistant",
		"mac", macUpper, "name", d.NameByUser)
}
