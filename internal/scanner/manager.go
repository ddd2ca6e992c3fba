package scanner

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/lancom-ble/internal/devreg"
	"github.com/nugget/lancom-ble/internal/discovery"
	"github.com/nugget/lancom-ble/internal/mac"
)

// Manager owns the scanners, one per access point MAC. Creating a
// scanner also creates (or refreshes) the AP's registry entry and
// registers the scanner with the discovery pipeline; the cancel
// handles are kept for removal and re-registration.
type Manager struct {
	logger    *slog.Logger
	registry  *devreg.Adapter
	pipeline  discovery.Pipeline
	scheduler discovery.Scheduler

	mu        sync.Mutex
	now       func() time.Time
	scanners  map[string]*Scanner
	cancels   map[string]func()
	nextID    int
	listeners map[int]func(*Scanner)
}

func NewManager(registry *devreg.Adapter, pipeline discovery.Pipeline, scheduler discovery.Scheduler, logger *slog.Logger) *Manager {
	return &Manager{
		logger:    logger,
		registry:  registry,
		pipeline:  pipeline,
		scheduler: scheduler,
		now:       time.Now,
		scanners:  make(map[string]*Scanner),
		cancels:   make(map[string]func()),
		listeners: make(map[int]func(*Scanner)),
	}
}

// SetClock replaces the time source handed to subsequently created
// scanners. The daily packet counter rolls over on this clock's
// calendar date, so a configured timezone pins rollover to local
// midnight there. Existing scanners keep their clock.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manager) newScanner(macUpper string) *Scanner {
	s := New(macUpper, m.registry, m.pipeline, m.scheduler, m.logger)
	m.mu.Lock()
	s.setClock(m.now)
	m.mu.Unlock()
	return s
}

// EnsureInitial eagerly creates scanners for the configured AP list.
func (m *Manager) EnsureInitial(macs []string) {
	for _, raw := range macs {
		if _, err := m.GetOrCreate(raw, true); err != nil {
			m.logger.Error("initial scanner setup failed", "mac", raw, "error", err)
		}
	}
}

// GetOrCreate returns the scanner for the AP, creating and registering
// it on first reference. With injectSelf the scanner fires a self
// advertisement either way. Safe to call repeatedly with the same MAC.
func (m *Manager) GetOrCreate(rawMAC string, injectSelf bool) (*Scanner, error) {
	macUpper := mac.Normalize(rawMAC)

	m.mu.Lock()
	if s, ok := m.scanners[macUpper]; ok {
		m.mu.Unlock()
		if injectSelf {
			s.InjectSelfAdvertisement()
		}
		return s, nil
	}
	m.mu.Unlock()

	// Registry entry first, then the scanner.
	if _, err := m.registry.RegisterOrUpdate(macUpper); err != nil {
		return nil, fmt.Errorf("register device %s: %w", macUpper, err)
	}
	m.registry.EnsureDefaultName(macUpper)

	s := m.newScanner(macUpper)
	s.computeBaseName()

	m.mu.Lock()
	if existing, ok := m.scanners[macUpper]; ok {
		// Another caller won the race.
		m.mu.Unlock()
		if injectSelf {
			existing.InjectSelfAdvertisement()
		}
		return existing, nil
	}
	cancel, err := m.pipeline.Register(discovery.Source{MAC: macUpper, Name: s.Name()})
	if err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("register scanner %s: %w", macUpper, err)
	}
	m.scanners[macUpper] = s
	m.cancels[macUpper] = cancel
	listeners := m.listenersLocked()
	m.mu.Unlock()

	m.logger.Info("scanner registered", "source", macUpper)
	for _, fn := range listeners {
		fn(s)
	}
	if injectSelf {
		s.InjectSelfAdvertisement()
	}
	return s, nil
}

// InjectWebhook routes one webhook report to its AP's scanner. A
// payload without deviceMac is logged and dropped; scanner creation
// failures are logged and dropped as well.
func (m *Manager) InjectWebhook(p WebhookPayload) {
	if p.DeviceMac == "" {
		m.logger.Debug("webhook payload without deviceMac ignored")
		return
	}
	s, err := m.GetOrCreate(p.DeviceMac, true)
	if err != nil {
		m.logger.Error("scanner setup from webhook failed", "mac", p.DeviceMac, "error", err)
		return
	}
	s.IngestMeasurements(p.Measurements)
}

// Remove deregisters and discards the scanner for the MAC. A MAC with
// no scanner is fine.
func (m *Manager) Remove(rawMAC string) {
	macUpper := mac.Normalize(rawMAC)

	m.mu.Lock()
	cancel := m.cancels[macUpper]
	delete(m.cancels, macUpper)
	s := m.scanners[macUpper]
	delete(m.scanners, macUpper)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s != nil {
		s.Stop()
	}
	m.logger.Info("scanner removed", "source", macUpper)
}

// Unload drops every scanner, cancels every pipeline registration,
// and clears the listener subscriptions.
func (m *Manager) Unload() {
	m.mu.Lock()
	scanners := m.scanners
	cancels := m.cancels
	m.scanners = make(map[string]*Scanner)
	m.cancels = make(map[string]func())
	m.listeners = make(map[int]func(*Scanner))
	m.mu.Unlock()

	for macUpper, cancel := range cancels {
		cancel()
		m.logger.Debug("scanner unloaded", "source", macUpper)
	}
	for _, s := range scanners {
		s.Stop()
	}
}

// ReRegister tears down the scanner for the MAC (tolerating absence)
// and registers a fresh one, firing an immediate self advertisement.
// Hosts that snapshot display identity at registration time pick up a
// rename only through this path.
func (m *Manager) ReRegister(rawMAC string) (*Scanner, error) {
	macUpper := mac.Normalize(rawMAC)

	m.mu.Lock()
	cancel := m.cancels[macUpper]
	delete(m.cancels, macUpper)
	old := m.scanners[macUpper]
	delete(m.scanners, macUpper)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if old != nil {
		old.Stop()
	}

	s := m.newScanner(macUpper)
	s.computeBaseName()

	newCancel, err := m.pipeline.Register(discovery.Source{MAC: macUpper, Name: s.Name()})
	if err != nil {
		return nil, fmt.Errorf("register scanner %s: %w", macUpper, err)
	}

	m.mu.Lock()
	m.scanners[macUpper] = s
	m.cancels[macUpper] = newCancel
	m.mu.Unlock()

	m.logger.Debug("scanner re-registered after name change", "source", macUpper)
	s.InjectSelfAdvertisement()
	return s, nil
}

// HandleRegistryUpdate reacts to registry events: for an update on an
// entry this bridge owns, it aligns the persistent name with the user
// name; an actual change triggers a full re-registration, otherwise an
// existing scanner just re-injects its name.
func (m *Manager) HandleRegistryUpdate(ev devreg.Event) {
	if ev.Action != devreg.ActionUpdate {
		return
	}
	macUpper, ok := mac.FromIdentifier(ev.Entry.Identifier)
	if !ok {
		return
	}

	if m.registry.AlignPersistentName(macUpper) {
		m.logger.Debug("display name aligned, re-registering scanner", "source", macUpper)
		if _, err := m.ReRegister(macUpper); err != nil {
			m.logger.Error("scanner re-registration failed", "source", macUpper, "error", err)
		}
		return
	}

	m.mu.Lock()
	s := m.scanners[macUpper]
	m.mu.Unlock()
	if s != nil {
		m.logger.Debug("device name changed, reinjecting self advertisement", "source", macUpper)
		s.ReinjectName()
	}
}

// OnScannerCreated registers fn to run for every newly created
// scanner and returns its cancel. Re-registrations do not count as
// new scanners.
func (m *Manager) OnScannerCreated(fn func(*Scanner)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Scanner returns the scanner for the MAC, if any.
func (m *Manager) Scanner(rawMAC string) (*Scanner, bool) {
	macUpper := mac.Normalize(rawMAC)
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scanners[macUpper]
	return s, ok
}

// Scanners returns a snapshot of all scanners sorted by MAC.
func (m *Manager) Scanners() []*Scanner {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Scanner, 0, len(m.scanners))
	for _, s := range m.scanners {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MAC < out[j].MAC })
	return out
}

func (m *Manager) listenersLocked() []func(*Scanner) {
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(*Scanner), 0, len(ids))
	for _, id := range ids {
		out = append(out, m.listeners[id])
	}
	return out
}
