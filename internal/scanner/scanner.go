package scanner

import (
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nugget/lancom-ble/internal/devreg"
	"github.com/nugget/lancom-ble/internal/discovery"
	"github.com/nugget/lancom-ble/internal/mac"
	"github.com/nugget/lancom-ble/internal/names"
)

// refreshDelay is how long after a self advertisement the delayed
// refresh fires.
const refreshDelay = 5 * time.Second

// NeverSeen is the TimeSinceLastDetection result for a scanner that
// has not received anything yet.
const NeverSeen = 9999.0

// packetWindow bounds the packet timestamp history.
const packetWindow = 24 * time.Hour

// Scanner is the synthetic Bluetooth scanner for one access point.
// It records packet statistics, remembers the latest advertisement
// per peer, and injects everything it sees into the discovery
// pipeline under its own source MAC.
type Scanner struct {
	// MAC is the access point's canonical MAC.
	MAC string

	logger    *slog.Logger
	registry  *devreg.Adapter
	pipeline  discovery.Pipeline
	scheduler discovery.Scheduler
	nowFunc   func() time.Time // injectable; defaults to time.Now, may carry a configured zone

	mu             sync.Mutex
	baseName       string
	lastAdverts    map[string]discovery.Advertisement
	lastSeen       map[string]time.Time
	lastDetection  time.Time
	selfAdvertised bool
	stopped        bool
	cancelRefresh  func()
	refreshGen     int
	packetTimes    []time.Time
	packetsToday   int
	todayDate      string
}

// New creates a scanner for the AP with the given canonical MAC. The
// registry supplies its display identity, the pipeline receives its
// advertisements, and the scheduler arms its refresh timer.
func New(macUpper string, registry *devreg.Adapter, pipeline discovery.Pipeline, scheduler discovery.Scheduler, logger *slog.Logger) *Scanner {
	return &Scanner{
		MAC:         macUpper,
		logger:      logger,
		registry:    registry,
		pipeline:    pipeline,
		scheduler:   scheduler,
		nowFunc:     time.Now,
		baseName:    names.BaseLabel,
		lastAdverts: make(map[string]discovery.Advertisement),
		lastSeen:    make(map[string]time.Time),
		todayDate:   time.Now().Format("2006-01-02"),
	}
}

// setClock replaces the scanner's time source. Only safe before the
// scanner is shared; the Manager calls it during construction.
func (s *Scanner) setClock(now func() time.Time) {
	s.nowFunc = now
	s.todayDate = now().Format("2006-01-02")
}

// Address returns the scanner's MAC in lowercase.
func (s *Scanner) Address() string {
	return strings.ToLower(s.MAC)
}

// Name returns the current MAC-free display name.
func (s *Scanner) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseName
}

// SelfAdvertised reports whether the scanner has sent its first self
// advertisement.
func (s *Scanner) SelfAdvertised() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfAdvertised
}

// PacketsToday returns the day counter. The counter only rolls over
// when a packet arrives on the new day, so a silent AP keeps
// yesterday's total until the next report.
func (s *Scanner) PacketsToday() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packetsToday
}

// PacketsLastMinute counts packets in the trailing 60 seconds.
func (s *Scanner) PacketsLastMinute() int {
	return s.packetsWithin(time.Minute)
}

// PacketsLastHour counts packets in the trailing hour.
func (s *Scanner) PacketsLastHour() int {
	return s.packetsWithin(time.Hour)
}

// PacketsPerMinute is the estimated per-minute rate. The window is
// exactly 60 seconds, so the rate equals the trailing-minute count.
func (s *Scanner) PacketsPerMinute() float64 {
	return float64(s.packetsWithin(time.Minute))
}

func (s *Scanner) packetsWithin(window time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.nowFunc().Add(-window)
	count := 0
	for i := len(s.packetTimes) - 1; i >= 0; i-- {
		if s.packetTimes[i].Before(cutoff) {
			break
		}
		count++
	}
	return count
}

// TimeSinceLastDetection returns seconds since the scanner last saw
// anything, or NeverSeen when it never has.
func (s *Scanner) TimeSinceLastDetection() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastDetection.IsZero() {
		return NeverSeen
	}
	d := s.nowFunc().Sub(s.lastDetection).Seconds()
	if d < 0 {
		return 0
	}
	return d
}

// DiscoveredDevices returns the latest advertisement per peer, sorted
// by address.
func (s *Scanner) DiscoveredDevices() []discovery.Advertisement {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]discovery.Advertisement, 0, len(s.lastAdverts))
	for _, adv := range s.lastAdverts {
		out = append(out, adv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// LastSeen returns when the given peer was last observed.
func (s *Scanner) LastSeen(addr string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastSeen[addr]
	return t, ok
}

// RecordPacket counts one received packet: the day counter rolls over
// when the local calendar date changed, the timestamp joins the
// rolling window, and entries older than 24h are pruned.
func (s *Scanner) RecordPacket() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordPacketLocked()
}

func (s *Scanner) recordPacketLocked() {
	s.rollTodayLocked()

	now := s.nowFunc()
	s.packetTimes = append(s.packetTimes, now)
	s.packetsToday++

	cutoff := now.Add(-packetWindow)
	drop := 0
	for drop < len(s.packetTimes) && s.packetTimes[drop].Before(cutoff) {
		drop++
	}
	if drop > 0 {
		s.packetTimes = append(s.packetTimes[:0], s.packetTimes[drop:]...)
	}
}

func (s *Scanner) rollTodayLocked() {
	today := s.nowFunc().Format("2006-01-02")
	if today != s.todayDate {
		s.logger.Debug("new day detected, packet counter reset",
			"source", s.MAC, "previous_date", s.todayDate, "previous_count", s.packetsToday)
		s.todayDate = today
		s.packetsToday = 0
	}
}

// IngestMeasurements replays a webhook measurement batch: each record
// with a peer address is normalized, coerced, counted, and injected.
// Records without an address are skipped; a bad advertisingData hex
// string is logged and does not stop the batch.
func (s *Scanner) IngestMeasurements(measurements []Measurement) {
	for _, m := range measurements {
		if m.DeviceAddress == "" {
			continue
		}
		peer := mac.Normalize(m.DeviceAddress)
		rssi := CoerceRSSI(m.RSSI, discovery.DefaultRSSI)
		if rssi == discovery.SentinelRSSI {
			rssi = discovery.DefaultRSSI
		}
		name := m.Name
		if name == "" {
			name = peer
		}
		if m.AdvertisingData != "" {
			if _, err := hex.DecodeString(m.AdvertisingData); err != nil {
				s.logger.Debug("invalid advertisingData",
					"data", m.AdvertisingData, "address", peer)
			}
		}
		s.RecordPacket()
		s.inject(peer, name, rssi, discovery.KindPeer)
	}
}

// InjectSelfAdvertisement sends the synthetic advertisement that
// keeps the AP's own display name fresh, re-applies the registry
// default-name invariant, and arms the delayed refresh.
func (s *Scanner) InjectSelfAdvertisement() {
	base := s.computeBaseName()
	s.registry.EnsureDefaultName(s.MAC)
	s.inject(s.MAC, base, discovery.RSSISelf, discovery.KindSelf)

	s.mu.Lock()
	s.selfAdvertised = true
	s.mu.Unlock()

	s.logger.Debug("self advertisement sent", "base", base, "source", s.MAC)
	s.scheduleDelayedRefresh()
}

// ReinjectName re-sends the self advertisement after a name change,
// without touching the registry.
func (s *Scanner) ReinjectName() {
	base := s.computeBaseName()
	s.inject(s.MAC, base, discovery.RSSIRename, discovery.KindRename)
	s.logger.Debug("rename advertisement sent", "base", base, "source", s.MAC)
	s.scheduleDelayedRefresh()
}

// Stop cancels the refresh cycle. A stopped scanner never arms its
// timer again.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	s.refreshGen++
	if s.cancelRefresh != nil {
		s.cancelRefresh()
		s.cancelRefresh = nil
	}
}

// scheduleDelayedRefresh arms the refresh timer, cancelling any
// pending one first. At most one timer is pending per scanner.
func (s *Scanner) scheduleDelayedRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.cancelRefresh != nil {
		s.cancelRefresh()
		s.cancelRefresh = nil
	}
	s.refreshGen++
	gen := s.refreshGen
	s.cancelRefresh = s.scheduler.After(refreshDelay, func() { s.refresh(gen) })
}

func (s *Scanner) refresh(gen int) {
	s.mu.Lock()
	// A callback from a replaced or stopped timer aborts here.
	if gen != s.refreshGen || s.stopped {
		s.mu.Unlock()
		return
	}
	s.cancelRefresh = nil
	s.mu.Unlock()

	base := s.computeBaseName()
	s.inject(s.MAC, base, discovery.RSSIRefresh, discovery.KindRefresh)
	s.logger.Debug("refresh advertisement sent", "base", base, "source", s.MAC)
	s.scheduleDelayedRefresh()
}

func (s *Scanner) computeBaseName() string {
	base := s.registry.BaseName(s.MAC)
	s.mu.Lock()
	s.baseName = base
	s.mu.Unlock()
	return base
}

// inject stamps the peer, stores the advertisement, and hands it to
// the pipeline. Pipeline failures are logged and swallowed.
func (s *Scanner) inject(addr, name string, rssi int, kind discovery.Kind) {
	adv := discovery.Advertisement{
		Address: addr,
		Name:    name,
		RSSI:    rssi,
		Kind:    kind,
		Scanner: s.MAC,
		Time:    s.nowFunc(),
	}

	s.mu.Lock()
	s.lastSeen[addr] = adv.Time
	s.lastDetection = adv.Time
	s.lastAdverts[addr] = adv
	s.mu.Unlock()

	if err := s.pipeline.Advertise(adv); err != nil {
		s.logger.Error("advertisement injection failed", "address", addr, "error", err)
		return
	}
	s.logger.Debug("injected advertisement",
		"name", name, "address", addr, "rssi", rssi, "kind", kind)
}
