package scanner

import (
	"testing"
	"time"

	"github.com/nugget/lancom-ble/internal/devreg"
	"github.com/nugget/lancom-ble/internal/discovery"
)

func newTestManager(t *testing.T) (*Manager, *fakePipeline, *fakeScheduler, *devreg.MemoryStore) {
	t.Helper()
	logger := testLogger()
	store := devreg.NewMemoryStore()
	adapter := devreg.NewAdapter(store, logger)
	pipe := &fakePipeline{}
	sched := &fakeScheduler{}
	m := NewManager(adapter, pipe, sched, logger)
	return m, pipe, sched, store
}

func TestManager_GetOrCreateIdempotent(t *testing.T) {
	m, pipe, _, store := newTestManager(t)

	var created int
	m.OnScannerCreated(func(*Scanner) { created++ })

	first, err := m.GetOrCreate("aa:bb:cc:dd:ee:ff", false)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	// Same AP under a different separator style.
	second, err := m.GetOrCreate("AABBCCDDEEFF", false)
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	if first != second {
		t.Error("two scanners for one MAC")
	}
	if first.MAC != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("MAC = %q, want canonical", first.MAC)
	}
	if created != 1 {
		t.Errorf("listener notified %d times, want 1", created)
	}
	if got := len(pipe.registered); got != 1 {
		t.Errorf("pipeline registrations = %d, want 1", got)
	}

	entries, err := store.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("registry entries = %d, want 1", len(entries))
	}
}

func TestManager_SetClockDrivesDayRollover(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	now := time.Date(2025, 6, 1, 23, 59, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return now })

	s, err := m.GetOrCreate("AA:BB:CC:DD:EE:FF", false)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	s.RecordPacket()
	s.RecordPacket()
	if got := s.PacketsToday(); got != 2 {
		t.Fatalf("PacketsToday = %d, want 2", got)
	}

	// Cross midnight on the injected clock, not the process clock.
	now = time.Date(2025, 6, 2, 0, 1, 0, 0, time.UTC)
	s.RecordPacket()
	if got := s.PacketsToday(); got != 1 {
		t.Errorf("PacketsToday after rollover = %d, want 1", got)
	}
}

func TestManager_GetOrCreateInjectSelf(t *testing.T) {
	m, pipe, _, _ := newTestManager(t)

	if _, err := m.GetOrCreate("AA:BB:CC:DD:EE:FF", true); err != nil {
		t.Fatalf("create: %v", err)
	}
	adv := pipe.lastAdvert(t)
	if adv.Kind != discovery.KindSelf {
		t.Errorf("advert kind = %q, want self", adv.Kind)
	}

	// A later reference with injectSelf re-fires on the existing
	// scanner.
	before := len(pipe.advertisements())
	if _, err := m.GetOrCreate("AA:BB:CC:DD:EE:FF", true); err != nil {
		t.Fatalf("again: %v", err)
	}
	if got := len(pipe.advertisements()); got != before+1 {
		t.Errorf("advertisements = %d, want %d", got, before+1)
	}
}

func TestManager_InjectWebhook(t *testing.T) {
	m, pipe, _, _ := newTestManager(t)

	m.InjectWebhook(WebhookPayload{
		DeviceMac: "00-a0-57-12-34-56",
		Measurements: []Measurement{
			{DeviceAddress: "11:22:33:44:55:66", RSSI: float64(-61), Name: "beacon"},
			{DeviceAddress: "22:33:44:55:66:77", RSSI: "oops"},
		},
	})

	s, ok := m.Scanner("00:A0:57:12:34:56")
	if !ok {
		t.Fatal("scanner not created from webhook")
	}
	if got := s.PacketsToday(); got != 2 {
		t.Errorf("PacketsToday = %d, want 2", got)
	}

	adverts := pipe.advertisements()
	// One self advertisement plus two peers.
	if len(adverts) != 3 {
		t.Fatalf("got %d advertisements, want 3", len(adverts))
	}
	if adverts[0].Kind != discovery.KindSelf {
		t.Errorf("first advert kind = %q, want self", adverts[0].Kind)
	}
	if adverts[2].RSSI != discovery.DefaultRSSI {
		t.Errorf("malformed rssi = %d, want fallback %d", adverts[2].RSSI, discovery.DefaultRSSI)
	}
}

func TestManager_InjectWebhookWithoutDeviceMac(t *testing.T) {
	m, pipe, _, _ := newTestManager(t)

	m.InjectWebhook(WebhookPayload{
		Measurements: []Measurement{{DeviceAddress: "11:22:33:44:55:66"}},
	})

	if got := len(m.Scanners()); got != 0 {
		t.Errorf("scanners = %d, want 0", got)
	}
	if got := len(pipe.advertisements()); got != 0 {
		t.Errorf("advertisements = %d, want 0", got)
	}
}

func TestManager_Remove(t *testing.T) {
	m, pipe, sched, _ := newTestManager(t)

	if _, err := m.GetOrCreate("AA:BB:CC:DD:EE:FF", true); err != nil {
		t.Fatalf("create: %v", err)
	}
	m.Remove("AA:BB:CC:DD:EE:FF")

	if _, ok := m.Scanner("AA:BB:CC:DD:EE:FF"); ok {
		t.Error("scanner still present after Remove")
	}
	if pipe.cancelled != 1 {
		t.Errorf("cancelled registrations = %d, want 1", pipe.cancelled)
	}
	if got := sched.pending(); got != 0 {
		t.Errorf("pending timers after Remove = %d, want 0", got)
	}

	// Removing an unknown MAC is fine.
	m.Remove("11:22:33:44:55:66")
}

func TestManager_Unload(t *testing.T) {
	m, pipe, sched, _ := newTestManager(t)

	var created int
	m.OnScannerCreated(func(*Scanner) { created++ })

	if _, err := m.GetOrCreate("AA:BB:CC:DD:EE:FF", true); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.GetOrCreate("11:22:33:44:55:66", true); err != nil {
		t.Fatalf("create: %v", err)
	}

	m.Unload()

	if got := len(m.Scanners()); got != 0 {
		t.Errorf("scanners after Unload = %d, want 0", got)
	}
	if pipe.cancelled != 2 {
		t.Errorf("cancelled registrations = %d, want 2", pipe.cancelled)
	}
	if got := sched.pending(); got != 0 {
		t.Errorf("pending timers after Unload = %d, want 0", got)
	}

	// Listener subscriptions are gone too.
	if _, err := m.GetOrCreate("22:33:44:55:66:77", false); err != nil {
		t.Fatalf("create after unload: %v", err)
	}
	if created != 2 {
		t.Errorf("listener notified %d times, want 2", created)
	}
}

func TestManager_ReRegister(t *testing.T) {
	m, pipe, _, _ := newTestManager(t)

	var created int
	m.OnScannerCreated(func(*Scanner) { created++ })

	old, err := m.GetOrCreate("AA:BB:CC:DD:EE:FF", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fresh, err := m.ReRegister("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if fresh == old {
		t.Error("ReRegister returned the old scanner")
	}
	if pipe.cancelled != 1 {
		t.Errorf("cancelled registrations = %d, want 1", pipe.cancelled)
	}
	if got := len(pipe.registered); got != 2 {
		t.Errorf("pipeline registrations = %d, want 2", got)
	}
	if adv := pipe.lastAdvert(t); adv.Kind != discovery.KindSelf {
		t.Errorf("advert after re-register = %q, want self", adv.Kind)
	}
	// Re-registration is not a new scanner for listeners.
	if created != 1 {
		t.Errorf("listener notified %d times, want 1", created)
	}

	got, ok := m.Scanner("AA:BB:CC:DD:EE:FF")
	if !ok || got != fresh {
		t.Error("manager does not hold the fresh scanner")
	}
}

func TestManager_ReRegisterUnknownMAC(t *testing.T) {
	m, pipe, _, _ := newTestManager(t)

	s, err := m.ReRegister("AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if s == nil {
		t.Fatal("no scanner created")
	}
	if pipe.cancelled != 0 {
		t.Errorf("cancelled registrations = %d, want 0", pipe.cancelled)
	}
}

func TestManager_HandleRegistryUpdateAligns(t *testing.T) {
	m, pipe, _, store := newTestManager(t)

	old, err := m.GetOrCreate("AA:BB:CC:DD:EE:FF", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Wire the manager to the store the way serve does, then rename
	// the device the way a user would.
	cancel := store.Watch(m.HandleRegistryUpdate)
	defer cancel()

	entry, err := store.GetByIdentifier("lancom_ble_aa_bb_cc_dd_ee_ff")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := store.Update(entry.ID, devreg.Changes{NameByUser: devreg.StringPtr("Office AP (AA:BB:CC:DD:EE:FF)")}); err != nil {
		t.Fatalf("rename: %v", err)
	}

	// The persistent name is aligned with the cleaned user name and
	// the scanner was fully re-registered.
	got, err := store.Get(entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Office AP" {
		t.Errorf("persistent name = %q, want %q", got.Name, "Office AP")
	}
	fresh, ok := m.Scanner("AA:BB:CC:DD:EE:FF")
	if !ok {
		t.Fatal("scanner missing after alignment")
	}
	if fresh == old {
		t.Error("scanner was not re-registered")
	}
	if fresh.Name() != "Office AP" {
		t.Errorf("scanner name = %q, want %q", fresh.Name(), "Office AP")
	}
	if got := len(pipe.registered); got != 2 {
		t.Errorf("pipeline registrations = %d, want 2 (one initial, one re-registration)", got)
	}

	// Writing the same cleaned value again converges without another
	// re-registration.
	if _, err := store.Update(entry.ID, devreg.Changes{NameByUser: devreg.StringPtr("Office AP")}); err != nil {
		t.Fatalf("rename again: %v", err)
	}
	if got := len(pipe.registered); got != 2 {
		t.Errorf("pipeline registrations after convergence = %d, want 2", got)
	}
}

func TestManager_HandleRegistryUpdateReinjectsWithoutAlignment(t *testing.T) {
	m, pipe, _, store := newTestManager(t)

	s, err := m.GetOrCreate("AA:BB:CC:DD:EE:FF", false)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	entry, err := store.GetByIdentifier("lancom_ble_aa_bb_cc_dd_ee_ff")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// No user name, so alignment is a no-op and the existing scanner
	// only re-injects its name.
	before := len(pipe.advertisements())
	m.HandleRegistryUpdate(devreg.Event{Action: devreg.ActionUpdate, Entry: entry})

	adverts := pipe.advertisements()
	if len(adverts) != before+1 {
		t.Fatalf("advertisements = %d, want %d", len(adverts), before+1)
	}
	if adverts[len(adverts)-1].Kind != discovery.KindRename {
		t.Errorf("advert kind = %q, want rename", adverts[len(adverts)-1].Kind)
	}
	got, ok := m.Scanner("AA:BB:CC:DD:EE:FF")
	if !ok || got != s {
		t.Error("scanner identity changed without alignment")
	}
}

func TestManager_HandleRegistryUpdateIgnoresOthers(t *testing.T) {
	m, pipe, _, _ := newTestManager(t)

	m.HandleRegistryUpdate(devreg.Event{
		Action: devreg.ActionCreate,
		Entry:  devreg.Entry{Identifier: "lancom_ble_aa_bb_cc_dd_ee_ff"},
	})
	m.HandleRegistryUpdate(devreg.Event{
		Action: devreg.ActionUpdate,
		Entry:  devreg.Entry{Identifier: "lancom_ble_webhook"},
	})

	if got := len(m.Scanners()); got != 0 {
		t.Errorf("scanners = %d, want 0", got)
	}
	if got := len(pipe.advertisements()); got != 0 {
		t.Errorf("advertisements = %d, want 0", got)
	}
}

func TestManager_EnsureInitial(t *testing.T) {
	m, pipe, _, _ := newTestManager(t)

	m.EnsureInitial([]string{"AA:BB:CC:DD:EE:FF", "11:22:33:44:55:66"})

	scanners := m.Scanners()
	if len(scanners) != 2 {
		t.Fatalf("scanners = %d, want 2", len(scanners))
	}
	if scanners[0].MAC != "11:22:33:44:55:66" || scanners[1].MAC != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("scanners not sorted: %q, %q", scanners[0].MAC, scanners[1].MAC)
	}
	// Both fired their self advertisement.
	kinds := map[string]discovery.Kind{}
	for _, adv := range pipe.advertisements() {
		kinds[adv.Scanner] = adv.Kind
	}
	if len(kinds) != 2 {
		t.Errorf("advertising scanners = %d, want 2", len(kinds))
	}
}

func TestManager_OnScannerCreatedUnsubscribe(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	var calls int
	cancel := m.OnScannerCreated(func(*Scanner) { calls++ })

	if _, err := m.GetOrCreate("AA:BB:CC:DD:EE:FF", false); err != nil {
		t.Fatalf("create: %v", err)
	}
	cancel()
	if _, err := m.GetOrCreate("11:22:33:44:55:66", false); err != nil {
		t.Fatalf("create: %v", err)
	}

	if calls != 1 {
		t.Errorf("listener called %d times, want 1", calls)
	}
}
