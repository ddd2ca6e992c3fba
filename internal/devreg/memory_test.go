package devreg

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func testEntry(mac string) Entry {
	slug := strings.ReplaceAll(strings.ToLower(mac), ":", "_")
	return Entry{
		Identifier:   "lancom_ble_" + slug,
		Name:         "Lancom AP " + mac,
		Manufacturer: Manufacturer,
		Model:        Model,
		SWVersion:    SWVersion,
		Connections:  []Connection{{Kind: "mac", Value: strings.ToLower(mac)}},
	}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	s := NewMemoryStore()

	created, err := s.Create(testEntry("AA:BB:CC:DD:EE:FF"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Error("expected ID to be set")
	}
	if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
		t.Error("expected timestamps to be set")
	}

	got, err := s.Get(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Identifier != created.Identifier {
		t.Errorf("identifier = %q, want %q", got.Identifier, created.Identifier)
	}

	byIdent, err := s.GetByIdentifier(created.Identifier)
	if err != nil {
		t.Fatalf("get by identifier: %v", err)
	}
	if byIdent.ID != created.ID {
		t.Errorf("id = %q, want %q", byIdent.ID, created.ID)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemoryStore()

	if _, err := s.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
	if _, err := s.GetByIdentifier("nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByIdentifier = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_CreateDuplicateIdentifier(t *testing.T) {
	s := NewMemoryStore()

	if _, err := s.Create(testEntry("AA:BB:CC:DD:EE:FF")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := s.Create(testEntry("AA:BB:CC:DD:EE:FF")); !errors.Is(err, ErrIdentifierExists) {
		t.Errorf("second create = %v, want ErrIdentifierExists", err)
	}
}

func TestMemoryStore_CreateWithoutIdentifier(t *testing.T) {
	s := NewMemoryStore()

	if _, err := s.Create(Entry{Name: "anonymous"}); err == nil {
		t.Error("expected error for entry without identifier")
	}
}

func TestMemoryStore_UpdateName(t *testing.T) {
	s := NewMemoryStore()
	created, err := s.Create(testEntry("AA:BB:CC:DD:EE:FF"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	updated, err := s.Update(created.ID, Changes{Name: StringPtr("Office AP")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "Office AP" {
		t.Errorf("name = %q, want %q", updated.Name, "Office AP")
	}

	got, err := s.Get(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Office AP" {
		t.Errorf("stored name = %q, want %q", got.Name, "Office AP")
	}
}

func TestMemoryStore_UpdateMissing(t *testing.T) {
	s := NewMemoryStore()

	if _, err := s.Update("nope", Changes{Name: StringPtr("x")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_NoEventWhenNothingChanged(t *testing.T) {
	s := NewMemoryStore()
	created, err := s.Create(testEntry("AA:BB:CC:DD:EE:FF"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var events []Event
	cancel := s.Watch(func(ev Event) { events = append(events, ev) })
	defer cancel()

	if _, err := s.Update(created.ID, Changes{Name: StringPtr(created.Name)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("got %d events for a no-op update, want 0", len(events))
	}

	if _, err := s.Update(created.ID, Changes{Name: StringPtr("changed")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Action != ActionUpdate || events[0].Entry.Name != "changed" {
		t.Errorf("event = %+v, want update with name %q", events[0], "changed")
	}
}

func TestMemoryStore_Remove(t *testing.T) {
	s := NewMemoryStore()
	created, err := s.Create(testEntry("AA:BB:CC:DD:EE:FF"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var events []Event
	cancel := s.Watch(func(ev Event) { events = append(events, ev) })
	defer cancel()

	if err := s.Remove(created.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := s.Get(created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("get after remove = %v, want ErrNotFound", err)
	}
	if _, err := s.GetByIdentifier(created.Identifier); !errors.Is(err, ErrNotFound) {
		t.Errorf("get by identifier after remove = %v, want ErrNotFound", err)
	}
	if len(events) != 1 || events[0].Action != ActionRemove {
		t.Fatalf("events = %+v, want one remove", events)
	}
	if events[0].Entry.ID != created.ID {
		t.Errorf("removed entry id = %q, want %q", events[0].Entry.ID, created.ID)
	}

	if err := s.Remove(created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second remove = %v, want ErrNotFound", err)
	}
}

func TestMemoryStore_WatchUnsubscribe(t *testing.T) {
	s := NewMemoryStore()

	var first, second int
	cancelFirst := s.Watch(func(Event) { first++ })
	cancelSecond := s.Watch(func(Event) { second++ })
	defer cancelSecond()

	if _, err := s.Create(testEntry("AA:BB:CC:DD:EE:FF")); err != nil {
		t.Fatalf("create: %v", err)
	}
	cancelFirst()
	if _, err := s.Create(testEntry("11:22:33:44:55:66")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if first != 1 {
		t.Errorf("cancelled watcher saw %d events, want 1", first)
	}
	if second != 2 {
		t.Errorf("active watcher saw %d events, want 2", second)
	}

	// Cancelling twice must be safe.
	cancelFirst()
}

func TestMemoryStore_WatcherMayCallBack(t *testing.T) {
	s := NewMemoryStore()

	var actions []Action
	cancel := s.Watch(func(ev Event) {
		actions = append(actions, ev.Action)
		if ev.Action == ActionCreate {
			if _, err := s.Update(ev.Entry.ID, Changes{Name: StringPtr("from watcher")}); err != nil {
				t.Errorf("re-entrant update: %v", err)
			}
		}
	})
	defer cancel()

	created, err := s.Create(testEntry("AA:BB:CC:DD:EE:FF"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "from watcher" {
		t.Errorf("name = %q, want %q", got.Name, "from watcher")
	}
	want := []Action{ActionCreate, ActionUpdate}
	if len(actions) != len(want) {
		t.Fatalf("actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("action %d = %q, want %q", i, actions[i], want[i])
		}
	}
}

func TestMemoryStore_ListSortedByIdentifier(t *testing.T) {
	s := NewMemoryStore()
	for _, mac := range []string{"CC:CC:CC:CC:CC:CC", "AA:AA:AA:AA:AA:AA", "BB:BB:BB:BB:BB:BB"} {
		if _, err := s.Create(testEntry(mac)); err != nil {
			t.Fatalf("create %s: %v", mac, err)
		}
	}

	entries, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Identifier > entries[i].Identifier {
			t.Errorf("entries out of order: %q before %q", entries[i-1].Identifier, entries[i].Identifier)
		}
	}
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	created, err := s.Create(testEntry("AA:BB:CC:DD:EE:FF"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.Get(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	got.Connections[0].Value = "tampered"

	again, err := s.Get(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again.Connections[0].Value != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("stored connection = %q, want %q", again.Connections[0].Value, "aa:bb:cc:dd:ee:ff")
	}
}

func TestMemoryStore_UpdateTouchesTimestamp(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return base }

	created, err := s.Create(testEntry("AA:BB:CC:DD:EE:FF"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s.nowFunc = func() time.Time { return base.Add(time.Hour) }
	updated, err := s.Update(created.ID, Changes{Name: StringPtr("renamed")})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.CreatedAt.Equal(base) {
		t.Errorf("created_at = %v, want %v", updated.CreatedAt, base)
	}
	if !updated.UpdatedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("updated_at = %v, want %v", updated.UpdatedAt, base.Add(time.Hour))
	}
}
