package homeassistant

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/lancom-ble/internal/devreg"
	"github.com/nugget/lancom-ble/internal/mac"
)

const testToken = "test-token"

// fakeHA is a minimal Home Assistant WebSocket endpoint: it performs
// the auth handshake, answers subscribe and registry-list requests,
// and lets the test push registry events into the connection.
type fakeHA struct {
	t       *testing.T
	devices []Device

	mu   sync.Mutex // guards conn and serializes writes
	conn *websocket.Conn
}

func (f *fakeHA) handler(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	f.write(map[string]any{"type": "auth_required"})

	var auth map[string]string
	if err := conn.ReadJSON(&auth); err != nil {
		f.t.Errorf("read auth: %v", err)
		return
	}
	if auth["access_token"] != testToken {
		f.write(map[string]any{"type": "auth_invalid"})
		return
	}
	f.write(map[string]any{"type": "auth_ok"})

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		id, _ := msg["id"].(float64)
		switch msg["type"] {
		case "subscribe_events":
			f.write(map[string]any{"id": int64(id), "type": "result", "success": true})
		case "config/device_registry/list":
			f.mu.Lock()
			devices := f.devices
			f.mu.Unlock()
			f.write(map[string]any{"id": int64(id), "type": "result", "success": true, "result": devices})
		default:
			f.write(map[string]any{"id": int64(id), "type": "result", "success": true})
		}
	}
}

func (f *fakeHA) write(v any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.conn.WriteJSON(v); err != nil {
		f.t.Logf("fake HA write: %v", err)
	}
}

func (f *fakeHA) fireRegistryUpdate(deviceID string) {
	f.write(map[string]any{
		"type": "event",
		"event": map[string]any{
			"event_type": registryUpdatedEvent,
			"data":       map[string]any{"action": "update", "device_id": deviceID},
		},
	})
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWSClient_ConnectAndSubscribe(t *testing.T) {
	fake := &fakeHA{t: t}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	client := NewWSClient(srv.URL, testToken, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	defer client.Close()

	if err := client.Subscribe(ctx, registryUpdatedEvent); err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}

	fake.fireRegistryUpdate("dev-1")

	select {
	case ev := <-client.Events():
		if ev.Type != registryUpdatedEvent {
			t.Errorf("event type = %q, want %q", ev.Type, registryUpdatedEvent)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no event received")
	}
}

func TestWSClient_BadToken(t *testing.T) {
	fake := &fakeHA{t: t}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	client := NewWSClient(srv.URL, "wrong", discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err == nil {
		client.Close()
		t.Fatal("Connect() with bad token succeeded, want error")
	}
}

func TestWSClient_GetDeviceRegistry(t *testing.T) {
	fake := &fakeHA{
		t: t,
		devices: []Device{
			{
				ID:          "dev-1",
				Name:        "Lancom AP 00:A0:57:11:22:33",
				Identifiers: [][]string{{Domain, "lancom_ble_00_a0_57_11_22_33"}},
			},
			{
				ID:          "dev-2",
				Name:        "Some Light",
				Identifiers: [][]string{{"hue", "abc123"}},
			},
		},
	}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	client := NewWSClient(srv.URL, testToken, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	defer client.Close()

	devices, err := client.GetDeviceRegistry(ctx)
	if err != nil {
		t.Fatalf("GetDeviceRegistry() = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("got %d devices, want 2", len(devices))
	}
	if got := devices[0].IdentifierFor(Domain); got != "lancom_ble_00_a0_57_11_22_33" {
		t.Errorf("IdentifierFor = %q", got)
	}
	if got := devices[1].IdentifierFor(Domain); got != "" {
		t.Errorf("IdentifierFor on foreign device = %q, want empty", got)
	}
}

func TestMirror_CopiesUserName(t *testing.T) {
	const apMAC = "00:A0:57:11:22:33"
	ident := mac.IdentifierFor(apMAC)

	store := devreg.NewMemoryStore()
	defer store.Close()
	entry, err := store.Create(devreg.Entry{
		Identifier: ident,
		Name:       "Lancom AP " + apMAC,
	})
	if err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	fake := &fakeHA{
		t: t,
		devices: []Device{{
			ID:          "dev-1",
			Name:        "Lancom AP " + apMAC,
			NameByUser:  "Wohnzimmer AP",
			Identifiers: [][]string{{Domain, ident}},
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	client := NewWSClient(srv.URL, testToken, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	defer client.Close()

	mirror := NewMirror(client, store, discardLogger())
	if err := mirror.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}
	go mirror.Run(ctx)

	fake.fireRegistryUpdate("dev-1")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.Get(entry.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.NameByUser == "Wohnzimmer AP" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("NameByUser was not mirrored within 3s")
}

func TestMirror_IgnoresForeignDevices(t *testing.T) {
	store := devreg.NewMemoryStore()
	defer store.Close()

	fake := &fakeHA{
		t: t,
		devices: []Device{{
			ID:          "dev-9",
			Name:        "Some Light",
			NameByUser:  "Deckenlampe",
			Identifiers: [][]string{{"hue", "abc123"}},
		}},
	}
	srv := httptest.NewServer(http.HandlerFunc(fake.handler))
	defer srv.Close()

	client := NewWSClient(srv.URL, testToken, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	defer client.Close()

	mirror := NewMirror(client, store, discardLogger())
	if err := mirror.Subscribe(ctx); err != nil {
		t.Fatalf("Subscribe() = %v", err)
	}
	go mirror.Run(ctx)

	fake.fireRegistryUpdate("dev-9")
	time.Sleep(200 * time.Millisecond)

	entries, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("store has %d entries after foreign event, want 0", len(entries))
	}
}
