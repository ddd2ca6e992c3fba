package homeassistant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/" {
			t.Errorf("path = %q, want /api/", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer "+testToken {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"message": "API running."}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testToken, discardLogger())
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v", err)
	}
}

func TestClient_PingUnexpectedMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"message": "nope"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testToken, discardLogger())
	if err := c.Ping(context.Background()); err == nil {
		t.Error("Ping() = nil, want error")
	}
}

func TestClient_GetConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/config" {
			t.Errorf("path = %q, want /api/config", r.URL.Path)
		}
		w.Write([]byte(`{"location_name": "Home", "time_zone": "Europe/Berlin", "version": "2025.8.1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testToken, discardLogger())
	cfg, err := c.GetConfig(context.Background())
	if err != nil {
		t.Fatalf("GetConfig() = %v", err)
	}
	if cfg.TimeZone != "Europe/Berlin" {
		t.Errorf("TimeZone = %q, want Europe/Berlin", cfg.TimeZone)
	}
	if cfg.Version != "2025.8.1" {
		t.Errorf("Version = %q, want 2025.8.1", cfg.Version)
	}
}

func TestClient_GetConfigAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "wrong", discardLogger())
	if _, err := c.GetConfig(context.Background()); err == nil {
		t.Error("GetConfig() = nil, want error")
	}
}

func TestClient_IsReadyWithoutWatcher(t *testing.T) {
	c := NewClient("http://ha.local", testToken, discardLogger())
	if !c.IsReady() {
		t.Error("IsReady() without watcher = false, want true")
	}
}
