// Package homeassistant mirrors Home Assistant device renames into the
// local device registry. A REST client provides the readiness probe;
// a WebSocket client subscribes to registry-update events and fetches
// the device registry; the Mirror ties both to the local store.
package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/lancom-ble/internal/httpkit"
)

// Client is a Home Assistant REST API client. The bridge only uses it
// as a readiness probe; everything substantive runs over the WebSocket.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	watcher    readyChecker // set via SetWatcher for health status
}

// readyChecker is satisfied by connwatch.Watcher. Defined here to avoid
// importing connwatch directly, keeping the dependency one-directional.
type readyChecker interface {
	IsReady() bool
}

// SetWatcher sets the connection watcher for health status queries.
func (c *Client) SetWatcher(w readyChecker) {
	c.watcher = w
}

// IsReady reports whether Home Assistant is currently reachable.
// Returns true if no watcher is configured.
func (c *Client) IsReady() bool {
	if c.watcher == nil {
		return true
	}
	return c.watcher.IsReady()
}

// NewClient creates a new Home Assistant client.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30 * time.Second),
		),
	}
}

// APIStatus represents the HA API status response.
type APIStatus struct {
	Message string `json:"message"`
}

// HAConfig represents basic HA configuration, logged on first connect.
type HAConfig struct {
	LocationName string `json:"location_name"`
	TimeZone     string `json:"time_zone"`
	Version      string `json:"version"`
}

// Ping checks if the API is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var status APIStatus
	if err := c.get(ctx, "/api/", &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// GetConfig retrieves the Home Assistant configuration.
func (c *Client) GetConfig(ctx context.Context) (*HAConfig, error) {
	var cfg HAConfig
	if err := c.get(ctx, "/api/config", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// get performs a GET request to the HA API.
func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	// Drain and close to ensure connection reuse even when result is nil.
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	return nil
}
