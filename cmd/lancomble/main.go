// Lancomble bridges LANCOM access-point BLE scan webhooks into a smart
// home's passive Bluetooth discovery. Each reporting AP becomes a
// synthetic scanner with a registry identity, a self-advertisement
// heartbeat, and packet-rate telemetry published over MQTT.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	lancomble serve          Run the bridge
//	lancomble init [dir]     Initialize a working directory with defaults
//	lancomble qr             Print the webhook URL and a terminal QR code
//	lancomble version        Print version and build information
//	lancomble -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/lancom-ble/internal/api"
	"github.com/nugget/lancom-ble/internal/buildinfo"
	"github.com/nugget/lancom-ble/internal/config"
	"github.com/nugget/lancom-ble/internal/connwatch"
	"github.com/nugget/lancom-ble/internal/devreg"
	"github.com/nugget/lancom-ble/internal/discovery"
	"github.com/nugget/lancom-ble/internal/homeassistant"
	"github.com/nugget/lancom-ble/internal/mac"
	"github.com/nugget/lancom-ble/internal/mqtt"
	"github.com/nugget/lancom-ble/internal/scanner"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the lancomble command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of all servers and background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:] — the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "qr":
		return runQR(stdout, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// lancomble is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "lancomble - LANCOM BLE webhook bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: lancomble [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the bridge")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  qr           Print the webhook URL and a terminal QR code")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./lancom-ble.yaml, ~/.config/lancom-ble/config.yaml, /config/lancom-ble.yaml,")
	fmt.Fprintln(w, "  /usr/local/etc/lancom-ble/config.yaml, /etc/lancom-ble/config.yaml")
	return nil
}

// runServe handles the "lancomble serve" subcommand. It is the primary
// operating mode: loads config, opens the registry store, wires the
// scanner manager to the discovery hub, starts the MQTT bridge and the
// optional Home Assistant mirror, starts the HTTP server, and blocks
// until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The MQTT bridge publishes "offline" and disconnects
//  3. The HTTP server drains in-flight requests
//  4. Scanners deregister; the registry store closes via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, config.FormatText)
	logger.Info("starting lancom-ble", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that we know the desired level and
	// format. The initial Info-level text logger only covers the
	// startup banner and config errors.
	{
		// Both values are validated by config.Validate(), so these
		// error paths are unreachable in practice.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		format, _ := config.ParseLogFormat(cfg.LogFormat)
		logger = config.NewLogger(stdout, level, format)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"listen", cfg.Listen.Addr(),
		"webhook_id", cfg.WebhookID,
		"registry", cfg.Registry.Driver,
	)

	// --- Data directory ---
	// Holds the instance ID and the registry database.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Device registry ---
	var store devreg.Store
	switch cfg.Registry.Driver {
	case "memory":
		store = devreg.NewMemoryStore()
		logger.Warn("memory registry selected, names will not survive restarts")
	default:
		dbPath := cfg.DataDir + "/registry.db"
		sqliteStore, err := devreg.NewSQLiteStore(dbPath)
		if err != nil {
			return fmt.Errorf("open registry database %s: %w", dbPath, err)
		}
		store = sqliteStore
		logger.Info("registry database opened", "path", dbPath)
	}
	defer store.Close()

	adapter := devreg.NewAdapter(store, logger)

	// --- Discovery pipeline and scanner fleet ---
	hub := discovery.NewHub(logger)
	mgr := scanner.NewManager(adapter, hub, discovery.TimerScheduler{}, logger)
	defer mgr.Unload()

	// Daily packet counters roll over at midnight in the configured
	// timezone, not wherever the daemon happens to run.
	if cfg.Timezone != "" {
		loc := cfg.Location()
		mgr.SetClock(func() time.Time { return time.Now().In(loc) })
	}

	// Registry updates (local renames, HA mirror writes) feed back into
	// the manager so display names realign and scanners re-register.
	cancelWatch := store.Watch(mgr.HandleRegistryUpdate)
	defer cancelWatch()

	// --- Instance identity ---
	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("instance ID: %w", err)
	}
	logger.Debug("instance ID loaded", "instance_id", instanceID)

	// --- MQTT bridge ---
	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled() {
		bridge = mqtt.NewBridge(cfg.MQTT, instanceID, mgr, hub, store, logger)
		go func() {
			if err := bridge.Start(ctx); err != nil {
				logger.Error("mqtt bridge failed", "error", err)
			}
		}()
		logger.Info("mqtt bridge enabled",
			"broker", cfg.MQTT.Broker,
			"topic_prefix", cfg.MQTT.TopicPrefix,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt bridge disabled (no broker configured)")
	}

	// --- Initial access points ---
	macs, rejected := mac.ParseList(strings.Join(cfg.AccessPoints, ","))
	for _, tok := range rejected {
		logger.Warn("config access_points entry is not a MAC, skipped", "token", tok)
	}
	if len(macs) == 0 {
		logger.Info("no access points configured, scanners appear when webhooks arrive")
	}
	mgr.EnsureInitial(macs)

	// --- HTTP server ---
	server := api.NewServer(cfg.Listen.Addr(), cfg.WebhookID, instanceID, mgr, adapter, logger)
	if bridge != nil {
		server.SetOnAPRemoved(func(macUpper string) {
			rmCtx, rmCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer rmCancel()
			bridge.RemoveScanner(rmCtx, macUpper)
		})
		server.AddDependency("mqtt", func() bool {
			probeCtx, probeCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer probeCancel()
			return bridge.AwaitConnection(probeCtx) == nil
		})
	}

	// --- Connection resilience and HA mirror ---
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	if cfg.HomeAssistant.Configured() {
		ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		haWS := homeassistant.NewWSClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)
		mirror := homeassistant.NewMirror(haWS, store, logger)
		go mirror.Run(ctx)

		// Reconnect restores prior subscriptions, so only the first
		// successful connection subscribes through the mirror.
		var subscribeOnce sync.Once

		haWatcher := connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "homeassistant",
			Probe:   func(pCtx context.Context) error { return ha.Ping(pCtx) },
			Backoff: connwatch.DefaultBackoffConfig(),
			OnReady: func() {
				infoCtx, infoCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer infoCancel()
				if haCfg, err := ha.GetConfig(infoCtx); err == nil {
					logger.Info("connected to Home Assistant",
						"url", cfg.HomeAssistant.URL,
						"version", haCfg.Version,
						"location", haCfg.LocationName,
					)
				}

				// (Re-)establish the WebSocket. Connect restores the
				// registry subscription on reconnects; the first
				// connection subscribes through the mirror.
				wsCtx, wsCancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer wsCancel()
				if err := haWS.Reconnect(wsCtx); err != nil {
					logger.Error("WebSocket reconnect failed", "error", err)
					return
				}
				subscribeOnce.Do(func() {
					if err := mirror.Subscribe(wsCtx); err != nil {
						logger.Error("registry subscription failed", "error", err)
					}
				})
			},
			OnDown: func(err error) {
				logger.Warn("Home Assistant unreachable", "error", err)
			},
		})
		ha.SetWatcher(haWatcher)
		server.AddDependency("home_assistant", haWatcher.IsReady)
		logger.Info("Home Assistant mirror enabled", "url", cfg.HomeAssistant.URL)
	} else {
		logger.Info("Home Assistant mirror disabled (no url/token configured)")
	}

	// --- Config file watching ---
	// Post-setup edits to access_points and webhook_id apply without a
	// restart; everything else still needs one.
	if cfg.WatchConfig {
		currentMACs := macs
		go func() {
			err := config.WatchFile(ctx, cfgPath, logger, func(next *config.Config) {
				server.SetWebhookID(next.WebhookID)

				nextMACs, rejected := mac.ParseList(strings.Join(next.AccessPoints, ","))
				for _, tok := range rejected {
					logger.Warn("config access_points entry is not a MAC, skipped", "token", tok)
				}
				added, removed := diffMACs(currentMACs, nextMACs)
				for _, m := range added {
					if _, err := mgr.GetOrCreate(m, true); err != nil {
						logger.Error("scanner setup from config reload failed", "mac", m, "error", err)
					}
				}
				for _, m := range removed {
					mgr.Remove(m)
					if bridge != nil {
						rmCtx, rmCancel := context.WithTimeout(context.Background(), 5*time.Second)
						bridge.RemoveScanner(rmCtx, m)
						rmCancel()
					}
				}
				currentMACs = nextMACs
			})
			if err != nil && ctx.Err() == nil {
				logger.Error("config watcher failed", "error", err)
			}
		}()
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if bridge != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := bridge.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Start the HTTP server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("lancom-ble stopped")
	return nil
}

// diffMACs returns the MACs present only in next (added) and only in
// current (removed). Both inputs are canonical and sorted.
func diffMACs(current, next []string) (added, removed []string) {
	in := func(set []string, m string) bool {
		i := sort.SearchStrings(set, m)
		return i < len(set) && set[i] == m
	}
	for _, m := range next {
		if !in(current, m) {
			added = append(added, m)
		}
	}
	for _, m := range current {
		if !in(next, m) {
			removed = append(removed, m)
		}
	}
	return added, removed
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
