// Shaded is the bridge daemon for Connector-family window covering hubs.
//
// It runs continuous discovery against the configured hubs, keeps a
// reconciled device registry with stable accessory identities, listens for
// unsolicited status reports on the multicast group, and exposes the
// registry to integrations over HTTP and a WebSocket event feed.
//
// Usage:
//
//	shaded serve [flags]
//
// See 'shaded serve --help' for available options.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/shadectl/internal/config"
	"github.com/muurk/shadectl/internal/discovery"
	"github.com/muurk/shadectl/internal/hub"
	"github.com/muurk/shadectl/internal/logging"
	"github.com/muurk/shadectl/internal/protocol"
	"github.com/muurk/shadectl/internal/registry"
	"github.com/muurk/shadectl/internal/server"
	"github.com/muurk/shadectl/internal/transport"
	"github.com/muurk/shadectl/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "shaded",
	Short: "Window covering bridge daemon",
	Long: `The bridge daemon for Connector-family window covering hubs.

Continuously discovers the configured hubs, maintains a device registry
with stable identities across restarts, and serves the registry over HTTP
with a WebSocket event feed for integrations.`,
	Version: version.Version,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("shaded %s (commit: %s)\n", version.Version, version.Commit)
	},
}

// Serve command flags
var (
	configPath string
	apiPort    int
	logLevel   string
	noMDNS     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge daemon",
	Long: `Run the bridge daemon until interrupted.

The daemon restores cached device identities before any network traffic,
then scans every configured hub (retrying unreachable ones every few
seconds, indefinitely), listens for unsolicited status reports on the
multicast group, and serves the registry on the API port.`,
	Example: `  # Run with the default settings file
  shaded serve

  # Explicit settings file and API port
  shaded serve --config /etc/shadectl/config.yaml --port 9000

  # Verbose protocol logging
  shaded serve --log-level debug`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "Settings file path (default: platform config dir)")
	serveCmd.Flags().IntVar(&apiPort, "port", server.DefaultPort, "API listen port")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	serveCmd.Flags().BoolVar(&noMDNS, "no-mdns", false, "Disable mDNS advertisement of the API")
}

func runServe(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}
	// Config problems are fatal: the daemon refuses to start on a bad file
	// and reports every violation at once.
	if err := settings.Validate(); err != nil {
		return err
	}

	initLogging(settings)
	defer logging.Sync()

	cache, err := config.LoadCache()
	if err != nil {
		return err
	}

	codec, err := protocol.NewCodec(settings.Key)
	if err != nil {
		return err
	}

	conn, err := transport.Listen()
	if err != nil {
		return fmt.Errorf("failed to open UDP socket: %w", err)
	}
	client := hub.NewClient(conn, codec)
	client.Timeout = settings.Timeout()
	client.DiscoveryWindow = settings.DiscoveryWindow()
	defer client.Close()

	feed := server.NewFeed()
	notifier := &persistingNotifier{feed: feed, cache: cache}
	reconciler := registry.NewReconciler(settings.Hubs, notifier)

	orch := discovery.NewOrchestrator(client, reconciler, settings.Hubs)
	orch.NewBackoff = func() discovery.Backoff {
		return &discovery.FixedBackoff{Delay: settings.RetryDelay()}
	}

	// Phase one: restore identities from the cache before any packet goes
	// out, so accessories keep their identities across restarts.
	orch.LoadCache(cache.Entries())

	// Unsolicited reports arriving on the command socket.
	client.SetReportHandler(func(addr string, report *protocol.Report) {
		feed.StatusReport(report.MAC, report.Status)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Hubs also push reports to the multicast group; listen there too.
	go listenMulticastReports(ctx, codec, feed)

	// Phase two: the network loops.
	go orch.Run(ctx)

	srv := server.NewServer(reconciler, feed)
	srv.Port = apiPort
	srv.Advertise = !noMDNS

	logging.Info("Bridge daemon starting",
		zap.String("version", version.Version),
		zap.Int("hubs", len(settings.Hubs)),
		zap.Int("cached_devices", len(cache.Devices)))

	err = srv.Start(ctx)

	// Persist whatever the registry learned during this run.
	notifier.flush()

	logging.Info("Bridge daemon stopped")
	return err
}

func loadSettings() (*config.Settings, error) {
	if configPath != "" {
		return config.LoadSettingsFromFile(configPath)
	}
	return config.LoadSettings()
}

// initLogging applies the log level, preferring the flag over the settings
// file over the environment
func initLogging(settings *config.Settings) {
	level := logLevel
	if level == "" {
		level = settings.LogLevel
	}
	if level != "" {
		logging.Initialize(level)
		return
	}
	logging.InitializeFromEnv()
}

// listenMulticastReports consumes unsolicited reports from the multicast
// group and publishes them to the feed
func listenMulticastReports(ctx context.Context, codec *protocol.Codec, feed *server.Feed) {
	mconn, err := transport.ListenMulticast(nil)
	if err != nil {
		// Not fatal: reports also arrive as unicast on the command socket.
		logging.Warn("Multicast report listener unavailable", zap.Error(err))
		return
	}
	defer mconn.Close()

	hub.ListenReports(ctx, mconn, codec, func(addr string, report *protocol.Report) {
		feed.StatusReport(report.MAC, report.Status)
	})
}

// persistingNotifier fans registry callbacks out to the event feed and
// mirrors them into the on-disk cache. Callbacks arrive from every hub's
// scan goroutine, so cache access is serialized here. Saves are debounced
// to one write per second at most; the daemon saves once more on shutdown.
type persistingNotifier struct {
	feed *server.Feed

	mu       sync.Mutex
	cache    *config.Cache
	lastSave time.Time
}

func (n *persistingNotifier) DeviceAdded(rec registry.ExtendedDeviceRecord) {
	n.feed.DeviceAdded(rec)
	n.put(rec)
}

func (n *persistingNotifier) DeviceUpdated(rec registry.ExtendedDeviceRecord) {
	n.feed.DeviceUpdated(rec)
	n.put(rec)
}

func (n *persistingNotifier) DeviceRemoved(identity string) {
	n.feed.DeviceRemoved(identity)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cache.Remove(identity)
	n.saveLocked()
}

func (n *persistingNotifier) put(rec registry.ExtendedDeviceRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cache.Put(registry.Entry{
		Identity:   rec.Identity,
		MAC:        rec.Record.MAC,
		DeviceType: rec.Record.DeviceType,
		HubAddr:    rec.HubAddr,
		FwVersion:  rec.FwVersion,
		LastSeen:   time.Now(),
	})
	n.saveLocked()
}

// flush writes the cache out unconditionally
func (n *persistingNotifier) flush() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.cache.Save(); err != nil {
		logging.Error("Failed to save device cache", zap.Error(err))
	}
}

func (n *persistingNotifier) saveLocked() {
	if time.Since(n.lastSave) < time.Second {
		return
	}
	n.lastSave = time.Now()
	if err := n.cache.Save(); err != nil {
		logging.Error("Failed to save device cache", zap.Error(err))
	}
}
