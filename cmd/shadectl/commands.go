package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/muurk/shadectl/internal/config"
	"github.com/muurk/shadectl/internal/hub"
	"github.com/muurk/shadectl/internal/protocol"
	"github.com/muurk/shadectl/internal/registry"
	"github.com/muurk/shadectl/internal/transport"
	"github.com/muurk/shadectl/internal/tui"
)

// Command flags
var (
	configPath string
	hubFlags   []string
	timeoutSec int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Settings file path (default: platform config dir)")
	rootCmd.PersistentFlags().StringSliceVar(&hubFlags, "hub", nil, "Hub IPv4 address (repeatable; overrides configured hubs)")
	rootCmd.PersistentFlags().IntVar(&timeoutSec, "timeout", 0, "Reply timeout in seconds (overrides settings)")

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(closeCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(targetCmd)
	rootCmd.AddCommand(tiltCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(dashboardCmd)
}

// session bundles everything one CLI invocation needs to talk to hubs
type session struct {
	settings *config.Settings
	client   *hub.Client
}

// newSession loads and validates settings, opens the UDP socket, and builds
// the protocol client
func newSession() (*session, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}
	if len(hubFlags) > 0 {
		settings.Hubs = hubFlags
	}
	if timeoutSec > 0 {
		settings.TimeoutSeconds = timeoutSec
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	codec, err := protocol.NewCodec(settings.Key)
	if err != nil {
		return nil, err
	}

	conn, err := transport.Listen()
	if err != nil {
		return nil, fmt.Errorf("failed to open UDP socket: %w", err)
	}

	client := hub.NewClient(conn, codec)
	client.Timeout = settings.Timeout()
	client.DiscoveryWindow = settings.DiscoveryWindow()

	return &session{settings: settings, client: client}, nil
}

func (s *session) close() {
	_ = s.client.Close()
}

func loadSettings() (*config.Settings, error) {
	if configPath != "" {
		return config.LoadSettingsFromFile(configPath)
	}
	return config.LoadSettings()
}

// discover queries every configured hub, or the multicast group when none
// are configured. Per-hub failures are reported but do not abort the rest.
func (s *session) discover(ctx context.Context) ([]hub.DiscoveryReply, error) {
	if len(s.settings.Hubs) == 0 {
		return s.client.QueryDeviceList(ctx, transport.MulticastAddr())
	}

	var replies []hub.DiscoveryReply
	var lastErr error
	for _, addr := range s.settings.Hubs {
		r, err := s.client.QueryDeviceList(ctx, transport.HubAddr(addr))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: hub %s did not answer: %v\n", addr, err)
			lastErr = err
			continue
		}
		replies = append(replies, r...)
	}
	if len(replies) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, hub.ErrNoReply
	}
	return replies, nil
}

// target is one covering resolved to the hub that owns it
type target struct {
	mac        string
	deviceType string
	hubAddr    string
}

// resolve finds which hub owns the given device MAC by running a discovery
// pass. The pass also refreshes session tokens, so a resolved target is
// immediately commandable.
func (s *session) resolve(ctx context.Context, mac string) (*target, error) {
	want := protocol.NormalizeMAC(mac)

	replies, err := s.discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovery failed: %w", err)
	}

	for _, reply := range replies {
		for _, rec := range reply.Ack.Devices {
			if rec.IsBridge() {
				continue
			}
			if protocol.NormalizeMAC(rec.MAC) == want {
				return &target{
					mac:        rec.MAC,
					deviceType: rec.DeviceType,
					hubAddr:    reply.Addr,
				}, nil
			}
		}
	}
	return nil, fmt.Errorf("device %s not found on any hub (try 'shadectl scan')", mac)
}

// sendCommand resolves a device and sends one command to it
func sendCommand(mac string, cmd protocol.Command) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tgt, err := s.resolve(ctx, mac)
	if err != nil {
		return err
	}

	status, err := s.client.SendCommand(ctx, tgt.hubAddr, tgt.mac, tgt.deviceType, cmd)
	if err != nil {
		return fmt.Errorf("command failed: %w", err)
	}

	printStatus(tgt.mac, status)
	return nil
}

// scanCmd runs one discovery pass and prints everything that answered
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for hubs and their paired coverings",
	Long: `Scan for window covering hubs on the local network.

With hubs configured (settings file or --hub), each is queried directly;
otherwise a single multicast query is sent and every hub on the segment
answers. Discovered devices are merged into the local device cache.`,
	Example: `  # Multicast scan
  shadectl scan

  # Query two hubs directly
  shadectl scan --hub 192.168.1.100 --hub 192.168.1.101`,
	RunE: runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.close()

	fmt.Println("Scanning for hubs...")
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	replies, err := s.discover(ctx)
	if err != nil {
		fmt.Println("No hubs answered.")
		fmt.Println()
		fmt.Println("Troubleshooting:")
		fmt.Println("  - Ensure the hub is powered and on the same network segment")
		fmt.Println("  - Multicast discovery does not cross subnets; use --hub <ip>")
		fmt.Println("  - Check that UDP port 32100 is not blocked")
		return nil
	}

	total := 0
	for _, reply := range replies {
		ack := reply.Ack
		fmt.Printf("Hub %s (firmware %s)\n", reply.Addr, ack.FwVersion)
		for _, rec := range ack.Devices {
			if rec.IsBridge() {
				continue
			}
			total++
			fmt.Printf("  %-14s type %s", rec.MAC, rec.DeviceType)
			if rec.SupportsTilt() {
				fmt.Printf("  (tilt)")
			}
			fmt.Println()
		}
		fmt.Println()
	}

	fmt.Printf("Found %d device(s) on %d hub(s)\n", total, len(replies))

	if err := mergeCache(replies); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to update device cache: %v\n", err)
	}

	return nil
}

// mergeCache folds a scan's replies into the persisted device cache so
// 'shadectl devices' works offline. Scan never removes cache entries; only
// the daemon's full reconciliation pass may do that.
func mergeCache(replies []hub.DiscoveryReply) error {
	cache, err := config.LoadCache()
	if err != nil {
		return err
	}

	rec := registry.NewReconciler(nil, nil)
	rec.LoadCached(cache.Entries())
	for _, reply := range replies {
		for _, d := range reply.Ack.Devices {
			if d.IsBridge() {
				continue
			}
			rec.Reconcile(registry.ExtendedDeviceRecord{
				Record:    d,
				Identity:  registry.Identity(d.MAC),
				HubAddr:   reply.Addr,
				FwVersion: reply.Ack.FwVersion,
				Token:     reply.Ack.Token,
			})
		}
	}

	for _, e := range rec.Entries() {
		cache.Put(e)
	}
	return cache.Save()
}

// devicesCmd prints the cached device list without touching the network
var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List known coverings from the local cache",
	Long: `List every covering in the local device cache.

The cache is populated by 'shadectl scan' and by the shaded daemon; this
command reads it without sending any network traffic.`,
	RunE: runDevices,
}

func runDevices(cmd *cobra.Command, args []string) error {
	cache, err := config.LoadCache()
	if err != nil {
		return err
	}

	entries := cache.Entries()
	if len(entries) == 0 {
		fmt.Println("No cached devices. Run 'shadectl scan' first.")
		return nil
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].MAC < entries[j].MAC })

	fmt.Printf("%-14s %-10s %-16s %-10s %s\n", "MAC", "TYPE", "HUB", "FIRMWARE", "LAST SEEN")
	for _, e := range entries {
		lastSeen := "-"
		if !e.LastSeen.IsZero() {
			lastSeen = e.LastSeen.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-14s %-10s %-16s %-10s %s\n",
			e.MAC, e.DeviceType, e.HubAddr, e.FwVersion, lastSeen)
	}
	return nil
}

var openCmd = &cobra.Command{
	Use:   "open <mac>",
	Short: "Open a covering fully",
	Args:  cobra.ExactArgs(1),
	Example: `  shadectl open AABBCCDDEE01
  shadectl open aa:bb:cc:dd:ee:01 --hub 192.168.1.100`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommand(args[0], protocol.NewOperationCommand(protocol.OperationOpen))
	},
}

var closeCmd = &cobra.Command{
	Use:   "close <mac>",
	Short: "Close a covering fully",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommand(args[0], protocol.NewOperationCommand(protocol.OperationClose))
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <mac>",
	Short: "Stop a covering mid-travel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendCommand(args[0], protocol.NewOperationCommand(protocol.OperationStop))
	},
}

var targetCmd = &cobra.Command{
	Use:   "target <mac> <position>",
	Short: "Move a covering to a position (0=closed, 100=open)",
	Args:  cobra.ExactArgs(2),
	Example: `  # Half open
  shadectl target AABBCCDDEE01 50`,
	RunE: func(cmd *cobra.Command, args []string) error {
		position, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("position must be a number, got %q", args[1])
		}
		return sendCommand(args[0], protocol.NewPositionCommand(position))
	},
}

var tiltCmd = &cobra.Command{
	Use:   "tilt <mac> <angle>",
	Short: "Tilt a covering's slats to an angle (0-180)",
	Long: `Tilt the slats of a venetian-style covering to the given angle.

Only radio motors support tilt; other device types reject the command.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		angle, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("angle must be a number, got %q", args[1])
		}
		return sendCommand(args[0], protocol.NewTiltCommand(angle))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <mac>",
	Short: "Query a covering's current status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := newSession()
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		tgt, err := s.resolve(ctx, args[0])
		if err != nil {
			return err
		}

		status, err := s.client.QueryStatus(ctx, tgt.hubAddr, tgt.mac, tgt.deviceType)
		if err != nil {
			return fmt.Errorf("status query failed: %w", err)
		}

		printStatus(tgt.mac, status)
		return nil
	},
}

// keyCmd stores the application key in the settings file
var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Store the application key",
	Long: `Store the 16-character application key in the settings file.

The key is found in the vendor app: Settings, About, then tap the version
number five times. It is read without echo and written to the settings
file with owner-only permissions.`,
	RunE: runKey,
}

func runKey(cmd *cobra.Command, args []string) error {
	fmt.Print("Application key: ")
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}

	key := strings.TrimSpace(string(raw))
	if len(key) != 16 {
		return fmt.Errorf("application key must be 16 characters, got %d", len(key))
	}
	// Fail early on a key the cipher would reject.
	if _, err := protocol.NewCodec(key); err != nil {
		return err
	}

	settings, err := loadSettings()
	if err != nil {
		return err
	}
	settings.Key = key
	if err := settings.Save(); err != nil {
		return err
	}

	path, _ := config.GetSettingsPath()
	fmt.Printf("Key saved to %s\n", path)
	return nil
}

// dashboardCmd launches the interactive dashboard
var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Interactive device dashboard",
	Long: `Launch the interactive dashboard: a live table of every discovered
covering with keybindings for open, close, stop, and status queries.`,
	RunE: runDashboard,
}

func runDashboard(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.close()

	return tui.Run(&dashboardController{session: s})
}

// dashboardController adapts a CLI session to the dashboard's controller
// interface
type dashboardController struct {
	session *session
}

func (c *dashboardController) Scan(ctx context.Context) ([]tui.DeviceRow, error) {
	replies, err := c.session.discover(ctx)
	if err != nil {
		return nil, err
	}

	var rows []tui.DeviceRow
	for _, reply := range replies {
		for _, rec := range reply.Ack.Devices {
			if rec.IsBridge() {
				continue
			}
			rows = append(rows, tui.DeviceRow{
				Identity:   registry.Identity(rec.MAC),
				MAC:        rec.MAC,
				DeviceType: rec.DeviceType,
				HubAddr:    reply.Addr,
				FwVersion:  reply.Ack.FwVersion,
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].MAC < rows[j].MAC })
	return rows, nil
}

func (c *dashboardController) Command(ctx context.Context, row tui.DeviceRow, cmd protocol.Command) (*protocol.DeviceStatus, error) {
	return c.session.client.SendCommand(ctx, row.HubAddr, row.MAC, row.DeviceType, cmd)
}

// printStatus renders a status reply for terminal output
func printStatus(mac string, status *protocol.DeviceStatus) {
	fmt.Printf("Device %s\n", mac)
	fmt.Printf("  Position:  %d%% open\n", status.CurrentPosition)
	if status.CurrentAngle > 0 {
		fmt.Printf("  Angle:     %d°\n", status.CurrentAngle)
	}
	if status.BatteryLevel > 0 {
		fmt.Printf("  Battery:   %.1fV\n", float64(status.BatteryLevel)/100.0)
	}
	if status.RSSI != 0 {
		fmt.Printf("  RSSI:      %d dBm\n", status.RSSI)
	}
}
