package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/shadectl/internal/protocol"
)

// commandTimeout bounds every hub round trip issued from the dashboard
const commandTimeout = 10 * time.Second

// DeviceRow is one covering as shown in the dashboard
type DeviceRow struct {
	Identity   string
	MAC        string
	DeviceType string
	HubAddr    string
	FwVersion  string
	Status     *protocol.DeviceStatus
}

// SupportsTilt reports whether the row's device accepts tilt commands
func (r DeviceRow) SupportsTilt() bool {
	rec := protocol.DeviceRecord{MAC: r.MAC, DeviceType: r.DeviceType}
	return rec.SupportsTilt()
}

// Controller is what the dashboard drives: a scan that repopulates the
// device table, and per-device commands. Implemented in the CLI on top of
// the hub client; tests substitute a scripted fake.
type Controller interface {
	Scan(ctx context.Context) ([]DeviceRow, error)
	Command(ctx context.Context, row DeviceRow, cmd protocol.Command) (*protocol.DeviceStatus, error)
}

// Messages for async operations
type scanCompleteMsg struct {
	rows []DeviceRow
	err  error
}

type commandCompleteMsg struct {
	mac    string
	status *protocol.DeviceStatus
	err    error
}

// dashboardKeyMap defines key bindings for the dashboard
type dashboardKeyMap struct {
	Up     key.Binding
	Down   key.Binding
	Open   key.Binding
	Close  key.Binding
	Stop   key.Binding
	Query  key.Binding
	Rescan key.Binding
	Quit   key.Binding
}

// ShortHelp returns keybindings to be shown in the mini help view
func (k dashboardKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Open, k.Close, k.Stop, k.Rescan, k.Quit}
}

// FullHelp returns keybindings for the expanded help view
func (k dashboardKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Open, k.Close},
		{k.Stop, k.Query, k.Rescan, k.Quit},
	}
}

func defaultKeyMap() dashboardKeyMap {
	return dashboardKeyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		Open: key.NewBinding(
			key.WithKeys("o"),
			key.WithHelp("o", "open"),
		),
		Close: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "close"),
		),
		Stop: key.NewBinding(
			key.WithKeys("s"),
			key.WithHelp("s", "stop"),
		),
		Query: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("enter", "status"),
		),
		Rescan: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "rescan"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// Model is the dashboard's bubbletea model
type Model struct {
	ctrl Controller

	rows   []DeviceRow
	cursor int

	scanning bool
	busy     bool // a command round trip is in flight
	message  string
	isError  bool

	width  int
	height int

	spinner spinner.Model
	help    help.Model
	keys    dashboardKeyMap
}

// NewModel creates a dashboard that scans via the given controller on start
func NewModel(ctrl Controller) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return Model{
		ctrl:     ctrl,
		scanning: true,
		spinner:  s,
		help:     help.New(),
		keys:     defaultKeyMap(),
	}
}

// Init starts the spinner and the initial scan
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, scanCmd(m.ctrl))
}

// scanCmd runs one discovery scan off the UI goroutine
func scanCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		rows, err := ctrl.Scan(ctx)
		return scanCompleteMsg{rows: rows, err: err}
	}
}

// commandCmd sends one command to the focused device
func commandCmd(ctrl Controller, row DeviceRow, cmd protocol.Command) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		status, err := ctrl.Command(ctx, row, cmd)
		return commandCompleteMsg{mac: row.MAC, status: status, err: err}
	}
}

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		if !m.scanning && !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case scanCompleteMsg:
		m.scanning = false
		if msg.err != nil {
			m.message = fmt.Sprintf("scan failed: %v", msg.err)
			m.isError = true
			return m, nil
		}
		m.rows = msg.rows
		if m.cursor >= len(m.rows) {
			m.cursor = 0
		}
		m.message = fmt.Sprintf("%d device(s) found", len(m.rows))
		m.isError = false
		return m, nil

	case commandCompleteMsg:
		m.busy = false
		if msg.err != nil {
			m.message = fmt.Sprintf("%s: %v", msg.mac, msg.err)
			m.isError = true
			return m, nil
		}
		m.applyStatus(msg.mac, msg.status)
		m.message = fmt.Sprintf("%s: position %d%%", msg.mac, msg.status.CurrentPosition)
		m.isError = false
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

// handleKey routes key presses; commands are ignored while a round trip is
// already in flight
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil

	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.rows)-1 {
			m.cursor++
		}
		return m, nil

	case key.Matches(msg, m.keys.Rescan):
		if m.scanning {
			return m, nil
		}
		m.scanning = true
		m.message = ""
		return m, tea.Batch(m.spinner.Tick, scanCmd(m.ctrl))

	case key.Matches(msg, m.keys.Open):
		return m.issue(protocol.NewOperationCommand(protocol.OperationOpen))

	case key.Matches(msg, m.keys.Close):
		return m.issue(protocol.NewOperationCommand(protocol.OperationClose))

	case key.Matches(msg, m.keys.Stop):
		return m.issue(protocol.NewOperationCommand(protocol.OperationStop))

	case key.Matches(msg, m.keys.Query):
		return m.issue(protocol.NewOperationCommand(protocol.OperationQuery))
	}

	return m, nil
}

// issue sends a command to the focused device
func (m Model) issue(cmd protocol.Command) (tea.Model, tea.Cmd) {
	if m.busy || m.scanning || len(m.rows) == 0 {
		return m, nil
	}
	m.busy = true
	row := m.rows[m.cursor]
	return m, tea.Batch(m.spinner.Tick, commandCmd(m.ctrl, row, cmd))
}

// applyStatus refreshes the row matching the replying device
func (m *Model) applyStatus(mac string, status *protocol.DeviceStatus) {
	for i := range m.rows {
		if m.rows[i].MAC == mac {
			m.rows[i].Status = status
			return
		}
	}
}

// View renders the dashboard
func (m Model) View() string {
	title := TitleStyle.Render("SHADECTL DASHBOARD")

	var activity string
	if m.scanning {
		activity = SubtitleStyle.Render(m.spinner.View() + " scanning for hubs...")
	} else if m.busy {
		activity = SubtitleStyle.Render(m.spinner.View() + " waiting for reply...")
	}

	var status string
	if m.message != "" {
		if m.isError {
			status = StatusErrStyle.Render("✗ " + m.message)
		} else {
			status = StatusOKStyle.Render("✓ " + m.message)
		}
	}

	parts := []string{title, ""}
	if activity != "" {
		parts = append(parts, activity, "")
	}
	parts = append(parts, m.renderTable(), "")
	if status != "" {
		parts = append(parts, status, "")
	}
	parts = append(parts, m.help.View(m.keys))

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// renderTable renders the device table
func (m Model) renderTable() string {
	if len(m.rows) == 0 {
		if m.scanning {
			return SubtitleStyle.Render("  (waiting for discovery replies)")
		}
		return SubtitleStyle.Render("  No devices found. Press r to rescan.")
	}

	header := HeaderRowStyle.Render(fmt.Sprintf("   %-14s %-10s %-16s %-9s %-8s",
		"MAC", "TYPE", "HUB", "POSITION", "BATTERY"))

	lines := []string{header}
	for i, row := range m.rows {
		arrow := "  "
		style := RowStyle
		if i == m.cursor {
			arrow = "→ "
			style = SelectedRowStyle
		}

		position := "-"
		battery := "-"
		if row.Status != nil {
			position = fmt.Sprintf("%d%%", row.Status.CurrentPosition)
			battery = formatBattery(row.Status.BatteryLevel)
		}

		line := fmt.Sprintf("%s %-14s %-10s %-16s %-9s %-8s",
			arrow, row.MAC, deviceTypeName(row.DeviceType), row.HubAddr, position, battery)
		lines = append(lines, style.Render(line))
	}

	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// deviceTypeName maps wire device type codes to short labels
func deviceTypeName(deviceType string) string {
	switch deviceType {
	case protocol.DeviceTypeRadioMotor:
		return "motor"
	case protocol.DeviceTypeWiFiCurtain:
		return "curtain"
	case protocol.DeviceTypeWiFiMotor:
		return "wifi-motor"
	case protocol.DeviceTypeWiFiReceiver:
		return "receiver"
	case protocol.DeviceTypeBridge:
		return "bridge"
	default:
		return deviceType
	}
}

// formatBattery renders the raw battery reading as volts
func formatBattery(level int) string {
	if level <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1fV", float64(level)/100.0)
}

// Run starts the dashboard and blocks until the user quits
func Run(ctrl Controller) error {
	p := tea.NewProgram(NewModel(ctrl), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
