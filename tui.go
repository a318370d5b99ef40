package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"glasslink/clipboard"
	"glasslink/eventchan"
	"glasslink/facade"
	"glasslink/journal"
	"glasslink/peripheral"
)

const (
	journalLines = 12
	maxListed    = 9
	statusTTL    = 4 * time.Second
)

// TUI message types
type snapshotMsg facade.Snapshot
type journalMsg journal.Entry
type resultMsg struct {
	Text string
	Err  error
}
type closedMsg struct{}

type tuiModel struct {
	f       *facade.Facade
	ctx     context.Context
	snaps   <-chan facade.Snapshot
	entries <-chan journal.Entry
	stop    func()

	snap          facade.Snapshot
	journal       []journal.Entry // newest first
	result        string
	resultErr     bool
	resultAt      time.Time
	width, height int
}

var (
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	keyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
	titleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	descStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	objectStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

func newTUIModel(ctx context.Context, f *facade.Facade) tuiModel {
	snaps, stopSnaps := f.Subscribe()
	entries, stopEntries := f.JournalUpdates()
	return tuiModel{
		f:       f,
		ctx:     ctx,
		snaps:   snaps,
		entries: entries,
		stop: func() {
			stopSnaps()
			stopEntries()
		},
		snap:    f.Current(),
		journal: f.Journal(),
	}
}

// runTUI blocks until the user quits or ctx ends. The server connection is
// opened on start.
func runTUI(ctx context.Context, f *facade.Facade) error {
	m := newTUIModel(ctx, f)
	defer m.stop()
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithReportFocus())
	go func() {
		<-ctx.Done()
		p.Quit()
	}()
	_, err := p.Run()
	return err
}

func waitSnapshot(ch <-chan facade.Snapshot) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return snapshotMsg(s)
	}
}

func waitJournal(ch <-chan journal.Entry) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return journalMsg(e)
	}
}

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(
		waitSnapshot(m.snaps),
		waitJournal(m.entries),
		m.action(func() (string, error) {
			return "connecting to server", m.f.TriggerServerConnect()
		}),
	)
}

// action runs fn off the update loop and reports its outcome.
func (m tuiModel) action(fn func() (string, error)) tea.Cmd {
	return func() tea.Msg {
		text, err := fn()
		return resultMsg{Text: text, Err: err}
	}
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.FocusMsg:
		m.f.SetForeground(true)

	case tea.BlurMsg:
		m.f.SetForeground(false)

	case snapshotMsg:
		m.snap = facade.Snapshot(msg)
		return m, waitSnapshot(m.snaps)

	case journalMsg:
		m.journal = append([]journal.Entry{journal.Entry(msg)}, m.journal...)
		if len(m.journal) > journal.Capacity {
			m.journal = m.journal[:journal.Capacity]
		}
		return m, waitJournal(m.entries)

	case resultMsg:
		m.result, m.resultErr, m.resultAt = msg.Text, msg.Err != nil, time.Now()
		if msg.Err != nil {
			m.result = msg.Err.Error()
		}

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "c":
		if m.snap.ServerState == eventchan.Disconnected || m.snap.ServerState == eventchan.Failed {
			return m, m.action(func() (string, error) {
				return "connecting to server", m.f.TriggerServerConnect()
			})
		}
		return m, m.action(func() (string, error) {
			m.f.TriggerServerDisconnect()
			return "server disconnected", nil
		})

	case "s":
		if m.snap.PeripheralState == peripheral.Scanning {
			return m, m.action(func() (string, error) {
				m.f.StopScan()
				return "scan stopped", nil
			})
		}
		return m, m.action(func() (string, error) {
			return "scanning", m.f.TriggerScan(m.ctx)
		})

	case "d":
		return m, m.action(func() (string, error) {
			m.f.TriggerDisconnect()
			return "peripheral disconnected", nil
		})

	case "r":
		return m, m.action(func() (string, error) {
			ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
			defer cancel()
			return "status requested", m.f.RequestStatus(ctx)
		})

	case "y":
		text := m.snap.LastDescription
		if text == "" {
			return m, nil
		}
		return m, m.action(func() (string, error) {
			return "description copied", clipboard.Copy(text)
		})
	}

	if len(key) == 1 && key[0] >= '1' && key[0] <= '9' {
		i := int(key[0] - '1')
		if i < len(m.snap.Discovered) {
			d := m.snap.Discovered[i]
			return m, m.action(func() (string, error) {
				got, err := m.f.TriggerConnect(m.ctx, d.ID)
				return "paired " + got.Label(), err
			})
		}
	}
	return m, nil
}

func stateDot(connected, pending, failed bool) string {
	switch {
	case connected:
		return okStyle.Render("●")
	case failed:
		return errStyle.Render("●")
	case pending:
		return warnStyle.Render("◐")
	}
	return dimStyle.Render("○")
}

func serverDot(s eventchan.State) string {
	return stateDot(s == eventchan.Connected,
		s == eventchan.Connecting || s == eventchan.Reconnecting,
		s == eventchan.Failed)
}

func peripheralDot(s peripheral.State) string {
	return stateDot(s == peripheral.Connected,
		s == peripheral.Scanning || s == peripheral.Connecting,
		false)
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	s := m.snap
	wrapWidth := max(m.width-2, 10)
	var b strings.Builder

	server := fmt.Sprintf("%s server %s", serverDot(s.ServerState), s.ServerState)
	if s.Server != nil {
		server += dimStyle.Render(fmt.Sprintf("  model:%v tts:%v clients:%d",
			s.Server.ModelLoaded, s.Server.TTSAvailable, s.Server.ConnectedClients))
	}
	b.WriteString(server + "\n")

	device := ""
	if s.ActiveDevice != nil {
		device = " " + s.ActiveDevice.Label()
	}
	b.WriteString(fmt.Sprintf("%s glasses %s%s\n", peripheralDot(s.PeripheralState), s.PeripheralState, device))
	if !s.Foreground {
		b.WriteString(warnStyle.Render("  background: local audio muted") + "\n")
	}
	if s.StatusMessage != "" {
		b.WriteString(dimStyle.Render("  "+s.StatusMessage) + "\n")
	}
	b.WriteString("\n")

	b.WriteString(titleStyle.Render(fmt.Sprintf("Last description (#%d)", s.Descriptions)) + "\n")
	if s.LastDescription == "" {
		b.WriteString(dimStyle.Render("No descriptions yet") + "\n")
	} else {
		for _, line := range wrapText(s.LastDescription, wrapWidth) {
			b.WriteString(descStyle.Render(line) + "\n")
		}
	}
	if len(s.DetectedObjects) > 0 {
		b.WriteString(objectStyle.Render("objects: "+strings.Join(s.DetectedObjects, ", ")) + "\n")
	}
	b.WriteString("\n")

	if len(s.Discovered) > 0 {
		b.WriteString(titleStyle.Render("Nearby devices") + "\n")
		for i, d := range s.Discovered {
			if i == maxListed {
				break
			}
			b.WriteString(fmt.Sprintf(" %s %s\n", keyStyle.Render(fmt.Sprintf("%d", i+1)), deviceLine(d)))
		}
		b.WriteString("\n")
	}

	b.WriteString(titleStyle.Render("Activity") + "\n")
	for i, e := range m.journal {
		if i == journalLines {
			break
		}
		b.WriteString(dimStyle.Render(e.String()) + "\n")
	}
	b.WriteString("\n")

	if m.result != "" && time.Since(m.resultAt) < statusTTL {
		style := okStyle
		if m.resultErr {
			style = errStyle
		}
		b.WriteString(style.Render(m.result) + "\n")
	}

	help := []string{
		keyStyle.Render("c") + helpStyle.Render(" server"),
		keyStyle.Render("s") + helpStyle.Render(" scan"),
		keyStyle.Render("1-9") + helpStyle.Render(" pair"),
		keyStyle.Render("d") + helpStyle.Render(" unpair"),
		keyStyle.Render("r") + helpStyle.Render(" status"),
		keyStyle.Render("y") + helpStyle.Render(" copy"),
		keyStyle.Render("q") + helpStyle.Render(" quit"),
	}
	b.WriteString(strings.Join(help, "  ") + "\n")
	b.WriteString(helpStyle.Render("glasslink " + version))

	return lipgloss.NewStyle().
		Width(m.width).
		MaxHeight(m.height).
		PaddingLeft(1).
		Render(b.String())
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}
