package app

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kerbaras/mangashelf/pkg/app/components"
	"github.com/kerbaras/mangashelf/pkg/app/styles"
	"github.com/kerbaras/mangashelf/pkg/services"
)

// progressMsg carries one event from the download progress channel.
type progressMsg services.DownloadProgress

// closedMsg is sent once the progress channel is closed.
type closedMsg struct{}

// Monitor is a terminal view of the downloads running in this process.
type Monitor struct {
	events  <-chan services.DownloadProgress
	tracker *components.ProgressTracker
	closed  bool
	width   int
	height  int
}

func NewMonitor(events <-chan services.DownloadProgress) *Monitor {
	return &Monitor{
		events:  events,
		tracker: components.NewProgressTracker(80),
		width:   80,
	}
}

// Run shows the monitor until the user quits or ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	p := tea.NewProgram(m, tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *Monitor) waitForProgress() tea.Msg {
	ev, ok := <-m.events
	if !ok {
		return closedMsg{}
	}
	return progressMsg(ev)
}

func (m *Monitor) Init() tea.Cmd {
	return m.waitForProgress
}

func (m *Monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.tracker.SetWidth(msg.Width)

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			m.tracker.Clear()
		}

	case progressMsg:
		m.tracker.Update(services.DownloadProgress(msg))
		return m, m.waitForProgress

	case closedMsg:
		m.closed = true
	}
	return m, nil
}

func (m *Monitor) View() string {
	help := "q: quit • c: clear failed"
	if m.closed {
		help = "downloader stopped • " + help
	}
	return fmt.Sprintf("%s\n%s\n", m.tracker.View(), styles.HelpStyle.Render(help))
}
