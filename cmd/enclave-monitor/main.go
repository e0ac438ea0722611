// Command enclave-monitor is a read-only bubbletea TUI that polls a
// session's lifecycle state and host resource usage. It mutates nothing —
// it only calls the façade's pure query operations and the stats package.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/DeBrosOfficial/enclaverun/pkg/enclave/session"
	"github.com/DeBrosOfficial/enclaverun/pkg/enclave/stats"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#00D4AA")).
			MarginBottom(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#00D4AA")).
			Padding(1, 2)
)

const pollInterval = time.Second

type tickMsg time.Time

type snapshotMsg struct {
	state            string
	programRegistered bool
	resultRegistered bool
	dataSourceCount  uint64
	cpuIdleRatio     float64
	memUsedBytes     uint64
	err              error
}

// model is the monitor's bubbletea state: the last snapshot read from the
// session and host stats, refreshed once per pollInterval.
type model struct {
	sess *session.Session
	last snapshotMsg
	cpu  progress.Model
}

func newModel(sess *session.Session) model {
	return model{sess: sess, cpu: progress.New(progress.WithDefaultGradient())}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(pollCmd(m.sess), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func pollCmd(sess *session.Session) tea.Cmd {
	return func() tea.Msg {
		snap, statErr := stats.Get()

		var cpuIdleRatio float64
		if statErr == nil && snap.CPUTotal > 0 {
			cpuIdleRatio = float64(snap.CPUIdle) / float64(snap.CPUTotal)
		}

		return snapshotMsg{
			state:             sess.GetLifecycleState().String(),
			programRegistered: sess.IsProgramRegistered(),
			resultRegistered:  sess.IsResultRegistered(),
			dataSourceCount:   sess.GetCurrentDataSourceCount(),
			cpuIdleRatio:      cpuIdleRatio,
			memUsedBytes:      snap.MemUsed,
			err:               statErr,
		}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.cpu.Width = msg.Width - boxStyle.GetHorizontalFrameSize() - 4
	case tickMsg:
		return m, tea.Batch(pollCmd(m.sess), tickCmd())
	case snapshotMsg:
		m.last = msg
	}
	return m, nil
}

func (m model) View() string {
	body := fmt.Sprintf(
		"%s %s\n%s %s\n%s %s\n%s %d\n%s %s\n%s %d MB\n\n%s",
		labelStyle.Render("session:"), valueStyle.Render(m.sess.ID),
		labelStyle.Render("lifecycle:"), valueStyle.Render(m.last.state),
		labelStyle.Render("result registered:"), valueStyle.Render(fmt.Sprintf("%t", m.last.resultRegistered)),
		labelStyle.Render("data sources:"), m.last.dataSourceCount,
		labelStyle.Render("cpu idle:"), m.cpu.ViewAs(m.last.cpuIdleRatio),
		labelStyle.Render("mem used:"), m.last.memUsedBytes/(1024*1024),
		labelStyle.Render("press q to quit"),
	)
	return titleStyle.Render("enclave-monitor") + "\n" + boxStyle.Render(body)
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	sess, err := session.New(ctx, nil, logger)
	if err != nil {
		logger.Fatal("failed to start session", zap.Error(err))
	}
	defer sess.Close(ctx)

	program := tea.NewProgram(newModel(sess), tea.WithAltScreen())
	if _, err := program.Run(); err != nil {
		logger.Fatal("monitor exited with error", zap.Error(err))
	}
}
