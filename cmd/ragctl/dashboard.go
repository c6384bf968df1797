package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
	maxRecentRows   = 5
)

var dashboardInterval time.Duration

// dashboardCmd opens the live terminal dashboard
var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Watch server health and evaluation scores live",
	Long: `Open a terminal dashboard that polls the ragd server for health and
evaluation results.

Examples:
  # Watch the local server
  ragctl dashboard

  # Poll every 2 seconds
  ragctl dashboard --interval 2s`,
	RunE: runDashboard,
}

func init() {
	dashboardCmd.Flags().DurationVar(&dashboardInterval, "interval", 5*time.Second, "poll interval")
}

// runDashboard handles the dashboard command
func runDashboard(cmd *cobra.Command, args []string) error {
	p := tea.NewProgram(newDashboardModel(dashboardInterval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("dashboard failed: %w", err)
	}
	return nil
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// serverStats holds one poll of the server
type serverStats struct {
	Health      HealthResponse
	Evaluations []Evaluation
}

// dashboardModel represents the BubbleTea dashboard model
type dashboardModel struct {
	interval   time.Duration
	lastUpdate time.Time
	stats      serverStats
	history    []float64 // correctness per evaluation, oldest first
	err        error
	quitting   bool

	correctness progress.Model
}

// newDashboardModel creates a new dashboard model
func newDashboardModel(interval time.Duration) dashboardModel {
	corrProg := progress.New(
		progress.WithGradient("#ff0000", "#00ff00"),
		progress.WithWidth(40),
	)
	return dashboardModel{
		interval:    interval,
		correctness: corrProg,
	}
}

// Message types
type tickMsg time.Time
type statsMsg serverStats
type errMsg error

// Init initializes the model
func (m dashboardModel) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchStats(),
	)
}

// tick creates a tick command for auto-refresh
func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchStats polls the server for health and evaluation results
func fetchStats() tea.Cmd {
	return func() tea.Msg {
		var stats serverStats

		client := &http.Client{Timeout: healthTimeout}
		resp, err := client.Get(serverURL + "/v1/healthz")
		if err != nil {
			return errMsg(err)
		}
		err = decodeInto(resp, &stats.Health)
		if err != nil {
			return errMsg(err)
		}

		var evals EvaluationListResponse
		if err := doJSON(http.MethodGet, "/v1/testbed/evaluations", nil, &evals); err != nil {
			// The health probe answered, so the server is up; surface
			// the evaluations as absent rather than failing the poll.
			stats.Evaluations = nil
			return statsMsg(stats)
		}
		stats.Evaluations = evals.Evaluations
		return statsMsg(stats)
	}
}

// Update handles messages
func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchStats()
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchStats(),
		)

	case statsMsg:
		m.stats = serverStats(msg)
		m.history = correctnessHistory(m.stats.Evaluations)
		m.lastUpdate = time.Now()
		m.err = nil
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// correctnessHistory converts the newest-first evaluation list into an
// oldest-first series for the sparkline, capped to the window.
func correctnessHistory(evals []Evaluation) []float64 {
	n := len(evals)
	if n > historySize {
		n = historySize
	}
	out := make([]float64, 0, n)
	for i := n - 1; i >= 0; i-- {
		out = append(out, evals[i].Correctness*100)
	}
	return out
}

// createSparkline renders a sparkline chart from the series
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}

	return sparklineStyle.Render(spark.View())
}

// scoreBadge returns a status badge for a correctness score
func scoreBadge(score float64) string {
	if score >= 0.8 {
		return healthyStyle.Render("[✓]")
	} else if score >= 0.5 {
		return warningStyle.Render("[⚠]")
	}
	return errorStyle.Render("[✗]")
}

// View renders the dashboard
func (m dashboardModel) View() string {
	if m.quitting {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.renderDashboard()
}

// renderError renders the error view
func (m dashboardModel) renderError() string {
	header := headerStyle.Render(" ragd Monitor ")

	var content string
	content += "\n"
	content += errorStyle.Render("⚠ Cannot reach the server") + "\n"
	content += "\n"
	content += dimStyle.Render("URL: ") + valueStyle.Render(serverURL) + "\n"
	content += dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n"
	content += "\n"
	content += footerStyle.Render("[q] quit  [r] retry") + "\n"

	return containerStyle.Render(header + "\n" + content)
}

// renderDashboard renders the main dashboard view
func (m dashboardModel) renderDashboard() string {
	var content string

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}

	status := errorStyle.Render("✗ DOWN")
	if m.stats.Health.Status == "ok" {
		status = healthyStyle.Render("✓ HEALTHY")
	}

	content += headerStyle.Render(" ragd Monitor ") + "\n"
	content += fmt.Sprintf("%s   %s   %s\n",
		status,
		dimStyle.Render("Updated:"),
		valueStyle.Render(lastUpdateStr))

	content += "\n" + sectionStyle.Render("┃ Server") + "\n"
	content += labelStyle.Render("  Databases connected: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.stats.Health.DatabasesConnected)) + "\n"
	content += labelStyle.Render("  Models enabled: ") +
		valueStyle.Render(fmt.Sprintf("%d", m.stats.Health.ModelsEnabled)) + "\n"

	content += "\n" + sectionStyle.Render("┃ Evaluations") + "\n"
	if len(m.stats.Evaluations) == 0 {
		content += dimStyle.Render("  none stored") + "\n"
	} else {
		latest := m.stats.Evaluations[0]
		content += labelStyle.Render("  Latest correctness: ") +
			valueStyle.Render(fmt.Sprintf("%.0f%%", latest.Correctness*100)) +
			" " + scoreBadge(latest.Correctness) + "\n"
		content += "  " + m.correctness.ViewAs(latest.Correctness) + "\n"
		content += labelStyle.Render("  Trend: ") + "\n"
		content += createSparkline(m.history) + "\n"

		rows := m.stats.Evaluations
		if len(rows) > maxRecentRows {
			rows = rows[:maxRecentRows]
		}
		for _, ev := range rows {
			content += dimStyle.Render(fmt.Sprintf("  %s  %s  ", ev.EID,
				ev.EvaluatedAt.Format("15:04:05"))) +
				valueStyle.Render(fmt.Sprintf("%.0f%%", ev.Correctness*100)) + "\n"
		}
	}

	content += footerStyle.Render("[q] quit  [r] refresh") + "\n"

	return containerStyle.Render(content)
}

// decodeInto decodes a 2xx JSON response body, closing it.
func decodeInto(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
