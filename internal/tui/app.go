// Package tui provides the terminal dashboard for cadence.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/cadence/internal/models"
	"github.com/fentz26/cadence/internal/scheduler"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	onlineStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(errorColor)
)

// refreshInterval is how often the dashboard polls the daemon.
const refreshInterval = 5 * time.Second

// App is the main TUI application model.
type App struct {
	client       *Client
	campaigns    []scheduler.CampaignSummary
	table        table.Model
	spinner      spinner.Model
	admission    *scheduler.AdmissionStatus
	runs         []models.CycleRun
	plan         *models.CycleRun
	detailFor    string
	width        int
	height       int
	message      string
	loading      bool
	daemonOnline bool
	refreshedAt  time.Time
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	return &App{
		client:  NewClient(apiAddr),
		table:   newCampaignTable(),
		spinner: sp,
		loading: true,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.spinner.Tick,
		a.fetchCampaigns(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "r":
			a.loading = true
			return a, tea.Batch(a.fetchCampaigns(), a.checkDaemon())
		case "e":
			return a, a.changeAdmission("enable")
		case "d":
			return a, a.changeAdmission("disable")
		case "p":
			return a, a.changeAdmission("pause")
		case "s":
			return a, a.changeAdmission("resume")
		case "n":
			if c := a.selected(); c != nil {
				a.message = "Planning " + c.Name + "..."
				return a, a.dryRun(c.ID)
			}
		case "esc":
			a.plan = nil
			a.message = ""
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		h := msg.Height/2 - 4
		if h < 3 {
			h = 3
		}
		a.table.SetHeight(h)

	case campaignsLoadedMsg:
		a.loading = false
		a.campaigns = msg.campaigns
		a.refreshedAt = time.Now()
		a.table.SetRows(campaignRows(msg.campaigns))
		if a.table.Cursor() >= len(a.campaigns) {
			a.table.SetCursor(max(0, len(a.campaigns)-1))
		}
		if c := a.selected(); c != nil {
			cmds = append(cmds, a.fetchDetail(c.ID))
		}

	case detailLoadedMsg:
		if c := a.selected(); c != nil && c.ID == msg.campaignID {
			a.detailFor = msg.campaignID
			a.admission = msg.admission
			a.runs = msg.runs
		}

	case admissionChangedMsg:
		a.message = fmt.Sprintf("✓ %s applied", msg.op)
		a.admission = msg.status

	case planLoadedMsg:
		a.message = ""
		a.plan = msg.run

	case daemonStatusMsg:
		a.daemonOnline = msg.online

	case tickMsg:
		cmds = append(cmds, a.fetchCampaigns(), a.checkDaemon(), a.tickCmd())

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case errMsg:
		a.loading = false
		a.message = "Error: " + msg.err.Error()
	}

	before := a.table.Cursor()
	var cmd tea.Cmd
	a.table, cmd = a.table.Update(msg)
	cmds = append(cmds, cmd)
	if a.table.Cursor() != before {
		a.plan = nil
		if c := a.selected(); c != nil {
			cmds = append(cmds, a.fetchDetail(c.ID))
		}
	}

	return a, tea.Batch(cmds...)
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := onlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = offlineStyle.Render("○ DAEMON")
	}
	header := titleStyle.Render("cadence") + "  " + daemonStatus
	if a.loading {
		header += "  " + a.spinner.View()
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 40)) + "\n")

	if len(a.campaigns) == 0 && !a.loading {
		b.WriteString("\n  No campaigns. Create one with: cadence campaign create --name ... --pattern ...\n")
	} else {
		b.WriteString(a.table.View() + "\n")
	}

	if c := a.selected(); c != nil && a.detailFor == c.ID {
		b.WriteString(sectionStyle.Render("Admission: "+c.Name) + "\n")
		b.WriteString(renderAdmission(a.admission))
		b.WriteString(sectionStyle.Render("Recent runs") + "\n")
		b.WriteString(renderRuns(a.runs, 5))
	}
	if a.plan != nil {
		b.WriteString(renderPlan(a.plan))
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	}
	b.WriteString("\n")

	status := fmt.Sprintf(" Campaigns: %d | ↑↓:nav | e:enable d:disable p:pause s:resume | n:dry run | r:refresh | q:quit", len(a.campaigns))
	if !a.refreshedAt.IsZero() {
		status += " | " + formatAge(time.Since(a.refreshedAt)) + " ago"
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 40)).Render(status))

	return b.String()
}

func (a *App) selected() *scheduler.CampaignSummary {
	i := a.table.Cursor()
	if i < 0 || i >= len(a.campaigns) {
		return nil
	}
	return &a.campaigns[i]
}

func (a *App) fetchCampaigns() tea.Cmd {
	return func() tea.Msg {
		campaigns, err := a.client.ListCampaigns()
		if err != nil {
			return errMsg{err}
		}
		return campaignsLoadedMsg{campaigns}
	}
}

func (a *App) fetchDetail(campaignID string) tea.Cmd {
	return func() tea.Msg {
		status, err := a.client.AdmissionStatus(campaignID)
		if err != nil {
			return errMsg{err}
		}
		runs, _ := a.client.ListRuns(campaignID, 5)
		return detailLoadedMsg{campaignID, status, runs}
	}
}

func (a *App) changeAdmission(op string) tea.Cmd {
	c := a.selected()
	if c == nil {
		return nil
	}
	id := c.ID
	return func() tea.Msg {
		status, err := a.client.ChangeAdmission(id, op)
		if err != nil {
			return errMsg{err}
		}
		return admissionChangedMsg{op, status}
	}
}

func (a *App) dryRun(campaignID string) tea.Cmd {
	return func() tea.Msg {
		run, err := a.client.DryRun(campaignID)
		if err != nil {
			return errMsg{err}
		}
		return planLoadedMsg{run}
	}
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, err := a.client.CheckHealth()
		return daemonStatusMsg{online: err == nil && ok}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type errMsg struct {
	err error
}

type campaignsLoadedMsg struct {
	campaigns []scheduler.CampaignSummary
}

type detailLoadedMsg struct {
	campaignID string
	admission  *scheduler.AdmissionStatus
	runs       []models.CycleRun
}

type admissionChangedMsg struct {
	op     string
	status *scheduler.AdmissionStatus
}

type planLoadedMsg struct {
	run *models.CycleRun
}

type daemonStatusMsg struct {
	online bool
}

type tickMsg time.Time
