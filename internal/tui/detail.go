package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/cadence/internal/models"
	"github.com/fentz26/cadence/internal/scheduler"
)

var (
	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(12)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			MarginTop(1)
)

func renderAdmission(s *scheduler.AdmissionStatus) string {
	if s == nil {
		return "  Loading...\n"
	}
	var b strings.Builder
	p := s.Policy

	row := func(label, value string) {
		b.WriteString("  " + labelStyle.Render(label) + value + "\n")
	}

	row("Gate", gateLabel(s))
	if s.State.Paused {
		row("Reason", s.State.PauseReason)
	}
	row("Today", fmt.Sprintf("%d / %d", s.CompletedToday, p.MaxPerDay))
	row("Window", fmt.Sprintf("%02d:00-%02d:00", p.AllowedStartHour, p.AllowedEndHour))
	row("Interval", p.MinInterval.String())
	row("Failures", fmt.Sprintf("%d / %d", s.State.ConsecutiveFailures, p.PauseOnConsecutiveErrors))
	if !s.Decision.Allowed && s.Decision.Reason != "" {
		row("Blocked", s.Decision.Reason)
		if s.Decision.NextAllowedAt != nil {
			row("Next", s.Decision.NextAllowedAt.Local().Format("Mon 15:04"))
		}
	}
	return b.String()
}

func gateLabel(s *scheduler.AdmissionStatus) string {
	switch {
	case !s.Policy.Enabled:
		return lipgloss.NewStyle().Foreground(errorColor).Render("● disabled")
	case s.State.Paused:
		return lipgloss.NewStyle().Foreground(warningColor).Render("● paused")
	case s.Decision.Allowed:
		return lipgloss.NewStyle().Foreground(successColor).Render("● open")
	}
	return lipgloss.NewStyle().Foreground(warningColor).Render("● waiting")
}

func renderRuns(runs []models.CycleRun, limit int) string {
	if len(runs) == 0 {
		return "  " + helpStyle.Render("No runs yet") + "\n"
	}
	var b strings.Builder
	for i, r := range runs {
		if i >= limit {
			break
		}
		sent := 0
		for _, n := range r.Counts.ActionsSent {
			sent += n
		}
		line := fmt.Sprintf("  %s  %s  sent %d  deferred %d",
			r.StartedAt.Local().Format("Jan 02 15:04"),
			outcomeStyle(r.Outcome).Render(fmt.Sprintf("%-9s", r.Outcome)),
			sent, r.Counts.Deferred)
		if r.DryRun {
			line += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render("dry")
		}
		if r.HaltReason != "" {
			line += "  " + helpStyle.Render(truncate(r.HaltReason, 40))
		}
		b.WriteString(line + "\n")
	}
	return b.String()
}

func renderPlan(run *models.CycleRun) string {
	if run == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(sectionStyle.Render(fmt.Sprintf("Dry run: %s", run.Outcome)) + "\n")
	if run.HaltReason != "" {
		b.WriteString("  " + run.HaltReason + "\n")
	}
	if len(run.Planned) == 0 {
		b.WriteString("  " + helpStyle.Render("Nothing due") + "\n")
	}
	for _, p := range run.Planned {
		b.WriteString("  • " + p + "\n")
	}
	return b.String()
}

func outcomeStyle(o models.RunOutcome) lipgloss.Style {
	switch o {
	case models.RunCompleted:
		return lipgloss.NewStyle().Foreground(successColor)
	case models.RunHalted:
		return lipgloss.NewStyle().Foreground(warningColor)
	case models.RunAborted:
		return lipgloss.NewStyle().Foreground(errorColor)
	}
	return lipgloss.NewStyle()
}

func formatAge(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
