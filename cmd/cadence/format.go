package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/fentz26/cadence/internal/models"
	"github.com/fentz26/cadence/internal/scheduler"
)

func outcomeLabel(o models.RunOutcome) string {
	switch o {
	case models.RunCompleted:
		return color.New(color.FgGreen).Sprint(string(o))
	case models.RunHalted:
		return color.New(color.FgYellow).Sprint(string(o))
	case models.RunAborted:
		return color.New(color.FgRed).Sprint(string(o))
	}
	return string(o)
}

func admissionLabel(s scheduler.AdmissionStatus) string {
	switch {
	case !s.Policy.Enabled:
		return color.New(color.FgRed).Sprint("DISABLED")
	case s.State.Paused:
		return color.New(color.FgYellow).Sprint("PAUSED")
	case s.Decision.Allowed:
		return color.New(color.FgGreen).Sprint("OPEN")
	}
	return color.New(color.FgYellow).Sprint("WAITING")
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// formatCounts renders non-zero per-class counts as "connect=2 follow_up=1".
func formatCounts(m map[models.ActionClass]int) string {
	var parts []string
	for class, n := range m {
		if n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", class, n))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func printRun(run *models.CycleRun) {
	fmt.Printf("Run:        %s\n", run.ID)
	fmt.Printf("Outcome:    %s\n", outcomeLabel(run.Outcome))
	if run.HaltReason != "" {
		fmt.Printf("Reason:     %s\n", run.HaltReason)
	}
	if run.NextAllowedAt != nil {
		fmt.Printf("Next at:    %s\n", formatTime(run.NextAllowedAt))
	}
	c := run.Counts
	fmt.Printf("Discovered: %d\n", c.Discovered)
	fmt.Printf("Sent:       %s\n", formatCounts(c.ActionsSent))
	fmt.Printf("Expired:    %d  Skipped: %d  Deferred: %d  Errors: %d\n", c.Expired, c.Skipped, c.Deferred, c.Errors)
	if run.DryRun {
		fmt.Println(color.New(color.FgCyan).Sprint("Dry run, nothing was sent or saved."))
		for _, p := range run.Planned {
			fmt.Printf("  - %s\n", p)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
