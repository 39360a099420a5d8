package tui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/cadence/internal/models"
	"github.com/fentz26/cadence/internal/scheduler"
)

var campaignColumns = []table.Column{
	{Title: "ID", Width: 8},
	{Title: "NAME", Width: 24},
	{Title: "ACTIVE", Width: 7},
	{Title: "CONNECTED", Width: 10},
	{Title: "REPLIED", Width: 8},
	{Title: "CLOSED", Width: 7},
}

func newCampaignTable() table.Model {
	t := table.New(
		table.WithColumns(campaignColumns),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(mutedColor).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(fgColor).
		Background(primaryColor).
		Bold(false)
	t.SetStyles(s)
	return t
}

// campaignRows flattens stage counts into the dashboard columns.
func campaignRows(campaigns []scheduler.CampaignSummary) []table.Row {
	rows := make([]table.Row, 0, len(campaigns))
	for _, c := range campaigns {
		var active, closed int
		for stage, n := range c.Stages {
			if stage.Terminal() {
				closed += n
			} else {
				active += n
			}
		}
		connected := c.Stages[models.StageConnected] + c.Stages[models.StageFirstDMSent] +
			c.Stages[models.StageFollowUp1] + c.Stages[models.StageFollowUp2] + c.Stages[models.StageFollowUp3]

		id := c.ID
		if len(id) > 8 {
			id = id[:8]
		}
		rows = append(rows, table.Row{
			id,
			truncate(c.Name, 24),
			fmt.Sprint(active),
			fmt.Sprint(connected),
			fmt.Sprint(c.Stages[models.StageReplied]),
			fmt.Sprint(closed),
		})
	}
	return rows
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
