package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fentz26/cadence/internal/controlplane"
	"github.com/fentz26/cadence/internal/models"
	"github.com/fentz26/cadence/internal/scheduler"
	"github.com/spf13/cobra"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run cycles and inspect their history",
}

var cycleRunCmd = &cobra.Command{
	Use:   "run [campaign-id]",
	Short: "Run one cycle now",
	Args:  cobra.ExactArgs(1),
	RunE:  runCycleRun,
}

var cycleHistoryCmd = &cobra.Command{
	Use:   "history [campaign-id]",
	Short: "Show recent cycle runs",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCycleHistory,
}

var (
	runOpts      scheduler.RunOptions
	runWait      time.Duration
	historyLimit int
)

func init() {
	cycleCmd.AddCommand(cycleRunCmd, cycleHistoryCmd)

	cycleRunCmd.Flags().BoolVar(&runOpts.DryRun, "dry-run", false, "Evaluate admission and list planned actions only")
	cycleRunCmd.Flags().BoolVar(&runOpts.SkipDiscovery, "skip-discovery", false, "Do not look for new prospects")
	cycleRunCmd.Flags().BoolVar(&runOpts.SkipFollowUps, "skip-follow-ups", false, "Do not send follow-up messages")
	cycleRunCmd.Flags().DurationVar(&runWait, "wait", 2*time.Minute, "How long to wait for the cycle to finish")

	cycleHistoryCmd.Flags().IntVar(&historyLimit, "limit", 10, "Number of runs to show")
}

func runCycleRun(cmd *cobra.Command, args []string) error {
	req := controlplane.RunRequest{RunOptions: runOpts, WaitSeconds: int(runWait.Seconds())}

	// The request itself may block for the whole wait.
	client := &http.Client{Timeout: runWait + DefaultClientTimeout}
	resp, err := apiDo(client, http.MethodPost, "/campaigns/"+url.PathEscape(args[0])+"/run", req)
	if err != nil {
		return err
	}

	var out controlplane.RunResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return err
	}
	if out.Run == nil {
		fmt.Println("Cycle is still running; check `cadence cycle history` later.")
		return nil
	}
	printRun(out.Run)
	if out.Error != "" {
		return fmt.Errorf("cycle aborted: %s", out.Error)
	}
	return nil
}

func runCycleHistory(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/runs?limit=%d", historyLimit)
	if len(args) == 1 {
		path = fmt.Sprintf("/campaigns/%s/runs?limit=%d", url.PathEscape(args[0]), historyLimit)
	}

	var runs []models.CycleRun
	if err := apiGetJSON(path, &runs); err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tCAMPAIGN\tSTARTED\tOUTCOME\tSENT\tDEFERRED\tREASON")
	for _, r := range runs {
		started := r.StartedAt
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(r.ID), truncateID(r.CampaignID), formatTime(&started),
			outcomeLabel(r.Outcome), formatCounts(r.Counts.ActionsSent), r.Counts.Deferred, truncate(r.HaltReason, 40))
	}
	w.Flush()
	return nil
}
