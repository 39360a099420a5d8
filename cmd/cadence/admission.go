package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/fentz26/cadence/internal/scheduler"
	"github.com/spf13/cobra"
)

var admissionCmd = &cobra.Command{
	Use:   "admission",
	Short: "Inspect and control a campaign's admission gate",
}

var pauseReason string

var (
	setMaxPerDay   int
	setMinInterval time.Duration
	setStartHour   int
	setEndHour     int
	setErrorLimit  int
)

var admissionSetCmd = &cobra.Command{
	Use:   "set [campaign-id]",
	Short: "Update the admission policy (arming is unchanged)",
	Args:  cobra.ExactArgs(1),
	RunE:  runAdmissionSet,
}

func admissionOpCmd(op, short string) *cobra.Command {
	return &cobra.Command{
		Use:   op + " [campaign-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"reason": pauseReason}
			resp, err := apiPost("/campaigns/"+url.PathEscape(args[0])+"/admission/"+op, body)
			if err != nil {
				return err
			}
			var status scheduler.AdmissionStatus
			if err := json.Unmarshal(resp, &status); err != nil {
				return err
			}
			printAdmission(status)
			return nil
		},
	}
}

var admissionStatusCmd = &cobra.Command{
	Use:   "status [campaign-id]",
	Short: "Show the admission policy, state and current decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var status scheduler.AdmissionStatus
		if err := apiGetJSON("/campaigns/"+url.PathEscape(args[0])+"/admission", &status); err != nil {
			return err
		}
		printAdmission(status)
		return nil
	},
}

func init() {
	pauseCmd := admissionOpCmd("pause", "Pause automation until resumed")
	pauseCmd.Flags().StringVar(&pauseReason, "reason", "paused by operator", "Reason shown while paused")

	admissionCmd.AddCommand(
		admissionStatusCmd,
		admissionOpCmd("enable", "Arm automation"),
		admissionOpCmd("disable", "Disarm automation"),
		pauseCmd,
		admissionOpCmd("resume", "Resume and clear the error counter"),
		admissionSetCmd,
	)

	admissionSetCmd.Flags().IntVar(&setMaxPerDay, "max-per-day", 0, "Daily action cap (0 = no cap)")
	admissionSetCmd.Flags().DurationVar(&setMinInterval, "min-interval", 0, "Minimum time between actions")
	admissionSetCmd.Flags().IntVar(&setStartHour, "start-hour", 0, "First allowed hour (0-23)")
	admissionSetCmd.Flags().IntVar(&setEndHour, "end-hour", 24, "End of the allowed window (1-24, exclusive)")
	admissionSetCmd.Flags().IntVar(&setErrorLimit, "pause-after-errors", 0, "Consecutive failures before auto-pause (0 = never)")
}

// runAdmissionSet changes only the flags the operator passed.
func runAdmissionSet(cmd *cobra.Command, args []string) error {
	path := "/campaigns/" + url.PathEscape(args[0]) + "/admission"
	var status scheduler.AdmissionStatus
	if err := apiGetJSON(path, &status); err != nil {
		return err
	}

	p := status.Policy
	flags := cmd.Flags()
	if flags.Changed("max-per-day") {
		p.MaxPerDay = setMaxPerDay
	}
	if flags.Changed("min-interval") {
		p.MinInterval = setMinInterval
	}
	if flags.Changed("start-hour") {
		p.AllowedStartHour = setStartHour
	}
	if flags.Changed("end-hour") {
		p.AllowedEndHour = setEndHour
	}
	if flags.Changed("pause-after-errors") {
		p.PauseOnConsecutiveErrors = setErrorLimit
	}

	resp, err := apiPut(path+"/policy", p)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp, &status); err != nil {
		return err
	}
	printAdmission(status)
	return nil
}

func printAdmission(s scheduler.AdmissionStatus) {
	p := s.Policy
	fmt.Printf("Campaign:   %s\n", s.CampaignID)
	fmt.Printf("State:      %s\n", admissionLabel(s))
	if s.State.Paused {
		fmt.Printf("Paused:     %s\n", s.State.PauseReason)
	}
	fmt.Printf("Today:      %d / %d\n", s.CompletedToday, p.MaxPerDay)
	fmt.Printf("Window:     %02d:00-%02d:00 on %v\n", p.AllowedStartHour, p.AllowedEndHour, p.AllowedWeekdays)
	fmt.Printf("Interval:   %s\n", p.MinInterval)
	fmt.Printf("Failures:   %d (pause at %d)\n", s.State.ConsecutiveFailures, p.PauseOnConsecutiveErrors)
	if !s.Decision.Allowed {
		fmt.Printf("Blocked:    %s\n", s.Decision.Reason)
		if s.Decision.NextAllowedAt != nil {
			fmt.Printf("Next at:    %s\n", formatTime(s.Decision.NextAllowedAt))
		}
	}
}
