package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/fatih/color"
	"github.com/fentz26/cadence/internal/controlplane"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Browser context diagnostics",
}

var sessionCheckCmd = &cobra.Command{
	Use:   "check [campaign-id]",
	Short: "Find and bind the campaign's browser context without acting",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionCheck,
}

func init() {
	sessionCmd.AddCommand(sessionCheckCmd)
}

func runSessionCheck(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/campaigns/"+url.PathEscape(args[0])+"/session/check", nil)
	if err != nil {
		return err
	}

	var report controlplane.SessionReport
	if err := json.Unmarshal(resp, &report); err != nil {
		return err
	}

	fmt.Printf("Pattern:  %s\n", report.Pattern)
	if report.Busy {
		fmt.Printf("Cycle:    %s\n", color.New(color.FgYellow).Sprint("RUNNING (lease not rebound)"))
	}
	if !report.OK {
		fmt.Printf("Status:   %s\n", color.New(color.FgRed).Sprint("NOT FOUND"))
		fmt.Printf("Error:    %s\n", report.Error)
		return nil
	}
	fmt.Printf("Status:   %s\n", color.New(color.FgGreen).Sprint("OK"))
	fmt.Printf("Locator:  %s\n", report.Handle.Locator)
	fmt.Printf("Verified: %s\n", formatTime(&report.Handle.LastVerifiedAt))
	return nil
}
