package main

import (
	"fmt"

	"github.com/fentz26/cadence/internal/version"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the cadence version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("cadence %s\n", version.Get())
	},
}
