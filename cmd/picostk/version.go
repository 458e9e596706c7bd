package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ewiger/picostack/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("picostk %s\n", version.Version())
	},
}
