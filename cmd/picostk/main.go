// picostk drives picostack VM instances: it runs the reconciliation
// daemon, wraps hypervisor processes and talks to the daemon API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
