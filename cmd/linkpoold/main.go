// Command linkpoold runs a linkpool endpoint from a YAML config: it
// registers the configured adapters, brings the control and first data
// link up, and serves metrics until interrupted.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
