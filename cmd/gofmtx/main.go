// Command gofmtx drives an SI4713 FM transmitter: it tunes and keys it
// from a YAML station config, keeps it on air, and optionally lets a UECP
// encoder feed RDS.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gofmtx:", err)
		var ex *exitError
		if errors.As(err, &ex) {
			os.Exit(ex.code)
		}
		os.Exit(1)
	}
}
