// Command lockbook is the CLI for the sync core: account setup and a
// driver over the sync and work packages, built as a
// github.com/spf13/cobra command tree.
package main

import (
	"fmt"
	"os"
)

// version is set at build time via ldflags.
var version = "unknown"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
