package main

import (
	"fmt"
	"os"

	"github.com/joseph-ayodele/extraction-bench/internal/cli"
)

func main() {
	if err := cli.BuildCLI(nil).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
