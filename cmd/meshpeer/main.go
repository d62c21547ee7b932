package main

import (
	"fmt"
	"os"

	"github.com/Wyydra/meshroom/internal/ui"
)

func main() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorStyle.Render("✗ "+err.Error()))
		os.Exit(1)
	}
}
