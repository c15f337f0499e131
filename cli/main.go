package main

import (
	"fmt"
	"os"

	"shadmission/cli/cmd"
	"shadmission/pkg/version"
)

func main() {
	version.ComponentName = "shadmission"

	if err := cmd.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
