// Package main is a command line driver for the asset cache engine.
package main

import (
	"fmt"
	"os"

	"chatrelay/internal/version"
)

func main() {
	root := newRootCmd()
	root.Version = version.Info()

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
