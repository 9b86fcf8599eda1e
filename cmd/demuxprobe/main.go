// Package main is the entry point for the demuxprobe CLI.
package main

import (
	"os"

	"github.com/avioformat/demuxcore/cmd/demuxprobe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
