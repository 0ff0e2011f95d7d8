// Package main provides the coolmic-stream CLI tool.
//
// Usage:
//
//	coolmic-stream [flags] <command>
//
// Commands:
//
//	stream   - Capture audio, encode it and push it to an Icecast server
//	features - Print the capabilities of this build
package main

import (
	"fmt"
	"os"

	"github.com/CoolMicApp/libcoolmic-dsp/cmd/coolmic-stream/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
