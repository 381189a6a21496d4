package main

import (
	"fmt"
	"os"

	"transcription-engine/cmd/transcriber/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
