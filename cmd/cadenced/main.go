package main

import (
	"fmt"
	"os"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := Execute(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "cadenced: %s\n", err)
		os.Exit(1)
	}
}
