package main

import (
	"fmt"
	"os"

	"ledgersync/pkg/logger"
)

func main() {
	err := NewRootCommand().Execute()
	_ = logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
