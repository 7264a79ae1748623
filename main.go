package main

import (
	"os"

	"github.com/devwspito/armada/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
