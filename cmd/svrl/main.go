package main

import (
	"os"

	"github.com/svrl/svrl/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
