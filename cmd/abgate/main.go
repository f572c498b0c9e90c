package main

import (
	"os"

	"github.com/ksiegai/abgate/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
