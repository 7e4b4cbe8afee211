package main

import (
	"os"

	"github.com/harun/sparrow/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
