// Package main provides the metabridge CLI.
package main

import (
	"os"

	"github.com/metabridge-labs/metabridge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
