package main

import (
	"os"

	"github.com/wesotion/socket-file-sync/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
