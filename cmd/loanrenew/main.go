package main

import (
	"os"

	"github.com/harun/loanrenew/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(cli.ExitCode(err))
	}
}
