// Package main is the possync command line.
package main

import (
	"fmt"
	"os"

	"github.com/kimhsiao/possync/backend/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
