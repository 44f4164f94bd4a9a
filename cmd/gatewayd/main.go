// Package main is the entry point for the gatewayd binary. It delegates
// immediately to the CLI command tree.
package main

import (
	"context"
	"os"

	"github.com/atlasgw/atlas/internal/cli"
	"github.com/atlasgw/atlas/internal/logging"
)

func main() {
	err := cli.NewRootCmd().ExecuteContext(context.Background())
	if err != nil {
		logging.Logger().Error("fatal error", "err", err)
	}
	os.Exit(cli.ExitCode(err))
}
