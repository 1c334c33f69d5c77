// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/modroll/modroll/command"
	"github.com/modroll/modroll/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

// Run invokes the CLI with the given arguments.
func Run(args []string) int {
	c := cli.NewCLI("modroll", version.GetVersion().VersionNumber())
	c.Args = args
	c.Commands = command.Commands(nil)
	c.HelpFunc = cli.BasicHelpFunc("modroll")

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err)
		return 1
	}
	return exitCode
}
