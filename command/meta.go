// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package command holds the CLI commands of the modroll binary.
package command

import (
	"github.com/hashicorp/cli"
)

// Meta contains the options common to every CLI command.
type Meta struct {
	Ui cli.Ui
}
