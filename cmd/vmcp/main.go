// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Command vmcp runs the virtual MCP gateway: one MCP endpoint
// aggregating many backend MCP servers.
package main

import (
	"os"

	"github.com/stacklok/vmcp/cmd/vmcp/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
