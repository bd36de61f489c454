// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app wires the vmcp command line.
package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/vmcp/pkg/logger"
)

// Version is stamped by the build.
var Version = "dev"

// NewRootCmd builds the vmcp command tree.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vmcp",
		Short: "Virtual MCP gateway",
		Long: `vmcp aggregates multiple MCP backend servers behind a single
MCP endpoint. Clients see the union of all backends' tools, prompts
and resources, namespaced per backend; calls are routed to the owning
backend transparently.`,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the vmcp version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	})
	return rootCmd
}
