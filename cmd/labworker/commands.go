// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree around one app.
func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "labworker",
		Short:         "Compile and analyze Go source through an isolated worker",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ~/.labworker/labworker.yaml)")
	flags.StringVar(&a.mode, "mode", "", "worker mode: process, inprocess or websocket")
	flags.BoolVar(&a.noWorker, "no-worker", false, "run everything in-process without a worker")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.BoolVar(&a.plain, "plain", false, "plain output without colors")

	// --- Worker side ---
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a worker on stdin/stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServe(cmd)
		},
	}

	serveWSCmd := &cobra.Command{
		Use:   "serve-ws",
		Short: "Accept WebSocket worker connections and serve /metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runServeWS(cmd)
		},
	}
	serveWSCmd.Flags().StringVar(&a.addr, "addr", ":7070", "listen address")

	// --- Host side ---
	compileCmd := &cobra.Command{
		Use:   "compile [file or directory...]",
		Short: "Compile Go files and print diagnostics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runCompile(cmd, args)
		},
	}

	outputCmd := &cobra.Command{
		Use:   "output <file> [file or directory...]",
		Short: "Print one compiler output of a file",
		Long: `Print one compiler output of a file. The remaining arguments add files
to the package. Output types: syntax, fmt, tokens, diff, types.
"types" describes the whole package.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runOutput(cmd, args)
		},
	}
	outputCmd.Flags().StringVarP(&a.outputType, "type", "t", "fmt", "output type")

	diagnosticsCmd := &cobra.Command{
		Use:   "diagnostics [file or directory...]",
		Short: "Load files as workspace models and print their diagnostics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runDiagnostics(cmd, args)
		},
	}

	watchCmd := &cobra.Command{
		Use:   "watch <directory>",
		Short: "Recompile a directory whenever its Go files change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runWatch(cmd, args[0])
		},
	}

	for _, cmd := range []*cobra.Command{compileCmd, outputCmd, diagnosticsCmd, watchCmd} {
		cmd.Flags().StringVar(&a.goVersion, "go", "", "Go language version, e.g. 1.23")
		cmd.Flags().StringVar(&a.arch, "arch", "", "target architecture: amd64, arm64, 386 or wasm")
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runVersion(cmd)
		},
	}

	rootCmd.AddCommand(serveCmd, serveWSCmd, compileCmd, outputCmd, diagnosticsCmd, watchCmd, versionCmd)
	return rootCmd
}
