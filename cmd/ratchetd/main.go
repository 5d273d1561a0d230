// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// ratchetd is the workflow engine daemon. It runs either the admin API
// server (serve) or a queue worker (worker).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/ratchet/internal/config"
	"github.com/tombee/ratchet/internal/daemon"
	"github.com/tombee/ratchet/internal/log"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "ratchetd",
		Short:         "Durable workflow orchestration engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")

	root.AddCommand(newServeCommand(&configPath))
	root.AddCommand(newWorkerCommand(&configPath))
	root.AddCommand(newVersionCommand())

	return root
}

func newServeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API server",
		Long:  "Start the HTTP API for managing workflows and executions, plus the pending-execution sweep.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(*configPath, func(ctx context.Context, d *daemon.Daemon) error {
				return d.RunServer(ctx)
			})
		},
	}
}

func newWorkerCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a queue worker",
		Long:  "Start a worker process that consumes the task queue and drives workflow executions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(*configPath, func(ctx context.Context, d *daemon.Daemon) error {
				return d.RunWorker(ctx)
			})
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Printf("ratchetd version %s\n", version)
			cmd.Printf("  commit:     %s\n", commit)
			cmd.Printf("  build date: %s\n", buildDate)
			return nil
		},
	}
}

// runDaemon loads configuration, builds the daemon, and runs fn under
// signal-driven cancellation.
func runDaemon(configPath string, fn func(ctx context.Context, d *daemon.Daemon) error) error {
	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := daemon.New(cfg, daemon.Options{Version: version, Commit: commit}, logger)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return fn(ctx, d)
}
