package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	root := buildRoot(newCommand(os.Stdout, os.Stderr))
	err := execute(ctx, root)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// execute runs root and prints its usage when the subcommand is unknown.
// Usage is otherwise silenced so failing services do not bury the summary.
func execute(ctx context.Context, root *cobra.Command) error {
	err := root.ExecuteContext(ctx)
	if err != nil && strings.HasPrefix(err.Error(), "unknown command ") {
		_, _ = fmt.Fprint(root.ErrOrStderr(), root.UsageString())
	}
	return err
}

func buildRoot(c *command) *cobra.Command {
	root := createRootCommand(c.global)
	root.AddCommand(
		createStartCommand(c, &SummaryFlags{}),
		createStopCommand(c, &SummaryFlags{}),
		createRestartCommand(c, &SummaryFlags{}),
		createStatusCommand(c, &StatusFlags{}),
		createLogsCommand(c, &LogsFlags{}),
		createHealthCommand(c, &SummaryFlags{}),
		createServeCommand(c, &ServeFlags{}),
		createHistoryCommand(c, &HistoryFlags{}),
	)
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "stackvisor",
		Short: "Service lifecycle supervisor for the chatbot stack",
		Long: `Stackvisor starts, stops and health-checks a fixed set of local services
(native processes and containers) on well-known ports.

Examples:
  stackvisor start                       # Built-in stack
  stackvisor --config stack.toml status
  stackvisor logs api -n 50 -f
  stackvisor serve --listen 127.0.0.1:7070`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "override log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flags.LogFormat, "log-format", "", "override log format (text, json)")
	return root
}

func addSummaryFlags(cmd *cobra.Command, f *SummaryFlags) {
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print the summary as JSON")
}

// createStartCommand creates the start subcommand
func createStartCommand(c *command, f *SummaryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start every service tier by tier, then health-check",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Start(cmd.Context(), *f)
		},
	}
	addSummaryFlags(cmd, f)
	return cmd
}

// createStopCommand creates the stop subcommand
func createStopCommand(c *command, f *SummaryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop every service in reverse tier order and sweep orphans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), *f)
		},
	}
	addSummaryFlags(cmd, f)
	return cmd
}

// createRestartCommand creates the restart subcommand
func createRestartCommand(c *command, f *SummaryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Stop, cool down, start",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restart(cmd.Context(), *f)
		},
	}
	addSummaryFlags(cmd, f)
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c *command, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show port and registry state of every service",
		Long: `Show whether each service port is listening next to what the registry
recorded. Records of dead processes are removed and reported as crashed.

Examples:
  stackvisor status
  stackvisor status --json
  stackvisor status --api-url=http://127.0.0.1:7070/api  # Ask a running serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd.Context(), *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print status as JSON")
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "query a running server instead (e.g. http://127.0.0.1:7070/api)")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return cmd
}

// createLogsCommand creates the logs subcommand
func createLogsCommand(c *command, f *LogsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs [service|all]",
		Short: "Print the tail of service log files",
		Long: `Print the last lines of one service log, or of every service log when no
service (or "all") is given. With --follow, keep streaming until interrupted.

Examples:
  stackvisor logs api
  stackvisor logs -n 200 -f`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.Logs(cmd.Context(), name, *f)
		},
	}
	cmd.Flags().IntVarP(&f.Lines, "lines", "n", 50, "number of lines")
	cmd.Flags().BoolVarP(&f.Follow, "follow", "f", false, "keep streaming appended output")
	return cmd
}

// createHealthCommand creates the health subcommand
func createHealthCommand(c *command, f *SummaryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Health-check every service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Health(cmd.Context(), *f)
		},
	}
	addSummaryFlags(cmd, f)
	return cmd
}

// createServeCommand creates the serve subcommand
func createServeCommand(c *command, f *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the status, health and metrics HTTP API",
		Long: `Serve the HTTP API until interrupted. The listen address defaults to
[server].listen from the config; [server.tls] enables HTTPS.

Endpoints:
  GET  {base}/status  GET {base}/health  GET {base}/logs  GET {base}/metrics
  POST {base}/start   POST {base}/stop`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (overrides [server].listen)")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "URL prefix for the API (overrides [server].base_path)")
	return cmd
}

// createHistoryCommand creates the history subcommand
func createHistoryCommand(c *command, f *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [service]",
		Short: "List recorded launch, stop and eviction events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.History(cmd.Context(), name, *f)
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 50, "maximum number of events")
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print events as JSON")
	return cmd
}
