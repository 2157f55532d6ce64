// Command autopilot drives a task list to completion through an AI coding
// worker, unattended and resumable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	// Create signal-aware context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var workDir string

	root := &cobra.Command{
		Use:   "autopilot",
		Short: "Run a task list through an AI coding worker, unattended",
		Long: `Autopilot dispatches the tasks of a dependency graph one at a time to a
worker, records what happened, and stops on its own when a guard rail trips:
the time limit, the task limit, or too many failures in a row.

Progress is snapshotted after every step, so a killed session picks up where
it left off with 'autopilot resume'. Every few completions the work is
committed to git and, at milestones, an improvement cycle turns the recent
feedback into a short follow-up task list.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&workDir, "dir", "C", ".", "Project directory to work in")

	root.AddCommand(
		newRunCmd(&workDir),
		newResumeCmd(&workDir),
		newStatusCmd(&workDir),
		newInitCmd(&workDir),
	)
	return root
}

func newRunCmd(workDir *string) *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run --tasks FILE",
		Short: "Start a session, or continue the interrupted one for the same task list",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkDir = *workDir
			return runSession(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.TasksPath, "tasks", "t", "", "Task list file (YAML or JSON)")
	cmd.Flags().BoolVar(&opts.Fresh, "fresh", false, "Discard any saved session and start over")
	cmd.Flags().BoolVar(&opts.TUI, "tui", false, "Show the live terminal dashboard")
	_ = cmd.MarkFlagRequired("tasks")
	return cmd
}

func newResumeCmd(workDir *string) *cobra.Command {
	opts := runOptions{Resume: true}
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume the saved session after a crash or a guard rail stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.WorkDir = *workDir
			return runSession(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}
	cmd.Flags().BoolVar(&opts.TUI, "tui", false, "Show the live terminal dashboard")
	return cmd
}

func newStatusCmd(workDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the saved session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), cmd.OutOrStdout(), *workDir)
		},
	}
}

func newInitCmd(workDir *string) *cobra.Command {
	var force bool
	var format string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default project config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := writeDefaultConfig(*workDir, format, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config")
	cmd.Flags().StringVar(&format, "format", "json", "Config format: json, yaml or toml")
	return cmd
}
