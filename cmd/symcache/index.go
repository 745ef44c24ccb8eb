package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jward/symcache"
)

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index a project, refreshing whatever changed since the last run",
	Long:  "Makes path the active project, loads its cache and runs an incremental refresh. The first run on a project extracts every source file.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIndex,
}

func runIndex(cmd *cobra.Command, args []string) error {
	start := time.Now()
	ctx := cmd.Context()
	e, err := openIndexed(ctx, args)
	if err != nil {
		return outputError(cmd, "index", err)
	}
	defer e.Close()

	st, err := e.Status()
	if err != nil {
		return outputError(cmd, "index", err)
	}
	fmt.Fprintf(os.Stderr, "Indexed %s in %s (%d extracted, %d failed)\n",
		st.Project.Root, time.Since(start).Round(time.Millisecond), st.Succeeded, st.Failed)
	return outputResult(cmd, CLIResult{Command: "index", Results: st})
}

var (
	flagFull bool
	flagYes  bool
)

var refreshCmd = &cobra.Command{
	Use:   "refresh [path]",
	Short: "Refresh the index of a project",
	Long:  "Runs an incremental refresh, or with --full re-extracts every source file. A full refresh must be confirmed with --yes.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRefresh,
}

func init() {
	refreshCmd.Flags().BoolVar(&flagFull, "full", false, "re-extract every source file")
	refreshCmd.Flags().BoolVar(&flagYes, "yes", false, "confirm a full refresh")
}

func runRefresh(cmd *cobra.Command, args []string) error {
	if flagFull && !flagYes {
		return outputError(cmd, "refresh", fmt.Errorf("%w: pass --yes to confirm", symcache.ErrFullRebuildNotAcknowledged))
	}
	ctx := cmd.Context()
	e, err := openIndexed(ctx, args)
	if err != nil {
		return outputError(cmd, "refresh", err)
	}
	defer e.Close()

	mode := symcache.RefreshIncremental
	var opts []symcache.RefreshOption
	if flagFull {
		mode = symcache.RefreshFull
		opts = append(opts, symcache.AcknowledgeFullRebuild())
	}
	st, err := e.Refresh(ctx, mode, opts...)
	if err != nil && !errors.Is(err, context.Canceled) {
		return outputError(cmd, "refresh", err)
	}
	return outputResult(cmd, CLIResult{Command: "refresh", Results: st})
}

var statusCmd = &cobra.Command{
	Use:   "status [path]",
	Short: "Show the index status of a project",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	e, err := openIndexed(cmd.Context(), args)
	if err != nil {
		return outputError(cmd, "status", err)
	}
	defer e.Close()

	st, err := e.Status()
	if err != nil {
		return outputError(cmd, "status", err)
	}
	stats, err := e.Stats(cmd.Context())
	if err != nil {
		return outputError(cmd, "status", err)
	}
	return outputResult(cmd, CLIResult{Command: "status", Results: CLIStatus{Status: st, Store: statsToCLI(stats)}})
}

var flagDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Keep a project's index fresh as files change",
	Long:  "Indexes the project, then watches it and runs an incremental refresh whenever source files, headers or compile_commands.json change. Stops on interrupt.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&flagDebounce, "debounce", symcache.DefaultDebounce, "quiet period before a refresh")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openIndexed(ctx, args)
	if err != nil {
		return outputError(cmd, "watch", err)
	}
	defer e.Close()

	return e.Watch(ctx, symcache.WatchOptions{
		Debounce: flagDebounce,
		OnRefresh: func(st symcache.Status, err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "refresh failed: %s\n", err)
				return
			}
			_ = outputResult(cmd, CLIResult{Command: "refresh", Results: st})
		},
	})
}
