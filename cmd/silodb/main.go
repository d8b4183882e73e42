package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/SiloDB/src/app"
)

func main() {
	root := &cobra.Command{
		Use:   "silodb",
		Short: "NUMA-aware main-memory OLTP engine",
	}

	var snapshotOnExit bool
	start := &cobra.Command{
		Use:   "start",
		Short: "Run the engine until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e := &app.Entrypoint{}
			if err := e.Init(ctx); err != nil {
				return fmt.Errorf("init: %w", err)
			}
			defer func() {
				if err := e.Close(); err != nil {
					fmt.Fprintf(os.Stderr, "close: %v\n", err)
				}
			}()

			if err := e.Run(ctx); err != nil {
				return err
			}
			if snapshotOnExit {
				return e.Engine().SnapshotManager().TriggerSnapshotImmediate(true)
			}
			return nil
		},
	}
	start.Flags().BoolVar(&snapshotOnExit, "snapshot-on-exit", true,
		"take a final snapshot before shutting down")

	snapshot := &cobra.Command{
		Use:   "snapshot",
		Short: "Start an engine on the data dir and take one snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e := &app.Entrypoint{}
			if err := e.Init(cmd.Context()); err != nil {
				return fmt.Errorf("init: %w", err)
			}
			defer e.Close()
			return e.Engine().SnapshotManager().TriggerSnapshotImmediate(true)
		},
	}

	root.AddCommand(start, snapshot)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
