package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/spf13/cobra"
)

func newSweepCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one janitor pass against the shared stores and print the report",
		Long: "Run one janitor pass and print its report as JSON.\n\n" +
			"The pass needs the live session records, so it only works with EPHEMERAL_BACKEND=redis. " +
			"For a single in-memory instance use POST /api/v1/sessions/cleanup instead.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSweep(cmd.Context(), root, cmd.OutOrStdout())
		},
	}
}

func runSweep(ctx context.Context, root *rootOptions, out io.Writer) error {
	cfg, logger, err := setup(root)
	if err != nil {
		return err
	}
	if cfg.Ephemeral.Backend != "redis" {
		return errors.New("sweep requires EPHEMERAL_BACKEND=redis; the memory backend is private to the running server")
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	rep := a.janitor.Sweep(ctx)

	drainCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	if err := a.registry.Drain(drainCtx); err != nil {
		logger.Warn("Teardown still in flight", "error", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
