package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func newCleanupCmd(envFiles *[]string) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete checkpointed sessions idle longer than SESSION_TTL",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			d, err := openDeps(*envFiles)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, d.Close()) }()

			n, err := cleanup(cmd.Context(), d, dryRun)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "expired sessions: %d\n", n)
			return err
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "count expired sessions without deleting them")
	return cmd
}

func cleanup(ctx context.Context, d *deps, dryRun bool) (int64, error) {
	cutoff := d.now().Add(-d.cfg.SessionTTL)
	if dryRun {
		return d.db.CountSessionsBefore(ctx, cutoff)
	}
	n, err := d.db.DeleteSessionsBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	d.log.Info("expired sessions deleted", zap.Int64("count", n))
	return n, nil
}
