package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newSweepCmd(opts *rootOptions) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run every due step once and print the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now().UTC()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t
			}
			return withApp(cmd.Context(), opts, os.Stderr, func(ctx context.Context, a *app) error {
				result, err := a.engine.Sweep(ctx, now)
				if perr := printJSON(cmd.OutOrStdout(), result); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "sweep as of this RFC3339 time instead of now")
	return cmd
}
