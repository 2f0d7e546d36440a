package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "autoflow",
		Short:         "Tenant-configurable workflow automation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "settings file (json or yaml); default ~/.autoflow/settings.json")

	cmd.AddCommand(
		newServeCmd(opts),
		newMCPCmd(opts),
		newSweepCmd(opts),
		newSeedCmd(opts),
		newMigrateCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

// withApp loads config, builds the app and runs fn. Logs go to logOut.
func withApp(ctx context.Context, opts *rootOptions, logOut io.Writer, fn func(context.Context, *app) error) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	a, err := buildApp(ctx, cfg, newLogger(cfg, logOut))
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	if err := a.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("shutdown: %w", err)
	}
	return runErr
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "autoflow %s\n", version)
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			s, applied, err := openStore(cmd.Context(), cfg, newLogger(cfg, os.Stderr))
			if err != nil {
				return err
			}
			defer s.Close()
			if len(applied) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "database %s is up to date\n", cfg.DBPath)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied migrations %v to %s\n", applied, cfg.DBPath)
			return nil
		},
	}
}
