package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/autoflow/internal/store"
	"github.com/rendis/autoflow/pkg/schema"
)

// seedFile is the on-disk shape of a seed file.
type seedFile struct {
	Workflows []*schema.WorkflowDefinition `yaml:"workflows"`
}

type workflowDefiner interface {
	ListWorkflows(ctx context.Context, filter store.DefinitionFilter) ([]*schema.WorkflowDefinition, error)
	DefineWorkflow(ctx context.Context, def *schema.WorkflowDefinition) (*schema.WorkflowDefinition, error)
}

// seedSummary reports what a seed run did.
type seedSummary struct {
	Created []string `json:"created"`
	Skipped []string `json:"skipped"`
}

func newSeedCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Define the workflows listed in a YAML seed file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := os.Open(file)
			if err != nil {
				return err
			}
			defs, err := parseSeed(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}
			return withApp(cmd.Context(), opts, os.Stderr, func(ctx context.Context, a *app) error {
				summary, err := seed(ctx, a.engine, defs, a.logger)
				if perr := printJSON(cmd.OutOrStdout(), summary); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "seed file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func parseSeed(r io.Reader) ([]*schema.WorkflowDefinition, error) {
	var sf seedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sf); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty seed file")
		}
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	for i, def := range sf.Workflows {
		if def == nil {
			return nil, fmt.Errorf("workflows[%d] is empty", i)
		}
		if def.TenantID == "" || def.Name == "" {
			return nil, fmt.Errorf("workflows[%d]: tenant_id and name are required", i)
		}
	}
	return sf.Workflows, nil
}

// seed defines each workflow unless one with the same tenant and name
// already exists. It stops at the first definition error.
func seed(ctx context.Context, svc workflowDefiner, defs []*schema.WorkflowDefinition, logger *slog.Logger) (seedSummary, error) {
	summary := seedSummary{Created: []string{}, Skipped: []string{}}
	existing := map[string]map[string]bool{}

	for _, def := range defs {
		names, ok := existing[def.TenantID]
		if !ok {
			current, err := svc.ListWorkflows(ctx, store.DefinitionFilter{TenantID: def.TenantID})
			if err != nil {
				return summary, fmt.Errorf("list workflows for %s: %w", def.TenantID, err)
			}
			names = make(map[string]bool, len(current))
			for _, w := range current {
				names[w.Name] = true
			}
			existing[def.TenantID] = names
		}

		if names[def.Name] {
			logger.Info("workflow exists, skipping", slog.String("tenant_id", def.TenantID), slog.String("name", def.Name))
			summary.Skipped = append(summary.Skipped, def.Name)
			continue
		}

		created, err := svc.DefineWorkflow(ctx, def)
		if err != nil {
			return summary, fmt.Errorf("define %q: %w", def.Name, err)
		}
		names[def.Name] = true
		if !created.Active {
			logger.Warn("seeded workflow is inactive", slog.String("workflow_id", created.ID))
		}
		logger.Info("workflow created",
			slog.String("tenant_id", created.TenantID),
			slog.String("workflow_id", created.ID),
			slog.String("name", created.Name),
			slog.Int("steps", len(created.Steps)),
		)
		summary.Created = append(summary.Created, created.ID)
	}
	return summary, nil
}
