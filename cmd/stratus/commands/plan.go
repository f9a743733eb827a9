package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratusops/stratus/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile string
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute the reconciliation plan",
		Long: `Compute the set of operations needed to reconcile the declared stack
against its last applied state.

The plan:
  - Fingerprints every declared resource
  - Diffs fingerprints against applied records
  - Folds trigger fingerprints into aggregate resources
  - Orders operations topologically, destroys last
  - Performs no external mutation`,
		Example: `  # Show the plan
  stratus plan

  # Save the plan as JSON for later apply
  stratus plan --out plan.json

  # Emit a Graphviz rendering of the execution graph
  stratus plan --dot plan.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			stack, err := loadStack(ctx)
			if err != nil {
				return err
			}

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			planner := engine.NewPlanner(store, log.Logger)
			plan, err := planner.Plan(ctx, stack)
			if err != nil {
				return fmt.Errorf("failed to compute plan: %w", err)
			}

			if outFile != "" {
				if err := writePlanFile(plan, outFile); err != nil {
					return err
				}
				log.Info().Str("path", outFile).Msg("Plan written")
			}

			if dotFile != "" {
				graph, err := engine.BuildGraph(stack)
				if err != nil {
					return err
				}
				if err := os.WriteFile(dotFile, []byte(graph.ToDOT(plan)), 0o644); err != nil {
					return fmt.Errorf("failed to write DOT file: %w", err)
				}
				log.Info().Str("path", dotFile).Msg("Graph written")
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(plan)
			}

			printPlanSummary(plan)
			if !plan.HasChanges() {
				fmt.Println("No changes. Stack matches the applied state.")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output plan file path")
	cmd.Flags().StringVar(&dotFile, "dot", "", "output DOT graph file (optional)")

	return cmd
}

func writePlanFile(plan *engine.Plan, path string) error {
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode plan: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write plan file: %w", err)
	}
	return nil
}
