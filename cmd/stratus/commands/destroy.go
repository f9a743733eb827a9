package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratusops/stratus/pkg/engine"
	"github.com/stratusops/stratus/pkg/providers/memory"
)

func newDestroyCommand() *cobra.Command {
	var (
		autoApprove bool
		parallelism int
	)

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Destroy all applied resources of a stack",
		Long: `Destroy every resource recorded in the applied state for the stack,
dependents before their dependencies.

The declared manifest is only used to resolve the stack name; the
destroy plan is computed from the state records, so resources removed
from the manifest are still swept.`,
		Example: `  # Destroy with approval prompt
  stratus destroy

  # Destroy without prompting
  stratus destroy --auto-approve`,
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
			plan, err := planner.PlanDestroy(ctx, stack.Name)
			if err != nil {
				return fmt.Errorf("failed to compute destroy plan: %w", err)
			}

			if !plan.HasChanges() {
				fmt.Println("Nothing to destroy. No applied state for this stack.")
				return nil
			}

			printPlanSummary(plan)
			if !autoApprove && !confirm(fmt.Sprintf("Destroy %d resource(s)?", plan.Summary.ToDestroy)) {
				fmt.Println("Destroy cancelled.")
				return nil
			}

			provider := memory.NewProvider(memory.Config{}, log.Logger)
			executor := engine.NewExecutor(provider, store, log.Logger, engine.ExecutorOptions{
				MaxParallel: parallelism,
			})

			report, err := executor.Apply(ctx, plan)
			if report != nil {
				printReport(report)
			}
			if err != nil {
				return err
			}
			if !report.Succeeded() {
				return fmt.Errorf("destroy run %s finished with status %s", report.RunID, report.Status)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip approval prompt")
	cmd.Flags().IntVar(&parallelism, "parallelism", 4, "max parallel operations")

	return cmd
}
