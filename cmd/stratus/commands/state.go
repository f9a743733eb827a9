package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/stratusops/stratus/pkg/engine"
	"github.com/stratusops/stratus/pkg/stores"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect applied state and run history",
	}

	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateRunsCommand())
	cmd.AddCommand(newStateLastCommand())

	return cmd
}

func newStateListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List applied resource records",
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

			records, err := store.Load(ctx, stack.Name)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			if len(records) == 0 {
				fmt.Println("No applied state for this stack.")
				return nil
			}

			ids := make([]string, 0, len(records))
			for id := range records {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			fmt.Printf("Applied state for stack %q (%d records):\n", stack.Name, len(records))
			for _, id := range ids {
				rec := records[id]
				pending := ""
				if rec.PendingDestroyID != "" {
					pending = fmt.Sprintf("  (pending destroy %s)", rec.PendingDestroyID)
				}
				fmt.Printf("  %-28s %-22s %-34s %s%s\n",
					id, rec.Kind, rec.ExternalID,
					rec.LastApplied.Format("2006-01-02 15:04:05"), pending)
			}
			return nil
		},
	}
}

func newStateRunsCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent apply runs",
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

			runs, err := store.ListRuns(ctx, stack.Name, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			if len(runs) == 0 {
				fmt.Println("No runs recorded for this stack.")
				return nil
			}

			for _, run := range runs {
				s := run.Summary()
				fmt.Printf("%s  %-10s  %s  %d/%d succeeded\n",
					run.RunID, run.Status,
					run.StartedAt.Format("2006-01-02 15:04:05"),
					s.Succeeded, s.Total)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")

	return cmd
}

func newStateLastCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "last",
		Short: "Show the most recent apply run",
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

			run, err := store.LastRun(ctx, stack.Name)
			if err != nil {
				if errors.Is(err, stores.ErrRunNotFound) {
					fmt.Println("No runs recorded for this stack.")
					return nil
				}
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(run)
			}

			printRunDetail(run)
			return nil
		},
	}
}

func printRunDetail(run *engine.ApplyReport) {
	s := run.Summary()
	fmt.Printf("Run %s (plan %s)\n", run.RunID, run.PlanID)
	fmt.Printf("  Status:    %s\n", run.Status)
	fmt.Printf("  Started:   %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Completed: %s\n", run.CompletedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Nodes:     %d succeeded, %d failed, %d skipped\n",
		s.Succeeded, s.Failed, s.Skipped)

	ids := make([]string, 0, len(run.Results))
	for id := range run.Results {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		res := run.Results[id]
		detail := ""
		if res.Error != "" {
			detail = "  " + res.Error
		}
		fmt.Printf("  %-10s %-28s %s%s\n", res.Status, id, res.Action, detail)
	}
}
