package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratusops/stratus/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the stack manifest",
		Long: `Validate the stack manifest without touching any state.

Validation covers:
  - YAML structure and unknown-field rejection
  - CUE schema conformance per resource kind
  - Dependency and trigger references
  - Graph acyclicity`,
		Example: `  # Validate the default manifest
  stratus validate

  # Validate a specific manifest
  stratus validate -f stacks/weather.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := loadStack(cmd.Context())
			if err != nil {
				return err
			}

			graph, err := engine.BuildGraph(stack)
			if err != nil {
				return fmt.Errorf("manifest is invalid: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"stack":     stack.Name,
					"resources": len(stack.Nodes),
					"valid":     true,
				})
			}

			log.Info().
				Str("stack", stack.Name).
				Int("resources", len(stack.Nodes)).
				Msg("Manifest is valid")
			fmt.Printf("Stack %q is valid: %d resources, %d execution waves\n",
				stack.Name, len(stack.Nodes), len(graph.Levels))
			return nil
		},
	}

	return cmd
}
