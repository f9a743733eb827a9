package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/stratusops/stratus/pkg/config"
	"github.com/stratusops/stratus/pkg/engine"
	"github.com/stratusops/stratus/pkg/stores"
	"github.com/stratusops/stratus/pkg/telemetry"
)

// setupLogger rebuilds the global logger from the --log-level and
// --log-format flags.
func setupLogger() {
	cfg := telemetry.DefaultConfig().Logging
	cfg.Level = logLevel
	cfg.Format = logFormat
	logger, err := telemetry.NewLogger(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Invalid logging flags, keeping defaults")
		return
	}
	log.Logger = logger
}

// loadStack parses and validates the manifest named by --manifest.
func loadStack(ctx context.Context) (*engine.Stack, error) {
	loader := config.NewLoader(log.Logger)
	stack, err := loader.LoadFile(ctx, manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest %s: %w", manifestPath, err)
	}
	return stack, nil
}

// openStore opens and migrates the state database named by --state.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if dir := filepath.Dir(statePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: statePath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize state store: %w", err)
	}
	return store, nil
}

// printPlanSummary writes a human-readable plan listing to stdout.
func printPlanSummary(plan *engine.Plan) {
	fmt.Printf("Plan for stack %q (%s):\n", plan.Stack, plan.ID)
	for i := range plan.Entries {
		entry := &plan.Entries[i]
		if entry.Action == engine.ActionNoOp {
			continue
		}
		fmt.Printf("  %-30s %-28s %s\n", entry.Action, entry.Node.ID, entry.Reason)
	}
	s := plan.Summary
	fmt.Printf("\nSummary: %d to create, %d to update, %d to replace, %d to destroy, %d unchanged\n",
		s.ToCreate, s.ToUpdate, s.ToReplace, s.ToDestroy, s.NoOp)
}

// confirm prompts for interactive approval on stdin.
func confirm(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		return false
	}
	return answer == "y" || answer == "yes"
}
