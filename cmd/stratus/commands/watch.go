package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratusops/stratus/pkg/engine"
)

func newWatchCommand() *cobra.Command {
	var debounce time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Recompute the plan whenever the manifest or sources change",
		Long: `Watch the manifest file and the directories around it, recomputing
the reconciliation plan on every change.

Nothing is applied; this is a live preview of what 'apply' would do.
Function source directories are watched too, so editing handler code
shows the aggregate redeployments it would trigger.`,
		Example: `  # Watch the default manifest
  stratus watch

  # Watch with a longer settle period for bulk edits
  stratus watch --debounce 2s`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			watcher, err := fsnotify.NewWatcher()
			if err != nil {
				return fmt.Errorf("failed to create watcher: %w", err)
			}
			defer watcher.Close()

			if err := watchManifestTree(watcher, manifestPath); err != nil {
				return err
			}

			replan := func() {
				stack, err := loadStack(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Manifest failed to load")
					return
				}
				planner := engine.NewPlanner(store, log.Logger)
				plan, err := planner.Plan(ctx, stack)
				if err != nil {
					log.Error().Err(err).Msg("Failed to compute plan")
					return
				}
				printPlanSummary(plan)
				if !plan.HasChanges() {
					fmt.Println("No changes. Stack matches the applied state.")
				}
			}

			log.Info().Str("manifest", manifestPath).Msg("Watching for changes")
			replan()

			var replanTimer *time.Timer
			for {
				select {
				case <-ctx.Done():
					return nil

				case event, ok := <-watcher.Events:
					if !ok {
						return nil
					}
					if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
						continue
					}
					if strings.HasPrefix(filepath.Base(event.Name), ".") {
						continue
					}
					log.Debug().
						Str("file", event.Name).
						Str("op", event.Op.String()).
						Msg("Change detected")

					// New directories need to be added to the watch set.
					if event.Op&fsnotify.Create != 0 {
						if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
							_ = watcher.Add(event.Name)
						}
					}

					if replanTimer != nil {
						replanTimer.Stop()
					}
					replanTimer = time.AfterFunc(debounce, replan)

				case err, ok := <-watcher.Errors:
					if !ok {
						return nil
					}
					log.Error().Err(err).Msg("Watcher error")
				}
			}
		},
	}

	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "settle period before replanning")

	return cmd
}

// watchManifestTree watches the manifest's directory and every
// subdirectory, which covers relative function source paths.
func watchManifestTree(watcher *fsnotify.Watcher, manifest string) error {
	root := filepath.Dir(manifest)
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}
