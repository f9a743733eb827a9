package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/stratusops/stratus/pkg/engine"
	"github.com/stratusops/stratus/pkg/policy"
	"github.com/stratusops/stratus/pkg/providers/memory"
	"github.com/stratusops/stratus/pkg/telemetry"
)

func newApplyCommand() *cobra.Command {
	var (
		planFile      string
		autoApprove   bool
		parallelism   int
		maxAttempts   int
		skipWarnings  bool
		metricsListen string
		traceExporter string
		traceEndpoint string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Execute the reconciliation plan",
		Long: `Compute a plan (or load a saved one), gate it through policy
evaluation, and execute it against the provider.

Execution:
  - Error-severity policy violations block the run
  - Independent nodes run in parallel up to --parallelism
  - Transient provider failures are retried with backoff
  - Each node's state is persisted immediately on success
  - Failure of a node skips its dependents; siblings continue`,
		Example: `  # Plan and apply with approval prompt
  stratus apply

  # Apply a previously saved plan
  stratus apply --plan plan.json --auto-approve

  # Apply with limited parallelism and metrics exposed
  stratus apply --parallelism 2 --metrics-listen :9464`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			var plan *engine.Plan
			if planFile != "" {
				plan, err = readPlanFile(planFile)
			} else {
				var stack *engine.Stack
				stack, err = loadStack(ctx)
				if err != nil {
					return err
				}
				planner := engine.NewPlanner(store, log.Logger)
				plan, err = planner.Plan(ctx, stack)
			}
			if err != nil {
				return err
			}

			if !plan.HasChanges() {
				fmt.Println("No changes. Stack matches the applied state.")
				return nil
			}

			if err := gatePolicy(cmd, plan, skipWarnings); err != nil {
				return err
			}

			if !jsonOutput {
				printPlanSummary(plan)
			}
			if !autoApprove && !confirm("Apply these changes?") {
				fmt.Println("Apply cancelled.")
				return nil
			}

			tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
				Enabled:       traceExporter != "" && traceExporter != "none",
				Exporter:      traceExporter,
				Endpoint:      traceEndpoint,
				Insecure:      true,
				SamplingRate:  1.0,
				ExportTimeout: 30 * time.Second,
			}, "stratus", cmd.Root().Version)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tracer.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Tracer shutdown failed")
				}
			}()

			metrics := telemetry.NewMetrics(telemetry.MetricsConfig{
				Enabled:    metricsListen != "",
				Namespace:  "stratus",
				ListenAddr: metricsListen,
			})
			if metricsListen != "" {
				go serveMetrics(metricsListen, metrics)
			}
			metrics.RecordPlan(plan.Stack, map[string]int{
				"create":  plan.Summary.ToCreate,
				"update":  plan.Summary.ToUpdate,
				"replace": plan.Summary.ToReplace,
				"destroy": plan.Summary.ToDestroy,
				"no_op":   plan.Summary.NoOp,
			})

			provider := memory.NewProvider(memory.Config{}, log.Logger)
			executor := engine.NewExecutor(provider, store, log.Logger, engine.ExecutorOptions{
				MaxParallel: parallelism,
				MaxAttempts: maxAttempts,
			})

			report, err := executor.Apply(ctx, plan)
			if report != nil {
				recordRunMetrics(metrics, report)
				printReport(report)
			}
			if err != nil {
				return err
			}
			if !report.Succeeded() {
				return fmt.Errorf("run %s finished with status %s", report.RunID, report.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&planFile, "plan", "p", "", "apply a previously saved plan file")
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip approval prompt")
	cmd.Flags().IntVar(&parallelism, "parallelism", 4, "max parallel operations")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 3, "max attempts per provider call")
	cmd.Flags().BoolVar(&skipWarnings, "skip-warnings", false, "suppress warning-severity policy output")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	cmd.Flags().StringVar(&traceExporter, "trace-exporter", "none", "trace exporter (otlp, stdout, none)")
	cmd.Flags().StringVar(&traceEndpoint, "trace-endpoint", "localhost:4317", "OTLP gRPC endpoint")

	return cmd
}

// gatePolicy evaluates the plan against all registered policies.
// Error-severity violations block the apply.
func gatePolicy(cmd *cobra.Command, plan *engine.Plan, skipWarnings bool) error {
	ctx := cmd.Context()

	eng, err := policy.NewEngine(log.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	result, err := eng.EvaluatePlan(ctx, plan)
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}

	if !skipWarnings {
		for _, v := range result.Warnings() {
			log.Warn().
				Str("policy", v.Policy).
				Str("resource", v.ResourceID).
				Msg(v.Message)
		}
	}

	if errs := result.Errors(); len(errs) > 0 {
		for _, v := range errs {
			log.Error().
				Str("policy", v.Policy).
				Str("resource", v.ResourceID).
				Msg(v.Message)
		}
		return fmt.Errorf("plan blocked by %d policy violation(s)", len(errs))
	}
	return nil
}

func readPlanFile(path string) (*engine.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var plan engine.Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan file: %w", err)
	}
	return &plan, nil
}

func serveMetrics(addr string, metrics *telemetry.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("Metrics server stopped")
	}
}

func recordRunMetrics(metrics *telemetry.Metrics, report *engine.ApplyReport) {
	metrics.RecordRun(report.Stack, string(report.Status),
		report.CompletedAt.Sub(report.StartedAt))
	for _, res := range report.Results {
		metrics.RecordNodeOperation(string(res.Action), string(res.Status))
		if res.Attempts > 1 {
			for i := 1; i < res.Attempts; i++ {
				metrics.RecordRetry()
			}
		}
		if !res.DispatchedAt.IsZero() && !res.CompletedAt.IsZero() {
			metrics.RecordProviderCall(string(res.Action),
				res.CompletedAt.Sub(res.DispatchedAt))
		}
	}
}

// printReport writes the run outcome to stdout.
func printReport(report *engine.ApplyReport) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			log.Error().Err(err).Msg("Failed to encode report")
		}
		return
	}

	s := report.Summary()
	fmt.Printf("\nRun %s finished: %s\n", report.RunID, report.Status)
	fmt.Printf("  %d succeeded, %d failed, %d skipped (of %d)\n",
		s.Succeeded, s.Failed, s.Skipped, s.Total)
	for _, res := range report.Results {
		if res.Status == engine.NodeFailed {
			fmt.Printf("  FAILED  %-28s %s\n", res.NodeID, res.Error)
		}
	}
}
