package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ExecutorOptions bound an apply run.
type ExecutorOptions struct {
	// MaxParallel caps concurrent provider operations. Defaults to 4.
	MaxParallel int

	// MaxAttempts is the attempt budget per operation for transient
	// provider failures. Defaults to 3.
	MaxAttempts int

	// BaseBackoff is the first retry delay; it doubles per attempt with
	// jitter, capped at 30s. Defaults to 1s.
	BaseBackoff time.Duration
}

func (o *ExecutorOptions) defaults() {
	if o.MaxParallel <= 0 {
		o.MaxParallel = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
}

// Executor consumes a Plan and issues provider operations in dependency
// order. Sibling branches of the DAG run concurrently on a bounded worker
// pool; a node dispatches only after every dependency reached Succeeded.
type Executor struct {
	provider Provider
	store    StateStore
	logger   zerolog.Logger
	opts     ExecutorOptions
	tracer   trace.Tracer

	mu      sync.Mutex
	stack   string
	records map[string]*AppliedRecord
}

// NewExecutor creates an executor over the given provider and state store.
func NewExecutor(provider Provider, store StateStore, logger zerolog.Logger, opts ExecutorOptions) *Executor {
	opts.defaults()
	return &Executor{
		provider: provider,
		store:    store,
		logger:   logger.With().Str("component", "executor").Logger(),
		opts:     opts,
		tracer:   otel.Tracer("stratus/engine"),
	}
}

// outcome is the terminal result of one plan entry, reported back to the
// dispatch loop.
type outcome struct {
	result *NodeResult

	// fatal is set when the state store could not be written; the run
	// must stop rather than proceed on unverified state.
	fatal bool
}

// Apply executes a plan. It returns a report enumerating the terminal
// status of every entry; the returned error is non-nil only for fatal
// infrastructure failures (state persistence), never for ordinary node
// failures, which the report carries.
func (e *Executor) Apply(ctx context.Context, plan *Plan) (*ApplyReport, error) {
	report := &ApplyReport{
		RunID:     uuid.New().String(),
		PlanID:    plan.ID,
		Stack:     plan.Stack,
		StartedAt: time.Now(),
		Results:   make(map[string]*NodeResult, len(plan.Entries)),
	}

	ctx, span := e.tracer.Start(ctx, "run.apply",
		trace.WithAttributes(
			attribute.String("run.id", report.RunID),
			attribute.String("plan.id", plan.ID),
			attribute.String("stack", plan.Stack),
		))
	defer span.End()

	records, err := e.store.Load(ctx, plan.Stack)
	if err != nil {
		return nil, &StatePersistenceError{Err: err}
	}
	e.stack = plan.Stack
	e.records = records

	logger := e.logger.With().Str("run_id", report.RunID).Logger()
	logger.Info().Str("plan_id", plan.ID).Int("entries", len(plan.Entries)).Msg("apply started")

	entries := make(map[string]*PlanEntry, len(plan.Entries))
	inDegree := make(map[string]int, len(plan.Entries))
	dependents := make(map[string][]string)
	status := make(map[string]NodeStatus, len(plan.Entries))
	for i := range plan.Entries {
		entry := &plan.Entries[i]
		entries[entry.Node.ID] = entry
		status[entry.Node.ID] = NodePending
		inDegree[entry.Node.ID] = len(entry.DependsOn)
		for _, dep := range entry.DependsOn {
			dependents[dep] = append(dependents[dep], entry.Node.ID)
		}
	}

	workerCount := e.opts.MaxParallel
	if len(plan.Entries) < workerCount {
		workerCount = len(plan.Entries)
	}
	jobs := make(chan *PlanEntry, len(plan.Entries))
	results := make(chan outcome, len(plan.Entries))

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range jobs {
				results <- e.executeEntry(ctx, report.RunID, entry)
			}
		}()
	}

	dispatch := func(id string) {
		status[id] = NodeInProgress
		jobs <- entries[id]
	}

	// skip marks an entry and its transitive dependents terminal without
	// dispatching them.
	var skip func(id, failedDep string)
	skip = func(id, failedDep string) {
		if status[id].IsTerminal() || status[id] == NodeInProgress {
			return
		}
		status[id] = NodeSkipped
		now := time.Now()
		report.Results[id] = &NodeResult{
			NodeID:      id,
			Action:      entries[id].Action,
			Status:      NodeSkipped,
			CompletedAt: now,
			Err:         &SkippedError{NodeID: id, FailedDependency: failedDep},
			Error:       (&SkippedError{NodeID: id, FailedDependency: failedDep}).Error(),
		}
		for _, dep := range dependents[id] {
			skip(dep, failedDep)
		}
	}

	// Initial wave: entries with no dependencies, in id order for
	// deterministic dispatch.
	ready := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	for _, id := range ready {
		dispatch(id)
	}

	halted := false    // fatal state failure: dispatch nothing further
	cancelled := false // run cancelled: in-flight finishes, no new dispatch
	done := ctx.Done()

	for countActive(status) > 0 {
		// Everything not yet terminal and not in flight is unreachable
		// once dispatching stops.
		if halted || cancelled {
			for id, st := range status {
				if st == NodePending {
					skip(id, "")
				}
			}
			if countActive(status) == 0 {
				break
			}
		}

		select {
		case <-done:
			cancelled = true
			done = nil
			logger.Warn().Msg("apply cancelled; waiting for in-flight operations")
			continue
		case out := <-results:
			res := out.result
			report.Results[res.NodeID] = res
			status[res.NodeID] = res.Status

			if out.fatal {
				halted = true
			}

			if res.Status == NodeSucceeded {
				next := make([]string, 0)
				for _, dep := range dependents[res.NodeID] {
					inDegree[dep]--
					if inDegree[dep] == 0 && status[dep] == NodePending {
						next = append(next, dep)
					}
				}
				if !halted && !cancelled {
					sort.Strings(next)
					for _, id := range next {
						dispatch(id)
					}
				}
			} else {
				for _, dep := range dependents[res.NodeID] {
					skip(dep, res.NodeID)
				}
			}
		}
	}

	close(jobs)
	wg.Wait()

	report.CompletedAt = time.Now()
	report.Status = e.runStatus(report, cancelled)

	logger.Info().
		Str("status", string(report.Status)).
		Int("succeeded", report.Summary().Succeeded).
		Int("failed", report.Summary().Failed).
		Int("skipped", report.Summary().Skipped).
		Msg("apply finished")

	if err := e.store.SaveRun(ctx, report); err != nil {
		span.SetStatus(codes.Error, "run persistence failed")
		return report, &StatePersistenceError{Err: err}
	}

	if report.Status == RunSucceeded {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(report.Status))
	}
	return report, nil
}

// countActive counts entries that have not reached a terminal status:
// pending dispatch or currently in flight.
func countActive(status map[string]NodeStatus) int {
	n := 0
	for _, st := range status {
		if !st.IsTerminal() {
			n++
		}
	}
	return n
}

func (e *Executor) runStatus(report *ApplyReport, cancelled bool) RunStatus {
	if cancelled {
		return RunCancelled
	}
	s := report.Summary()
	switch {
	case s.Failed == 0 && s.Skipped == 0:
		return RunSucceeded
	case s.Succeeded == 0 && s.Failed > 0:
		return RunFailed
	default:
		return RunPartial
	}
}

// executeEntry runs a single plan entry to a terminal state. The provider
// call itself is detached from the run context: an in-flight operation is
// not safely abortable, so cancellation only prevents further attempts.
func (e *Executor) executeEntry(ctx context.Context, runID string, entry *PlanEntry) outcome {
	id := entry.Node.ID
	res := &NodeResult{
		NodeID:       id,
		Action:       entry.Action,
		Status:       NodeSucceeded,
		DispatchedAt: time.Now(),
	}

	_, span := e.tracer.Start(ctx, "node.apply",
		trace.WithAttributes(
			attribute.String("resource.id", id),
			attribute.String("resource.kind", string(entry.Node.Kind)),
			attribute.String("action", string(entry.Action)),
		))
	defer span.End()

	opCtx := context.WithoutCancel(ctx)
	logger := e.logger.With().Str("run_id", runID).Str("resource_id", id).Logger()

	var err error
	switch entry.Action {
	case ActionNoOp:
		// Terminal immediately; dependents gate on it all the same.
	case ActionCreate:
		err = e.applyCreate(ctx, opCtx, runID, entry, res)
	case ActionUpdate:
		err = e.applyUpdate(ctx, opCtx, runID, entry, res)
	case ActionReplace:
		err = e.applyReplace(ctx, opCtx, runID, entry, res, logger)
	case ActionDestroy:
		err = e.applyDestroy(ctx, opCtx, runID, entry, res)
	default:
		err = fmt.Errorf("unknown action %q for resource %s", entry.Action, id)
	}

	res.CompletedAt = time.Now()
	if err != nil {
		res.Status = NodeFailed
		res.Err = err
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Str("action", string(entry.Action)).Msg("node apply failed")
		return outcome{result: res, fatal: IsStatePersistence(err)}
	}

	span.SetStatus(codes.Ok, "")
	if entry.Action != ActionNoOp {
		logger.Info().
			Str("action", string(entry.Action)).
			Str("external_id", res.ExternalID).
			Int("attempts", res.Attempts).
			Msg("node applied")
	}
	return outcome{result: res}
}

func (e *Executor) applyCreate(ctx, opCtx context.Context, runID string, entry *PlanEntry, res *NodeResult) error {
	var externalID string
	err := e.withRetry(ctx, res, func() error {
		var callErr error
		externalID, _, callErr = e.provider.Create(opCtx, entry.Node.Kind, entry.Node.Attributes)
		return callErr
	})
	if err != nil {
		return err
	}
	res.ExternalID = externalID
	return e.persist(opCtx, entry, &AppliedRecord{
		NodeID:      entry.Node.ID,
		Kind:        entry.Node.Kind,
		ExternalID:  externalID,
		Fingerprint: entry.Fingerprint,
		Attributes:  entry.Node.Attributes,
		DependsOn:   entry.Node.DependsOn,
		LastRunID:   runID,
	})
}

func (e *Executor) applyUpdate(ctx, opCtx context.Context, runID string, entry *PlanEntry, res *NodeResult) error {
	rec := e.record(entry.Node.ID)
	if rec == nil {
		return NewPermanentError("update", "no applied record for resource", nil).WithNode(entry.Node.ID)
	}
	err := e.withRetry(ctx, res, func() error {
		_, callErr := e.provider.Update(opCtx, rec.ExternalID, entry.Node.Attributes)
		return callErr
	})
	if err != nil {
		return err
	}
	res.ExternalID = rec.ExternalID
	updated := &AppliedRecord{
		NodeID:           entry.Node.ID,
		Kind:             entry.Node.Kind,
		ExternalID:       rec.ExternalID,
		Fingerprint:      entry.Fingerprint,
		Attributes:       entry.Node.Attributes,
		DependsOn:        entry.Node.DependsOn,
		PendingDestroyID: rec.PendingDestroyID,
		LastRunID:        runID,
	}
	if err := e.persist(opCtx, entry, updated); err != nil {
		return err
	}
	return e.cleanupStale(opCtx, entry, updated, res)
}

// applyReplace creates the replacement first and destroys the old resource
// only after the create's success is confirmed, so the resource is never
// briefly absent. A failed destroy leaves the record flagged so a later
// run retries only the destroy.
func (e *Executor) applyReplace(ctx, opCtx context.Context, runID string, entry *PlanEntry, res *NodeResult, logger zerolog.Logger) error {
	rec := e.record(entry.Node.ID)
	if rec == nil {
		return NewPermanentError("replace", "no applied record for resource", nil).WithNode(entry.Node.ID)
	}
	oldExternalID := rec.ExternalID

	// Sweep the leftover of an earlier failed replace-destroy first; the
	// record's pending slot is about to be taken by the resource replaced
	// now. If both destroys fail, the newer leftover wins the retry slot.
	staleLeftover := ""
	if entry.StaleExternalID != "" && entry.StaleExternalID != oldExternalID {
		if destroyErr := e.provider.Destroy(opCtx, entry.StaleExternalID); destroyErr != nil {
			staleLeftover = entry.StaleExternalID
			res.CleanupPending = true
			logger.Warn().Err(destroyErr).
				Str("stale_external_id", entry.StaleExternalID).
				Msg("destroy of earlier replacement leftover failed; cleanup deferred to next run")
		}
	}

	var externalID string
	err := e.withRetry(ctx, res, func() error {
		var callErr error
		externalID, _, callErr = e.provider.Create(opCtx, entry.Node.Kind, entry.Node.Attributes)
		return callErr
	})
	if err != nil {
		return err
	}
	res.ExternalID = externalID

	replaced := &AppliedRecord{
		NodeID:           entry.Node.ID,
		Kind:             entry.Node.Kind,
		ExternalID:       externalID,
		Fingerprint:      entry.Fingerprint,
		Attributes:       entry.Node.Attributes,
		DependsOn:        entry.Node.DependsOn,
		PendingDestroyID: oldExternalID,
		LastRunID:        runID,
	}
	if err := e.persist(opCtx, entry, replaced); err != nil {
		return err
	}

	if destroyErr := e.provider.Destroy(opCtx, oldExternalID); destroyErr != nil {
		// The replacement is live; the node succeeded. The leftover is
		// recorded and retried on the next run.
		res.CleanupPending = true
		logger.Warn().Err(destroyErr).
			Str("stale_external_id", oldExternalID).
			Msg("destroy of replaced resource failed; cleanup deferred to next run")
		return nil
	}

	replaced.PendingDestroyID = staleLeftover
	return e.persist(opCtx, entry, replaced)
}

func (e *Executor) applyDestroy(ctx, opCtx context.Context, runID string, entry *PlanEntry, res *NodeResult) error {
	rec := e.record(entry.Node.ID)

	// Stale-only destroy: the live resource stays, only the replacement
	// leftover goes.
	if entry.StaleExternalID != "" && rec != nil && rec.ExternalID != entry.StaleExternalID {
		err := e.withRetry(ctx, res, func() error {
			return e.provider.Destroy(opCtx, entry.StaleExternalID)
		})
		if err != nil {
			return err
		}
		rec.PendingDestroyID = ""
		rec.LastRunID = runID
		res.ExternalID = rec.ExternalID
		return e.persist(opCtx, entry, rec)
	}

	if rec == nil {
		// Nothing applied; treat as already destroyed.
		return nil
	}
	if rec.PendingDestroyID != "" {
		// Full destroy also sweeps a leftover replacement, best effort
		// before the live resource.
		err := e.withRetry(ctx, res, func() error {
			return e.provider.Destroy(opCtx, rec.PendingDestroyID)
		})
		if err != nil {
			return err
		}
	}
	err := e.withRetry(ctx, res, func() error {
		return e.provider.Destroy(opCtx, rec.ExternalID)
	})
	if err != nil {
		return err
	}
	res.ExternalID = rec.ExternalID
	if storeErr := e.delete(opCtx, entry.Node.ID); storeErr != nil {
		return storeErr
	}
	return nil
}

// cleanupStale retries the deferred destroy carried on an update entry.
func (e *Executor) cleanupStale(opCtx context.Context, entry *PlanEntry, rec *AppliedRecord, res *NodeResult) error {
	if rec.PendingDestroyID == "" {
		return nil
	}
	if err := e.provider.Destroy(opCtx, rec.PendingDestroyID); err != nil {
		res.CleanupPending = true
		return nil
	}
	rec.PendingDestroyID = ""
	return e.persist(opCtx, entry, rec)
}

// withRetry retries transient provider failures with bounded exponential
// backoff. Cancellation of the run context stops further attempts; the
// current attempt always runs to completion.
func (e *Executor) withRetry(ctx context.Context, res *NodeResult, op func() error) error {
	var err error
	for attempt := 1; attempt <= e.opts.MaxAttempts; attempt++ {
		res.Attempts = attempt
		err = op()
		if err == nil || !IsRetryable(err) {
			return err
		}
		if attempt == e.opts.MaxAttempts {
			break
		}
		select {
		case <-time.After(e.backoff(attempt)):
		case <-ctx.Done():
			return err
		}
	}
	return err
}

// backoff doubles per attempt with +-25% jitter, capped at 30 seconds.
func (e *Executor) backoff(attempt int) time.Duration {
	delay := time.Duration(float64(e.opts.BaseBackoff) * math.Pow(2, float64(attempt-1)))
	if delay > 30*time.Second {
		delay = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/2+1)) - delay/4
	return delay + jitter
}

func (e *Executor) record(id string) *AppliedRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.records[id]
}

// persist writes a record through to the store immediately, so a crash
// mid-run leaves the store consistent with the operations that completed.
func (e *Executor) persist(ctx context.Context, entry *PlanEntry, rec *AppliedRecord) error {
	rec.LastApplied = time.Now()
	if err := e.store.Put(ctx, e.stack, rec); err != nil {
		return &StatePersistenceError{NodeID: entry.Node.ID, Err: err}
	}
	e.mu.Lock()
	e.records[entry.Node.ID] = rec
	e.mu.Unlock()
	return nil
}

func (e *Executor) delete(ctx context.Context, nodeID string) error {
	if err := e.store.Delete(ctx, e.stack, nodeID); err != nil {
		return &StatePersistenceError{NodeID: nodeID, Err: err}
	}
	e.mu.Lock()
	delete(e.records, nodeID)
	e.mu.Unlock()
	return nil
}
