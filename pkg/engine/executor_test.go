package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// Mock provider for testing
type providerOp struct {
	Op         string
	Kind       Kind
	Name       string
	ExternalID string
	At         time.Time
}

type mockProvider struct {
	mu       sync.Mutex
	ops      []providerOp
	nextID   int
	delay    time.Duration
	reported Attributes         // attributes returned from create/update calls
	failing  map[string][]error // keyed by name attribute (create/update) or external ID (destroy)
}

func newMockProvider() *mockProvider {
	return &mockProvider{
		failing: make(map[string][]error),
	}
}

// failWith queues errors returned for the given key, one per call, before
// calls start succeeding again.
func (m *mockProvider) failWith(key string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failing[key] = append(m.failing[key], errs...)
}

func (m *mockProvider) popFailure(key string) error {
	queue := m.failing[key]
	if len(queue) == 0 {
		return nil
	}
	m.failing[key] = queue[1:]
	return queue[0]
}

func (m *mockProvider) Create(ctx context.Context, kind Kind, attrs Attributes) (string, Attributes, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	name, _ := attrs.Get("name")
	if err := m.popFailure(name); err != nil {
		m.ops = append(m.ops, providerOp{Op: "create_failed", Kind: kind, Name: name, At: time.Now()})
		return "", nil, err
	}
	m.nextID++
	externalID := fmt.Sprintf("ext-%s-%d", kind, m.nextID)
	m.ops = append(m.ops, providerOp{Op: "create", Kind: kind, Name: name, ExternalID: externalID, At: time.Now()})
	return externalID, m.reported, nil
}

func (m *mockProvider) Update(ctx context.Context, externalID string, attrs Attributes) (Attributes, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	name, _ := attrs.Get("name")
	if err := m.popFailure(name); err != nil {
		return nil, err
	}
	m.ops = append(m.ops, providerOp{Op: "update", Name: name, ExternalID: externalID, At: time.Now()})
	return m.reported, nil
}

func (m *mockProvider) Destroy(ctx context.Context, externalID string) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popFailure(externalID); err != nil {
		return err
	}
	m.ops = append(m.ops, providerOp{Op: "destroy", ExternalID: externalID, At: time.Now()})
	return nil
}

func (m *mockProvider) opLog() []providerOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]providerOp{}, m.ops...)
}

func (m *mockProvider) opsFor(op string) []providerOp {
	out := make([]providerOp, 0)
	for _, o := range m.opLog() {
		if o.Op == op {
			out = append(out, o)
		}
	}
	return out
}

// Mock state store for testing
type mockStateStore struct {
	mu      sync.Mutex
	records map[string]*AppliedRecord
	runs    []*ApplyReport
	puts    []string
	putErr  error
}

func newMockStateStore() *mockStateStore {
	return &mockStateStore{
		records: make(map[string]*AppliedRecord),
	}
}

func (m *mockStateStore) Load(ctx context.Context, stack string) (map[string]*AppliedRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*AppliedRecord, len(m.records))
	for id, rec := range m.records {
		clone := *rec
		out[id] = &clone
	}
	return out, nil
}

func (m *mockStateStore) Put(ctx context.Context, stack string, rec *AppliedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.putErr != nil {
		return m.putErr
	}
	clone := *rec
	m.records[rec.NodeID] = &clone
	m.puts = append(m.puts, rec.NodeID)
	return nil
}

func (m *mockStateStore) Delete(ctx context.Context, stack, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, nodeID)
	return nil
}

func (m *mockStateStore) SaveRun(ctx context.Context, report *ApplyReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, report)
	return nil
}

func (m *mockStateStore) Close() error { return nil }

func (m *mockStateStore) record(nodeID string) *AppliedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[nodeID]
	if !ok {
		return nil
	}
	clone := *rec
	return &clone
}

func testExecutor(p Provider, s StateStore) *Executor {
	return NewExecutor(p, s, zerolog.Nop(), ExecutorOptions{
		MaxParallel: 4,
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
	})
}

func attrsOf(pairs ...string) Attributes {
	attrs := make(Attributes, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		attrs = append(attrs, Attribute{Key: pairs[i], Value: pairs[i+1]})
	}
	return attrs.Canonical()
}

func createEntry(id string, kind Kind, attrs Attributes, deps ...string) PlanEntry {
	node := ResourceNode{ID: id, Kind: kind, Attributes: attrs, DependsOn: deps}
	return PlanEntry{
		Node:        node,
		Action:      ActionCreate,
		DependsOn:   deps,
		Fingerprint: NodeFingerprint(&node),
	}
}

func testPlan(entries ...PlanEntry) *Plan {
	plan := &Plan{
		ID:        "plan-test",
		Stack:     "weather",
		CreatedAt: time.Now(),
		Entries:   entries,
	}
	for _, e := range entries {
		plan.Summary.count(e.Action)
	}
	return plan
}

func TestExecutor_Apply_AllCreate(t *testing.T) {
	provider := newMockProvider()
	store := newMockStateStore()
	exec := testExecutor(provider, store)

	plan := testPlan(
		createEntry("role.api", KindRole, attrsOf("name", "weather-api-role")),
		createEntry("fn.weather", KindFunction, attrsOf("name", "weather", "runtime", "python3.12"), "role.api"),
		createEntry("table.cache", KindTable, attrsOf("name", "weather-cache", "hash_key", "city")),
	)

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if report.Status != RunSucceeded {
		t.Errorf("Expected run status %s, got %s", RunSucceeded, report.Status)
	}
	if len(report.Results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(report.Results))
	}
	for id, res := range report.Results {
		if res.Status != NodeSucceeded {
			t.Errorf("Expected %s to succeed, got %s (%s)", id, res.Status, res.Error)
		}
		if res.ExternalID == "" {
			t.Errorf("Expected external ID for %s", id)
		}
	}

	// Dependency order: the role must be created before the function.
	creates := provider.opsFor("create")
	roleIdx, fnIdx := -1, -1
	for i, op := range creates {
		switch op.Kind {
		case KindRole:
			roleIdx = i
		case KindFunction:
			fnIdx = i
		}
	}
	if roleIdx == -1 || fnIdx == -1 || roleIdx > fnIdx {
		t.Errorf("Expected role created before function, got order %v", creates)
	}

	// Every applied node persisted its record.
	for _, id := range []string{"role.api", "fn.weather", "table.cache"} {
		if store.record(id) == nil {
			t.Errorf("Expected applied record for %s", id)
		}
	}
	if len(store.runs) != 1 {
		t.Errorf("Expected 1 saved run, got %d", len(store.runs))
	}
}

func TestExecutor_Apply_NoOpSkipsProvider(t *testing.T) {
	provider := newMockProvider()
	store := newMockStateStore()
	store.records["fn.weather"] = &AppliedRecord{
		NodeID: "fn.weather", Kind: KindFunction, ExternalID: "ext-1",
	}
	exec := testExecutor(provider, store)

	node := ResourceNode{ID: "fn.weather", Kind: KindFunction, Attributes: attrsOf("name", "weather")}
	plan := testPlan(PlanEntry{Node: node, Action: ActionNoOp, Reason: "no changes detected"})

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if report.Status != RunSucceeded {
		t.Errorf("Expected run status %s, got %s", RunSucceeded, report.Status)
	}
	if got := len(provider.opLog()); got != 0 {
		t.Errorf("Expected no provider calls for no-op, got %d", got)
	}
	if len(store.puts) != 0 {
		t.Errorf("Expected no state writes for no-op, got %d", len(store.puts))
	}
}

func TestExecutor_Apply_FailureSkipsDependents(t *testing.T) {
	provider := newMockProvider()
	provider.failWith("weather", NewPermanentError("create", "invalid runtime", nil))
	store := newMockStateStore()
	exec := testExecutor(provider, store)

	plan := testPlan(
		createEntry("fn.weather", KindFunction, attrsOf("name", "weather")),
		createEntry("intg.get", KindIntegration, attrsOf("name", "get-weather"), "fn.weather"),
		createEntry("bucket.site", KindBucket, attrsOf("name", "weather-site")),
	)

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if report.Status != RunPartial {
		t.Errorf("Expected run status %s, got %s", RunPartial, report.Status)
	}
	if got := report.Results["fn.weather"].Status; got != NodeFailed {
		t.Errorf("Expected fn.weather FAILED, got %s", got)
	}
	if got := report.Results["intg.get"].Status; got != NodeSkipped {
		t.Errorf("Expected intg.get SKIPPED, got %s", got)
	}
	if got := report.Results["bucket.site"].Status; got != NodeSucceeded {
		t.Errorf("Expected independent bucket.site to succeed, got %s", got)
	}

	var skipErr *SkippedError
	if !errors.As(report.Results["intg.get"].Err, &skipErr) {
		t.Fatalf("Expected SkippedError, got %T", report.Results["intg.get"].Err)
	}
	if skipErr.FailedDependency != "fn.weather" {
		t.Errorf("Expected failed dependency fn.weather, got %s", skipErr.FailedDependency)
	}

	// Permanent errors never retry.
	if got := report.Results["fn.weather"].Attempts; got != 1 {
		t.Errorf("Expected 1 attempt for permanent failure, got %d", got)
	}
	if store.record("fn.weather") != nil {
		t.Error("Expected no applied record for failed create")
	}
}

func TestExecutor_Apply_TransientRetry(t *testing.T) {
	provider := newMockProvider()
	provider.failWith("weather",
		NewTransientError("create", "throttled", nil),
		NewTransientError("create", "throttled", nil),
	)
	store := newMockStateStore()
	exec := testExecutor(provider, store)

	plan := testPlan(createEntry("fn.weather", KindFunction, attrsOf("name", "weather")))

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	res := report.Results["fn.weather"]
	if res.Status != NodeSucceeded {
		t.Fatalf("Expected success after retries, got %s (%s)", res.Status, res.Error)
	}
	if res.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", res.Attempts)
	}
}

func TestExecutor_Apply_TransientExhaustsAttempts(t *testing.T) {
	provider := newMockProvider()
	provider.failWith("weather",
		NewTransientError("create", "throttled", nil),
		NewTransientError("create", "throttled", nil),
		NewTransientError("create", "throttled", nil),
	)
	store := newMockStateStore()
	exec := testExecutor(provider, store)

	plan := testPlan(createEntry("fn.weather", KindFunction, attrsOf("name", "weather")))

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	res := report.Results["fn.weather"]
	if res.Status != NodeFailed {
		t.Fatalf("Expected failure after exhausted attempts, got %s", res.Status)
	}
	if res.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", res.Attempts)
	}
	if report.Status != RunFailed {
		t.Errorf("Expected run status %s, got %s", RunFailed, report.Status)
	}
}

func TestExecutor_Apply_ReplaceCreatesBeforeDestroy(t *testing.T) {
	provider := newMockProvider()
	store := newMockStateStore()
	store.records["table.cache"] = &AppliedRecord{
		NodeID: "table.cache", Kind: KindTable, ExternalID: "ext-old",
		Fingerprint: "aaaa",
	}
	exec := testExecutor(provider, store)

	node := ResourceNode{ID: "table.cache", Kind: KindTable, Attributes: attrsOf("name", "weather-cache", "hash_key", "region")}
	plan := testPlan(PlanEntry{
		Node:        node,
		Action:      ActionReplace,
		Fingerprint: NodeFingerprint(&node),
	})

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	res := report.Results["table.cache"]
	if res.Status != NodeSucceeded {
		t.Fatalf("Expected success, got %s (%s)", res.Status, res.Error)
	}

	ops := provider.opLog()
	if len(ops) != 2 {
		t.Fatalf("Expected create then destroy, got %d ops: %v", len(ops), ops)
	}
	if ops[0].Op != "create" || ops[1].Op != "destroy" {
		t.Errorf("Expected create before destroy, got %s then %s", ops[0].Op, ops[1].Op)
	}
	if ops[1].ExternalID != "ext-old" {
		t.Errorf("Expected old resource destroyed, got %s", ops[1].ExternalID)
	}
	if ops[1].At.Before(ops[0].At) {
		t.Error("Expected destroy timestamp after create timestamp")
	}

	rec := store.record("table.cache")
	if rec == nil {
		t.Fatal("Expected applied record to survive replacement")
	}
	if rec.ExternalID == "ext-old" {
		t.Error("Expected record to point at the replacement")
	}
	if rec.PendingDestroyID != "" {
		t.Errorf("Expected cleared pending destroy, got %q", rec.PendingDestroyID)
	}
}

func TestExecutor_Apply_ReplaceDestroyFailureDefersCleanup(t *testing.T) {
	provider := newMockProvider()
	provider.failWith("ext-old", NewTransientError("destroy", "resource busy", nil))
	store := newMockStateStore()
	store.records["table.cache"] = &AppliedRecord{
		NodeID: "table.cache", Kind: KindTable, ExternalID: "ext-old",
	}
	exec := testExecutor(provider, store)

	node := ResourceNode{ID: "table.cache", Kind: KindTable, Attributes: attrsOf("name", "weather-cache", "hash_key", "region")}
	plan := testPlan(PlanEntry{Node: node, Action: ActionReplace, Fingerprint: NodeFingerprint(&node)})

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	res := report.Results["table.cache"]
	if res.Status != NodeSucceeded {
		t.Fatalf("Expected node success despite destroy failure, got %s", res.Status)
	}
	if !res.CleanupPending {
		t.Error("Expected cleanup pending flag on result")
	}

	rec := store.record("table.cache")
	if rec == nil {
		t.Fatal("Expected applied record")
	}
	if rec.PendingDestroyID != "ext-old" {
		t.Errorf("Expected pending destroy of ext-old, got %q", rec.PendingDestroyID)
	}
	if report.Status != RunSucceeded {
		t.Errorf("Expected run status %s, got %s", RunSucceeded, report.Status)
	}
}

func TestExecutor_Apply_ReplaceSweepsEarlierLeftover(t *testing.T) {
	provider := newMockProvider()
	store := newMockStateStore()
	store.records["table.cache"] = &AppliedRecord{
		NodeID: "table.cache", Kind: KindTable, ExternalID: "ext-live",
		PendingDestroyID: "ext-stale",
	}
	exec := testExecutor(provider, store)

	node := ResourceNode{ID: "table.cache", Kind: KindTable, Attributes: attrsOf("name", "weather-cache", "hash_key", "region")}
	plan := testPlan(PlanEntry{
		Node:            node,
		Action:          ActionReplace,
		StaleExternalID: "ext-stale",
		Fingerprint:     NodeFingerprint(&node),
	})

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	res := report.Results["table.cache"]
	if res.Status != NodeSucceeded {
		t.Fatalf("Expected success, got %s (%s)", res.Status, res.Error)
	}

	destroys := provider.opsFor("destroy")
	if len(destroys) != 2 {
		t.Fatalf("Expected both the leftover and the live resource destroyed, got %d destroys", len(destroys))
	}
	if destroys[0].ExternalID != "ext-stale" || destroys[1].ExternalID != "ext-live" {
		t.Errorf("Expected ext-stale then ext-live destroyed, got %s then %s",
			destroys[0].ExternalID, destroys[1].ExternalID)
	}

	rec := store.record("table.cache")
	if rec == nil {
		t.Fatal("Expected applied record")
	}
	if rec.PendingDestroyID != "" {
		t.Errorf("Expected cleared pending destroy, got %q", rec.PendingDestroyID)
	}
	if rec.ExternalID == "ext-live" || rec.ExternalID == "ext-stale" {
		t.Errorf("Expected record to point at the replacement, got %q", rec.ExternalID)
	}
}

func TestExecutor_Apply_ReplaceLeftoverDestroyFailureKeepsRetrySlot(t *testing.T) {
	provider := newMockProvider()
	provider.failWith("ext-stale", NewTransientError("destroy", "resource busy", nil))
	store := newMockStateStore()
	store.records["table.cache"] = &AppliedRecord{
		NodeID: "table.cache", Kind: KindTable, ExternalID: "ext-live",
		PendingDestroyID: "ext-stale",
	}
	exec := testExecutor(provider, store)

	node := ResourceNode{ID: "table.cache", Kind: KindTable, Attributes: attrsOf("name", "weather-cache", "hash_key", "region")}
	plan := testPlan(PlanEntry{
		Node:            node,
		Action:          ActionReplace,
		StaleExternalID: "ext-stale",
		Fingerprint:     NodeFingerprint(&node),
	})

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	res := report.Results["table.cache"]
	if res.Status != NodeSucceeded {
		t.Fatalf("Expected node success despite leftover destroy failure, got %s", res.Status)
	}
	if !res.CleanupPending {
		t.Error("Expected cleanup pending flag on result")
	}

	rec := store.record("table.cache")
	if rec == nil {
		t.Fatal("Expected applied record")
	}
	if rec.PendingDestroyID != "ext-stale" {
		t.Errorf("Expected pending destroy of ext-stale, got %q", rec.PendingDestroyID)
	}
	if rec.ExternalID == "ext-live" || rec.ExternalID == "ext-stale" {
		t.Errorf("Expected record to point at the replacement, got %q", rec.ExternalID)
	}
	if report.Status != RunSucceeded {
		t.Errorf("Expected run status %s, got %s", RunSucceeded, report.Status)
	}
}

func TestExecutor_Apply_PersistsDeclaredAttributesOnly(t *testing.T) {
	provider := newMockProvider()
	provider.reported = attrsOf("arn", "arn:aws:lambda:fn", "invoke_url", "https://x.example")
	store := newMockStateStore()
	exec := testExecutor(provider, store)

	node := ResourceNode{ID: "fn.weather", Kind: KindFunction, Attributes: attrsOf("name", "weather", "runtime", "python3.12")}
	plan := testPlan(PlanEntry{Node: node, Action: ActionCreate, Fingerprint: NodeFingerprint(&node)})

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if report.Results["fn.weather"].Status != NodeSucceeded {
		t.Fatalf("Expected success, got %s", report.Results["fn.weather"].Status)
	}

	rec := store.record("fn.weather")
	if rec == nil {
		t.Fatal("Expected applied record")
	}
	if _, ok := rec.Attributes.Get("arn"); ok {
		t.Error("Expected provider-computed attributes excluded from the record")
	}
	if got := rec.Attributes.Keys(); len(got) != 2 {
		t.Fatalf("Expected only the declared attributes persisted, got %v", got)
	}
	if name, _ := rec.Attributes.Get("name"); name != "weather" {
		t.Errorf("Expected declared name attribute, got %q", name)
	}

	// A later plan over the unchanged node sees no drift from the record.
	if NodeFingerprint(&node) != rec.Fingerprint {
		t.Error("Expected recorded fingerprint to match the declared node")
	}
}

func TestExecutor_Apply_StaleDestroyKeepsLiveResource(t *testing.T) {
	provider := newMockProvider()
	store := newMockStateStore()
	store.records["table.cache"] = &AppliedRecord{
		NodeID: "table.cache", Kind: KindTable, ExternalID: "ext-new",
		PendingDestroyID: "ext-old",
	}
	exec := testExecutor(provider, store)

	node := ResourceNode{ID: "table.cache", Kind: KindTable, Attributes: attrsOf("name", "weather-cache", "hash_key", "region")}
	plan := testPlan(PlanEntry{
		Node:            node,
		Action:          ActionDestroy,
		Reason:          "retry destroy of replaced resource",
		StaleExternalID: "ext-old",
		Fingerprint:     NodeFingerprint(&node),
	})

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if report.Results["table.cache"].Status != NodeSucceeded {
		t.Fatalf("Expected success, got %s", report.Results["table.cache"].Status)
	}

	ops := provider.opLog()
	if len(ops) != 1 || ops[0].Op != "destroy" || ops[0].ExternalID != "ext-old" {
		t.Fatalf("Expected a single destroy of ext-old, got %v", ops)
	}

	rec := store.record("table.cache")
	if rec == nil {
		t.Fatal("Expected live record to survive stale cleanup")
	}
	if rec.ExternalID != "ext-new" {
		t.Errorf("Expected live external ID ext-new, got %s", rec.ExternalID)
	}
	if rec.PendingDestroyID != "" {
		t.Errorf("Expected cleared pending destroy, got %q", rec.PendingDestroyID)
	}
}

func TestExecutor_Apply_DestroyRemovesRecord(t *testing.T) {
	provider := newMockProvider()
	store := newMockStateStore()
	store.records["bucket.site"] = &AppliedRecord{
		NodeID: "bucket.site", Kind: KindBucket, ExternalID: "ext-bucket",
	}
	exec := testExecutor(provider, store)

	node := ResourceNode{ID: "bucket.site", Kind: KindBucket}
	plan := testPlan(PlanEntry{Node: node, Action: ActionDestroy, Reason: "resource removed from stack"})

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if report.Results["bucket.site"].Status != NodeSucceeded {
		t.Fatalf("Expected success, got %s", report.Results["bucket.site"].Status)
	}
	if store.record("bucket.site") != nil {
		t.Error("Expected record deleted after destroy")
	}
}

func TestExecutor_Apply_StatePersistenceFailureHaltsRun(t *testing.T) {
	provider := newMockProvider()
	store := newMockStateStore()
	store.putErr = errors.New("disk full")
	exec := testExecutor(provider, store)

	plan := testPlan(
		createEntry("role.api", KindRole, attrsOf("name", "weather-api-role")),
		createEntry("fn.weather", KindFunction, attrsOf("name", "weather"), "role.api"),
	)

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error from Apply, got: %v", err)
	}

	res := report.Results["role.api"]
	if res.Status != NodeFailed {
		t.Fatalf("Expected persistence failure to fail the node, got %s", res.Status)
	}
	if !IsStatePersistence(res.Err) {
		t.Errorf("Expected StatePersistenceError, got %T", res.Err)
	}
	if got := report.Results["fn.weather"].Status; got != NodeSkipped {
		t.Errorf("Expected fn.weather SKIPPED after fatal state error, got %s", got)
	}
}

func TestExecutor_Apply_CancellationStopsDispatch(t *testing.T) {
	provider := newMockProvider()
	provider.delay = 50 * time.Millisecond
	store := newMockStateStore()
	exec := NewExecutor(provider, store, zerolog.Nop(), ExecutorOptions{
		MaxParallel: 1,
		MaxAttempts: 1,
		BaseBackoff: time.Millisecond,
	})

	plan := testPlan(
		createEntry("role.api", KindRole, attrsOf("name", "weather-api-role")),
		createEntry("fn.weather", KindFunction, attrsOf("name", "weather"), "role.api"),
		createEntry("intg.get", KindIntegration, attrsOf("name", "get-weather"), "fn.weather"),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	report, err := exec.Apply(ctx, plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if report.Status != RunCancelled {
		t.Errorf("Expected run status %s, got %s", RunCancelled, report.Status)
	}

	// The in-flight create finishes and persists; nothing new dispatches.
	if got := report.Results["role.api"].Status; got != NodeSucceeded {
		t.Errorf("Expected in-flight role.api to finish, got %s", got)
	}
	if store.record("role.api") == nil {
		t.Error("Expected in-flight operation to persist its record")
	}
	skipped := 0
	for _, res := range report.Results {
		if res.Status == NodeSkipped {
			skipped++
		}
	}
	if skipped == 0 {
		t.Error("Expected undispatched entries to be skipped after cancellation")
	}
}

func TestExecutor_Apply_UpdatePersistsNewFingerprint(t *testing.T) {
	provider := newMockProvider()
	store := newMockStateStore()
	store.records["fn.weather"] = &AppliedRecord{
		NodeID: "fn.weather", Kind: KindFunction, ExternalID: "ext-fn",
		Fingerprint: "old-fp",
	}
	exec := testExecutor(provider, store)

	node := ResourceNode{ID: "fn.weather", Kind: KindFunction, Attributes: attrsOf("name", "weather", "source_hash", "h2")}
	fp := NodeFingerprint(&node)
	plan := testPlan(PlanEntry{Node: node, Action: ActionUpdate, Fingerprint: fp})

	report, err := exec.Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if report.Results["fn.weather"].Status != NodeSucceeded {
		t.Fatalf("Expected success, got %s", report.Results["fn.weather"].Status)
	}

	rec := store.record("fn.weather")
	if rec == nil {
		t.Fatal("Expected applied record")
	}
	if rec.Fingerprint != fp {
		t.Errorf("Expected fingerprint %s, got %s", fp, rec.Fingerprint)
	}
	if rec.ExternalID != "ext-fn" {
		t.Errorf("Expected external ID unchanged, got %s", rec.ExternalID)
	}
}
