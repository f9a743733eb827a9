package telemetry

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevels(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "warn", Format: "json"})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Errorf("Expected warn level, got %s", logger.GetLevel())
	}

	if _, err := NewLogger(LoggingConfig{Level: "loud"}); err == nil {
		t.Error("Expected error for invalid level")
	}
}

func TestNewLoggerDefaultLevel(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Errorf("Expected info level, got %s", logger.GetLevel())
	}
}

func TestComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	parent := zerolog.New(&buf)
	logger := NewComponentLogger(parent, "planner")
	logger.Info().Msg("computed")

	if !strings.Contains(buf.String(), `"component":"planner"`) {
		t.Errorf("Expected component field in output, got %s", buf.String())
	}
}

func TestMetricsDisabledIsNoOp(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})

	// None of these should panic.
	m.RecordPlan("weather", map[string]int{"create": 3})
	m.RecordRun("weather", "succeeded", time.Second)
	m.RecordNodeOperation("create", "succeeded")
	m.RecordProviderCall("update", 20*time.Millisecond)
	m.RecordRetry()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 from disabled handler, got %d", rec.Code)
	}
}

func TestMetricsEnabledExposesCounters(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: true, Namespace: "stratus"})

	m.RecordPlan("weather", map[string]int{"create": 3, "no_op": 2})
	m.RecordRun("weather", "succeeded", 2*time.Second)
	m.RecordNodeOperation("create", "succeeded")
	m.RecordRetry()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from metrics handler, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`stratus_plans_computed_total{stack="weather"} 1`,
		`stratus_plan_entries_total{action="create",stack="weather"} 3`,
		`stratus_runs_completed_total{stack="weather",status="succeeded"} 1`,
		`stratus_node_operations_total{action="create",status="succeeded"} 1`,
		`stratus_provider_retries_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected metrics output to contain %q", want)
		}
	}
}

func TestTracerDisabled(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "stratus", "test")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if err := tracer.Shutdown(t.Context()); err != nil {
		t.Errorf("Expected nil shutdown on disabled tracer, got %v", err)
	}
}

func TestTracerUnknownExporter(t *testing.T) {
	_, err := NewTracer(TracingConfig{Enabled: true, Exporter: "jaeger"}, "stratus", "test")
	if err == nil {
		t.Error("Expected error for unknown exporter")
	}
}
