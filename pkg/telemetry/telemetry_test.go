package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLoggerJSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("fetcher").
		WithExperiment("exp-1").
		WithStep("fetch").
		WithUnit("A:d:p:0").
		Info("parsed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, buf.String())
	}
	want := map[string]string{
		"component":  "fetcher",
		"experiment": "exp-1",
		"step":       "fetch",
		"unit":       "A:d:p:0",
		"message":    "parsed",
		"level":      "info",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s = %v, want %s", k, entry[k], v)
		}
	}
}

func TestLoggerLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("warn message missing")
	}
}

func TestFromContextWithoutLogger(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext returned nil")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"cluster", func(c *Config) { *c = *ClusterConfig() }, false},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }, true},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 2 }, true},
		{"no name", func(c *Config) { c.ServiceName = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMetricsHandlerExposesUnitCounters(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "benchlab", Path: "/metrics"})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.SetQueuedUnits(2)
	m.RecordUnitStarted()
	m.RecordUnitCompleted("local", "A", "done", 3*time.Second)
	m.RecordSchedulerRetry("submit")
	m.SetCoverage(0.5)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()

	for _, want := range []string{
		`benchlab_units_completed_total{environment="local",status="done"} 1`,
		`benchlab_scheduler_retries_total{operation="submit"} 1`,
		`benchlab_coverage_ratio 0.5`,
		`benchlab_queued_units 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestDisabledMetricsAreNoops(t *testing.T) {
	m, _ := NewMetrics(MetricsConfig{Enabled: false})
	m.RecordStep("build", "succeeded", time.Second)
	m.RecordUnitCompleted("local", "A", "done", time.Second)

	var nilMetrics *Metrics
	nilMetrics.RecordError("build")
	if nilMetrics.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestEventPublisherDeliversInOrder(t *testing.T) {
	ep := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 16})

	var mu sync.Mutex
	var got []string
	ep.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e.Type)
	}, FilterByExperiment("exp"))

	_ = ep.PublishStep("exp", "build", EventTypeStepStarted, nil)
	_ = ep.PublishStep("other", "build", EventTypeStepStarted, nil)
	_ = ep.PublishUnit("exp", "u1", "failed", "crash")
	_ = ep.PublishStep("exp", "build", EventTypeStepFailed, errors.New("boom"))

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	want := []string{EventTypeStepStarted, EventTypeUnitFailed, EventTypeStepFailed}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	if err := ep.Publish(Event{Type: "late"}); err == nil {
		t.Error("publish after shutdown should fail")
	}
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	op := StartOperation(context.Background(), "step.build")
	op.End(errors.New("failed"))
	if op.Timer.Duration() < 0 {
		t.Error("negative duration")
	}
}
