package telemetry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Iron-Ham/featurepipe/internal/config"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	if err := Init(context.Background(), config.TelemetryConfig{}, "featurepipe", "test"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer Shutdown(context.Background())

	if Enabled() {
		t.Error("Enabled() = true, want false")
	}

	m := NewDispatchMetrics()
	ctx, span, start := m.StartAttempt(context.Background(), "plan", "", "claude", 1)
	m.EndAttempt(ctx, span, start, "plan", "exit-error", errors.New("boom"))
	if span.SpanContext().IsValid() {
		t.Error("noop span should not carry a valid span context")
	}
}

func TestInitWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.jsonl")
	cfg := config.TelemetryConfig{Enabled: true, File: path}
	if err := Init(context.Background(), cfg, "featurepipe", "test"); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if !Enabled() {
		t.Fatal("Enabled() = false, want true")
	}

	m := NewDispatchMetrics()
	ctx, span, start := m.StartAttempt(context.Background(), "plan", "architect", "claude", 1)
	if !span.SpanContext().IsValid() {
		t.Error("expected a recording span")
	}
	m.EndAttempt(ctx, span, start, "plan", "success", nil)
	Shutdown(context.Background())

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read telemetry file: %v", err)
	}
	if len(data) == 0 {
		t.Error("telemetry file is empty after shutdown")
	}
	if Enabled() {
		t.Error("Enabled() should be false after Shutdown")
	}
}
