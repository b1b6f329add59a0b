package observability

import (
	"context"
	"testing"
)

func TestInitDisabledIsNoop(t *testing.T) {
	if err := Init(context.Background(), Config{Enabled: false}); err != nil {
		t.Fatalf("Init with Enabled=false returned error: %v", err)
	}
	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown after disabled Init returned error: %v", err)
	}
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    "carrier-pigeon",
		ServiceName: "memlink-test",
		SampleRate:  1.0,
	})
	if err == nil {
		t.Fatal("expected error for unknown exporter, got nil")
	}
}

func TestInitStdoutExporterNoop(t *testing.T) {
	if err := Init(context.Background(), Config{
		Enabled:     true,
		Exporter:    "stdout",
		ServiceName: "memlink-test",
		SampleRate:  1.0,
	}); err != nil {
		t.Fatalf("Init with stdout exporter returned error: %v", err)
	}
	if err := Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown after stdout Init returned error: %v", err)
	}
}
