package telemetry

import (
	"context"
	"testing"
	"time"
)

// TestEmitBeforeInitIsNoop verifies emission is safe without Init
func TestEmitBeforeInitIsNoop(t *testing.T) {
	globalRegistry.Store(nil)

	Counter("test.counter", "label", "value")
	Histogram("test.histogram", 1.5)
	Gauge("test.gauge", 42)
	Duration("test.duration", time.Now())
}

// TestInitAndEmit verifies the full emission path after Init
func TestInitAndEmit(t *testing.T) {
	shutdown, err := Init("gollek-test")
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	Counter("requests.total", "provider", "gguf-local")
	Counter("requests.total", "provider", "gguf-local")
	Histogram("latency.ms", 12.5, "provider", "gguf-local")
	Gauge("sessions.active", 3)
	Duration("op.duration_ms", time.Now().Add(-50*time.Millisecond))
}

// TestOddLabelCountIgnored verifies unpaired labels do not panic
func TestOddLabelCountIgnored(t *testing.T) {
	if _, err := Init("gollek-test"); err != nil {
		t.Fatal(err)
	}
	Counter("odd.labels", "only-a-key")
}
