// Package telemetry provides simple metrics emission over the OpenTelemetry
// metric API. Before Init the package is a safe no-op, so components can
// emit unconditionally.
package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// registry holds the initialized meter and instrument caches
type registry struct {
	meter    metric.Meter
	provider *sdkmetric.MeterProvider

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
}

var globalRegistry atomic.Pointer[registry]

// Init wires the OTel meter provider with a stdout exporter and returns a
// shutdown function. Calling Init twice replaces the previous registry.
func Init(serviceName string) (func(context.Context) error, error) {
	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(30*time.Second))),
	)

	reg := &registry{
		meter:      provider.Meter("gollek"),
		provider:   provider,
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
	}
	globalRegistry.Store(reg)
	return provider.Shutdown, nil
}

// Counter increments a counter metric by 1. Labels are key-value pairs:
//
//	telemetry.Counter("inference.requests", "provider", "gguf-local")
func Counter(name string, labels ...string) {
	reg := globalRegistry.Load()
	if reg == nil {
		return
	}
	c, err := reg.counter(name)
	if err != nil {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(toAttributes(labels)...))
}

// Histogram records a value in a distribution; use for latencies and sizes
func Histogram(name string, value float64, labels ...string) {
	reg := globalRegistry.Load()
	if reg == nil {
		return
	}
	h, err := reg.histogram(name)
	if err != nil {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Gauge records a current-value metric
func Gauge(name string, value float64, labels ...string) {
	reg := globalRegistry.Load()
	if reg == nil {
		return
	}
	g, err := reg.gauge(name)
	if err != nil {
		return
	}
	g.Record(context.Background(), value, metric.WithAttributes(toAttributes(labels)...))
}

// Duration records elapsed milliseconds since startTime
func Duration(name string, startTime time.Time, labels ...string) {
	Histogram(name, float64(time.Since(startTime).Milliseconds()), labels...)
}

func (r *registry) counter(name string) (metric.Float64Counter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c, nil
	}
	c, err := r.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	r.counters[name] = c
	return c, nil
}

func (r *registry) histogram(name string) (metric.Float64Histogram, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h, nil
	}
	h, err := r.meter.Float64Histogram(name)
	if err != nil {
		return nil, err
	}
	r.histograms[name] = h
	return h, nil
}

func (r *registry) gauge(name string) (metric.Float64Gauge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g, nil
	}
	g, err := r.meter.Float64Gauge(name)
	if err != nil {
		return nil, err
	}
	r.gauges[name] = g
	return g, nil
}

func toAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
