package services

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"flextasker/realtime-gateway/utils"
)

// MetricsSink receives the aggregate counters reported by the scheduler.
type MetricsSink interface {
	Gauge(ctx context.Context, name string, value int64)
	Count(ctx context.Context, name string, delta int64)
}

// LogMetrics writes each report as a structured log line.
type LogMetrics struct {
	logger *utils.Logger
}

func NewLogMetrics(logger *utils.Logger) *LogMetrics {
	return &LogMetrics{logger: logger}
}

func (m *LogMetrics) Gauge(ctx context.Context, name string, value int64) {
	m.logger.DebugContext(ctx, "metric", "name", name, "gauge", value)
}

func (m *LogMetrics) Count(ctx context.Context, name string, delta int64) {
	m.logger.DebugContext(ctx, "metric", "name", name, "delta", delta)
}

// OTelMetrics records through an OpenTelemetry meter provider. Gauges are
// observed from the last reported value.
type OTelMetrics struct {
	meter  metric.Meter
	logger *utils.Logger

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
	gauges   map[string]*gaugeValue
}

type gaugeValue struct {
	mu    sync.Mutex
	value int64
}

// NewOTelMetrics uses provider, or the global provider when it is nil.
func NewOTelMetrics(provider metric.MeterProvider, name string, logger *utils.Logger) *OTelMetrics {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	return &OTelMetrics{
		meter:    provider.Meter(name),
		logger:   logger,
		counters: make(map[string]metric.Int64Counter),
		gauges:   make(map[string]*gaugeValue),
	}
}

func (m *OTelMetrics) Count(ctx context.Context, name string, delta int64) {
	m.mu.Lock()
	counter, ok := m.counters[name]
	if !ok {
		var err error
		counter, err = m.meter.Int64Counter(name)
		if err != nil {
			m.mu.Unlock()
			m.logger.Warn("Failed to create counter", "name", name, "error", err)
			return
		}
		m.counters[name] = counter
	}
	m.mu.Unlock()
	counter.Add(ctx, delta)
}

func (m *OTelMetrics) Gauge(_ context.Context, name string, value int64) {
	m.mu.Lock()
	g, ok := m.gauges[name]
	if !ok {
		g = &gaugeValue{}
		_, err := m.meter.Int64ObservableGauge(name,
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				g.mu.Lock()
				defer g.mu.Unlock()
				o.Observe(g.value)
				return nil
			}))
		if err != nil {
			m.mu.Unlock()
			m.logger.Warn("Failed to create gauge", "name", name, "error", err)
			return
		}
		m.gauges[name] = g
	}
	m.mu.Unlock()

	g.mu.Lock()
	g.value = value
	g.mu.Unlock()
}

// Value returns the last reported gauge value.
func (m *OTelMetrics) Value(name string) (int64, bool) {
	m.mu.Lock()
	g, ok := m.gauges[name]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value, true
}
