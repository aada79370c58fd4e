package services

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"flextasker/realtime-gateway/utils"
)

// MetricsExport configures OTLP export of the metrics job's reports.
type MetricsExport struct {
	ServiceName string
	InstanceID  string
	// Endpoint is the full OTLP/HTTP metrics URL. Empty disables export.
	Endpoint string
	Interval time.Duration
}

// NewMetricsSink builds the sink for the metrics job.
//
// Export is opt-in: without an endpoint reports are logged and no global
// provider is registered. Otherwise an SDK meter provider with a periodic
// OTLP/HTTP reader is installed globally. The returned shutdown function
// flushes pending points and should be deferred by the caller.
func NewMetricsSink(ctx context.Context, cfg MetricsExport, logger *utils.Logger) (MetricsSink, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return NewLogMetrics(logger), noop, nil
	}

	exporter, err := otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpointURL(cfg.Endpoint))
	if err != nil {
		return nil, noop, fmt.Errorf("create metrics exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.instance.id", cfg.InstanceID),
	))
	if err != nil {
		return nil, noop, fmt.Errorf("build metrics resource: %w", err)
	}

	var readerOpts []sdkmetric.PeriodicReaderOption
	if cfg.Interval > 0 {
		readerOpts = append(readerOpts, sdkmetric.WithInterval(cfg.Interval))
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, readerOpts...)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return NewOTelMetrics(mp, cfg.ServiceName, logger), mp.Shutdown, nil
}
