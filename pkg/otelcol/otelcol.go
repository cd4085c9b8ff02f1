package otelcol

import (
	"context"

	"codemint-controlplane/pkg/config"
	"codemint-controlplane/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Module installs the global tracer and meter providers. Without OTEL.ADDR
// spans stay in process and are dropped.
var Module = fx.Module("otelcol", fx.Invoke(Setup))

func serviceResource(cfg *config.Config) *resource.Resource {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
	if err != nil {
		return resource.Default()
	}
	return res
}

func ProvideTrace(exporter trace.SpanExporter, opts ...trace.TracerProviderOption) *trace.TracerProvider {
	if exporter != nil {
		opts = append(opts, trace.WithBatcher(exporter))
	}
	return trace.NewTracerProvider(opts...)
}

func ProvideMetric(opts ...metric.Option) *metric.MeterProvider {
	return metric.NewMeterProvider(opts...)
}

func Setup(lc fx.Lifecycle, cfg *config.Config) error {
	res := serviceResource(cfg)

	var exporter trace.SpanExporter
	if cfg.Otel.Addr != "" {
		exp, err := exporters.NewTrace(cfg.Otel.Protocol, cfg.Otel.Addr)
		if err != nil {
			return err
		}
		exporter = exp
		zap.L().Info("otel exporter configured", zap.String("addr", cfg.Otel.Addr), zap.String("protocol", cfg.Otel.Protocol))
	}

	tp := ProvideTrace(exporter, trace.WithResource(res))
	mp := ProvideMetric(metric.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			if err := tp.Shutdown(ctx); err != nil {
				zap.L().Warn("failed to flush traces", zap.Error(err))
			}
			return mp.Shutdown(ctx)
		},
	})
	return nil
}
