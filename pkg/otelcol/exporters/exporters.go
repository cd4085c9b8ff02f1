package exporters

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
)

const dialTimeout = 10 * time.Second

// NewTrace builds an OTLP span exporter for endpoint. protocol is "grpc" or
// "http"; empty means http.
func NewTrace(protocol, endpoint string) (*otlptrace.Exporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	var client otlptrace.Client
	switch strings.ToLower(protocol) {
	case "grpc":
		client = otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithCompressor("gzip"),
			otlptracegrpc.WithEndpoint(endpoint),
		)
	case "", "http":
		client = otlptracehttp.NewClient(
			otlptracehttp.WithInsecure(),
			otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
			otlptracehttp.WithEndpoint(endpoint),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp protocol %q", protocol)
	}

	exp, err := otlptrace.New(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("otlp %s exporter: %w", protocol, err)
	}
	return exp, nil
}
