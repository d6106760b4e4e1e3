package exporters

import (
	"context"

	"smallbiznis-licensing/pkg/config"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
)

func ProvideHttp(cfg *config.Config) (*otlptrace.Exporter, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	client := otlptracehttp.NewClient(
		otlptracehttp.WithEndpoint(cfg.Otel.Addr),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
	)
	return otlptrace.New(ctx, client)
}

// Provide picks the OTLP transport from OTEL.PROTOCOL (grpc by default).
func Provide(cfg *config.Config) (*otlptrace.Exporter, error) {
	if cfg.Otel.Protocol == "http" {
		return ProvideHttp(cfg)
	}
	return ProvideGrpc(cfg)
}
