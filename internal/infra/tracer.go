package infra

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"qkd-mail-crypto/config"
)

// InitTracer はOTLP/gRPCへ送るトレーサープロバイダーを初期化し、グローバルに登録する。
// OTEL_ENABLED=false の場合は nil を返す。
func InitTracer(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if !cfg.OtelEnabled {
		return nil, nil
	}

	exporter, err := otlptracegrpc.New(ctx, exporterOptions(cfg.OtelEndpoint)...)
	if err != nil {
		return nil, err
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}

	tp := newTracerProvider(exporter, res, cfg.OtelSamplingRate)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp, nil
}

// exporterOptions はエンドポイント表記からエクスポーターの接続オプションを組み立てる。
// http:// 指定とループバックのコレクターはTLSなしで接続する。
func exporterOptions(endpoint string) []otlptracegrpc.Option {
	insecure := false
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		endpoint, insecure = strings.TrimPrefix(endpoint, "http://"), true
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
	case strings.HasPrefix(endpoint, "localhost:"), strings.HasPrefix(endpoint, "127.0.0.1:"):
		insecure = true
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

// newResource はサービス名とSAE構成をリソース属性に持たせる。
func newResource(ctx context.Context, cfg *config.Config) (*resource.Resource, error) {
	return resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.OtelServiceName),
			attribute.String("qkd.sae_id", cfg.LocalSAEID),
			attribute.String("qkd.peer_sae_id", cfg.PeerSAEID),
			attribute.String("qkd.default_tier", cfg.DefaultTier),
			attribute.Bool("qkd.remote_km", cfg.KMURL != ""),
		),
	)
}

// newTracerProvider は親のサンプリング判断を優先し、ルートスパンは rate の割合で記録する。
func newTracerProvider(exporter sdktrace.SpanExporter, res *resource.Resource, rate float64) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
}
