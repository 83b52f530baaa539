/*
Package telemetry - 追踪导出

根据配置选择导出后端：
  - Langfuse 兼容后端 (OTLP/HTTP + Basic 认证)
  - 通用 OTLP (grpc 或 http)
  - 未配置时使用 noop，不产生任何导出

Provider 显式传递给需要的组件，不注册全局 TracerProvider。
*/
package telemetry

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/agentflow/foundry-gateway/config"
)

const (
	// InstrumentName tracer 名称
	InstrumentName = "github.com/agentflow/foundry-gateway"

	// ServiceVersion 上报的服务版本
	ServiceVersion = "0.1.0"

	langfuseTracePath = "/api/public/otel/v1/traces"

	// AttrAppInsightsKey 从连接串解析出的 instrumentation key
	AttrAppInsightsKey = "azure.appinsights.instrumentation_key"
	// AttrAppInsightsIngestion 连接串中的 ingestion endpoint
	AttrAppInsightsIngestion = "azure.appinsights.ingestion_endpoint"
)

// Provider 持有 TracerProvider，负责 tracer 分发、同步 flush 与关闭
type Provider struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

// Noop 返回不导出的 Provider
func Noop() *Provider {
	return &Provider{tracer: noop.NewTracerProvider().Tracer(InstrumentName)}
}

// Start 按配置创建导出器和 Provider
//
// 未配置任何后端时返回 Noop()。
func Start(ctx context.Context, cfg config.TelemetryConfig) (*Provider, error) {
	if !cfg.Enabled() {
		log.Info().Msg("未配置追踪后端，使用 noop tracer")
		return Noop(), nil
	}

	exp, backend, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p, err := New(ctx, cfg, exp)
	if err != nil {
		return nil, err
	}

	log.Info().Str("backend", backend).Msg("追踪导出已启用")
	return p, nil
}

// New 用给定导出器创建 Provider
func New(ctx context.Context, cfg config.TelemetryConfig, exp sdktrace.SpanExporter) (*Provider, error) {
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
	)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{
		tp:     tp,
		tracer: tp.Tracer(InstrumentName),
	}, nil
}

// Tracer 返回网关使用的 tracer
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Flush 同步导出所有已结束的 span
func (p *Provider) Flush(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.ForceFlush(ctx)
}

// Shutdown flush 并关闭导出器
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown TracerProvider: %w", err)
	}
	return nil
}

// ============================================================================
// 启动 span
// ============================================================================

// EmitStartupSpan 记录一个启动 span 并立即 flush
//
// 导出失败只记录日志，不影响启动。
func EmitStartupSpan(ctx context.Context, p *Provider, attrs ...attribute.KeyValue) {
	_, span := p.Tracer().Start(ctx, "gateway.startup", trace.WithAttributes(attrs...))
	span.SetAttributes(attribute.String("gateway.started_at", time.Now().UTC().Format(time.RFC3339)))
	span.SetStatus(codes.Ok, "")
	span.End()

	if err := p.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("启动 span 导出失败")
	}
}

// ============================================================================
// 导出器
// ============================================================================

func newExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, string, error) {
	if cfg.BaseURL != "" {
		exp, err := newLangfuseExporter(ctx, cfg)
		return exp, "langfuse", err
	}

	switch strings.ToLower(cfg.OTLPProtocol) {
	case "grpc":
		exp, err := newGRPCExporter(ctx, cfg)
		return exp, "otlp-grpc", err
	default:
		exp, err := newHTTPExporter(ctx, cfg)
		return exp, "otlp-http", err
	}
}

func newLangfuseExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	if cfg.PublicKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("langfuse: public key and secret key must be provided")
	}

	endpoint, _, insecure, err := parseEndpointURL(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("langfuse: %w", err)
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithURLPath(langfuseTracePath),
		otlptracehttp.WithHeaders(map[string]string{
			"Authorization": "Basic " + encodeAuth(cfg.PublicKey, cfg.SecretKey),
		}),
	}
	if insecure || cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create langfuse exporter: %w", err)
	}
	return exp, nil
}

func newHTTPExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	endpoint, urlPath, insecure, err := parseEndpointURL(cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if urlPath != "/" {
		opts = append(opts, otlptracehttp.WithURLPath(urlPath))
	}
	if insecure || cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP trace exporter: %w", err)
	}
	return exp, nil
}

func newGRPCExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	endpoint, _, insecure, err := parseEndpointURL(cfg.OTLPEndpoint)
	if err != nil {
		return nil, err
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecure || cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}

	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return exp, nil
}

// parseEndpointURL 拆出 host:port 与路径，缺少 scheme 时按 https 处理
func parseEndpointURL(raw string) (endpoint, urlPath string, insecure bool, err error) {
	s := raw
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		s = "https://" + s
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", "", false, fmt.Errorf("failed to parse URL %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", "", false, fmt.Errorf("no host found in URL %q", raw)
	}

	urlPath = u.Path
	if urlPath == "" {
		urlPath = "/"
	}
	return u.Host, urlPath, u.Scheme == "http", nil
}

func encodeAuth(pk, sk string) string {
	return base64.StdEncoding.EncodeToString([]byte(pk + ":" + sk))
}

// ============================================================================
// Resource
// ============================================================================

func newResource(ctx context.Context, cfg config.TelemetryConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "foundry-agent-gateway"
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(name),
		semconv.ServiceVersion(ServiceVersion),
	}

	if cfg.AppInsightsConnectionString != "" {
		cs := parseConnectionString(cfg.AppInsightsConnectionString)
		if key := cs["instrumentationkey"]; key != "" {
			attrs = append(attrs, attribute.String(AttrAppInsightsKey, key))
		}
		if ep := cs["ingestionendpoint"]; ep != "" {
			attrs = append(attrs, attribute.String(AttrAppInsightsIngestion, ep))
		}
	}

	return resource.New(ctx, resource.WithAttributes(attrs...))
}

// parseConnectionString 解析 "Key=Value;Key=Value" 形式的连接串，key 统一小写
func parseConnectionString(s string) map[string]string {
	out := make(map[string]string)
	for _, part := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
