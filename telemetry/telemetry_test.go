package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/agentflow/foundry-gateway/config"
)

func TestStart_NoBackendIsNoop(t *testing.T) {
	p, err := Start(context.Background(), config.TelemetryConfig{})
	require.NoError(t, err)

	_, span := p.Tracer().Start(context.Background(), "x")
	span.End()
	assert.False(t, span.SpanContext().IsValid())
	assert.NoError(t, p.Flush(context.Background()))
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestProvider_FlushExportsEndedSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p, err := New(context.Background(), config.TelemetryConfig{ServiceName: "svc"}, exp)
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	_, span := p.Tracer().Start(context.Background(), "agent.prompt")
	span.End()

	// batcher 未 flush 前不保证导出
	require.NoError(t, p.Flush(context.Background()))
	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "agent.prompt", spans[0].Name)

	res := spans[0].Resource
	var service string
	for _, kv := range res.Attributes() {
		if kv.Key == "service.name" {
			service = kv.Value.AsString()
		}
	}
	assert.Equal(t, "svc", service)
}

func TestEmitStartupSpan(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p, err := New(context.Background(), config.TelemetryConfig{}, exp)
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	EmitStartupSpan(context.Background(), p, attribute.String("gateway.http_addr", ":8000"))

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "gateway.startup", spans[0].Name)

	attrs := map[attribute.Key]string{}
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, ":8000", attrs["gateway.http_addr"])
	assert.NotEmpty(t, attrs["gateway.started_at"])
}

func TestResource_AppInsightsConnectionString(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p, err := New(context.Background(), config.TelemetryConfig{
		AppInsightsConnectionString: "InstrumentationKey=00000000-aaaa;IngestionEndpoint=https://westeurope-5.in.applicationinsights.azure.com/",
	}, exp)
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	EmitStartupSpan(context.Background(), p)
	spans := exp.GetSpans()
	require.Len(t, spans, 1)

	attrs := map[attribute.Key]string{}
	for _, kv := range spans[0].Resource.Attributes() {
		attrs[kv.Key] = kv.Value.Emit()
	}
	assert.Equal(t, "00000000-aaaa", attrs[AttrAppInsightsKey])
	assert.Equal(t, "https://westeurope-5.in.applicationinsights.azure.com/", attrs[AttrAppInsightsIngestion])
}

func TestParseConnectionString(t *testing.T) {
	cs := parseConnectionString(" InstrumentationKey = abc ; junk; =x; LiveEndpoint=https://live/ ")
	assert.Equal(t, "abc", cs["instrumentationkey"])
	assert.Equal(t, "https://live/", cs["liveendpoint"])
	assert.Len(t, cs, 2)
}

func TestParseEndpointURL(t *testing.T) {
	tests := []struct {
		in       string
		endpoint string
		path     string
		insecure bool
		wantErr  bool
	}{
		{in: "https://cloud.langfuse.com", endpoint: "cloud.langfuse.com", path: "/"},
		{in: "http://localhost:3000/api/public/otel", endpoint: "localhost:3000", path: "/api/public/otel", insecure: true},
		{in: "collector:4318", endpoint: "collector:4318", path: "/"},
		{in: "http://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			endpoint, path, insecure, err := parseEndpointURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.endpoint, endpoint)
			assert.Equal(t, tt.path, path)
			assert.Equal(t, tt.insecure, insecure)
		})
	}
}

func TestEncodeAuth(t *testing.T) {
	assert.Equal(t, "cGstbGY6c2stbGY=", encodeAuth("pk-lf", "sk-lf"))
}

func TestStart_LangfuseRequiresKeys(t *testing.T) {
	_, err := Start(context.Background(), config.TelemetryConfig{BaseURL: "https://cloud.langfuse.com"})
	assert.Error(t, err)
}

func TestStart_LangfuseExportsWithBasicAuth(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		auths []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		auths = append(auths, r.Header.Get("Authorization"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/x-protobuf")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p, err := Start(context.Background(), config.TelemetryConfig{
		BaseURL:   srv.URL,
		PublicKey: "pk-lf",
		SecretKey: "sk-lf",
	})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	EmitStartupSpan(context.Background(), p)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, paths, 1)
	assert.Equal(t, "/api/public/otel/v1/traces", paths[0])
	assert.Equal(t, "Basic cGstbGY6c2stbGY=", auths[0])
}
