package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/log/noop"

	"github.com/fyrsmithlabs/recallguard/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNew_InvalidConfig(t *testing.T) {
	tel, err := New(context.Background(), &Config{Enabled: true}, nil)
	assert.ErrorContains(t, err, "invalid telemetry config")
	assert.Nil(t, tel)
}

func TestNew_EnabledHTTPExporters(t *testing.T) {
	// HTTP exporters connect lazily, so construction succeeds without a
	// collector listening.
	cfg := enabledConfig()
	cfg.Protocol = ProtocolHTTP
	cfg.Endpoint = "127.0.0.1:1"
	cfg.Shutdown.Timeout = config.Duration(100 * time.Millisecond)

	tel, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	assert.True(t, tel.IsEnabled())
	assert.False(t, tel.Health().Degraded)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = tel.Shutdown(ctx)
	assert.False(t, tel.IsEnabled())
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotPanics(t, func() {
		_ = tel.Tracer("test")
		_ = tel.Meter("test")
		_ = tel.LoggerProvider()
		tel.SetLoggerProvider(noop.NewLoggerProvider())
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})
	assert.Equal(t, HealthStatus{Degraded: true}, tel.Health())
}

func TestTelemetry_SetLoggerProvider(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig(), nil)
	require.NoError(t, err)
	assert.Nil(t, tel.LoggerProvider())

	lp := noop.NewLoggerProvider()
	tel.SetLoggerProvider(lp)
	assert.Equal(t, lp, tel.LoggerProvider())
}

func TestTestTelemetry_RecordsSpansAndMetrics(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("recallguard/test").Start(ctx, "query")
	span.SetAttributes(attribute.Int("k", 5), attribute.String("topic", "build"))
	span.End()

	counter, err := tt.Meter("recallguard/test").Int64Counter("recallguard.test.calls")
	require.NoError(t, err)
	counter.Add(ctx, 2)

	tt.AssertSpanAttribute(t, "query", "k", int64(5))
	tt.AssertSpanAttribute(t, "query", "topic", "build")
	assert.Nil(t, tt.SpanByName("missing"))

	rm, err := tt.Collect(ctx)
	require.NoError(t, err)
	_, ok := FindMetric(rm, "recallguard.test.calls")
	assert.True(t, ok)

	require.NoError(t, tt.ForceFlush(ctx))
}

func TestNewSampler(t *testing.T) {
	assert.Contains(t, newSampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, newSampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, newSampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4317", stripScheme("collector:4317"))
}

func TestNewResource(t *testing.T) {
	res := newResource(NewDefaultConfig())
	var found bool
	for _, attr := range res.Attributes() {
		if attr.Key == "service.name" {
			assert.Equal(t, "recallguard", attr.Value.AsString())
			found = true
		}
	}
	assert.True(t, found)
}
