package otel

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.40.0"

	"github.com/terrpan/jobtrigger/internal/buildinfo"
)

func TestSetupDisabledKeepsNoopProviders(t *testing.T) {
	before := otel.GetMeterProvider()

	shutdown, err := SetupOTelSDK(context.Background(), "jobtrigger-test", Config{})
	require.NoError(t, err)
	assert.Equal(t, before, otel.GetMeterProvider())
	assert.NoError(t, shutdown(context.Background()))
}

func TestNewResourceMergesWithSDKDetectors(t *testing.T) {
	res, err := newResource(context.Background(), "jobtrigger-test")
	require.NoError(t, err)

	assert.Equal(t, semconv.SchemaURL, res.SchemaURL())

	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "jobtrigger-test", attrs[string(semconv.ServiceNameKey)])
	assert.Equal(t, buildinfo.Version, attrs[string(semconv.ServiceVersionKey)])
	assert.NotEmpty(t, attrs[string(semconv.TelemetrySDKVersionKey)])
}

func TestNewResourceHonoursServiceNameEnv(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "renamed")

	res, err := newResource(context.Background(), "jobtrigger-test")
	require.NoError(t, err)

	for _, kv := range res.Attributes() {
		if kv.Key == semconv.ServiceNameKey {
			assert.Equal(t, "renamed", kv.Value.AsString())
			return
		}
	}
	t.Fatal("service.name missing from resource")
}

func TestSetupPrometheusExportsToRegistry(t *testing.T) {
	prev := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	reg := prometheus.NewRegistry()
	shutdown, err := SetupOTelSDK(context.Background(), "jobtrigger-test", Config{
		Prometheus: true,
		Registerer: reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, shutdown(context.Background())) })

	_, ok := otel.GetMeterProvider().(*sdkmetric.MeterProvider)
	require.True(t, ok)

	counter, err := otel.Meter("jobtrigger/test").Int64Counter("jobtrigger.test.hits")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "jobtrigger_test_hits") {
			found = true
			require.NotEmpty(t, mf.GetMetric())
			assert.Equal(t, 3.0, mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "counter not exported to the registry")
}

func TestShutdownRunsOnce(t *testing.T) {
	var calls int
	var p providers
	p.add(func(context.Context) error { calls++; return nil })

	require.NoError(t, p.shutdown(context.Background()))
	require.NoError(t, p.shutdown(context.Background()))
	assert.Equal(t, 1, calls)
}
