package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "coyote", cfg.ServiceName)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.True(t, cfg.Insecure)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestSamplerMode(t *testing.T) {
	assert.Equal(t, sampleAlways, Config{SampleRate: 1.5}.sampler())
	assert.Equal(t, sampleNever, Config{SampleRate: 0}.sampler())
	assert.Equal(t, sampleRatio, Config{SampleRate: 0.25}.sampler())
}

func TestInitDisabled(t *testing.T) {
	ctx := context.Background()

	shutdown, err := Init(ctx, DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, shutdown(ctx))
	assert.False(t, IsEnabled())

	// No-op spans still work and carry no IDs.
	ctx, span := StartSpan(ctx, "noop")
	defer span.End()
	assert.Empty(t, TraceID(ctx))
	assert.Empty(t, SpanID(ctx))
}

func newRecorder(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	UseTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		_, _ = Init(context.Background(), DefaultConfig())
	})
	return exp
}

func TestDispatchSpan(t *testing.T) {
	exp := newRecorder(t)

	ctx, span := StartDispatchSpan(context.Background(), "c-1", "OPEN_READ", Protocol("line"))
	assert.NotEmpty(t, TraceID(ctx))
	assert.NotEmpty(t, SpanID(ctx))
	SetAttributes(ctx, Outcome("OPEN"))
	AddEvent(ctx, "processed")
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, SpanDispatch, spans[0].Name)

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "c-1", attrs[AttrConnID])
	assert.Equal(t, "OPEN_READ", attrs[AttrStatus])
	assert.Equal(t, "OPEN", attrs[AttrOutcome])
	assert.Equal(t, "line", attrs[AttrProtocol])
	require.Len(t, spans[0].Events, 1)
}

func TestRecordError(t *testing.T) {
	exp := newRecorder(t)

	ctx, span := StartDigestSpan(context.Background(), "coyote")
	RecordError(ctx, nil)
	RecordError(ctx, errors.New("bad response"))
	span.End()

	spans := exp.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "bad response", spans[0].Status.Description)
}

func TestProfilingDisabled(t *testing.T) {
	shutdown, err := InitProfiling(ProfilingConfig{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, shutdown())
	assert.False(t, IsProfilingEnabled())

	called := false
	WithProfileTags(context.Background(), func(context.Context) { called = true }, "protocol", "line")
	assert.True(t, called)
}

func TestParseProfileType(t *testing.T) {
	_, err := parseProfileType("cpu")
	assert.NoError(t, err)
	_, err = parseProfileType("heap")
	assert.Error(t, err)
}
