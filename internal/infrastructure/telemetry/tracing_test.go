package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// useRecorder installs a recording tracer provider for the test
func useRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func attrMap(attrs []attribute.KeyValue) map[attribute.Key]attribute.Value {
	m := make(map[attribute.Key]attribute.Value, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value
	}
	return m
}

func TestStartSpan(t *testing.T) {
	recorder := useRecorder(t)

	ctx, span := StartSpan(context.Background(), "sourcing.broadcast",
		WithAttribute(SpanAttrSessionID, "s-1"),
		WithAttribute("recipients", 3),
		WithSpanKind(trace.SpanKindProducer))
	assert.NotEmpty(t, GetTraceID(ctx))
	assert.NotEmpty(t, GetSpanID(ctx))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "sourcing.broadcast", spans[0].Name())
	assert.Equal(t, trace.SpanKindProducer, spans[0].SpanKind())

	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, "s-1", attrs[SpanAttrSessionID].AsString())
	assert.Equal(t, int64(3), attrs["recipients"].AsInt64())
}

func TestStartServiceSpan(t *testing.T) {
	recorder := useRecorder(t)

	_, span := StartServiceSpan(context.Background(), "SourcingService", "RunSelection")
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "SourcingService.RunSelection", spans[0].Name())
}

func TestEnd_RecordsError(t *testing.T) {
	recorder := useRecorder(t)

	_, span := StartSpan(context.Background(), "sourcing.assign")
	End(span, errors.New("carrier unavailable"))

	_, closeSpan := StartSpan(context.Background(), "sourcing.close")
	End(closeSpan, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "carrier unavailable", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "exception", spans[0].Events()[0].Name)

	assert.Equal(t, codes.Unset, spans[1].Status().Code)
}

func TestSetAttributesAndEvents(t *testing.T) {
	recorder := useRecorder(t)

	_, span := StartSpan(context.Background(), "sourcing.submit_proposal")
	SetAttributes(span, SpanAttrCarrierID, "c-9", SpanAttrScore, 82, "odd")
	AddEvent(span, "counter_offer", "tier", "negotiate", "price", 1320.5)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, "c-9", attrs[SpanAttrCarrierID].AsString())
	assert.Equal(t, int64(82), attrs[SpanAttrScore].AsInt64())
	assert.NotContains(t, attrs, attribute.Key("odd"))

	require.Len(t, spans[0].Events(), 1)
	ev := attrMap(spans[0].Events()[0].Attributes)
	assert.Equal(t, "negotiate", ev["tier"].AsString())
	assert.InDelta(t, 1320.5, ev["price"].AsFloat64(), 0.001)
}

type stringer struct{}

func (stringer) String() string { return "stringer" }

func TestToAttribute(t *testing.T) {
	assert.Equal(t, attribute.BOOL, toAttribute("k", true).Value.Type())
	assert.Equal(t, attribute.STRINGSLICE, toAttribute("k", []string{"a"}).Value.Type())
	assert.Equal(t, "stringer", toAttribute("k", stringer{}).Value.AsString())
	assert.Equal(t, "[1 2]", toAttribute("k", []int{1, 2}).Value.AsString())
}

func TestGetTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, GetTraceID(context.Background()))
	assert.Empty(t, GetSpanID(context.Background()))
}
