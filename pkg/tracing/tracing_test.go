package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceSession_RecordsAttributesAndErrors(t *testing.T) {
	rec := installRecorder(t)

	ctx, span := TraceSession(context.Background(), "join_room", "u1")
	AddSpanAttributes(ctx, RoomCodeKey.String("ABC234"))
	RecordError(ctx, errors.New("room is full"))
	RecordError(ctx, nil)
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "session.join_room", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), attribute.String("room.code", "ABC234"))
	assert.Contains(t, ended[0].Attributes(), attribute.String("user.id", "u1"))
}

func TestHelpers_NameSpans(t *testing.T) {
	rec := installRecorder(t)

	_, s1 := TraceHTTPRequest(context.Background(), "GET", "/api/v1/rooms")
	s1.End()
	_, s2 := TraceWebRTC(context.Background(), "offer", "r1", "v1")
	s2.End()
	_, s3 := TraceStoreOperation(context.Background(), "add_participant", "rooms")
	s3.End()

	var names []string
	for _, s := range rec.Ended() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"http.GET", "webrtc.offer", "store.add_participant"}, names)
}
