package tasks

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"transferplane/internal/store"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type enqueued struct {
	kind         store.TaskKind
	payload      json.RawMessage
	visibleAfter time.Time
}

type fakeQueue struct {
	items []enqueued
}

func (f *fakeQueue) Enqueue(_ context.Context, _ store.DBTransaction, kind store.TaskKind, payload json.RawMessage, visibleAfter time.Time) (int64, error) {
	f.items = append(f.items, enqueued{kind, payload, visibleAfter})
	return int64(len(f.items)), nil
}

func TestDispatcher_AdvanceDelay(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	q := &fakeQueue{}
	d := NewDispatcher(q, testclock.NewClock(now))

	migrationID := uuid.New()
	require.NoError(t, d.Advance(context.Background(), migrationID, 5*time.Second))

	require.Len(t, q.items, 1)
	assert.Equal(t, store.TaskAdvance, q.items[0].kind)
	assert.Equal(t, now.Add(5*time.Second), q.items[0].visibleAfter)

	var args AdvanceArgs
	_, err := Decode(context.Background(), q.items[0].payload, &args)
	require.NoError(t, err)
	assert.Equal(t, migrationID, args.MigrationID)
}

func TestEncodeDecode_PropagatesTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	defer otel.SetTextMapPropagator(prev)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	payload, err := Encode(ctx, ExportBatchArgs{UserID: "u1", BatchID: 7})
	require.NoError(t, err)

	var args ExportBatchArgs
	got, err := Decode(context.Background(), payload, &args)
	require.NoError(t, err)
	assert.Equal(t, int64(7), args.BatchID)
	assert.Equal(t, traceID, trace.SpanContextFromContext(got).TraceID())
}

func TestDecode_RejectsMissingArgs(t *testing.T) {
	var args RunPipelineArgs
	_, err := Decode(context.Background(), json.RawMessage(`{"trace":{}}`), &args)
	assert.Error(t, err)

	_, err = Decode(context.Background(), json.RawMessage(`not json`), &args)
	assert.Error(t, err)
}
