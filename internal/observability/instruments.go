package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the counters shared by the worker and the transfer layer.
// A nil *Metrics records nothing.
type Metrics struct {
	tasksProcessed  metric.Int64Counter
	exportedObjects metric.Int64Counter
	downloadedBytes metric.Int64Counter
}

// NewMetrics registers the instruments on the global meter provider.
func NewMetrics(scope string) (*Metrics, error) {
	meter := otel.Meter(scope)

	tasks, err := meter.Int64Counter("transferplane.tasks.processed",
		metric.WithDescription("Tasks handled by the worker, by kind and outcome"))
	if err != nil {
		return nil, err
	}
	objects, err := meter.Int64Counter("transferplane.export.objects",
		metric.WithDescription("Objects written to export artifacts, by relation"))
	if err != nil {
		return nil, err
	}
	bytes, err := meter.Int64Counter("transferplane.transfer.downloaded_bytes",
		metric.WithDescription("Bytes downloaded from source instances"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	return &Metrics{tasksProcessed: tasks, exportedObjects: objects, downloadedBytes: bytes}, nil
}

func (m *Metrics) TaskProcessed(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.tasksProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) ObjectsExported(ctx context.Context, relation string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.exportedObjects.Add(ctx, int64(n), metric.WithAttributes(attribute.String("relation", relation)))
}

func (m *Metrics) BytesDownloaded(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.downloadedBytes.Add(ctx, n)
}
