package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

type Metrics struct {
	HTTPRequests     metric.Int64Counter
	HTTPDuration     metric.Float64Histogram
	JobsProcessed    metric.Int64Counter
	JobsFailed       metric.Int64Counter
	DepositsTotal    metric.Int64Counter
	WithdrawalsTotal metric.Int64Counter
	SwapsTotal       metric.Int64Counter
	CacheHits        metric.Int64Counter
	CacheMisses      metric.Int64Counter
	SSEConnections   metric.Int64UpDownCounter
}

func Setup(serviceName string) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter(serviceName)

	m := &Metrics{}

	m.HTTPRequests, err = meter.Int64Counter(
		"bridge_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"bridge_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsProcessed, err = meter.Int64Counter(
		"bridge_jobs_processed_total",
		metric.WithDescription("Queue jobs completed, by topic"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsFailed, err = meter.Int64Counter(
		"bridge_jobs_failed_total",
		metric.WithDescription("Queue jobs failed permanently, by topic"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DepositsTotal, err = meter.Int64Counter(
		"bridge_deposits_total",
		metric.WithDescription("Confirmed deposits recorded"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.WithdrawalsTotal, err = meter.Int64Counter(
		"bridge_withdrawals_total",
		metric.WithDescription("Withdrawals sent and recorded"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SwapsTotal, err = meter.Int64Counter(
		"bridge_swaps_total",
		metric.WithDescription("Swaps processed, by direction"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheHits, err = meter.Int64Counter(
		"bridge_cache_hits_total",
		metric.WithDescription("Total number of cache hits"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheMisses, err = meter.Int64Counter(
		"bridge_cache_misses_total",
		metric.WithDescription("Total number of cache misses"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.SSEConnections, err = meter.Int64UpDownCounter(
		"bridge_sse_connections",
		metric.WithDescription("Number of active SSE connections"),
	)
	if err != nil {
		return nil, nil, err
	}

	handler := promhttp.Handler()
	return m, handler, nil
}

func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	labels := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.Int("status", status),
	)

	m.HTTPRequests.Add(ctx, 1, labels)
	m.HTTPDuration.Record(ctx, duration.Seconds(), labels)
}

func (m *Metrics) RecordJobProcessed(ctx context.Context, topic string) {
	m.JobsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *Metrics) RecordJobFailed(ctx context.Context, topic string) {
	m.JobsFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("topic", topic)))
}

func (m *Metrics) RecordDeposit(ctx context.Context) {
	m.DepositsTotal.Add(ctx, 1)
}

func (m *Metrics) RecordWithdrawal(ctx context.Context) {
	m.WithdrawalsTotal.Add(ctx, 1)
}

func (m *Metrics) RecordSwap(ctx context.Context, direction string) {
	m.SwapsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

func (m *Metrics) RecordCacheHit(ctx context.Context, key string) {
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordCacheMiss(ctx context.Context, key string) {
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	m.SSEConnections.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	m.SSEConnections.Add(ctx, -1)
}
