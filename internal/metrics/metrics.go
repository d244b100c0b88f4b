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
	HTTPRequests      metric.Int64Counter
	HTTPDuration      metric.Float64Histogram
	CacheHits         metric.Int64Counter
	CacheMisses       metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter
	RequestStages     metric.Int64Counter
	Withdrawals       metric.Int64Counter
	LockRetries       metric.Int64Counter
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
		"flb_http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPDuration, err = meter.Float64Histogram(
		"flb_http_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheHits, err = meter.Int64Counter(
		"flb_cache_hits_total",
		metric.WithDescription("Total number of cache hits"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.CacheMisses, err = meter.Int64Counter(
		"flb_cache_misses_total",
		metric.WithDescription("Total number of cache misses"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter(
		"flb_websocket_connections",
		metric.WithDescription("Number of active WebSocket connections"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RequestStages, err = meter.Int64Counter(
		"flb_requests_total",
		metric.WithDescription("Liquidity requests by lifecycle stage"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.Withdrawals, err = meter.Int64Counter(
		"flb_withdrawals_total",
		metric.WithDescription("Completed withdrawals by asset"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.LockRetries, err = meter.Int64Counter(
		"flb_lock_retries_total",
		metric.WithDescription("Share lock retry attempts"),
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

func (m *Metrics) RecordCacheHit(ctx context.Context, key string) {
	m.CacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) RecordCacheMiss(ctx context.Context, key string) {
	m.CacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key)))
}

func (m *Metrics) IncrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, 1)
}

func (m *Metrics) DecrementConnections(ctx context.Context) {
	m.ActiveConnections.Add(ctx, -1)
}

// RecordStage implements escrow.Recorder.
func (m *Metrics) RecordStage(ctx context.Context, stage string) {
	m.RequestStages.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordWithdrawal implements escrow.Recorder.
func (m *Metrics) RecordWithdrawal(ctx context.Context, asset string) {
	m.Withdrawals.Add(ctx, 1, metric.WithAttributes(attribute.String("asset", asset)))
}

// RecordLockRetry implements escrow.Recorder.
func (m *Metrics) RecordLockRetry(ctx context.Context) {
	m.LockRetries.Add(ctx, 1)
}
