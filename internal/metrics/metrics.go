// Package metrics exposes spool activity as OpenTelemetry metrics with a
// Prometheus exporter.
package metrics

import (
	"context"
	"net/http"

	"github.com/alecthomas/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/block/telespool/internal/logging"
)

type Config struct {
	ServiceName string `hcl:"service-name,optional" help:"Service name reported with metrics." default:"telespool"`
}

// Client owns the meter provider and the Prometheus registry backing the
// /metrics endpoint.
type Client struct {
	provider *sdkmetric.MeterProvider
	registry *prometheus.Registry
	meter    metric.Meter
}

func New(ctx context.Context, config Config) (*Client, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(registry))
	if err != nil {
		return nil, errors.Errorf("failed to create Prometheus exporter: %w", err)
	}

	res := resource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(config.ServiceName))
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	logging.FromContext(ctx).DebugContext(ctx, "Metrics initialized", "service", config.ServiceName)

	return &Client{
		provider: provider,
		registry: registry,
		meter:    provider.Meter("telespool"),
	}, nil
}

func (c *Client) Close() error {
	return errors.WithStack(c.provider.Shutdown(context.Background()))
}

// Handler returns the HTTP handler for the /metrics endpoint.
func (c *Client) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// RegisterDepthGauge observes the spool depth through the given callback.
func (c *Client) RegisterDepthGauge(depth func() int) error {
	gauge, err := c.meter.Int64ObservableGauge("telespool.spool.depth",
		metric.WithDescription("Envelopes currently awaiting transmission."))
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = c.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(depth()))
		return nil
	}, gauge)
	return errors.WithStack(err)
}

// SpoolMonitor counts spool lifecycle events. It satisfies the transport's
// Monitor interface.
type SpoolMonitor struct {
	stored    metric.Int64Counter
	sent      metric.Int64Counter
	evicted   metric.Int64Counter
	discarded metric.Int64Counter
}

func (c *Client) NewSpoolMonitor() (*SpoolMonitor, error) {
	stored, err := c.meter.Int64Counter("telespool.envelopes.stored",
		metric.WithDescription("Envelopes persisted to the spool."))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sent, err := c.meter.Int64Counter("telespool.envelopes.sent",
		metric.WithDescription("Envelopes accepted by the inner sink."))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	evicted, err := c.meter.Int64Counter("telespool.envelopes.evicted",
		metric.WithDescription("Envelopes dropped to make room for newer ones."))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	discarded, err := c.meter.Int64Counter("telespool.envelopes.discarded",
		metric.WithDescription("Envelopes dropped after a permanent send failure or as undecodable."))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &SpoolMonitor{stored: stored, sent: sent, evicted: evicted, discarded: discarded}, nil
}

func (m *SpoolMonitor) EnvelopeStored() {
	m.stored.Add(context.Background(), 1)
}

func (m *SpoolMonitor) EnvelopeSent() {
	m.sent.Add(context.Background(), 1)
}

func (m *SpoolMonitor) EnvelopeEvicted(count int) {
	m.evicted.Add(context.Background(), int64(count))
}

func (m *SpoolMonitor) EnvelopeDiscarded(reason string) {
	m.discarded.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
}
