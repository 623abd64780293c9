// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

// Package tracing sets up OpenTelemetry for the reconciler and the
// documentation server and instruments their HTTP traffic.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// ServiceName is the OTEL service name reported by both commands.
	ServiceName = "openapi-discovery-operator"

	// TracerName is the instrumentation library name used for all spans.
	TracerName = "github.com/telekom/openapi-discovery-operator"

	flushTimeout = 5 * time.Second
)

// Span attribute keys.
var (
	AttrAPI      = attribute.Key("openapi_discovery.api")
	AttrURL      = attribute.Key("openapi_discovery.url")
	AttrStatus   = attribute.Key("openapi_discovery.status")
	AttrResult   = attribute.Key("openapi_discovery.result")
	AttrAPICount = attribute.Key("openapi_discovery.api_count")
	AttrAttempts = attribute.Key("openapi_discovery.attempts")
)

// Config selects where spans go.
type Config struct {
	Enabled bool
	// Endpoint is the OTLP gRPC collector, e.g. "otel-collector:4317".
	Endpoint string
	// SamplingRate is the ratio of root spans to sample, between 0 and 1.
	SamplingRate float64
	// Insecure disables TLS towards the collector.
	Insecure bool
}

// Validate reports settings Setup cannot work with. A disabled config is
// always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("tracing endpoint must be set when tracing is enabled"))
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("sampling rate must be between 0.0 and 1.0, got %g", c.SamplingRate))
	}
	return errors.Join(errs...)
}

// Provider hands out the tracer and the HTTP instrumentation of one process.
type Provider struct {
	tp     trace.TracerProvider
	tracer trace.Tracer
}

// Noop returns a provider whose spans are never recorded.
func Noop() *Provider {
	tp := noop.NewTracerProvider()
	return &Provider{tp: tp, tracer: tp.Tracer(TracerName)}
}

// Setup exports spans to the configured collector and registers the provider
// globally. A disabled config yields Noop.
func Setup(ctx context.Context, cfg Config, version string) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(ServiceName),
		semconv.ServiceVersionKey.String(version),
	))
	if err != nil {
		return nil, fmt.Errorf("creating OTEL resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Provider{tp: tp, tracer: tp.Tracer(TracerName)}, nil
}

// Tracer returns the tracer for manual spans.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown flushes pending spans. It does not use the passed context, which
// is usually already cancelled by the signal handler at this point.
func (p *Provider) Shutdown(_ context.Context) error {
	sdkTP, ok := p.tp.(*sdktrace.TracerProvider)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	return sdkTP.Shutdown(ctx)
}

// Transport wraps base so that every specification fetch becomes a client
// span carrying the trace context to the API.
func (p *Provider) Transport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base,
		otelhttp.WithTracerProvider(p.tp),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return "fetch " + r.URL.Host
		}),
	)
}

// Middleware records a server span for every request handled by next.
func (p *Provider) Middleware(operation string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(operation,
		otelhttp.WithTracerProvider(p.tp),
		otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return operation + " " + r.Method
		}),
	)
}
