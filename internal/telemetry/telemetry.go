// Package telemetry exports traces of analysis runs over OTLP. Without an
// endpoint every helper is a no-op.
package telemetry

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"

	"macke/internal/backend"
)

// Config is read from the standard OTLP environment variables.
type Config struct {
	Endpoint string
	Headers  map[string]string
	Enabled  bool
}

var (
	tracer trace.Tracer
	tp     *sdktrace.TracerProvider
)

// Init sets up the tracer provider if OTEL_EXPORTER_OTLP_ENDPOINT is set.
// The returned function flushes and stops the exporter.
func Init(applicationName, version string) (*Config, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	config := &Config{Headers: make(map[string]string)}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		log.Println("OTEL_EXPORTER_OTLP_ENDPOINT is not set. Traces will not be exported.")
		return config, noop, nil
	}
	config.Endpoint = strings.TrimRight(endpoint, "/")
	config.Enabled = true

	if headersStr := os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"); headersStr != "" {
		log.Printf("Raw OTEL headers: %s", maskSensitiveValue(headersStr))
		for k, v := range parseHeaders(headersStr) {
			config.Headers[k] = v
		}
	}

	var err error
	tp, err = newTracerProvider(config, applicationName, version)
	if err != nil {
		return config, noop, fmt.Errorf("failed to initialize tracer provider: %w", err)
	}
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(applicationName)

	log.Printf("OpenTelemetry tracer initialized with endpoint: %s", config.Endpoint)
	return config, shutdown, nil
}

func shutdown(ctx context.Context) error {
	if tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return tp.Shutdown(ctx)
}

func maskSensitiveValue(value string) string {
	if strings.Contains(strings.ToLower(value), "authorization") {
		parts := strings.Split(value, "=")
		if len(parts) > 1 {
			return parts[0] + "=<redacted>"
		}
	}
	return value
}

// parseHeaders parses OTEL_EXPORTER_OTLP_HEADERS (k1=v1,k2=v2).
func parseHeaders(headersStr string) map[string]string {
	headers := make(map[string]string)
	for _, part := range strings.Split(headersStr, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.ToLower(key))
		value = strings.TrimSpace(value)
		if key == "authorization" || isValidHeaderKey(key) {
			headers[key] = value
		} else {
			log.Printf("Skipping invalid header key: %s", key)
		}
	}
	return headers
}

func isValidHeaderKey(key string) bool {
	if key == "" {
		return false
	}
	for _, c := range key {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.') {
			return false
		}
	}
	return true
}

// grpcEndpoint turns an http(s) URL into host:port and tells whether the
// connection is insecure.
func grpcEndpoint(endpoint string) (string, bool) {
	switch {
	case strings.HasPrefix(endpoint, "https://"):
		endpoint = strings.TrimPrefix(endpoint, "https://")
		if !strings.Contains(endpoint, ":") {
			endpoint += ":443"
		}
		return endpoint, false
	case strings.HasPrefix(endpoint, "http://"):
		endpoint = strings.TrimPrefix(endpoint, "http://")
		if !strings.Contains(endpoint, ":") {
			endpoint += ":80"
		}
		return endpoint, true
	}
	return endpoint, false
}

func newTracerProvider(config *Config, applicationName, version string) (*sdktrace.TracerProvider, error) {
	ctx := metadata.NewOutgoingContext(context.Background(), metadata.New(config.Headers))

	endpoint, insecure := grpcEndpoint(config.Endpoint)
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithTimeout(5 * time.Second),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithHeaders(config.Headers),
	}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(applicationName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// SetTracerProvider replaces the tracer, used by tests to record spans.
func SetTracerProvider(provider trace.TracerProvider, name string) {
	tracer = provider.Tracer(name)
}

// StartSpan starts a new span with the given name.
func StartSpan(ctx context.Context, name string, attributes ...attribute.KeyValue) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attributes...))
}

func AddSpanEvent(ctx context.Context, name string, attributes ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attributes...))
}

func AddSpanError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func AddSpanAttributes(ctx context.Context, attributes ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attributes...)
}

// ResultAttributes describes a finished backend run.
func ResultAttributes(r *backend.Result) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("macke.backend", string(r.Kind)),
		attribute.String("macke.function", r.Function),
		attribute.Int("macke.tests", r.TestCount),
		attribute.Int("macke.errors", len(r.ErrorFiles)),
		attribute.Bool("macke.out_of_time", r.Diagnostics.OutOfTime),
		attribute.Bool("macke.out_of_memory", r.Diagnostics.OutOfMemory),
		attribute.Bool("macke.crashed", r.Diagnostics.Crashed),
	}
	if r.IsTargeted() {
		attrs = append(attrs,
			attribute.String("macke.caller", r.Caller),
			attribute.String("macke.callee", r.Callee),
			attribute.Bool("macke.reached_target", r.Diagnostics.ReachedTarget),
		)
	}
	return attrs
}
