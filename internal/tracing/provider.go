package tracing

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	simlog "github.com/gxo-labs/simloop/pkg/simloop/v1/log"
	simtracing "github.com/gxo-labs/simloop/pkg/simloop/v1/tracing"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/encoding/gzip"
)

const (
	defaultGRPCEndpoint = "localhost:4317"
	defaultHTTPEndpoint = "localhost:4318"
	defaultServiceName  = "simloop"
)

// OtelTracerProvider implements simtracing.TracerProvider with either the
// OpenTelemetry SDK or the no-op provider.
type OtelTracerProvider struct {
	provider    trace.TracerProvider
	exporter    sdktrace.SpanExporter
	sdkProvider *sdktrace.TracerProvider
}

// NewNoOpProvider returns a provider whose tracers record nothing.
func NewNoOpProvider() (*OtelTracerProvider, error) {
	return &OtelTracerProvider{provider: noop.NewTracerProvider()}, nil
}

// NewSDKProvider wraps an SDK provider built elsewhere, e.g. in tests with an
// in-memory span recorder.
func NewSDKProvider(tp *sdktrace.TracerProvider) *OtelTracerProvider {
	return &OtelTracerProvider{provider: tp, sdkProvider: tp}
}

// NewProviderFromEnv builds a provider from the standard OTEL_* variables.
// OTEL_SDK_DISABLED=true, an unknown protocol without endpoint, or an
// exporter error fall back to the no-op provider. The global OTel provider is
// left untouched.
func NewProviderFromEnv(ctx context.Context, log simlog.Logger) (*OtelTracerProvider, error) {
	if strings.EqualFold(os.Getenv("OTEL_SDK_DISABLED"), "true") {
		log.Infof("OpenTelemetry tracing disabled via OTEL_SDK_DISABLED")
		return NewNoOpProvider()
	}

	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName())),
		resource.WithProcess(), resource.WithOS(), resource.WithHost(),
	)
	if err != nil {
		log.Warnf("Failed to create OTel resource, using default: %v", err)
		res = resource.Default()
	}

	exporter, err := createExporter(ctx, log)
	if err != nil {
		log.Warnf("Failed to create OTLP exporter, tracing disabled: %v", err)
		return NewNoOpProvider()
	}
	if exporter == nil {
		log.Infof("No OTLP endpoint configured, tracing disabled")
		return NewNoOpProvider()
	}

	sdkTP := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	)
	return &OtelTracerProvider{provider: sdkTP, exporter: exporter, sdkProvider: sdkTP}, nil
}

// createExporter picks gRPC or HTTP from OTEL_EXPORTER_OTLP_PROTOCOL.
func createExporter(ctx context.Context, log simlog.Logger) (sdktrace.SpanExporter, error) {
	protocol := strings.ToLower(os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"))
	if protocol == "" {
		protocol = "grpc"
	}

	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		switch protocol {
		case "grpc":
			endpoint = defaultGRPCEndpoint
		case "http", "http/protobuf":
			endpoint = defaultHTTPEndpoint
		default:
			return nil, nil
		}
	}

	headers := parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	timeout := parseTimeout(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT"), 10*time.Second)
	gzipped := strings.EqualFold(os.Getenv("OTEL_EXPORTER_OTLP_COMPRESSION"), "gzip")
	insecure := isInsecure(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE"), os.Getenv("OTEL_EXPORTER_OTLP_TRACES_INSECURE"))

	switch protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithHeaders(headers),
			otlptracegrpc.WithTimeout(timeout),
		}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		} else {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewClientTLSFromCert(nil, "")))
		}
		if gzipped {
			opts = append(opts, otlptracegrpc.WithCompressor(gzip.Name))
		}
		log.Debugf("Configuring OTLP gRPC exporter endpoint=%s insecure=%t", endpoint, insecure)
		return otlptracegrpc.New(ctx, opts...)

	case "http", "http/protobuf":
		path := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT")
		if path == "" {
			path = "/v1/traces"
		}
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithURLPath(path),
			otlptracehttp.WithHeaders(headers),
			otlptracehttp.WithTimeout(timeout),
		}
		if insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if gzipped {
			opts = append(opts, otlptracehttp.WithCompression(otlptracehttp.GzipCompression))
		}
		log.Debugf("Configuring OTLP HTTP exporter endpoint=%s%s insecure=%t", endpoint, path, insecure)
		return otlptracehttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s", protocol)
	}
}

// GetTracer returns a tracer from the wrapped provider.
func (p *OtelTracerProvider) GetTracer(name string, opts ...trace.TracerOption) trace.Tracer {
	if p.provider == nil {
		return noop.NewTracerProvider().Tracer(name, opts...)
	}
	return p.provider.Tracer(name, opts...)
}

// OtelProvider exposes the wrapped provider for instrumentation libraries
// such as otelgin and otelhttp.
func (p *OtelTracerProvider) OtelProvider() trace.TracerProvider {
	if p.provider == nil {
		return noop.NewTracerProvider()
	}
	return p.provider
}

// Shutdown flushes and stops the SDK provider and exporter.
func (p *OtelTracerProvider) Shutdown(ctx context.Context) error {
	var errs []error
	if p.sdkProvider != nil {
		if err := p.sdkProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider shutdown: %w", err))
		}
	}
	if p.exporter != nil {
		if err := p.exporter.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("exporter shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// IsEffectivelyNoOp reports whether spans are discarded.
func (p *OtelTracerProvider) IsEffectivelyNoOp() bool {
	return p.sdkProvider == nil
}

func serviceName() string {
	if name := os.Getenv("OTEL_SERVICE_NAME"); name != "" {
		return name
	}
	return defaultServiceName
}

// parseHeaders converts "k1=v1,k2=v2" into a map.
func parseHeaders(headerStr string) map[string]string {
	headers := make(map[string]string)
	for _, pair := range strings.Split(headerStr, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) == 2 && strings.TrimSpace(kv[0]) != "" {
			headers[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
		}
	}
	return headers
}

// parseTimeout accepts integer milliseconds or a Go duration string.
func parseTimeout(timeoutStr string, def time.Duration) time.Duration {
	if timeoutStr == "" {
		return def
	}
	if ms, err := strconv.ParseInt(timeoutStr, 10, 64); err == nil {
		if ms < 0 {
			return def
		}
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(timeoutStr); err == nil && d >= 0 {
		return d
	}
	return def
}

func isInsecure(flags ...string) bool {
	for _, flag := range flags {
		if strings.EqualFold(strings.TrimSpace(flag), "true") {
			return true
		}
	}
	return false
}

var _ simtracing.TracerProvider = (*OtelTracerProvider)(nil)
