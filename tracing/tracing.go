/*
   Copyright The Soci Snapshotter Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package tracing exports decompression spans over OTLP when the standard
// OTEL_* environment asks for it.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	envSDKDisabled     = "OTEL_SDK_DISABLED"
	envEndpoint        = "OTEL_EXPORTER_OTLP_ENDPOINT"
	envTracesEndpoint  = "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"
	envProtocol        = "OTEL_EXPORTER_OTLP_PROTOCOL"
	envTracesProtocol  = "OTEL_EXPORTER_OTLP_TRACES_PROTOCOL"
	envTracesExporter  = "OTEL_TRACES_EXPORTER"
	envServiceName     = "OTEL_SERVICE_NAME"
	serviceName        = "xz-decom"
	tracerName         = "github.com/awslabs/xz-decom"
	exporterSetupLimit = 5 * time.Second
)

// ShutdownFunc flushes and stops what Init installed.
type ShutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// Init installs a global tracer provider exporting over OTLP. When tracing
// is disabled nothing is installed and spans go to the no-op provider.
func Init(ctx context.Context) (ShutdownFunc, error) {
	disabled, err := IsDisabled()
	if err != nil {
		return nil, err
	}
	if disabled {
		return noopShutdown, nil
	}
	exp, err := newExporter(ctx)
	if err != nil {
		return nil, err
	}
	return installProvider(exp), nil
}

// IsDisabled reports whether spans should stay local. Tracing is off unless
// an OTLP endpoint is set and the SDK is not disabled.
func IsDisabled() (bool, error) {
	if v := os.Getenv(envSDKDisabled); v != "" {
		off, err := strconv.ParseBool(v)
		if err != nil {
			return true, fmt.Errorf("invalid value for env %s: %w", envSDKDisabled, err)
		}
		if off {
			return true, nil
		}
	}
	return os.Getenv(envEndpoint) == "" && os.Getenv(envTracesEndpoint) == "", nil
}

// StartSpan starts a span from the global tracer provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, oteltrace.WithAttributes(attrs...))
}

func newExporter(ctx context.Context) (*otlptrace.Exporter, error) {
	if v := os.Getenv(envTracesExporter); v != "" && v != "otlp" {
		return nil, fmt.Errorf("unsupported traces exporter %q", v)
	}
	protocol := os.Getenv(envTracesProtocol)
	if protocol == "" {
		protocol = os.Getenv(envProtocol)
	}

	ctx, cancel := context.WithTimeout(ctx, exporterSetupLimit)
	defer cancel()
	switch protocol {
	case "", "http/protobuf":
		return otlptracehttp.New(ctx)
	case "grpc":
		return otlptracegrpc.New(ctx)
	}
	return nil, fmt.Errorf("unsupported OpenTelemetry protocol %q", protocol)
}

func installProvider(exp *otlptrace.Exporter) ShutdownFunc {
	if os.Getenv(envServiceName) == "" {
		os.Setenv(envServiceName, serviceName)
	}
	provider := trace.NewTracerProvider(trace.WithBatcher(exp))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, exporterSetupLimit)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown trace provider: %w", err)
		}
		return nil
	}
}
