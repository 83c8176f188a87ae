// Package telemetry provides OpenTelemetry tracing for the escrow service.
package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "marketplace-escrow"

// Init installs the global tracer provider. With an empty endpoint tracing
// stays a no-op. The returned function flushes and stops the exporter.
func Init(ctx context.Context, otlpEndpoint, serviceName string, log zerolog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		log.Info().Msg("tracing disabled (no otlp endpoint configured)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info().Str("endpoint", otlpEndpoint).Msg("tracing enabled")
	return tp.Shutdown, nil
}

// StartSpan starts a new span with the given name and returns the updated context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// End records err on the span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func TransactionID(id string) attribute.KeyValue {
	return attribute.String("escrow.transaction_id", id)
}

func PayoutID(id string) attribute.KeyValue {
	return attribute.String("escrow.payout_id", id)
}

func WalletID(id string) attribute.KeyValue {
	return attribute.String("escrow.wallet_id", id)
}

func Event(name string) attribute.KeyValue {
	return attribute.String("webhook.event", name)
}

func Amount(amount string) attribute.KeyValue {
	return attribute.String("amount", amount)
}
