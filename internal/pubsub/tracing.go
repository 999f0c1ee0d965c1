package pubsub

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "repobot/fleet"

// TracingConfig configures spans for fleet messages.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	ZipkinURL   string
	// SampleRatio is the share of root spans recorded, from 0 to 1.
	SampleRatio float64
}

// DefaultTracingConfig has tracing off.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName: "repobot",
		ZipkinURL:   "http://localhost:9411/api/v2/spans",
		SampleRatio: 1,
	}
}

// LoadTracingConfig reads PUBSUB_TRACING_ENABLED, _SERVICE_NAME,
// _ZIPKIN_URL and _SAMPLE_RATIO through getenv. Unparsable values keep
// their default.
func LoadTracingConfig(getenv func(string) string) TracingConfig {
	cfg := DefaultTracingConfig()
	if v, err := strconv.ParseBool(getenv("PUBSUB_TRACING_ENABLED")); err == nil {
		cfg.Enabled = v
	}
	if v := getenv("PUBSUB_TRACING_SERVICE_NAME"); v != "" {
		cfg.ServiceName = v
	}
	if v := getenv("PUBSUB_TRACING_ZIPKIN_URL"); v != "" {
		cfg.ZipkinURL = v
	}
	if v, err := strconv.ParseFloat(getenv("PUBSUB_TRACING_SAMPLE_RATIO"), 64); err == nil && v >= 0 && v <= 1 {
		cfg.SampleRatio = v
	}
	return cfg
}

// LoadTracingConfigFromEnv is LoadTracingConfig over the process environment.
func LoadTracingConfigFromEnv() TracingConfig {
	return LoadTracingConfig(os.Getenv)
}

// SetupOTel returns the fleet tracer and a function that flushes it. With
// tracing disabled the tracer is a no-op.
func SetupOTel(ctx context.Context, cfg TracingConfig) (trace.Tracer, func(), error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider().Tracer(tracerName), func() {}, nil
	}

	exporter, err := zipkin.New(cfg.ZipkinURL)
	if err != nil {
		return nil, nil, fmt.Errorf("zipkin exporter: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)))
	if err != nil {
		return nil, nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)

	flush := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			otel.Handle(err)
		}
	}
	return tp.Tracer(tracerName), flush, nil
}

// propagator carries the send span to the receiving process in the
// message metadata.
var propagator = propagation.TraceContext{}

func messageAttributes(topic string, wm *message.Message) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.system", "watermill"),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.message_id", wm.UUID),
		attribute.Int("messaging.message_payload_size_bytes", len(wm.Payload)),
		attribute.String("fleet.origin", wm.Metadata.Get(metaOrigin)),
		attribute.String("fleet.event_type", wm.Metadata.Get(metaEventType)),
		attribute.String("fleet.delivery_class", wm.Metadata.Get(metaClass)),
		attribute.String("fleet.tenant", wm.Metadata.Get(metaTenant)),
	}
}

// tracingPublisher starts a send span per message and injects it.
type tracingPublisher struct {
	next   message.Publisher
	tracer trace.Tracer
}

func (p *tracingPublisher) Publish(topic string, messages ...*message.Message) error {
	spans := make([]trace.Span, 0, len(messages))
	for _, wm := range messages {
		ctx, span := p.tracer.Start(wm.Context(), "fleet send "+wm.Metadata.Get(metaEventType),
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(messageAttributes(topic, wm)...))
		propagator.Inject(ctx, propagation.MapCarrier(wm.Metadata))
		wm.SetContext(ctx)
		spans = append(spans, span)
	}

	err := p.next.Publish(topic, messages...)
	for _, span := range spans {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
	return err
}

func (p *tracingPublisher) Close() error {
	return p.next.Close()
}

// deliverSpan wraps delivery in a consumer span parented on the sender's.
func deliverSpan(tracer trace.Tracer, topic string) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(wm *message.Message) ([]*message.Message, error) {
			parent := propagator.Extract(wm.Context(), propagation.MapCarrier(wm.Metadata))
			ctx, span := tracer.Start(parent, "fleet deliver "+wm.Metadata.Get(metaEventType),
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(messageAttributes(topic, wm)...))
			defer span.End()
			wm.SetContext(ctx)

			out, err := h(wm)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return out, err
		}
	}
}
