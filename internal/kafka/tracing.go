package kafka

import (
	"context"
	"slices"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// headers exposes message headers to the OpenTelemetry propagator. Keys are
// unique: Set drops earlier values of the key.
type headers []kafka.Header

func (h headers) Get(key string) string {
	if i := slices.IndexFunc(h, func(x kafka.Header) bool { return x.Key == key }); i >= 0 {
		return string(h[i].Value)
	}
	return ""
}

func (h *headers) Set(key, value string) {
	*h = slices.DeleteFunc(*h, func(x kafka.Header) bool { return x.Key == key })
	*h = append(*h, kafka.Header{Key: key, Value: []byte(value)})
}

func (h headers) Keys() []string {
	keys := make([]string, len(h))
	for i, x := range h {
		keys[i] = x.Key
	}
	return keys
}

// traceHeaders returns the headers that carry the span context of ctx.
func traceHeaders(ctx context.Context) []kafka.Header {
	var h headers
	otel.GetTextMapPropagator().Inject(ctx, &h)
	return h
}

// withTrace returns ctx continued from the span context in a message's headers.
func withTrace(ctx context.Context, hs []kafka.Header) context.Context {
	h := headers(hs)
	return otel.GetTextMapPropagator().Extract(ctx, &h)
}
