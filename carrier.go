package eventbus

import (
	"go.opentelemetry.io/otel/propagation"
)

// MessageCarrier adapts EventMetadata.Headers to an OpenTelemetry TextMapCarrier,
// so trace context survives the trip through the outbox.
type MessageCarrier struct {
	metadata *EventMetadata
}

var _ propagation.TextMapCarrier = (*MessageCarrier)(nil)

func NewMessageCarrier(metadata *EventMetadata) *MessageCarrier {
	return &MessageCarrier{metadata: metadata}
}

func (c *MessageCarrier) Get(key string) string {
	return c.metadata.Headers[key]
}

func (c *MessageCarrier) Set(key, value string) {
	if c.metadata.Headers == nil {
		c.metadata.Headers = make(map[string]string)
	}
	c.metadata.Headers[key] = value
}

func (c *MessageCarrier) Keys() []string {
	keys := make([]string, 0, len(c.metadata.Headers))
	for k := range c.metadata.Headers {
		keys = append(keys, k)
	}
	return keys
}
