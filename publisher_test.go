package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testEvent() *Event {
	return &Event{
		Metadata: EventMetadata{
			EventID:       "evt-1",
			EventName:     "leads:lead.created",
			Timestamp:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			SourceModule:  "leads",
			CorrelationID: "corr-1",
			Version:       SchemaVersion,
			Headers:       map[string]string{"traceparent": "00-abc-def-01"},
		},
		Data: map[string]any{"leadId": "L-42", "score": 7},
	}
}

func TestNopPublisher(t *testing.T) {
	publisher := NewNopPublisher()
	assert.NoError(t, publisher.Publish(context.Background(), RelayMessage{}))
	assert.NoError(t, publisher.Close())
}

func TestKafkaPublisherOptions(t *testing.T) {
	p := &KafkaPublisher{
		logger:        zap.NewNop(),
		producerProps: make(kafka.ConfigMap),
	}

	WithDefaultTopic("crm-events")(p)
	WithBrokers(" localhost:9092,localhost:9093 ")(p)
	WithProducerConfig(kafka.ConfigMap{"acks": "1"})(p)
	WithHeaderBuilder(func(RelayMessage) []kafka.Header { return nil })(p)

	assert.Equal(t, "crm-events", p.defaultTopic)
	assert.Equal(t, "localhost:9092,localhost:9093", p.producerProps["bootstrap.servers"])
	assert.Equal(t, "1", p.producerProps["acks"])
	assert.NotNil(t, p.headerBuilder)
}

func TestBuildKafkaHeaders(t *testing.T) {
	evt := testEvent()
	headers := BuildKafkaHeaders(RelayMessage{Metadata: evt.Metadata, ContentType: ContentTypeJSON})

	expected := map[string]string{
		"event_id":       "evt-1",
		"event_name":     "leads:lead.created",
		"source_module":  "leads",
		"correlation_id": "corr-1",
		"version":        SchemaVersion,
		"content_type":   ContentTypeJSON,
		"traceparent":    "00-abc-def-01",
	}

	require.Len(t, headers, len(expected))
	for _, header := range headers {
		value, ok := expected[header.Key]
		require.True(t, ok, "unexpected header key: %s", header.Key)
		assert.Equal(t, value, string(header.Value), "header %s", header.Key)
	}
}

func TestRelayHandler_PublishesEncodedEvent(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, mock.MatchedBy(func(msg RelayMessage) bool {
		return msg.Topic == "crm.leads" &&
			string(msg.Key) == "corr-1" &&
			msg.ContentType == ContentTypeJSON &&
			msg.Metadata.EventID == "evt-1"
	})).Return(nil).Once()

	handler := NewRelayHandler(publisher, WithRelayTopic(func(evt *Event) string {
		return "crm." + evt.Metadata.SourceModule
	}))

	require.NoError(t, handler(context.Background(), testEvent()))
	publisher.AssertExpectations(t)

	msg := publisher.Calls[0].Arguments.Get(1).(RelayMessage)
	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	assert.Equal(t, map[string]any{"leadId": "L-42", "score": float64(7)}, body["data"])
}

func TestRelayHandler_ReturnsPublishError(t *testing.T) {
	publisher := new(MockPublisher)
	publisher.On("Publish", mock.Anything, mock.Anything).Return(errors.New("broker unavailable"))

	handler := NewRelayHandler(publisher)
	err := handler(context.Background(), testEvent())
	assert.EqualError(t, err, "broker unavailable")
}

func TestProtobufCodec(t *testing.T) {
	codec := ProtobufCodec{}
	assert.Equal(t, ContentTypeProtobuf, codec.ContentType())

	raw, err := codec.Encode(testEvent())
	require.NoError(t, err)

	decoded, err := codec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, testEvent().Metadata, decoded.Metadata)

	data, err := DecodeData[map[string]any](decoded)
	require.NoError(t, err)
	assert.Equal(t, "L-42", data["leadId"])
	assert.Equal(t, float64(7), data["score"])
}

func TestCodecByName(t *testing.T) {
	c, err := CodecByName("json")
	require.NoError(t, err)
	assert.IsType(t, JSONCodec{}, c)

	c, err = CodecByName("protobuf")
	require.NoError(t, err)
	assert.IsType(t, ProtobufCodec{}, c)

	_, err = CodecByName("avro")
	assert.ErrorContains(t, err, "unknown relay codec")
}
