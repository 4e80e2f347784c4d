package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ContentTypeJSON     = "application/json"
	ContentTypeProtobuf = "application/x-protobuf"
)

// Codec turns an event into broker bytes and back.
type Codec interface {
	ContentType() string
	Encode(evt *Event) ([]byte, error)
	Decode(b []byte) (*Event, error)
}

type relayEnvelope struct {
	Metadata EventMetadata   `json:"metadata"`
	Data     json.RawMessage `json:"data"`
}

func newRelayEnvelope(evt *Event) (relayEnvelope, error) {
	payload, err := encodePayload(evt.Data)
	if err != nil {
		return relayEnvelope{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return relayEnvelope{Metadata: evt.Metadata, Data: payload}, nil
}

func (e relayEnvelope) event() *Event {
	return &Event{Metadata: e.Metadata, Data: e.Data}
}

// JSONCodec writes {"metadata": ..., "data": ...}.
type JSONCodec struct{}

func (JSONCodec) ContentType() string { return ContentTypeJSON }

func (JSONCodec) Encode(evt *Event) ([]byte, error) {
	env, err := newRelayEnvelope(evt)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func (JSONCodec) Decode(b []byte) (*Event, error) {
	var env relayEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("failed to decode json event: %w", err)
	}
	return env.event(), nil
}

// ProtobufCodec writes the same envelope as a google.protobuf.Struct in binary wire format.
type ProtobufCodec struct{}

func (ProtobufCodec) ContentType() string { return ContentTypeProtobuf }

func (ProtobufCodec) Encode(evt *Event) ([]byte, error) {
	raw, err := JSONCodec{}.Encode(evt)
	if err != nil {
		return nil, err
	}
	var msg structpb.Struct
	if err := protojson.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("failed to build protobuf struct: %w", err)
	}
	return proto.Marshal(&msg)
}

func (ProtobufCodec) Decode(b []byte) (*Event, error) {
	var msg structpb.Struct
	if err := proto.Unmarshal(b, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode protobuf event: %w", err)
	}
	raw, err := protojson.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("failed to render protobuf struct: %w", err)
	}
	return JSONCodec{}.Decode(raw)
}

// CodecByName resolves "json" or "protobuf".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "protobuf", "proto":
		return ProtobufCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown relay codec %q", name)
	}
}

type relaySettings struct {
	codec Codec
	topic func(evt *Event) string
}

type RelayOption func(*relaySettings)

func WithRelayCodec(codec Codec) RelayOption {
	return func(s *relaySettings) {
		s.codec = codec
	}
}

// WithRelayTopic picks the topic per event. An empty result means the publisher default.
func WithRelayTopic(fn func(evt *Event) string) RelayOption {
	return func(s *relaySettings) {
		s.topic = fn
	}
}

// NewRelayHandler returns a handler that forwards every event it receives to publisher.
// Messages are keyed by correlation id so a request and its follow-ups share a partition.
func NewRelayHandler(publisher Publisher, opts ...RelayOption) HandlerFunc {
	s := relaySettings{codec: JSONCodec{}}
	for _, opt := range opts {
		opt(&s)
	}

	return func(ctx context.Context, evt *Event) error {
		value, err := s.codec.Encode(evt)
		if err != nil {
			return fmt.Errorf("failed to encode event %s for relay: %w", evt.Metadata.EventID, err)
		}
		msg := RelayMessage{
			Metadata:    evt.Metadata,
			Key:         []byte(evt.Metadata.CorrelationID),
			Value:       value,
			ContentType: s.codec.ContentType(),
		}
		if s.topic != nil {
			msg.Topic = s.topic(evt)
		}
		return publisher.Publish(ctx, msg)
	}
}
