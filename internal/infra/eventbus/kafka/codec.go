package kafka

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/events"
)

// EncodeEvent serializes an event as a protobuf Struct:
//
//	{"id": ..., "type": ..., "key": ..., "timestamp": <RFC 3339>, "payload": {...}}
//
// Consumers decode it with structpb without sharing generated types.
func EncodeEvent(event events.DomainEvent) ([]byte, error) {
	var fields map[string]any
	if event.Payload != nil {
		fields = event.Payload.Fields()
	}
	payload, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}

	envelope := &structpb.Struct{Fields: map[string]*structpb.Value{
		"id":        structpb.NewStringValue(event.ID.String()),
		"type":      structpb.NewStringValue(string(event.Type)),
		"key":       structpb.NewStringValue(event.Key),
		"timestamp": structpb.NewStringValue(event.Timestamp.UTC().Format(time.RFC3339Nano)),
		"payload":   structpb.NewStructValue(payload),
	}}
	return proto.Marshal(envelope)
}

// DecodeEvent is the inverse of EncodeEvent. The payload is returned as the
// generic map produced by structpb; numbers come back as float64.
func DecodeEvent(data []byte) (events.EventType, time.Time, map[string]any, error) {
	var envelope structpb.Struct
	if err := proto.Unmarshal(data, &envelope); err != nil {
		return "", time.Time{}, nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	f := envelope.GetFields()

	ts, err := time.Parse(time.RFC3339Nano, f["timestamp"].GetStringValue())
	if err != nil {
		return "", time.Time{}, nil, fmt.Errorf("timestamp: %w", err)
	}
	return events.EventType(f["type"].GetStringValue()), ts, f["payload"].GetStructValue().AsMap(), nil
}
