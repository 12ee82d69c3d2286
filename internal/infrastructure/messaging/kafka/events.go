package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	"github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

// TopicNotesExtracted carries one event per stored note.
const TopicNotesExtracted = "notes.extracted"

const (
	eventSource   = "tcm-intake"
	schemaVersion = "v1"
)

// EventEnvelope wraps every published event.
type EventEnvelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
	SchemaVersion string          `json:"schema_version"`
	RequestID     string          `json:"request_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEventEnvelope wraps ev, reusing its event ID and timestamp.
func NewEventEnvelope(ev note.ExtractedEvent) (*EventEnvelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to marshal payload")
	}
	return &EventEnvelope{
		EventID:       ev.EventID(),
		EventType:     ev.EventType(),
		Source:        eventSource,
		Timestamp:     ev.OccurredAt(),
		SchemaVersion: schemaVersion,
		Payload:       data,
	}, nil
}

// DecodePayload unmarshals the payload into target.
func (e *EventEnvelope) DecodePayload(target interface{}) error {
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return errors.New(errors.ErrCodeSerialization, "event payload is empty")
	}
	if err := json.Unmarshal(e.Payload, target); err != nil {
		return errors.Wrap(err, errors.ErrCodeSerialization, "failed to decode event payload")
	}
	return nil
}

// ToMessage renders the envelope as a message keyed by key.
func (e *EventEnvelope) ToMessage(topic string, key string) (*Message, error) {
	val, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to marshal envelope")
	}
	headers := map[string]string{
		"event_type":     e.EventType,
		"source_service": e.Source,
		"schema_version": e.SchemaVersion,
	}
	if e.RequestID != "" {
		headers["request_id"] = e.RequestID
	}
	return &Message{
		Topic:     topic,
		Key:       []byte(key),
		Value:     val,
		Headers:   headers,
		Timestamp: e.Timestamp,
	}, nil
}

// ParseEnvelope decodes a consumed message value.
func ParseEnvelope(value []byte) (*EventEnvelope, error) {
	if len(value) == 0 {
		return nil, errors.New(errors.ErrCodeValidation, "empty message value")
	}
	var env EventEnvelope
	if err := json.Unmarshal(value, &env); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeSerialization, "failed to unmarshal envelope")
	}
	return &env, nil
}

// Publisher is the write side NotePublisher needs.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
}

// NotePublisher publishes note events keyed by patient ID.
type NotePublisher struct {
	producer Publisher
	topic    string
	logger   logging.Logger
}

func NewNotePublisher(p Publisher, topic string, logger logging.Logger) *NotePublisher {
	if topic == "" {
		topic = TopicNotesExtracted
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &NotePublisher{producer: p, topic: topic, logger: logger}
}

// Topic returns the destination topic.
func (n *NotePublisher) Topic() string { return n.topic }

// PublishNoteExtracted publishes ev to the notes topic.
func (n *NotePublisher) PublishNoteExtracted(ctx context.Context, ev note.ExtractedEvent) error {
	env, err := NewEventEnvelope(ev)
	if err != nil {
		return err
	}
	env.RequestID = logging.RequestIDFromContext(ctx)
	msg, err := env.ToMessage(n.topic, ev.PatientID)
	if err != nil {
		return err
	}
	if err := n.producer.Publish(ctx, msg); err != nil {
		return err
	}
	n.logger.Debug("note event published",
		logging.String("event_id", env.EventID),
		logging.String("patient_id", ev.PatientID))
	return nil
}
