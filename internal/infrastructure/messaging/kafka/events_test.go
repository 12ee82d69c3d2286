package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmyxieat/tcm-intake/internal/infrastructure/monitoring/logging"
	pkgerrors "github.com/timmyxieat/tcm-intake/pkg/errors"
	"github.com/timmyxieat/tcm-intake/pkg/types/common"
	"github.com/timmyxieat/tcm-intake/pkg/types/note"
)

func sampleEvent() note.ExtractedEvent {
	return note.NewExtractedEvent(&note.StoredNote{
		ID:            common.NewID(),
		PatientID:     "p1",
		PromptVersion: "v3",
		Provider:      "openai",
		CreatedAt:     time.Now(),
		Note: note.StructuredNote{
			ChiefComplaints: []note.ChiefComplaint{{Text: "Headache for 3 days"}},
		},
	})
}

func TestEventEnvelope_RoundTrip(t *testing.T) {
	ev := sampleEvent()
	env, err := NewEventEnvelope(ev)
	require.NoError(t, err)
	assert.Equal(t, ev.EventID(), env.EventID)
	assert.Equal(t, note.EventTypeNoteExtracted, env.EventType)
	assert.Equal(t, "v1", env.SchemaVersion)

	msg, err := env.ToMessage(TopicNotesExtracted, "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte("p1"), msg.Key)
	assert.Equal(t, note.EventTypeNoteExtracted, msg.Headers["event_type"])

	parsed, err := ParseEnvelope(msg.Value)
	require.NoError(t, err)

	var got note.ExtractedEvent
	require.NoError(t, parsed.DecodePayload(&got))
	assert.Equal(t, ev.NoteID, got.NoteID)
	assert.Equal(t, 1, got.ComplaintCount)
}

func TestParseEnvelope_Errors(t *testing.T) {
	_, err := ParseEnvelope(nil)
	assert.True(t, pkgerrors.IsValidation(err))

	_, err = ParseEnvelope([]byte("not json"))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeSerialization))

	env := &EventEnvelope{}
	assert.Error(t, env.DecodePayload(&struct{}{}))
}

type capturePublisher struct {
	msgs []*Message
	err  error
}

func (c *capturePublisher) Publish(_ context.Context, msg *Message) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func TestNotePublisher_PublishNoteExtracted(t *testing.T) {
	pub := &capturePublisher{}
	np := NewNotePublisher(pub, "", nil)
	assert.Equal(t, TopicNotesExtracted, np.Topic())

	ctx := logging.WithRequestID(context.Background(), "req-42")
	require.NoError(t, np.PublishNoteExtracted(ctx, sampleEvent()))

	require.Len(t, pub.msgs, 1)
	msg := pub.msgs[0]
	assert.Equal(t, TopicNotesExtracted, msg.Topic)
	assert.Equal(t, "p1", string(msg.Key))
	assert.Equal(t, "req-42", msg.Headers["request_id"])
}

func TestNotePublisher_PropagatesError(t *testing.T) {
	boom := pkgerrors.New(pkgerrors.ErrCodeMessagingError, "publish failed")
	np := NewNotePublisher(&capturePublisher{err: boom}, "custom.topic", nil)

	err := np.PublishNoteExtracted(context.Background(), sampleEvent())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.ErrCodeMessagingError))
}
