package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timmyxieat/tcm-intake/internal/config"
	"github.com/timmyxieat/tcm-intake/internal/testutil"
	pkgerrors "github.com/timmyxieat/tcm-intake/pkg/errors"
)

// mockKafkaReader serves a fixed queue of messages, then blocks until the
// context is cancelled.
type mockKafkaReader struct {
	queue     []kafka.Message
	fetchErrs []error
	committed []kafka.Message
	closed    bool
}

func (m *mockKafkaReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(m.fetchErrs) > 0 {
		err := m.fetchErrs[0]
		m.fetchErrs = m.fetchErrs[1:]
		return kafka.Message{}, err
	}
	if len(m.queue) > 0 {
		msg := m.queue[0]
		m.queue = m.queue[1:]
		return msg, nil
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (m *mockKafkaReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	m.committed = append(m.committed, msgs...)
	return nil
}

func (m *mockKafkaReader) Close() error {
	m.closed = true
	return nil
}

func envelopeMessage(t *testing.T, offset int64) kafka.Message {
	t.Helper()
	env, err := NewEventEnvelope(sampleEvent())
	require.NoError(t, err)
	msg, err := env.ToMessage(TopicNotesExtracted, "p1")
	require.NoError(t, err)
	return kafka.Message{Topic: msg.Topic, Offset: offset, Key: msg.Key, Value: msg.Value}
}

func TestNewConsumer_Validation(t *testing.T) {
	_, err := NewConsumer(config.KafkaConfig{}, "g", false, nil)
	assert.True(t, pkgerrors.IsValidation(err))

	_, err = NewConsumer(config.KafkaConfig{Brokers: []string{"k:9092"}, Topic: "t"}, "", false, nil)
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestConsume_HandlesAndCommits(t *testing.T) {
	reader := &mockKafkaReader{queue: []kafka.Message{
		envelopeMessage(t, 1),
		{Topic: TopicNotesExtracted, Offset: 2, Value: []byte("garbage")},
		envelopeMessage(t, 3),
	}}
	log := testutil.NewMockLogger()
	c := NewConsumerWithReader(reader, log)

	ctx, cancel := context.WithCancel(context.Background())
	var seen []string
	err := c.Consume(ctx, func(_ context.Context, env *EventEnvelope) error {
		seen = append(seen, env.EventType)
		if len(seen) == 2 {
			cancel()
		}
		return nil
	})
	require.NoError(t, err)

	assert.Len(t, seen, 2)
	assert.Len(t, reader.committed, 3)
	consumed, skipped := c.Stats()
	assert.Equal(t, int64(2), consumed)
	assert.Equal(t, int64(1), skipped)
	assert.True(t, log.HasMessage("warn", "skipping undecodable message"))
}

func TestConsume_HandlerErrorStops(t *testing.T) {
	reader := &mockKafkaReader{queue: []kafka.Message{envelopeMessage(t, 1)}}
	c := NewConsumerWithReader(reader, nil)

	boom := errors.New("sink down")
	err := c.Consume(context.Background(), func(context.Context, *EventEnvelope) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, reader.committed)
}

func TestConsume_RetriesFetchErrors(t *testing.T) {
	reader := &mockKafkaReader{
		fetchErrs: []error{errors.New("broker unavailable")},
		queue:     []kafka.Message{envelopeMessage(t, 1)},
	}
	log := testutil.NewMockLogger()
	c := NewConsumerWithReader(reader, log)
	c.retryDelay = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	err := c.Consume(ctx, func(context.Context, *EventEnvelope) error {
		cancel()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, log.HasMessage("error", "FetchMessage error"))
}

func TestConsume_AlreadyRunning(t *testing.T) {
	c := NewConsumerWithReader(&mockKafkaReader{}, nil)
	c.running.Store(true)
	assert.Equal(t, ErrAlreadyRunning, c.Consume(context.Background(), nil))
}
