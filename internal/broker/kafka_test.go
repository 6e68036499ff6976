package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeKafkaWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		key     string
		outcome Outcome
		target  error
	}{
		{name: "acknowledged write", key: "order.placed", outcome: Success},
		{name: "missing topic", key: "order.placed", err: kafka.UnknownTopicOrPartition, outcome: FailedNoRoute, target: ErrUnroutable},
		{name: "missing topic in batch", key: "order.placed", err: kafka.WriteErrors{kafka.UnknownTopicOrPartition}, outcome: FailedNoRoute, target: ErrUnroutable},
		{name: "leader unavailable", key: "order.placed", err: kafka.LeaderNotAvailable, outcome: FailedBrokerError},
		{name: "network failure", key: "order.placed", err: errors.New("dial tcp: refused"), outcome: FailedBrokerError},
		{name: "empty key", key: "", outcome: FailedBrokerError, target: ErrEmptyRoutingKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeKafkaWriter{err: tt.err}
			p := newKafkaPublisher(w, "orderflow.events", nil)

			msg := testMessage()
			msg.RoutingKey = tt.key
			res := p.Publish(context.Background(), msg)

			assert.Equal(t, tt.outcome, res.Outcome)
			if tt.target != nil {
				assert.ErrorIs(t, res.Err, tt.target)
			}
			if tt.outcome == Success {
				assert.NoError(t, res.Err)
			}
		})
	}
}

func TestKafkaPublisherWritesKeyAndHeaders(t *testing.T) {
	w := &fakeKafkaWriter{}
	p := newKafkaPublisher(w, "orderflow.events", nil)

	res := p.Publish(context.Background(), testMessage())
	require.Equal(t, Success, res.Outcome)

	require.Len(t, w.messages, 1)
	m := w.messages[0]
	assert.Equal(t, "order.placed", string(m.Key))
	assert.Equal(t, "evt-1", kafkaHeader(m.Headers, HeaderEventID))
	assert.Equal(t, "order.placed", kafkaHeader(m.Headers, HeaderEventType))

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}
