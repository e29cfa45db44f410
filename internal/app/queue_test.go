package app

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alkl1m/chatclient/internal/protocol"
)

func chatEnv(msg string) protocol.Envelope {
	return protocol.NewChatMessage("42", "alice", msg)
}

func TestQueueFlushPreservesFIFO(t *testing.T) {
	q := NewOutboundQueue(8)
	require.NoError(t, q.Enqueue(chatEnv("one")))
	require.NoError(t, q.Enqueue(chatEnv("two")))
	require.NoError(t, q.Enqueue(chatEnv("three")))

	var got []string
	sent, err := q.Flush(func(env protocol.Envelope) error {
		got = append(got, env.Message)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	assert.Equal(t, []string{"one", "two", "three"}, got)
	assert.Zero(t, q.Len())
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	q := NewOutboundQueue(2)
	require.NoError(t, q.Enqueue(chatEnv("one")))
	require.NoError(t, q.Enqueue(chatEnv("two")))

	err := q.Enqueue(chatEnv("three"))
	assert.ErrorIs(t, err, ErrQueueOverflow)
	assert.Equal(t, 2, q.Len())

	var got []string
	_, err = q.Flush(func(env protocol.Envelope) error {
		got = append(got, env.Message)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three"}, got, "newest survives, oldest was evicted")
}

func TestQueueFlushStopsOnSinkFailure(t *testing.T) {
	q := NewOutboundQueue(8)
	for _, msg := range []string{"one", "two", "three", "four"} {
		require.NoError(t, q.Enqueue(chatEnv(msg)))
	}

	sinkErr := errors.New("connection dropped")
	var got []string
	sent, err := q.Flush(func(env protocol.Envelope) error {
		if len(got) == 2 {
			return sinkErr
		}
		got = append(got, env.Message)
		return nil
	})
	require.ErrorIs(t, err, sinkErr)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"one", "two"}, got)
	assert.Equal(t, 2, q.Len(), "failed entry and remainder stay queued")

	// A later flush resumes exactly where the first stopped, no duplicates.
	got = got[:0]
	sent, err = q.Flush(func(env protocol.Envelope) error {
		got = append(got, env.Message)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"three", "four"}, got)
}

func TestQueueDiscard(t *testing.T) {
	q := NewOutboundQueue(8)
	require.NoError(t, q.Enqueue(chatEnv("one")))
	require.NoError(t, q.Enqueue(chatEnv("two")))

	assert.Equal(t, 2, q.Discard())
	assert.Zero(t, q.Len())
	assert.Zero(t, q.Discard())
}
