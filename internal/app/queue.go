package app

import (
	"errors"
	"sync"

	"github.com/alkl1m/chatclient/internal/protocol"
	"github.com/rs/zerolog/log"
)

var ErrQueueOverflow = errors.New("outbound queue overflow")

// OutboundQueue buffers envelopes sent while no usable connection exists.
// FIFO order is preserved end-to-end; capacity is bounded with a drop-oldest
// policy. The zero value is not usable, call NewOutboundQueue.
type OutboundQueue struct {
	mu       sync.Mutex
	items    []protocol.Envelope
	capacity int
}

func NewOutboundQueue(capacity int) *OutboundQueue {
	if capacity <= 0 {
		capacity = 64
	}
	return &OutboundQueue{capacity: capacity}
}

// Enqueue appends env. At capacity the oldest entry is evicted and
// ErrQueueOverflow returned; env itself is always accepted, so the error is
// a warning, not a failure.
func (q *OutboundQueue) Enqueue(env protocol.Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var overflow error
	if len(q.items) >= q.capacity {
		dropped := q.items[0]
		q.items = q.items[1:]
		log.Warn().Str("module", "app.queue").Str("id", dropped.ID).Str("type", string(dropped.Type)).Msg("queue full, dropped oldest envelope")
		overflow = ErrQueueOverflow
	}
	q.items = append(q.items, env)
	return overflow
}

// Flush drains entries in FIFO order, handing each to send. If send fails the
// failed entry and everything behind it stay queued, front order intact, and
// the send error is returned. Entries that send accepted are never re-queued.
func (q *OutboundQueue) Flush(send func(protocol.Envelope) error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sent := 0
	for len(q.items) > 0 {
		if err := send(q.items[0]); err != nil {
			return sent, err
		}
		q.items = q.items[1:]
		sent++
	}
	return sent, nil
}

// Discard drops every queued entry and reports how many were lost.
// Used at session close, where queued envelopes must not be flushed.
func (q *OutboundQueue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
