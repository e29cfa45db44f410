package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alkl1m/chatclient/internal/core"
	"github.com/alkl1m/chatclient/internal/protocol"
)

type fakeTransport struct {
	mu       sync.Mutex
	frames   [][]byte
	sendHook func(data []byte) error
	closed   bool
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return core.ErrTransportClosed
	}
	if t.sendHook != nil {
		if err := t.sendHook(data); err != nil {
			return err
		}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	t.frames = append(t.frames, cp)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) envelopes(tb testing.TB) []protocol.Envelope {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(t.frames))
	for _, frame := range t.frames {
		env, err := protocol.Decode(frame)
		require.NoError(tb, err)
		out = append(out, env)
	}
	return out
}

type fakeDialer struct {
	mu       sync.Mutex
	hold     chan struct{} // when set, Dial blocks until closed
	err      error
	sendHook func(data []byte) error // installed on every dialed transport
	last     *fakeTransport
	hooks    core.Hooks
	dials    int
}

func (d *fakeDialer) Dial(ctx context.Context, url string, hooks core.Hooks) (core.Transport, error) {
	if d.hold != nil {
		select {
		case <-d.hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.hooks = hooks
	if d.err != nil {
		return nil, d.err
	}
	t := &fakeTransport{sendHook: d.sendHook}
	d.last = t
	return t, nil
}

func (d *fakeDialer) transport() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *fakeDialer) inbound() core.Hooks {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hooks
}

func newTestConn(t *testing.T, d core.Dialer, q *OutboundQueue, reconnect bool, events ConnEvents) *ConnManager {
	t.Helper()
	sess := testIdentity(t)
	bo := backoff.NewConstantBackOff(5 * time.Millisecond)
	return NewConnManager(d, q, sess, reconnect, bo, events)
}

func waitState(t *testing.T, m *ConnManager, want core.State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		time.Second, 2*time.Millisecond, "state never reached %s", want)
}

func TestConnOpenAnnouncesJoin(t *testing.T) {
	d := &fakeDialer{}
	m := newTestConn(t, d, NewOutboundQueue(8), false, ConnEvents{})

	require.NoError(t, m.Open(context.Background(), "ws://relay/ws"))
	waitState(t, m, core.Open)

	envs := d.transport().envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, protocol.TypeUserJoined, envs[0].Type)
	assert.Equal(t, "alice", envs[0].Nickname)
	assert.Equal(t, "42", envs[0].ChannelID)
}

func TestConnOpenInvalidFromConnecting(t *testing.T) {
	d := &fakeDialer{hold: make(chan struct{})}
	m := newTestConn(t, d, NewOutboundQueue(8), false, ConnEvents{})

	require.NoError(t, m.Open(context.Background(), "ws://relay/ws"))
	assert.ErrorIs(t, m.Open(context.Background(), "ws://relay/ws"), ErrInvalidState)
	close(d.hold)
	waitState(t, m, core.Open)
}

func TestConnSendWhileConnectingFlushesInOrder(t *testing.T) {
	d := &fakeDialer{hold: make(chan struct{})}
	m := newTestConn(t, d, NewOutboundQueue(8), false, ConnEvents{})

	require.NoError(t, m.Open(context.Background(), "ws://relay/ws"))
	m.Send(chatEnv("first"))
	m.Send(chatEnv("second"))

	close(d.hold)
	waitState(t, m, core.Open)

	envs := d.transport().envelopes(t)
	require.Len(t, envs, 3)
	assert.Equal(t, protocol.TypeUserJoined, envs[0].Type, "announce precedes the flush")
	assert.Equal(t, "first", envs[1].Message)
	assert.Equal(t, "second", envs[2].Message)
}

func TestConnSendWhileOpenGoesDirect(t *testing.T) {
	d := &fakeDialer{}
	q := NewOutboundQueue(8)
	m := newTestConn(t, d, q, false, ConnEvents{})

	require.NoError(t, m.Open(context.Background(), "ws://relay/ws"))
	waitState(t, m, core.Open)

	m.Send(chatEnv("hello"))
	envs := d.transport().envelopes(t)
	require.Len(t, envs, 2)
	assert.Equal(t, "hello", envs[1].Message)
	assert.Zero(t, q.Len())
}

func TestConnReceiveMalformedFrameKeepsSessionAlive(t *testing.T) {
	var mu sync.Mutex
	var errs []error
	var delivered []protocol.Envelope
	d := &fakeDialer{}
	m := newTestConn(t, d, NewOutboundQueue(8), false, ConnEvents{
		OnError: func(err error) {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		},
		OnEnvelope: func(env protocol.Envelope) {
			mu.Lock()
			delivered = append(delivered, env)
			mu.Unlock()
		},
	})

	require.NoError(t, m.Open(context.Background(), "ws://relay/ws"))
	waitState(t, m, core.Open)

	hooks := d.inbound()
	hooks.OnMessage([]byte(`{broken`))
	assert.Equal(t, core.Open, m.State())

	valid, err := protocol.Encode(protocol.NewChatMessage("42", "bob", "still here"))
	require.NoError(t, err)
	hooks.OnMessage(valid)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], protocol.ErrMalformedEnvelope)
	require.Len(t, delivered, 1)
	assert.Equal(t, "still here", delivered[0].Message)
}

func TestConnCloseEmitsUserLeftLast(t *testing.T) {
	closed := make(chan struct{})
	d := &fakeDialer{}
	m := newTestConn(t, d, NewOutboundQueue(8), false, ConnEvents{
		OnClosed: func() { close(closed) },
	})

	require.NoError(t, m.Open(context.Background(), "ws://relay/ws"))
	waitState(t, m, core.Open)
	m.Send(chatEnv("bye soon"))

	m.Close("leave")

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("OnClosed never fired")
	}
	assert.Equal(t, core.Closed, m.State())

	tr := d.transport()
	envs := tr.envelopes(t)
	require.NotEmpty(t, envs)
	assert.Equal(t, protocol.TypeUserLeft, envs[len(envs)-1].Type, "USER_LEFT is the final write")
	tr.mu.Lock()
	assert.True(t, tr.closed)
	tr.mu.Unlock()
}

func TestConnCloseDiscardsQueue(t *testing.T) {
	d := &fakeDialer{}
	q := NewOutboundQueue(8)
	m := newTestConn(t, d, q, false, ConnEvents{})

	// Never opened: sends park in the queue, close throws them away.
	m.Send(chatEnv("never delivered"))
	require.Equal(t, 1, q.Len())

	m.Close("teardown")
	assert.Equal(t, core.Closed, m.State())
	assert.Zero(t, q.Len())
}

func TestConnCloseIdempotent(t *testing.T) {
	d := &fakeDialer{}
	m := newTestConn(t, d, NewOutboundQueue(8), false, ConnEvents{})
	require.NoError(t, m.Open(context.Background(), "ws://relay/ws"))
	waitState(t, m, core.Open)

	m.Close("first")
	m.Close("second")
	assert.Equal(t, core.Closed, m.State())
}

func TestConnDialFailureReportsConnectionError(t *testing.T) {
	dialErr := errors.New("relay unreachable")
	errs := make(chan error, 1)
	d := &fakeDialer{err: dialErr}
	m := newTestConn(t, d, NewOutboundQueue(8), false, ConnEvents{
		OnError: func(err error) { errs <- err },
	})

	require.NoError(t, m.Open(context.Background(), "ws://relay/ws"))

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, dialErr)
	case <-time.After(time.Second):
		t.Fatal("dial failure never reported")
	}
	waitState(t, m, core.Closed)
}

func TestConnReconnectsAfterTransportClose(t *testing.T) {
	d := &fakeDialer{}
	m := newTestConn(t, d, NewOutboundQueue(8), true, ConnEvents{})

	require.NoError(t, m.Open(context.Background(), "ws://relay/ws"))
	waitState(t, m, core.Open)

	d.inbound().OnClose(1006, "gone")
	waitState(t, m, core.Open)

	d.mu.Lock()
	dials := d.dials
	d.mu.Unlock()
	assert.Equal(t, 2, dials)

	// Presence is re-announced on the new transport.
	envs := d.transport().envelopes(t)
	require.NotEmpty(t, envs)
	assert.Equal(t, protocol.TypeUserJoined, envs[0].Type)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func TestConnDropClosesAbandonedTransportBeforeReconnect(t *testing.T) {
	d := &fakeDialer{}
	m := newTestConn(t, d, NewOutboundQueue(8), true, ConnEvents{})

	require.NoError(t, m.Open(context.Background(), "ws://relay/ws"))
	waitState(t, m, core.Open)
	first := d.transport()

	d.inbound().OnClose(1006, "network dropped")
	assert.True(t, first.isClosed(), "manager must Close() the transport it abandons")

	waitState(t, m, core.Open)
	second := d.transport()
	require.NotSame(t, first, second)
	assert.False(t, second.isClosed())
}

func TestConnDropWithoutReconnectClosesTransport(t *testing.T) {
	d := &fakeDialer{}
	m := newTestConn(t, d, NewOutboundQueue(8), false, ConnEvents{})

	require.NoError(t, m.Open(context.Background(), "ws://relay/ws"))
	waitState(t, m, core.Open)
	tr := d.transport()

	d.inbound().OnClose(1006, "network dropped")
	waitState(t, m, core.Closed)
	assert.True(t, tr.isClosed())
}

func TestConnFlushRetriesAfterBackpressure(t *testing.T) {
	rejected := false
	d := &fakeDialer{hold: make(chan struct{})}
	d.sendHook = func(data []byte) error {
		// Reject the first queued envelope once; the announce passes through.
		if !rejected && strings.Contains(string(data), "first") {
			rejected = true
			return core.ErrBackpressure
		}
		return nil
	}
	m := newTestConn(t, d, NewOutboundQueue(8), false, ConnEvents{})

	require.NoError(t, m.Open(context.Background(), "ws://relay/ws"))
	m.Send(chatEnv("first"))
	m.Send(chatEnv("second"))
	close(d.hold)
	waitState(t, m, core.Open)

	require.Eventually(t, func() bool {
		return len(d.transport().envelopes(t)) == 3
	}, time.Second, 5*time.Millisecond, "stranded remainder must flush without a reconnect")

	envs := d.transport().envelopes(t)
	assert.Equal(t, protocol.TypeUserJoined, envs[0].Type)
	assert.Equal(t, "first", envs[1].Message)
	assert.Equal(t, "second", envs[2].Message)
}

func TestConnDirectSendNeverOvertakesBackpressuredQueue(t *testing.T) {
	rejected := false
	d := &fakeDialer{}
	d.sendHook = func(data []byte) error {
		if !rejected && strings.Contains(string(data), "early") {
			rejected = true
			return core.ErrBackpressure
		}
		return nil
	}
	m := newTestConn(t, d, NewOutboundQueue(8), false, ConnEvents{})

	require.NoError(t, m.Open(context.Background(), "ws://relay/ws"))
	waitState(t, m, core.Open)

	// "early" hits backpressure and parks in the queue; "late" follows while
	// the connection is still OPEN and must queue behind it.
	m.Send(chatEnv("early"))
	m.Send(chatEnv("late"))

	require.Eventually(t, func() bool {
		return len(d.transport().envelopes(t)) == 3
	}, time.Second, 5*time.Millisecond)

	envs := d.transport().envelopes(t)
	assert.Equal(t, "early", envs[1].Message)
	assert.Equal(t, "late", envs[2].Message)
}
