package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/alkl1m/chatclient/internal/core"
	"github.com/alkl1m/chatclient/internal/domain"
	"github.com/alkl1m/chatclient/internal/protocol"
)

var ErrInvalidState = errors.New("invalid connection state for operation")

// flushRetryDelay paces flush retries while the transport reports
// backpressure.
const flushRetryDelay = 25 * time.Millisecond

// ConnEvents carries the callbacks the connection manager raises. OnOpen runs
// after the USER_JOINED announce and the queue flush, so by the time it fires
// everything sent while connecting is on the wire.
type ConnEvents struct {
	OnOpen     func()
	OnEnvelope func(env protocol.Envelope)
	OnError    func(err error)
	OnClosed   func()
}

// ConnManager owns the connection state machine and the single transport
// handle. No other component writes to the transport directly.
type ConnManager struct {
	mu          sync.Mutex
	state       core.State
	dialer      core.Dialer
	transport   core.Transport
	queue       *OutboundQueue
	sess        *domain.Session
	url         string
	reconnect   bool
	bo          backoff.BackOff
	redialTimer *time.Timer
	flushTimer  *time.Timer
	ctx         context.Context
	events      ConnEvents
}

// NewConnManager wires a manager over dialer and queue. With reconnect set,
// a transport-initiated close re-dials after an exponential backoff instead
// of ending the session.
func NewConnManager(dialer core.Dialer, queue *OutboundQueue, sess *domain.Session, reconnect bool, bo backoff.BackOff, events ConnEvents) *ConnManager {
	if bo == nil {
		bo = backoff.NewExponentialBackOff()
	}
	return &ConnManager{
		state:     core.Disconnected,
		dialer:    dialer,
		queue:     queue,
		sess:      sess,
		reconnect: reconnect,
		bo:        bo,
		events:    events,
	}
}

func (m *ConnManager) State() core.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Open starts connecting to url. Valid only from DISCONNECTED or CLOSED; it
// returns immediately, completion is reported through ConnEvents.
func (m *ConnManager) Open(ctx context.Context, url string) error {
	m.mu.Lock()
	if m.state != core.Disconnected && m.state != core.Closed {
		m.mu.Unlock()
		return fmt.Errorf("%w: open from %s", ErrInvalidState, m.state)
	}
	m.state = core.Connecting
	m.url = url
	m.ctx = ctx
	m.mu.Unlock()

	go m.dial(ctx)
	return nil
}

func (m *ConnManager) dial(ctx context.Context) {
	hooks := core.Hooks{
		OnMessage: m.receive,
		OnError: func(err error) {
			log.Warn().Str("module", "app.conn").Err(err).Msg("transport error")
			m.raiseError(err)
		},
		OnClose: m.transportClosed,
	}

	t, err := m.dialer.Dial(ctx, m.url, hooks)
	if err != nil {
		log.Error().Str("module", "app.conn").Err(err).Str("url", m.url).Msg("dial failed")
		m.raiseError(fmt.Errorf("connect %s: %w", m.url, err))
		m.mu.Lock()
		if m.state != core.Connecting {
			m.mu.Unlock()
			return
		}
		if m.reconnect && m.scheduleRedialLocked(ctx) {
			m.mu.Unlock()
			return
		}
		m.state = core.Closed
		m.mu.Unlock()
		m.raiseClosed()
		return
	}

	m.mu.Lock()
	if m.state != core.Connecting {
		// Closed while the dial was in flight.
		m.mu.Unlock()
		_ = t.Close()
		return
	}
	m.transport = t
	m.state = core.Open
	m.bo.Reset()

	// Announce presence first, then flush whatever queued up while the
	// connection was unavailable; enqueue order survives.
	if err := m.writeLocked(protocol.NewUserJoined(string(m.sess.ChannelID), m.sess.Nickname)); err != nil {
		log.Warn().Str("module", "app.conn").Err(err).Msg("user joined announce failed")
	}
	m.flushLocked()
	m.mu.Unlock()

	log.Info().Str("module", "app.conn").Str("url", m.url).Msg("connection open")
	if m.events.OnOpen != nil {
		m.events.OnOpen()
	}
}

// writeLocked serializes and hands one envelope to the transport.
// Caller holds mu.
func (m *ConnManager) writeLocked(env protocol.Envelope) error {
	if m.transport == nil || m.state != core.Open {
		return core.ErrTransportClosed
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return m.transport.Send(data)
}

// Send transmits env if the connection is OPEN, otherwise parks it in the
// outbound queue. It never fails the caller; unavailable connections queue.
// A direct send is only attempted when the queue is empty, so envelopes
// stranded by a backpressured flush are never overtaken.
func (m *ConnManager) Send(env protocol.Envelope) {
	m.mu.Lock()
	if m.state == core.Open && m.queue.Len() == 0 {
		err := m.writeLocked(env)
		if err == nil {
			m.mu.Unlock()
			return
		}
		if errors.Is(err, core.ErrBackpressure) {
			qerr := m.queue.Enqueue(env)
			m.scheduleFlushLocked()
			m.mu.Unlock()
			log.Debug().Str("module", "app.conn").Str("id", env.ID).Msg("transport congested, queued envelope")
			if qerr != nil {
				m.raiseError(qerr)
			}
			return
		}
		m.mu.Unlock()
		log.Warn().Str("module", "app.conn").Err(err).Str("id", env.ID).Msg("direct send failed")
		m.raiseError(err)
		return
	}
	err := m.queue.Enqueue(env)
	state := m.state
	if state == core.Open {
		m.scheduleFlushLocked()
	}
	m.mu.Unlock()

	log.Debug().Str("module", "app.conn").Str("state", state.String()).Str("type", string(env.Type)).Msg("queued envelope")
	if err != nil {
		m.raiseError(err)
	}
}

// flushLocked drains the queue into the transport. Backpressure is transient,
// the remainder is retried shortly while the connection stays OPEN; any other
// failure leaves the remainder queued for the next open. Caller holds mu.
func (m *ConnManager) flushLocked() {
	sent, err := m.queue.Flush(m.writeLocked)
	switch {
	case err == nil:
		if sent > 0 {
			log.Info().Str("module", "app.conn").Int("sent", sent).Msg("flushed outbound queue")
		}
	case errors.Is(err, core.ErrBackpressure):
		log.Debug().Str("module", "app.conn").Int("sent", sent).Msg("flush hit backpressure, retrying shortly")
		m.scheduleFlushLocked()
	default:
		log.Warn().Str("module", "app.conn").Err(err).Int("sent", sent).Msg("flush interrupted, remainder stays queued")
	}
}

// scheduleFlushLocked arms one pending flush retry. Caller holds mu.
func (m *ConnManager) scheduleFlushLocked() {
	if m.flushTimer != nil {
		m.flushTimer.Stop()
	}
	m.flushTimer = time.AfterFunc(flushRetryDelay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state != core.Open {
			return
		}
		m.flushLocked()
	})
}

// receive decodes one inbound frame. A single bad frame is reported and
// dropped; it must not kill the session.
func (m *ConnManager) receive(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Str("module", "app.conn").Err(err).Msg("dropping undecodable frame")
		m.raiseError(err)
		return
	}
	if m.events.OnEnvelope != nil {
		m.events.OnEnvelope(env)
	}
}

// transportClosed handles a close initiated by the peer or the network. The
// abandoned transport still owns a socket and a write pump; it must be
// Close()d here or both leak on every network drop.
func (m *ConnManager) transportClosed(code int, reason string) {
	m.mu.Lock()
	if m.state == core.Closing || m.state == core.Closed {
		m.mu.Unlock()
		return
	}
	log.Warn().Str("module", "app.conn").Int("code", code).Str("reason", reason).Msg("transport closed unexpectedly")
	t := m.transport
	m.transport = nil
	reconnecting := m.reconnect && m.scheduleRedialLocked(m.ctx)
	if !reconnecting {
		m.state = core.Closed
	}
	m.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	if !reconnecting {
		m.raiseClosed()
	}
}

// scheduleRedialLocked arms the next reconnect attempt. Caller holds mu.
// Returns false when the backoff policy has given up.
func (m *ConnManager) scheduleRedialLocked(ctx context.Context) bool {
	delay := m.bo.NextBackOff()
	if delay == backoff.Stop {
		log.Error().Str("module", "app.conn").Msg("reconnect attempts exhausted")
		return false
	}
	m.state = core.Reconnecting
	log.Info().Str("module", "app.conn").Dur("delay", delay).Msg("reconnecting after backoff")
	m.redialTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.state != core.Reconnecting {
			m.mu.Unlock()
			return
		}
		m.state = core.Connecting
		m.mu.Unlock()
		m.dial(ctx)
	})
	return true
}

// Close tears the connection down. A USER_LEFT envelope goes out best-effort
// (the connection may already be unusable) as the final transport write, any
// still-queued envelopes are discarded, then the state settles at CLOSED.
func (m *ConnManager) Close(reason string) {
	m.mu.Lock()
	if m.state == core.Closed {
		m.mu.Unlock()
		return
	}
	if m.redialTimer != nil {
		m.redialTimer.Stop()
		m.redialTimer = nil
	}
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	prev := m.state
	m.state = core.Closing
	if prev == core.Open && m.transport != nil {
		data, err := protocol.Encode(protocol.NewUserLeft(string(m.sess.ChannelID), m.sess.Nickname))
		if err == nil {
			_ = m.transport.Send(data)
		}
	}
	if m.transport != nil {
		_ = m.transport.Close()
		m.transport = nil
	}
	if n := m.queue.Discard(); n > 0 {
		log.Info().Str("module", "app.conn").Int("discarded", n).Msg("discarded queued envelopes at close")
	}
	m.state = core.Closed
	m.mu.Unlock()

	log.Info().Str("module", "app.conn").Str("reason", reason).Msg("connection closed")
	m.raiseClosed()
}

func (m *ConnManager) raiseError(err error) {
	if m.events.OnError != nil {
		m.events.OnError(err)
	}
}

func (m *ConnManager) raiseClosed() {
	if m.events.OnClosed != nil {
		m.events.OnClosed()
	}
}
