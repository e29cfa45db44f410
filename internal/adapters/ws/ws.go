// Package ws adapts a gorilla websocket connection to the core.Transport
// contract the connection manager consumes.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/alkl1m/chatclient/internal/core"
)

const (
	writeWait      = 5 * time.Second
	sendBufferSize = 32
)

// Dialer establishes websocket transports.
type Dialer struct {
	HandshakeTimeout time.Duration
}

func (d *Dialer) Dial(ctx context.Context, url string, hooks core.Hooks) (core.Transport, error) {
	wd := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, _, err := wd.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	t := &transport{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
	go t.writePump()
	go t.readPump(hooks)
	log.Info().Str("module", "adapters.ws").Str("url", url).Msg("websocket connected")
	return t, nil
}

type transport struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (t *transport) Send(data []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return core.ErrTransportClosed
	}
	select {
	case t.send <- data:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.send)
	t.mu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "leaving"),
		time.Now().Add(writeWait))
	return t.conn.Close()
}

func (t *transport) writePump() {
	for data := range t.send {
		if err := t.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			log.Error().Err(err).Str("module", "adapters.ws").Msg("writePump set deadline")
			return
		}
		if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Error().Err(err).Str("module", "adapters.ws").Msg("writePump write error")
			return
		}
	}
}

func (t *transport) readPump(hooks core.Hooks) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			t.mu.RLock()
			closed := t.closed
			t.mu.RUnlock()
			if closed {
				return
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				log.Info().Str("module", "adapters.ws").Int("code", ce.Code).Str("reason", ce.Text).Msg("peer closed connection")
				if hooks.OnClose != nil {
					hooks.OnClose(ce.Code, ce.Text)
				}
				return
			}
			log.Warn().Err(err).Str("module", "adapters.ws").Msg("readPump read error")
			if hooks.OnError != nil {
				hooks.OnError(err)
			}
			if hooks.OnClose != nil {
				hooks.OnClose(websocket.CloseAbnormalClosure, err.Error())
			}
			return
		}
		if hooks.OnMessage != nil {
			hooks.OnMessage(data)
		}
	}
}
