package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/alkl1m/chatclient/internal/core"
	"github.com/alkl1m/chatclient/internal/domain"
	"github.com/alkl1m/chatclient/internal/protocol"
)

var (
	ErrEmptyMessage   = errors.New("empty message")
	ErrEncodeInFlight = errors.New("file encode already in flight")
)

// HistoryFetcher is the read-only channel history collaborator, consumed once
// after the first successful open.
type HistoryFetcher interface {
	Fetch(ctx context.Context, channelID domain.ChannelID) ([]protocol.Envelope, error)
}

// Hooks is the presentation-facing callback surface. OnEvent receives every
// decoded inbound envelope exactly once after deduplication by id.
type Hooks struct {
	OnJoined        func()
	OnEvent         func(env protocol.Envelope)
	OnError         func(err error)
	OnTypingExpired func(nickname string)
	OnClosed        func()
}

// SessionParams bundles everything a session needs at construction.
type SessionParams struct {
	Identity       *domain.Session
	Dialer         core.Dialer
	History        HistoryFetcher
	ServerURL      string
	QueueCapacity  int
	TypingInterval time.Duration
	TypingIdle     time.Duration
	MaxFileBytes   int64
	Reconnect      bool
	Backoff        backoff.BackOff
	RecentSetSize  int
}

// Session coordinates one chat participation: it turns user intents into
// envelopes and inbound envelopes into presentation events.
type Session struct {
	identity *domain.Session
	conn     *ConnManager
	typing   *TypingDebouncer
	encoder  *AttachmentEncoder
	history  HistoryFetcher
	hooks    Hooks
	seen     *recentSet

	ctx    context.Context
	cancel context.CancelFunc

	joined       atomic.Bool
	fileInFlight atomic.Bool
	serverURL    string
}

func NewSession(p SessionParams, hooks Hooks) *Session {
	s := &Session{
		identity:  p.Identity,
		typing:    NewTypingDebouncer(p.TypingInterval, p.TypingIdle, hooks.OnTypingExpired),
		encoder:   NewAttachmentEncoder(p.MaxFileBytes),
		history:   p.History,
		hooks:     hooks,
		seen:      newRecentSet(p.RecentSetSize),
		serverURL: p.ServerURL,
	}
	s.conn = NewConnManager(p.Dialer, NewOutboundQueue(p.QueueCapacity), p.Identity, p.Reconnect, p.Backoff, ConnEvents{
		OnOpen:     s.handleOpen,
		OnEnvelope: s.handleInbound,
		OnError:    s.raiseError,
		OnClosed:   s.handleClosed,
	})
	return s
}

// Join opens the connection and returns immediately; completion arrives via
// OnJoined or OnError. A rejected Join leaves the previous session context
// and its cancel func untouched.
func (s *Session) Join(ctx context.Context) error {
	jctx, cancel := context.WithCancel(ctx)
	prevCtx, prevCancel := s.ctx, s.cancel
	s.ctx, s.cancel = jctx, cancel
	if err := s.conn.Open(jctx, s.serverURL); err != nil {
		s.ctx, s.cancel = prevCtx, prevCancel
		cancel()
		return err
	}
	return nil
}

// SendText builds and sends a CHAT_MESSAGE. Text that trims to empty is
// rejected locally; no envelope is constructed.
func (s *Session) SendText(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	s.conn.Send(protocol.NewChatMessage(string(s.identity.ChannelID), s.identity.Nickname, text))
	return nil
}

// SendFile encodes draft and sends the resulting FILE_MESSAGE. Encoding is
// single-shot: a second call while one is in flight is rejected. Failures
// here never touch the connection state.
func (s *Session) SendFile(draft *FileDraft) error {
	if !s.fileInFlight.CompareAndSwap(false, true) {
		return ErrEncodeInFlight
	}
	defer s.fileInFlight.Store(false)

	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	env, err := s.encoder.Encode(ctx, s.identity, draft)
	if err != nil {
		return err
	}
	s.conn.Send(env)
	return nil
}

// Typing emits a TYPING envelope, debounced to at most one per configured
// interval; calls inside the interval are a no-op.
func (s *Session) Typing() {
	if !s.typing.Allow() {
		return
	}
	s.conn.Send(protocol.NewTyping(string(s.identity.ChannelID), s.identity.Nickname))
}

// Leave tears the session down: the in-flight file read is cancelled, typing
// timers are cleared, still-queued envelopes are discarded, and USER_LEFT is
// the last thing written before the connection reaches CLOSED.
func (s *Session) Leave() {
	if s.cancel != nil {
		s.cancel()
	}
	s.typing.Stop()
	s.conn.Close("leave")
}

func (s *Session) State() core.State {
	return s.conn.State()
}

func (s *Session) handleOpen() {
	if !s.joined.CompareAndSwap(false, true) {
		// Reconnect: presence was re-announced by the connection manager,
		// history was already replayed on the first open.
		return
	}
	if s.history != nil {
		s.replayHistory()
	}
	if s.hooks.OnJoined != nil {
		s.hooks.OnJoined()
	}
}

// replayHistory forwards previously recorded envelopes in server order.
// History entries count as seen, so a late echo of one is not delivered twice.
func (s *Session) replayHistory() {
	events, err := s.history.Fetch(s.ctx, s.identity.ChannelID)
	if err != nil {
		log.Warn().Str("module", "app.session").Err(err).Msg("history fetch failed")
		s.raiseError(err)
		return
	}
	log.Info().Str("module", "app.session").Int("count", len(events)).Msg("replaying channel history")
	for _, env := range events {
		s.deliver(env)
	}
}

func (s *Session) handleInbound(env protocol.Envelope) {
	if env.Type == protocol.TypeTyping {
		s.typing.Touch(env.Nickname)
	}
	s.deliver(env)
}

// deliver hands env to the presentation sink unless its id was seen recently.
func (s *Session) deliver(env protocol.Envelope) {
	if s.seen.Observe(env.ID) {
		log.Debug().Str("module", "app.session").Str("id", env.ID).Msg("suppressed duplicate envelope")
		return
	}
	if s.hooks.OnEvent != nil {
		s.hooks.OnEvent(env)
	}
}

func (s *Session) handleClosed() {
	s.typing.Stop()
	if s.hooks.OnClosed != nil {
		s.hooks.OnClosed()
	}
}

func (s *Session) raiseError(err error) {
	if s.hooks.OnError != nil {
		s.hooks.OnError(err)
	}
}

// recentSet is a bounded set of envelope ids in insertion order. When full,
// the oldest id is forgotten first.
type recentSet struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	cap   int
}

func newRecentSet(capacity int) *recentSet {
	if capacity <= 0 {
		capacity = 512
	}
	return &recentSet{
		ids: make(map[string]struct{}, capacity),
		cap: capacity,
	}
}

// Observe records id and reports whether it was already present.
func (r *recentSet) Observe(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ids[id]; ok {
		return true
	}
	if len(r.order) >= r.cap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.ids, oldest)
	}
	r.ids[id] = struct{}{}
	r.order = append(r.order, id)
	return false
}
