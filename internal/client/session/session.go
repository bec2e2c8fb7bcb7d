// Package session is the client side of the edge protocol: it connects,
// joins rooms, publishes local deltas and reconnects after transport loss.
package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Delve/internal/domain"
	"github.com/dkeye/Delve/internal/proto"
)

var (
	ErrConnectionRefused = errors.New("connection refused")
	ErrTimeout           = errors.New("timeout")
	ErrClosed            = errors.New("session closed")
	ErrNotInRoom         = errors.New("not in a room")
)

type Options struct {
	// JoinTimeout bounds the handshake and every join request.
	JoinTimeout       time.Duration
	WriteTimeout      time.Duration
	ReconnectAttempts int
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration

	// InboxLimit caps undrained inbound envelopes; the oldest are dropped.
	InboxLimit int
	Dialer     *websocket.Dialer
}

func DefaultOptions() Options {
	return Options{
		JoinTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		ReconnectAttempts: 5,
		ReconnectBase:     250 * time.Millisecond,
		ReconnectMax:      8 * time.Second,
		InboxLimit:        4096,
	}
}

type Manager struct {
	opts Options
}

func NewManager(opts Options) *Manager {
	def := DefaultOptions()
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = def.JoinTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.ReconnectAttempts < 0 {
		opts.ReconnectAttempts = 0
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = def.ReconnectBase
	}
	if opts.ReconnectMax < opts.ReconnectBase {
		opts.ReconnectMax = max(def.ReconnectMax, opts.ReconnectBase)
	}
	if opts.InboxLimit <= 0 {
		opts.InboxLimit = def.InboxLimit
	}
	if opts.Dialer == nil {
		d := *websocket.DefaultDialer
		opts.Dialer = &d
	}
	return &Manager{opts: opts}
}

// Connect dials serverURL and completes the hello/welcome handshake.
func (m *Manager) Connect(ctx context.Context, serverURL, displayName string) (*Session, error) {
	conn, welcome, err := m.handshake(ctx, serverURL, displayName)
	if err != nil {
		return nil, err
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		m:      m,
		url:    serverURL,
		name:   displayName,
		ctx:    sctx,
		cancel: cancel,
		states: make(chan StateEvent, 64),
	}
	s.adopt(conn, welcome)
	s.emit(StateEvent{Kind: Connected})
	return s, nil
}

func (m *Manager) handshake(ctx context.Context, serverURL, displayName string) (*websocket.Conn, proto.Welcome, error) {
	ctx, cancel := context.WithTimeout(ctx, m.opts.JoinTimeout)
	defer cancel()

	conn, _, err := m.opts.Dialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		if isTimeout(err) {
			return nil, proto.Welcome{}, fmt.Errorf("dial %s: %w", serverURL, ErrTimeout)
		}
		return nil, proto.Welcome{}, fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}

	deadline, _ := ctx.Deadline()
	hello, err := proto.Marshal(proto.TypeHello, "", proto.Hello{DisplayName: displayName})
	if err == nil {
		_ = conn.SetWriteDeadline(deadline)
		err = conn.WriteMessage(websocket.TextMessage, hello)
	}
	if err != nil {
		conn.Close()
		return nil, proto.Welcome{}, fmt.Errorf("send hello: %w", err)
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			if isTimeout(err) {
				return nil, proto.Welcome{}, fmt.Errorf("handshake: %w", ErrTimeout)
			}
			return nil, proto.Welcome{}, fmt.Errorf("%w: %v", ErrConnectionRefused, err)
		}
		env, err := proto.Decode(data)
		if err != nil {
			continue
		}
		switch env.Type {
		case proto.TypeWelcome:
			w, err := proto.PayloadAs[proto.Welcome](env)
			if err != nil {
				conn.Close()
				return nil, proto.Welcome{}, err
			}
			_ = conn.SetReadDeadline(time.Time{})
			_ = conn.SetWriteDeadline(time.Time{})
			return conn, w, nil
		case proto.TypeError:
			e, _ := proto.PayloadAs[proto.Error](env)
			conn.Close()
			return nil, proto.Welcome{}, fmt.Errorf("%w: handshake rejected: %s", ErrConnectionRefused, e.Error)
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// RoomHandle describes the room a session is in.
type RoomHandle struct {
	RoomID   domain.RoomID
	Seed     int64
	Self     domain.IdentityID
	Host     domain.IdentityID
	Accepted proto.JoinAccepted
}

type Session struct {
	m    *Manager
	url  string
	name string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	identity proto.Welcome
	room     domain.RoomID
	inbox    []proto.Envelope
	joinCh   chan proto.Envelope
	timer    *time.Timer
	closed   bool
	rtt      time.Duration

	writeMu sync.Mutex
	joinMu  sync.Mutex

	statesMu     sync.Mutex
	states       chan StateEvent
	statesClosed bool

	closeOnce sync.Once
}

func (s *Session) Identity() proto.Welcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) Room() domain.RoomID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// RTT is the round trip measured by the last pong.
func (s *Session) RTT() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt
}

// States is closed after Disconnect or once reconnection gives up.
func (s *Session) States() <-chan StateEvent { return s.states }

// adopt installs conn unless the session was closed meanwhile, in which case
// conn is closed and false is returned.
func (s *Session) adopt(conn *websocket.Conn, w proto.Welcome) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return false
	}
	s.conn = conn
	s.identity = w
	s.mu.Unlock()
	log.Info().Str("module", "session").Str("identity", string(w.IdentityID)).Str("name", w.DisplayName).Msg("connected")
	go s.readLoop(conn)
	return true
}

func (s *Session) current() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) emit(ev StateEvent) {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	if s.statesClosed {
		return
	}
	select {
	case s.states <- ev:
	default:
		log.Warn().Str("module", "session").Str("state", ev.Kind.String()).Msg("state stream full, event dropped")
	}
}

func (s *Session) closeStates() {
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	if !s.statesClosed {
		s.statesClosed = true
		close(s.states)
	}
}

// ReportDesync surfaces a reconciliation anomaly on the state stream.
func (s *Session) ReportDesync(reason string) {
	s.emit(StateEvent{Kind: RoomDesync, RoomID: s.Room(), Reason: reason})
}

func (s *Session) send(t proto.Type, room domain.RoomID, payload any) error {
	b, err := proto.Marshal(t, room, payload)
	if err != nil {
		return err
	}
	conn := s.current()
	if conn == nil || s.isClosed() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.m.opts.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, b)
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.isClosed() || s.current() != conn {
				return
			}
			log.Warn().Err(err).Str("module", "session").Msg("transport lost")
			go s.reconnect()
			return
		}
		env, err := proto.Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("module", "session").Msg("malformed frame dropped")
			continue
		}
		s.dispatch(env)
	}
}

func (s *Session) dispatch(env proto.Envelope) {
	switch env.Type {
	case proto.TypeEvent:
		if ev, err := proto.PayloadAs[proto.Event](env); err == nil && ev.EventID != "" {
			if err := s.send(proto.TypeAck, env.RoomID, proto.Ack{EventID: ev.EventID}); err != nil {
				log.Debug().Err(err).Str("module", "session").Msg("ack not sent")
			}
		}
	case proto.TypeJoinAccepted, proto.TypeJoinRejected:
		s.mu.Lock()
		ch := s.joinCh
		s.mu.Unlock()
		if ch != nil {
			select {
			case ch <- env:
			default:
			}
		}
	case proto.TypePong:
		if p, err := proto.PayloadAs[proto.Pong](env); err == nil {
			s.mu.Lock()
			s.rtt = time.Since(time.UnixMilli(p.Sent))
			s.mu.Unlock()
		}
	case proto.TypeLeft:
		s.mu.Lock()
		if env.RoomID == s.room {
			s.room = ""
		}
		s.mu.Unlock()
	}
	if env.Type == proto.TypeJoinRejected {
		return
	}
	s.enqueue(env)
}

func (s *Session) enqueue(env proto.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.inbox = append(s.inbox, env)
	if over := len(s.inbox) - s.m.opts.InboxLimit; over > 0 {
		s.inbox = append(s.inbox[:0:0], s.inbox[over:]...)
		log.Warn().Str("module", "session").Int("dropped", over).Msg("inbox full, oldest dropped")
	}
}

// Drain returns everything received since the last call.
func (s *Session) Drain() []proto.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.inbox
	s.inbox = nil
	return out
}

// CreateOrJoinRoom joins roomCode, or creates a room when it is empty.
func (s *Session) CreateOrJoinRoom(ctx context.Context, roomCode domain.RoomID, seed *int64) (*RoomHandle, error) {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()
	return s.join(ctx, proto.JoinRequest{RoomID: roomCode, Seed: seed, Create: roomCode == ""})
}

func (s *Session) join(ctx context.Context, req proto.JoinRequest) (*RoomHandle, error) {
	ch := make(chan proto.Envelope, 1)
	s.mu.Lock()
	s.joinCh = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.joinCh = nil
		s.mu.Unlock()
	}()

	if err := s.send(proto.TypeJoinRequest, "", req); err != nil {
		return nil, err
	}
	timer := time.NewTimer(s.m.opts.JoinTimeout)
	defer timer.Stop()

	select {
	case env := <-ch:
		if env.Type == proto.TypeJoinRejected {
			rej, _ := proto.PayloadAs[proto.JoinRejected](env)
			return nil, fmt.Errorf("join %q: %w", req.RoomID, proto.ErrorFor(rej.Reason))
		}
		ja, err := proto.PayloadAs[proto.JoinAccepted](env)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.room = ja.RoomID
		s.mu.Unlock()
		log.Info().Str("module", "session").Str("room", string(ja.RoomID)).Int64("seed", ja.Seed).Msg("joined room")
		return &RoomHandle{RoomID: ja.RoomID, Seed: ja.Seed, Self: ja.Self, Host: ja.Host, Accepted: ja}, nil
	case <-timer.C:
		return nil, fmt.Errorf("join %q: %w", req.RoomID, ErrTimeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("join %q: %w", req.RoomID, ErrTimeout)
		}
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrClosed
	}
}

// Leave leaves the current room but keeps the connection.
func (s *Session) Leave() error {
	room := s.Room()
	if room == "" {
		return ErrNotInRoom
	}
	s.mu.Lock()
	s.room = ""
	s.mu.Unlock()
	return s.send(proto.TypeLeave, room, proto.Leave{})
}

func (s *Session) PublishDelta(d proto.Delta) error {
	room := s.Room()
	if room == "" {
		return ErrNotInRoom
	}
	return s.send(proto.TypeDelta, room, d)
}

// PublishEvent sends an event; the server assigns its id.
func (s *Session) PublishEvent(kind proto.EventKind, payload any) error {
	room := s.Room()
	if room == "" {
		return ErrNotInRoom
	}
	ev, err := proto.NewEvent(kind, payload)
	if err != nil {
		return err
	}
	return s.send(proto.TypeEvent, room, ev)
}

func (s *Session) Ping() error {
	return s.send(proto.TypePing, "", proto.Ping{Sent: time.Now().UnixMilli()})
}

// Disconnect leaves the room, stops any pending reconnect and discards
// undrained input. Safe to call more than once.
func (s *Session) Disconnect() {
	s.closeOnce.Do(func() {
		if room := s.Room(); room != "" {
			_ = s.send(proto.TypeLeave, room, proto.Leave{})
		}
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		timer := s.timer
		s.inbox = nil
		s.room = ""
		s.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		s.cancel()
		if conn != nil {
			s.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
			_ = conn.Close()
		}
		s.emit(StateEvent{Kind: Disconnected, Reason: "client disconnect"})
		s.closeStates()
		log.Info().Str("module", "session").Msg("disconnected")
	})
}

func (s *Session) backoff(attempt int) time.Duration {
	d := s.m.opts.ReconnectBase << min(attempt-1, 16)
	if d <= 0 || d > s.m.opts.ReconnectMax {
		d = s.m.opts.ReconnectMax
	}
	// Full jitter over the upper half keeps clients from retrying in step.
	return d/2 + rand.N(d/2+1)
}

func (s *Session) reconnect() {
	s.mu.Lock()
	room := s.room
	old := s.conn
	s.conn = nil
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	for attempt := 1; attempt <= s.m.opts.ReconnectAttempts; attempt++ {
		s.emit(StateEvent{Kind: Reconnecting, RoomID: room, Attempt: attempt})
		t := time.NewTimer(s.backoff(attempt))
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			t.Stop()
			return
		}
		s.timer = t
		s.mu.Unlock()

		select {
		case <-s.ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		conn, welcome, err := s.m.handshake(s.ctx, s.url, s.name)
		if err != nil {
			log.Warn().Err(err).Str("module", "session").Int("attempt", attempt).Msg("reconnect failed")
			continue
		}
		if !s.adopt(conn, welcome) {
			return
		}
		s.emit(StateEvent{Kind: Connected, Attempt: attempt})

		if room != "" {
			s.rejoin(room)
		}
		return
	}

	log.Error().Str("module", "session").Int("attempts", s.m.opts.ReconnectAttempts).Msg("giving up reconnecting")
	s.mu.Lock()
	s.closed = true
	s.room = ""
	s.mu.Unlock()
	s.cancel()
	s.emit(StateEvent{Kind: Disconnected, Reason: "reconnect attempts exhausted"})
	s.closeStates()
}

func (s *Session) rejoin(room domain.RoomID) {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()
	s.mu.Lock()
	s.room = ""
	s.mu.Unlock()
	if _, err := s.join(s.ctx, proto.JoinRequest{RoomID: room}); err != nil {
		log.Warn().Err(err).Str("module", "session").Str("room", string(room)).Msg("rejoin failed")
		s.emit(StateEvent{Kind: RoomGone, RoomID: room, Reason: err.Error()})
	}
}
