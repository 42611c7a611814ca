// Package chat coordinates live chat connections: the Hub routes client
// intents through rate limiting into the room registry and presence tracker,
// and Sessions bridge WebSocket links to the Hub.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/Tyrowin/chathub/internal/presence"
	"github.com/Tyrowin/chathub/internal/protocol"
	"github.com/Tyrowin/chathub/internal/ratelimit"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrClosed is the kill reason of a connection closed without a more
	// specific cause.
	ErrClosed = errors.New("chat: connection closed")
	// ErrShutdown is the kill reason of connections closed by Hub.Shutdown.
	ErrShutdown = errors.New("chat: hub shutting down")
)

// MessageStore is the durable store collaborator. Persist must store the
// message with its sequence number; LastSequence returns the highest stored
// sequence of a room, or 0.
type MessageStore interface {
	Persist(ctx context.Context, msg protocol.Message) (string, error)
	LastSequence(ctx context.Context, room string) (uint64, error)
}

// Verifier resolves an authentication token to a user.
type Verifier interface {
	Verify(ctx context.Context, token string) (protocol.User, error)
}

// StatusSink mirrors online/offline transitions to an external system.
type StatusSink interface {
	SetOnline(ctx context.Context, user protocol.User) error
	SetOffline(ctx context.Context, user protocol.User) error
}

// EventSink receives every delivered message payload in per-room sequence
// order. It is called while the room is locked and must not block.
type EventSink interface {
	PublishRoomEvent(room string, seq uint64, payload []byte) error
}

// Hub is the top-level coordinator. It owns the room registry and the
// presence tracker; all shared state changes go through its methods.
type Hub struct {
	cfg      Config
	rooms    *Registry
	presence *presence.Tracker
	store    MessageStore
	verifier Verifier
	status   StatusSink
	events   EventSink
	log      *slog.Logger
	now      func() time.Time

	nextConnID atomic.Uint64

	mutex    sync.RWMutex
	conns    map[uint64]*Connection
	sessions map[*Session]struct{}

	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	running      atomic.Bool
	done         chan struct{}
	shutdownOnce sync.Once
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Hub) {
		h.log = log
	}
}

// WithStatusSink mirrors presence transitions to sink.
func WithStatusSink(sink StatusSink) Option {
	return func(h *Hub) {
		h.status = sink
	}
}

// WithEventSink relays delivered messages to sink.
func WithEventSink(sink EventSink) Option {
	return func(h *Hub) {
		h.events = sink
	}
}

// WithClock overrides the time source used for timestamps, typing expiry and
// rate limiting.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) {
		h.now = now
	}
}

// NewHub creates a Hub. The returned Hub accepts connections immediately;
// Run must be started for typing flags to be swept.
func NewHub(cfg Config, store MessageStore, verifier Verifier, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      cfg.sanitize(),
		store:    store,
		verifier: verifier,
		log:      slog.Default(),
		now:      time.Now,
		conns:    make(map[uint64]*Connection),
		sessions: make(map[*Session]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.presence = presence.NewTracker(presence.WithClock(h.now))
	var seed SequenceSeed
	if store != nil {
		seed = store.LastSequence
	}
	h.rooms = NewRegistry(seed, h.relay, h.log)
	return h
}

// Run sweeps expired typing flags until the hub is shut down. It should be
// called in its own goroutine.
func (h *Hub) Run() {
	h.running.Store(true)
	defer close(h.done)

	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownSessions()
			return
		case <-ticker.C:
			h.SweepTyping()
		}
	}
}

// Serve runs a Session over an upgraded WebSocket connection. The session
// goroutine is tracked so Shutdown can wait for it.
func (h *Hub) Serve(ws *websocket.Conn, addr string) {
	s := newSession(h, ws, addr)

	h.mutex.Lock()
	if h.ctx.Err() != nil {
		h.mutex.Unlock()
		s.closeTransport()
		return
	}
	h.sessions[s] = struct{}{}
	h.wg.Add(1)
	h.mutex.Unlock()

	go func() {
		defer h.wg.Done()
		defer func() {
			h.mutex.Lock()
			delete(h.sessions, s)
			h.mutex.Unlock()
		}()
		s.Run(h.ctx)
	}()
}

// Connect registers an authenticated user and returns its Connection. The
// user is announced online on its first connection.
func (h *Hub) Connect(user protocol.User, addr string) (*Connection, error) {
	id := h.nextConnID.Add(1)
	limits := ratelimit.NewSet(h.cfg.RateLimits, ratelimit.WithClock(h.now))
	c := newConnection(id, user, addr, h.cfg.QueueSize, limits)

	h.mutex.Lock()
	if h.ctx.Err() != nil {
		h.mutex.Unlock()
		return nil, ErrShutdown
	}
	h.conns[id] = c
	clientCount := len(h.conns)
	h.wg.Add(1)
	h.mutex.Unlock()

	if h.presence.Register(user, id) {
		h.mirrorStatus(user, true)
	}
	h.log.Info("Client registered",
		"connection", id, "user", user.ID, "addr", addr, "total_clients", clientCount)

	go func() {
		defer h.wg.Done()
		<-c.Done()
		h.Disconnect(c, c.Err())
	}()
	return c, nil
}

// Disconnect tears a connection down: it stops accepting outbound frames,
// leaves every joined room, then deregisters from presence. It is safe to
// call more than once.
func (h *Hub) Disconnect(c *Connection, reason error) {
	if reason == nil {
		reason = ErrClosed
	}
	c.Kill(reason)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	c.rooms = make(map[string]struct{})
	c.mu.Unlock()

	for _, room := range rooms {
		h.leaveRoom(c, room)
	}

	h.mutex.Lock()
	delete(h.conns, c.id)
	clientCount := len(h.conns)
	h.mutex.Unlock()

	if h.presence.Deregister(c.user.ID, c.id) {
		h.mirrorStatus(c.user, false)
	}

	attrs := []any{"connection", c.id, "user", c.user.ID, "addr", c.addr, "total_clients", clientCount}
	if errors.Is(c.Err(), protocol.ErrSlowConsumer) {
		h.log.Warn("Client removed as slow consumer", attrs...)
		return
	}
	h.log.Info("Client unregistered", append(attrs, "reason", c.Err())...)
}

// Dispatch routes one decoded inbound frame. The returned error is meant for
// the triggering session only. A killed connection is draining and gets
// ErrClosed for every frame. Presence activity is only refreshed by frames
// that were accepted.
func (h *Hub) Dispatch(ctx context.Context, c *Connection, in protocol.Inbound) error {
	if c.Err() != nil {
		return ErrClosed
	}

	var err error
	switch in.Type {
	case protocol.TypeJoin:
		err = h.Join(c, in.Room)
	case protocol.TypeLeave:
		err = h.Leave(c, in.Room)
	case protocol.TypeSendMessage:
		_, err = h.SendMessage(ctx, c, in.Room, in.Body)
	case protocol.TypeTyping:
		err = h.Typing(c, in.Room)
	case protocol.TypeStopTyping:
		err = h.StopTyping(c, in.Room)
	case protocol.TypeAuthenticate:
		err = protocol.NewError(protocol.KindProtocol, "connection is already authenticated")
	default:
		err = protocol.NewError(protocol.KindProtocol, "unknown frame type %q", in.Type)
	}
	if err != nil {
		return err
	}
	h.presence.Touch(c.user.ID)
	return nil
}

// Join adds c to room after a membership rate check and announces it to the
// members already present. Joining a room twice is a no-op.
func (h *Hub) Join(c *Connection, room string) error {
	if err := protocol.ValidateRoomID(room); err != nil {
		return err
	}
	if err := c.limits.Check(ratelimit.ClassMembership); err != nil {
		h.log.Info("Rate limit exceeded", "connection", c.id, "class", ratelimit.ClassMembership, "room", room)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if h.rooms.Join(room, c) {
		h.log.Debug("Client joined room", "connection", c.id, "user", c.user.ID, "room", room)
	}
	c.rooms[room] = struct{}{}
	return nil
}

// Leave removes c from room. It is never rate limited so membership cannot
// get stuck, and leaving a room that was not joined is a no-op.
func (h *Hub) Leave(c *Connection, room string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.rooms[room]; !ok {
		return nil
	}
	delete(c.rooms, room)
	h.leaveRoom(c, room)
	return nil
}

// leaveRoom removes c from room. Typing flags are per user, so they survive
// while another connection of the same user is still in the room.
func (h *Hub) leaveRoom(c *Connection, room string) {
	left, userRemains := h.rooms.Leave(room, c)
	if left {
		h.log.Debug("Client left room", "connection", c.id, "user", c.user.ID, "room", room)
	}
	if userRemains {
		return
	}
	if h.presence.ClearTyping(c.user.ID, room) {
		h.notify(room, protocol.NewTypingUpdate(room, c.user, false), c)
	}
}

// SendMessage persists body as the next message of room and delivers it to
// every member, the sender included. Nothing is delivered and the room
// sequence is unchanged when persistence fails.
func (h *Hub) SendMessage(ctx context.Context, c *Connection, room, body string) (protocol.Message, error) {
	if err := c.limits.Check(ratelimit.ClassMessage); err != nil {
		rule, _ := c.limits.Rule(ratelimit.ClassMessage)
		h.log.Info("Rate limit exceeded; discarding message",
			"connection", c.id, "addr", c.addr, "burst", rule.Burst, "interval", rule.RefillInterval)
		return protocol.Message{}, err
	}
	if err := h.validateBody(body); err != nil {
		return protocol.Message{}, err
	}

	var msg protocol.Message
	seq, err := h.rooms.Publish(ctx, room, c, func(seq uint64) ([]byte, error) {
		msg = protocol.Message{
			ID:       uuid.NewString(),
			Room:     room,
			Sender:   c.user,
			Body:     body,
			SentAt:   h.now().UTC(),
			Sequence: seq,
		}
		if err := h.persist(ctx, &msg); err != nil {
			return nil, err
		}
		return protocol.Encode(protocol.NewMessageDelivered(msg))
	})
	if err != nil {
		if errors.Is(err, protocol.ErrPersistence) {
			h.log.Error("Message not persisted; not broadcasting", "room", room, "connection", c.id, "error", err)
		}
		return protocol.Message{}, err
	}
	h.log.Debug("Broadcast message", "room", room, "sequence", seq, "connection", c.id)

	if h.presence.ClearTyping(c.user.ID, room) {
		h.notify(room, protocol.NewTypingUpdate(room, c.user, false), c)
	}
	return msg, nil
}

func (h *Hub) persist(ctx context.Context, msg *protocol.Message) error {
	if h.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.PersistTimeout)
	defer cancel()

	id, err := h.store.Persist(ctx, *msg)
	if err != nil {
		return protocol.Wrap(protocol.KindPersistence, err)
	}
	if id != "" {
		msg.ID = id
	}
	return nil
}

func (h *Hub) validateBody(body string) error {
	if strings.TrimSpace(body) == "" {
		return protocol.NewError(protocol.KindInvalidMessage, "message content cannot be empty")
	}
	if !utf8.ValidString(body) {
		return protocol.NewError(protocol.KindInvalidMessage, "message content must be valid UTF-8")
	}
	if n := utf8.RuneCountInString(body); n > h.cfg.MaxBodyLength {
		return protocol.NewError(protocol.KindInvalidMessage, "message exceeds maximum length of %d characters", h.cfg.MaxBodyLength)
	}
	return nil
}

// Typing records that c's user is typing in room and announces it to the
// other members when the flag is new. Repeated calls act as heartbeats.
func (h *Hub) Typing(c *Connection, room string) error {
	if err := c.limits.Check(ratelimit.ClassTyping); err != nil {
		return err
	}
	if !c.InRoom(room) {
		return protocol.NewError(protocol.KindNotMember, "not a member of room %q", room)
	}
	if h.presence.SetTyping(c.user, room, h.cfg.TypingTTL) {
		h.notify(room, protocol.NewTypingUpdate(room, c.user, true), c)
	}
	return nil
}

// StopTyping clears the typing flag early. The TTL still applies when a
// client never sends it.
func (h *Hub) StopTyping(c *Connection, room string) error {
	if h.presence.ClearTyping(c.user.ID, room) {
		h.notify(room, protocol.NewTypingUpdate(room, c.user, false), c)
	}
	return nil
}

// SweepTyping clears expired typing flags and announces each stop.
func (h *Hub) SweepTyping() int {
	expired := h.presence.Sweep()
	for _, flag := range expired {
		h.notify(flag.Room, protocol.NewTypingUpdate(flag.Room, flag.User, false), nil)
	}
	return len(expired)
}

func (h *Hub) notify(room string, frame any, except *Connection) {
	payload := encodeOrNil(h.log, frame)
	if payload == nil {
		return
	}
	h.rooms.Notify(room, payload, except)
}

func (h *Hub) relay(room string, seq uint64, payload []byte) {
	if h.events == nil {
		return
	}
	if err := h.events.PublishRoomEvent(room, seq, payload); err != nil {
		h.log.Warn("Error relaying room event", "room", room, "sequence", seq, "error", err)
	}
}

func (h *Hub) mirrorStatus(user protocol.User, online bool) {
	if h.status == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StatusTimeout)
	defer cancel()

	var err error
	if online {
		err = h.status.SetOnline(ctx, user)
	} else {
		err = h.status.SetOffline(ctx, user)
	}
	if err != nil {
		h.log.Warn("Error mirroring presence status", "user", user.ID, "online", online, "error", err)
	}
}

// Members lists the distinct users with a live connection in room.
func (h *Hub) Members(room string) []protocol.User {
	conns := h.rooms.Members(room)
	seen := make(map[string]struct{}, len(conns))
	users := make([]protocol.User, 0, len(conns))
	for _, c := range conns {
		if _, ok := seen[c.user.ID]; ok {
			continue
		}
		seen[c.user.ID] = struct{}{}
		users = append(users, c.user)
	}
	return users
}

// Rooms lists live rooms.
func (h *Hub) Rooms() []string {
	return h.rooms.Rooms()
}

// PresenceInfo summarizes a user's live presence.
type PresenceInfo struct {
	UserID      string    `json:"user_id"`
	Online      bool      `json:"online"`
	Connections int       `json:"connections"`
	LastActive  time.Time `json:"last_active,omitzero"`
}

// Presence reports whether userID is online and through how many connections.
func (h *Hub) Presence(userID string) PresenceInfo {
	info := PresenceInfo{UserID: userID}
	last, ok := h.presence.LastActive(userID)
	if !ok {
		return info
	}
	info.Online = true
	info.LastActive = last
	info.Connections = len(h.presence.Connections(userID))
	return info
}

// OnlineUsers lists online users.
func (h *Hub) OnlineUsers() []protocol.User {
	return h.presence.OnlineUsers()
}

// TypingIn lists users currently typing in room.
func (h *Hub) TypingIn(room string) []protocol.User {
	return h.presence.Typing(room)
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.conns)
}

// shutdownSessions kills every connection so sessions start draining.
func (h *Hub) shutdownSessions() {
	h.shutdownOnce.Do(func() {
		h.log.Info("Shutting down all client connections...")

		h.mutex.RLock()
		conns := make([]*Connection, 0, len(h.conns))
		for _, c := range h.conns {
			conns = append(conns, c)
		}
		h.mutex.RUnlock()

		for _, c := range conns {
			c.Kill(ErrShutdown)
		}
		h.log.Info("Signalled client connections to drain", "count", len(conns))
	})
}

// Shutdown stops accepting connections, lets every session drain its queue,
// and waits for them to close. Sessions still open at the deadline are
// force-closed and context.DeadlineExceeded is returned.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")

	h.mutex.Lock()
	h.cancel()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mutex.Unlock()

	h.shutdownSessions()
	if h.running.Load() {
		<-h.done
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range sessions {
		g.Go(func() error {
			return s.Wait(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range sessions {
			s.closeTransport()
		}
		h.log.Warn("Hub shutdown timeout reached, force-closed remaining sessions")
		return context.DeadlineExceeded
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-ctx.Done():
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
