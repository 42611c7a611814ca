package chat

import (
	"sort"
	"sync"

	"github.com/Tyrowin/chathub/internal/protocol"
	"github.com/Tyrowin/chathub/internal/ratelimit"
)

// Connection is the hub-side state of one authenticated client link: its
// identity, joined rooms, bounded outbound queue and rate-limiter buckets.
// It is owned by one Session and referenced by rooms and presence.
type Connection struct {
	id     uint64
	user   protocol.User
	addr   string
	send   chan []byte
	limits *ratelimit.Set

	killed   chan struct{}
	killOnce sync.Once
	reason   error

	// mu guards rooms and closed. Fan-out never takes it, so it may be held
	// while acquiring a room lock.
	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func newConnection(id uint64, user protocol.User, addr string, queueSize int, limits *ratelimit.Set) *Connection {
	return &Connection{
		id:     id,
		user:   user,
		addr:   addr,
		send:   make(chan []byte, queueSize),
		limits: limits,
		killed: make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
}

// ID returns the process-unique connection id.
func (c *Connection) ID() uint64 { return c.id }

// User returns the authenticated identity.
func (c *Connection) User() protocol.User { return c.user }

// Addr returns the remote address the connection was accepted from.
func (c *Connection) Addr() string { return c.addr }

// GetSendChan returns the outbound queue for reading.
func (c *Connection) GetSendChan() <-chan []byte {
	return c.send
}

// Done is closed once the connection has been killed.
func (c *Connection) Done() <-chan struct{} {
	return c.killed
}

// Err returns why the connection was killed, or nil while it is alive.
func (c *Connection) Err() error {
	select {
	case <-c.killed:
		return c.reason
	default:
		return nil
	}
}

// Send encodes frame and enqueues it without blocking.
func (c *Connection) Send(frame any) error {
	payload, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	if !c.enqueue(payload) {
		if err := c.Err(); err != nil {
			return err
		}
		return protocol.ErrSlowConsumer
	}
	return nil
}

// enqueue offers payload to the outbound queue. A full queue marks the
// connection as a slow consumer and kills it instead of blocking the caller.
func (c *Connection) enqueue(payload []byte) bool {
	select {
	case <-c.killed:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		c.Kill(protocol.NewError(protocol.KindSlowConsumer, "outbound queue full (%d frames)", cap(c.send)))
		return false
	}
}

// Kill marks the connection as terminated. Only the first reason is kept.
func (c *Connection) Kill(reason error) {
	c.killOnce.Do(func() {
		c.reason = reason
		close(c.killed)
	})
}

// Rooms lists joined rooms in lexical order.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]string, 0, len(c.rooms))
	for room := range c.rooms {
		rooms = append(rooms, room)
	}
	sort.Strings(rooms)
	return rooms
}

// InRoom reports whether the connection has joined room.
func (c *Connection) InRoom(room string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.rooms[room]
	return ok
}
