// Package presence tracks which users are online, through which connections,
// and who is currently typing in which room.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/Tyrowin/chathub/internal/protocol"
)

// TypingFlag is a typing indicator with its expiry.
type TypingFlag struct {
	User      protocol.User
	Room      string
	ExpiresAt time.Time
}

type entry struct {
	user       protocol.User
	conns      map[uint64]struct{}
	lastActive time.Time
	typing     map[string]time.Time
}

// Tracker maps users to their live connections and typing flags. A user is
// online while at least one connection is registered.
type Tracker struct {
	mu    sync.Mutex
	users map[string]*entry
	now   func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker returns an empty Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		users: make(map[string]*entry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register records a live connection for user and reports whether the user
// just came online.
func (t *Tracker) Register(user protocol.User, connID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[user.ID]
	if !ok {
		e = &entry{
			user:   user,
			conns:  make(map[uint64]struct{}),
			typing: make(map[string]time.Time),
		}
		t.users[user.ID] = e
	}
	e.conns[connID] = struct{}{}
	e.lastActive = t.now()
	return !ok
}

// Deregister removes a connection and reports whether the user went offline.
// Going offline drops every typing flag the user held.
func (t *Tracker) Deregister(userID string, connID uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[userID]
	if !ok {
		return false
	}
	if _, ok := e.conns[connID]; !ok {
		return false
	}
	delete(e.conns, connID)
	if len(e.conns) > 0 {
		return false
	}
	delete(t.users, userID)
	return true
}

// Touch refreshes the user's last activity timestamp.
func (t *Tracker) Touch(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.users[userID]; ok {
		e.lastActive = t.now()
	}
}

// SetTyping sets or refreshes the typing flag of user in room, and reports
// whether a new flag was created. Refreshing a flag that has expired but not
// yet been swept counts as a refresh: no stop was announced for it. Offline
// users cannot type.
func (t *Tracker) SetTyping(user protocol.User, room string, ttl time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[user.ID]
	if !ok {
		return false
	}
	now := t.now()
	_, existed := e.typing[room]
	e.typing[room] = now.Add(ttl)
	e.lastActive = now
	return !existed
}

// ClearTyping removes the flag of userID in room and reports whether one was
// present, expired or not, so the caller can announce the stop.
func (t *Tracker) ClearTyping(userID, room string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[userID]
	if !ok {
		return false
	}
	if _, ok := e.typing[room]; !ok {
		return false
	}
	delete(e.typing, room)
	return true
}

// IsTyping reports whether userID holds an unexpired flag in room.
func (t *Tracker) IsTyping(userID, room string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[userID]
	if !ok {
		return false
	}
	expiry, ok := e.typing[room]
	return ok && t.now().Before(expiry)
}

// Typing lists users with an unexpired flag in room, ordered by user id.
func (t *Tracker) Typing(room string) []protocol.User {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var users []protocol.User
	for _, e := range t.users {
		if expiry, ok := e.typing[room]; ok && now.Before(expiry) {
			users = append(users, e.user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// Sweep removes every expired typing flag and returns them.
func (t *Tracker) Sweep() []TypingFlag {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []TypingFlag
	for _, e := range t.users {
		for room, expiry := range e.typing {
			if now.Before(expiry) {
				continue
			}
			delete(e.typing, room)
			expired = append(expired, TypingFlag{User: e.user, Room: room, ExpiresAt: expiry})
		}
	}
	return expired
}

// Online reports whether userID has at least one live connection.
func (t *Tracker) Online(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.users[userID]
	return ok
}

// OnlineUsers lists online users ordered by id.
func (t *Tracker) OnlineUsers() []protocol.User {
	t.mu.Lock()
	defer t.mu.Unlock()

	users := make([]protocol.User, 0, len(t.users))
	for _, e := range t.users {
		users = append(users, e.user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users
}

// Connections lists the live connection ids of userID in ascending order.
func (t *Tracker) Connections(userID string) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[userID]
	if !ok {
		return nil
	}
	ids := make([]uint64, 0, len(e.conns))
	for id := range e.conns {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// LastActive returns the last activity time of an online user.
func (t *Tracker) LastActive(userID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.users[userID]
	if !ok {
		return time.Time{}, false
	}
	return e.lastActive, true
}
