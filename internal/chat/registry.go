package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/Tyrowin/chathub/internal/protocol"
)

// SequenceSeed returns the last sequence number already used in a room, so
// a room recreated after eviction or restart continues where it left off.
type SequenceSeed func(ctx context.Context, room string) (uint64, error)

// FanoutObserver sees every sequenced payload after it has been fanned out,
// in sequence order. It runs under the room lock and must not block.
type FanoutObserver func(room string, seq uint64, payload []byte)

// room is the live membership of one room. Its mutex serializes joins,
// leaves and broadcasts, which makes membership snapshots and sequence
// assignment atomic with respect to each other.
type room struct {
	id      string
	mu      sync.Mutex
	members map[uint64]*Connection
	seq     uint64
	seeded  bool
	evicted bool
}

// hasUser reports whether a member other than except belongs to userID.
func (rm *room) hasUser(userID string, except uint64) bool {
	for id, member := range rm.members {
		if id != except && member.user.ID == userID {
			return true
		}
	}
	return false
}

// Registry maps room ids to live rooms. The registry lock only guards the
// map; it is never held together with a room lock.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]*room
	seed     SequenceSeed
	observer FanoutObserver
	log      *slog.Logger
}

// NewRegistry creates an empty registry. seed may be nil, in which case
// sequences restart at 1 whenever a room is recreated.
func NewRegistry(seed SequenceSeed, observer FanoutObserver, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		rooms:    make(map[string]*room),
		seed:     seed,
		observer: observer,
		log:      log,
	}
}

// acquire returns the room locked, or nil if it does not exist and create is
// false. A room that was evicted between lookup and lock is retried.
func (r *Registry) acquire(id string, create bool) *room {
	for {
		r.mu.RLock()
		rm := r.rooms[id]
		r.mu.RUnlock()

		if rm == nil {
			if !create {
				return nil
			}
			r.mu.Lock()
			rm = r.rooms[id]
			if rm == nil {
				rm = &room{id: id, members: make(map[uint64]*Connection)}
				r.rooms[id] = rm
			}
			r.mu.Unlock()
		}

		rm.mu.Lock()
		if !rm.evicted {
			return rm
		}
		rm.mu.Unlock()
		r.evict(rm)
	}
}

// evict removes rm from the map if it is still the mapped instance.
func (r *Registry) evict(rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
}

// Join adds c to the room, creating the room if needed. The members already
// present are told about the user only when it is the user's first
// connection in the room. It reports whether c was newly added; joining
// twice is a no-op.
func (r *Registry) Join(id string, c *Connection) bool {
	rm := r.acquire(id, true)
	defer rm.mu.Unlock()

	if _, ok := rm.members[c.id]; ok {
		return false
	}
	if !rm.hasUser(c.user.ID, c.id) {
		r.fanout(rm, encodeOrNil(r.log, protocol.NewUserJoined(id, c.user)), nil)
	}
	rm.members[c.id] = c
	return true
}

// Leave removes c from the room. The remaining members are told the user
// left only when none of the user's other connections is still in the room;
// userRemains reports that case. The room is evicted as soon as it is empty.
func (r *Registry) Leave(id string, c *Connection) (left, userRemains bool) {
	rm := r.acquire(id, false)
	if rm == nil {
		return false, false
	}

	if _, ok := rm.members[c.id]; !ok {
		rm.mu.Unlock()
		return false, false
	}
	delete(rm.members, c.id)

	if len(rm.members) == 0 {
		rm.evicted = true
		rm.mu.Unlock()
		r.evict(rm)
		return true, false
	}

	userRemains = rm.hasUser(c.user.ID, c.id)
	if !userRemains {
		r.fanout(rm, encodeOrNil(r.log, protocol.NewUserLeft(id, c.user)), nil)
	}
	rm.mu.Unlock()
	return true, userRemains
}

// Prepare builds the payload for sequence seq, typically persisting the
// message first. Returning an error aborts the broadcast and leaves the room
// sequence unchanged. A PersistenceError also makes the next Publish re-read
// the stored sequence, since the write may have landed before it failed.
type Prepare func(seq uint64) ([]byte, error)

// Publish assigns the next sequence number of the room, lets prepare build
// the payload, and fans it out to every current member. The sender, when not
// nil, must be a member. It fails with RoomNotFound when the room has no
// members.
func (r *Registry) Publish(ctx context.Context, id string, sender *Connection, prepare Prepare) (uint64, error) {
	rm := r.acquire(id, false)
	if rm == nil {
		return 0, protocol.NewError(protocol.KindRoomNotFound, "room %q has no members", id)
	}
	defer rm.mu.Unlock()

	if len(rm.members) == 0 {
		invariant(r.log, "live room has no members", "room", id)
		return 0, protocol.NewError(protocol.KindRoomNotFound, "room %q has no members", id)
	}
	if sender != nil {
		if _, ok := rm.members[sender.id]; !ok {
			return 0, protocol.NewError(protocol.KindNotMember, "not a member of room %q", id)
		}
	}

	if !rm.seeded {
		if r.seed != nil {
			last, err := r.seed(ctx, id)
			if err != nil {
				return 0, protocol.Wrap(protocol.KindPersistence, err)
			}
			rm.seq = max(rm.seq, last)
		}
		rm.seeded = true
	}

	next := rm.seq + 1
	payload, err := prepare(next)
	if err != nil {
		if errors.Is(err, protocol.ErrPersistence) {
			rm.seeded = false
		}
		return 0, err
	}
	rm.seq = next

	r.fanout(rm, payload, nil)
	if r.observer != nil {
		r.observer(id, next, payload)
	}
	return next, nil
}

// Notify fans an unsequenced event out to the room, skipping except. It
// shares the ordering path of Publish. It returns the number of members the
// payload was queued for.
func (r *Registry) Notify(id string, payload []byte, except *Connection) int {
	rm := r.acquire(id, false)
	if rm == nil {
		return 0
	}
	defer rm.mu.Unlock()

	return r.fanout(rm, payload, except)
}

// fanout queues payload for every member except one. Members whose queue is
// full are killed by enqueue; their removal happens asynchronously so the
// room lock is never held across a disconnect.
func (r *Registry) fanout(rm *room, payload []byte, except *Connection) int {
	if payload == nil {
		return 0
	}
	delivered := 0
	for _, member := range rm.members {
		if except != nil && member.id == except.id {
			continue
		}
		if member.enqueue(payload) {
			delivered++
			continue
		}
		r.log.Warn("Dropping slow consumer from room",
			"room", rm.id, "connection", member.id, "user", member.user.ID, "addr", member.addr)
	}
	return delivered
}

// Members returns the connections currently in the room, ordered by id.
func (r *Registry) Members(id string) []*Connection {
	rm := r.acquire(id, false)
	if rm == nil {
		return nil
	}
	defer rm.mu.Unlock()

	members := make([]*Connection, 0, len(rm.members))
	for _, c := range rm.members {
		members = append(members, c)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].id < members[j].id })
	return members
}

// Sequence returns the last sequence number assigned in a live room.
func (r *Registry) Sequence(id string) (uint64, bool) {
	rm := r.acquire(id, false)
	if rm == nil {
		return 0, false
	}
	defer rm.mu.Unlock()
	return rm.seq, true
}

// Rooms lists live room ids in lexical order.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func encodeOrNil(log *slog.Logger, frame any) []byte {
	payload, err := protocol.Encode(frame)
	if err != nil {
		log.Error("Error encoding frame", "error", err)
		return nil
	}
	return payload
}
