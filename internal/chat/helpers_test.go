package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/chathub/internal/protocol"
	"github.com/stretchr/testify/require"
)

var (
	ann = protocol.User{ID: "u-ann", Name: "Ann"}
	bob = protocol.User{ID: "u-bob", Name: "Bob"}
	cat = protocol.User{ID: "u-cat", Name: "Cat"}
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memStore is an in-memory MessageStore that can be told to fail. Like the
// real stores it rejects a second message with the same room and sequence.
type memStore struct {
	mu            sync.Mutex
	msgs          []protocol.Message
	fail          error
	failCommitted error
}

func (s *memStore) Persist(_ context.Context, msg protocol.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fail != nil {
		return "", s.fail
	}
	for _, m := range s.msgs {
		if m.Room == msg.Room && m.Sequence == msg.Sequence {
			return "", errDuplicateSequence
		}
	}
	s.msgs = append(s.msgs, msg)
	if err := s.failCommitted; err != nil {
		s.failCommitted = nil
		return "", err
	}
	return "", nil
}

func (s *memStore) LastSequence(_ context.Context, room string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last uint64
	for _, m := range s.msgs {
		if m.Room == room && m.Sequence > last {
			last = m.Sequence
		}
	}
	return last, nil
}

func (s *memStore) setFail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// failNextAfterCommit makes the next Persist store the message and still
// report err, as a write that outlives its deadline does.
func (s *memStore) failNextAfterCommit(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCommitted = err
}

func (s *memStore) messages() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.msgs...)
}

// tokenVerifier accepts tokens of the form "token-<user id>".
type tokenVerifier map[string]protocol.User

func (v tokenVerifier) Verify(_ context.Context, token string) (protocol.User, error) {
	user, ok := v[token]
	if !ok {
		return protocol.User{}, protocol.NewError(protocol.KindAuth, "invalid token")
	}
	return user, nil
}

var testVerifier = tokenVerifier{
	"token-ann": ann,
	"token-bob": bob,
	"token-cat": cat,
}

var (
	errStoreDown         = errors.New("store unavailable")
	errDuplicateSequence = errors.New("sequence already stored for room")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T, cfg Config, opts ...Option) (*Hub, *memStore) {
	t.Helper()

	store := &memStore{}
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	hub := NewHub(cfg, store, testVerifier, opts...)
	t.Cleanup(func() {
		_ = hub.Shutdown(2 * time.Second)
	})
	return hub, store
}

func connect(t *testing.T, hub *Hub, user protocol.User) *Connection {
	t.Helper()

	c, err := hub.Connect(user, "127.0.0.1:0")
	require.NoError(t, err)
	return c
}

// drainFrames returns every frame currently queued for c.
func drainFrames(t *testing.T, c *Connection) []protocol.Frame {
	t.Helper()

	var frames []protocol.Frame
	for {
		select {
		case payload := <-c.GetSendChan():
			frame, err := protocol.DecodeFrame(payload)
			require.NoError(t, err)
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

func frameTypes(frames []protocol.Frame) []protocol.OutboundType {
	types := make([]protocol.OutboundType, 0, len(frames))
	for _, f := range frames {
		types = append(types, f.Type)
	}
	return types
}
