// Package relay publishes delivered room events to NATS so services outside
// the hub (search indexers, notifiers, other hub instances) can follow rooms.
package relay

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix is prepended to the room token of every subject.
const DefaultSubjectPrefix = "chat.room"

// SequenceHeader carries the room sequence number of a relayed event.
const SequenceHeader = "Chat-Sequence"

// NATS publishes room events on core NATS subjects.
type NATS struct {
	conn   *nats.Conn
	prefix string
}

// Connect dials url with reconnects enabled and logs connection changes.
func Connect(url, name string, log *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("Disconnected from NATS", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}

// NewNATS wraps an established connection. An empty prefix selects
// DefaultSubjectPrefix.
func NewNATS(nc *nats.Conn, prefix string) *NATS {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATS{conn: nc, prefix: prefix}
}

// Subject returns the subject events of room are published on.
func (n *NATS) Subject(room string) string {
	return n.prefix + "." + SubjectToken(room)
}

// PublishRoomEvent publishes payload with its sequence header. Core NATS
// publishes are buffered by the client, so this does not block on the
// network.
func (n *NATS) PublishRoomEvent(room string, seq uint64, payload []byte) error {
	msg := nats.NewMsg(n.Subject(room))
	msg.Data = payload
	msg.Header.Set(SequenceHeader, strconv.FormatUint(seq, 10))
	if err := n.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish room event: %w", err)
	}
	return nil
}

// SubjectToken turns a room id into a single subject token. Separators,
// wildcards, whitespace, control bytes and '%' itself are percent-escaped, so
// distinct rooms never share a subject.
func SubjectToken(room string) string {
	if room == "" {
		return "%"
	}
	var b strings.Builder
	b.Grow(len(room))
	for i := 0; i < len(room); i++ {
		c := room[i]
		if c <= ' ' || c == 0x7f || c == '.' || c == '*' || c == '>' || c == '%' {
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

const hexDigits = "0123456789ABCDEF"
