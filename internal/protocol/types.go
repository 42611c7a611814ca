// Package protocol defines the wire frames, domain values, and error kinds
// shared by the hub, its sessions, and the durable store.
package protocol

import "time"

// MaxRoomIDLength bounds the size of a room identifier in bytes.
const MaxRoomIDLength = 128

// User is the identity resolved from an authentication token. It is owned by
// the external account service and carried here by value.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Message is a chat message as persisted and as delivered to room members.
// Sequence is assigned per room and is the ordering key for delivery and
// history.
type Message struct {
	ID       string    `json:"id"`
	Room     string    `json:"room"`
	Sender   User      `json:"sender"`
	Body     string    `json:"body"`
	SentAt   time.Time `json:"sent_at"`
	Sequence uint64    `json:"sequence"`
}
