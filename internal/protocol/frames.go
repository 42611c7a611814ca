package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

// InboundType discriminates client to server frames.
type InboundType string

// Inbound frame types. Authenticate is only valid as the first frame.
const (
	TypeAuthenticate InboundType = "authenticate"
	TypeJoin         InboundType = "join"
	TypeLeave        InboundType = "leave"
	TypeSendMessage  InboundType = "send_message"
	TypeTyping       InboundType = "typing"
	TypeStopTyping   InboundType = "stop_typing"
)

// OutboundType discriminates server to client frames.
type OutboundType string

// Outbound frame types.
const (
	TypeAuthenticated    OutboundType = "authenticated"
	TypeMessageDelivered OutboundType = "message_delivered"
	TypeUserJoined       OutboundType = "user_joined"
	TypeUserLeft         OutboundType = "user_left"
	TypeTypingUpdate     OutboundType = "typing_update"
	TypeError            OutboundType = "error"
)

// Inbound is a decoded client frame.
type Inbound struct {
	Type  InboundType `json:"type"`
	Token string      `json:"token,omitempty"`
	Room  string      `json:"room,omitempty"`
	Body  string      `json:"body,omitempty"`
}

// DecodeInbound parses and validates one client frame. Any failure is a
// ProtocolError, which closes the connection.
func DecodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, Wrap(KindProtocol, err)
	}

	switch in.Type {
	case TypeAuthenticate:
		if in.Token == "" {
			return Inbound{}, NewError(KindProtocol, "authenticate frame requires a token")
		}
		return in, nil
	case TypeJoin, TypeLeave, TypeSendMessage, TypeTyping, TypeStopTyping:
		if err := ValidateRoomID(in.Room); err != nil {
			return Inbound{}, err
		}
		return in, nil
	case "":
		return Inbound{}, NewError(KindProtocol, "frame is missing a type")
	default:
		return Inbound{}, NewError(KindProtocol, "unknown frame type %q", in.Type)
	}
}

// ValidateRoomID checks the room identifier bounds.
func ValidateRoomID(room string) error {
	if room == "" {
		return NewError(KindProtocol, "room is required")
	}
	if len(room) > MaxRoomIDLength {
		return NewError(KindProtocol, "room exceeds %d bytes", MaxRoomIDLength)
	}
	return nil
}

// Authenticated acknowledges a successful Authenticate frame.
type Authenticated struct {
	Type       OutboundType `json:"type"`
	User       User         `json:"user"`
	Connection uint64       `json:"connection"`
}

// MessageDelivered carries a persisted message to a room member.
type MessageDelivered struct {
	Type     OutboundType `json:"type"`
	Room     string       `json:"room"`
	Message  Message      `json:"message"`
	Sequence uint64       `json:"sequence"`
}

// MembershipChanged is sent as user_joined or user_left.
type MembershipChanged struct {
	Type OutboundType `json:"type"`
	Room string       `json:"room"`
	User User         `json:"user"`
}

// TypingUpdate reports a typing flag change in a room.
type TypingUpdate struct {
	Type   OutboundType `json:"type"`
	Room   string       `json:"room"`
	User   User         `json:"user"`
	Active bool         `json:"active"`
}

// ErrorFrame reports a failure to the session that triggered it.
type ErrorFrame struct {
	Type         OutboundType `json:"type"`
	Kind         ErrorKind    `json:"kind"`
	Detail       string       `json:"detail,omitempty"`
	RetryAfterMS int64        `json:"retry_after_ms,omitempty"`
}

// NewAuthenticated acknowledges the handshake of connection conn.
func NewAuthenticated(user User, conn uint64) Authenticated {
	return Authenticated{Type: TypeAuthenticated, User: user, Connection: conn}
}

// NewMessageDelivered wraps a stored message for fan-out.
func NewMessageDelivered(msg Message) MessageDelivered {
	return MessageDelivered{Type: TypeMessageDelivered, Room: msg.Room, Message: msg, Sequence: msg.Sequence}
}

// NewUserJoined announces user entering room.
func NewUserJoined(room string, user User) MembershipChanged {
	return MembershipChanged{Type: TypeUserJoined, Room: room, User: user}
}

// NewUserLeft announces user leaving room.
func NewUserLeft(room string, user User) MembershipChanged {
	return MembershipChanged{Type: TypeUserLeft, Room: room, User: user}
}

// NewTypingUpdate reports a typing flag of user in room starting or stopping.
func NewTypingUpdate(room string, user User, active bool) TypingUpdate {
	return TypingUpdate{Type: TypeTypingUpdate, Room: room, User: user, Active: active}
}

// NewErrorFrame converts err into an error frame. Retry hints are rounded up
// to whole milliseconds so a positive hint never encodes as zero.
func NewErrorFrame(err error) ErrorFrame {
	frame := ErrorFrame{Type: TypeError, Kind: KindOf(err), Detail: err.Error()}
	var pe *Error
	if errors.As(err, &pe) {
		frame.Detail = pe.Detail
		if pe.RetryAfter > 0 {
			frame.RetryAfterMS = int64((pe.RetryAfter + time.Millisecond - 1) / time.Millisecond)
		}
	}
	return frame
}

// Encode marshals an outbound frame.
func Encode(frame any) ([]byte, error) {
	return json.Marshal(frame)
}

// Frame is a union of every outbound field, for clients that decode frames
// without knowing their type in advance.
type Frame struct {
	Type         OutboundType `json:"type"`
	Room         string       `json:"room,omitempty"`
	User         *User        `json:"user,omitempty"`
	Message      *Message     `json:"message,omitempty"`
	Sequence     uint64       `json:"sequence,omitempty"`
	Active       bool         `json:"active,omitempty"`
	Connection   uint64       `json:"connection,omitempty"`
	Kind         ErrorKind    `json:"kind,omitempty"`
	Detail       string       `json:"detail,omitempty"`
	RetryAfterMS int64        `json:"retry_after_ms,omitempty"`
}

// DecodeFrame parses any outbound frame into a Frame.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}
