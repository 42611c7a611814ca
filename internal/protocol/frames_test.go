package protocol

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantType InboundType
		wantErr  bool
	}{
		{name: "authenticate", raw: `{"type":"authenticate","token":"abc"}`, wantType: TypeAuthenticate},
		{name: "join", raw: `{"type":"join","room":"general"}`, wantType: TypeJoin},
		{name: "send message", raw: `{"type":"send_message","room":"general","body":"hi"}`, wantType: TypeSendMessage},
		{name: "stop typing", raw: `{"type":"stop_typing","room":"general"}`, wantType: TypeStopTyping},
		{name: "send with empty body is decoded", raw: `{"type":"send_message","room":"general"}`, wantType: TypeSendMessage},
		{name: "malformed json", raw: `{"type":`, wantErr: true},
		{name: "missing type", raw: `{"room":"general"}`, wantErr: true},
		{name: "unknown type", raw: `{"type":"shout","room":"general"}`, wantErr: true},
		{name: "authenticate without token", raw: `{"type":"authenticate"}`, wantErr: true},
		{name: "join without room", raw: `{"type":"join"}`, wantErr: true},
		{name: "room too long", raw: fmt.Sprintf(`{"type":"join","room":%q}`, strings.Repeat("r", MaxRoomIDLength+1)), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := DecodeInbound([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrProtocol)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, in.Type)
		})
	}
}

func TestErrorIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("hub: %w", NewError(KindRateLimited, "slow down"))

	assert.ErrorIs(t, err, ErrRateLimited)
	assert.NotErrorIs(t, err, ErrPersistence)
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(KindPersistence, cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Nil(t, Wrap(KindPersistence, nil))
}

func TestNewErrorFrameRoundsRetryAfterUp(t *testing.T) {
	err := &Error{Kind: KindRateLimited, Detail: "message budget exhausted", RetryAfter: 1500 * time.Microsecond}

	frame := NewErrorFrame(err)

	assert.Equal(t, TypeError, frame.Type)
	assert.Equal(t, KindRateLimited, frame.Kind)
	assert.Equal(t, "message budget exhausted", frame.Detail)
	assert.Equal(t, int64(2), frame.RetryAfterMS)
}

func TestEncodeDecodeFrame(t *testing.T) {
	msg := Message{ID: "m1", Room: "general", Sender: User{ID: "u1", Name: "Ann"}, Body: "hi", Sequence: 7}

	raw, err := Encode(NewMessageDelivered(msg))
	require.NoError(t, err)

	frame, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, TypeMessageDelivered, frame.Type)
	assert.Equal(t, uint64(7), frame.Sequence)
	require.NotNil(t, frame.Message)
	assert.Equal(t, "hi", frame.Message.Body)
}
