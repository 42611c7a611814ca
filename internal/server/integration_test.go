package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/Tyrowin/chathub/internal/chat"
	"github.com/Tyrowin/chathub/internal/protocol"
	"github.com/gorilla/websocket"
)

// TestEndToEndChatFlow connects two clients, exchanges a message, and reads
// it back through the HTTP history endpoint.
func TestEndToEndChatFlow(t *testing.T) {
	env := newTestEnv(t)

	annWS := env.connectAuthenticated(t, "u-ann", "Ann")
	bobWS := env.connectAuthenticated(t, "u-bob", "Bob")

	sendFrame(t, annWS, protocol.Inbound{Type: protocol.TypeJoin, Room: "general"})
	waitFor(t, func() bool { return len(env.hub.Members("general")) == 1 })
	sendFrame(t, bobWS, protocol.Inbound{Type: protocol.TypeJoin, Room: "general"})

	joined := readUntil(t, annWS, protocol.TypeUserJoined)
	if joined.User == nil || joined.User.ID != "u-bob" {
		t.Fatalf("Expected bob to join, got %+v", joined)
	}

	sendFrame(t, annWS, protocol.Inbound{Type: protocol.TypeSendMessage, Room: "general", Body: "hello bob"})
	for _, conn := range []*websocket.Conn{annWS, bobWS} {
		frame := readUntil(t, conn, protocol.TypeMessageDelivered)
		if frame.Message == nil || frame.Message.Body != "hello bob" || frame.Sequence != 1 {
			t.Errorf("Unexpected delivery: %+v", frame)
		}
	}

	token := env.token(t, "u-cat", "Cat")

	resp := makeRequest(t, http.MethodGet, env.baseURL+"/rooms/general/messages", token)
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "application/json")
	var history historyResponse
	decodeJSON(t, resp, &history)
	if len(history.Messages) != 1 {
		t.Fatalf("Expected 1 stored message, got %d", len(history.Messages))
	}
	if msg := history.Messages[0]; msg.Body != "hello bob" || msg.Sender.ID != "u-ann" || msg.Sequence != 1 {
		t.Errorf("Unexpected stored message: %+v", msg)
	}

	resp = makeRequest(t, http.MethodGet, env.baseURL+"/rooms/general/members", token)
	assertStatusCode(t, resp, http.StatusOK)
	var members membersResponse
	decodeJSON(t, resp, &members)
	if len(members.Members) != 2 {
		t.Errorf("Expected 2 members, got %+v", members.Members)
	}

	resp = makeRequest(t, http.MethodGet, env.baseURL+"/presence/u-bob", token)
	assertStatusCode(t, resp, http.StatusOK)
	var presence chat.PresenceInfo
	decodeJSON(t, resp, &presence)
	if !presence.Online || presence.Connections != 1 {
		t.Errorf("Expected bob online with one connection, got %+v", presence)
	}

	resp = makeRequest(t, http.MethodGet, env.baseURL+"/presence/u-nobody", token)
	assertStatusCode(t, resp, http.StatusOK)
	presence = chat.PresenceInfo{}
	decodeJSON(t, resp, &presence)
	if presence.Online {
		t.Errorf("Expected unknown user to be offline")
	}
}

// TestHistoryPaging verifies the before and limit parameters.
func TestHistoryPaging(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connectAuthenticated(t, "u-ann", "Ann")

	sendFrame(t, conn, protocol.Inbound{Type: protocol.TypeJoin, Room: "general"})
	for _, body := range []string{"one", "two", "three"} {
		sendFrame(t, conn, protocol.Inbound{Type: protocol.TypeSendMessage, Room: "general", Body: body})
		readUntil(t, conn, protocol.TypeMessageDelivered)
	}

	token := env.token(t, "u-ann", "Ann")
	resp := makeRequest(t, http.MethodGet, env.baseURL+"/rooms/general/messages?before=3&limit=1", token)
	assertStatusCode(t, resp, http.StatusOK)

	var history historyResponse
	decodeJSON(t, resp, &history)
	if len(history.Messages) != 1 || history.Messages[0].Body != "two" {
		t.Errorf("Expected only message two, got %+v", history.Messages)
	}
}

// TestDisallowedOriginRejected verifies that the upgrade is refused for
// origins outside the allow-list.
func TestDisallowedOriginRejected(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		origin string
	}{
		{"foreign origin", "http://evil.example.com"},
		{"missing origin", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, resp, err := connectWebSocket(env.wsURL, tt.origin)
			if err == nil {
				_ = conn.Close()
				t.Fatal("Expected connection to be rejected")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("Expected status 403, got %v", resp)
			}
		})
	}
}

// TestInvalidTokenClosesSocket verifies the policy-violation close after a
// rejected authenticate frame.
func TestInvalidTokenClosesSocket(t *testing.T) {
	env := newTestEnv(t)

	conn, _, err := connectWebSocket(env.wsURL, testOrigin)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	defer func() { _ = conn.Close() }()

	sendFrame(t, conn, protocol.Inbound{Type: protocol.TypeAuthenticate, Token: "forged"})
	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeError || frame.Kind != protocol.KindAuth {
		t.Fatalf("Expected auth error frame, got %+v", frame)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("Expected policy violation close, got %v", err)
	}
}

// TestShutdownClosesClients verifies that hub shutdown sends a going-away
// close to connected clients.
func TestShutdownClosesClients(t *testing.T) {
	env := newTestEnv(t)
	conn := env.connectAuthenticated(t, "u-ann", "Ann")

	if err := env.hub.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Errorf("Expected going-away close, got %v", err)
		}
		break
	}
	if n := env.hub.ClientCount(); n != 0 {
		t.Errorf("Expected no clients after shutdown, got %d", n)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}
