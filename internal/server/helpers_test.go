package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Tyrowin/chathub/internal/auth"
	"github.com/Tyrowin/chathub/internal/chat"
	"github.com/Tyrowin/chathub/internal/protocol"
	"github.com/Tyrowin/chathub/internal/store"
	"github.com/gorilla/websocket"
)

const testOrigin = "http://localhost:8080"

// testEnv is a running server backed by an in-memory store.
type testEnv struct {
	hub     *chat.Hub
	store   *store.Gorm
	tokens  *auth.Manager
	server  *Server
	http    *httptest.Server
	wsURL   string
	baseURL string
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv starts a server. The hub is shut down when the test ends.
func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()

	st, err := store.NewGorm(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	tokens := auth.NewManager("test-secret", time.Hour)
	log := discardLogger()

	hub := chat.NewHub(chat.DefaultConfig(), st, tokens, chat.WithLogger(log))
	go hub.Run()

	srv := New(hub, st, tokens, NewOriginPolicy([]string{testOrigin}, log), log, opts...)
	ts := httptest.NewServer(srv.Routes())

	t.Cleanup(func() {
		ts.Close()
		if err := hub.Shutdown(2 * time.Second); err != nil {
			t.Errorf("Hub shutdown failed: %v", err)
		}
		_ = st.Close()
	})

	return &testEnv{
		hub:     hub,
		store:   st,
		tokens:  tokens,
		server:  srv,
		http:    ts,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		baseURL: ts.URL,
	}
}

func (e *testEnv) token(t *testing.T, userID, username string) string {
	t.Helper()

	token, err := e.tokens.GenerateToken(userID, userID+"@example.com", username)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	return token
}

// assertStatusCode checks if the HTTP response has the expected status code.
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// assertContentType checks if the HTTP response has the expected Content-Type header.
func assertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// makeRequest executes an HTTP request with an optional bearer token.
func makeRequest(t *testing.T, method, url, token string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}

// connectWebSocket dials url with the given Origin header.
func connectWebSocket(url, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// connectAuthenticated opens a WebSocket and completes the authenticate
// handshake for userID.
func (e *testEnv) connectAuthenticated(t *testing.T, userID, username string) *websocket.Conn {
	t.Helper()

	conn, _, err := connectWebSocket(e.wsURL, testOrigin)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	sendFrame(t, conn, protocol.Inbound{Type: protocol.TypeAuthenticate, Token: e.token(t, userID, username)})
	frame := readFrame(t, conn)
	if frame.Type != protocol.TypeAuthenticated {
		t.Fatalf("Expected authenticated frame, got %+v", frame)
	}
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, in protocol.Inbound) {
	t.Helper()
	if err := conn.WriteJSON(in); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	frame, err := protocol.DecodeFrame(payload)
	if err != nil {
		t.Fatalf("Failed to decode frame %s: %v", payload, err)
	}
	return frame
}

// readUntil reads frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want protocol.OutboundType) protocol.Frame {
	t.Helper()

	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame.Type == want {
			return frame
		}
	}
	t.Fatalf("Did not receive a %s frame", want)
	return protocol.Frame{}
}
