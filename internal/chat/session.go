package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Tyrowin/chathub/internal/protocol"
	"github.com/gorilla/websocket"
)

// State is the lifecycle stage of a Session.
type State int32

// Session states, in the only order they are entered.
const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session bridges one WebSocket link to the Hub. It authenticates the first
// frame, then runs a reader that decodes and dispatches inbound frames and a
// writer that drains the connection's outbound queue.
type Session struct {
	hub  *Hub
	ws   *websocket.Conn
	addr string
	cfg  Config
	log  *slog.Logger

	state atomic.Int32
	conn  *Connection

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(h *Hub, ws *websocket.Conn, addr string) *Session {
	return &Session{
		hub:  h,
		ws:   ws,
		addr: addr,
		cfg:  h.cfg,
		log:  h.log.With("addr", addr),
		done: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(state State) {
	s.state.Store(int32(state))
}

// Wait blocks until the session has closed or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the session until the link closes. ctx cancellation aborts a
// pending authentication; established connections are drained by the hub.
func (s *Session) Run(ctx context.Context) {
	defer close(s.done)
	defer s.setState(StateClosed)

	s.ws.SetReadLimit(s.cfg.MaxFrameSize)
	stop := context.AfterFunc(ctx, func() {
		if s.State() == StateConnecting {
			s.closeTransport()
		}
	})
	defer stop()

	conn, err := s.authenticate(ctx)
	if err != nil {
		s.log.Info("Authentication failed", "error", err)
		s.reject(err)
		return
	}
	s.conn = conn
	s.log = s.log.With("connection", conn.ID(), "user", conn.User().ID)
	s.setState(StateAuthenticated)

	if err := conn.Send(protocol.NewAuthenticated(conn.User(), conn.ID())); err != nil {
		s.log.Error("Error queueing authenticated frame", "error", err)
	}
	s.setState(StateActive)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()

	reason := s.readPump(ctx)

	s.setState(StateDraining)
	s.hub.Disconnect(conn, reason)
	<-writerDone
	s.closeTransport()
}

// authenticate reads the first frame, which must be an authenticate frame
// arriving within AuthTimeout, and registers the verified user with the hub.
func (s *Session) authenticate(ctx context.Context) (*Connection, error) {
	if err := s.ws.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout)); err != nil {
		return nil, protocol.Wrap(protocol.KindAuth, err)
	}
	_, raw, err := s.ws.ReadMessage()
	if err != nil {
		return nil, protocol.NewError(protocol.KindAuth, "no authenticate frame received: %v", err)
	}

	in, err := protocol.DecodeInbound(raw)
	if err != nil {
		return nil, protocol.Wrap(protocol.KindAuth, err)
	}
	if in.Type != protocol.TypeAuthenticate {
		return nil, protocol.NewError(protocol.KindAuth, "first frame must be %q, got %q", protocol.TypeAuthenticate, in.Type)
	}

	vctx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	defer cancel()

	user, err := s.hub.verifier.Verify(vctx, in.Token)
	if err != nil {
		if errors.Is(err, protocol.ErrAuth) {
			return nil, err
		}
		return nil, protocol.Wrap(protocol.KindAuth, err)
	}
	return s.hub.Connect(user, s.addr)
}

// reject writes an error frame and a close frame directly, since no writer
// pump runs before authentication succeeds.
func (s *Session) reject(err error) {
	payload, encErr := protocol.Encode(protocol.NewErrorFrame(err))
	if encErr == nil {
		if err := s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err == nil {
			if err := s.ws.WriteMessage(websocket.TextMessage, payload); err != nil && !isExpectedCloseError(err) {
				s.log.Warn("Error writing auth error frame", "error", err)
			}
		}
	}
	s.writeClose(websocket.ClosePolicyViolation, "authentication failed")
	s.closeTransport()
}

func (s *Session) setupReadConnection() {
	if err := s.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait)); err != nil {
		s.log.Warn("Error setting initial read deadline", "error", err)
	}
	s.ws.SetPongHandler(func(string) error {
		if err := s.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait)); err != nil {
			s.log.Warn("Error setting read deadline in pong handler", "error", err)
		}
		return nil
	})
}

// readPump decodes and dispatches frames until the link fails or a protocol
// error occurs, and returns the reason the connection should close.
func (s *Session) readPump(ctx context.Context) error {
	s.setupReadConnection()

	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			return s.handleReadError(err)
		}
		if err := s.ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait)); err != nil {
			s.log.Warn("Error extending read deadline", "error", err)
		}

		in, err := protocol.DecodeInbound(raw)
		if err != nil {
			s.log.Info("Invalid frame", "error", err)
			s.report(err)
			return err
		}

		if err := s.hub.Dispatch(ctx, s.conn, in); err != nil {
			if errors.Is(err, ErrClosed) {
				return s.conn.Err()
			}
			s.report(err)
			if errors.Is(err, protocol.ErrProtocol) {
				return err
			}
		}
	}
}

// handleReadError logs the read failure at a level matching its cause and
// converts it into a close reason.
func (s *Session) handleReadError(err error) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		s.log.Info("Frame exceeded maximum size", "limit", s.cfg.MaxFrameSize)
		return protocol.NewError(protocol.KindProtocol, "frame exceeds maximum size of %d bytes", s.cfg.MaxFrameSize)
	}

	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure) {
		s.log.Info("Client disconnected", "error", err)
		return ErrClosed
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		s.log.Info("Client connection closed", "error", err)
		return ErrClosed
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		s.log.Info("Client timed out", "error", err)
		return ErrClosed
	}

	s.log.Warn("WebSocket read error", "error", err)
	return ErrClosed
}

// report queues an error frame for this session only.
func (s *Session) report(err error) {
	if sendErr := s.conn.Send(protocol.NewErrorFrame(err)); sendErr != nil {
		s.log.Debug("Error frame not queued", "error", sendErr)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(s.cfg.PingPeriod)
	defer ticker.Stop()

	send := s.conn.GetSendChan()
	for {
		select {
		case payload := <-send:
			if !s.writeBatch(payload, time.Now().Add(s.cfg.WriteWait)) {
				s.abort()
				return
			}
		case <-ticker.C:
			if !s.writePing() {
				s.abort()
				return
			}
		case <-s.conn.Done():
			s.drain()
			return
		}
	}
}

// writeBatch writes payload plus whatever is already queued behind it, each
// as its own text frame, under one write deadline.
func (s *Session) writeBatch(payload []byte, deadline time.Time) bool {
	if err := s.ws.SetWriteDeadline(deadline); err != nil {
		s.log.Warn("Error setting write deadline", "error", err)
		return false
	}
	if !s.writeText(payload) {
		return false
	}

	send := s.conn.GetSendChan()
	n := len(send)
	for i := 0; i < n; i++ {
		if !s.writeText(<-send) {
			return false
		}
	}
	return true
}

func (s *Session) writeText(payload []byte) bool {
	if err := s.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Warn("Error writing message", "error", err)
		}
		return false
	}
	return true
}

func (s *Session) writePing() bool {
	if err := s.ws.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
		s.log.Warn("Error setting write deadline for ping", "error", err)
		return false
	}
	if err := s.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.log.Warn("Error writing ping message", "error", err)
		return false
	}
	return true
}

// drain flushes what is still queued within DrainTimeout, then sends a close
// frame. Slow consumers are not flushed: their queue is what overflowed.
func (s *Session) drain() {
	reason := s.conn.Err()
	if !errors.Is(reason, protocol.ErrSlowConsumer) {
		deadline := time.Now().Add(s.cfg.DrainTimeout)
		send := s.conn.GetSendChan()
	flush:
		for {
			select {
			case payload := <-send:
				if !s.writeBatch(payload, deadline) {
					break flush
				}
			default:
				break flush
			}
		}
	}

	code, text := closeCode(reason)
	s.writeClose(code, text)
	s.closeTransport()
}

// abort ends a connection whose link can no longer be written to.
func (s *Session) abort() {
	s.conn.Kill(ErrClosed)
	s.closeTransport()
}

func (s *Session) writeClose(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	if err := s.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait)); err != nil {
		if !isExpectedCloseError(err) {
			s.log.Debug("Error writing close message", "error", err)
		}
	}
}

func (s *Session) closeTransport() {
	s.closeOnce.Do(func() {
		if err := s.ws.Close(); err != nil && !isExpectedCloseError(err) {
			s.log.Warn("Error closing connection", "error", err)
		}
	})
}

// closeCode maps a kill reason to a WebSocket close code and text.
func closeCode(reason error) (int, string) {
	switch {
	case reason == nil, errors.Is(reason, ErrClosed):
		return websocket.CloseNormalClosure, ""
	case errors.Is(reason, ErrShutdown):
		return websocket.CloseGoingAway, "server shutting down"
	case errors.Is(reason, protocol.ErrSlowConsumer):
		return websocket.CloseTryAgainLater, "slow consumer"
	case errors.Is(reason, protocol.ErrProtocol):
		return websocket.CloseProtocolError, "protocol error"
	default:
		return websocket.CloseInternalServerErr, ""
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
