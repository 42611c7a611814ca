package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"

	"github.com/Tyrowin/chathub/internal/auth"
	"github.com/Tyrowin/chathub/internal/chat"
	"github.com/Tyrowin/chathub/internal/protocol"
	"github.com/Tyrowin/chathub/internal/status"
	"github.com/Tyrowin/chathub/internal/store"
	"github.com/gorilla/websocket"
)

// HistoryReader reads stored room history.
type HistoryReader interface {
	FetchHistory(ctx context.Context, room string, before uint64, limit int) ([]protocol.Message, error)
}

// StatusReader reads the presence status shared by every hub instance.
// Status returns nil for a user that was never seen.
type StatusReader interface {
	Status(ctx context.Context, userID string) (map[string]string, error)
	OnlineUsers(ctx context.Context) ([]string, error)
}

// Server holds the HTTP handlers and their collaborators.
type Server struct {
	hub      *chat.Hub
	history  HistoryReader
	verifier chat.Verifier
	origins  *OriginPolicy
	status   StatusReader
	upgrader websocket.Upgrader
	log      *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithStatusReader makes the presence endpoints consult the shared status
// mirror for users that are not connected to this instance.
func WithStatusReader(reader StatusReader) Option {
	return func(s *Server) {
		s.status = reader
	}
}

// New creates a Server. history may be nil, in which case the history
// endpoint reports 503.
func New(hub *chat.Hub, history HistoryReader, verifier chat.Verifier, origins *OriginPolicy, log *slog.Logger, opts ...Option) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		hub:      hub,
		history:  history,
		verifier: verifier,
		origins:  origins,
		log:      log,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.CheckOrigin,
	}
	return s
}

// WebSocketHandler handles WebSocket upgrade requests. It validates that the
// request uses the GET method, upgrades the connection, and hands it to the
// hub, which authenticates the first frame.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info("WebSocket upgrade failed", "addr", r.RemoteAddr, "error", err)
		return
	}

	s.hub.Serve(conn, r.RemoteAddr)
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Chat hub is running!")
}

type historyResponse struct {
	Room     string             `json:"room"`
	Messages []protocol.Message `json:"messages"`
}

// HistoryHandler returns a page of stored messages, oldest first. The before
// query parameter pages backwards by sequence number.
func (s *Server) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if err := protocol.ValidateRoomID(room); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.history == nil {
		s.writeError(w, http.StatusServiceUnavailable, "history is not available")
		return
	}

	query := r.URL.Query()
	var before uint64
	if v := query.Get("before"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "before must be a sequence number")
			return
		}
		before = parsed
	}
	limit := store.DefaultHistoryLimit
	if v := query.Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = store.ClampLimit(parsed)
	}

	if user, ok := userFromContext(r.Context()); ok {
		s.log.Debug("History requested", "room", room, "user", user.ID, "before", before, "limit", limit)
	}

	msgs, err := s.history.FetchHistory(r.Context(), room, before, limit)
	if err != nil {
		s.log.Error("Error fetching history", "room", room, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to fetch history")
		return
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}
	s.writeJSON(w, http.StatusOK, historyResponse{Room: room, Messages: msgs})
}

type membersResponse struct {
	Room    string          `json:"room"`
	Members []protocol.User `json:"members"`
	Typing  []protocol.User `json:"typing"`
}

// MembersHandler lists the users connected to a room and who is typing.
func (s *Server) MembersHandler(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if err := protocol.ValidateRoomID(room); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp := membersResponse{
		Room:    room,
		Members: s.hub.Members(room),
		Typing:  s.hub.TypingIn(room),
	}
	if resp.Typing == nil {
		resp.Typing = []protocol.User{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type presenceResponse struct {
	chat.PresenceInfo
	LastSeen string `json:"last_seen,omitempty"`
}

// PresenceHandler reports whether a user is online. Connections counts this
// instance only; a user connected elsewhere is reported online through the
// status mirror.
func (s *Server) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user")
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "user is required")
		return
	}

	resp := presenceResponse{PresenceInfo: s.hub.Presence(userID)}
	if !resp.Online && s.status != nil {
		fields, err := s.status.Status(r.Context(), userID)
		if err != nil {
			s.log.Warn("Error reading mirrored status", "user", userID, "error", err)
		} else if fields != nil {
			resp.Online = fields["status"] == status.StatusOnline
			resp.LastSeen = fields["last_seen"]
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type onlineResponse struct {
	Users []string `json:"users"`
}

// OnlineHandler lists the ids of online users, merged with the status mirror
// when one is configured.
func (s *Server) OnlineHandler(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]struct{})
	ids := make([]string, 0)
	add := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}

	for _, user := range s.hub.OnlineUsers() {
		add(user.ID)
	}
	if s.status != nil {
		remote, err := s.status.OnlineUsers(r.Context())
		if err != nil {
			s.log.Warn("Error reading mirrored online users", "error", err)
		}
		for _, id := range remote {
			add(id)
		}
	}

	sort.Strings(ids)
	s.writeJSON(w, http.StatusOK, onlineResponse{Users: ids})
}

type userContextKey struct{}

// userFromContext returns the authenticated user attached by requireAuth.
func userFromContext(ctx context.Context) (protocol.User, bool) {
	user, ok := ctx.Value(userContextKey{}).(protocol.User)
	return user, ok
}

// requireAuth rejects requests without a valid bearer token.
func (s *Server) requireAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.BearerToken(r.Header.Get("Authorization"))
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		user, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			detail := "invalid token"
			if errors.Is(err, auth.ErrExpiredToken) {
				detail = auth.ErrExpiredToken.Error()
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			s.writeError(w, http.StatusUnauthorized, detail)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userContextKey{}, user)))
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("Error writing response", "error", err)
	}
}
