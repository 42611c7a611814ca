package server

import "net/http"

// Routes configures and returns an HTTP ServeMux with all application routes.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.Handle("GET /rooms/{room}/messages", s.requireAuth(s.HistoryHandler))
	mux.Handle("GET /rooms/{room}/members", s.requireAuth(s.MembersHandler))
	mux.Handle("GET /presence", s.requireAuth(s.OnlineHandler))
	mux.Handle("GET /presence/{user}", s.requireAuth(s.PresenceHandler))
	return mux
}
