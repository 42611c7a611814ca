// Package server implements the HTTP surface of the chat hub: the WebSocket
// upgrade endpoint, health check, and read-only room, history and presence
// endpoints.
//
// The implementation is organized into specialized files for origin policy,
// routing, handlers and server lifecycle so each piece stays testable.
package server
