// Package api defines the HTTP/websocket protocol spoken between a live
// tree and the authority, and a client for it.
package api

import (
	"github.com/livetree/livetree/internal/patch"
)

// ProtocolVersion must match between client and server.
const ProtocolVersion = 1

// ServerInfo is returned by GET /api/info and completes the handshake.
type ServerInfo struct {
	SessionID       string    `json:"sessionId"`
	ServerVersion   string    `json:"serverVersion"`
	ProtocolVersion int       `json:"protocolVersion"`
	ProjectName     string    `json:"projectName"`
	RootInstanceID  patch.Ref `json:"rootInstanceId"`
}

// ReadResponse is returned by GET /api/read/{ids}. MessageCursor is the
// position of the message stream the snapshot already reflects.
type ReadResponse struct {
	SessionID     string                       `json:"sessionId"`
	MessageCursor int64                        `json:"messageCursor"`
	Instances     map[patch.Ref]patch.Instance `json:"instances"`
}

// SubscribeResponse is one frame pushed on /api/socket/{cursor}.
type SubscribeResponse struct {
	SessionID     string         `json:"sessionId"`
	MessageCursor int64          `json:"messageCursor"`
	Messages      []*patch.Patch `json:"messages"`
}

// WriteRequest is the body of POST /api/write.
type WriteRequest struct {
	SessionID string `json:"sessionId"`
	patch.Patch
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
